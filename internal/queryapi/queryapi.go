// Package queryapi implements the QueryAPI component named in spec §4.7:
// the read-only projection surface the (out-of-core-scope) web layer calls
// for stream list, recordings listing, recording metadata, a day's timeline,
// and live health counters. It is deliberately transport-free — no chi
// router, no HTTP handlers — since spec.md §1 places the HTTP/WS server
// itself out of core scope; this package is the Go-native boundary an
// unbuilt HTTP layer would sit on top of, grounded on the teacher's own
// separation between its repository/service layer and its chi handlers
// (the handlers never touched *sql.DB directly, only the service).
package queryapi

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lightnvr/lightnvr/internal/config"
	"github.com/lightnvr/lightnvr/internal/ingest"
	"github.com/lightnvr/lightnvr/internal/logging"
	"github.com/lightnvr/lightnvr/internal/recordingindex"
)

// API is the QueryAPI's single entry point, wrapping the collaborators it
// projects a read-only view over. None of its methods mutate state.
type API struct {
	index      *recordingindex.Index
	supervisor *ingest.Supervisor
	cfg        *config.Config
	logs       *logging.RingBuffer
}

func New(index *recordingindex.Index, supervisor *ingest.Supervisor, cfg *config.Config) *API {
	return &API{index: index, supervisor: supervisor, cfg: cfg, logs: logging.GetLogBuffer()}
}

// StreamHealth is one stream's current configuration plus its live worker
// state, the combination the web layer's dashboard view needs in one call.
type StreamHealth struct {
	Name              string
	Enabled           bool
	State             ingest.WorkerState
	LastError         string
	Uptime            time.Duration
	PacketsIn         uint64
	BytesIn           uint64
	RetentionDays     int
	PreBufferSeconds  int
	PostBufferSeconds int
}

// ListStreams returns one row per configured stream, joining the static
// config against the supervisor's live WorkerInfo by name. A stream present
// in config but not yet running (e.g. disabled) still appears, with a zero
// WorkerState.
func (a *API) ListStreams() []StreamHealth {
	workers := make(map[string]ingest.WorkerInfo, 8)
	for _, w := range a.supervisor.ListWorkers() {
		workers[w.Name] = w
	}

	streams := a.cfg.Snapshot().Streams
	out := make([]StreamHealth, 0, len(streams))
	for _, s := range streams {
		h := StreamHealth{
			Name:              s.Name,
			Enabled:           s.Enabled,
			RetentionDays:     s.RetentionDays,
			PreBufferSeconds:  s.PreBufferSeconds,
			PostBufferSeconds: s.PostBufferSeconds,
		}
		if w, ok := workers[s.Name]; ok {
			h.State = w.State
			h.LastError = w.LastError
			h.Uptime = w.Uptime
			h.PacketsIn = w.PacketsIn
			h.BytesIn = w.BytesIn
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StreamLogs returns up to n of the most recent log lines tagged with
// streamName, for the health view's per-camera log panel.
func (a *API) StreamLogs(streamName string, n int) []logging.LogEntry {
	return a.logs.GetRecentForStream(n, streamName)
}

// ListRecordings is a thin pass-through to RecordingIndex.Query: the
// QueryAPI adds no filtering semantics of its own, since the index already
// implements paginated, filtered listing exactly as spec §4.7 describes it.
func (a *API) ListRecordings(ctx context.Context, f recordingindex.QueryFilter) ([]recordingindex.Segment, int, error) {
	return a.index.Query(ctx, f)
}

// RecordingMetadata returns one segment's full row by id.
func (a *API) RecordingMetadata(ctx context.Context, id int64) (*recordingindex.Segment, error) {
	return a.index.Get(ctx, id)
}

// TimelineInterval is one contiguous span of recorded time within a day,
// built by merging back-to-back segments (end of one within a tolerance of
// the next's start) so the caller gets intervals rather than a raw segment
// list to re-derive them from.
type TimelineInterval struct {
	StartMS int64
	EndMS   int64
}

// mergeGapToleranceMS bridges the small gap a segment rotation leaves
// between one MP4's end and the next's start (flush/fsync/seal latency);
// gaps larger than this are a genuine recording interruption and start a
// new interval.
const mergeGapToleranceMS = 2000

// Timeline returns the merged recorded-time intervals for one stream on one
// calendar day (UTC), sorted ascending, per spec §4.7's "timeline segments
// for a day, grouped and sorted".
func (a *API) Timeline(ctx context.Context, streamName string, day time.Time) ([]TimelineInterval, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	startMS := dayStart.UnixMilli()
	endMS := dayEnd.UnixMilli()

	segs, _, err := a.index.Query(ctx, recordingindex.QueryFilter{
		StreamName:   streamName,
		StartAfterMS: &startMS,
		EndBeforeMS:  &endMS,
		SortColumn:   "start_ms",
		Limit:        100000,
	})
	if err != nil {
		return nil, fmt.Errorf("query segments for timeline: %w", err)
	}

	var intervals []TimelineInterval
	for _, seg := range segs {
		if len(intervals) > 0 {
			last := &intervals[len(intervals)-1]
			if seg.StartMS-last.EndMS <= mergeGapToleranceMS {
				if seg.EndMS > last.EndMS {
					last.EndMS = seg.EndMS
				}
				continue
			}
		}
		intervals = append(intervals, TimelineInterval{StartMS: seg.StartMS, EndMS: seg.EndMS})
	}
	return intervals, nil
}
