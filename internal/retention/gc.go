// Package retention implements RetentionGC (spec §4.6): the background
// sweeper that enforces per-stream retention-day limits and an overall
// disk low/high-water-mark budget by tombstoning and unlinking the oldest
// eligible segments.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lightnvr/lightnvr/internal/config"
	"github.com/lightnvr/lightnvr/internal/eventbus"
	"github.com/lightnvr/lightnvr/internal/recordingindex"
)

// Stats summarizes one sweep, returned to callers and logged.
type Stats struct {
	SegmentsDeleted int
	BytesFreed      int64
}

// ActiveSegmentLookup reports the id of the segment currently being written
// for a stream (0 if none), so a sweep never deletes a file its own
// SegmentWriter still has open. Implemented by the ingest package's
// per-stream SegmentWriter registry.
type ActiveSegmentLookup func(streamName string) int64

// DiskUsage reports the fraction of total capacity currently used at path,
// in [0,1]. Swapped out in tests for a fake to avoid depending on the real
// filesystem's free space.
type DiskUsage func(path string) (float64, error)

// GC is the RetentionGC component. One instance runs process-wide, against
// a single recordings root shared by every stream's SegmentWriter.
type GC struct {
	cfg           *config.Config
	index         *recordingindex.Index
	bus           *eventbus.EventBus
	activeSegment ActiveSegmentLookup
	diskUsage     DiskUsage
	logger        *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New builds a GC. diskUsage defaults to statfsUsage (syscall.Statfs-backed)
// when nil.
func New(cfg *config.Config, index *recordingindex.Index, bus *eventbus.EventBus, activeSegment ActiveSegmentLookup, diskUsage DiskUsage, logger *slog.Logger) *GC {
	if logger == nil {
		logger = slog.Default()
	}
	if diskUsage == nil {
		diskUsage = statfsUsage
	}
	if activeSegment == nil {
		activeSegment = func(string) int64 { return 0 }
	}
	return &GC{
		cfg:           cfg,
		index:         index,
		bus:           bus,
		activeSegment: activeSegment,
		diskUsage:     diskUsage,
		logger:        logger.With("component", "retentiongc"),
	}
}

// Start launches the periodic sweep loop on its own goroutine, per spec
// §5's "GC runs on a dedicated thread". Grounded on the teacher's
// RetentionPolicy.Start/runCleanupLoop ticker+stopCh shape.
func (g *GC) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.done = make(chan struct{})
	g.mu.Unlock()

	go g.loop(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (g *GC) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	done := g.done
	g.mu.Unlock()
	<-done
}

func (g *GC) loop(ctx context.Context) {
	defer close(g.done)

	interval := time.Duration(g.cfg.Snapshot().Storage.GCIntervalSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := g.Sweep(ctx); err != nil {
		g.logger.Error("initial retention sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			if g.highWaterBreached() {
				if _, err := g.Sweep(ctx); err != nil {
					g.logger.Error("retention sweep failed", "error", err)
				}
				continue
			}
			if _, err := g.sweepRetentionOnly(ctx); err != nil {
				g.logger.Error("retention-days sweep failed", "error", err)
			}
		}
	}
}

func (g *GC) highWaterBreached() bool {
	root := g.cfg.Snapshot()
	used, err := g.diskUsage(root.Storage.RecordingsPath)
	if err != nil {
		g.logger.Warn("failed to read disk usage, assuming breached", "error", err)
		return true
	}
	return used >= root.Storage.HighWaterPct
}

// Sweep runs a full cycle: per-stream retention-day enumeration first, then,
// if still above the low-water mark, oldest-first GC by bytes. Matches spec
// §4.6's exact algorithm.
func (g *GC) Sweep(ctx context.Context) (Stats, error) {
	total := Stats{}

	retentionStats, err := g.sweepRetentionOnly(ctx)
	if err != nil {
		return total, err
	}
	total.SegmentsDeleted += retentionStats.SegmentsDeleted
	total.BytesFreed += retentionStats.BytesFreed

	byteStats, err := g.sweepByBytes(ctx)
	if err != nil {
		return total, err
	}
	total.SegmentsDeleted += byteStats.SegmentsDeleted
	total.BytesFreed += byteStats.BytesFreed

	g.publishSwept(total)
	return total, nil
}

// sweepRetentionOnly deletes, per stream, every non-excluded segment whose
// end_ms falls before now - retention_days. Step 2 of spec §4.6.
func (g *GC) sweepRetentionOnly(ctx context.Context) (Stats, error) {
	stats := Stats{}
	root := g.cfg.Snapshot()

	for _, stream := range root.Streams {
		retentionDays := stream.RetentionDays
		if retentionDays <= 0 {
			continue
		}
		cutoffMS := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
		cutoff := cutoffMS

		for {
			segs, _, err := g.index.Query(ctx, recordingindex.QueryFilter{
				StreamName:  stream.Name,
				EndBeforeMS: &cutoff,
				SortColumn:  "end_ms",
				Limit:       100,
			})
			if err != nil {
				return stats, fmt.Errorf("list expired segments for %s: %w", stream.Name, err)
			}
			if len(segs) == 0 {
				break
			}

			activeID := g.activeSegment(stream.Name)
			deletedAny := false
			for i := range segs {
				seg := &segs[i]
				if seg.ID == activeID {
					continue
				}
				if err := g.deleteOne(ctx, seg); err != nil {
					g.logger.Error("failed to delete expired segment", "id", seg.ID, "error", err)
					continue
				}
				stats.SegmentsDeleted++
				stats.BytesFreed += seg.SizeBytes
				deletedAny = true
			}
			if len(segs) < 100 || !deletedAny {
				break
			}
		}
	}
	return stats, nil
}

// sweepByBytes frees target_freed = max(0, current_used - low_water*total)
// bytes via RecordingIndex.OldestCandidatesForGC, excluding segments
// referenced by a motion event that is still open or ended within the
// spec's post_buffer+30s grace window. Step 3 of spec §4.6.
func (g *GC) sweepByBytes(ctx context.Context) (Stats, error) {
	stats := Stats{}
	root := g.cfg.Snapshot()

	usedBytes, err := g.index.TotalBytesUsed(ctx, "")
	if err != nil {
		return stats, fmt.Errorf("total bytes used: %w", err)
	}

	usedPct, err := g.diskUsage(root.Storage.RecordingsPath)
	if err != nil {
		g.logger.Warn("failed to read disk usage for byte-budget sweep", "error", err)
		return stats, nil
	}
	if usedPct < root.Storage.LowWaterPct {
		return stats, nil
	}

	lowWater := root.Storage.LowWaterPct
	if lowWater <= 0 {
		lowWater = 0.85
	}
	targetTotal := int64(float64(usedBytes) / usedPct * lowWater)
	targetFreed := usedBytes - targetTotal
	if targetFreed <= 0 {
		return stats, nil
	}

	graceMS := motionGracePeriod(root).Milliseconds()
	candidates, err := g.index.OldestCandidatesForGC(ctx, targetFreed, 0, true, graceMS, time.Now().UnixMilli())
	if err != nil {
		return stats, fmt.Errorf("gc candidates: %w", err)
	}

	for i := range candidates {
		seg := &candidates[i]
		if seg.ID == g.activeSegment(seg.StreamName) {
			continue
		}
		if err := g.deleteOne(ctx, seg); err != nil {
			g.logger.Error("failed to delete gc candidate", "id", seg.ID, "error", err)
			continue
		}
		stats.SegmentsDeleted++
		stats.BytesFreed += seg.SizeBytes
	}
	return stats, nil
}

// motionGraceAfterEnd is the spec's fixed grace addend on top of each
// stream's configured post_buffer before a just-ended motion event's
// segments become GC-eligible.
const motionGraceAfterEnd = 30 * time.Second

// motionGracePeriod returns the longest post_buffer+30s grace window across
// every configured stream. OldestCandidatesForGC runs one global byte-budget
// sweep across all streams at once, so a single conservative (maximum)
// window is used rather than joining per-segment against its owning
// stream's post_buffer — it never frees a segment before its own stream's
// grace has elapsed, only potentially later for streams with a shorter
// configured post_buffer.
func motionGracePeriod(root *config.Root) time.Duration {
	var maxPostBuffer time.Duration
	for _, s := range root.Streams {
		pb := time.Duration(s.PostBufferSeconds) * time.Second
		if pb > maxPostBuffer {
			maxPostBuffer = pb
		}
	}
	return maxPostBuffer + motionGraceAfterEnd
}

// deleteOne tombstones the row then unlinks the file, ignoring ENOENT. Per
// spec §4.6 step 4: any other unlink error aborts only this candidate, never
// the whole sweep.
func (g *GC) deleteOne(ctx context.Context, seg *recordingindex.Segment) error {
	path, err := g.index.DeleteSegment(ctx, seg.ID)
	if err != nil {
		if errors.Is(err, recordingindex.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("failed to unlink deleted segment file", "path", path, "error", err)
		return err
	}
	return nil
}

func (g *GC) publishSwept(stats Stats) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(eventbus.SubjectRetentionSwept, map[string]interface{}{
		"segments_deleted": stats.SegmentsDeleted,
		"bytes_freed":      stats.BytesFreed,
	}); err != nil {
		g.logger.Warn("failed to publish retention.swept", "error", err)
	}
}
