package recordingindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lightnvr/lightnvr/internal/eventbus"
)

// errUnreadableOrphan marks an orphan .mp4 whose ffprobe metadata extraction
// failed outright: the spec requires this file be renamed .corrupt and left
// out of the index rather than registered with fabricated zero metadata.
var errUnreadableOrphan = errors.New("orphan segment unreadable by ffprobe")

// Reconcile runs the startup reconciliation procedure: adopt on-disk .mp4
// files that crashed before SegmentWriter could register them, and mark
// index rows whose backing file has vanished. Grounded on the teacher's
// ffprobe-based metadata extraction (internal/recording/segment.go's
// DefaultSegmentHandler.ExtractMetadata) for probing orphan file duration.
func (idx *Index) Reconcile(ctx context.Context, recordingsDir string) (ReconcileStats, error) {
	var stats ReconcileStats

	onDisk, err := scanMP4Files(recordingsDir)
	if err != nil {
		return stats, fmt.Errorf("scan recordings dir: %w", err)
	}

	known := make(map[string]bool, len(onDisk))
	rows, err := idx.db.QueryContext(ctx, `SELECT path FROM segments WHERE deleted_at IS NULL`)
	if err != nil {
		return stats, fmt.Errorf("list known segment paths: %w", err)
	}
	var knownPaths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return stats, err
		}
		knownPaths = append(knownPaths, p)
		known[p] = true
	}
	rows.Close()

	for _, path := range onDisk {
		if known[path] {
			continue
		}
		seg, err := adoptOrphan(path)
		if err != nil {
			if errors.Is(err, errUnreadableOrphan) {
				corruptPath := path + ".corrupt"
				if renameErr := os.Rename(path, corruptPath); renameErr != nil {
					idx.logger.Warn("failed to rename unreadable orphan to .corrupt", "path", path, "error", renameErr)
					continue
				}
				idx.logger.Warn("orphan segment unreadable, renamed to .corrupt and left unregistered", "path", path, "corrupt_path", corruptPath)
				stats.OrphansCorrupt++
				continue
			}
			idx.logger.Warn("failed to adopt orphan segment", "path", path, "error", err)
			continue
		}
		if _, err := idx.InsertSegment(ctx, seg); err != nil {
			idx.logger.Warn("failed to register adopted orphan", "path", path, "error", err)
			continue
		}
		stats.OrphansAdopted++
	}

	diskSet := make(map[string]bool, len(onDisk))
	for _, p := range onDisk {
		diskSet[p] = true
	}
	for _, path := range knownPaths {
		if diskSet[path] {
			continue
		}
		if err := idx.markMissing(ctx, path); err != nil {
			idx.logger.Warn("failed to mark missing segment deleted", "path", path, "error", err)
			continue
		}
		stats.RowsMarkedLost++
	}

	idx.publish(eventbus.SubjectIndexReconciled, map[string]interface{}{
		"orphans_adopted":  stats.OrphansAdopted,
		"orphans_corrupt":  stats.OrphansCorrupt,
		"rows_marked_lost": stats.RowsMarkedLost,
	})
	return stats, nil
}

func (idx *Index) markMissing(ctx context.Context, path string) error {
	res, err := idx.db.ExecContext(ctx, `
		UPDATE segments SET state = ?, deleted_at = ?
		WHERE path = ? AND deleted_at IS NULL
	`, string(StateDeleted), time.Now().Unix(), path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanMP4Files(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".mp4") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// adoptOrphan builds a Segment row for a .mp4 file found on disk with no
// matching index entry, probing its duration/frame metadata with ffprobe
// the same way the teacher's DefaultSegmentHandler.ExtractMetadata does.
// Stream name and start time are derived from the archival path layout
// ({recordings_root}/{stream}/{date}/{start_epoch_ms}.mp4, per spec §6).
//
// A file ffprobe cannot read at all (e.g. truncated by a power cut mid-write)
// is reported via errUnreadableOrphan rather than adopted with fabricated
// zero duration/frame-count metadata, per the spec's scenario 4.
func adoptOrphan(path string) (*Segment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	streamName := filepath.Base(filepath.Dir(filepath.Dir(path)))
	startMS, err := strconv.ParseInt(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), 10, 64)
	if err != nil {
		startMS = info.ModTime().UnixMilli()
	}

	durationSeconds, frameCount, err := probeMP4(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadableOrphan, err)
	}
	endMS := startMS + int64(durationSeconds*1000)

	return &Segment{
		StreamName: streamName,
		Path:       path,
		Container:  ContainerMP4,
		StartMS:    startMS,
		EndMS:      endMS,
		SizeBytes:  info.Size(),
		FrameCount: frameCount,
		State:      StateSealed,
	}, nil
}

// probeMP4 shells out to ffprobe for duration/frame-count, matching the
// teacher's own ffprobe invocation shape. Any failure to run ffprobe or to
// find a readable moov atom (no duration field in the output) is reported as
// an error instead of silently yielding zero values, since a zeroed-out
// duration is otherwise indistinguishable from a genuinely instantaneous
// recording.
func probeMP4(path string) (durationSeconds float64, frameCount int64, err error) {
	cmd := exec.Command("ffprobe",
		"-v", "quiet",
		"-print_format", "default=noprint_wrappers=1:nokey=1",
		"-show_entries", "format=duration:stream=nb_frames",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("ffprobe returned no metadata, likely missing moov atom")
	}
	durationSeconds, err = strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}
	if len(fields) > 1 {
		frameCount, _ = strconv.ParseInt(fields[1], 10, 64)
	}
	return durationSeconds, frameCount, nil
}
