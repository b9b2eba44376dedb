package recordingindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lightnvr/lightnvr/internal/database"
	"github.com/lightnvr/lightnvr/internal/eventbus"
	"github.com/lightnvr/lightnvr/internal/lnvrerr"
)

// ErrNotFound is returned by Get and DeleteSegment when the id does not
// exist (or has already been tombstoned, for DeleteSegment).
var ErrNotFound = errors.New("recordingindex: not found")

// Index is the RecordingIndex component: a thin, transactionally-wrapped
// layer over the segments/motion_events tables.
type Index struct {
	db     *database.DB
	bus    *eventbus.EventBus
	logger *slog.Logger
}

// New wraps db (already migrated) as a RecordingIndex. bus may be nil in
// tests that don't care about published events.
func New(db *database.DB, bus *eventbus.EventBus, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{db: db, bus: bus, logger: logger.With("component", "recordingindex")}
}

// publish is a no-op when the index was constructed without an EventBus
// (e.g. unit tests exercising SQL behavior in isolation).
func (idx *Index) publish(subject string, payload interface{}) {
	if idx.bus == nil {
		return
	}
	if err := idx.bus.Publish(subject, payload); err != nil {
		idx.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// InsertSegment upserts seg keyed on (stream_name, start_ms): a second
// insert for the same key updates end/size/frame-count fields in place
// rather than creating a duplicate row, so a registration retry after a
// partial failure is safe. Returns the assigned row id.
func (idx *Index) InsertSegment(ctx context.Context, seg *Segment) (int64, error) {
	if seg.State == "" {
		seg.State = StateSealed
	}
	if seg.Container == "" {
		seg.Container = ContainerMP4
	}

	var id int64
	err := idx.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (
				stream_name, path, container, start_ms, end_ms, size_bytes,
				frame_count, has_detection, state, checksum_sha256, thumbnail_path
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(stream_name, start_ms) DO UPDATE SET
				end_ms = excluded.end_ms,
				size_bytes = excluded.size_bytes,
				frame_count = excluded.frame_count,
				has_detection = excluded.has_detection,
				state = excluded.state,
				checksum_sha256 = excluded.checksum_sha256,
				thumbnail_path = excluded.thumbnail_path
		`,
			seg.StreamName, seg.Path, string(seg.Container), seg.StartMS, seg.EndMS,
			seg.SizeBytes, seg.FrameCount, boolToInt(seg.HasDetection), string(seg.State),
			nullableString(seg.ChecksumSHA256), nullableString(seg.ThumbnailPath),
		)
		if err != nil {
			return fmt.Errorf("upsert segment: %w", err)
		}

		// ON CONFLICT DO UPDATE leaves sqlite's LastInsertId at whatever
		// the connection last inserted, so it cannot identify the row;
		// look the row back up by its unique key.
		return tx.QueryRowContext(ctx,
			`SELECT id FROM segments WHERE stream_name = ? AND start_ms = ?`,
			seg.StreamName, seg.StartMS,
		).Scan(&id)
	})
	if err != nil {
		return 0, &lnvrerr.IndexError{Op: "insert_segment", Err: err}
	}

	seg.ID = id
	return id, nil
}

// DeleteSegment tombstones the segment (state -> deleted, deleted_at set)
// and returns its file path so the caller can unlink it. A tombstone, not a
// hard delete, so the same file is never reaped twice by a concurrent GC
// pass and a retried unlink is idempotent.
func (idx *Index) DeleteSegment(ctx context.Context, id int64) (string, error) {
	var path string
	err := idx.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT path FROM segments WHERE id = ? AND deleted_at IS NULL`, id,
		).Scan(&path); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE segments SET state = ?, deleted_at = ? WHERE id = ?
		`, string(StateDeleted), time.Now().Unix(), id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", &lnvrerr.IndexError{Op: "delete_segment", Err: err}
	}

	idx.publish(eventbus.SubjectSegmentDeleted, map[string]interface{}{
		"id": id, "path": path,
	})
	return path, nil
}

// Get retrieves a segment by id, including deleted tombstones.
func (idx *Index) Get(ctx context.Context, id int64) (*Segment, error) {
	row := idx.db.QueryRowContext(ctx, segmentColumns+` FROM segments WHERE id = ?`, id)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// Query filters, sorts, and paginates segments, returning the page plus the
// total matching row count (ignoring Limit/Offset) for caller-side
// pagination UI.
func (idx *Index) Query(ctx context.Context, f QueryFilter) ([]Segment, int, error) {
	var conds []string
	var args []interface{}

	conds = append(conds, "deleted_at IS NULL")
	if f.StreamName != "" {
		conds = append(conds, "stream_name = ?")
		args = append(args, f.StreamName)
	}
	if f.StartAfterMS != nil {
		conds = append(conds, "start_ms >= ?")
		args = append(args, *f.StartAfterMS)
	}
	if f.EndBeforeMS != nil {
		conds = append(conds, "end_ms <= ?")
		args = append(args, *f.EndBeforeMS)
	}
	if f.HasDetection != nil {
		conds = append(conds, "has_detection = ?")
		args = append(args, boolToInt(*f.HasDetection))
	}
	where := "WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := idx.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM segments "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count segments: %w", err)
	}

	sortCol := "start_ms"
	switch f.SortColumn {
	case "end_ms", "size_bytes", "start_ms":
		sortCol = f.SortColumn
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(
		"%s FROM segments %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?",
		segmentColumns, where, sortCol, dir, dir,
	)
	rows, err := idx.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *seg)
	}
	return out, total, rows.Err()
}

// TotalBytesUsed sums size_bytes over non-deleted segments, optionally
// scoped to one stream.
func (idx *Index) TotalBytesUsed(ctx context.Context, stream string) (int64, error) {
	var total sql.NullInt64
	var err error
	if stream == "" {
		err = idx.db.QueryRowContext(ctx,
			`SELECT SUM(size_bytes) FROM segments WHERE deleted_at IS NULL`,
		).Scan(&total)
	} else {
		err = idx.db.QueryRowContext(ctx,
			`SELECT SUM(size_bytes) FROM segments WHERE deleted_at IS NULL AND stream_name = ?`,
			stream,
		).Scan(&total)
	}
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// OldestCandidatesForGC returns segments ordered end_ms ascending whose
// cumulative size reaches bytesNeeded, excluding the currently-writing
// segment (excludeID) and, when excludeActiveMotion is set, any segment
// referenced by a motion event that is either still open (end_ms IS NULL)
// or ended less than graceMS ago as of nowMS — the spec's
// "post_buffer + 30s" grace so a segment still inside the writer's closing
// gate is never GC-eligible.
func (idx *Index) OldestCandidatesForGC(ctx context.Context, bytesNeeded int64, excludeID int64, excludeActiveMotion bool, graceMS int64, nowMS int64) ([]Segment, error) {
	query := segmentColumns + ` FROM segments WHERE deleted_at IS NULL AND id != ?`
	args := []interface{}{excludeID}
	if excludeActiveMotion {
		query += ` AND id NOT IN (
			SELECT value FROM motion_events, json_each(motion_events.segment_ids_json)
			WHERE motion_events.end_ms IS NULL OR motion_events.end_ms > ?
		)`
		args = append(args, nowMS-graceMS)
	}
	query += ` ORDER BY end_ms ASC`

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select gc candidates: %w", err)
	}
	defer rows.Close()

	var out []Segment
	var acc int64
	for rows.Next() && acc < bytesNeeded {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *seg)
		acc += seg.SizeBytes
	}
	return out, rows.Err()
}

const segmentColumns = `SELECT id, stream_name, path, container, start_ms, end_ms,
	size_bytes, frame_count, has_detection, state, checksum_sha256,
	thumbnail_path, deleted_at, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row scanner) (*Segment, error) {
	var seg Segment
	var container, state string
	var hasDetection int
	var checksum, thumbnail sql.NullString
	var deletedAt sql.NullInt64
	var createdAt int64

	if err := row.Scan(
		&seg.ID, &seg.StreamName, &seg.Path, &container, &seg.StartMS, &seg.EndMS,
		&seg.SizeBytes, &seg.FrameCount, &hasDetection, &state, &checksum,
		&thumbnail, &deletedAt, &createdAt,
	); err != nil {
		return nil, err
	}

	seg.Container = Container(container)
	seg.State = State(state)
	seg.HasDetection = hasDetection != 0
	seg.ChecksumSHA256 = checksum.String
	seg.ThumbnailPath = thumbnail.String
	seg.CreatedAt = time.Unix(createdAt, 0)
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0)
		seg.DeletedAt = &t
	}
	return &seg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateMotionEvent inserts a new open-ended motion event (EndMS nil),
// returning its generated id.
func (idx *Index) CreateMotionEvent(ctx context.Context, streamName, source string, startMS int64) (string, error) {
	id := uuid.New().String()
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO motion_events (id, stream_name, start_ms, source, segment_ids_json)
		VALUES (?, ?, ?, ?, '[]')
	`, id, streamName, startMS, source)
	if err != nil {
		return "", &lnvrerr.IndexError{Op: "create_motion_event", Err: err}
	}
	idx.publish(eventbus.SubjectMotionStarted, map[string]interface{}{
		"id": id, "stream": streamName, "start_ms": startMS,
	})
	return id, nil
}

// AppendMotionSegment records that segmentID belongs to the open motion
// event eventID.
func (idx *Index) AppendMotionSegment(ctx context.Context, eventID string, segmentID int64) error {
	_, err := idx.db.ExecContext(ctx, `
		UPDATE motion_events
		SET segment_ids_json = json_insert(segment_ids_json, '$[#]', ?)
		WHERE id = ?
	`, segmentID, eventID)
	if err != nil {
		return &lnvrerr.IndexError{Op: "append_motion_segment", Err: err}
	}
	return nil
}

// EndMotionEvent closes an open motion event.
func (idx *Index) EndMotionEvent(ctx context.Context, eventID string, streamName string, endMS int64) error {
	_, err := idx.db.ExecContext(ctx, `
		UPDATE motion_events SET end_ms = ? WHERE id = ?
	`, endMS, eventID)
	if err != nil {
		return &lnvrerr.IndexError{Op: "end_motion_event", Err: err}
	}
	idx.publish(eventbus.SubjectMotionEnded, map[string]interface{}{
		"id": eventID, "stream": streamName, "end_ms": endMS,
	})
	return nil
}
