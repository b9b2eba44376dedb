// Package recordingindex is the authoritative persistent catalog of sealed
// recording segments and motion events. It generalizes the teacher's
// internal/recording SQLiteRepository (single flat "recordings" table over
// one camera id) into the spec's segment/motion-event split keyed by stream
// name and millisecond wall-clock time, with an idempotent-upsert insert
// path and startup reconciliation against the filesystem.
package recordingindex

import "time"

// Container identifies the file format a Segment was written in.
type Container string

const (
	ContainerMP4 Container = "mp4"
	ContainerTS  Container = "ts"
)

// State is a Segment's lifecycle stage in the index.
type State string

const (
	StateActive  State = "active"
	StateSealed  State = "sealed"
	StateDeleted State = "deleted"
)

// Segment is one closed (or, briefly, still-open) recording file on disk.
type Segment struct {
	ID             int64
	StreamName     string
	Path           string
	Container      Container
	StartMS        int64
	EndMS          int64
	SizeBytes      int64
	FrameCount     int64
	HasDetection   bool
	State          State
	ChecksumSHA256 string
	ThumbnailPath  string
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// MotionEvent is a logical motion-triggered interval spanning one or more
// segments.
type MotionEvent struct {
	ID         string
	StreamName string
	StartMS    int64
	EndMS      *int64
	Source     string
	SegmentIDs []int64
	CreatedAt  time.Time
}

// QueryFilter narrows a Query call. Zero values mean "no filter".
type QueryFilter struct {
	StreamName   string
	StartAfterMS *int64
	EndBeforeMS  *int64
	HasDetection *bool

	SortColumn string // start_ms (default), end_ms, size_bytes
	SortDesc   bool

	Limit  int
	Offset int
}

// ReconcileStats summarizes a startup reconciliation pass, published on the
// EventBus as index.reconciled.
type ReconcileStats struct {
	OrphansAdopted int
	OrphansCorrupt int
	RowsMarkedLost int
}
