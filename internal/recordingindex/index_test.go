package recordingindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightnvr/lightnvr/internal/database"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(&database.Config{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO streams (name, url) VALUES (?, ?)`, "front-door", "rtsp://example/front"); err != nil {
		t.Fatalf("seed stream: %v", err)
	}

	return New(db, nil, nil)
}

func TestInsertSegmentThenGet(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	seg := &Segment{
		StreamName: "front-door",
		Path:       "/data/front-door/2026-07-30/1000.mp4",
		StartMS:    1000,
		EndMS:      31000,
		SizeBytes:  4096,
		FrameCount: 900,
	}
	id, err := idx.InsertSegment(ctx, seg)
	if err != nil {
		t.Fatalf("InsertSegment: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	got, err := idx.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Path != seg.Path || got.EndMS != 31000 {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.State != StateSealed {
		t.Errorf("expected default state sealed, got %s", got.State)
	}
}

func TestInsertSegmentUpsertsOnStreamAndStart(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	seg := &Segment{StreamName: "front-door", Path: "/data/a.mp4", StartMS: 5000, EndMS: 35000, SizeBytes: 100}
	id1, err := idx.InsertSegment(ctx, seg)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	seg2 := &Segment{StreamName: "front-door", Path: "/data/a.mp4", StartMS: 5000, EndMS: 65000, SizeBytes: 500}
	id2, err := idx.InsertSegment(ctx, seg2)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected upsert to reuse row id, got %d vs %d", id1, id2)
	}

	got, err := idx.Get(ctx, id1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EndMS != 65000 || got.SizeBytes != 500 {
		t.Errorf("expected upsert to update end/size, got %+v", got)
	}

	var count int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM segments`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one row after upsert, got %d", count)
	}
}

func TestDeleteSegmentTombstones(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	id, err := idx.InsertSegment(ctx, &Segment{StreamName: "front-door", Path: "/data/b.mp4", StartMS: 1, EndMS: 2})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	path, err := idx.DeleteSegment(ctx, id)
	if err != nil {
		t.Fatalf("DeleteSegment: %v", err)
	}
	if path != "/data/b.mp4" {
		t.Errorf("expected returned path, got %q", path)
	}

	if _, _, err := idx.Query(ctx, QueryFilter{}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	rows, total, err := idx.Query(ctx, QueryFilter{StreamName: "front-door"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 0 || len(rows) != 0 {
		t.Errorf("expected tombstoned row excluded from Query, got total=%d rows=%d", total, len(rows))
	}

	if _, err := idx.DeleteSegment(ctx, id); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestQueryFilterAndPagination(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		if _, err := idx.InsertSegment(ctx, &Segment{
			StreamName: "front-door",
			Path:       "/data/seg.mp4",
			StartMS:    i * 1000,
			EndMS:      i*1000 + 500,
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	rows, total, err := idx.Query(ctx, QueryFilter{StreamName: "front-door", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total=5, got %d", total)
	}
	if len(rows) != 2 {
		t.Errorf("expected page size 2, got %d", len(rows))
	}
	if rows[0].StartMS != 1000 {
		t.Errorf("expected second-oldest segment first (start_ms=1000), got %d", rows[0].StartMS)
	}
}

func TestTotalBytesUsed(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	for i, size := range []int64{100, 200, 300} {
		if _, err := idx.InsertSegment(ctx, &Segment{
			StreamName: "front-door", Path: "/data/x.mp4", StartMS: int64(i) * 10, EndMS: int64(i)*10 + 5, SizeBytes: size,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	total, err := idx.TotalBytesUsed(ctx, "front-door")
	if err != nil {
		t.Fatalf("TotalBytesUsed: %v", err)
	}
	if total != 600 {
		t.Errorf("expected 600, got %d", total)
	}
}

func TestOldestCandidatesForGCExcludesActiveSegmentAndMotionEvent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	activeID, err := idx.InsertSegment(ctx, &Segment{StreamName: "front-door", Path: "/data/active.mp4", StartMS: 0, EndMS: 10, SizeBytes: 1000})
	if err != nil {
		t.Fatalf("insert active: %v", err)
	}
	motionSegID, err := idx.InsertSegment(ctx, &Segment{StreamName: "front-door", Path: "/data/motion.mp4", StartMS: 20, EndMS: 30, SizeBytes: 1000})
	if err != nil {
		t.Fatalf("insert motion seg: %v", err)
	}
	plainID, err := idx.InsertSegment(ctx, &Segment{StreamName: "front-door", Path: "/data/plain.mp4", StartMS: 40, EndMS: 50, SizeBytes: 1000})
	if err != nil {
		t.Fatalf("insert plain: %v", err)
	}

	eventID, err := idx.CreateMotionEvent(ctx, "front-door", "motion", 20)
	if err != nil {
		t.Fatalf("CreateMotionEvent: %v", err)
	}
	if err := idx.AppendMotionSegment(ctx, eventID, motionSegID); err != nil {
		t.Fatalf("AppendMotionSegment: %v", err)
	}

	candidates, err := idx.OldestCandidatesForGC(ctx, 3000, activeID, true, 30000, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("OldestCandidatesForGC: %v", err)
	}

	var ids []int64
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	for _, id := range ids {
		if id == activeID {
			t.Error("expected active segment excluded from GC candidates")
		}
		if id == motionSegID {
			t.Error("expected segment in an open motion event excluded from GC candidates")
		}
	}
	if len(ids) != 1 || ids[0] != plainID {
		t.Errorf("expected only the plain segment as a candidate, got %v", ids)
	}
}

func TestOldestCandidatesForGCAppliesGraceAfterMotionEnds(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	recentID, err := idx.InsertSegment(ctx, &Segment{StreamName: "front-door", Path: "/data/recent.mp4", StartMS: 0, EndMS: 10, SizeBytes: 1000})
	if err != nil {
		t.Fatalf("insert recent: %v", err)
	}

	eventID, err := idx.CreateMotionEvent(ctx, "front-door", "motion", 0)
	if err != nil {
		t.Fatalf("CreateMotionEvent: %v", err)
	}
	if err := idx.AppendMotionSegment(ctx, eventID, recentID); err != nil {
		t.Fatalf("AppendMotionSegment: %v", err)
	}

	now := time.Now().UnixMilli()
	endedMS := now - 5000 // motion ended 5s ago
	if err := idx.EndMotionEvent(ctx, eventID, "front-door", endedMS); err != nil {
		t.Fatalf("EndMotionEvent: %v", err)
	}

	// Still within the 30s grace window: must stay excluded.
	candidates, err := idx.OldestCandidatesForGC(ctx, 3000, 0, true, 30000, now)
	if err != nil {
		t.Fatalf("OldestCandidatesForGC: %v", err)
	}
	for _, c := range candidates {
		if c.ID == recentID {
			t.Error("expected recently-ended motion event's segment still excluded within the grace window")
		}
	}

	// Past the grace window: now eligible.
	later := now + 30_000
	candidates, err = idx.OldestCandidatesForGC(ctx, 3000, 0, true, 30000, later)
	if err != nil {
		t.Fatalf("OldestCandidatesForGC: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.ID == recentID {
			found = true
		}
	}
	if !found {
		t.Error("expected segment eligible once the grace window has elapsed")
	}
}

func TestReconcileAdoptsOrphanAndMarksMissing(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	dir := t.TempDir()
	streamDir := filepath.Join(dir, "front-door", "2026-07-30")
	if err := os.MkdirAll(streamDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	orphanPath := filepath.Join(streamDir, "123456.mp4")
	if err := os.WriteFile(orphanPath, []byte("fake mp4 data"), 0644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	missingID, err := idx.InsertSegment(ctx, &Segment{
		StreamName: "front-door", Path: filepath.Join(streamDir, "gone.mp4"), StartMS: 1, EndMS: 2,
	})
	if err != nil {
		t.Fatalf("insert missing: %v", err)
	}

	stats, err := idx.Reconcile(ctx, dir)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// orphanPath is not a real MP4, so ffprobe cannot read it: it must be
	// renamed .corrupt and left unregistered rather than adopted with
	// fabricated zero metadata.
	if stats.OrphansAdopted != 0 {
		t.Errorf("expected 0 orphans adopted, got %d", stats.OrphansAdopted)
	}
	if stats.OrphansCorrupt != 1 {
		t.Errorf("expected 1 orphan marked corrupt, got %d", stats.OrphansCorrupt)
	}
	if stats.RowsMarkedLost != 1 {
		t.Errorf("expected 1 row marked lost, got %d", stats.RowsMarkedLost)
	}

	missing, err := idx.Get(ctx, missingID)
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if missing.State != StateDeleted {
		t.Errorf("expected missing row marked deleted, got %s", missing.State)
	}

	if _, err := os.Stat(orphanPath + ".corrupt"); err != nil {
		t.Errorf("expected unreadable orphan renamed to .corrupt: %v", err)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Errorf("expected original orphan path to no longer exist after rename")
	}

	rows, _, err := idx.Query(ctx, QueryFilter{StreamName: "front-door"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, r := range rows {
		if r.Path == orphanPath {
			t.Error("expected corrupt orphan not to be registered in the index")
		}
	}
}
