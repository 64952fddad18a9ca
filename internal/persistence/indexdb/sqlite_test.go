package indexdb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voxelview.ai/internal/chunkcache"
	"voxelview.ai/internal/manifest"
)

func TestSQLiteIndex_SessionsAndLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "viewer.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	idx.StartSession(SessionRow{ID: "s1", Source: "dir:/data", Levels: 4, Chunks: 120})
	key := manifest.Key{Level: 0, ChunkID: "1_0_0"}
	idx.RecordLoad("s1", chunkcache.LoadEvent{Key: key, Path: "0/chunk_1_0_0.bin", Outcome: chunkcache.OutcomeResident, Bytes: 120, Samples: 10, Faces: 42})
	for i := 0; i < 3; i++ {
		idx.RecordLoad("s1", chunkcache.LoadEvent{Key: manifest.Key{Level: 2, ChunkID: "9_9_9"}, Path: "2/chunk_9_9_9.bin", Outcome: chunkcache.OutcomeFailed, Err: "status 503"})
	}
	idx.RecordLoad("s2", chunkcache.LoadEvent{Key: key, Outcome: chunkcache.OutcomeEmpty})
	idx.EndSession(SessionRow{ID: "s1", Ticks: 40, Frames: 400, Fetches: 4, Failures: 3, PeakResident: 1})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	counts, err := idx.OutcomeCounts(ctx, "s1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[chunkcache.OutcomeResident] != 1 || counts[chunkcache.OutcomeFailed] != 3 || counts[chunkcache.OutcomeEmpty] != 0 {
		t.Fatalf("s1 counts: %v", counts)
	}
	all, err := idx.OutcomeCounts(ctx, "")
	if err != nil || all[chunkcache.OutcomeEmpty] != 1 {
		t.Fatalf("all counts: %v %v", all, err)
	}

	failing, err := idx.FailingChunks(ctx, 5)
	if err != nil {
		t.Fatalf("failing: %v", err)
	}
	if len(failing) != 1 || failing[0].ChunkID != "9_9_9" || failing[0].Failures != 3 || failing[0].LastErr != "status 503" {
		t.Fatalf("failing chunks: %+v", failing)
	}

	row, ok, err := idx.Session(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("session: %v %v", ok, err)
	}
	if row.Chunks != 120 || row.Frames != 400 || row.EndedAt == "" || row.PeakResident != 1 {
		t.Fatalf("session row: %+v", row)
	}
	if _, ok, _ := idx.Session(ctx, "nope"); ok {
		t.Fatalf("unknown session found")
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.StartSession(SessionRow{ID: "a"})
	s.RecordLoad("a", chunkcache.LoadEvent{})
	s.EndSession(SessionRow{ID: "a"})

	st := s.Stats()
	if st.DroppedTotal != 2 || st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("stats: %+v", st)
	}
	var nilIdx *SQLiteIndex
	nilIdx.RecordLoad("x", chunkcache.LoadEvent{})
}

func TestSQLiteIndex_RecordDuringClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		idx, err := OpenSQLite(filepath.Join(t.TempDir(), "viewer.sqlite"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		var wg sync.WaitGroup
		start := make(chan struct{})
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 200; i++ {
					idx.RecordLoad("s", chunkcache.LoadEvent{Outcome: chunkcache.OutcomeResident})
				}
			}()
		}
		close(start)
		if err := idx.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		wg.Wait()
		idx.EndSession(SessionRow{ID: "s"})
	}
}

func TestSQLiteIndex_QueryWhileWriteTxOpen(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "viewer.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	// A lone load leaves the writer's tx open until the idle commit.
	idx.RecordLoad("s", chunkcache.LoadEvent{Outcome: chunkcache.OutcomeResident})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := idx.OutcomeCounts(ctx, ""); err != nil {
		t.Fatalf("query blocked behind the write tx: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := idx.OutcomeCounts(context.Background(), "s")
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts[chunkcache.OutcomeResident] == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("idle tx was never committed")
}

func TestSQLiteIndex_BackfillReplacesSessionLoads(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "viewer.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	idx.RecordLoad("s1", chunkcache.LoadEvent{Outcome: chunkcache.OutcomeFailed, Err: "boom"})
	idx.EndSession(SessionRow{ID: "s1"})
	deadline := time.Now().Add(5 * time.Second)
	for {
		counts, err := idx.OutcomeCounts(ctx, "s1")
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts[chunkcache.OutcomeFailed] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("live load never committed: %v", counts)
		}
		time.Sleep(20 * time.Millisecond)
	}

	key := manifest.Key{Level: 0, ChunkID: "0_0_0"}
	n, err := idx.Backfill(ctx, []JournaledLoad{
		{SessionID: "s1", RecordedAt: "2026-03-01T10:00:00Z", Event: chunkcache.LoadEvent{Key: key, Outcome: chunkcache.OutcomeResident}},
		{SessionID: "s1", RecordedAt: "2026-03-01T10:00:01Z", Event: chunkcache.LoadEvent{Key: key, Outcome: chunkcache.OutcomeResident}},
		{SessionID: "s2", RecordedAt: "2026-03-01T10:00:02Z", Event: chunkcache.LoadEvent{Key: key, Outcome: chunkcache.OutcomeEmpty}},
	})
	if err != nil || n != 3 {
		t.Fatalf("backfill: %d %v", n, err)
	}
	s1, err := idx.OutcomeCounts(ctx, "s1")
	if err != nil || s1[chunkcache.OutcomeResident] != 2 || s1[chunkcache.OutcomeFailed] != 0 {
		t.Fatalf("s1 after backfill: %v %v", s1, err)
	}
	s2, err := idx.OutcomeCounts(ctx, "s2")
	if err != nil || s2[chunkcache.OutcomeEmpty] != 1 {
		t.Fatalf("s2 after backfill: %v %v", s2, err)
	}
}
