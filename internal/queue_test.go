package internal

import (
	"context"
	"testing"
)

func newTestQueue(t *testing.T) (*Queue, *MemStore) {
	t.Helper()
	store := NewMemStore(nil)
	cfg := EngineConfig{DownloadLocation: t.TempDir(), MaxConcurrent: 2}
	q := NewQueue(store, nil, cfg)
	return q, store
}

func TestQueue_AddDownload(t *testing.T) {
	q, _ := newTestQueue(t)
	q.AddDownload(&Download{ID: "d1"})
	q.AddDownload(&Download{ID: "d2"})

	if len(q.downloads) != 2 {
		t.Fatalf("expected 2 downloads, got %d", len(q.downloads))
	}
}

func TestQueue_HandleFor(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, ok := q.HandleFor("missing"); ok {
		t.Error("expected no handle for an unknown id")
	}

	h := &Handle{}
	q.mu.Lock()
	q.handles["d1"] = h
	q.mu.Unlock()

	got, ok := q.HandleFor("d1")
	if !ok || got != h {
		t.Errorf("HandleFor returned (%v, %v), want (%v, true)", got, ok, h)
	}
}

func TestQueue_StopDownloading_RemovesBookkeepingAndDownload(t *testing.T) {
	q, _ := newTestQueue(t)
	d := &Download{ID: "d1"}
	q.AddDownload(d)

	ctx, cancel := context.WithCancel(context.Background())
	completion := make(chan struct{})
	close(completion) // simulate a worker that has already exited

	q.mu.Lock()
	q.cancels["d1"] = cancel
	q.completions["d1"] = completion
	q.handles["d1"] = &Handle{}
	q.mu.Unlock()

	q.StopDownloading(context.Background(), d)

	if _, ok := q.HandleFor("d1"); ok {
		t.Error("expected handle to be removed")
	}
	if len(q.downloads) != 0 {
		t.Errorf("expected download to be removed from the pending list, got %d", len(q.downloads))
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("expected StopDownloading to cancel the worker context")
	}
}

func TestQueue_StopDownloading_IdempotentOnUnknownID(t *testing.T) {
	q, _ := newTestQueue(t)
	// Must not panic or block when there is no bookkeeping for this id.
	q.StopDownloading(context.Background(), &Download{ID: "ghost"})
}

func TestQueue_StartDownloads_NoopWhenEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	q.StartDownloads(context.Background())
	if q.backgroundDownloading {
		t.Error("expected StartDownloads to stay a no-op on an empty queue")
	}
}

func TestQueue_CleanUpDownload_RemovesDirAndRecord(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	d := &Download{ID: "d1", Status: StatusComplete}
	if err := store.SaveDownload(ctx, d); err != nil {
		t.Fatal(err)
	}
	q.AddDownload(d)

	q.CleanUpDownload(ctx, d)

	if _, err := store.FindDownload(ctx, "d1"); err != ErrNotFound {
		t.Errorf("expected record to be deleted, got %v", err)
	}
	if len(q.downloads) != 0 {
		t.Errorf("expected download removed from pending list, got %d", len(q.downloads))
	}
}
