package internal

import (
	"context"
	"testing"
	"time"
)

func fixedClock(at time.Time) clockFunc {
	return func() time.Time { return at }
}

func TestMemStore_SaveAndFindDownload(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(fixedClock(time.Unix(1000, 0)))

	d := &Download{ID: "d1", ItemType: ItemMovie, Status: StatusQueued}
	if err := s.SaveDownload(ctx, d); err != nil {
		t.Fatalf("SaveDownload: %v", err)
	}

	got, err := s.FindDownload(ctx, "d1")
	if err != nil {
		t.Fatalf("FindDownload: %v", err)
	}
	if got.ID != "d1" || got.Status != StatusQueued {
		t.Errorf("got %+v", got)
	}

	// Returned record must be a copy: mutating it must not corrupt the store.
	got.Status = StatusFailed
	again, _ := s.FindDownload(ctx, "d1")
	if again.Status != StatusQueued {
		t.Errorf("FindDownload leaked internal state: got status %q", again.Status)
	}
}

func TestMemStore_FindDownload_NotFound(t *testing.T) {
	s := NewMemStore(nil)
	if _, err := s.FindDownload(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemStore_FindPending_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)

	for _, d := range []*Download{
		{ID: "q1", Status: StatusQueued},
		{ID: "c1", Status: StatusComplete},
		{ID: "dl1", Status: StatusDownloading},
		{ID: "f1", Status: StatusFailed},
	} {
		if err := s.SaveDownload(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.FindPending(ctx)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d: %+v", len(pending), pending)
	}

	ids := s.sortedDownloadIDs()
	want := []string{"c1", "dl1", "f1", "q1"}
	if len(ids) != len(want) {
		t.Fatalf("sortedDownloadIDs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("sortedDownloadIDs[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestMemStore_UpdateDownload_MergesAndStampsClock(t *testing.T) {
	ctx := context.Background()
	clockAt := time.Unix(5000, 0)
	s := NewMemStore(fixedClock(clockAt))

	d := &Download{ID: "d1", Status: StatusQueued, Progress: 0}
	if err := s.SaveDownload(ctx, d); err != nil {
		t.Fatal(err)
	}

	updated, err := s.UpdateDownload(ctx, "d1", map[string]any{
		"status":   StatusDownloading,
		"progress": 42.5,
	})
	if err != nil {
		t.Fatalf("UpdateDownload: %v", err)
	}
	if updated.Status != StatusDownloading || updated.Progress != 42.5 {
		t.Errorf("got %+v", updated)
	}
	if updated.UpdatedAt != clockAt.UnixNano()/int64(time.Millisecond) {
		t.Errorf("UpdatedAt not stamped from clock: got %d", updated.UpdatedAt)
	}
}

func TestMemStore_UpdateDownload_UnknownID(t *testing.T) {
	s := NewMemStore(nil)
	if _, err := s.UpdateDownload(context.Background(), "ghost", map[string]any{"status": StatusFailed}); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemStore_UpdateItemDownload_MergesSubdocOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)

	item := &Item{
		ID:       "m1",
		Type:     ItemMovie,
		Torrents: []Torrent{{Quality: "1080p", URL: "magnet:?xt=1"}},
	}
	if err := s.SaveItem(ctx, item); err != nil {
		t.Fatal(err)
	}

	updated, err := s.UpdateItemDownload(ctx, ItemMovie, "m1", map[string]any{
		"downloadStatus": StatusComplete,
		"downloading":    false,
	})
	if err != nil {
		t.Fatalf("UpdateItemDownload: %v", err)
	}
	if updated.Download.DownloadStatus != StatusComplete {
		t.Errorf("got %+v", updated.Download)
	}
	if len(updated.Torrents) != 1 || updated.Torrents[0].Quality != "1080p" {
		t.Errorf("torrents should be untouched by a download-subdoc patch: got %+v", updated.Torrents)
	}
}

func TestMemStore_Delete_RemovesFromOrderToo(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)
	if err := s.SaveDownload(ctx, &Download{ID: "d1", Status: StatusQueued}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.FindDownload(ctx, "d1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	pending, _ := s.FindPending(ctx)
	if len(pending) != 0 {
		t.Errorf("expected deleted id to be gone from FindPending, got %+v", pending)
	}
}
