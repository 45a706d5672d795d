package internal

import (
	"context"
	"testing"
)

func seedDownloadAndItem(t *testing.T, store *MemStore, status DownloadStatus) *Download {
	t.Helper()
	ctx := context.Background()
	d := &Download{ID: "d1", ItemType: ItemMovie, Quality: "1080p", Status: status}
	if err := store.SaveDownload(ctx, d); err != nil {
		t.Fatal(err)
	}
	item := &Item{ID: "d1", Type: ItemMovie, Torrents: []Torrent{{Quality: "1080p", URL: "magnet:?xt=1"}}}
	if err := store.SaveItem(ctx, item); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestEnterConnecting_PatchesDownloadAndItem(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	q := NewQueue(store, nil, EngineConfig{})
	d := seedDownloadAndItem(t, store, StatusQueued)

	q.enterConnecting(ctx, d)

	if d.Status != StatusConnecting {
		t.Errorf("got status %q", d.Status)
	}
	if d.Speed != nil || d.TimeRemaining != nil || d.NumPeers != nil {
		t.Errorf("expected nulled telemetry fields, got %+v", d)
	}

	item, err := store.FindItem(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if item.Download.DownloadStatus != StatusConnecting || !item.Download.Downloading {
		t.Errorf("got %+v", item.Download)
	}
}

func TestOnDownloadEvent_FirstTickAlwaysPublishes(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	q := NewQueue(store, nil, EngineConfig{})
	d := seedDownloadAndItem(t, store, StatusConnecting)

	st := &workerState{lastPeers: -1, lastProgress: -1, first: true}
	q.onDownloadEvent(ctx, d, st, DownloadEvent{Progress: 0.1, Speed: 1000, Peers: 2, TimeRemainingMs: 60000})

	if st.first {
		t.Error("expected first to be cleared after the first tick")
	}
	if d.Status != StatusDownloading {
		t.Errorf("got status %q", d.Status)
	}
	if d.Progress != 0.1 || d.NumPeers == nil || *d.NumPeers != 2 {
		t.Errorf("got %+v", d)
	}

	item, err := store.FindItem(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if item.Download.DownloadStatus != StatusDownloading || !item.Download.Downloading {
		t.Errorf("got %+v", item.Download)
	}
}

func TestOnDownloadEvent_SubsequentTickSkippedWithoutChange(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	q := NewQueue(store, nil, EngineConfig{})
	d := seedDownloadAndItem(t, store, StatusDownloading)

	st := &workerState{lastPeers: 2, lastProgress: 10, first: false}
	q.onDownloadEvent(ctx, d, st, DownloadEvent{Progress: 10.2, Speed: 1000, Peers: 2, TimeRemainingMs: 1000})

	if d.Progress != 0 {
		t.Errorf("expected no store write for a sub-threshold progress delta, got progress=%v", d.Progress)
	}
}

func TestOnDownloadEvent_AdvancesPastThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	q := NewQueue(store, nil, EngineConfig{})
	d := seedDownloadAndItem(t, store, StatusDownloading)

	st := &workerState{lastPeers: 2, lastProgress: 10, first: false}
	q.onDownloadEvent(ctx, d, st, DownloadEvent{Progress: 11, Speed: 2000, Peers: 2, TimeRemainingMs: 900})

	if d.Progress != 11 {
		t.Errorf("expected progress to advance to 11, got %v", d.Progress)
	}
	if st.lastProgress != 11 {
		t.Errorf("expected workerState.lastProgress updated, got %v", st.lastProgress)
	}
}

func TestOnDownloadEvent_PeerChangeAloneTriggersUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	q := NewQueue(store, nil, EngineConfig{})
	d := seedDownloadAndItem(t, store, StatusDownloading)

	st := &workerState{lastPeers: 2, lastProgress: 10, first: false}
	q.onDownloadEvent(ctx, d, st, DownloadEvent{Progress: 10.1, Speed: 500, Peers: 5, TimeRemainingMs: 500})

	if d.NumPeers == nil || *d.NumPeers != 5 {
		t.Errorf("expected peer-count change to force a publish, got %+v", d.NumPeers)
	}
}

func TestCompleteDownload_MarksDoneOnBothRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	q := NewQueue(store, nil, EngineConfig{})
	d := seedDownloadAndItem(t, store, StatusDownloading)

	q.completeDownload(ctx, d, "") // no magnetURL: must not touch q.client

	if d.Status != StatusComplete || d.Progress != 100 {
		t.Errorf("got %+v", d)
	}
	if d.Speed != nil || d.TimeRemaining != nil || d.NumPeers != nil {
		t.Errorf("expected telemetry nulled on completion, got %+v", d)
	}

	item, err := store.FindItem(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Download.DownloadComplete || item.Download.Downloading {
		t.Errorf("got %+v", item.Download)
	}
	if item.Download.DownloadedOn == 0 {
		t.Error("expected downloadedOn to be stamped")
	}
}

func TestFailDownload_MarksFailedButKeepsRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	q := NewQueue(store, nil, EngineConfig{DownloadLocation: t.TempDir()})
	d := seedDownloadAndItem(t, store, StatusConnecting)
	q.AddDownload(d)

	q.failDownload(ctx, d, "")

	if d.Status != StatusFailed {
		t.Errorf("got status %q", d.Status)
	}
	got, err := store.FindDownload(ctx, "d1")
	if err != nil {
		t.Fatalf("expected the failed record to remain readable, got %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("got status %q", got.Status)
	}

	item, err := store.FindItem(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if item.Download.DownloadStatus != StatusFailed || item.Download.Downloading {
		t.Errorf("got %+v", item.Download)
	}
}

func TestFailDownloadAndCleanUp_DeletesRecordAndDirectory(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	q := NewQueue(store, nil, EngineConfig{DownloadLocation: t.TempDir()})
	d := seedDownloadAndItem(t, store, StatusConnecting)
	q.AddDownload(d)

	q.failDownloadAndCleanUp(ctx, d, "")

	if d.Status != StatusFailed {
		t.Errorf("got status %q", d.Status)
	}
	if _, err := store.FindDownload(ctx, "d1"); err != ErrNotFound {
		t.Errorf("expected download record deleted after failure cleanup, got %v", err)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abcdefgh12345"); got != "abcdefgh" {
		t.Errorf("got %q", got)
	}
	if got := shortID("short"); got != "short" {
		t.Errorf("got %q", got)
	}
}
