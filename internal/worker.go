package internal

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// workerState holds the latches a single download's run needs: an
// explicit struct instead of closures over shared locals, so the
// per-download state is easy to reason about independent of the event
// loop that mutates it.
type workerState struct {
	updatedParentOnce sync.Once
	updatingModel     atomic.Bool
	lastProgress      float64
	lastPeers         int
	first             bool
}

// runDownload drives one Download through its full state machine,
// reading events off a single select loop until the download reaches a
// terminal state or the context is cancelled.
func (q *Queue) runDownload(ctx context.Context, d *Download) {
	log.Printf("[dl:%s] claimed, status=%s", shortID(d.ID), d.Status)

	item, err := q.store.FindItem(ctx, d)
	if err != nil {
		log.Printf("[dl:%s] resolving: cannot load parent item: %v", shortID(d.ID), err)
		q.failDownload(ctx, d, "")
		return
	}

	tr, ok := item.FindTorrent(d.Quality)
	if !ok {
		log.Printf("[dl:%s] resolving: no magnet for quality %q", shortID(d.ID), d.Quality)
		q.failDownload(ctx, d, "")
		return
	}

	q.enterConnecting(ctx, d)

	targetDir := dirFor(q.cfg.DownloadLocation, d.ID)
	handle, err := q.client.Add(ctx, tr.URL, targetDir)
	if err != nil {
		log.Printf("[dl:%s] connecting: add magnet failed: %v", shortID(d.ID), err)
		q.failDownload(ctx, d, tr.URL)
		return
	}

	q.mu.Lock()
	q.handles[d.ID] = handle
	q.mu.Unlock()

	st := &workerState{lastPeers: -1, lastProgress: -1, first: true}

	for {
		select {
		case <-ctx.Done():
			// stopDownloading cancelled this worker: detach from the
			// swarm and record the terminal state. ctx is already
			// cancelled, so the write goes through one that is not.
			q.client.Remove(tr.URL)
			q.patchDownload(context.WithoutCancel(ctx), d, map[string]any{"status": StatusRemoved})
			return

		case ev, open := <-handle.Events():
			if !open {
				return
			}
			switch e := ev.(type) {
			case DownloadEvent:
				q.onDownloadEvent(ctx, d, st, e)
			case NoPeersEvent:
				if e.Source == "dht" {
					log.Printf("[dl:%s] noPeers(dht): failing", shortID(d.ID))
					q.failDownloadAndCleanUp(ctx, d, tr.URL)
					return
				}
				log.Printf("[dl:%s] noPeers(%s): informational only", shortID(d.ID), e.Source)
			case DoneEvent:
				q.completeDownload(ctx, d, tr.URL)
				return
			case ErrorEvent:
				// The same error reaches the client's ErrChan, which
				// rebuilds the client and rehydrates; requeue so this
				// download is picked up again.
				log.Printf("[dl:%s] handle error, requeueing: %v", shortID(d.ID), e.Err)
				q.patchDownload(ctx, d, map[string]any{"status": StatusQueued})
				q.patchItemDownload(ctx, d, map[string]any{
					"downloadStatus": StatusQueued,
					"downloading":    false,
				})
				return
			}
		}
	}
}

func (q *Queue) enterConnecting(ctx context.Context, d *Download) {
	q.patchDownload(ctx, d, map[string]any{
		"status":        StatusConnecting,
		"timeRemaining": nil,
		"speed":         nil,
		"numPeers":      nil,
	})
	q.patchItemDownload(ctx, d, map[string]any{
		"downloadStatus": StatusConnecting,
		"downloading":    true,
	})
}

func (q *Queue) onDownloadEvent(ctx context.Context, d *Download, st *workerState, e DownloadEvent) {
	if st.first {
		st.first = false
		st.updatedParentOnce.Do(func() {
			q.patchDownload(ctx, d, map[string]any{
				"status":        StatusDownloading,
				"progress":      e.Progress,
				"speed":         e.Speed,
				"numPeers":      e.Peers,
				"timeRemaining": e.TimeRemainingMs,
			})
			q.patchItemDownload(ctx, d, map[string]any{
				"downloadStatus": StatusDownloading,
				"downloading":    true,
			})
			log.Printf("[dl:%s] downloading: %.1f%% speed=%s peers=%d", shortID(d.ID), e.Progress, humanize.Bytes(uint64(e.Speed)), e.Peers)
		})
		st.lastProgress = e.Progress
		st.lastPeers = e.Peers
		return
	}

	advanced := e.Progress-st.lastProgress >= 0.5
	peersChanged := e.Peers != st.lastPeers
	if !advanced && !peersChanged {
		return
	}

	if !st.updatingModel.CompareAndSwap(false, true) {
		// A store write for this download is already in flight; this
		// tick is dropped rather than queued (progress is idempotent
		// telemetry — a later tick carries fresher data).
		return
	}
	defer st.updatingModel.Store(false)

	q.patchDownload(ctx, d, map[string]any{
		"progress":      e.Progress,
		"speed":         e.Speed,
		"numPeers":      e.Peers,
		"timeRemaining": e.TimeRemainingMs,
	})
	st.lastProgress = e.Progress
	st.lastPeers = e.Peers
}

func (q *Queue) completeDownload(ctx context.Context, d *Download, magnetURL string) {
	now := time.Now().UnixMilli()
	q.patchDownload(ctx, d, map[string]any{
		"progress":      100.0,
		"status":        StatusComplete,
		"speed":         nil,
		"timeRemaining": nil,
		"numPeers":      nil,
	})
	q.patchItemDownload(ctx, d, map[string]any{
		"downloadStatus":   StatusComplete,
		"downloading":      false,
		"downloadComplete": true,
		"downloadedOn":     now,
	})
	if magnetURL != "" {
		q.client.Remove(magnetURL)
	}
	log.Printf("[dl:%s] complete", shortID(d.ID))
}

// failDownload marks d (and its parent item) failed, leaving the
// record in place so a client polling it afterward still sees
// status=failed instead of a deleted record.
func (q *Queue) failDownload(ctx context.Context, d *Download, magnetURL string) {
	q.patchDownload(ctx, d, map[string]any{"status": StatusFailed})
	q.patchItemDownload(ctx, d, map[string]any{
		"downloadStatus": StatusFailed,
		"downloading":    false,
	})
	if magnetURL != "" {
		q.client.Remove(magnetURL)
	}
}

// failDownloadAndCleanUp additionally deletes the store record and
// removes the download directory, reserved for the noPeers(dht)
// transition, where the directory has no further use.
func (q *Queue) failDownloadAndCleanUp(ctx context.Context, d *Download, magnetURL string) {
	q.failDownload(ctx, d, magnetURL)
	q.CleanUpDownload(ctx, d)
}

func (q *Queue) patchDownload(ctx context.Context, d *Download, patch map[string]any) {
	updated, err := q.store.UpdateDownload(ctx, d.ID, patch)
	if err != nil {
		log.Printf("[dl:%s] UpdateDownload: %v", shortID(d.ID), err)
		return
	}
	*d = *updated
}

func (q *Queue) patchItemDownload(ctx context.Context, d *Download, patch map[string]any) {
	if _, err := q.store.UpdateItemDownload(ctx, d.ItemType, d.ID, patch); err != nil {
		log.Printf("[dl:%s] UpdateItemDownload: %v", shortID(d.ID), err)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
