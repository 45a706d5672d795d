package internal

import (
	"context"
	"log"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue is the ordered set of pending downloads with bounded
// concurrency dispatch.
type Queue struct {
	store  Store
	client PeerClient
	cfg    EngineConfig

	mu                    sync.Mutex
	downloads             []*Download
	backgroundDownloading bool

	// handles enforces at most one live handle per id and lets the
	// streaming handler find a live source for an in-flight id.
	handles map[string]torrentHandle

	// cancels and completions let stopDownloading tear a worker down
	// from outside its goroutine.
	cancels     map[string]context.CancelFunc
	completions map[string]chan struct{}
}

// NewQueue constructs an empty Queue over store and client.
func NewQueue(store Store, client PeerClient, cfg EngineConfig) *Queue {
	return &Queue{
		store:       store,
		client:      client,
		cfg:         cfg,
		handles:     make(map[string]torrentHandle),
		cancels:     make(map[string]context.CancelFunc),
		completions: make(map[string]chan struct{}),
	}
}

// AddDownload appends d to the pending list. No deduplication —
// callers must not double-enqueue the same id.
func (q *Queue) AddDownload(d *Download) {
	q.mu.Lock()
	q.downloads = append(q.downloads, d)
	q.mu.Unlock()
}

// HandleFor returns the live handle for id, if any, for the streaming
// handler's source-selection step.
func (q *Queue) HandleFor(id string) (torrentHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handles[id]
	return h, ok
}

// StopDownloading destroys the live handle for d, if any, waits for
// its worker to drain, and removes d from the pending list.
// Idempotent.
func (q *Queue) StopDownloading(ctx context.Context, d *Download) {
	q.mu.Lock()
	cancel, hasCancel := q.cancels[d.ID]
	completion, hasCompletion := q.completions[d.ID]
	q.mu.Unlock()

	if hasCancel {
		cancel()
	}
	if hasCompletion {
		<-completion
	}

	q.mu.Lock()
	delete(q.handles, d.ID)
	delete(q.cancels, d.ID)
	delete(q.completions, d.ID)
	for i, existing := range q.downloads {
		if existing.ID == d.ID {
			q.downloads = append(q.downloads[:i], q.downloads[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// StartDownloads dispatches up to cfg.MaxConcurrent workers over the
// current snapshot of downloads. No-op if a batch is already running
// or the queue is empty. Items added mid-batch are NOT automatically
// picked up: a subsequent external trigger, or the batch draining, must
// call StartDownloads again.
func (q *Queue) StartDownloads(ctx context.Context) {
	q.mu.Lock()
	if q.backgroundDownloading || len(q.downloads) == 0 {
		q.mu.Unlock()
		return
	}
	snapshot := append([]*Download(nil), q.downloads...)
	q.backgroundDownloading = true
	q.mu.Unlock()

	maxConcurrent := q.cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	go func() {
		defer func() {
			q.mu.Lock()
			q.backgroundDownloading = false
			q.mu.Unlock()
		}()

		sem := semaphore.NewWeighted(int64(maxConcurrent))
		var wg sync.WaitGroup
		for _, d := range snapshot {
			d := d
			if err := sem.Acquire(ctx, 1); err != nil {
				// Context cancelled before a slot freed up; nothing left to run.
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				q.runOne(ctx, d)
			}()
		}
		wg.Wait()
	}()
}

// runOne registers bookkeeping for d and hands off to the state
// machine, deregistering when it returns.
func (q *Queue) runOne(ctx context.Context, d *Download) {
	workerCtx, cancel := context.WithCancel(ctx)
	completion := make(chan struct{})

	q.mu.Lock()
	q.cancels[d.ID] = cancel
	q.completions[d.ID] = completion
	q.mu.Unlock()

	defer func() {
		close(completion)
		cancel()
		q.mu.Lock()
		delete(q.handles, d.ID)
		delete(q.cancels, d.ID)
		delete(q.completions, d.ID)
		for i, existing := range q.downloads {
			if existing.ID == d.ID {
				q.downloads = append(q.downloads[:i], q.downloads[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
	}()

	q.runDownload(workerCtx, d)
}

// RehydrateOnStart loads all pending records from the store and
// re-drives them. Records stuck in connecting/downloading from a prior
// crash are re-driven from scratch.
func (q *Queue) RehydrateOnStart(ctx context.Context) error {
	pending, err := q.store.FindPending(ctx)
	if err != nil {
		return err
	}
	for _, d := range pending {
		q.AddDownload(d)
	}
	log.Printf("queue: rehydrated %d pending download(s)", len(pending))
	q.StartDownloads(ctx)
	return nil
}

// CleanUpDownload removes the directory before deleting the store
// record, so a failed directory removal leaves a retryable record
// instead of an orphaned directory, then drops d from the pending
// list, logging the new size. Safe to call on unknown ids.
func (q *Queue) CleanUpDownload(ctx context.Context, d *Download) {
	dir := dirFor(q.cfg.DownloadLocation, d.ID)
	removeDir(dir)

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		log.Printf("queue: %s not removed, keeping download record %s", dir, d.ID)
	} else if err := q.store.Delete(ctx, d.ID); err != nil {
		log.Printf("queue: delete download %s: %v", d.ID, err)
	}

	q.mu.Lock()
	for i, existing := range q.downloads {
		if existing.ID == d.ID {
			q.downloads = append(q.downloads[:i], q.downloads[i+1:]...)
			break
		}
	}
	n := len(q.downloads)
	q.mu.Unlock()
	log.Printf("queue: cleaned up %s, %d downloads remaining", d.ID, n)
}
