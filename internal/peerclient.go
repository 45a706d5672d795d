package internal

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
)

// Public trackers appended to magnets that don't already carry any, to
// speed up peer discovery for magnets that only list a DHT info-hash.
var defaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.demonii.com:1337/announce",
	"udp://exodus.desync.com:6969/announce",
}

// noPeersGrace is how long a handle may sit with zero active peers and
// no byte progress before the facade synthesizes a NoPeers{Source:
// "dht"} event. anacrolix/torrent has no such event natively; this is a
// stall-detection heuristic layered on top of its polling stats.
const noPeersGrace = 45 * time.Second

const pollInterval = 1 * time.Second

// Event is the union of events a Handle's channel delivers. Concrete
// types: NoPeersEvent, DownloadEvent, DoneEvent, ErrorEvent.
type Event interface{ isEvent() }

// NoPeersEvent signals the swarm produced no peers. Source "dht" is
// treated as fatal for the download; any other source is informational.
type NoPeersEvent struct{ Source string }

// DownloadEvent is a coalesced progress tick.
type DownloadEvent struct {
	Progress        float64 // 0-100, one decimal
	Speed           int64   // bytes/sec
	Peers           int
	TimeRemainingMs int64
}

// DoneEvent signals the chosen file is fully downloaded and verified.
type DoneEvent struct{}

// ErrorEvent is fatal for the handle.
type ErrorEvent struct{ Err error }

func (NoPeersEvent) isEvent()  {}
func (DownloadEvent) isEvent() {}
func (DoneEvent) isEvent()     {}
func (ErrorEvent) isEvent()    {}

// PeerClient is the swarm-facing surface Queue depends on. *Client
// implements it against a real anacrolix/torrent swarm; tests substitute
// an in-process fake so the download state machine and the queue's
// bounded-concurrency dispatch can be driven without a real swarm.
type PeerClient interface {
	Add(ctx context.Context, magnetURI, targetDir string) (torrentHandle, error)
	Remove(magnetURI string)
}

// torrentHandle is what a worker needs from an active swarm
// participation: the event stream driving the state machine, and
// range-reads for the streaming handler's live-source path.
type torrentHandle interface {
	Events() <-chan Event
	ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error)
	NumPeers() int
	FileName() string
	Remove()
}

// Client wraps *torrent.Client for full download of one chosen file per
// swarm participation, with live progress events and range reads.
type Client struct {
	tc *torrent.Client

	mu      sync.Mutex
	handles map[string]*Handle

	errCh chan error
}

// NewClient creates a Client whose torrents are stored under dataDir.
// Seed stays false: this client downloads a chosen file to completion,
// it does not participate as a long-term seed afterward.
func NewClient(dataDir string) (*Client, error) {
	tcfg := torrent.NewDefaultClientConfig()
	tcfg.DataDir = dataDir
	tcfg.Seed = false

	tc, err := torrent.NewClient(tcfg)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	return &Client{
		tc:      tc,
		handles: make(map[string]*Handle),
		errCh:   make(chan error, 16),
	}, nil
}

// ErrChan is the process-wide fatal error signal: any handle's
// ErrorEvent is additionally forwarded here so a supervisor can rebuild
// the whole client rather than handle it per-download.
func (c *Client) ErrChan() <-chan error {
	return c.errCh
}

// Close shuts down the underlying torrent client.
func (c *Client) Close() {
	c.tc.Close()
}

// Add joins the swarm for magnetURI, selects the playable file from the
// extension allow-list, and returns a handle whose Events() channel
// reports progress asynchronously. Keying on magnetURI means a second
// Add for the same magnet returns the existing handle instead of
// starting a duplicate swarm participation.
func (c *Client) Add(ctx context.Context, magnetURI, targetDir string) (torrentHandle, error) {
	c.mu.Lock()
	if existing, ok := c.handles[magnetURI]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	t, err := c.tc.AddMagnet(ensureTrackers(magnetURI))
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		t.Drop()
		return nil, ctx.Err()
	}

	files := t.Files()
	file, warned := chooseFile(files)
	if warned {
		log.Printf("peerclient: no playable file matched allow-list for %s, falling back to first file", t.Name())
	}

	for _, f := range files {
		if f == file {
			f.SetPriority(torrent.PiecePriorityNormal)
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}

	h := &Handle{
		client:    c,
		magnetURI: magnetURI,
		t:         t,
		file:      file,
		events:    make(chan Event, 32),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.handles[magnetURI] = h
	c.mu.Unlock()

	go h.pollLoop(ctx)

	return h, nil
}

// Remove detaches magnetURI from the swarm. Safe to call after Done
// or NoPeers, and safe to call twice.
func (c *Client) Remove(magnetURI string) {
	c.mu.Lock()
	h, ok := c.handles[magnetURI]
	delete(c.handles, magnetURI)
	c.mu.Unlock()
	if ok {
		h.drop()
	}
}

func ensureTrackers(magnetURI string) string {
	if strings.Contains(magnetURI, "tr=") {
		return magnetURI
	}
	var params []string
	for _, tracker := range defaultTrackers {
		params = append(params, "tr="+url.QueryEscape(tracker))
	}
	sep := "&"
	if !strings.Contains(magnetURI, "?") {
		sep = "?"
	}
	return magnetURI + sep + strings.Join(params, "&")
}

// chooseFile picks the single largest file whose extension matches the
// playable allow-list (case-insensitive substring). If none match, the
// first file is used and warned is true.
func chooseFile(files []*torrent.File) (*torrent.File, bool) {
	var best *torrent.File
	var bestSize int64
	for _, f := range files {
		if isPlayable(f.DisplayPath()) && f.Length() > bestSize {
			best = f
			bestSize = f.Length()
		}
	}
	if best != nil {
		return best, false
	}
	if len(files) > 0 {
		return files[0], true
	}
	return nil, true
}

// Handle is an in-memory object representing one active participation
// in a swarm for the chosen file.
type Handle struct {
	client    *Client
	magnetURI string
	t         *torrent.Torrent
	file      *torrent.File

	events chan Event

	closeOnce sync.Once
	done      chan struct{} // closed once the poll loop exits

	removeOnce sync.Once
}

// Events returns the channel of progress/terminal events for this
// handle. Closed once the handle reaches a terminal state or is
// removed.
func (h *Handle) Events() <-chan Event { return h.events }

// NumPeers returns the torrent's current active peer count.
func (h *Handle) NumPeers() int {
	return h.t.Stats().ActivePeers
}

// FileName is the display path of the chosen file, used for logging
// and for locating the on-disk result once complete.
func (h *Handle) FileName() string {
	if h.file == nil {
		return ""
	}
	return h.file.DisplayPath()
}

// Remove detaches this handle from the swarm; idempotent.
func (h *Handle) Remove() {
	h.client.Remove(h.magnetURI)
}

func (h *Handle) drop() {
	h.removeOnce.Do(func() {
		h.t.Drop()
	})
}

// ReadRange opens a reader over [start, end] of the chosen file,
// bumping the requested span's readahead so the swarm scheduler
// prioritizes fetching it, for the streaming handler's live-source path.
func (h *Handle) ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	if h.file == nil {
		return nil, fmt.Errorf("peerclient: handle has no chosen file")
	}
	r := h.file.NewReader()
	r.SetReadahead(end - start + 1)
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		r.Close()
		return nil, fmt.Errorf("seek to %d: %w", start, err)
	}
	return &limitedReadCloser{r: r, remaining: end - start + 1}, nil
}

type limitedReadCloser struct {
	r         torrent.Reader
	remaining int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error { return l.r.Close() }

// pollLoop translates anacrolix/torrent's polling-only API into channel
// events on a ticker, emitting progress until Done, NoPeers, or Error.
func (h *Handle) pollLoop(ctx context.Context) {
	defer close(h.events)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastProgress float64 = -1
	var lastPeers = -1
	var lastByteProgressAt = time.Now()
	var lastBytesCompleted int64

	if h.file == nil {
		h.emit(ErrorEvent{Err: fmt.Errorf("peerclient: no file selected")})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			completed := h.file.BytesCompleted()
			total := h.file.Length()
			if total <= 0 {
				continue
			}

			if completed > lastBytesCompleted {
				lastBytesCompleted = completed
				lastByteProgressAt = time.Now()
			}

			if completed >= total {
				h.emit(DoneEvent{})
				return
			}

			stats := h.t.Stats()
			peers := stats.ActivePeers

			if peers == 0 && time.Since(lastByteProgressAt) > noPeersGrace {
				h.emit(NoPeersEvent{Source: "dht"})
				return
			}

			progress := round1(float64(completed) / float64(total) * 100)
			if progress != lastProgress || peers != lastPeers {
				h.emit(DownloadEvent{
					Progress:        progress,
					Speed:           estimateSpeed(stats),
					Peers:           peers,
					TimeRemainingMs: estimateTimeRemaining(completed, total, estimateSpeed(stats)),
				})
				lastProgress = progress
				lastPeers = peers
			}
		}
	}
}

func (h *Handle) emit(e Event) {
	if err, ok := e.(ErrorEvent); ok {
		select {
		case h.client.errCh <- err.Err:
		default:
		}
	}
	select {
	case h.events <- e:
	default:
		// Slow consumer: progress is idempotent telemetry, drop rather
		// than block the poll loop (mirrors the worker's own
		// updatingModel drop-not-queue rule for ticks).
	}
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}

func estimateSpeed(stats torrent.TorrentStats) int64 {
	return stats.ConnStats.BytesReadData.Int64() / 10 // coarse: library exposes cumulative, not instantaneous
}

func estimateTimeRemaining(completed, total, speed int64) int64 {
	if speed <= 0 {
		return 0
	}
	remainingBytes := total - completed
	return remainingBytes * 1000 / speed
}
