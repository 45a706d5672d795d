package internal

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// StreamingHandler serves GET /watch/{id}: locate the media file, honor
// Range, decide whether to transcode, and stream from either the live
// torrent handle or the finished on-disk file.
type StreamingHandler struct {
	queue func() *Queue
	cfg   EngineConfig
}

// NewRouter builds the engine's HTTP router. queueFn is called once per
// request rather than captured as a fixed pointer, so a client rebuild
// that swaps in a fresh *Queue is visible to the handler immediately
// instead of serving against a stale, abandoned queue.
func NewRouter(queueFn func() *Queue, cfg EngineConfig) *mux.Router {
	h := &StreamingHandler{queue: queueFn, cfg: cfg}
	r := mux.NewRouter()
	r.HandleFunc("/watch/{id}", h.ServeWatch).Methods(http.MethodGet, http.MethodHead)
	return r
}

func (h *StreamingHandler) ServeWatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	dir := dirFor(h.cfg.DownloadLocation, id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		http.NotFound(w, r)
		return
	}

	files, err := listFiles(dir)
	if err != nil {
		log.Printf("watch %s: listFiles: %v", id, err)
		http.NotFound(w, r)
		return
	}
	if len(files) == 0 {
		http.NotFound(w, r)
		return
	}

	path, ok := pickPlayableFile(files, "transcoding")
	if !ok {
		http.NotFound(w, r)
		return
	}

	stat, err := os.Stat(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	mediaSize := stat.Size()

	start, end, hasRange := parseRange(r.Header.Get("Range"), mediaSize)

	source, sourceLen, err := h.openSource(ctx, id, path, start, end, hasRange, mediaSize)
	if err != nil {
		log.Printf("watch %s: open source: %v", id, err)
		http.Error(w, "cannot open media", http.StatusInternalServerError)
		return
	}
	defer source.Close()

	reader, transcoding := h.maybeTranscode(ctx, r, path, source)

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "video/mp4")

	if hasRange && !transcoding {
		chunkSize := end - start + 1
		denominator := chunkSize
		if h.cfg.StrictRangeTotal {
			denominator = mediaSize
		}
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(denominator, 10))
		w.Header().Set("Content-Length", strconv.FormatInt(chunkSize, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		if sourceLen >= 0 && !transcoding {
			w.Header().Set("Content-Length", strconv.FormatInt(sourceLen, 10))
		}
		w.WriteHeader(http.StatusOK)
	}

	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, reader); err != nil {
		log.Printf("watch %s: stream: %v", id, err)
	}
}

// openSource picks between the live torrent handle and the filesystem,
// and returns the reader plus the total byte count it will produce (-1
// for the live torrent source, whose length is not reported).
func (h *StreamingHandler) openSource(ctx context.Context, id, path string, start, end int64, hasRange bool, mediaSize int64) (io.ReadCloser, int64, error) {
	if !hasRange {
		start, end = 0, mediaSize-1
	}

	if handle, ok := h.queue().HandleFor(id); ok {
		rc, err := handle.ReadRange(ctx, start, end)
		if err != nil {
			return nil, 0, err
		}
		return rc, -1, nil // live source: no reliable total length for Content-Length
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}
	return &limitedFile{f: f, remaining: end - start + 1}, end - start + 1, nil
}

type limitedFile struct {
	f         *os.File
	remaining int64
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedFile) Close() error { return l.f.Close() }

// maybeTranscode decides whether the response needs transcoding,
// requested either explicitly or by a device known not to decode the
// source codec, and falls back to the raw stream on any failure along
// the way.
func (h *StreamingHandler) maybeTranscode(ctx context.Context, r *http.Request, path string, source io.Reader) (io.Reader, bool) {
	wantsTranscode := r.URL.Query().Get("device") == "chromecast" || isTruthy(r.URL.Query().Get("transcode"))
	if !wantsTranscode {
		return source, false
	}

	ffprobePath, err := ResolveFFprobe(h.cfg.FFprobePath)
	if err != nil {
		return source, false
	}
	probe, err := probeMedia(ctx, ffprobePath, path)
	if err != nil {
		log.Printf("watch: probe failed for %s, falling back to raw stream: %v", path, err)
		return source, false
	}

	if !h.cfg.ForceTranscoding && !probe.NeedsTranscode() {
		return source, false
	}

	ffmpegPath, err := ResolveFFmpeg(h.cfg.FFmpegPath)
	if err != nil {
		log.Printf("watch: ffmpeg unavailable, falling back to raw stream: %v", err)
		return source, false
	}

	out, err := transcodeToMatroska(ctx, ffmpegPath, source)
	if err != nil {
		log.Printf("watch: transcode start failed, falling back to raw stream: %v", err)
		return source, false
	}
	return out, true
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "", "0", "false", "no":
		return false
	default:
		return true
	}
}

// parseRange parses a "bytes=<start>-<end?>" Range header. Returns
// ok=false when there is no (or an unparseable) Range header, in which
// case the caller serves the whole file.
func parseRange(header string, mediaSize int64) (start, end int64, ok bool) {
	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	var e int64
	if parts[1] == "" {
		e = mediaSize - 1
	} else {
		e, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	if s < 0 || e < s {
		return 0, 0, false
	}
	if e > mediaSize-1 {
		e = mediaSize - 1
	}
	return s, e, true
}
