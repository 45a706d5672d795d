package internal

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// playableExtensions is the allow-list both the peer client's file
// selection and the streaming handler's file picker use. Matching is a
// case-insensitive substring check against the extension.
var playableExtensions = []string{"mp4", "ogg", "mov", "webmv", "mkv", "wmv", "avi"}

func isPlayable(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, p := range playableExtensions {
		if strings.Contains(ext, p) {
			return true
		}
	}
	return false
}

// dirFor returns the deterministic per-download directory under root.
func dirFor(root, id string) string {
	return filepath.Join(root, id)
}

// listFiles recursively enumerates dir depth-first, returning absolute
// paths to every regular file found. A missing directory is not an
// error — it returns an empty slice, leaving the "does not exist" check
// to the caller's own os.Stat.
func listFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		out = append(out, abs)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// removeDir recursively removes dir. Errors are logged, never
// propagated — housekeeping failures shouldn't fail a download.
func removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("removeDir %s: %v", dir, err)
	}
}

// pickPlayableFile chooses among files by playable extension, with the
// greatest path length winning the tie-break, and an optional substring
// exclusion (the streaming handler excludes "transcoding" intermediate
// paths; the peer client's own file-selection does not need it since
// there are no intermediate files inside an active torrent).
func pickPlayableFile(files []string, exclude string) (string, bool) {
	var best string
	for _, f := range files {
		if !isPlayable(f) {
			continue
		}
		if exclude != "" && strings.Contains(f, exclude) {
			continue
		}
		if len(f) > len(best) {
			best = f
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}
