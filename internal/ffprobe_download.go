package internal

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

var (
	ffprobeAPIClient = &http.Client{Timeout: 30 * time.Second}
	ffprobeDLClient  = &http.Client{Timeout: 10 * time.Minute}
)

const maxFFprobeZipSize = 100 * 1024 * 1024 // 100MB max for downloaded zip

const ffbinariesAPI = "https://ffbinaries.com/api/v1/version/latest"

type ffbinariesResponse struct {
	Version string                       `json:"version"`
	Bin     map[string]map[string]string `json:"bin"`
}

// ffprobePlatformKey maps GOOS/GOARCH to ffbinaries platform keys.
func ffprobePlatformKey() (string, error) {
	switch runtime.GOOS {
	case "linux":
		switch runtime.GOARCH {
		case "amd64":
			return "linux-64", nil
		case "arm64":
			return "linux-arm64", nil
		}
	case "darwin":
		// osx-64 works on arm64 via Rosetta 2
		return "osx-64", nil
	case "windows":
		if runtime.GOARCH == "amd64" {
			return "windows-64", nil
		}
	}
	return "", fmt.Errorf("unsupported platform: %s/%s", runtime.GOOS, runtime.GOARCH)
}

// FFprobeCacheDir returns the directory where downloaded ffprobe/ffmpeg
// binaries are stored.
func FFprobeCacheDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "reelforge", "bin"), nil
}

func binaryCachePath(name string) (string, error) {
	dir, err := FFprobeCacheDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(dir, name), nil
}

// FFprobeCachePath returns the full path to the cached ffprobe binary.
func FFprobeCachePath() (string, error) {
	return binaryCachePath("ffprobe")
}

// FFmpegCachePath returns the full path to the cached ffmpeg binary.
func FFmpegCachePath() (string, error) {
	return binaryCachePath("ffmpeg")
}

// DownloadFFprobe downloads a static ffprobe binary for the current platform
// and caches it locally. Returns the path to the binary.
func DownloadFFprobe() (string, error) {
	return downloadBinary("ffprobe")
}

// DownloadFFmpeg downloads a static ffmpeg binary for the current platform
// and caches it locally. Returns the path to the binary.
func DownloadFFmpeg() (string, error) {
	return downloadBinary("ffmpeg")
}

func downloadBinary(name string) (string, error) {
	dest, err := binaryCachePath(name)
	if err != nil {
		return "", fmt.Errorf("cannot determine cache path: %w", err)
	}

	// Already cached
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	platform, err := ffprobePlatformKey()
	if err != nil {
		return "", err
	}

	url, err := resolveBinaryURL(platform, name)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(os.Stderr, "%s not found — downloading for %s...\n", name, platform)

	resp, err := ffprobeDLClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	zipData, err := io.ReadAll(io.LimitReader(resp.Body, maxFFprobeZipSize))
	if err != nil {
		return "", fmt.Errorf("download read failed: %w", err)
	}

	target := name
	if runtime.GOOS == "windows" {
		target += ".exe"
	}

	binary, err := extractFromZip(zipData, target)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("cannot create cache directory: %w", err)
	}

	tmp := dest + ".download"
	if err := os.WriteFile(tmp, binary, 0o755); err != nil {
		return "", fmt.Errorf("cannot write %s binary: %w", name, err)
	}
	if err := atomicRename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("cannot install %s binary: %w", name, err)
	}

	fmt.Fprintf(os.Stderr, "%s installed to %s\n", name, dest)
	return dest, nil
}

func resolveBinaryURL(platform, name string) (string, error) {
	resp, err := ffprobeAPIClient.Get(ffbinariesAPI)
	if err != nil {
		return "", fmt.Errorf("cannot reach ffbinaries.com: %w", err)
	}
	defer resp.Body.Close()

	var data ffbinariesResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("cannot parse ffbinaries response: %w", err)
	}

	bins, ok := data.Bin[platform]
	if !ok {
		return "", fmt.Errorf("no %s binary available for platform %q", name, platform)
	}

	url, ok := bins[name]
	if !ok {
		return "", fmt.Errorf("no %s download URL for platform %q", name, platform)
	}

	return url, nil
}

func extractFromZip(data []byte, target string) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("cannot open downloaded archive: %w", err)
	}

	for _, f := range r.File {
		if filepath.Base(f.Name) == target {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("cannot extract %s from archive: %w", target, err)
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}

	return nil, fmt.Errorf("%s not found in downloaded archive", target)
}
