package internal

import (
	"os"
	"path/filepath"
	"strconv"
)

// EngineConfig holds all runtime configuration for the engine daemon.
type EngineConfig struct {
	// DownloadLocation is the one value the core contract requires: the
	// root directory under which each download gets its own subdirectory.
	DownloadLocation string

	MaxConcurrent    int
	DBPath           string
	HTTPAddr         string
	FFprobePath      string
	FFmpegPath       string
	StrictRangeTotal bool // opt into RFC 7233-correct Content-Range denominator
	ForceTranscoding bool
}

// DefaultEngineConfig returns an EngineConfig with sensible defaults,
// overridden by env vars.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DownloadLocation: envString("DOWNLOAD_LOCATION", filepath.Join(os.TempDir(), "reelforge-downloads")),
		MaxConcurrent:    envInt("ENGINE_MAX_CONCURRENT", 1),
		DBPath:           envString("ENGINE_DB_PATH", defaultDBPath()),
		HTTPAddr:         envString("ENGINE_HTTP_ADDR", ":8080"),
		FFprobePath:      os.Getenv("ENGINE_FFPROBE_PATH"),
		FFmpegPath:       os.Getenv("ENGINE_FFMPEG_PATH"),
		StrictRangeTotal: envBool("ENGINE_STRICT_RANGE_TOTAL", false),
		ForceTranscoding: envBool("ENGINE_FORCE_TRANSCODING", false),
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "reelforge.db")
	}
	return filepath.Join(home, ".reelforge", "engine.db")
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
