package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ffprobeOutput matches the JSON structure from `ffprobe -show_streams`.
type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType      string            `json:"codec_type"`
	CodecName      string            `json:"codec_name"`
	Profile        string            `json:"profile"`
	Channels       int               `json:"channels"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	BitsPerRaw     string            `json:"bits_per_raw_sample"`
	PixFmt         string            `json:"pix_fmt"`
	ColorSpace     string            `json:"color_space"`
	ColorTransfer  string            `json:"color_transfer"`
	ColorPrimaries string            `json:"color_primaries"`
	RFrameRate     string            `json:"r_frame_rate"`
	Tags           map[string]string `json:"tags"`
	Disposition    map[string]int    `json:"disposition"`
	SideDataList   []sideData        `json:"side_data_list"`
}

type sideData struct {
	SideDataType string `json:"side_data_type"`
}

// hdrProfiles maps (color_space, color_transfer) to HDR type.
var hdrProfiles = map[[2]string]string{
	{"bt2020nc", "smpte2084"}:    "HDR10",
	{"bt2020nc", "arib-std-b67"}: "HLG",
}

// MediaProbe is the result of probing a media file's streams, the
// information the streaming handler's transcoding gate needs.
type MediaProbe struct {
	Video     *VideoInfo
	Audio     []AudioTrack
	Subtitles []SubtitleTrack
}

// VideoInfo describes the primary video stream.
type VideoInfo struct {
	Codec     string
	Width     int
	Height    int
	BitDepth  int
	HDR       string // HDR10, HLG, DV, DV+HDR10, "" if SDR
	FrameRate float64
	Profile   string
}

// AudioTrack describes a single probed audio stream.
type AudioTrack struct {
	Lang     string
	Codec    string
	Channels int
	Title    string
	Default  bool
}

// SubtitleTrack describes a single probed subtitle stream.
type SubtitleTrack struct {
	Lang    string
	Codec   string
	Title   string
	Forced  bool
	Default bool
}

// hevcBlacklist is the fixed set of codecs the streaming handler forces
// a transcode for. Not configurable: widening it is a product decision,
// not a deployment setting.
var hevcBlacklist = map[string]bool{
	"hevc": true,
}

// NeedsTranscode reports whether the probed video codec is on the
// blacklist forcing a transcode.
func (p *MediaProbe) NeedsTranscode() bool {
	if p == nil || p.Video == nil {
		return false
	}
	return hevcBlacklist[strings.ToLower(p.Video.Codec)]
}

// probeMedia runs ffprobe on a file and parses audio, subtitle, and video streams.
func probeMedia(ctx context.Context, ffprobePath, filePath string) (*MediaProbe, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		filePath,
	)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		// Check if the file even exists
		if info, statErr := os.Stat(filePath); statErr != nil {
			return nil, fmt.Errorf("ffprobe: file not found: %s", filePath)
		} else {
			return nil, fmt.Errorf("ffprobe failed (file=%s, size=%d): %s", filePath, info.Size(), stderr.String())
		}
	}

	var data ffprobeOutput
	if err := json.Unmarshal(output, &data); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse failed: %w", err)
	}

	if len(data.Streams) == 0 {
		return nil, fmt.Errorf("ffprobe returned no streams")
	}

	var audioTracks []AudioTrack
	var subtitleTracks []SubtitleTrack
	var videoInfo *VideoInfo

	for _, s := range data.Streams {
		switch s.CodecType {
		case "audio":
			track := AudioTrack{
				Lang:     strings.ToLower(tagValue(s.Tags, "language")),
				Codec:    s.CodecName,
				Channels: s.Channels,
			}
			if title := tagValue(s.Tags, "title"); title != "" {
				track.Title = title
			}
			if s.Disposition["default"] == 1 {
				track.Default = true
			}
			audioTracks = append(audioTracks, track)

		case "subtitle":
			track := SubtitleTrack{
				Lang:  strings.ToLower(tagValue(s.Tags, "language")),
				Codec: s.CodecName,
			}
			if title := tagValue(s.Tags, "title"); title != "" {
				track.Title = title
			}
			if s.Disposition["forced"] == 1 {
				track.Forced = true
			}
			if s.Disposition["default"] == 1 {
				track.Default = true
			}
			subtitleTracks = append(subtitleTracks, track)

		case "video":
			if videoInfo != nil {
				continue // only first video stream
			}
			vi := &VideoInfo{
				Codec:  s.CodecName,
				Width:  s.Width,
				Height: s.Height,
			}

			// Bit depth
			if s.BitsPerRaw != "" {
				if bd, err := strconv.Atoi(s.BitsPerRaw); err == nil {
					vi.BitDepth = bd
				}
			} else if containsAny(s.PixFmt, "10le", "10be", "p010") {
				vi.BitDepth = 10
			} else if containsAny(s.PixFmt, "12le", "12be") {
				vi.BitDepth = 12
			}

			// HDR detection
			hdrKey := [2]string{s.ColorSpace, s.ColorTransfer}
			if hdr, ok := hdrProfiles[hdrKey]; ok {
				vi.HDR = hdr
			} else if s.ColorTransfer == "smpte2084" {
				vi.HDR = "HDR10"
			} else if s.ColorTransfer == "arib-std-b67" {
				vi.HDR = "HLG"
			}

			// Dolby Vision via side_data_list
			for _, sd := range s.SideDataList {
				if sd.SideDataType == "DOVI configuration record" {
					if vi.HDR != "" {
						vi.HDR = "DV+" + vi.HDR
					} else {
						vi.HDR = "DV"
					}
					break
				}
			}

			// Frame rate from r_frame_rate (e.g., "24000/1001")
			if s.RFrameRate != "" && strings.Contains(s.RFrameRate, "/") {
				parts := strings.SplitN(s.RFrameRate, "/", 2)
				if num, err1 := strconv.ParseFloat(parts[0], 64); err1 == nil {
					if den, err2 := strconv.ParseFloat(parts[1], 64); err2 == nil && den > 0 {
						vi.FrameRate = math.Round(num/den*1000) / 1000
					}
				}
			}

			// Profile
			if s.Profile != "" {
				vi.Profile = s.Profile
			}

			videoInfo = vi
		}
	}

	result := &MediaProbe{
		Video: videoInfo,
	}
	if len(audioTracks) > 0 {
		result.Audio = audioTracks
	}
	if len(subtitleTracks) > 0 {
		result.Subtitles = subtitleTracks
	}
	return result, nil
}

// ResolveFFprobe finds the ffprobe binary. Search order:
// 1. Explicit path (EngineConfig.FFprobePath, from ENGINE_FFPROBE_PATH)
// 2. FFPROBE_PATH env var
// 3. "ffprobe" in PATH
// 4. Adjacent to the current executable
// 5. Previously downloaded copy in the cache dir
// 6. Auto-downloaded static binary
func ResolveFFprobe(explicit string) (string, error) {
	// 1. Explicit
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("ffprobe not found at explicit path: %s", explicit)
	}

	// 2. Env var
	if envPath := os.Getenv("FFPROBE_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	// 3. In PATH
	if p, err := exec.LookPath("ffprobe"); err == nil {
		return p, nil
	}

	// 4. Adjacent to executable
	if exePath, err := os.Executable(); err == nil {
		name := "ffprobe"
		if runtime.GOOS == "windows" {
			name = "ffprobe.exe"
		}
		adjacent := filepath.Join(filepath.Dir(exePath), name)
		if _, err := os.Stat(adjacent); err == nil {
			return adjacent, nil
		}
	}

	// 5. Previously downloaded in cache dir
	if cached, err := FFprobeCachePath(); err == nil {
		if _, err := os.Stat(cached); err == nil {
			return cached, nil
		}
	}

	// 6. Auto-download static binary
	if p, err := DownloadFFprobe(); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("ffprobe not found. Install ffmpeg or set ENGINE_FFPROBE_PATH")
}

// ResolveFFmpeg finds the ffmpeg binary, same search order as ResolveFFprobe.
func ResolveFFmpeg(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("ffmpeg not found at explicit path: %s", explicit)
	}

	if envPath := os.Getenv("ENGINE_FFMPEG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	if p, err := exec.LookPath("ffmpeg"); err == nil {
		return p, nil
	}

	if exePath, err := os.Executable(); err == nil {
		name := "ffmpeg"
		if runtime.GOOS == "windows" {
			name = "ffmpeg.exe"
		}
		adjacent := filepath.Join(filepath.Dir(exePath), name)
		if _, err := os.Stat(adjacent); err == nil {
			return adjacent, nil
		}
	}

	if cached, err := FFmpegCachePath(); err == nil {
		if _, err := os.Stat(cached); err == nil {
			return cached, nil
		}
	}

	if p, err := DownloadFFmpeg(); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("ffmpeg not found. Install ffmpeg or set ENGINE_FFMPEG_PATH")
}

// tagValue gets a tag value case-insensitively (ffprobe uses both "language" and "LANGUAGE").
func tagValue(tags map[string]string, key string) string {
	if v, ok := tags[key]; ok {
		return v
	}
	if v, ok := tags[strings.ToUpper(key)]; ok {
		return v
	}
	return ""
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
