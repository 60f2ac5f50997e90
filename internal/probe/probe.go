// internal/probe/probe.go
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoVideoStream is returned when the probed file contains no video stream.
var ErrNoVideoStream = errors.New("no video stream found")

// fallbackFPS is used when ffprobe reports no usable frame rate.
const fallbackFPS = 30.0

// MediaInfo holds the probed properties of a video file. Immutable once
// returned by Probe.
type MediaInfo struct {
	Width      int
	Height     int
	FPS        float64
	Duration   float64
	FrameCount int
	Codec      string
}

// Resolution returns the video dimensions as "WxH".
func (m *MediaInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Probe runs a single ffprobe JSON call against path and returns the parsed
// media info for the first video stream.
func Probe(ctx context.Context, ffprobePath, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams", "-show_format",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %q: %w", path, err)
	}

	return ParseJSON(out)
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
	Duration   string `json:"duration"`
	NbFrames   string `json:"nb_frames"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

// ParseJSON converts raw ffprobe JSON output into a MediaInfo.
// Exported for testing without a real ffprobe binary.
func ParseJSON(data []byte) (*MediaInfo, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	var vs *ffprobeStream
	for i := range raw.Streams {
		if raw.Streams[i].CodecType == "video" {
			vs = &raw.Streams[i]
			break
		}
	}
	if vs == nil {
		return nil, ErrNoVideoStream
	}

	fps := parseFrameRate(vs.RFrameRate)

	duration := parseFloat(vs.Duration)
	if duration == 0 {
		// Some containers only carry duration at the format level.
		duration = parseFloat(raw.Format.Duration)
	}

	frames := parseInt(vs.NbFrames)
	if frames == 0 {
		// Approximation when nb_frames is absent, not a correction.
		frames = int(math.Round(fps * duration))
	}

	codec := vs.CodecName
	if codec == "" {
		codec = "unknown"
	}

	return &MediaInfo{
		Width:      vs.Width,
		Height:     vs.Height,
		FPS:        fps,
		Duration:   duration,
		FrameCount: frames,
		Codec:      codec,
	}, nil
}

// parseFrameRate normalizes ffprobe's r_frame_rate, which may be a rational
// ("30000/1001") or a plain decimal ("25").
func parseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallbackFPS
	}

	if num, den, found := strings.Cut(s, "/"); found {
		n, errN := strconv.ParseFloat(num, 64)
		d, errD := strconv.ParseFloat(den, 64)
		if errN != nil || errD != nil || d == 0 {
			return fallbackFPS
		}
		return n / d
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallbackFPS
	}
	return f
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
