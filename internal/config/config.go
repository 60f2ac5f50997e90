// internal/config/config.go
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Processing defaults. The interpolation model name matches the directory
// layout shipped with rife-ncnn-vulkan releases.
const (
	DefaultMultiplier = 4
	DefaultModel      = "rife-v4.6"
	DefaultCRF        = 18
	DefaultGPU        = 0
)

// SupportedFormats lists the container extensions accepted as input.
var SupportedFormats = []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}

// Config holds the paths to the external tools the pipelines shell out to.
type Config struct {
	FFmpegPath   string
	FFprobePath  string
	RifePath     string
	RifeModelDir string
	TempDir      string
}

// Default returns a config that expects tools on PATH and scratch space
// under the system temp directory. RIFE model files ship beside the
// binary, so the model dir is derived from the binary location once it is
// resolved.
func Default() *Config {
	cfg := &Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		RifePath:    "rife-ncnn-vulkan",
		TempDir:     os.TempDir(),
	}
	if resolved, err := exec.LookPath(cfg.RifePath); err == nil {
		cfg.RifeModelDir = filepath.Dir(resolved)
	}
	return cfg
}

// CheckDependencies returns the names of required tools that cannot be
// found, in a stable order. RIFE is only required for interpolation and is
// checked by the pipeline that needs it.
func (c *Config) CheckDependencies() []string {
	var missing []string
	for _, tool := range []string{c.FFmpegPath, c.FFprobePath} {
		if !available(tool) {
			missing = append(missing, filepath.Base(tool))
		}
	}
	return missing
}

// RifeAvailable reports whether the interpolation binary can be found.
func (c *Config) RifeAvailable() bool {
	return available(c.RifePath)
}

func available(path string) bool {
	if strings.ContainsRune(path, os.PathSeparator) {
		_, err := os.Stat(path)
		return err == nil
	}
	_, err := exec.LookPath(path)
	return err == nil
}

// IsSupportedFormat reports whether the file extension is a container the
// pipelines accept. The check is case-insensitive.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, supported := range SupportedFormats {
		if ext == supported {
			return true
		}
	}
	return false
}
