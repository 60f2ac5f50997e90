// internal/rife/rife.go
package rife

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"videoextend/internal/progress"
)

// Config holds the settings for invoking the rife-ncnn-vulkan binary.
type Config struct {
	Binary   string
	ModelDir string // working directory holding the rife-* model folders
	Model    string // e.g. "rife-v4.6"
	GPU      int    // GPU device index
	UHD      bool   // enable UHD mode for 4K+ content
}

// Validate checks that the configuration points at a usable installation.
func (c *Config) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("rife binary path is required")
	}
	if c.Model == "" {
		return fmt.Errorf("rife model name is required")
	}
	if c.GPU < 0 {
		return fmt.Errorf("invalid GPU device index: %d", c.GPU)
	}
	return nil
}

// PassProgress reports per-pass frame progress. pass is 1-based.
type PassProgress func(pass, current, total int)

// Interpolator drives the external interpolation tool. Each invocation
// doubles the frame count of its input directory.
type Interpolator struct {
	cfg    Config
	logger *slog.Logger

	// runPass is swapped out in tests to avoid spawning the real tool.
	runPass func(ctx context.Context, inputDir, outputDir string, onRatio func(current, total int)) error
}

// New builds an Interpolator for the given configuration.
func New(cfg Config, logger *slog.Logger) *Interpolator {
	if logger == nil {
		logger = slog.Default()
	}
	in := &Interpolator{cfg: cfg, logger: logger}
	in.runPass = in.execPass
	return in
}

// Available reports whether the interpolation binary can be located.
func (in *Interpolator) Available() bool {
	if strings.ContainsRune(in.cfg.Binary, os.PathSeparator) {
		_, err := os.Stat(in.cfg.Binary)
		return err == nil
	}
	_, err := exec.LookPath(in.cfg.Binary)
	return err == nil
}

// Models lists the installed rife-* model directories under dir, sorted.
func Models(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var models []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "rife") {
			models = append(models, e.Name())
		}
	}
	sort.Strings(models)
	return models
}

// PlanPasses returns the number of doubling passes needed for multiplier:
// floor(log2(multiplier)). A non-power-of-two multiplier silently rounds
// down to the nearest power of two (6x requests run as 4x); callers that
// want rejection must validate before scheduling.
func PlanPasses(multiplier int) int {
	n := 0
	for m := multiplier; m >= 2; m >>= 1 {
		n++
	}
	return n
}

// Run performs one doubling pass, reading numbered frames from inputDir and
// writing the interpolated sequence to outputDir.
func (in *Interpolator) Run(ctx context.Context, inputDir, outputDir string, onRatio func(current, total int)) error {
	return in.runPass(ctx, inputDir, outputDir, onRatio)
}

// InterpolateMultiPass chains doubling passes until the target multiplier is
// reached. Intermediate passes write to scratch directories beside the final
// output directory; only the last pass writes into outputDir. On any pass
// failure the scratch directories are removed and outputDir and inputDir are
// left untouched. Scratch directories are also removed after success.
func (in *Interpolator) InterpolateMultiPass(ctx context.Context, inputDir, outputDir string, multiplier int, onPass PassProgress) error {
	passes := PlanPasses(multiplier)
	if passes == 0 {
		return fmt.Errorf("multiplier %d is below the 2x minimum", multiplier)
	}
	if 1<<passes != multiplier {
		in.logger.Warn("multiplier is not a power of two, rounding down",
			"requested", multiplier, "effective", 1<<passes)
	}

	var scratch []string
	removeScratch := func() {
		for _, dir := range scratch {
			os.RemoveAll(dir)
		}
	}

	current := inputDir
	for pass := 0; pass < passes; pass++ {
		// A cancellation observed mid-pass only takes effect here, at the
		// pass boundary.
		if ctx.Err() != nil {
			removeScratch()
			return progress.ErrCancelled
		}

		out := outputDir
		if pass != passes-1 {
			out = filepath.Join(filepath.Dir(outputDir), fmt.Sprintf("%s_pass%d", filepath.Base(outputDir), pass))
			scratch = append(scratch, out)
		}

		passNum := pass + 1
		in.logger.Info("interpolation pass", "pass", passNum, "of", passes, "input", current, "output", out)

		err := in.runPass(ctx, current, out, func(cur, total int) {
			if onPass != nil {
				onPass(passNum, cur, total)
			}
		})
		if err != nil {
			removeScratch()
			return fmt.Errorf("interpolation pass %d/%d: %w", passNum, passes, err)
		}

		current = out
	}

	removeScratch()
	return nil
}

// execPass spawns the real tool and parses its N/M progress lines.
func (in *Interpolator) execPass(ctx context.Context, inputDir, outputDir string, onRatio func(current, total int)) error {
	_ = ctx

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create pass output directory: %w", err)
	}

	args := []string{
		"-i", inputDir,
		"-o", outputDir,
		"-m", in.cfg.Model,
		"-g", strconv.Itoa(in.cfg.GPU),
		"-f", "%08d.png",
	}
	if in.cfg.UHD {
		args = append(args, "-x")
	}

	cmd := exec.Command(in.cfg.Binary, args...)
	cmd.Dir = in.cfg.ModelDir

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", in.cfg.Binary, err)
	}

	scanLines(pipe, func(line string) {
		if cur, total, ok := progress.Ratio(line); ok && onRatio != nil {
			onRatio(cur, total)
		}
	})

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", in.cfg.Binary, err)
	}
	return nil
}

// scanLines feeds each trimmed output line to onLine until the stream
// closes.
func scanLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			onLine(line)
		}
	}
}
