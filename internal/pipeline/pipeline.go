// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"videoextend/internal/config"
	"videoextend/internal/ffmpeg"
	"videoextend/internal/probe"
	"videoextend/internal/progress"
	"videoextend/internal/rife"
	"videoextend/internal/runpod"
)

// Continuation generation defaults. 49 frames at the generator's native 8
// fps is roughly six seconds of footage.
const (
	DefaultNumFrames      = 49
	DefaultInferenceSteps = 50
	DefaultGuidanceScale  = 6.0
	DefaultNegativePrompt = "blurry, low quality, distorted, inconsistent"
)

// Stage names, shared with the progress weight tables below.
const (
	stageAnalyze     = "analyze"
	stageExtract     = "extract"
	stageInterpolate = "interpolate"
	stageReassemble  = "reassemble"
	stageCondition   = "condition"
	stageGenerate    = "generate"
	stageMatch       = "match"
	stageAssemble    = "assemble"
)

// Extraction dominates disk work and interpolation dominates compute, so
// they carry most of the weight.
var slowMotionStages = []progress.Stage{
	{Name: stageAnalyze, Start: 0.00, End: 0.05},
	{Name: stageExtract, Start: 0.05, End: 0.30},
	{Name: stageInterpolate, Start: 0.30, End: 0.90},
	{Name: stageReassemble, Start: 0.90, End: 1.00},
}

var continuationStages = []progress.Stage{
	{Name: stageAnalyze, Start: 0.00, End: 0.05},
	{Name: stageCondition, Start: 0.05, End: 0.10},
	{Name: stageGenerate, Start: 0.10, End: 0.80},
	{Name: stageMatch, Start: 0.80, End: 0.90},
	{Name: stageAssemble, Start: 0.90, End: 1.00},
}

// mediaTool is the slice of the ffmpeg wrapper the pipelines use.
type mediaTool interface {
	ExtractFrames(ctx context.Context, video, dir string, totalFrames int, onFrame func(current, total int)) (int, error)
	Reassemble(ctx context.Context, dir, output string, fps float64, crf, totalFrames int, onFrame func(current, total int)) error
	ExtractLastFrame(ctx context.Context, video, output string) error
	Reencode(ctx context.Context, input, output string, fps float64, width, height int) error
	Concat(ctx context.Context, first, second, output string) error
}

// remoteGenerator is the slice of the runpod client the continuation
// pipeline uses.
type remoteGenerator interface {
	GenerateContinuation(ctx context.Context, imagePath string, params runpod.GenerationParams, outputPath string, report runpod.ReportFunc) error
}

// SlowMotionOptions configure one interpolation run.
type SlowMotionOptions struct {
	Input      string
	Output     string
	Multiplier int
	Model      string
	GPU        int
	UHD        bool
}

// ContinuationOptions configure one remote continuation run.
type ContinuationOptions struct {
	Input          string
	Output         string
	Prompt         string
	NegativePrompt string
	NumFrames      int
	InferenceSteps int
	GuidanceScale  float64
	NoConcat       bool
	Credentials    config.Credentials
	Timeout        time.Duration
}

// Runner orchestrates the pipelines. The external tool hooks are function
// and interface fields so tests can substitute them without spawning
// processes.
type Runner struct {
	cfg    *config.Config
	logger *slog.Logger

	tool        mediaTool
	probeFn     func(ctx context.Context, path string) (*probe.MediaInfo, error)
	interpFn    func(ctx context.Context, rc rife.Config, inputDir, outputDir string, multiplier int, onPass rife.PassProgress) error
	newRemote   func(creds config.Credentials, timeout time.Duration) remoteGenerator
	rifeInstall func() bool
}

// NewRunner wires a runner to the real external tools described by cfg.
func NewRunner(cfg *config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{cfg: cfg, logger: logger}
	r.tool = ffmpeg.New(cfg.FFmpegPath)
	r.probeFn = func(ctx context.Context, path string) (*probe.MediaInfo, error) {
		return probe.Probe(ctx, cfg.FFprobePath, path)
	}
	r.interpFn = func(ctx context.Context, rc rife.Config, inputDir, outputDir string, multiplier int, onPass rife.PassProgress) error {
		return rife.New(rc, logger).InterpolateMultiPass(ctx, inputDir, outputDir, multiplier, onPass)
	}
	r.newRemote = func(creds config.Credentials, timeout time.Duration) remoteGenerator {
		client := runpod.NewClient(creds.APIKey, creds.EndpointID)
		client.Logger = logger
		if timeout > 0 {
			client.Timeout = timeout
		}
		return client
	}
	r.rifeInstall = cfg.RifeAvailable
	return r
}

// SlowMotion runs probe, frame extraction, multi-pass interpolation, and
// reassembly. All intermediates live in per-job scratch space and are
// removed on every exit path.
func (r *Runner) SlowMotion(ctx context.Context, opts SlowMotionOptions, sink progress.Sink) Result {
	start := time.Now()
	fail := func(err error) Result {
		return Result{OutputPath: opts.Output, Err: err, Elapsed: time.Since(start)}
	}

	if missing := r.preflight(true); len(missing) > 0 {
		return fail(&MissingToolError{Tools: missing})
	}
	if !config.IsSupportedFormat(opts.Input) {
		return fail(fmt.Errorf("unsupported input format %q", filepath.Ext(opts.Input)))
	}
	if rife.PlanPasses(opts.Multiplier) == 0 {
		return fail(fmt.Errorf("multiplier must be at least 2, got %d", opts.Multiplier))
	}

	tracker, err := progress.NewTracker(ctx, sink, slowMotionStages)
	if err != nil {
		return fail(err)
	}

	job, err := NewJob(r.cfg.TempDir, opts.Input)
	if err != nil {
		return fail(err)
	}
	defer job.Release()

	// Subprocess callbacks cannot abort a run in flight; cancellation seen
	// there is recorded and acted on at the next stage boundary.
	var cancelled error
	observe := func(stage, label string, local float64) {
		if err := tracker.Report(stage, label, local); err != nil && cancelled == nil {
			cancelled = err
		}
	}

	if err := tracker.Report(stageAnalyze, "Analyzing input...", 0.2); err != nil {
		return fail(err)
	}
	info, err := r.probeFn(ctx, opts.Input)
	if err != nil {
		return fail(fmt.Errorf("probe input: %w", err))
	}
	r.logger.Info("input analyzed",
		"file", filepath.Base(opts.Input),
		"resolution", info.Resolution(),
		"fps", info.FPS,
		"frames", info.FrameCount)
	if err := tracker.Report(stageAnalyze, "Analyzing input...", 1.0); err != nil {
		return fail(err)
	}

	framesDir, err := job.Scratch("frames")
	if err != nil {
		return fail(err)
	}
	extracted, err := r.tool.ExtractFrames(ctx, opts.Input, framesDir, info.FrameCount, func(current, total int) {
		if total > 0 {
			observe(stageExtract, "Extracting frames...", float64(current)/float64(total))
		}
	})
	if err != nil {
		return fail(err)
	}
	if cancelled != nil {
		return fail(cancelled)
	}
	if extracted == 0 {
		return fail(fmt.Errorf("no frames extracted from %s", opts.Input))
	}
	if err := tracker.Report(stageExtract, "Extracting frames...", 1.0); err != nil {
		return fail(err)
	}

	interpDir, err := job.Scratch("interpolated")
	if err != nil {
		return fail(err)
	}
	passes := rife.PlanPasses(opts.Multiplier)
	rc := rife.Config{
		Binary:   r.cfg.RifePath,
		ModelDir: r.cfg.RifeModelDir,
		Model:    opts.Model,
		GPU:      opts.GPU,
		UHD:      opts.UHD || info.Width >= 3840,
	}
	err = r.interpFn(ctx, rc, framesDir, interpDir, opts.Multiplier, func(pass, current, total int) {
		// Half of each pass's share is granted when the pass starts, the
		// other half follows the tool's frame counter.
		frac := 0.0
		if total > 0 {
			frac = float64(current) / float64(total)
		}
		local := (float64(pass-1) + 0.5 + 0.5*frac) / float64(passes)
		observe(stageInterpolate, fmt.Sprintf("Interpolating (pass %d/%d)...", pass, passes), local)
	})
	if err != nil {
		return fail(err)
	}
	if cancelled != nil {
		return fail(cancelled)
	}
	if err := tracker.Report(stageInterpolate, "Interpolation complete", 1.0); err != nil {
		return fail(err)
	}

	// Reassembling at the source frame rate is what slows the motion down.
	finalFrames := extracted << passes
	err = r.tool.Reassemble(ctx, interpDir, opts.Output, info.FPS, config.DefaultCRF, finalFrames, func(current, total int) {
		if total > 0 {
			observe(stageReassemble, "Encoding output...", float64(current)/float64(total))
		}
	})
	if err != nil {
		return fail(err)
	}
	if cancelled != nil {
		return fail(cancelled)
	}
	if err := tracker.Report(stageReassemble, "Done", 1.0); err != nil {
		return fail(err)
	}

	return Result{Success: true, OutputPath: opts.Output, Elapsed: time.Since(start)}
}

// Continuation extends a video with remotely generated footage conditioned
// on its last frame.
func (r *Runner) Continuation(ctx context.Context, opts ContinuationOptions, sink progress.Sink) Result {
	start := time.Now()
	fail := func(err error) Result {
		return Result{OutputPath: opts.Output, Err: err, Elapsed: time.Since(start)}
	}

	if missing := r.preflight(false); len(missing) > 0 {
		return fail(&MissingToolError{Tools: missing})
	}
	if !config.IsSupportedFormat(opts.Input) {
		return fail(fmt.Errorf("unsupported input format %q", filepath.Ext(opts.Input)))
	}

	tracker, err := progress.NewTracker(ctx, sink, continuationStages)
	if err != nil {
		return fail(err)
	}

	job, err := NewJob(r.cfg.TempDir, opts.Input)
	if err != nil {
		return fail(err)
	}
	defer job.Release()

	if err := tracker.Report(stageAnalyze, "Analyzing input...", 0.2); err != nil {
		return fail(err)
	}
	info, err := r.probeFn(ctx, opts.Input)
	if err != nil {
		return fail(fmt.Errorf("probe input: %w", err))
	}
	if err := tracker.Report(stageAnalyze, "Analyzing input...", 1.0); err != nil {
		return fail(err)
	}

	if err := tracker.Report(stageCondition, "Extracting last frame...", 0.2); err != nil {
		return fail(err)
	}
	lastFrame := filepath.Join(job.Root(), "last_frame.png")
	if err := r.tool.ExtractLastFrame(ctx, opts.Input, lastFrame); err != nil {
		return fail(err)
	}
	if err := tracker.Report(stageCondition, "Extracting last frame...", 1.0); err != nil {
		return fail(err)
	}

	params := runpod.GenerationParams{
		Prompt:         opts.Prompt,
		NegativePrompt: opts.NegativePrompt,
		NumFrames:      opts.NumFrames,
		InferenceSteps: opts.InferenceSteps,
		GuidanceScale:  opts.GuidanceScale,
	}
	if params.NegativePrompt == "" {
		params.NegativePrompt = DefaultNegativePrompt
	}
	if params.NumFrames <= 0 {
		params.NumFrames = DefaultNumFrames
	}
	if params.InferenceSteps <= 0 {
		params.InferenceSteps = DefaultInferenceSteps
	}
	if params.GuidanceScale <= 0 {
		params.GuidanceScale = DefaultGuidanceScale
	}

	generated := filepath.Join(job.Root(), "generated.mp4")
	remote := r.newRemote(opts.Credentials, opts.Timeout)
	err = remote.GenerateContinuation(ctx, lastFrame, params, generated, func(label string, local float64) error {
		return tracker.Report(stageGenerate, label, local)
	})
	if err != nil {
		return fail(err)
	}

	// The generated clip rarely matches the source; bring it to the same
	// frame rate and resolution before joining.
	if err := tracker.Report(stageMatch, "Matching source format...", 0.2); err != nil {
		return fail(err)
	}
	matched := filepath.Join(job.Root(), "generated_matched.mp4")
	if err := r.tool.Reencode(ctx, generated, matched, info.FPS, info.Width, info.Height); err != nil {
		return fail(err)
	}
	if err := tracker.Report(stageMatch, "Matching source format...", 1.0); err != nil {
		return fail(err)
	}

	if opts.NoConcat {
		if err := tracker.Report(stageAssemble, "Writing continuation clip...", 0.5); err != nil {
			return fail(err)
		}
		if err := copyFile(matched, opts.Output); err != nil {
			return fail(err)
		}
	} else {
		if err := tracker.Report(stageAssemble, "Preparing original for concat...", 0.2); err != nil {
			return fail(err)
		}
		prepared := filepath.Join(job.Root(), "original_prepared.mp4")
		if err := r.tool.Reencode(ctx, opts.Input, prepared, info.FPS, info.Width, info.Height); err != nil {
			return fail(err)
		}
		if err := tracker.Report(stageAssemble, "Concatenating...", 0.6); err != nil {
			return fail(err)
		}
		if err := r.tool.Concat(ctx, prepared, matched, opts.Output); err != nil {
			return fail(err)
		}
	}
	if err := tracker.Report(stageAssemble, "Done", 1.0); err != nil {
		return fail(err)
	}

	return Result{Success: true, OutputPath: opts.Output, Elapsed: time.Since(start)}
}

// preflight lists the external tools a run needs but cannot find.
func (r *Runner) preflight(needRife bool) []string {
	missing := r.cfg.CheckDependencies()
	if needRife && !r.rifeInstall() {
		missing = append(missing, filepath.Base(r.cfg.RifePath))
	}
	return missing
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
