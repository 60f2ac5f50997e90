// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"videoextend/internal/config"
	"videoextend/internal/ffmpeg"
	"videoextend/internal/pipeline"
	"videoextend/internal/probe"
	"videoextend/internal/progress"
	"videoextend/internal/rife"
	"videoextend/internal/runpod"
	"videoextend/internal/ui"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			MarginBottom(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)
)

// progressScale is the step resolution of the terminal bar.
const progressScale = 1000

func main() {
	// Optional; credentials may come from a .env next to the binary.
	_ = godotenv.Load()

	var (
		output     = flag.String("o", "", "output file path (derived from the input when empty)")
		multiplier = flag.Int("m", 0, "slow-motion multiplier (2, 4, 8 or 16; prompts when omitted)")
		model      = flag.String("model", "", "interpolation model name")
		gpu        = flag.Int("gpu", config.DefaultGPU, "GPU device index for interpolation")
		uhd        = flag.Bool("uhd", false, "force UHD interpolation mode")
		listModels = flag.Bool("models", false, "list installed interpolation models and exit")
		infoOnly   = flag.Bool("info", false, "print media information and exit")
		extend     = flag.Bool("continue", false, "extend the video with generated footage instead of slowing it down")
		prompt     = flag.String("prompt", "", "text prompt guiding the generated continuation")
		duration   = flag.Float64("duration", 0, "continuation length in seconds (default ~6)")
		noConcat   = flag.Bool("no-concat", false, "write only the generated clip, without joining it to the input")
		apiKey     = flag.String("api-key", "", "RunPod API key (overrides env and stored credentials)")
		endpointID = flag.String("endpoint-id", "", "RunPod endpoint ID (overrides env and stored credentials)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Usage = usage
	flag.Parse()

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg := config.Default()

	if *listModels {
		printModels(cfg)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	input, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		fatal(fmt.Sprintf("invalid input path: %v", err))
	}
	if _, err := os.Stat(input); err != nil {
		fatal(fmt.Sprintf("cannot open input: %v", err))
	}
	if !config.IsSupportedFormat(input) {
		fatal(fmt.Sprintf("unsupported format %q (supported: %s)",
			filepath.Ext(input), strings.Join(config.SupportedFormats, " ")))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *infoOnly {
		showInfo(ctx, cfg, input)
		return
	}

	fmt.Println(titleStyle.Render("🎬 videoextend"))

	runner := pipeline.NewRunner(cfg, logger)
	results := make(chan pipeline.Result, 1)

	if *extend {
		creds, err := resolveCredentials(*apiKey, *endpointID)
		if err != nil {
			fatal(err.Error())
		}
		opts := pipeline.ContinuationOptions{
			Input:       input,
			Output:      *output,
			Prompt:      *prompt,
			NumFrames:   continuationFrames(*duration),
			NoConcat:    *noConcat,
			Credentials: creds,
		}
		if opts.Output == "" {
			opts.Output = defaultOutputPath(input, 0, true)
		}
		bar, sink := newProgressSink("Extending video")
		go func() { results <- runner.Continuation(ctx, opts, sink) }()
		finish(<-results, bar)
		return
	}

	m := *multiplier
	if m == 0 {
		m, err = ui.SelectMultiplier()
		if err != nil {
			fatal(err.Error())
		}
	}
	if err := validateMultiplier(m); err != nil {
		fatal(err.Error())
	}

	opts := pipeline.SlowMotionOptions{
		Input:      input,
		Output:     *output,
		Multiplier: m,
		Model:      *model,
		GPU:        *gpu,
		UHD:        *uhd,
	}
	if opts.Model == "" {
		opts.Model = config.DefaultModel
	}
	if opts.Output == "" {
		opts.Output = defaultOutputPath(input, m, false)
	}

	if info, err := probe.Probe(ctx, cfg.FFprobePath, input); err == nil {
		ui.DisplayMediaInfo(input, info)
		ui.DisplayOutputPreview(info, m, opts.Output)
	}

	bar, sink := newProgressSink(fmt.Sprintf("Slowing down %dx", m))
	go func() { results <- runner.SlowMotion(ctx, opts, sink) }()
	finish(<-results, bar)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <video file>\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "Slow a video down with frame interpolation, or extend it with\ngenerated footage (-continue).\n\nFlags:\n")
	flag.PrintDefaults()
}

// newProgressSink builds a terminal bar and the sink that drives it.
func newProgressSink(description string) (*progressbar.ProgressBar, progress.Sink) {
	bar := progressbar.NewOptions(progressScale,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionClearOnFinish(),
	)
	sink := progress.SinkFunc(func(e progress.Event) {
		if e.Label != "" {
			bar.Describe(e.Label)
		}
		_ = bar.Set(int(e.Fraction * progressScale))
	})
	return bar, sink
}

// finish renders the outcome and exits non-zero on failure.
func finish(res pipeline.Result, bar *progressbar.ProgressBar) {
	_ = bar.Finish()
	fmt.Println()

	if res.Success {
		fmt.Println(successStyle.Render("✅ Done!"))
		fmt.Printf("Saved to: %s (%s)\n", res.OutputPath, res.Elapsed.Round(time.Second))
		return
	}

	switch {
	case errors.Is(res.Err, progress.ErrCancelled):
		fmt.Println(warnStyle.Render("⚠️  Cancelled"))
		os.Exit(130)
	case isMissingTool(res.Err):
		fmt.Println(errorStyle.Render("❌ " + res.Err.Error()))
		fmt.Println("Install the missing tools and make sure they are on PATH.")
	case errors.Is(res.Err, runpod.ErrAuth):
		fmt.Println(errorStyle.Render("❌ RunPod rejected the credentials"))
		fmt.Printf("Set %s and %s, pass -api-key/-endpoint-id, or store them in a credentials file.\n",
			config.EnvAPIKey, config.EnvEndpointID)
	case errors.Is(res.Err, runpod.ErrEndpointNotFound):
		fmt.Println(errorStyle.Render("❌ RunPod endpoint not found; check the endpoint ID"))
	case isJobTimeout(res.Err):
		fmt.Println(errorStyle.Render("❌ " + res.Err.Error()))
		fmt.Println("The remote job did not finish in time; the input may be too large.")
	case isJobFailed(res.Err):
		fmt.Println(errorStyle.Render("❌ " + res.Err.Error()))
	case isProcessFailure(res.Err):
		fmt.Println(errorStyle.Render("❌ Processing failed"))
		fmt.Println(res.Err.Error())
	default:
		fmt.Println(errorStyle.Render(fmt.Sprintf("❌ %v", res.Err)))
	}
	os.Exit(1)
}

func isMissingTool(err error) bool {
	var mte *pipeline.MissingToolError
	return errors.As(err, &mte)
}

func isJobFailed(err error) bool {
	var jfe *runpod.JobFailedError
	return errors.As(err, &jfe)
}

func isJobTimeout(err error) bool {
	var jte *runpod.JobTimeoutError
	return errors.As(err, &jte)
}

func isProcessFailure(err error) bool {
	var pe *ffmpeg.ProcessError
	return errors.As(err, &pe)
}

func showInfo(ctx context.Context, cfg *config.Config, input string) {
	info, err := probe.Probe(ctx, cfg.FFprobePath, input)
	if err != nil {
		fatal(fmt.Sprintf("cannot read media info: %v", err))
	}
	ui.DisplayMediaInfo(input, info)
}

func printModels(cfg *config.Config) {
	models := rife.Models(cfg.RifeModelDir)
	if len(models) == 0 {
		fmt.Println("No interpolation models found.")
		return
	}
	for _, m := range models {
		marker := " "
		if m == config.DefaultModel {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, m)
	}
}

func resolveCredentials(apiKey, endpointID string) (config.Credentials, error) {
	var store *config.CredentialStore
	if path, err := config.DefaultCredentialPath(); err == nil {
		store = &config.CredentialStore{Path: path}
	}
	creds, err := config.ResolveCredentials(config.Credentials{APIKey: apiKey, EndpointID: endpointID}, store)
	if err != nil {
		return config.Credentials{}, err
	}
	if !creds.Complete() {
		return config.Credentials{}, fmt.Errorf("RunPod credentials missing: set %s and %s or pass -api-key/-endpoint-id",
			config.EnvAPIKey, config.EnvEndpointID)
	}
	return creds, nil
}

// validateMultiplier accepts the factors the interpolation passes can hit
// exactly.
func validateMultiplier(m int) error {
	switch m {
	case 2, 4, 8, 16:
		return nil
	}
	return fmt.Errorf("multiplier must be 2, 4, 8 or 16, got %d", m)
}

// continuationFrames converts a requested duration to a frame count at the
// generator's native 8 fps. Zero keeps the model default.
func continuationFrames(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(seconds*8) + 1
}

// defaultOutputPath derives the output name from the input stem.
func defaultOutputPath(input string, multiplier int, extend bool) string {
	ext := filepath.Ext(input)
	stem := strings.TrimSuffix(input, ext)
	if extend {
		return stem + "_extended.mp4"
	}
	return fmt.Sprintf("%s_slomo%dx.mp4", stem, multiplier)
}

func fatal(msg string) {
	fmt.Println(errorStyle.Render("❌ " + msg))
	os.Exit(1)
}
