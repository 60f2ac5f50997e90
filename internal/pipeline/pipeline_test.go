// internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"videoextend/internal/config"
	"videoextend/internal/probe"
	"videoextend/internal/progress"
	"videoextend/internal/rife"
	"videoextend/internal/runpod"
)

// fakeTool stands in for the ffmpeg wrapper. It records the call order,
// drives the frame callbacks, and creates the files a real run would.
type fakeTool struct {
	calls      []string
	concatArgs []string
	failOn     string

	cancelDuringExtract context.CancelFunc
}

func (f *fakeTool) fail(op string) error {
	if f.failOn == op {
		return fmt.Errorf("%s exploded", op)
	}
	return nil
}

func (f *fakeTool) ExtractFrames(ctx context.Context, video, dir string, totalFrames int, onFrame func(int, int)) (int, error) {
	f.calls = append(f.calls, "extract")
	if err := f.fail("extract"); err != nil {
		return 0, err
	}
	onFrame(totalFrames/2, totalFrames)
	if f.cancelDuringExtract != nil {
		f.cancelDuringExtract()
	}
	onFrame(totalFrames, totalFrames)
	return totalFrames, nil
}

func (f *fakeTool) Reassemble(ctx context.Context, dir, output string, fps float64, crf, totalFrames int, onFrame func(int, int)) error {
	f.calls = append(f.calls, "reassemble")
	if err := f.fail("reassemble"); err != nil {
		return err
	}
	onFrame(totalFrames, totalFrames)
	return os.WriteFile(output, []byte("reassembled"), 0o644)
}

func (f *fakeTool) ExtractLastFrame(ctx context.Context, video, output string) error {
	f.calls = append(f.calls, "lastframe")
	if err := f.fail("lastframe"); err != nil {
		return err
	}
	return os.WriteFile(output, []byte("png"), 0o644)
}

func (f *fakeTool) Reencode(ctx context.Context, input, output string, fps float64, width, height int) error {
	f.calls = append(f.calls, "reencode")
	if err := f.fail("reencode"); err != nil {
		return err
	}
	data, err := os.ReadFile(input)
	if err != nil {
		data = []byte("reencoded")
	}
	return os.WriteFile(output, data, 0o644)
}

func (f *fakeTool) Concat(ctx context.Context, first, second, output string) error {
	f.calls = append(f.calls, "concat")
	f.concatArgs = []string{first, second, output}
	if err := f.fail("concat"); err != nil {
		return err
	}
	return os.WriteFile(output, []byte("concatenated"), 0o644)
}

// fakeRemote stands in for the runpod client.
type fakeRemote struct {
	err    error
	called bool
}

func (f *fakeRemote) GenerateContinuation(ctx context.Context, imagePath string, params runpod.GenerationParams, outputPath string, report runpod.ReportFunc) error {
	f.called = true
	if f.err != nil {
		return f.err
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("conditioning image missing: %w", err)
	}
	if err := report("Generating...", 0.5); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, []byte("generated"), 0o644); err != nil {
		return err
	}
	return report("Continuation ready", 1.0)
}

type recordingSink struct {
	events []progress.Event
}

func (s *recordingSink) Publish(e progress.Event) { s.events = append(s.events, e) }

func (s *recordingSink) checkMonotonicTo1(t *testing.T) {
	t.Helper()
	if len(s.events) == 0 {
		t.Fatal("no progress events published")
	}
	prev := -1.0
	for _, e := range s.events {
		if e.Fraction < prev {
			t.Errorf("progress went backwards: %v after %v (%s)", e.Fraction, prev, e.Label)
		}
		prev = e.Fraction
	}
	if last := s.events[len(s.events)-1].Fraction; last != 1.0 {
		t.Errorf("final fraction = %v, want exactly 1.0", last)
	}
}

func newTestRunner(t *testing.T, tool *fakeTool, remote *fakeRemote) *Runner {
	t.Helper()
	binDir := t.TempDir()
	touch := func(name string) string {
		p := filepath.Join(binDir, name)
		if err := os.WriteFile(p, nil, 0o755); err != nil {
			t.Fatal(err)
		}
		return p
	}

	cfg := &config.Config{
		FFmpegPath:   touch("ffmpeg"),
		FFprobePath:  touch("ffprobe"),
		RifePath:     touch("rife-ncnn-vulkan"),
		RifeModelDir: binDir,
		TempDir:      t.TempDir(),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := &Runner{cfg: cfg, logger: logger, tool: tool}
	r.probeFn = func(ctx context.Context, path string) (*probe.MediaInfo, error) {
		return &probe.MediaInfo{Width: 1920, Height: 1080, FPS: 30, Duration: 2, FrameCount: 60, Codec: "h264"}, nil
	}
	r.interpFn = func(ctx context.Context, rc rife.Config, inputDir, outputDir string, multiplier int, onPass rife.PassProgress) error {
		passes := rife.PlanPasses(multiplier)
		for p := 1; p <= passes; p++ {
			onPass(p, 50, 100)
			onPass(p, 100, 100)
		}
		return os.MkdirAll(outputDir, 0o755)
	}
	r.newRemote = func(creds config.Credentials, timeout time.Duration) remoteGenerator {
		return remote
	}
	r.rifeInstall = cfg.RifeAvailable
	return r
}

func scratchLeft(t *testing.T, r *Runner) int {
	t.Helper()
	entries, err := os.ReadDir(r.cfg.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func writeInput(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSlowMotion(t *testing.T) {
	tool := &fakeTool{}
	r := newTestRunner(t, tool, nil)
	sink := &recordingSink{}
	out := filepath.Join(t.TempDir(), "out.mp4")

	res := r.SlowMotion(context.Background(), SlowMotionOptions{
		Input:      writeInput(t, "clip.mp4"),
		Output:     out,
		Multiplier: 4,
	}, sink)

	if !res.Success || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.OutputPath != out {
		t.Errorf("OutputPath = %q", res.OutputPath)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output not written: %v", err)
	}

	want := []string{"extract", "reassemble"}
	if len(tool.calls) != 2 || tool.calls[0] != want[0] || tool.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", tool.calls, want)
	}

	sink.checkMonotonicTo1(t)
	if n := scratchLeft(t, r); n != 0 {
		t.Errorf("%d scratch entries left after run", n)
	}
}

func TestSlowMotionRejects(t *testing.T) {
	t.Run("missing tools", func(t *testing.T) {
		r := newTestRunner(t, &fakeTool{}, nil)
		r.cfg.FFmpegPath = filepath.Join(t.TempDir(), "missing", "ffmpeg")

		res := r.SlowMotion(context.Background(), SlowMotionOptions{Input: writeInput(t, "clip.mp4"), Output: "out.mp4", Multiplier: 4}, &recordingSink{})
		var mte *MissingToolError
		if !errors.As(res.Err, &mte) {
			t.Fatalf("Err = %v, want MissingToolError", res.Err)
		}
		if len(mte.Tools) != 1 || mte.Tools[0] != "ffmpeg" {
			t.Errorf("Tools = %v", mte.Tools)
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		r := newTestRunner(t, &fakeTool{}, nil)
		res := r.SlowMotion(context.Background(), SlowMotionOptions{Input: writeInput(t, "image.png"), Output: "out.mp4", Multiplier: 4}, &recordingSink{})
		if res.Err == nil || res.Success {
			t.Fatalf("result = %+v, want format error", res)
		}
	})

	t.Run("multiplier below 2", func(t *testing.T) {
		r := newTestRunner(t, &fakeTool{}, nil)
		res := r.SlowMotion(context.Background(), SlowMotionOptions{Input: writeInput(t, "clip.mp4"), Output: "out.mp4", Multiplier: 1}, &recordingSink{})
		if res.Err == nil {
			t.Fatal("want multiplier error")
		}
	})
}

func TestSlowMotionCancelDuringExtract(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tool := &fakeTool{cancelDuringExtract: cancel}
	r := newTestRunner(t, tool, nil)

	res := r.SlowMotion(ctx, SlowMotionOptions{
		Input:      writeInput(t, "clip.mp4"),
		Output:     filepath.Join(t.TempDir(), "out.mp4"),
		Multiplier: 4,
	}, &recordingSink{})

	if !errors.Is(res.Err, progress.ErrCancelled) {
		t.Fatalf("Err = %v, want ErrCancelled", res.Err)
	}
	if res.Success {
		t.Error("cancelled run must not report success")
	}
	// Extraction finishes (the process is not killed) but nothing after it
	// starts.
	for _, call := range tool.calls {
		if call == "reassemble" {
			t.Error("reassemble ran after cancellation")
		}
	}
	if n := scratchLeft(t, r); n != 0 {
		t.Errorf("%d scratch entries left after cancelled run", n)
	}
}

func TestSlowMotionStageFailureCleansUp(t *testing.T) {
	tool := &fakeTool{failOn: "reassemble"}
	r := newTestRunner(t, tool, nil)

	res := r.SlowMotion(context.Background(), SlowMotionOptions{
		Input:      writeInput(t, "clip.mp4"),
		Output:     filepath.Join(t.TempDir(), "out.mp4"),
		Multiplier: 2,
	}, &recordingSink{})

	if res.Err == nil || res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}
	if n := scratchLeft(t, r); n != 0 {
		t.Errorf("%d scratch entries left after failed run", n)
	}
}

func TestContinuation(t *testing.T) {
	t.Run("with concat", func(t *testing.T) {
		tool := &fakeTool{}
		remote := &fakeRemote{}
		r := newTestRunner(t, tool, remote)
		sink := &recordingSink{}
		out := filepath.Join(t.TempDir(), "extended.mp4")

		res := r.Continuation(context.Background(), ContinuationOptions{
			Input:  writeInput(t, "clip.mp4"),
			Output: out,
			Prompt: "the scene continues",
		}, sink)

		if !res.Success || res.Err != nil {
			t.Fatalf("result = %+v", res)
		}
		if !remote.called {
			t.Error("remote generator never invoked")
		}

		// lastframe, match reencode, original reencode, concat
		want := []string{"lastframe", "reencode", "reencode", "concat"}
		if fmt.Sprint(tool.calls) != fmt.Sprint(want) {
			t.Errorf("calls = %v, want %v", tool.calls, want)
		}
		if got := tool.concatArgs[2]; got != out {
			t.Errorf("concat output = %q, want %q", got, out)
		}
		if filepath.Base(tool.concatArgs[0]) != "original_prepared.mp4" {
			t.Errorf("concat first input = %q, want prepared original", tool.concatArgs[0])
		}

		sink.checkMonotonicTo1(t)
		if n := scratchLeft(t, r); n != 0 {
			t.Errorf("%d scratch entries left", n)
		}
	})

	t.Run("no concat writes the clip alone", func(t *testing.T) {
		tool := &fakeTool{}
		r := newTestRunner(t, tool, &fakeRemote{})
		out := filepath.Join(t.TempDir(), "clip_only.mp4")

		res := r.Continuation(context.Background(), ContinuationOptions{
			Input:    writeInput(t, "clip.mp4"),
			Output:   out,
			NoConcat: true,
		}, &recordingSink{})

		if !res.Success {
			t.Fatalf("result = %+v", res)
		}
		for _, call := range tool.calls {
			if call == "concat" {
				t.Error("concat ran despite NoConcat")
			}
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "generated" {
			t.Errorf("output = %q, want the matched generated clip", data)
		}
	})

	t.Run("remote failure propagates", func(t *testing.T) {
		remote := &fakeRemote{err: &runpod.JobFailedError{Reason: "worker crashed"}}
		r := newTestRunner(t, &fakeTool{}, remote)

		res := r.Continuation(context.Background(), ContinuationOptions{
			Input:  writeInput(t, "clip.mp4"),
			Output: filepath.Join(t.TempDir(), "out.mp4"),
		}, &recordingSink{})

		var jfe *runpod.JobFailedError
		if !errors.As(res.Err, &jfe) {
			t.Fatalf("Err = %v, want JobFailedError", res.Err)
		}
		if n := scratchLeft(t, r); n != 0 {
			t.Errorf("%d scratch entries left", n)
		}
	})
}

func TestJobRelease(t *testing.T) {
	tempDir := t.TempDir()
	job, err := NewJob(tempDir, "/videos/my_clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "my_clip" {
		t.Errorf("ID = %q, want input stem", job.ID)
	}

	sub, err := job.Scratch("frames")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "00000001.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := job.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(job.Root()); !os.IsNotExist(err) {
		t.Error("scratch root still present after Release")
	}

	// Idempotent: a second call is a no-op.
	if err := job.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}
