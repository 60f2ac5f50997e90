// internal/ffmpeg/ffmpeg.go
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"videoextend/internal/progress"
)

// stderrTailLines bounds how much tool output is kept for error reports.
const stderrTailLines = 20

// Tool invokes an external ffmpeg binary.
type Tool struct {
	Binary string
}

// New returns a Tool for the given ffmpeg binary (a bare name resolves
// through PATH).
func New(binary string) *Tool {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Tool{Binary: binary}
}

// Available reports whether the configured binary can be located.
func (t *Tool) Available() bool {
	_, err := exec.LookPath(t.Binary)
	return err == nil
}

// ProcessError describes a non-zero exit from an external tool invocation.
type ProcessError struct {
	Tool     string
	ExitCode int
	Output   string
}

func (e *ProcessError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Output)
}

// ExtractFrames extracts every frame of video into dir as zero-padded PNGs
// (00000001.png, ...). totalFrames only scales progress reporting; onFrame
// may be nil. Returns the number of frames actually written.
func (t *Tool) ExtractFrames(ctx context.Context, video, dir string, totalFrames int, onFrame func(current, total int)) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create frames directory: %w", err)
	}

	args := []string{
		"-i", video,
		"-vsync", "0",
		"-q:v", "2",
		filepath.Join(dir, "%08d.png"),
	}

	err := t.run(ctx, args, func(line string) {
		if n, ok := progress.FrameCount(line); ok && onFrame != nil {
			onFrame(n, totalFrames)
		}
	})
	if err != nil {
		return 0, err
	}

	return CountFrames(dir)
}

// Reassemble encodes the numbered PNGs in dir into an H.264 video at the
// given frame rate and CRF quality.
func (t *Tool) Reassemble(ctx context.Context, dir, output string, fps float64, crf, totalFrames int, onFrame func(current, total int)) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	args := []string{
		"-y",
		"-framerate", formatFPS(fps),
		"-i", filepath.Join(dir, "%08d.png"),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", strconv.Itoa(crf),
		"-pix_fmt", "yuv420p",
		output,
	}

	return t.run(ctx, args, func(line string) {
		if n, ok := progress.FrameCount(line); ok && onFrame != nil {
			onFrame(n, totalFrames)
		}
	})
}

// ExtractLastFrame saves the final frame of video as a PNG, seeking from the
// end of the stream.
func (t *Tool) ExtractLastFrame(ctx context.Context, video, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	args := []string{
		"-y",
		"-sseof", "-1",
		"-i", video,
		"-vframes", "1",
		"-q:v", "2",
		output,
	}

	if err := t.run(ctx, args, nil); err != nil {
		return err
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("last frame not written: %w", err)
	}
	return nil
}

// Reencode re-encodes input to H.264 at the target frame rate and
// resolution. Zero values leave the corresponding property unchanged.
func (t *Tool) Reencode(ctx context.Context, input, output string, fps float64, width, height int) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	args := []string{
		"-y",
		"-i", input,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
	}
	if fps > 0 {
		args = append(args, "-r", formatFPS(fps))
	}
	if width > 0 && height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	}
	args = append(args, output)

	return t.run(ctx, args, nil)
}

// Concat joins two videos by stream copy using a generated concat list file.
// The list file is removed on every path.
func (t *Tool) Concat(ctx context.Context, first, second, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	listPath, err := writeConcatList(first, second, output)
	if err != nil {
		return err
	}
	defer os.Remove(listPath)

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	}

	return t.run(ctx, args, nil)
}

// CountFrames returns the number of PNG frames in dir.
func CountFrames(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// writeConcatList produces the ffmpeg concat demuxer list file next to the
// output and returns its path.
func writeConcatList(first, second, output string) (string, error) {
	absFirst, err := filepath.Abs(first)
	if err != nil {
		return "", err
	}
	absSecond, err := filepath.Abs(second)
	if err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(output), filepath.Ext(output))
	listPath := filepath.Join(filepath.Dir(output), stem+"_concat.txt")

	content := fmt.Sprintf("file '%s'\nfile '%s'\n", absFirst, absSecond)
	if err := os.WriteFile(listPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	return listPath, nil
}

// run executes the binary with stdout and stderr merged into one stream,
// feeding each line to onLine, then checks the exit status. Line parsing and
// exit-code checking are independent signals: malformed output never fails a
// run, and a clean-looking stream never rescues a non-zero exit.
//
// The process is deliberately not killed on context cancellation; callers
// observe cancellation at progress points and stop before the next stage.
func (t *Tool) run(ctx context.Context, args []string, onLine func(string)) error {
	_ = ctx

	cmd := exec.Command(t.Binary, args...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.Binary, err)
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		done <- err
	}()

	tail := streamLines(pr, onLine)
	err := <-done

	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &ProcessError{Tool: t.Binary, ExitCode: code, Output: tail}
	}
	return nil
}

// streamLines consumes r line by line until EOF, invoking onLine for each
// line and returning a bounded tail of the output for error reporting.
func streamLines(r io.Reader, onLine func(string)) string {
	scanner := bufio.NewScanner(r)
	scanner.Split(scanCRLines)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var tail []string
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
	}
	return strings.TrimSpace(strings.Join(tail, "\n"))
}

// scanCRLines splits on both \n and \r; ffmpeg rewrites its status line with
// bare carriage returns.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
