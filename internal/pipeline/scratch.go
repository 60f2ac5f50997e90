// internal/pipeline/scratch.go
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Job owns the scratch space for one pipeline run. All intermediate
// artifacts (extracted frames, interpolated frames, downloaded clips) live
// under its root so a single Release removes everything.
type Job struct {
	ID string

	root     string
	released bool
}

// NewJob creates the scratch root for the given input file. The job ID is
// the input filename stem.
func NewJob(tempDir, inputPath string) (*Job, error) {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	root, err := os.MkdirTemp(tempDir, "videoextend_"+stem+"_")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Job{ID: stem, root: root}, nil
}

// Root returns the scratch root directory.
func (j *Job) Root() string { return j.root }

// Scratch creates (if needed) and returns a named subdirectory of the
// scratch root.
func (j *Job) Scratch(name string) (string, error) {
	dir := filepath.Join(j.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir %s: %w", name, err)
	}
	return dir, nil
}

// Release removes the scratch root and everything under it. Safe to call
// more than once; runs are expected to defer it on every exit path.
func (j *Job) Release() error {
	if j.released {
		return nil
	}
	j.released = true
	return os.RemoveAll(j.root)
}
