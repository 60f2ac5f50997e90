// internal/pipeline/errors.go
package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// MissingToolError reports external tools that could not be found during
// the pre-flight check. It is returned before any processing starts.
type MissingToolError struct {
	Tools []string
}

func (e *MissingToolError) Error() string {
	return fmt.Sprintf("required tools not found: %s", strings.Join(e.Tools, ", "))
}

// Result is the outcome of one pipeline run.
type Result struct {
	Success    bool
	OutputPath string
	Err        error
	Elapsed    time.Duration
}
