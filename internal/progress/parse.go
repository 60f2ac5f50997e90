// internal/progress/parse.go
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// The parsers below extract numeric counters from unstructured tool output,
// one line at a time. A line that doesn't match is simply not a progress
// update; it is never an error.

var ratioPattern = regexp.MustCompile(`(\d+)/(\d+)`)

// FrameCount extracts the frame counter from an ffmpeg status line such as
// "frame=  123 fps= 45 q=28.0 ...". ok is false when the line carries no
// usable counter.
func FrameCount(line string) (frame int, ok bool) {
	_, rest, found := strings.Cut(line, "frame=")
	if !found {
		return 0, false
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Ratio extracts a "current/total" pair from a tool output line such as
// "12/200 frames done". ok is false for lines without such a pair.
func Ratio(line string) (current, total int, ok bool) {
	m := ratioPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}

	cur, errC := strconv.Atoi(m[1])
	tot, errT := strconv.Atoi(m[2])
	if errC != nil || errT != nil {
		return 0, 0, false
	}
	return cur, tot, true
}
