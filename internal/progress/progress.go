// internal/progress/progress.go
package progress

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is reported when a run observes cooperative cancellation.
// It is distinct from failure: the run stopped because the caller asked.
var ErrCancelled = errors.New("cancelled by user")

// Event is a single progress update on the global 0.0-1.0 scale.
type Event struct {
	Label    string
	Fraction float64
}

// Sink receives progress events from a running pipeline.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) { f(e) }

// Stage maps one named pipeline step onto a half-open sub-range of the
// global progress scale.
type Stage struct {
	Name  string
	Start float64
	End   float64
}

// Tracker maps per-stage local progress onto one monotonic global stream.
//
// Cancellation is cooperative: the tracker's context is inspected only when
// Report is called, so an in-flight external process is never killed, the
// pipeline just stops advancing at the next progress point.
type Tracker struct {
	ctx    context.Context
	sink   Sink
	stages map[string]Stage
	last   float64
}

// NewTracker validates the stage layout and builds a tracker. Stage ranges
// must be ordered, contiguous, and cover exactly [0,1]; anything else is a
// configuration bug and is rejected here rather than tolerated at runtime.
func NewTracker(ctx context.Context, sink Sink, stages []Stage) (*Tracker, error) {
	if len(stages) == 0 {
		return nil, errors.New("progress: no stages configured")
	}

	byName := make(map[string]Stage, len(stages))
	expected := 0.0
	for _, s := range stages {
		if s.Start != expected {
			return nil, fmt.Errorf("progress: stage %q starts at %v, want %v", s.Name, s.Start, expected)
		}
		if s.End <= s.Start {
			return nil, fmt.Errorf("progress: stage %q has empty range [%v,%v)", s.Name, s.Start, s.End)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("progress: duplicate stage %q", s.Name)
		}
		byName[s.Name] = s
		expected = s.End
	}
	if expected != 1.0 {
		return nil, fmt.Errorf("progress: stages end at %v, want 1.0", expected)
	}

	return &Tracker{ctx: ctx, sink: sink, stages: byName}, nil
}

// Report publishes local progress for a stage, mapped onto the global scale.
// Local values outside [0,1] are clamped. The published stream never
// regresses, even across stage boundaries fed by noisy sub-signals.
//
// Report returns ErrCancelled once the tracker's context is done; this is
// the only point at which cancellation is observed.
func (t *Tracker) Report(stage, label string, local float64) error {
	if err := t.ctx.Err(); err != nil {
		return ErrCancelled
	}

	s, ok := t.stages[stage]
	if !ok {
		return fmt.Errorf("progress: unknown stage %q", stage)
	}

	if local < 0 {
		local = 0
	} else if local > 1 {
		local = 1
	}

	global := s.Start + local*(s.End-s.Start)
	if global < t.last {
		global = t.last
	}
	t.last = global

	if t.sink != nil {
		t.sink.Publish(Event{Label: label, Fraction: global})
	}
	return nil
}
