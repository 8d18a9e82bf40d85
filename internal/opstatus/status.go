// Package opstatus aggregates the outcome of the named steps that make up one
// scaling operation.
//
// A Status is created at the start of an operation, travels with the
// operation's context so collaborators can record into it, and is dropped
// when the operation returns. Records are append-only.
package opstatus

import (
	"context"
	"sync"
	"time"
)

// Step is the recorded outcome of one named sub-step.
type Step struct {
	Key     string    `json:"key"`
	OK      bool      `json:"ok"`
	Fatal   bool      `json:"fatal,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Status collects step outcomes for a single operation. The zero value is
// not usable; call New. All methods are safe on a nil receiver, which
// records nothing and screens as clean.
type Status struct {
	name string

	mu    sync.Mutex
	steps []Step
}

// New creates an empty status for the named operation.
func New(name string) *Status {
	return &Status{name: name}
}

// Name returns the operation name.
func (s *Status) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// RegisterStepSucceeded records a successful step.
func (s *Status) RegisterStepSucceeded(key string) {
	s.append(Step{Key: key, OK: true})
}

// RegisterStepFailed records a failed step.
func (s *Status) RegisterStepFailed(key string, fatal bool, message string) {
	s.append(Step{Key: key, Fatal: fatal, Message: message})
}

func (s *Status) append(step Step) {
	if s == nil {
		return
	}
	step.At = time.Now()
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.mu.Unlock()
}

// ScreenFailures returns true only if none of the named steps has a
// recorded failure. Steps that were never recorded do not count as failed.
func (s *Status) ScreenFailures(keys ...string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, step := range s.steps {
		if step.OK {
			continue
		}
		for _, key := range keys {
			if step.Key == key {
				return false
			}
		}
	}
	return true
}

// Failed reports whether any step failed.
func (s *Status) Failed() bool {
	return len(s.failures()) > 0
}

// Fatal reports whether any failed step was marked fatal.
func (s *Status) Fatal() bool {
	for _, step := range s.failures() {
		if step.Fatal {
			return true
		}
	}
	return false
}

// FailureMessages returns the messages of failed steps in record order.
func (s *Status) FailureMessages() []string {
	failures := s.failures()
	out := make([]string, 0, len(failures))
	for _, step := range failures {
		out = append(out, step.Message)
	}
	return out
}

// Steps returns a copy of every recorded step.
func (s *Status) Steps() []Step {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.steps...)
}

func (s *Status) failures() []Step {
	var out []Step
	for _, step := range s.Steps() {
		if !step.OK {
			out = append(out, step)
		}
	}
	return out
}

type ctxKey struct{}

// NewContext returns a context carrying the status.
func NewContext(ctx context.Context, s *Status) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the status carried by ctx, or nil.
func FromContext(ctx context.Context) *Status {
	s, _ := ctx.Value(ctxKey{}).(*Status)
	return s
}
