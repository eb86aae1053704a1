// Package analyzer defines the pluggable computation units bound to job
// kinds. Analyzers are interruptible at progress boundaries: they check the
// context each time they report and return its error, so cancellation and
// timeouts take effect between units of work rather than mid-write.
package analyzer

import (
	"context"
	"errors"
	"fmt"

	"github.com/audiod/audiod/internal/job"
)

// ErrUnsupportedFormat marks input audio the analyzer cannot decode.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Input locates the audio an analyzer works on. Path is resolved by the
// object store; Duration is the store's probe and may be zero.
type Input struct {
	Path     string
	Format   string
	Duration float64
}

// ProgressFunc reports analyzer progress in its own granularity: done units
// out of total, with a human-readable detail. Implementations must call it
// with non-decreasing done values.
type ProgressFunc func(done, total int, detail string)

// Analyzer runs one kind of analysis over stored audio.
type Analyzer interface {
	Run(ctx context.Context, in Input, params job.Params, progress ProgressFunc) (job.Result, error)
}

// Registry maps job kinds to their analyzer.
type Registry struct {
	analyzers map[job.Kind]Analyzer
}

func NewRegistry() *Registry {
	return &Registry{analyzers: make(map[job.Kind]Analyzer)}
}

func (r *Registry) Register(kind job.Kind, a Analyzer) {
	r.analyzers[kind] = a
}

// For returns the analyzer bound to kind.
func (r *Registry) For(kind job.Kind) (Analyzer, error) {
	a, ok := r.analyzers[kind]
	if !ok {
		return nil, fmt.Errorf("no analyzer registered for kind %q", kind)
	}
	return a, nil
}
