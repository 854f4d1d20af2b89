// Package ingest turns kernel hook events into anomaly signals. The real
// source reads the BPF ring buffer; the replay source feeds synthetic
// traces for validation and tests.
package ingest

import (
	"context"
	"time"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// Source produces the signal stream consumed by the containment
// controller's consumer loop.
type Source interface {
	// Run starts the source. The returned channel is closed when the
	// source stops; the source owns the channel.
	Run(ctx context.Context) (<-chan types.AnomalySignal, error)
}

// Replay emits a fixed sequence of signals, optionally paced. Used by the
// validation harness and tests.
type Replay struct {
	Signals  []types.AnomalySignal
	Interval time.Duration
	Buffer   int
}

func (r *Replay) Run(ctx context.Context) (<-chan types.AnomalySignal, error) {
	buf := r.Buffer
	if buf <= 0 {
		buf = 1024
	}
	out := make(chan types.AnomalySignal, buf)
	go func() {
		defer close(out)
		for _, sig := range r.Signals {
			if r.Interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.Interval):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- sig:
			}
		}
	}()
	return out, nil
}
