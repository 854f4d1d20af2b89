//go:build !linux

package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// Ringbuf requires linux. Run fails and the daemon refuses to start; only
// dry-run (idle source) works on other platforms.
type Ringbuf struct{}

func NewRingbuf(string, int, *zap.Logger) *Ringbuf { return &Ringbuf{} }

func (*Ringbuf) Run(context.Context) (<-chan types.AnomalySignal, error) {
	return nil, fmt.Errorf("ingest: kernel ring buffer requires linux")
}
