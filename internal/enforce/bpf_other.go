//go:build !linux

package enforce

import (
	"context"
	"errors"
	"fmt"

	"github.com/octoreflex/octoreflex/pkg/types"
)

var errUnsupported = errors.New("enforce: BPF enforcement requires linux")

// BPF is unavailable off Linux. LoadPinned fails and the daemon refuses to
// start; only dry-run (no-op enforcement) works on other platforms.
type BPF struct{}

func LoadPinned(pinPath string) (*BPF, error) {
	return nil, fmt.Errorf("%w (pin path %q)", errUnsupported, pinPath)
}

func (*BPF) Program(context.Context, types.ProcessKey, types.State) error { return errUnsupported }
func (*BPF) Remove(context.Context, types.ProcessKey) error              { return errUnsupported }
func (*BPF) Close() error                                                { return nil }
