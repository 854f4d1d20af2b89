//go:build linux

package enforce

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// stateKey mirrors struct octo_state_key in the LSM hook program.
// Explicit padding keeps the layout identical to the kernel side
// (4-byte pid, 4-byte hole, 8-byte start time).
type stateKey struct {
	Pid       uint32
	Pad       uint32
	StartTime uint64
}

// BPF programs the pinned process-state hash map shared with the LSM hook
// program. The hook program consults this map at socket_connect (and
// sibling hooks) to deny syscalls for contained processes.
type BPF struct {
	states *ebpf.Map
}

// LoadPinned opens the state map pinned by the hook loader under bpffs.
func LoadPinned(pinPath string) (*BPF, error) {
	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("enforce: load pinned map %q: %w", pinPath, err)
	}
	return &BPF{states: m}, nil
}

func (b *BPF) Program(ctx context.Context, key types.ProcessKey, state types.State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enforce: program %s: %w", key, err)
	}
	k := stateKey{Pid: key.PID, StartTime: key.StartTime}
	if err := b.states.Put(k, uint8(state)); err != nil {
		return fmt.Errorf("enforce: program %s state=%s: %w", key, state, err)
	}
	return nil
}

func (b *BPF) Remove(ctx context.Context, key types.ProcessKey) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enforce: remove %s: %w", key, err)
	}
	k := stateKey{Pid: key.PID, StartTime: key.StartTime}
	if err := b.states.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("enforce: remove %s: %w", key, err)
	}
	return nil
}

func (b *BPF) Close() error {
	return b.states.Close()
}
