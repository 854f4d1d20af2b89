// Package enforce is the narrow contract between the containment controller
// and the in-kernel LSM hook program. The controller programs the desired
// state per (pid, start-time); the hook program performs the synchronous
// allow/deny lookup at syscall entry.
//
// Program and Remove must be idempotent: re-programming the current state is
// a no-op at the kernel boundary. Failures are retryable; the in-memory
// record remains authoritative while kernel programming is pending.
package enforce

import (
	"context"
	"sync"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// Enforcer programs the kernel hook layer's view of process states.
type Enforcer interface {
	// Program installs or updates the state entry for a process.
	Program(ctx context.Context, key types.ProcessKey, state types.State) error

	// Remove deletes the state entry for a process. Removing an absent
	// entry is not an error.
	Remove(ctx context.Context, key types.ProcessKey) error

	Close() error
}

// Nop discards all programming calls. Used when the agent runs without
// kernel hooks (dry-run, tests).
type Nop struct{}

func (Nop) Program(context.Context, types.ProcessKey, types.State) error { return nil }
func (Nop) Remove(context.Context, types.ProcessKey) error              { return nil }
func (Nop) Close() error                                                { return nil }

// Mem is an in-memory enforcer that mirrors the kernel map's semantics.
// The validation harness uses it to measure the decision path end to end:
// Lookup is the userspace stand-in for the hook program's map lookup.
type Mem struct {
	mu     sync.RWMutex
	states map[types.ProcessKey]types.State
}

func NewMem() *Mem {
	return &Mem{states: make(map[types.ProcessKey]types.State)}
}

func (m *Mem) Program(_ context.Context, key types.ProcessKey, state types.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = state
	return nil
}

func (m *Mem) Remove(_ context.Context, key types.ProcessKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

func (m *Mem) Close() error { return nil }

// Lookup returns the programmed state for a process, mirroring the kernel
// hook's decision lookup. ok is false for unprogrammed processes.
func (m *Mem) Lookup(key types.ProcessKey) (types.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[key]
	return s, ok
}

// Blocked reports whether a connect attempt by the process would be denied
// under the programmed state.
func (m *Mem) Blocked(key types.ProcessKey) bool {
	s, ok := m.Lookup(key)
	return ok && s.Enforced()
}

// Len returns the number of programmed entries.
func (m *Mem) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
