package enforce

import (
	"context"
	"testing"

	"github.com/octoreflex/octoreflex/pkg/types"
)

func TestMemProgramAndLookup(t *testing.T) {
	m := NewMem()
	key := types.ProcessKey{PID: 7, StartTime: 99}

	if m.Blocked(key) {
		t.Fatal("unprogrammed process must not be blocked")
	}

	if err := m.Program(context.Background(), key, types.StateQuarantined); err != nil {
		t.Fatal(err)
	}
	if !m.Blocked(key) {
		t.Fatal("quarantined process must be blocked")
	}

	// Re-programming the same state is idempotent.
	if err := m.Program(context.Background(), key, types.StateQuarantined); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
}

func TestMemPressureNotEnforced(t *testing.T) {
	m := NewMem()
	key := types.ProcessKey{PID: 7, StartTime: 99}
	if err := m.Program(context.Background(), key, types.StatePressure); err != nil {
		t.Fatal(err)
	}
	if m.Blocked(key) {
		t.Fatal("PRESSURE must not block at the kernel boundary")
	}
}

func TestMemRemoveIsIdempotent(t *testing.T) {
	m := NewMem()
	key := types.ProcessKey{PID: 7, StartTime: 99}
	if err := m.Remove(context.Background(), key); err != nil {
		t.Fatal("removing an absent entry must not error:", err)
	}
	_ = m.Program(context.Background(), key, types.StateIsolated)
	if err := m.Remove(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if m.Blocked(key) {
		t.Fatal("removed process must not be blocked")
	}
}
