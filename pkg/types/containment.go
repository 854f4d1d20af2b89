package types

import (
	"fmt"
	"strings"
	"time"
)

// State is the containment severity assigned to a monitored process.
// States are ordered: a transition to a numerically higher state is an
// escalation. StateTerminated is absorbing.
type State uint8

const (
	StateMonitoring State = iota
	StatePressure
	StateQuarantined
	StateIsolated
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateMonitoring:
		return "MONITORING"
	case StatePressure:
		return "PRESSURE"
	case StateQuarantined:
		return "QUARANTINED"
	case StateIsolated:
		return "ISOLATED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// ParseState parses a state name (case-insensitive). Used by the operator
// CLI and the pin API.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MONITORING":
		return StateMonitoring, nil
	case "PRESSURE":
		return StatePressure, nil
	case "QUARANTINED":
		return StateQuarantined, nil
	case "ISOLATED":
		return StateIsolated, nil
	case "TERMINATED":
		return StateTerminated, nil
	default:
		return StateMonitoring, fmt.Errorf("unknown containment state %q", s)
	}
}

// Enforced reports whether the state requires kernel-side enforcement
// (a BPF map entry) and therefore a budget charge on entry.
func (s State) Enforced() bool {
	return s >= StateQuarantined
}

// Cost is the token-bucket cost of entering the state. Passive states
// are free.
func (s State) Cost() int {
	switch s {
	case StateQuarantined:
		return 5
	case StateIsolated:
		return 20
	case StateTerminated:
		return 50
	default:
		return 0
	}
}

// ProcessKey identifies a live process. PIDs are reused by the kernel, so
// the key pairs the PID with the process start time (clock ticks since
// boot, from /proc/<pid>/stat field 22).
type ProcessKey struct {
	PID       uint32 `json:"pid"`
	StartTime uint64 `json:"start_time"`
}

func (k ProcessKey) String() string {
	return fmt.Sprintf("%d:%d", k.PID, k.StartTime)
}

// SignalType classifies a behavioral signal consumed by the anomaly engine.
type SignalType string

const (
	// SignalSyscall is an anomalous syscall-pattern observation.
	// Magnitude is a normalized rate deviation in [0, 1].
	SignalSyscall SignalType = "syscall"

	// SignalWriteEntropy is a file-write entropy observation.
	// Magnitude is Shannon entropy in bits/byte, range [0, 8].
	SignalWriteEntropy SignalType = "write_entropy"

	// SignalConnect is an outbound connection attempt.
	// Magnitude is a normalized novelty score in [0, 1].
	SignalConnect SignalType = "connect"

	// SignalHookDenial is emitted when the kernel hook denies an operation
	// for an already-contained process (active bypass attempt).
	SignalHookDenial SignalType = "hook_denial"

	// SignalProcessExit notifies that the process has exited.
	SignalProcessExit SignalType = "process_exit"
)

// AnomalySignal is one behavioral event for a process. Ephemeral: signals
// feed the anomaly engine and are not persisted.
type AnomalySignal struct {
	Key        ProcessKey `json:"key"`
	Type       SignalType `json:"type"`
	Magnitude  float64    `json:"magnitude"`
	ObservedAt time.Time  `json:"observed_at"`
}

// EventKind classifies a control-plane decision event.
type EventKind string

const (
	EventTransition         EventKind = "transition"
	EventBudgetExhausted    EventKind = "budget_exhausted"
	EventEnforcement        EventKind = "enforcement"
	EventInvariantViolation EventKind = "invariant_violation"
)

// Event is the structured record emitted to the telemetry sink for every
// state transition, budget decision, and enforcement programming attempt.
// Emission is fire-and-forget; consumers must never block the controller.
type Event struct {
	Time    time.Time  `json:"time"`
	Kind    EventKind  `json:"kind"`
	Key     ProcessKey `json:"key"`
	From    State      `json:"from"`
	To      State      `json:"to"`
	Reason  string     `json:"reason"`
	Score   float64    `json:"score"`
	Cost    int        `json:"cost"`
	Balance float64    `json:"budget_balance"`
}
