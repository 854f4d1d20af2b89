package containment

import (
	"errors"
	"fmt"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// Outcome is the user-visible result of a containment request. The operator
// CLI surfaces exactly these for every pin/reset call.
type Outcome string

const (
	// OutcomeAck: the transition executed (or was already satisfied).
	OutcomeAck Outcome = "ack"
	// OutcomeDenied: the budget refused the spend; state unchanged.
	OutcomeDenied Outcome = "denied"
	// OutcomePending: state updated in memory, kernel programming still
	// being retried on subsequent ticks.
	OutcomePending Outcome = "pending"
)

// ErrUnknownProcess is returned for operator requests against a pid the
// agent has never seen.
var ErrUnknownProcess = errors.New("containment: unknown process")

// ErrSignalMalformed classifies ingest-side signal validation failures.
// Malformed signals are dropped and logged, never fatal.
var ErrSignalMalformed = errors.New("containment: malformed signal")

// InvariantViolationError marks a request that would break a containment
// invariant (a transition out of TERMINATED, an out-of-range state). The
// request is rejected and logged; the agent never crashes on it.
type InvariantViolationError struct {
	Key types.ProcessKey
	Msg string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("containment: invariant violation for %s: %s", e.Key, e.Msg)
}
