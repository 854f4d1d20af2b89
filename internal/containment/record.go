package containment

import (
	"time"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// Record is the containment state for one live (pid, start-time) pair.
// Records are owned by their shard: all mutation happens under the shard
// lock inside the controller.
type Record struct {
	Key   types.ProcessKey
	State types.State

	// Score is the last anomaly score computed for this process.
	Score float64

	// EnteredStateAt is the time of the last transition; dwell-time and
	// cooldown policies read it.
	EnteredStateAt time.Time

	// EscalationCount counts executed transitions (hysteresis input).
	EscalationCount int

	// EnforcementPending is set when kernel programming failed after
	// bounded retries; the tick loop keeps retrying.
	EnforcementPending bool

	LastSignalAt time.Time

	// sustain counts consecutive over-pressure-threshold evaluations.
	sustain int

	// denials counts hook-denial events observed while QUARANTINED.
	denials int

	// deferred holds an escalation target that was denied by the budget,
	// retried on a backoff by the tick loop.
	deferred   types.State
	retryAt    time.Time
	retryDelay time.Duration
}

// View is a read-only snapshot of a record for the operator API.
type View struct {
	PID                uint32      `json:"pid"`
	StartTime          uint64      `json:"start_time"`
	State              types.State `json:"-"`
	StateName          string      `json:"state"`
	Score              float64     `json:"score"`
	EnteredStateAt     time.Time   `json:"entered_state_at"`
	EscalationCount    int         `json:"escalation_count"`
	EnforcementPending bool        `json:"enforcement_pending"`
}

func (r *Record) view() View {
	return View{
		PID:                r.Key.PID,
		StartTime:          r.Key.StartTime,
		State:              r.State,
		StateName:          r.State.String(),
		Score:              r.Score,
		EnteredStateAt:     r.EnteredStateAt,
		EscalationCount:    r.EscalationCount,
		EnforcementPending: r.EnforcementPending,
	}
}
