package containment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoreflex/octoreflex/internal/anomaly"
	"github.com/octoreflex/octoreflex/internal/budget"
	"github.com/octoreflex/octoreflex/internal/config"
	"github.com/octoreflex/octoreflex/internal/enforce"
	"github.com/octoreflex/octoreflex/pkg/types"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	cfg  config.Config
	eng  *anomaly.Engine
	bkt  *budget.Bucket
	mem  *enforce.Mem
	ctrl *Controller
	clk  *clock
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.NodeID = "test"
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		cfg: cfg,
		eng: anomaly.New(cfg.Anomaly),
		bkt: budget.New(cfg.Budget.Capacity, cfg.Budget.RefillRate),
		mem: enforce.NewMem(),
		clk: &clock{t: time.Unix(10000, 0)},
	}
	f.ctrl = New(Options{
		Config:   &cfg,
		Engine:   f.eng,
		Bucket:   f.bkt,
		Enforcer: f.mem,
	})
	f.ctrl.SetClock(f.clk.now)
	f.eng.SetClock(f.clk.now)
	f.bkt.SetClock(f.clk.now)
	return f
}

func (f *fixture) signal(pid uint32, st types.SignalType, mag float64) {
	f.ctrl.HandleSignal(context.Background(), types.AnomalySignal{
		Key:        types.ProcessKey{PID: pid, StartTime: uint64(pid)},
		Type:       st,
		Magnitude:  mag,
		ObservedAt: f.clk.t,
	})
}

func (f *fixture) state(t *testing.T, pid uint32) types.State {
	t.Helper()
	v, ok := f.ctrl.Record(pid)
	require.True(t, ok, "record for pid %d missing", pid)
	return v.State
}

func TestLadderEscalation(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 100

	// A single over-threshold signal never escalates.
	f.signal(pid, types.SignalSyscall, 0.9)
	assert.Equal(t, types.StateMonitoring, f.state(t, pid))

	// Sustained anomalous behavior reaches PRESSURE, then QUARANTINED.
	f.signal(pid, types.SignalSyscall, 0.9)
	f.signal(pid, types.SignalSyscall, 0.9)
	assert.Equal(t, types.StatePressure, f.state(t, pid))

	f.signal(pid, types.SignalSyscall, 0.9)
	assert.Equal(t, types.StateQuarantined, f.state(t, pid))

	// QUARANTINED is enforced: the kernel map carries the state.
	key := types.ProcessKey{PID: pid, StartTime: pid}
	st, ok := f.mem.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, types.StateQuarantined, st)

	// Budget charged exactly once for the enforced transition.
	assert.InDelta(t, 95, f.bkt.Balance(), 0.01)
}

func TestBenignTrafficStaysMonitoring(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 50; i++ {
		f.signal(200, types.SignalSyscall, 0.2)
		f.signal(200, types.SignalConnect, 0.3)
	}
	assert.Equal(t, types.StateMonitoring, f.state(t, 200))
	assert.Equal(t, 0, f.mem.Len())
}

func TestEntropySpikeFastPath(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 300
	// Four encrypted-write observations: spike floor sustains PRESSURE
	// immediately and the score carries straight into QUARANTINED.
	for i := 0; i < 4; i++ {
		f.signal(pid, types.SignalWriteEntropy, 7.9)
	}
	assert.Equal(t, types.StateQuarantined, f.state(t, pid))
}

func TestHookDenialsEscalateToIsolated(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 400
	for i := 0; i < 3; i++ {
		f.signal(pid, types.SignalSyscall, 0.9)
	}
	f.signal(pid, types.SignalSyscall, 0.9)
	require.Equal(t, types.StateQuarantined, f.state(t, pid))

	// Repeated denials while quarantined are active bypass attempts.
	for i := 0; i < f.cfg.Containment.DenialThreshold; i++ {
		f.signal(pid, types.SignalHookDenial, 0)
	}
	assert.Equal(t, types.StateIsolated, f.state(t, pid))
	assert.InDelta(t, 75, f.bkt.Balance(), 0.01) // 5 + 20 spent
}

func TestPinIsIdempotentWithoutDoubleCharge(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 500
	f.signal(pid, types.SignalSyscall, 0.1)

	out, err := f.ctrl.Pin(context.Background(), pid, types.StateIsolated)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAck, out)
	assert.InDelta(t, 80, f.bkt.Balance(), 0.01)

	// Same pin again: acked, nothing charged, nothing re-programmed.
	out, err = f.ctrl.Pin(context.Background(), pid, types.StateIsolated)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAck, out)
	assert.InDelta(t, 80, f.bkt.Balance(), 0.01)

	// Pinning below the current severity acks without de-escalating.
	out, err = f.ctrl.Pin(context.Background(), pid, types.StateQuarantined)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAck, out)
	assert.Equal(t, types.StateIsolated, f.state(t, pid))
}

func TestPinUnknownProcess(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ctrl.Pin(context.Background(), 999, types.StateQuarantined)
	assert.ErrorIs(t, err, ErrUnknownProcess)
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 600
	f.signal(pid, types.SignalSyscall, 0.1)
	out, err := f.ctrl.Pin(context.Background(), pid, types.StateTerminated)
	require.NoError(t, err)
	require.Equal(t, OutcomeAck, out)

	// Signals for a terminated pid are ignored.
	f.signal(pid, types.SignalWriteEntropy, 7.9)
	assert.Equal(t, types.StateTerminated, f.state(t, pid))

	// Pin and reset are invariant violations, not transitions.
	var inv *InvariantViolationError
	_, err = f.ctrl.Pin(context.Background(), pid, types.StateIsolated)
	assert.ErrorAs(t, err, &inv)
	_, err = f.ctrl.Reset(context.Background(), pid)
	assert.ErrorAs(t, err, &inv)
	assert.Equal(t, types.StateTerminated, f.state(t, pid))
}

func TestBudgetDenialDefersEscalation(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 700
	f.signal(pid, types.SignalSyscall, 0.1)
	f.bkt.Drain()

	out, err := f.ctrl.Pin(context.Background(), pid, types.StateQuarantined)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, out)
	// Denial never promotes a state the kernel cannot enforce.
	assert.Equal(t, types.StateMonitoring, f.state(t, pid))
	assert.Equal(t, 0, f.mem.Len())

	// Refill restores tokens; the deferred escalation lands on the next tick.
	f.clk.advance(5 * time.Second) // 5s * 2/s = 10 tokens
	f.ctrl.Tick(context.Background())
	assert.Equal(t, types.StateQuarantined, f.state(t, pid))
	assert.InDelta(t, 5, f.bkt.Balance(), 0.01)
}

func TestResetIsFreeAndClearsEnforcement(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 800
	f.signal(pid, types.SignalSyscall, 0.1)
	_, err := f.ctrl.Pin(context.Background(), pid, types.StateIsolated)
	require.NoError(t, err)
	require.Equal(t, 1, f.mem.Len())
	f.bkt.Drain()

	// Reset works on an empty budget: de-escalation is always free.
	out, err := f.ctrl.Reset(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAck, out)
	assert.Equal(t, types.StateMonitoring, f.state(t, pid))
	assert.Equal(t, 0, f.mem.Len())

	// Scores do not survive a reset.
	v, _ := f.ctrl.Record(pid)
	assert.Zero(t, v.Score)
}

func TestCooldownDeEscalation(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 900
	for i := 0; i < 3; i++ {
		f.signal(pid, types.SignalSyscall, 0.8)
	}
	require.Equal(t, types.StatePressure, f.state(t, pid))

	// Score resolves, then signals stop.
	for i := 0; i < 6; i++ {
		f.signal(pid, types.SignalSyscall, 0)
	}

	f.clk.advance(f.cfg.Containment.Cooldown - time.Second)
	f.ctrl.Tick(context.Background())
	assert.Equal(t, types.StatePressure, f.state(t, pid), "cooldown must hold the full window")

	f.clk.advance(2 * time.Second)
	f.ctrl.Tick(context.Background())
	assert.Equal(t, types.StateMonitoring, f.state(t, pid))
}

func TestDwellCeilingSparesResolvedRecords(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 960
	for i := 0; i < 3; i++ {
		f.signal(pid, types.SignalSyscall, 0.8)
	}
	require.Equal(t, types.StatePressure, f.state(t, pid))

	// Score resolves well below the pressure threshold.
	for i := 0; i < 6; i++ {
		f.signal(pid, types.SignalSyscall, 0)
	}
	v, _ := f.ctrl.Record(pid)
	require.Less(t, v.Score, f.cfg.Containment.ThresholdPressure)

	// Past the dwell ceiling but inside the cooldown: a resolved record
	// waits for the cooldown, it is never force-quarantined.
	f.clk.advance(f.cfg.Containment.PressureDwellCeiling + time.Second)
	f.signal(pid, types.SignalSyscall, 0)
	assert.Equal(t, types.StatePressure, f.state(t, pid))
	assert.Equal(t, 0, f.mem.Len(), "resolved record must not reach the kernel map")

	f.ctrl.Tick(context.Background())
	assert.Equal(t, types.StatePressure, f.state(t, pid))

	// The cooldown path stays reachable and eventually de-escalates.
	f.clk.advance(f.cfg.Containment.Cooldown)
	f.ctrl.Tick(context.Background())
	assert.Equal(t, types.StateMonitoring, f.state(t, pid))
}

func TestDwellCeilingFiresWithoutSignals(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 970
	for i := 0; i < 3; i++ {
		f.signal(pid, types.SignalSyscall, 0.8)
	}
	require.Equal(t, types.StatePressure, f.state(t, pid))

	// Signals stop while the score stays anomalous: the tick pass alone
	// must enforce the ceiling.
	f.clk.advance(f.cfg.Containment.PressureDwellCeiling + time.Minute)
	f.ctrl.Tick(context.Background())
	assert.Equal(t, types.StateQuarantined, f.state(t, pid))
	assert.Equal(t, 1, f.mem.Len())
}

func TestPressureDwellCeiling(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 950
	for i := 0; i < 3; i++ {
		f.signal(pid, types.SignalSyscall, 0.8)
	}
	require.Equal(t, types.StatePressure, f.state(t, pid))

	// Still anomalous past the dwell ceiling: forced to QUARANTINED even
	// though the score never crossed the quarantine threshold.
	f.clk.advance(f.cfg.Containment.PressureDwellCeiling + time.Second)
	f.signal(pid, types.SignalSyscall, 0.8)
	assert.Equal(t, types.StateQuarantined, f.state(t, pid))
}

func TestProcessExitCleansUp(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 1000
	f.signal(pid, types.SignalSyscall, 0.1)
	_, err := f.ctrl.Pin(context.Background(), pid, types.StateQuarantined)
	require.NoError(t, err)
	require.Equal(t, 1, f.mem.Len())

	f.signal(pid, types.SignalProcessExit, 0)
	_, ok := f.ctrl.Record(pid)
	assert.False(t, ok, "exited record must be dropped")
	assert.Equal(t, 0, f.mem.Len(), "kernel map entry must be cleared on exit")
}

func TestTerminatedRetainedAfterExit(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 1100
	f.signal(pid, types.SignalSyscall, 0.1)
	_, err := f.ctrl.Pin(context.Background(), pid, types.StateTerminated)
	require.NoError(t, err)

	f.signal(pid, types.SignalProcessExit, 0)
	_, ok := f.ctrl.Record(pid)
	assert.True(t, ok, "terminated records are retained for audit")

	// The retention window eventually expires the record.
	f.clk.advance(f.cfg.Containment.TerminatedRetention + time.Minute)
	f.ctrl.Tick(context.Background())
	_, ok = f.ctrl.Record(pid)
	assert.False(t, ok)
}

func TestMalformedSignalsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.signal(0, types.SignalSyscall, 0.5)             // pid zero
	f.signal(42, "bogus", 0.5)                        // unknown type
	f.signal(42, types.SignalSyscall, -1)             // negative magnitude
	f.ctrl.HandleSignal(context.Background(), types.AnomalySignal{
		Key: types.ProcessKey{PID: 42, StartTime: 42}, Type: types.SignalSyscall,
		Magnitude: nan(),
	})

	assert.Equal(t, int64(4), f.ctrl.MalformedSignals())
	_, ok := f.ctrl.Record(42)
	assert.False(t, ok, "malformed signals must not create records")
}

func nan() float64 {
	z := 0.0
	return z / z
}

// flaky fails Program a fixed number of times before delegating.
type flaky struct {
	*enforce.Mem
	failures int
	calls    int
}

func (fl *flaky) Program(ctx context.Context, key types.ProcessKey, s types.State) error {
	fl.calls++
	if fl.calls <= fl.failures {
		return errors.New("kernel map busy")
	}
	return fl.Mem.Program(ctx, key, s)
}

func TestEnforcementPendingRetriedOnTick(t *testing.T) {
	cfg := config.Defaults()
	cfg.NodeID = "test"
	fl := &flaky{Mem: enforce.NewMem(), failures: 5}
	clk := &clock{t: time.Unix(10000, 0)}
	eng := anomaly.New(cfg.Anomaly)
	bkt := budget.New(cfg.Budget.Capacity, cfg.Budget.RefillRate)
	ctrl := New(Options{Config: &cfg, Engine: eng, Bucket: bkt, Enforcer: fl})
	ctrl.SetClock(clk.now)
	eng.SetClock(clk.now)
	bkt.SetClock(clk.now)

	ctrl.HandleSignal(context.Background(), types.AnomalySignal{
		Key: types.ProcessKey{PID: 1, StartTime: 1}, Type: types.SignalSyscall, Magnitude: 0.1,
	})
	out, err := ctrl.Pin(context.Background(), 1, types.StateQuarantined)
	require.NoError(t, err)
	// Initial attempt plus bounded retries all failed: record is pending
	// but the intended state is authoritative in memory.
	assert.Equal(t, OutcomePending, out)
	v, _ := ctrl.Record(1)
	assert.True(t, v.EnforcementPending)
	assert.Equal(t, types.StateQuarantined, v.State)

	ctrl.Tick(context.Background()) // 5th call, still failing
	v, _ = ctrl.Record(1)
	assert.True(t, v.EnforcementPending)

	ctrl.Tick(context.Background()) // 6th call succeeds
	v, _ = ctrl.Record(1)
	assert.False(t, v.EnforcementPending)
	assert.True(t, fl.Blocked(types.ProcessKey{PID: 1, StartTime: 1}))
}

func TestRecordTableCapacity(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.MaxTrackedPIDs = 2
	})
	f.signal(1, types.SignalSyscall, 0.1)
	f.signal(2, types.SignalSyscall, 0.1)
	f.signal(3, types.SignalSyscall, 0.1)

	assert.Len(t, f.ctrl.Records(), 2)
	_, ok := f.ctrl.Record(3)
	assert.False(t, ok, "signal past capacity must be dropped, not tracked")

	// Existing records keep handling signals at capacity.
	f.signal(1, types.SignalSyscall, 0.5)
	v, _ := f.ctrl.Record(1)
	assert.Greater(t, v.Score, 0.1)

	// An exit frees a slot for new processes.
	f.signal(1, types.SignalProcessExit, 0)
	f.signal(3, types.SignalSyscall, 0.1)
	_, ok = f.ctrl.Record(3)
	assert.True(t, ok)
	assert.Len(t, f.ctrl.Records(), 2)
}

func TestTickEvictsIdleScoreWindows(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 1250
	f.signal(pid, types.SignalSyscall, 0.1)
	_, err := f.ctrl.Pin(context.Background(), pid, types.StateQuarantined)
	require.NoError(t, err)

	f.clk.advance(f.cfg.Agent.IdleEviction + time.Minute)
	f.ctrl.Tick(context.Background())

	// The enforced record survives; its stale score window does not.
	_, ok := f.ctrl.Record(pid)
	assert.True(t, ok)
	assert.Zero(t, f.eng.Tracked())
}

func TestIdleMonitoringEviction(t *testing.T) {
	f := newFixture(t, nil)
	f.signal(1200, types.SignalSyscall, 0.1)
	f.clk.advance(f.cfg.Agent.IdleEviction + time.Minute)
	f.ctrl.Tick(context.Background())
	_, ok := f.ctrl.Record(1200)
	assert.False(t, ok, "idle MONITORING records are evicted")
}

func TestHotReloadAppliesThresholds(t *testing.T) {
	f := newFixture(t, nil)
	const pid = 1300

	newCfg := f.cfg.Containment
	newCfg.ThresholdPressure = 0.95
	f.ctrl.UpdateContainmentConfig(newCfg)

	for i := 0; i < 10; i++ {
		f.signal(pid, types.SignalSyscall, 0.9)
	}
	assert.Equal(t, types.StateMonitoring, f.state(t, pid),
		"raised threshold must take effect without restart")
}
