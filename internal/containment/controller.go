// Package containment drives the per-process containment state machine.
//
// The controller combines anomaly scores, the state store, and the token
// bucket to decide transitions, and programs the kernel enforcement layer
// with the result. All mutation of a record happens under its shard lock,
// so two signals for the same pid cannot race into inconsistent states;
// signals for unrelated pids proceed concurrently.
//
// State ladder: MONITORING -> PRESSURE -> QUARANTINED -> ISOLATED ->
// TERMINATED. The only automatic de-escalation is PRESSURE back to
// MONITORING after the cooldown. TERMINATED is absorbing.
package containment

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/anomaly"
	"github.com/octoreflex/octoreflex/internal/budget"
	"github.com/octoreflex/octoreflex/internal/config"
	"github.com/octoreflex/octoreflex/internal/enforce"
	"github.com/octoreflex/octoreflex/internal/storage"
	"github.com/octoreflex/octoreflex/internal/telemetry"
	"github.com/octoreflex/octoreflex/pkg/types"
)

// Budget-denied escalations are retried on this backoff schedule.
const (
	deferRetryInitial = time.Second
	deferRetryMax     = time.Minute
)

// Options wires a Controller. Engine and Bucket are required; Enforcer,
// Sink, Metrics, Ledger, and Logger default to no-ops.
type Options struct {
	Config   *config.Config
	Engine   *anomaly.Engine
	Bucket   *budget.Bucket
	Enforcer enforce.Enforcer
	Sink     telemetry.Sink
	Metrics  *telemetry.Metrics
	Ledger   *storage.DB
	Logger   *zap.Logger
}

// Controller owns the state store and executes all containment decisions.
type Controller struct {
	acfg config.AgentConfig
	ecfg config.EnforcementConfig

	cfgMu sync.RWMutex
	ccfg  config.ContainmentConfig

	store   *Store
	engine  *anomaly.Engine
	bucket  *budget.Bucket
	enf     enforce.Enforcer
	sink    telemetry.Sink
	metrics *telemetry.Metrics
	ledger  *storage.DB
	log     *zap.Logger
	nodeID  string
	now     func() time.Time

	malformed atomic.Int64
}

func New(opts Options) *Controller {
	cfg := opts.Config
	c := &Controller{
		acfg:    cfg.Agent,
		ecfg:    cfg.Enforcement,
		ccfg:    cfg.Containment,
		store:   NewStore(cfg.Agent.Shards),
		engine:  opts.Engine,
		bucket:  opts.Bucket,
		enf:     opts.Enforcer,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		ledger:  opts.Ledger,
		log:     opts.Logger,
		nodeID:  cfg.NodeID,
		now:     time.Now,
	}
	if c.enf == nil {
		c.enf = enforce.Nop{}
	}
	if c.sink == nil {
		c.sink = telemetry.NopSink{}
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewMetrics()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// SetClock overrides the controller clock. Test hook.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// UpdateContainmentConfig swaps thresholds and dwell policies atomically.
// Applied on SIGHUP hot-reload; in-flight evaluations see either the old
// or the new config, never a mix.
func (c *Controller) UpdateContainmentConfig(cfg config.ContainmentConfig) {
	c.cfgMu.Lock()
	c.ccfg = cfg
	c.cfgMu.Unlock()
	c.log.Info("containment thresholds updated",
		zap.Float64("threshold_pressure", cfg.ThresholdPressure),
		zap.Float64("threshold_quarantine", cfg.ThresholdQuarantine))
}

func (c *Controller) containmentCfg() config.ContainmentConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.ccfg
}

// Run drains the signal channel and drives the periodic tick until ctx is
// cancelled or the channel closes. This is the single consumer loop; it
// never blocks on unbounded I/O.
func (c *Controller) Run(ctx context.Context, signals <-chan types.AnomalySignal, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			c.HandleSignal(ctx, sig)
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// HandleSignal feeds one behavioral signal through the scoring and
// escalation pipeline. Malformed signals are dropped and counted.
func (c *Controller) HandleSignal(ctx context.Context, sig types.AnomalySignal) {
	start := c.now()

	if err := validateSignal(sig); err != nil {
		c.malformed.Add(1)
		c.metrics.SignalsDropped.Inc()
		c.log.Debug("signal dropped", zap.Error(err), zap.Uint32("pid", sig.Key.PID))
		return
	}
	c.metrics.SignalsTotal.WithLabelValues(string(sig.Type)).Inc()

	if sig.Type == types.SignalProcessExit {
		c.handleExit(ctx, sig.Key)
		return
	}

	tracked := c.store.withRecord(sig.Key, func() *Record {
		if c.acfg.MaxTrackedPIDs > 0 && c.store.Len() >= c.acfg.MaxTrackedPIDs {
			// Table at capacity: drop the signal rather than grow without
			// bound under a distinct-pid flood. Idle eviction frees slots.
			return nil
		}
		return &Record{Key: sig.Key, State: types.StateMonitoring, EnteredStateAt: c.now()}
	}, func(rec *Record) {
		if rec.State == types.StateTerminated {
			// Absorption: a terminated pid never changes state again.
			c.log.Debug("signal for terminated process ignored",
				zap.Uint32("pid", sig.Key.PID), zap.String("type", string(sig.Type)))
			return
		}

		rec.Score = c.engine.Score(sig.Key, sig)
		rec.LastSignalAt = c.now()
		c.metrics.AnomalyScore.Observe(rec.Score)

		if sig.Type == types.SignalHookDenial && rec.State == types.StateQuarantined {
			rec.denials++
		}

		target, reason := c.evaluate(rec)
		if target > rec.State {
			c.escalateLocked(ctx, rec, target, reason)
		} else if rec.State == types.StatePressure {
			c.maybeCooldownLocked(rec)
		}
	})
	if !tracked {
		c.metrics.SignalsDropped.Inc()
		c.log.Debug("record table full, signal dropped",
			zap.Uint32("pid", sig.Key.PID), zap.Int("tracked", c.store.Len()))
	}

	c.metrics.ContainmentLatency.Observe(float64(c.now().Sub(start).Microseconds()))
}

// evaluate decides the next target state for a record. Caller holds the
// shard lock. Escalation is stepwise: the ladder is never skipped except
// by operator pin.
func (c *Controller) evaluate(rec *Record) (types.State, string) {
	cfg := c.containmentCfg()
	switch rec.State {
	case types.StateMonitoring:
		if rec.Score >= cfg.ThresholdPressure {
			rec.sustain++
		} else {
			rec.sustain = 0
		}
		if rec.sustain >= cfg.SustainCount {
			return types.StatePressure, "sustained_score"
		}
	case types.StatePressure:
		if rec.Score >= cfg.ThresholdQuarantine {
			return types.StateQuarantined, "score"
		}
		// The dwell ceiling only applies while the score is unresolved; a
		// resolved record waits out the cooldown instead.
		if rec.Score >= cfg.ThresholdPressure &&
			c.now().Sub(rec.EnteredStateAt) >= cfg.PressureDwellCeiling {
			return types.StateQuarantined, "dwell_ceiling"
		}
	case types.StateQuarantined:
		if rec.denials >= cfg.DenialThreshold {
			return types.StateIsolated, "hook_denials"
		}
		if rec.Score >= cfg.ThresholdIsolate {
			return types.StateIsolated, "score"
		}
	case types.StateIsolated:
		if rec.Score >= cfg.ThresholdTerminate {
			return types.StateTerminated, "terminal_ceiling"
		}
	}
	return rec.State, ""
}

// escalateLocked executes a transition to target. Caller holds the shard
// lock. Requesting a state at or below the current one acks without a
// budget charge (idempotent escalation).
func (c *Controller) escalateLocked(ctx context.Context, rec *Record, target types.State, reason string) Outcome {
	if target <= rec.State {
		return OutcomeAck
	}

	cost := 0
	if target.Enforced() {
		cost = target.Cost()
	}
	if cost > 0 && !c.bucket.TrySpend(cost) {
		// Exhaustion is a decision, not a failure: keep the record in its
		// current state and retry on a backoff. Never promote a risk level
		// the kernel cannot enforce.
		c.metrics.BudgetDecisionsTotal.WithLabelValues("denied").Inc()
		c.deferEscalation(rec, target)
		c.emit(types.Event{
			Time: c.now(), Kind: types.EventBudgetExhausted, Key: rec.Key,
			From: rec.State, To: target, Reason: reason, Score: rec.Score,
			Cost: cost, Balance: c.bucket.Balance(),
		})
		c.log.Warn("budget exhausted, deferring escalation",
			zap.Uint32("pid", rec.Key.PID),
			zap.String("target", target.String()),
			zap.Int("cost", cost),
			zap.Float64("balance", c.bucket.Balance()))
		return OutcomeDenied
	}
	if cost > 0 {
		c.metrics.BudgetDecisionsTotal.WithLabelValues("permitted").Inc()
	}

	from := rec.State
	rec.State = target
	rec.EnteredStateAt = c.now()
	rec.EscalationCount++
	rec.sustain = 0
	if rec.deferred <= rec.State {
		rec.deferred = 0
		rec.retryDelay = 0
	}

	outcome := OutcomeAck
	if target.Enforced() {
		if err := c.program(ctx, rec.Key, target); err != nil {
			// The in-memory record reflects intended state; kernel
			// programming is retried on subsequent ticks.
			rec.EnforcementPending = true
			outcome = OutcomePending
			c.log.Error("enforcement programming failed, record pending",
				zap.Uint32("pid", rec.Key.PID),
				zap.String("state", target.String()),
				zap.Error(err))
		} else {
			rec.EnforcementPending = false
		}
	}

	c.appendLedger(rec, from, target, reason, cost)
	c.metrics.TransitionsTotal.WithLabelValues(from.String(), target.String()).Inc()
	c.metrics.BudgetBalance.Set(c.bucket.Balance())
	c.emit(types.Event{
		Time: c.now(), Kind: types.EventTransition, Key: rec.Key,
		From: from, To: target, Reason: reason, Score: rec.Score,
		Cost: cost, Balance: c.bucket.Balance(),
	})
	c.log.Info("containment state escalated",
		zap.Uint32("pid", rec.Key.PID),
		zap.String("from", from.String()),
		zap.String("to", target.String()),
		zap.String("reason", reason),
		zap.Float64("score", rec.Score))
	return outcome
}

// maybeCooldownLocked de-escalates PRESSURE back to MONITORING once the
// score has resolved and the cooldown has elapsed. Free: administrative
// and automatic de-escalation never spend budget.
func (c *Controller) maybeCooldownLocked(rec *Record) {
	cfg := c.containmentCfg()
	if rec.State != types.StatePressure {
		return
	}
	if rec.Score >= cfg.ThresholdPressure {
		return
	}
	if c.now().Sub(rec.EnteredStateAt) < cfg.Cooldown {
		return
	}
	from := rec.State
	rec.State = types.StateMonitoring
	rec.EnteredStateAt = c.now()
	rec.EscalationCount++
	rec.sustain = 0
	rec.deferred = 0
	rec.retryDelay = 0

	c.appendLedger(rec, from, rec.State, "cooldown", 0)
	c.metrics.TransitionsTotal.WithLabelValues(from.String(), rec.State.String()).Inc()
	c.emit(types.Event{
		Time: c.now(), Kind: types.EventTransition, Key: rec.Key,
		From: from, To: rec.State, Reason: "cooldown", Score: rec.Score,
	})
	c.log.Info("pressure resolved, de-escalated",
		zap.Uint32("pid", rec.Key.PID), zap.Float64("score", rec.Score))
}

func (c *Controller) deferEscalation(rec *Record, target types.State) {
	if target > rec.deferred {
		rec.deferred = target
	}
	if rec.retryDelay == 0 {
		rec.retryDelay = deferRetryInitial
	} else {
		rec.retryDelay *= 2
		if rec.retryDelay > deferRetryMax {
			rec.retryDelay = deferRetryMax
		}
	}
	rec.retryAt = c.now().Add(rec.retryDelay)
}

// program performs the kernel round-trip with a per-call timeout and
// bounded exponential retry. One pid's round-trip cannot stall unrelated
// pids: only this record's shard is held.
func (c *Controller) program(ctx context.Context, key types.ProcessKey, state types.State) error {
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, c.ecfg.CallTimeout)
		defer cancel()
		if err := c.enf.Program(cctx, key, state); err != nil {
			c.metrics.EnforcementTotal.WithLabelValues("error").Inc()
			return err
		}
		c.metrics.EnforcementTotal.WithLabelValues("ok").Inc()
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.ecfg.RetryInitialInterval
	bo.MaxInterval = 16 * c.ecfg.RetryInitialInterval
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.ecfg.MaxRetries)), ctx))

	result := "ok"
	if err != nil {
		result = "error"
	}
	c.emit(types.Event{
		Time: c.now(), Kind: types.EventEnforcement, Key: key,
		To: state, Reason: result,
	})
	return err
}

// Pin forces a record to the target state, bypassing intermediate states
// but still subject to the budget. Forward-only: pinning at or below the
// current severity acks idempotently. Operator boundary.
func (c *Controller) Pin(ctx context.Context, pid uint32, target types.State) (Outcome, error) {
	key, ok := c.store.Lookup(pid)
	if !ok {
		return OutcomeDenied, ErrUnknownProcess
	}
	var outcome Outcome
	var err error
	c.store.withRecord(key, nil, func(rec *Record) {
		if rec.State == types.StateTerminated {
			err = c.rejectInvariant(rec.Key, "pin on terminated record")
			outcome = OutcomeDenied
			return
		}
		outcome = c.escalateLocked(ctx, rec, target, "operator_pin")
	})
	return outcome, err
}

// Reset forces a record back to MONITORING, bypassing the budget entirely:
// administrative de-escalation is always free so an attacker cannot starve
// recovery through budget pressure. TERMINATED records cannot be revived.
func (c *Controller) Reset(ctx context.Context, pid uint32) (Outcome, error) {
	key, ok := c.store.Lookup(pid)
	if !ok {
		return OutcomeDenied, ErrUnknownProcess
	}
	var outcome Outcome
	var err error
	c.store.withRecord(key, nil, func(rec *Record) {
		if rec.State == types.StateTerminated {
			err = c.rejectInvariant(rec.Key, "reset on terminated record")
			outcome = OutcomeDenied
			return
		}
		from := rec.State
		wasEnforced := from.Enforced()
		rec.State = types.StateMonitoring
		rec.EnteredStateAt = c.now()
		rec.EscalationCount++
		rec.sustain = 0
		rec.denials = 0
		rec.deferred = 0
		rec.retryDelay = 0
		rec.Score = 0
		c.engine.Forget(rec.Key)

		outcome = OutcomeAck
		if wasEnforced {
			cctx, cancel := context.WithTimeout(ctx, c.ecfg.CallTimeout)
			defer cancel()
			if rmErr := c.enf.Remove(cctx, rec.Key); rmErr != nil {
				rec.EnforcementPending = true
				outcome = OutcomePending
				c.log.Error("enforcement removal failed, record pending",
					zap.Uint32("pid", rec.Key.PID), zap.Error(rmErr))
			} else {
				rec.EnforcementPending = false
			}
		}

		c.appendLedger(rec, from, rec.State, "operator_reset", 0)
		c.metrics.TransitionsTotal.WithLabelValues(from.String(), rec.State.String()).Inc()
		c.emit(types.Event{
			Time: c.now(), Kind: types.EventTransition, Key: rec.Key,
			From: from, To: rec.State, Reason: "operator_reset",
		})
		c.log.Info("record reset by operator",
			zap.Uint32("pid", rec.Key.PID), zap.String("from", from.String()))
	})
	return outcome, err
}

func (c *Controller) rejectInvariant(key types.ProcessKey, msg string) error {
	err := &InvariantViolationError{Key: key, Msg: msg}
	c.emit(types.Event{
		Time: c.now(), Kind: types.EventInvariantViolation, Key: key, Reason: msg,
	})
	c.log.Error("invariant violation rejected", zap.Error(err))
	return err
}

// handleExit removes containment for an exited process. TERMINATED records
// are retained for the audit window; everything else is dropped and the
// kernel map entry cleared.
func (c *Controller) handleExit(ctx context.Context, key types.ProcessKey) {
	c.engine.Forget(key)

	var keep bool
	found := c.store.withRecord(key, nil, func(rec *Record) {
		keep = rec.State == types.StateTerminated
	})
	if !found || keep {
		return
	}
	c.store.delete(key)
	cctx, cancel := context.WithTimeout(ctx, c.ecfg.CallTimeout)
	defer cancel()
	if err := c.enf.Remove(cctx, key); err != nil {
		c.log.Warn("enforcement removal on exit failed",
			zap.Uint32("pid", key.PID), zap.Error(err))
	}
}

// Tick runs the periodic maintenance pass: cooldown de-escalation,
// deferred escalation retries, pending enforcement retries, terminated
// record retention, and idle eviction.
func (c *Controller) Tick(ctx context.Context) {
	now := c.now()
	cfg := c.containmentCfg()

	for i := range c.store.shards {
		sh := &c.store.shards[i]
		sh.mu.Lock()
		for key, rec := range sh.recs {
			if rec.State == types.StateTerminated {
				if now.Sub(rec.EnteredStateAt) >= cfg.TerminatedRetention {
					delete(sh.recs, key)
					c.store.count.Add(-1)
					c.engine.Forget(key)
					c.removeQuiet(ctx, key)
				}
				continue
			}
			if rec.State == types.StateMonitoring && !rec.LastSignalAt.IsZero() &&
				now.Sub(rec.LastSignalAt) >= c.acfg.IdleEviction {
				delete(sh.recs, key)
				c.store.count.Add(-1)
				c.engine.Forget(key)
				continue
			}

			if rec.State == types.StatePressure {
				// The dwell ceiling must fire even when signals have
				// stopped, so PRESSURE is re-evaluated every tick.
				rec.Score = c.engine.Peek(key)
				if target, reason := c.evaluate(rec); target > rec.State {
					c.escalateLocked(ctx, rec, target, reason)
				} else {
					c.maybeCooldownLocked(rec)
				}
			}
			if rec.deferred > rec.State && !rec.retryAt.After(now) {
				c.escalateLocked(ctx, rec, rec.deferred, "deferred_retry")
			}
			if rec.EnforcementPending {
				c.retryPendingLocked(ctx, rec)
			}
		}
		sh.mu.Unlock()
	}

	// Score windows age out on the same idle horizon as records, so the
	// window table stays bounded even for keys whose records linger in an
	// enforced state.
	c.engine.Evict(now.Add(-c.acfg.IdleEviction))

	c.metrics.TrackedProcesses.Set(float64(c.store.Len()))
	c.metrics.BudgetBalance.Set(c.bucket.Balance())
}

// retryPendingLocked makes one enforcement attempt for a pending record.
// Caller holds the shard lock.
func (c *Controller) retryPendingLocked(ctx context.Context, rec *Record) {
	cctx, cancel := context.WithTimeout(ctx, c.ecfg.CallTimeout)
	defer cancel()
	var err error
	if rec.State.Enforced() {
		err = c.enf.Program(cctx, rec.Key, rec.State)
	} else {
		err = c.enf.Remove(cctx, rec.Key)
	}
	if err != nil {
		c.metrics.EnforcementTotal.WithLabelValues("error").Inc()
		return
	}
	c.metrics.EnforcementTotal.WithLabelValues("ok").Inc()
	rec.EnforcementPending = false
	c.emit(types.Event{
		Time: c.now(), Kind: types.EventEnforcement, Key: rec.Key,
		To: rec.State, Reason: "pending_resolved",
	})
}

func (c *Controller) removeQuiet(ctx context.Context, key types.ProcessKey) {
	cctx, cancel := context.WithTimeout(ctx, c.ecfg.CallTimeout)
	defer cancel()
	_ = c.enf.Remove(cctx, key)
}

func (c *Controller) appendLedger(rec *Record, from, to types.State, reason string, cost int) {
	if c.ledger == nil {
		return
	}
	entry := storage.LedgerEntry{
		Time:            c.now(),
		PID:             rec.Key.PID,
		StartTime:       rec.Key.StartTime,
		From:            from.String(),
		To:              to.String(),
		Score:           rec.Score,
		Cost:            cost,
		BudgetRemaining: c.bucket.Balance(),
		Reason:          reason,
		NodeID:          c.nodeID,
	}
	if err := c.ledger.Append(entry); err != nil {
		c.log.Error("ledger write failed", zap.Error(err))
	}
}

// emit is fire-and-forget: the sink contract guarantees it never blocks.
func (c *Controller) emit(ev types.Event) {
	c.sink.Emit(ev)
}

// Records returns snapshots of all live records. Operator boundary.
func (c *Controller) Records() []View {
	return c.store.List()
}

// Record returns the snapshot for a pid.
func (c *Controller) Record(pid uint32) (View, bool) {
	key, ok := c.store.Lookup(pid)
	if !ok {
		return View{}, false
	}
	return c.store.Get(key)
}

// MalformedSignals returns the count of dropped malformed signals.
func (c *Controller) MalformedSignals() int64 {
	return c.malformed.Load()
}

func validateSignal(sig types.AnomalySignal) error {
	if sig.Key.PID == 0 {
		return ErrSignalMalformed
	}
	if math.IsNaN(sig.Magnitude) || math.IsInf(sig.Magnitude, 0) || sig.Magnitude < 0 {
		return ErrSignalMalformed
	}
	switch sig.Type {
	case types.SignalSyscall, types.SignalWriteEntropy, types.SignalConnect,
		types.SignalHookDenial, types.SignalProcessExit:
		return nil
	default:
		return ErrSignalMalformed
	}
}
