// Package anomaly scores process behavior signals.
//
// The engine keeps a short rolling window per process and smooths signal
// magnitudes with an exponential moving average, so a single outlier cannot
// cross an escalation threshold on its own. The one exception is the entropy
// spike path: a write-entropy signal at or above the configured hard ceiling
// (a ransomware signature) lifts the score floor immediately for the spike
// hold window.
//
// The engine is side-effect-free beyond its own window state: it never
// touches containment records.
package anomaly

import (
	"sync"
	"time"

	"github.com/octoreflex/octoreflex/internal/config"
	"github.com/octoreflex/octoreflex/pkg/types"
)

// maxEntropyBits is the upper bound of Shannon entropy per byte.
const maxEntropyBits = 8.0

type window struct {
	ewma      float64
	samples   int
	lastSpike time.Time
	lastSeen  time.Time
}

// Engine computes anomaly scores in [0, 1] per process.
type Engine struct {
	cfg config.AnomalyConfig
	now func() time.Time

	mu      sync.Mutex
	windows map[types.ProcessKey]*window
}

func New(cfg config.AnomalyConfig) *Engine {
	return &Engine{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[types.ProcessKey]*window),
	}
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Score folds one signal into the process window and returns the updated
// anomaly score.
func (e *Engine) Score(key types.ProcessKey, sig types.AnomalySignal) float64 {
	x := normalize(sig)
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[key]
	if !ok {
		w = &window{ewma: x}
		e.windows[key] = w
	} else {
		w.ewma = e.cfg.Alpha*x + (1-e.cfg.Alpha)*w.ewma
	}
	w.samples++
	if w.samples > e.cfg.WindowSize {
		w.samples = e.cfg.WindowSize
	}
	w.lastSeen = now

	if sig.Type == types.SignalWriteEntropy && sig.Magnitude >= e.cfg.SpikeEntropyBits {
		w.lastSpike = now
	}

	score := w.ewma
	if !w.lastSpike.IsZero() && now.Sub(w.lastSpike) <= e.cfg.SpikeHold {
		if score < e.cfg.SpikeFloor {
			score = e.cfg.SpikeFloor
		}
	}
	return clamp01(score)
}

// Peek returns the current score without folding in a new signal.
func (e *Engine) Peek(key types.ProcessKey) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[key]
	if !ok {
		return 0
	}
	score := w.ewma
	if !w.lastSpike.IsZero() && e.now().Sub(w.lastSpike) <= e.cfg.SpikeHold {
		if score < e.cfg.SpikeFloor {
			score = e.cfg.SpikeFloor
		}
	}
	return clamp01(score)
}

// Forget drops the window for a process. Called on process exit and on
// operator reset; scores never survive a process restart.
func (e *Engine) Forget(key types.ProcessKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, key)
}

// Evict removes windows idle since the cutoff and returns how many were
// dropped. Keeps the window table bounded alongside the record table.
func (e *Engine) Evict(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, w := range e.windows {
		if w.lastSeen.Before(cutoff) {
			delete(e.windows, k)
			n++
		}
	}
	return n
}

// Tracked returns the number of live windows.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.windows)
}

// normalize maps a signal magnitude to [0, 1]. Entropy arrives in
// bits/byte; hook denials are inherently high-signal and score near the top
// of the range regardless of reported magnitude.
func normalize(sig types.AnomalySignal) float64 {
	switch sig.Type {
	case types.SignalWriteEntropy:
		return clamp01(sig.Magnitude / maxEntropyBits)
	case types.SignalHookDenial:
		if sig.Magnitude < 0.8 {
			return 0.8
		}
		return clamp01(sig.Magnitude)
	default:
		return clamp01(sig.Magnitude)
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
