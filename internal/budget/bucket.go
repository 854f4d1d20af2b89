// Package budget implements the token bucket that bounds the total cost of
// enforcement actions per time window.
//
// Refill is clock-driven: the balance grows with elapsed wall time only, so
// an attacker cannot influence the refill rate by generating traffic.
// Exhaustion is an explicit decision outcome, never an error: TrySpend
// returns false and the caller retries on a backoff.
package budget

import (
	"sync"
	"time"
)

// Bucket is a token bucket with capacity C and refill rate r tokens/sec.
// Invariant: 0 <= balance <= capacity at all times.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	balance  float64
	last     time.Time
	now      func() time.Time
}

// New returns a full bucket.
func New(capacity int, refillRate float64) *Bucket {
	b := &Bucket{
		capacity: float64(capacity),
		rate:     refillRate,
		balance:  float64(capacity),
		now:      time.Now,
	}
	b.last = b.now()
	return b
}

// SetClock overrides the bucket clock. Test hook; resets the refill anchor.
func (b *Bucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.last = now()
}

// advance applies clock-driven refill. Caller holds b.mu.
func (b *Bucket) advance() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.balance += b.rate * elapsed.Seconds()
	if b.balance > b.capacity {
		b.balance = b.capacity
	}
}

// TrySpend atomically spends cost tokens if the balance allows it.
// A zero cost is always permitted without touching the balance.
func (b *Bucket) TrySpend(cost int) bool {
	if cost <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.balance < float64(cost) {
		return false
	}
	b.balance -= float64(cost)
	if b.balance < 0 {
		// Unreachable given the check above; clamp rather than crash.
		b.balance = 0
	}
	return true
}

// Balance returns the current balance after applying refill.
func (b *Bucket) Balance() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.balance
}

// Capacity returns the configured capacity.
func (b *Bucket) Capacity() float64 {
	return b.capacity
}

// Drain empties the bucket. Test and validation hook.
func (b *Bucket) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.balance = 0
}
