package telemetry

import (
	"sync/atomic"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// Sink receives decision events from the controller.
//
// Contract: Emit is goroutine-safe, never blocks, and never panics. A full
// or failing sink drops the event; the containment decision has already
// been made and must not depend on telemetry.
type Sink interface {
	Emit(ev types.Event)
}

// ChannelSink buffers events for a consumer goroutine. When the buffer is
// full the event is dropped and counted.
type ChannelSink struct {
	C       chan types.Event
	dropped atomic.Int64
}

func NewChannelSink(buf int) *ChannelSink {
	if buf <= 0 {
		buf = 256
	}
	return &ChannelSink{C: make(chan types.Event, buf)}
}

func (s *ChannelSink) Emit(ev types.Event) {
	select {
	case s.C <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped due to a full buffer.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(types.Event) {}
