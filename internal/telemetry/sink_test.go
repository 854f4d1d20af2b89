package telemetry

import (
	"testing"

	"github.com/octoreflex/octoreflex/pkg/types"
)

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(2)
	for i := 0; i < 5; i++ {
		s.Emit(types.Event{Kind: types.EventTransition})
	}
	if got := s.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	if len(s.C) != 2 {
		t.Fatalf("buffered = %d, want 2", len(s.C))
	}
}

func TestChannelSinkNeverBlocks(t *testing.T) {
	s := NewChannelSink(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Emit(types.Event{})
		}
	}()
	<-done // no consumer; Emit must still return
}
