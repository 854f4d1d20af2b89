//go:build linux

package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// rawEvent mirrors struct octo_event emitted by the hook program.
// All fields little-endian; magnitude is fixed-point milli-units.
type rawEvent struct {
	Pid            uint32
	Type           uint32
	StartTime      uint64
	MagnitudeMilli uint64
	TimestampNS    uint64
}

// Hook program event type codes.
const (
	rawSyscall     = 1
	rawWriteEntrop = 2
	rawConnect     = 3
	rawHookDenial  = 4
	rawProcessExit = 5
)

// Ringbuf reads kernel events from the hook program's pinned ring buffer.
type Ringbuf struct {
	log     *zap.Logger
	pinPath string
	buffer  int

	bootTime time.Time
}

// NewRingbuf opens a source over the ring buffer map pinned at pinPath.
func NewRingbuf(pinPath string, buffer int, log *zap.Logger) *Ringbuf {
	if buffer <= 0 {
		buffer = 10000
	}
	return &Ringbuf{log: log, pinPath: pinPath, buffer: buffer, bootTime: estimateBootTime()}
}

func (s *Ringbuf) Run(ctx context.Context) (<-chan types.AnomalySignal, error) {
	m, err := ebpf.LoadPinnedMap(s.pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: load pinned ringbuf %q: %w", s.pinPath, err)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("ingest: ringbuf reader: %w", err)
	}

	out := make(chan types.AnomalySignal, s.buffer)
	go func() {
		<-ctx.Done()
		_ = rd.Close()
	}()
	go func() {
		defer close(out)
		defer m.Close()
		for {
			record, err := rd.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				s.log.Warn("ringbuf read failed", zap.Error(err))
				continue
			}
			sig, err := s.decode(record.RawSample)
			if err != nil {
				s.log.Debug("undecodable kernel event dropped", zap.Error(err))
				continue
			}
			select {
			case out <- sig:
			default:
				// Queue full: drop rather than block the kernel reader.
			}
		}
	}()
	return out, nil
}

func (s *Ringbuf) decode(raw []byte) (types.AnomalySignal, error) {
	var ev rawEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ev); err != nil {
		return types.AnomalySignal{}, fmt.Errorf("ingest: decode event: %w", err)
	}
	var st types.SignalType
	switch ev.Type {
	case rawSyscall:
		st = types.SignalSyscall
	case rawWriteEntrop:
		st = types.SignalWriteEntropy
	case rawConnect:
		st = types.SignalConnect
	case rawHookDenial:
		st = types.SignalHookDenial
	case rawProcessExit:
		st = types.SignalProcessExit
	default:
		return types.AnomalySignal{}, fmt.Errorf("ingest: unknown event type %d", ev.Type)
	}
	return types.AnomalySignal{
		Key:        types.ProcessKey{PID: ev.Pid, StartTime: ev.StartTime},
		Type:       st,
		Magnitude:  float64(ev.MagnitudeMilli) / 1000.0,
		ObservedAt: s.bootTime.Add(time.Duration(ev.TimestampNS)),
	}, nil
}

// estimateBootTime anchors kernel monotonic timestamps to wall time.
func estimateBootTime() time.Time {
	// bpf_ktime_get_ns is nanoseconds since boot; approximate boot as
	// now minus uptime read at startup. Drift within a run is irrelevant
	// for scoring, which only uses relative recency.
	return time.Now().Add(-monotonicUptime())
}
