package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/emergingrobotics/go-edgetpu/pkg/config"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
)

type telemetryKind int

const (
	telemetryLog telemetryKind = iota
	telemetryTrace
	numTelemetryKinds
)

func (k telemetryKind) String() string {
	if k == telemetryTrace {
		return "trace"
	}
	return "log"
}

// telemetry owns the log and trace rings handed to the firmware and the
// eventfds user space registered to hear about new data
type telemetry struct {
	bufs [numTelemetryKinds][]*iremap.Buffer

	mu     sync.Mutex
	events [numTelemetryKinds]*Eventfd
	counts [numTelemetryKinds]atomic.Uint64
	mmaps  [numTelemetryKinds]atomic.Int32
}

func newTelemetry(pool *iremap.Pool, cfg config.Telemetry) (*telemetry, error) {
	t := &telemetry{}
	for kind := range t.bufs {
		for i := 0; i < cfg.Buffers; i++ {
			b, err := pool.Alloc(cfg.BufferSize)
			if err != nil {
				t.free()
				return nil, err
			}
			t.bufs[kind] = append(t.bufs[kind], b)
		}
	}
	return t, nil
}

// mapBuffers tells a freshly booted firmware where the rings live
func (t *telemetry) mapBuffers(ctx context.Context, k *kci.KCI) error {
	var result *multierror.Error
	for _, b := range t.bufs[telemetryLog] {
		if err := k.MapLogBuffer(ctx, b.TPUAddr, uint32(b.Size())); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, b := range t.bufs[telemetryTrace] {
		if err := k.MapTraceBuffer(ctx, b.TPUAddr, uint32(b.Size())); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// buffer returns ring i of kind, nil when it was not allocated
func (t *telemetry) buffer(kind telemetryKind, i int) *iremap.Buffer {
	if i < 0 || i >= len(t.bufs[kind]) {
		return nil
	}
	return t.bufs[kind][i]
}

// mmapped adjusts the number of live user mappings of kind's rings
func (t *telemetry) mmapped(kind telemetryKind, delta int32) {
	t.mmaps[kind].Add(delta)
}

func (t *telemetry) setEvent(kind telemetryKind, fd int) error {
	ev, err := NewEventfd(fd)
	if err != nil {
		return err
	}
	t.mu.Lock()
	old := t.events[kind]
	t.events[kind] = ev
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (t *telemetry) unsetEvent(kind telemetryKind) {
	t.mu.Lock()
	old := t.events[kind]
	t.events[kind] = nil
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// notify signals the registered eventfd, if any
func (t *telemetry) notify(kind telemetryKind) error {
	t.counts[kind].Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev := t.events[kind]; ev != nil {
		return ev.Signal()
	}
	return nil
}

func (t *telemetry) free() {
	for kind := range t.bufs {
		for _, b := range t.bufs[kind] {
			b.Free()
		}
		t.bufs[kind] = nil
		t.unsetEvent(telemetryKind(kind))
	}
}
