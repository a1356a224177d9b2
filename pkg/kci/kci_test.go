//go:build unit

package kci

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
)

// responder plays the firmware side of the KCI mailbox
type responder struct {
	mb     *mailbox.Mailbox
	pool   *iremap.Pool
	handle func(cmd Command) (Response, bool)
	mu     sync.Mutex
	seen   []Command
}

func (r *responder) run(ctx context.Context) {
	elem := make([]byte, CommandSize)
	out := make([]byte, ResponseSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.mb.Doorbell():
		}
		for r.mb.Cmd().Pop(elem) {
			var cmd Command
			cmd.Decode(elem)
			r.mu.Lock()
			r.seen = append(r.seen, cmd)
			r.mu.Unlock()
			resp, ok := r.handle(cmd)
			if !ok {
				continue
			}
			resp.Seq = cmd.Seq
			resp.Code = uint16(cmd.Code)
			resp.Encode(out)
			_ = r.mb.Resp().Push(out)
			r.mb.RaiseIRQ()
		}
	}
}

func (r *responder) push(resp Response) {
	out := make([]byte, ResponseSize)
	resp.Encode(out)
	_ = r.mb.Resp().Push(out)
	r.mb.RaiseIRQ()
}

func (r *responder) commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.seen...)
}

func newTestKCI(t *testing.T, opts Options, handle func(cmd Command) (Response, bool)) (*KCI, *responder) {
	t.Helper()
	pool := iremap.NewPool(0x90000000, 1<<20)
	mgr, err := mailbox.NewManager(mailbox.Config{NumMailboxes: 2, NumVII: 1}, pool)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	opts.Log = logrus.NewEntry(log)
	k, err := New(mgr, pool, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &responder{mb: k.Mailbox(), pool: pool, handle: handle}
	go r.run(ctx)
	k.Start(ctx)
	t.Cleanup(func() {
		_ = k.Stop()
		cancel()
	})
	return k, r
}

func okHandler(cmd Command) (Response, bool) { return Response{}, true }

func TestFWInfoHandshake(t *testing.T) {
	var pool *iremap.Pool
	k, r := newTestKCI(t, Options{}, func(cmd Command) (Response, bool) {
		if cmd.Code == CodeFirmwareInfo {
			buf, err := pool.Lookup(cmd.DMA.Address, int(cmd.DMA.Size))
			if err != nil {
				return Response{Status: StatusInvalidArgument}, true
			}
			info := FWInfo{Flavor: FlavorProdDefault, Major: 1, Minor: 7, VIIFormat: VIIFormatLitebuf}
			info.Encode(buf)
			return Response{Retval: uint64(info.Flavor)}, true
		}
		return Response{}, true
	})
	pool = r.pool
	used := pool.Used()

	info, err := k.FWInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlavorProdDefault, info.Flavor)
	assert.Equal(t, uint32(7), info.Minor)
	assert.Equal(t, VIIFormatLitebuf, info.VIIFormat)
	assert.Equal(t, used, pool.Used(), "handshake buffer freed")
}

func TestSendTimeout(t *testing.T) {
	var timeouts atomic.Int32
	k, _ := newTestKCI(t, Options{
		Timeout:   30 * time.Millisecond,
		OnTimeout: func(code Code) { timeouts.Add(1) },
	}, func(cmd Command) (Response, bool) { return Response{}, false })

	err := k.Shutdown(context.Background())
	assert.True(t, errors.Is(err, unix.ETIMEDOUT), "got %v", err)
	assert.Equal(t, int32(1), timeouts.Load())
}

func TestFirmwareStatusMapsToErrno(t *testing.T) {
	k, _ := newTestKCI(t, Options{}, func(cmd Command) (Response, bool) {
		return Response{Status: StatusUnimplemented}, true
	})
	err := k.ThermalControl(context.Background(), true)
	assert.True(t, errors.Is(err, unix.EOPNOTSUPP), "got %v", err)
}

func TestOpenDeviceInlineDetail(t *testing.T) {
	k, r := newTestKCI(t, Options{}, okHandler)
	require.NoError(t, k.OpenDevice(context.Background(), 0x4, 1, 3, true))

	cmds := r.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, CodeOpenDevice, cmds[0].Code)
	assert.Equal(t, uint32(0x4), cmds[0].DMA.Flags)

	var d OpenDeviceDetail
	d.Decode(cmds[0].Payload[:])
	assert.Equal(t, OpenDeviceDetail{ClientPriv: 1, VCID: 3, FirstOpen: true}, d)
}

func TestAllocateVMBoxOutOfLine(t *testing.T) {
	var got AllocateVMBoxDetail
	var pool *iremap.Pool
	k, r := newTestKCI(t, Options{}, func(cmd Command) (Response, bool) {
		if cmd.Code == CodeAllocateVMBox {
			buf, err := pool.Lookup(cmd.DMA.Address, int(cmd.DMA.Size))
			if err != nil {
				return Response{Status: StatusInvalidArgument}, true
			}
			got.Decode(buf)
		}
		return Response{}, true
	})
	pool = r.pool

	id := ClientID(0, 0, 5)
	require.NoError(t, k.AllocateVMBox(context.Background(), id, 2, true, false))
	assert.Equal(t, AllocateVMBoxDetail{ClientID: id, SliceIndex: 2, FirstOpen: true}, got)
	assert.Equal(t, uint32(5), PASIDOfClientID(id))
}

func TestFirmwareTracingLevel(t *testing.T) {
	k, _ := newTestKCI(t, Options{}, func(cmd Command) (Response, bool) {
		return Response{Retval: uint64(cmd.DMA.Flags) - 1}, true
	})
	active, err := k.FirmwareTracingLevel(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), active)
}

func TestReverseKCIDispatchAndAck(t *testing.T) {
	k, r := newTestKCI(t, Options{}, okHandler)

	handled := make(chan Response, 1)
	k.RegisterReverseHandler(RKCIJobLockup, func(ctx context.Context, req Response) {
		assert.NoError(t, k.RespondReverseAck(ctx, req))
		handled <- req
	})

	r.push(Response{Seq: ReverseFlag | 9, Code: RKCIJobLockup, Retval: 4})

	select {
	case req := <-handled:
		assert.Equal(t, uint64(4), req.Retval)
	case <-time.After(2 * time.Second):
		t.Fatal("reverse handler not called")
	}
	k.FlushReverse()

	cmds := r.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, CodeRKCIAck, cmds[0].Code)
	assert.Equal(t, uint64(9), binary.LittleEndian.Uint64(cmds[0].Payload[:]))
}

func TestFlushReverseReportsPending(t *testing.T) {
	k, r := newTestKCI(t, Options{}, okHandler)
	release := make(chan struct{})
	k.RegisterReverseHandler(RKCITelemetryLogs, func(ctx context.Context, req Response) { <-release })

	assert.False(t, k.FlushReverse())

	r.push(Response{Seq: ReverseFlag | 1, Code: RKCITelemetryLogs})
	require.Eventually(t, func() bool {
		k.idleMu.Lock()
		defer k.idleMu.Unlock()
		return k.rkciQueue == 1
	}, time.Second, time.Millisecond)

	done := make(chan bool)
	go func() { done <- k.FlushReverse() }()
	require.Eventually(t, func() bool {
		k.idleMu.Lock()
		defer k.idleMu.Unlock()
		return k.flushing == 1
	}, time.Second, time.Millisecond)
	close(release)
	assert.True(t, <-done)
	assert.False(t, k.FlushReverse())
}

func TestUpdateUsageAsync(t *testing.T) {
	got := make(chan []UsageMetric, 1)
	var pool *iremap.Pool
	k, r := newTestKCI(t, Options{OnUsage: func(m []UsageMetric) { got <- m }}, func(cmd Command) (Response, bool) {
		if cmd.Code == CodeGetUsage {
			buf, _ := pool.Lookup(cmd.DMA.Address, int(cmd.DMA.Size))
			EncodeUsage(buf, []UsageMetric{{Type: UsageTPUActive, Value: 42}})
		}
		return Response{}, true
	})
	pool = r.pool

	k.UpdateUsageAsync()
	select {
	case m := <-got:
		assert.Equal(t, []UsageMetric{{Type: UsageTPUActive, Value: 42}}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("usage not reported")
	}
}

func TestStopFailsPending(t *testing.T) {
	k, _ := newTestKCI(t, Options{Timeout: 5 * time.Second}, func(cmd Command) (Response, bool) { return Response{}, false })

	errc := make(chan error, 1)
	go func() { errc <- k.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.pending) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, k.Stop())
	err := <-errc
	assert.True(t, errors.Is(err, unix.ESHUTDOWN), "got %v", err)
}

func TestWireRoundTrip(t *testing.T) {
	cmd := Command{Seq: 3, Code: CodeSetFreqLimits, DMA: DMADescriptor{Address: 0x1000, Size: 8, Flags: 2}}
	cmd.Payload[0] = 0xaa
	buf := make([]byte, CommandSize)
	cmd.Encode(buf)
	var out Command
	out.Decode(buf)
	assert.Equal(t, cmd, out)

	assert.Equal(t, unix.EIO, Status(99).Errno())
	assert.Equal(t, "set_freq_limits", CodeSetFreqLimits.String())
	assert.Equal(t, "code(999)", Code(999).String())

	_, err := DecodeUsage(make([]byte, 4))
	assert.True(t, errors.Is(err, driver.NewError(unix.EINVAL, "")))
}
