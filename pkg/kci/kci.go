// Package kci implements the Kernel Control Interface: the command/response
// channel between the host and the accelerator firmware, plus the reverse
// channel the firmware uses to send requests to the host.
package kci

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
)

// DefaultTimeout bounds every command when Options.Timeout is zero
const DefaultTimeout = 5 * time.Second

// QueueElements is the depth of both KCI rings
const QueueElements = 32

// ReverseBufferSize is the number of firmware requests buffered for the reverse worker
const ReverseBufferSize = 32

// ReverseHandler services one firmware-originated request
type ReverseHandler func(ctx context.Context, req Response)

// Options configures a KCI endpoint
type Options struct {
	Timeout   time.Duration
	Log       *logrus.Entry
	OnTimeout func(code Code)
	OnUsage   func(metrics []UsageMetric)
}

type result struct {
	resp Response
	err  error
}

// KCI is the host end of the control channel
type KCI struct {
	mb      *mailbox.Mailbox
	pool    *iremap.Pool
	timeout time.Duration
	log     *logrus.Entry
	opts    Options

	seq   atomic.Uint64
	cmdMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan result
	handlers map[uint16]ReverseHandler
	space    chan struct{}

	rkci      chan Response
	limiter   *rate.Limiter
	idleMu    sync.Mutex
	idle      *sync.Cond
	rkciQueue int
	flushing  int
	stopped   bool

	usageMu   sync.Mutex
	usageKick chan struct{}

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New takes the reserved KCI mailbox from mgr and sets up an endpoint over it
func New(mgr *mailbox.Manager, pool *iremap.Pool, opts Options) (*KCI, error) {
	mb, err := mgr.AllocKCI(CommandSize, ResponseSize, QueueElements)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	k := &KCI{
		mb:        mb,
		pool:      pool,
		timeout:   opts.Timeout,
		log:       opts.Log.WithField("component", "kci"),
		opts:      opts,
		pending:   make(map[uint64]chan result),
		handlers:  make(map[uint16]ReverseHandler),
		space:     make(chan struct{}),
		rkci:      make(chan Response, ReverseBufferSize),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		usageKick: make(chan struct{}, 1),
	}
	k.idle = sync.NewCond(&k.idleMu)
	return k, nil
}

// Mailbox returns the hardware mailbox the endpoint runs on
func (k *KCI) Mailbox() *mailbox.Mailbox { return k.mb }

// Start launches the response, reverse-KCI and usage workers
func (k *KCI) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.eg, ctx = errgroup.WithContext(ctx)

	k.idleMu.Lock()
	k.stopped = false
	k.idleMu.Unlock()

	k.mb.Enable()
	k.eg.Go(func() error { return k.responseWorker(ctx) })
	k.eg.Go(func() error { return k.reverseWorker(ctx) })
	k.eg.Go(func() error { return k.usageWorker(ctx) })
}

// Stop halts the workers and fails every outstanding command
func (k *KCI) Stop() error {
	if k.cancel == nil {
		return nil
	}
	k.cancel()
	err := k.eg.Wait()
	k.cancel = nil

	k.idleMu.Lock()
	k.stopped = true
	k.idle.Broadcast()
	k.idleMu.Unlock()

	k.FailPending(driver.NewError(unix.ESHUTDOWN, "kci stopped"))
	return err
}

// Reset empties both rings and fails outstanding commands, for use after the
// firmware has been restarted.
func (k *KCI) Reset() {
	k.FailPending(driver.NewError(unix.EIO, "kci reset"))
	k.mb.ResetQueues()
}

// FailPending completes every outstanding command with err
func (k *KCI) FailPending(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for seq, ch := range k.pending {
		select {
		case ch <- result{err: err}:
		default:
		}
		delete(k.pending, seq)
	}
}

func (k *KCI) notifySpace() {
	k.mu.Lock()
	close(k.space)
	k.space = make(chan struct{})
	k.mu.Unlock()
}

func (k *KCI) spaceChan() <-chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.space
}

func (k *KCI) expired(code Code, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		k.log.WithField("code", code).Warn("command timed out")
		if k.opts.OnTimeout != nil {
			k.opts.OnTimeout(code)
		}
		return driver.NewErrorWithCause(unix.ETIMEDOUT, "kci "+code.String(), err)
	}
	return driver.NewErrorWithCause(driver.ErrnoOf(err), "kci "+code.String(), err)
}

// Send issues cmd and waits for the matching response or the timeout
func (k *KCI) Send(ctx context.Context, cmd *Command) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	cmd.Seq = k.seq.Add(1) &^ ReverseFlag
	ch := make(chan result, 1)
	k.mu.Lock()
	k.pending[cmd.Seq] = ch
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.pending, cmd.Seq)
		k.mu.Unlock()
	}()

	elem := make([]byte, CommandSize)
	cmd.Encode(elem)
	for {
		space := k.spaceChan()
		k.cmdMu.Lock()
		err := k.mb.Cmd().Push(elem)
		k.cmdMu.Unlock()
		if err == nil {
			break
		}
		if !errors.Is(err, mailbox.ErrQueueFull) {
			return Response{}, driver.NewErrorWithCause(unix.EIO, "kci push", err)
		}
		select {
		case <-space:
		case <-ctx.Done():
			return Response{}, k.expired(cmd.Code, ctx.Err())
		}
	}
	k.mb.RingDoorbell()

	select {
	case r := <-ch:
		if r.err != nil {
			return Response{}, r.err
		}
		if r.resp.Status != StatusOK {
			return r.resp, driver.Errorf(r.resp.Status.Errno(), "kci %s: firmware status %d", cmd.Code, r.resp.Status)
		}
		return r.resp, nil
	case <-ctx.Done():
		return Response{}, k.expired(cmd.Code, ctx.Err())
	}
}

func (k *KCI) responseWorker(ctx context.Context) error {
	elem := make([]byte, ResponseSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.mb.IRQ():
		}
		k.mb.AckIRQ()
		q := k.mb.Resp()
		for q != nil && q.Pop(elem) {
			var r Response
			r.Decode(elem)
			if r.IsReverse() {
				k.enqueueReverse(r)
				continue
			}
			k.complete(r)
		}
		k.notifySpace()
	}
}

func (k *KCI) complete(r Response) {
	k.mu.Lock()
	ch, ok := k.pending[r.Seq]
	delete(k.pending, r.Seq)
	k.mu.Unlock()

	if !ok {
		k.log.WithField("seq", r.Seq).Debug("response for a command no longer waiting")
		return
	}
	ch <- result{resp: r}
}

// SendCode issues a command with no arguments
func (k *KCI) SendCode(ctx context.Context, code Code) error {
	_, err := k.Send(ctx, &Command{Code: code})
	return err
}

// sendDetail issues code with detail inline when it fits, otherwise in a
// coherent buffer addressed by the DMA descriptor.
func (k *KCI) sendDetail(ctx context.Context, code Code, detail []byte, flags uint32) (Response, error) {
	cmd := &Command{Code: code}
	cmd.DMA.Flags = flags
	if len(detail) <= InlinePayloadSize {
		copy(cmd.Payload[:], detail)
		return k.Send(ctx, cmd)
	}
	buf, err := k.pool.Alloc(len(detail))
	if err != nil {
		return Response{}, err
	}
	defer buf.Free()
	copy(buf.Data, detail)
	cmd.DMA.Address = buf.TPUAddr
	cmd.DMA.Size = uint32(len(detail))
	return k.Send(ctx, cmd)
}

// FWInfo runs the firmware info handshake
func (k *KCI) FWInfo(ctx context.Context) (*FWInfo, error) {
	buf, err := k.pool.Alloc(FWInfoSize)
	if err != nil {
		return nil, err
	}
	defer buf.Free()

	cmd := &Command{Code: CodeFirmwareInfo, DMA: DMADescriptor{Address: buf.TPUAddr, Size: FWInfoSize}}
	if _, err := k.Send(ctx, cmd); err != nil {
		return nil, err
	}
	info := &FWInfo{}
	info.Decode(buf.Data)
	k.log.WithFields(logrus.Fields{
		"flavor":     info.Flavor,
		"changelist": info.Changelist,
		"version":    []uint32{info.Major, info.Minor},
	}).Info("firmware handshake")
	return info, nil
}

// OpenDevice asks the firmware to serve the VII mailboxes in mailboxMap
func (k *KCI) OpenDevice(ctx context.Context, mailboxMap uint32, clientPriv uint32, vcid int16, firstOpen bool) error {
	d := OpenDeviceDetail{ClientPriv: uint16(clientPriv), VCID: uint16(vcid), FirstOpen: firstOpen}
	detail := make([]byte, 8)
	d.Encode(detail)
	_, err := k.sendDetail(ctx, CodeOpenDevice, detail, mailboxMap)
	return err
}

// CloseDevice is the inverse of OpenDevice
func (k *KCI) CloseDevice(ctx context.Context, mailboxMap uint32) error {
	_, err := k.sendDetail(ctx, CodeCloseDevice, nil, mailboxMap)
	return err
}

// AllocateVMBox creates the firmware-side virtual mailbox for clientID
func (k *KCI) AllocateVMBox(ctx context.Context, clientID uint32, sliceIndex uint8, firstOpen, firstParty bool) error {
	d := AllocateVMBoxDetail{ClientID: clientID, SliceIndex: sliceIndex, FirstOpen: firstOpen, FirstParty: firstParty}
	detail := make([]byte, AllocateVMBoxDetailSize)
	d.Encode(detail)
	_, err := k.sendDetail(ctx, CodeAllocateVMBox, detail, 0)
	return err
}

// ReleaseVMBox releases the virtual mailbox created by AllocateVMBox
func (k *KCI) ReleaseVMBox(ctx context.Context, clientID uint32) error {
	detail := make([]byte, 4)
	binary.LittleEndian.PutUint32(detail, clientID)
	_, err := k.sendDetail(ctx, CodeReleaseVMBox, detail, 0)
	return err
}

// UpdateUsage pulls usage counters from the firmware. It also serves as a
// liveness ping.
func (k *KCI) UpdateUsage(ctx context.Context) error {
	k.usageMu.Lock()
	defer k.usageMu.Unlock()

	buf, err := k.pool.Alloc(UsageBufferSize)
	if err != nil {
		return err
	}
	defer buf.Free()

	cmd := &Command{Code: CodeGetUsage, DMA: DMADescriptor{Address: buf.TPUAddr, Size: UsageBufferSize}}
	if _, err := k.Send(ctx, cmd); err != nil {
		return err
	}
	metrics, err := DecodeUsage(buf.Data)
	if err != nil {
		k.log.WithError(err).Warn("bad usage report")
		return nil
	}
	if k.opts.OnUsage != nil {
		k.opts.OnUsage(metrics)
	}
	return nil
}

// UpdateUsageAsync schedules UpdateUsage on the usage worker without waiting
func (k *KCI) UpdateUsageAsync() {
	select {
	case k.usageKick <- struct{}{}:
	default:
	}
}

func (k *KCI) usageWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.usageKick:
			if err := k.UpdateUsage(ctx); err != nil && ctx.Err() == nil {
				k.log.WithError(err).Warn("update usage failed")
			}
		}
	}
}

func (k *KCI) mapBuffer(ctx context.Context, code Code, tpuAddr uint64, size uint32) error {
	_, err := k.Send(ctx, &Command{Code: code, DMA: DMADescriptor{Address: tpuAddr, Size: size}})
	return err
}

// MapLogBuffer hands a telemetry log ring to the firmware
func (k *KCI) MapLogBuffer(ctx context.Context, tpuAddr uint64, size uint32) error {
	return k.mapBuffer(ctx, CodeMapLogBuffer, tpuAddr, size)
}

// MapTraceBuffer hands a telemetry trace ring to the firmware
func (k *KCI) MapTraceBuffer(ctx context.Context, tpuAddr uint64, size uint32) error {
	return k.mapBuffer(ctx, CodeMapTraceBuffer, tpuAddr, size)
}

// Shutdown tells the firmware the host is about to power it down
func (k *KCI) Shutdown(ctx context.Context) error {
	return k.SendCode(ctx, CodeShutdown)
}

// GetDebugDump asks the firmware to dump its inaccessible state into
// [tpuAddr, tpuAddr+size). With initOnly the firmware only records the buffer.
func (k *KCI) GetDebugDump(ctx context.Context, tpuAddr uint64, size uint32, initOnly bool) error {
	var flags uint32
	if initOnly {
		flags = 1
	}
	_, err := k.Send(ctx, &Command{Code: CodeGetDebugDump, DMA: DMADescriptor{Address: tpuAddr, Size: size, Flags: flags}})
	return err
}

func (k *KCI) sendFlags(ctx context.Context, code Code, flags uint32) (Response, error) {
	return k.Send(ctx, &Command{Code: code, DMA: DMADescriptor{Flags: flags}})
}

// NotifyThrottling reports a thermal throttling level
func (k *KCI) NotifyThrottling(ctx context.Context, level uint32) error {
	_, err := k.sendFlags(ctx, CodeNotifyThrottling, level)
	return err
}

// BlockBusSpeedControl stops or resumes firmware bus frequency votes
func (k *KCI) BlockBusSpeedControl(ctx context.Context, block bool) error {
	_, err := k.sendFlags(ctx, CodeBlockBusSpeedControl, uint32(boolByte(block)))
	return err
}

// ThermalControl enables or disables firmware thermal management
func (k *KCI) ThermalControl(ctx context.Context, enable bool) error {
	_, err := k.sendFlags(ctx, CodeThermalControl, uint32(boolByte(enable)))
	return err
}

// SetDeviceProperties pushes the opaque device properties blob
func (k *KCI) SetDeviceProperties(ctx context.Context, props *driver.DeviceProperties) error {
	_, err := k.sendDetail(ctx, CodeSetDeviceProperties, props[:], 0)
	return err
}

// SetFreqLimits bounds the firmware frequency selection, in kHz
func (k *KCI) SetFreqLimits(ctx context.Context, minKHz, maxKHz uint32) error {
	detail := make([]byte, 8)
	binary.LittleEndian.PutUint32(detail[0:], minKHz)
	binary.LittleEndian.PutUint32(detail[4:], maxKHz)
	_, err := k.sendDetail(ctx, CodeSetFreqLimits, detail, 0)
	return err
}

// FirmwareTracingLevel sets the tracing level and returns the level now active
func (k *KCI) FirmwareTracingLevel(ctx context.Context, level uint32) (uint32, error) {
	resp, err := k.sendFlags(ctx, CodeFirmwareTracingLevel, level)
	if err != nil {
		return 0, err
	}
	return uint32(resp.Retval), nil
}

// FaultInjection forwards an opaque fault injection request
func (k *KCI) FaultInjection(ctx context.Context, opaque []byte) error {
	_, err := k.sendDetail(ctx, CodeFaultInjection, opaque, 0)
	return err
}

// FWDebugCmd forwards a debug command stored at daddr
func (k *KCI) FWDebugCmd(ctx context.Context, daddr uint64, count uint32) error {
	return k.mapBuffer(ctx, CodeFWDebugCmd, daddr, count)
}

// FWDebugReset resets the firmware debug channel
func (k *KCI) FWDebugReset(ctx context.Context) error {
	return k.SendCode(ctx, CodeFWDebugReset)
}

// FWDebugInit hands the debug response buffer to the firmware
func (k *KCI) FWDebugInit(ctx context.Context, daddr uint64, count uint32) error {
	return k.mapBuffer(ctx, CodeFWDebugInit, daddr, count)
}
