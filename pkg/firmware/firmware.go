// Package firmware simulates the accelerator firmware: it serves the KCI
// mailbox, the in-kernel VII mailbox and any user VII mailboxes opened through
// open_device, and can inject the faults the host must survive.
package firmware

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/fence"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
	"github.com/emergingrobotics/go-edgetpu/pkg/vii"
)

// DefaultInfo is the handshake record reported when Options.Info is zero
var DefaultInfo = kci.FWInfo{
	Flavor:     kci.FlavorProdDefault,
	Changelist: 1,
	Major:      1,
	Minor:      0,
	KCIVersion: 1,
	VIIVersion: 1,
	VIIFormat:  kci.VIIFormatFlatbuffer,
}

// Job is one VII command as seen by the firmware
type Job struct {
	Mailbox  int
	Seq      uint64
	ClientID uint32
	Code     uint16
	// Runtime is the decoded litebuf payload, nil for fixed-layout commands
	Runtime   *vii.RuntimeCommand
	InFences  []uint16
	OutFences []uint16
}

// Result is the firmware's answer to a Job
type Result struct {
	Code   uint16
	Retval uint64
}

// Options configures a simulated firmware
type Options struct {
	Log       *logrus.Entry
	Pool      *iremap.Pool
	Mailboxes *mailbox.Manager
	IIF       *fence.IIFManager
	Info      kci.FWInfo
	// Execute runs a job; nil completes every job with code 0
	Execute func(j *Job) Result
}

// Firmware is a simulated firmware image
type Firmware struct {
	log  *logrus.Entry
	opts Options

	hang      atomic.Bool
	failBoots atomic.Int32
	rseq      atomic.Uint64
	executed  atomic.Uint64

	mu        sync.Mutex
	running   bool
	bootedAt  time.Time
	kciMB     *mailbox.Mailbox
	cancel    context.CancelFunc
	eg        *errgroup.Group
	ctx       context.Context
	served    map[int]context.CancelFunc
	vmboxes   map[uint32]kci.AllocateVMBoxDetail
	openMap   uint32
	held      map[uint16]bool
	parked    []parkedJob
	records   Records
	boots     int
	shutdowns int
}

// Records is what the host has told the firmware so far
type Records struct {
	Properties     *driver.DeviceProperties
	LogBuffers     []uint64
	TraceBuffers   []uint64
	DebugDumps     int
	ThrottleLevel  uint32
	BusBlocked     bool
	ThermalEnabled bool
	FreqLimits     [2]uint32
	TracingLevel   uint32
	Faults         [][]byte
	Acks           []uint16
}

// New creates a powered-off firmware
func New(opts Options) *Firmware {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Info == (kci.FWInfo{}) {
		opts.Info = DefaultInfo
	}
	return &Firmware{
		log:     opts.Log.WithField("component", "firmware"),
		opts:    opts,
		served:  make(map[int]context.CancelFunc),
		vmboxes: make(map[uint32]kci.AllocateVMBoxDetail),
		held:    make(map[uint16]bool),
	}
}

// Boot starts serving the KCI mailbox and, when not nil, the shared IKV mailbox
func (f *Firmware) Boot(ctx context.Context, kciMB, ikvMB *mailbox.Mailbox) error {
	if f.failBoots.Load() > 0 {
		f.failBoots.Add(-1)
		return driver.NewError(unix.EIO, "firmware boot failed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return driver.NewError(unix.EBUSY, "firmware already running")
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.eg = &errgroup.Group{}
	f.kciMB = kciMB
	f.running = true
	f.bootedAt = time.Now()
	f.boots++
	f.hang.Store(false)

	f.eg.Go(func() error { return f.serveKCI(f.ctx, kciMB) })
	if ikvMB != nil {
		f.eg.Go(func() error { return f.serveVII(f.ctx, ikvMB) })
	}
	f.log.WithField("boot", f.boots).Debug("firmware running")
	return nil
}

// Stop halts the firmware, dropping every firmware-side record
func (f *Firmware) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel, eg := f.cancel, f.eg
	f.served = make(map[int]context.CancelFunc)
	f.vmboxes = make(map[uint32]kci.AllocateVMBoxDetail)
	f.openMap = 0
	f.parked = nil
	f.mu.Unlock()

	cancel()
	_ = eg.Wait()
	f.log.Debug("firmware stopped")
}

// Running reports whether the firmware has been booted and not stopped
func (f *Firmware) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Boots returns how many times the firmware has been booted
func (f *Firmware) Boots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boots
}

// Shutdowns returns how many shutdown commands the firmware has received
func (f *Firmware) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// FailBoots makes the next n boots fail
func (f *Firmware) FailBoots(n int) { f.failBoots.Store(int32(n)) }

// SetHang stops (or resumes) answering every mailbox. Commands arriving
// while hung are dropped.
func (f *Firmware) SetHang(hang bool) { f.hang.Store(hang) }

// Hung reports whether SetHang(true) is in effect
func (f *Firmware) Hung() bool { return f.hang.Load() }

// Info returns the handshake record the firmware reports
func (f *Firmware) Info() kci.FWInfo { return f.opts.Info }

// SetVIIFormat changes the VII format reported by later handshakes
func (f *Firmware) SetVIIFormat(format uint32) {
	f.mu.Lock()
	f.opts.Info.VIIFormat = format
	f.mu.Unlock()
}

// Cycles returns the firmware cycle counter, one cycle per nanosecond since boot
func (f *Firmware) Cycles() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return 0
	}
	return uint64(time.Since(f.bootedAt).Nanoseconds())
}

// Executed returns how many VII jobs have completed
func (f *Firmware) Executed() uint64 { return f.executed.Load() }

// Records returns a copy of what the host has configured
func (f *Firmware) Records() Records {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records
	r.LogBuffers = append([]uint64(nil), r.LogBuffers...)
	r.TraceBuffers = append([]uint64(nil), r.TraceBuffers...)
	r.Faults = append([][]byte(nil), r.Faults...)
	r.Acks = append([]uint16(nil), r.Acks...)
	return r
}

// VMBoxes returns the client ids with an allocated virtual mailbox
func (f *Firmware) VMBoxes() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint32, 0, len(f.vmboxes))
	for id := range f.vmboxes {
		ids = append(ids, id)
	}
	return ids
}

// OpenMailboxes returns the bitmap of mailboxes opened by open_device
func (f *Firmware) OpenMailboxes() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openMap
}

// Reverse pushes a firmware-originated request onto the KCI response ring
func (f *Firmware) Reverse(code uint16, retval uint64) error {
	f.mu.Lock()
	mb, running := f.kciMB, f.running
	f.mu.Unlock()
	if !running {
		return driver.NewError(unix.ENODEV, "firmware not running")
	}
	r := kci.Response{Seq: kci.ReverseFlag | f.rseq.Add(1), Code: code, Retval: retval}
	out := make([]byte, kci.ResponseSize)
	r.Encode(out)
	if err := mb.Resp().Push(out); err != nil {
		return driver.NewErrorWithCause(unix.EAGAIN, "reverse kci", err)
	}
	mb.RaiseIRQ()
	return nil
}

// Crash reports a firmware crash of the given type
func (f *Firmware) Crash(crashType uint64) error {
	return f.Reverse(kci.RKCIFirmwareCrash, crashType)
}

// ClientFatalError reports a fatal error in the context of clientID
func (f *Firmware) ClientFatalError(clientID uint32) error {
	return f.Reverse(kci.RKCIClientFatalError, uint64(clientID))
}

// JobLockup reports a runtime lockup of the context vcid
func (f *Firmware) JobLockup(vcid uint32) error {
	return f.Reverse(kci.RKCIJobLockup, uint64(vcid))
}

// TelemetryAvailable reports new telemetry on die
func (f *Firmware) TelemetryAvailable(traces bool, die uint32) error {
	code := kci.RKCITelemetryLogs
	if traces {
		code = kci.RKCITelemetryTraces
	}
	return f.Reverse(code, uint64(die))
}
