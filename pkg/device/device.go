package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/config"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/fence"
	"github.com/emergingrobotics/go-edgetpu/pkg/firmware"
	"github.com/emergingrobotics/go-edgetpu/pkg/ikv"
	"github.com/emergingrobotics/go-edgetpu/pkg/iommu"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
	"github.com/emergingrobotics/go-edgetpu/pkg/metrics"
	"github.com/emergingrobotics/go-edgetpu/pkg/power"
	"github.com/emergingrobotics/go-edgetpu/pkg/vii"
)

// FullCSRSize is the size of the register window exposed by the full-CSR mmap
const FullCSRSize = 1 << 20

// NumVCIDs is the size of the virtual context id pool
const NumVCIDs = 16

// Options configures a device instance
type Options struct {
	Config *config.Device
	Log    *logrus.Entry
	// Thermal overrides the thermal source seeded from Config.ThermalSuspended
	Thermal power.Thermal
	Clock   power.Clock
	// Execute runs VII jobs inside the simulated firmware
	Execute func(j *firmware.Job) firmware.Result
	// FirmwareInfo overrides the handshake record of the simulated firmware
	FirmwareInfo kci.FWInfo
}

// Device is one accelerator: its firmware, control channels, power state,
// and the clients and groups using it
type Device struct {
	name  string
	cfg   *config.Device
	log   *logrus.Entry
	clock power.Clock

	pool      *iremap.Pool
	mailboxes *mailbox.Manager
	mmu       *iommu.MMU
	kci       *kci.KCI
	ikv       *ikv.IKV
	iif       *fence.IIFManager
	fences    *fence.Manager
	fw        *firmware.Firmware
	pm        *power.Manager
	metrics   *metrics.Metrics
	telemetry *telemetry
	wd        *watchdog
	csr       []byte

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	// stateMu serializes firmware runs; readers use state directly
	stateMu sync.Mutex
	state   atomic.Int32
	fwInfo  atomic.Pointer[kci.FWInfo]
	format  atomic.Uint32
	probeMu sync.Mutex

	propsMu sync.Mutex
	props   *driver.DeviceProperties

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
	clientSeq atomic.Uint64

	groupsMu     sync.Mutex
	groups       []*Group
	vcidPool     uint32
	nextWorkload uint32

	extMu    sync.Mutex
	extOwner map[uint32]*Group

	crashes          atomic.Uint64
	watchdogTimeouts atomic.Uint64
}

// New builds a powered-off device and starts its control workers
func New(opts Options) (*Device, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("device", cfg.Name)
	thermal := opts.Thermal
	if thermal == nil {
		ts := &power.ThermalState{}
		ts.SetSuspended(cfg.ThermalSuspended)
		thermal = ts
	}
	clock := opts.Clock
	if clock == nil {
		clock = power.SystemClock
	}

	d := &Device{
		name:     cfg.Name,
		cfg:      cfg,
		log:      log,
		clock:    clock,
		pool:     iremap.NewPool(cfg.Coherent.Base, cfg.Coherent.Size),
		iif:      fence.NewIIFManager(),
		fences:   fence.NewManager(log),
		csr:      make([]byte, FullCSRSize),
		clients:  make(map[*Client]struct{}),
		extOwner: make(map[uint32]*Group),
		vcidPool: 1<<NumVCIDs - 1,
	}
	d.state.Store(int32(StateNoFW))

	var err error
	d.mailboxes, err = mailbox.NewManager(cfg.MailboxConfig(), d.pool)
	if err != nil {
		return nil, err
	}
	d.mmu = iommu.New(log, cfg.IOVA.Base, cfg.IOVA.Size, iommu.DefaultNumPASIDs)
	d.mmu.SetFaultHandler(d.HandleFault)

	d.pm = power.NewManager(log, power.Hooks{PowerUp: d.powerUp, PowerDown: d.powerDown}, thermal)
	d.metrics = metrics.New(cfg.Name, metrics.Sources{
		FirmwareCrashes:  d.crashes.Load,
		WatchdogTimeouts: d.watchdogTimeouts.Load,
		WakeLockHolders:  d.wakeLockHolders,
		PowerRefcount:    d.pm.Count,
	})

	d.kci, err = kci.New(d.mailboxes, d.pool, kci.Options{
		Timeout:   cfg.KCITimeout,
		Log:       log,
		OnTimeout: d.metrics.KCITimeout,
		OnUsage:   d.metrics.Usage,
	})
	if err != nil {
		return nil, err
	}
	if d.mailboxes.UseIKV() {
		d.ikv, err = ikv.New(d.mailboxes, d.pool, ikv.Options{
			Log:            log,
			CommandTimeout: cfg.IKVTimeout,
			FenceTimeout:   cfg.FenceTimeout,
			Credits:        cfg.Credits,
			OnComplete:     d.metrics.VIICompleted,
		})
		if err != nil {
			return nil, err
		}
	}

	info := opts.FirmwareInfo
	if info == (kci.FWInfo{}) {
		info = firmware.DefaultInfo
		info.VIIFormat = viiFormatCode(cfg.Firmware.VIIFormat)
	}
	d.fw = firmware.New(firmware.Options{
		Log:       log,
		Pool:      d.pool,
		Mailboxes: d.mailboxes,
		IIF:       d.iif,
		Info:      info,
		Execute:   opts.Execute,
	})

	d.telemetry, err = newTelemetry(d.pool, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	d.wd = newWatchdog(d, cfg.Watchdog)

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.registerReverseHandlers()
	d.kci.Start(d.ctx)
	if d.ikv != nil {
		d.ikv.Start(d.ctx)
	}
	log.WithFields(logrus.Fields{"ikv": d.UseIKV(), "mailboxes": cfg.Mailboxes.Count}).Debug("device created")
	return d, nil
}

func viiFormatCode(name string) uint32 {
	switch name {
	case "litebuf":
		return kci.VIIFormatLitebuf
	case "flatbuffer":
		return kci.VIIFormatFlatbuffer
	default:
		return kci.VIIFormatUnknown
	}
}

// Close releases every client, powers the device down and stops the workers
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error
	for _, c := range d.clientList() {
		if err := c.Release(); err != nil && !errors.Is(err, ErrClientReleased) {
			result = multierror.Append(result, err)
		}
	}

	d.stateMu.Lock()
	d.setState(StateShutdown)
	d.stateMu.Unlock()

	d.wd.stop()
	d.wd.wait()
	if d.ikv != nil {
		if err := d.ikv.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := d.kci.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	d.fw.Stop()
	d.telemetry.free()
	d.cancel()
	d.log.Debug("device closed")
	return result.ErrorOrNil()
}

// Name returns the configured device name
func (d *Device) Name() string { return d.name }

// Config returns the configuration the device was built with
func (d *Device) Config() *config.Device { return d.cfg }

// Firmware returns the simulated firmware, for fault injection
func (d *Device) Firmware() *firmware.Firmware { return d.fw }

// Metrics returns the device collectors
func (d *Device) Metrics() *metrics.Metrics { return d.metrics }

// Power returns the device power manager
func (d *Device) Power() *power.Manager { return d.pm }

// IIF returns the inter-IP fence manager shared with the firmware
func (d *Device) IIF() *fence.IIFManager { return d.iif }

// UseIKV reports whether VII commands go through the in-kernel VII
func (d *Device) UseIKV() bool { return d.ikv != nil }

// State returns the firmware state
func (d *Device) State() State { return State(d.state.Load()) }

// VIIFormat returns the VII packet format reported by the firmware
func (d *Device) VIIFormat() vii.Format { return vii.Format(d.format.Load()) }

// FirmwareCrashes returns the number of unrecoverable firmware crashes
func (d *Device) FirmwareCrashes() uint64 { return d.crashes.Load() }

// WatchdogTimeouts returns the number of watchdog escalations
func (d *Device) WatchdogTimeouts() uint64 { return d.watchdogTimeouts.Load() }

// FirmwareInfo returns the record of the last successful handshake
func (d *Device) FirmwareInfo() (kci.FWInfo, bool) {
	info := d.fwInfo.Load()
	if info == nil {
		return kci.FWInfo{}, false
	}
	return *info, true
}

func (d *Device) setState(s State) {
	if old := State(d.state.Swap(int32(s))); old != s {
		d.log.WithFields(logrus.Fields{"from": old, "to": s}).Debug("firmware state")
	}
}

func (d *Device) ikvMailbox() *mailbox.Mailbox {
	if d.ikv == nil {
		return nil
	}
	return d.ikv.Mailbox()
}

// powerUp is the first-reference hook of the power manager
func (d *Device) powerUp(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.State() == StateShutdown {
		return StateShutdown.Err()
	}
	return d.runFirmwareLocked(ctx)
}

// powerDown is the last-reference hook of the power manager
func (d *Device) powerDown(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	d.wd.stop()
	if d.State() == StateGood {
		if err := d.kci.UpdateUsage(ctx); err != nil {
			d.log.WithError(err).Warn("final usage update failed")
		}
		if err := d.kci.Shutdown(ctx); err != nil {
			d.log.WithError(err).Warn("firmware shutdown failed")
		}
	}
	d.fw.Stop()
	d.kci.Reset()
	if d.ikv != nil {
		d.ikv.Reset()
	}
	if d.State() != StateShutdown {
		d.setState(StateNoFW)
	}
	return nil
}

// runFirmwareLocked boots the firmware and runs the handshake, retrying with
// backoff. stateMu must be held.
func (d *Device) runFirmwareLocked(ctx context.Context) error {
	d.wd.stop()
	d.setState(StateFWLoading)
	d.fw.Stop()
	d.kci.Reset()
	if d.ikv != nil {
		d.ikv.Reset()
	}

	var (
		info      *kci.FWInfo
		handshake bool
	)
	boot := func() error {
		handshake = false
		if err := d.fw.Boot(d.ctx, d.kci.Mailbox(), d.ikvMailbox()); err != nil {
			return err
		}
		handshake = true
		var err error
		if info, err = d.kci.FWInfo(ctx); err != nil {
			d.fw.Stop()
			d.kci.Reset()
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.Firmware.BootRetries)), ctx)
	err := backoff.RetryNotify(boot, policy, func(err error, next time.Duration) {
		d.log.WithError(err).WithField("retry_in", next).Warn("firmware run failed, retrying")
	})
	if err != nil {
		if handshake {
			d.setState(StateBad)
		} else {
			d.setState(StateNoFW)
		}
		d.log.WithError(err).Error("firmware run failed")
		return driver.NewErrorWithCause(driver.ErrnoOf(err), "run firmware", err)
	}

	d.fwInfo.Store(info)
	format := vii.Format(info.VIIFormat)
	d.format.Store(uint32(format))
	if d.ikv != nil {
		d.ikv.SetFormat(format)
	}
	if props := d.properties(); props != nil {
		if err := d.kci.SetDeviceProperties(ctx, props); err != nil {
			d.log.WithError(err).Warn("set device properties failed")
		}
	}
	if err := d.telemetry.mapBuffers(ctx, d.kci); err != nil {
		d.log.WithError(err).Warn("telemetry buffers not mapped")
	}
	d.setState(StateGood)
	d.log.WithFields(logrus.Fields{
		"version": info.Major,
		"minor":   info.Minor,
		"kci":     info.KCIVersion,
		"vii":     format,
		"cl":      info.Changelist,
	}).Info("firmware handshake done")

	d.restoreGroups(ctx)
	d.wd.start()
	return nil
}

// ensureFirmware reloads the firmware if a crash or failed boot left it unusable
func (d *Device) ensureFirmware(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	switch s := d.State(); s {
	case StateGood:
		return nil
	case StateBad, StateNoFW:
		return d.runFirmwareLocked(ctx)
	default:
		return s.Err()
	}
}

// pmGet takes a power reference and makes sure the firmware is usable
func (d *Device) pmGet(ctx context.Context) error {
	if err := d.pm.Get(ctx); err != nil {
		return err
	}
	if err := d.ensureFirmware(ctx); err != nil {
		d.pm.Put(ctx)
		return err
	}
	return nil
}

// probeFormat learns the VII format from the firmware the first time a
// client opens the device
func (d *Device) probeFormat(ctx context.Context) error {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()
	if d.VIIFormat() != vii.FormatUnknown {
		return nil
	}
	if err := d.pmGet(ctx); err != nil {
		d.log.WithError(err).Error("failed to load firmware to read the vii format")
		return err
	}
	d.pm.Put(ctx)
	return nil
}

func (d *Device) properties() *driver.DeviceProperties {
	d.propsMu.Lock()
	defer d.propsMu.Unlock()
	return d.props
}

// setProperties stores the opaque properties blob pushed at every boot. It can
// only be set once.
func (d *Device) setProperties(ctx context.Context, props driver.DeviceProperties) error {
	d.propsMu.Lock()
	if d.props != nil {
		d.propsMu.Unlock()
		return driver.NewError(unix.EEXIST, "device properties already set")
	}
	d.props = &props
	d.propsMu.Unlock()

	if err := d.pm.GetIfPowered(); err != nil {
		return nil
	}
	defer d.pm.Put(ctx)
	if d.State() == StateGood {
		return d.kci.SetDeviceProperties(ctx, &props)
	}
	return nil
}

func (d *Device) clientList() []*Client {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	out := make([]*Client, 0, len(d.clients))
	for c := range d.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (d *Device) wakeLockHolders() int {
	n := 0
	for _, c := range d.clientList() {
		if c.wakelock.Count() > 0 {
			n++
		}
	}
	return n
}
