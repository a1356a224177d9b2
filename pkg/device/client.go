package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/fence"
	"github.com/emergingrobotics/go-edgetpu/pkg/power"
	"github.com/emergingrobotics/go-edgetpu/pkg/usermem"
)

// Memory is the address space of the process driving a client
type Memory interface {
	usermem.IO
	usermem.Pinner
}

// Caller identifies the process issuing an operation
type Caller struct {
	PID  int32
	TGID int32
}

type callerKey struct{}

// WithCaller attaches the calling process to ctx. The fd may be handed
// between processes, so the wake-lock acquire path records it.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// OpenOptions describes the opener of a client
type OpenOptions struct {
	Writable bool
	// Privileged callers may map the full CSR window and external mailboxes
	Privileged bool
	Caller     Caller
	Memory     Memory
	// Files is the caller's descriptor table for sync-file and dma-buf fds
	Files *fence.Table
}

// Client is one open file of the device
type Client struct {
	d          *Device
	id         uuid.UUID
	seq        uint64
	log        *logrus.Entry
	writable   bool
	privileged bool
	mem        Memory
	files      *fence.Table

	pid  atomic.Int32
	tgid atomic.Int32

	groupMu  sync.Mutex
	group    *Group
	wakelock *power.WakeLock

	perdieMu sync.Mutex
	perdie   uint32

	released atomic.Bool
}

// Open creates a client. The first open learns the VII format from the
// firmware; failing to do so is not fatal.
func (d *Device) Open(ctx context.Context, opts OpenOptions) (*Client, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if opts.Memory == nil {
		opts.Memory = usermem.NewArena()
	}
	if opts.Files == nil {
		opts.Files = fence.NewTable()
	}
	c := &Client{
		d:          d,
		id:         uuid.New(),
		seq:        d.clientSeq.Add(1),
		writable:   opts.Writable,
		privileged: opts.Privileged,
		mem:        opts.Memory,
		files:      opts.Files,
		wakelock:   power.NewWakeLock(d.clock),
	}
	c.pid.Store(opts.Caller.PID)
	c.tgid.Store(opts.Caller.TGID)
	c.log = d.log.WithFields(logrus.Fields{
		"client": c.id.String(),
		"pid":    opts.Caller.PID,
		"tgid":   opts.Caller.TGID,
	})

	if err := d.probeFormat(ctx); err != nil {
		c.log.WithError(err).Warn("vii format unknown")
	}

	d.clientsMu.Lock()
	d.clients[c] = struct{}{}
	d.clientsMu.Unlock()
	c.log.Debug("client opened")
	return c, nil
}

// ID returns the client's identity in logs and debug views
func (c *Client) ID() uuid.UUID { return c.id }

// Device returns the device the client was opened on
func (c *Client) Device() *Device { return c.d }

// Files returns the descriptor table of the client's process
func (c *Client) Files() *fence.Table { return c.files }

// Memory returns the client's address space
func (c *Client) Memory() Memory { return c.mem }

// PID returns the process id recorded at open or at the last wake-lock acquire
func (c *Client) PID() int32 { return c.pid.Load() }

// TGID returns the thread group id recorded with PID
func (c *Client) TGID() int32 { return c.tgid.Load() }

// WakeLock returns the client's wake-lock
func (c *Client) WakeLock() *power.WakeLock { return c.wakelock }

// Group returns the group the client leads, or nil
func (c *Client) Group() *Group {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	return c.group
}

// Release is the last close of the client's file. It leaves the group, which
// returns any external mailboxes, unregisters per-die events, and drops every
// wake-lock reference the client still holds.
func (c *Client) Release() error {
	if !c.released.CompareAndSwap(false, true) {
		return ErrClientReleased
	}
	ctx := context.Background()
	d := c.d

	inaccessible := c.wakelock.Count() > 0 && !d.pm.Powered()
	c.groupMu.Lock()
	if g := c.group; g != nil {
		if inaccessible {
			g.mu.Lock()
			g.devInaccessible = true
			g.mu.Unlock()
		}
		g.release(ctx)
		c.group = nil
	}
	c.groupMu.Unlock()

	c.unsetPerdieEvents()

	n := c.wakelock.ForceRelease()
	for i := 0; i < n; i++ {
		d.pm.Put(ctx)
	}

	d.clientsMu.Lock()
	delete(d.clients, c)
	d.clientsMu.Unlock()
	c.log.WithField("wakelock", n).Debug("client released")
	return nil
}

// createGroup makes the client the leader of a new group
func (c *Client) createGroup(attr driver.MailboxAttr) error {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.group != nil {
		return driver.NewError(unix.EINVAL, "client already in a group")
	}
	g, err := c.d.createGroup(c, attr)
	if err != nil {
		return err
	}
	c.group = g
	return nil
}

// finalizeGroup commits the client's group. No group is not an error.
func (c *Client) finalizeGroup(ctx context.Context) error {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.group == nil {
		return nil
	}
	held := c.wakelock.Lock()
	defer c.wakelock.Unlock()
	return c.group.finalize(ctx, held > 0)
}

// AcquireWakeLock takes a power reference for the client. The 0 to 1
// transition opens the group's mailbox on the firmware.
func (c *Client) AcquireWakeLock(ctx context.Context) error {
	d := c.d
	if d.pm.Thermal().Suspended() {
		c.log.Warn("wakelock acquire rejected due to thermal suspend")
		return driver.NewError(unix.EAGAIN, "thermal suspended")
	}
	if err := d.pmGet(ctx); err != nil {
		c.log.WithError(err).Warn("pm get failed")
		return err
	}

	c.groupMu.Lock()
	if caller, ok := callerFrom(ctx); ok {
		c.pid.Store(caller.PID)
		c.tgid.Store(caller.TGID)
	}
	c.wakelock.Lock()
	var err error
	if prev := c.wakelock.Acquire(); prev == 0 && c.group != nil {
		if err = c.group.attachAndOpen(ctx); err != nil {
			c.log.WithError(err).Error("failed to attach mailbox")
			c.wakelock.Release()
		}
	}
	c.wakelock.Unlock()
	c.groupMu.Unlock()

	if err != nil {
		d.pm.Put(ctx)
		return err
	}
	return nil
}

// ReleaseWakeLock drops one power reference. The 1 to 0 transition closes
// the group's mailbox on the firmware.
func (c *Client) ReleaseWakeLock(ctx context.Context) error {
	c.groupMu.Lock()
	c.wakelock.Lock()
	count, err := c.wakelock.Release()
	if err != nil {
		c.wakelock.Unlock()
		c.groupMu.Unlock()
		c.log.WithError(err).Warn("wakelock release failed")
		return err
	}
	if count == 0 && c.group != nil {
		c.group.closeAndDetach(ctx)
	}
	c.wakelock.Unlock()
	c.groupMu.Unlock()

	c.d.pm.Put(ctx)
	return nil
}

// setPerdieEvent registers the device-wide telemetry eventfd for id
func (c *Client) setPerdieEvent(id uint32, fd int) error {
	kind, ok := perdieKind(id)
	if !ok {
		return driver.Errorf(unix.EINVAL, "per-die event %#x", id)
	}
	c.perdieMu.Lock()
	c.perdie |= 1 << kind
	c.perdieMu.Unlock()
	return c.d.telemetry.setEvent(kind, fd)
}

func (c *Client) unsetPerdieEvent(id uint32) error {
	kind, ok := perdieKind(id)
	if !ok {
		return driver.Errorf(unix.EINVAL, "per-die event %#x", id)
	}
	c.perdieMu.Lock()
	c.perdie &^= 1 << kind
	c.perdieMu.Unlock()
	c.d.telemetry.unsetEvent(kind)
	return nil
}

func (c *Client) unsetPerdieEvents() {
	c.perdieMu.Lock()
	bits := c.perdie
	c.perdie = 0
	c.perdieMu.Unlock()
	for _, kind := range []telemetryKind{telemetryLog, telemetryTrace} {
		if bits&(1<<kind) != 0 {
			c.d.telemetry.unsetEvent(kind)
		}
	}
}

func perdieKind(id uint32) (telemetryKind, bool) {
	switch id {
	case driver.PerdieEventLogsAvailable:
		return telemetryLog, true
	case driver.PerdieEventTracesAvailable:
		return telemetryTrace, true
	}
	return 0, false
}
