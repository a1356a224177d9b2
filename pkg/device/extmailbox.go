package device

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
)

// extMailbox is a set of mailboxes lent to a group for a peer IP block
type extMailbox struct {
	typ   uint32
	boxes []*mailbox.Mailbox
}

func (e *extMailbox) mailboxMap() uint32 {
	var m uint32
	for _, mb := range e.boxes {
		m |= 1 << uint(mb.ID)
	}
	return m
}

// claimExt reserves typ for g. extMu is a leaf lock.
func (d *Device) claimExt(typ uint32, g *Group) error {
	d.extMu.Lock()
	defer d.extMu.Unlock()
	if owner := d.extOwner[typ]; owner != nil {
		return driver.Errorf(unix.EBUSY, "external mailbox type %d in use by group %d", typ, owner.workloadID)
	}
	d.extOwner[typ] = g
	return nil
}

func (d *Device) unclaimExt(typ uint32, g *Group) {
	d.extMu.Lock()
	defer d.extMu.Unlock()
	if d.extOwner[typ] == g {
		delete(d.extOwner, typ)
	}
}

func (d *Device) extOwnerOf(typ uint32) *Group {
	d.extMu.Lock()
	defer d.extMu.Unlock()
	return d.extOwner[typ]
}

// checkExtArgs validates the type against the configured external ranges
func (d *Device) checkExtArgs(args driver.ExtMailboxIoctl) error {
	if d.UseIKV() {
		return driver.NewError(unix.EOPNOTSUPP, "external mailboxes disabled by in-kernel VII")
	}
	_, err := d.mailboxes.ExternalRange(args.Type)
	return err
}

// acquireExtMailbox lends args.Count mailboxes of args.Type to the client's
// group. The client must hold its wake-lock for as long as it keeps them.
func (c *Client) acquireExtMailbox(ctx context.Context, args driver.ExtMailboxIoctl) error {
	d := c.d
	if err := d.checkExtArgs(args); err != nil {
		return err
	}
	if args.Count == 0 || args.Count > driver.MaxNumDevicesInGroup {
		return driver.Errorf(unix.EINVAL, "bad external mailbox count %d", args.Count)
	}
	attrs, err := c.readMailboxAttrs(args.Attrs, int(args.Count))
	if err != nil {
		return err
	}

	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	g := c.group
	if g == nil {
		return driver.NewError(unix.EINVAL, "no group")
	}
	if c.wakelock.Lock() == 0 {
		c.wakelock.Unlock()
		return driver.NewError(unix.EAGAIN, "external mailbox requires a wakelock")
	}
	defer c.wakelock.Unlock()

	if err := d.claimExt(args.Type, g); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.openExtLocked(ctx, args.Type, attrs[0], int(args.Count)); err != nil {
		d.unclaimExt(args.Type, g)
		return err
	}
	g.log.WithField("type", args.Type).WithField("count", args.Count).Debug("external mailbox acquired")
	return nil
}

// openExtLocked allocates the external mailboxes and opens them on the firmware
func (g *Group) openExtLocked(ctx context.Context, typ uint32, attr driver.MailboxAttr, count int) error {
	if !g.finalizedLocked() {
		return g.errnoLocked()
	}
	if g.ext != nil {
		return driver.NewError(unix.EBUSY, "group already holds external mailboxes")
	}
	boxes, err := g.d.mailboxes.AllocExternal(typ, count, attr)
	if err != nil {
		return err
	}
	ext := &extMailbox{typ: typ, boxes: boxes}
	if err := g.d.kci.OpenDevice(ctx, ext.mailboxMap(), g.clientPriv(), int16(g.vcid), false); err != nil {
		g.d.freeExt(ext, false)
		return err
	}
	for _, mb := range boxes {
		mb.Enable()
	}
	g.ext = ext
	return nil
}

// readMailboxAttrs copies count attributes from user space. The external
// mailboxes all take the geometry of the first one.
func (c *Client) readMailboxAttrs(addr uint64, count int) ([]driver.MailboxAttr, error) {
	if addr == 0 {
		return nil, driver.NewError(unix.EINVAL, "no mailbox attributes")
	}
	buf := make([]byte, count*driver.SizeOfMailboxAttr)
	if err := c.mem.CopyIn(addr, buf); err != nil {
		return nil, driver.NewErrorWithCause(unix.EFAULT, "mailbox attributes", err)
	}
	attrs := make([]driver.MailboxAttr, count)
	for i := range attrs {
		attrs[i].Decode(buf[i*driver.SizeOfMailboxAttr:])
	}
	return attrs, nil
}

// releaseExtMailbox returns the group's external mailboxes of args.Type.
// Releasing a type nobody holds succeeds.
func (c *Client) releaseExtMailbox(ctx context.Context, args driver.ExtMailboxIoctl) error {
	d := c.d
	if err := d.checkExtArgs(args); err != nil {
		return err
	}

	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	owner := d.extOwnerOf(args.Type)
	if owner == nil {
		c.log.WithField("type", args.Type).Warn("external mailbox already released")
		return nil
	}
	if owner != c.group {
		return driver.Errorf(unix.EBUSY, "external mailbox type %d owned by group %d", args.Type, owner.workloadID)
	}
	owner.mu.Lock()
	defer owner.mu.Unlock()
	owner.closeExtLocked(ctx)
	return nil
}

// closeExtLocked closes the external mailboxes on the firmware, when it is
// reachable, and returns them to the pool
func (g *Group) closeExtLocked(ctx context.Context) {
	ext := g.ext
	if ext == nil {
		return
	}
	g.ext = nil
	if !g.devInaccessible {
		if err := g.d.kci.CloseDevice(ctx, ext.mailboxMap()); err != nil {
			g.log.WithError(err).Warn("failed to close external mailbox on firmware")
		}
	}
	g.d.freeExt(ext, g.devInaccessible)
	g.d.unclaimExt(ext.typ, g)
}

// reopenExtLocked opens the external mailboxes again after a firmware restart
func (g *Group) reopenExtLocked(ctx context.Context) {
	if g.ext == nil {
		return
	}
	if err := g.d.kci.OpenDevice(ctx, g.ext.mailboxMap(), g.clientPriv(), int16(g.vcid), false); err != nil {
		g.log.WithError(err).Warn("failed to reopen external mailbox after firmware restart")
	}
}

func (d *Device) freeExt(ext *extMailbox, skipCSR bool) {
	for _, mb := range ext.boxes {
		if !skipCSR {
			mb.Disable()
		}
		d.mailboxes.Release(mb, skipCSR)
	}
}

// ExternalMailbox returns the mailbox backing the EXT mmap windows, nil when
// the group holds none
func (g *Group) ExternalMailbox() *mailbox.Mailbox {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ext == nil || len(g.ext.boxes) == 0 {
		return nil
	}
	return g.ext.boxes[0]
}
