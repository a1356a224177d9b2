package device

import (
	"context"
	"math/bits"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/ikv"
	"github.com/emergingrobotics/go-edgetpu/pkg/iommu"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
	"github.com/emergingrobotics/go-edgetpu/pkg/mapping"
)

// GroupStatus is the lifecycle state of a device group
type GroupStatus int

const (
	GroupWaiting GroupStatus = iota
	GroupFinalized
	GroupErrored
	GroupDisbanded
)

func (s GroupStatus) String() string {
	switch s {
	case GroupWaiting:
		return "waiting"
	case GroupFinalized:
		return "finalized"
	case GroupErrored:
		return "errored"
	case GroupDisbanded:
		return "disbanded"
	default:
		return "unknown"
	}
}

// Group is a cohort of clients sharing an IOMMU domain, a VCID and a mailbox
// attachment. The leader is its only member.
type Group struct {
	d          *Device
	workloadID uint32
	vcid       uint32
	attr       driver.MailboxAttr
	detachable bool
	log        *logrus.Entry

	mu              sync.Mutex
	leader          *Client
	status          GroupStatus
	fatalErrors     uint32
	devInaccessible bool
	domain          *iommu.Domain
	attached        bool
	// activated is set by the first successful open on firmware and never cleared
	activated bool
	opened    bool
	vii       *mailbox.Mailbox
	ext       *extMailbox
	ikvClient *ikv.Client

	mappings *mapping.Registry
	dmabufs  *mapping.Registry

	eventsMu sync.RWMutex
	events   [driver.NumEvents]*Eventfd
}

// WorkloadID returns the monotonic id the group was created with
func (g *Group) WorkloadID() uint32 { return g.workloadID }

// VCID returns the virtual context id of the group
func (g *Group) VCID() uint32 { return g.vcid }

// Status returns the lifecycle state
func (g *Group) Status() GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// FatalErrors returns the accumulated fatal error bits
func (g *Group) FatalErrors() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fatalErrors
}

// PASID returns the PASID of the group's domain, iommu.PASIDInvalid when detached
func (g *Group) PASID() uint32 { return g.domain.PASID() }

// Mappings returns the buffer mapping registry
func (g *Group) Mappings() *mapping.Registry { return g.mappings }

// clientID is the id the firmware knows the group's virtual mailbox by
func (g *Group) clientID() uint32 {
	return kci.ClientID(0, 0, g.domain.PASID())
}

// errnoLocked is the error returned to an operation that needs a finalized group
func (g *Group) errnoLocked() error {
	if g.status == GroupErrored {
		return driver.Errorf(unix.ECANCELED, "group %d errored with %#x", g.workloadID, g.fatalErrors)
	}
	return driver.Errorf(unix.EINVAL, "group %d is %s", g.workloadID, g.status)
}

func (g *Group) finalizedLocked() bool { return g.status == GroupFinalized }

func (g *Group) clientPriv() uint32 {
	if g.attr.ClientPriv {
		return 1
	}
	return 0
}

// createGroup makes c the leader of a new group
func (d *Device) createGroup(c *Client, attr driver.MailboxAttr) (*Group, error) {
	if err := mailbox.ValidateAttr(attr); err != nil {
		return nil, err
	}

	d.groupsMu.Lock()
	vcid, err := d.allocVCIDLocked(attr.PartitionType)
	if err != nil {
		d.groupsMu.Unlock()
		return nil, err
	}
	d.nextWorkload++
	g := &Group{
		d:          d,
		workloadID: d.nextWorkload,
		vcid:       vcid,
		attr:       attr,
		detachable: attr.Detachable() && !d.UseIKV(),
		leader:     c,
		domain:     d.mmu.AllocDomain(),
		mappings:   mapping.NewRegistry(),
		dmabufs:    mapping.NewRegistry(),
	}
	g.log = d.log.WithFields(logrus.Fields{"group": g.workloadID, "vcid": vcid})
	d.groups = append(d.groups, g)
	d.groupsMu.Unlock()

	g.log.WithField("detachable", g.detachable).Debug("group created")
	return g, nil
}

// allocVCIDLocked picks the lowest free VCID of the partition the attribute
// asks for. groupsMu must be held.
func (d *Device) allocVCIDLocked(partition uint8) (uint32, error) {
	var avail uint32
	switch {
	case partition&2 != 0:
		avail = d.vcidPool & 2
	case partition&1 != 0:
		avail = d.vcidPool & 1
	default:
		avail = d.vcidPool &^ 3
	}
	if avail == 0 {
		return 0, driver.Errorf(unix.EBUSY, "no free vcid for partition %d", partition)
	}
	vcid := uint32(bits.TrailingZeros32(avail))
	d.vcidPool &^= 1 << vcid
	return vcid, nil
}

func (d *Device) freeGroup(g *Group) {
	d.groupsMu.Lock()
	defer d.groupsMu.Unlock()
	for i, other := range d.groups {
		if other == g {
			d.groups = append(d.groups[:i], d.groups[i+1:]...)
			break
		}
	}
	d.vcidPool |= 1 << g.vcid
}

// Groups returns a snapshot of the live groups
func (d *Device) Groups() []*Group {
	d.groupsMu.Lock()
	defer d.groupsMu.Unlock()
	return append([]*Group(nil), d.groups...)
}

func (d *Device) groupByPASID(pasid uint32) *Group {
	for _, g := range d.Groups() {
		if g.domain.PASID() == pasid {
			return g
		}
	}
	return nil
}

func (d *Device) groupByVCID(vcid uint32) *Group {
	for _, g := range d.Groups() {
		if g.vcid == vcid {
			return g
		}
	}
	return nil
}

// finalize commits the group's resources. The caller holds the leader's
// wake-lock lock; wakelockHeld says whether its count is non-zero.
func (g *Group) finalize(ctx context.Context, wakelockHeld bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.status {
	case GroupFinalized, GroupErrored:
		return nil
	case GroupWaiting:
	default:
		return g.errnoLocked()
	}

	if !g.detachable {
		if err := g.d.mmu.Attach(g.domain); err != nil {
			return err
		}
	}
	if wakelockHeld {
		if err := g.attachMailboxLocked(); err != nil {
			g.detachDomainLocked()
			return err
		}
		if err := g.activateLocked(ctx); err != nil {
			g.detachMailboxLocked()
			g.detachDomainLocked()
			return err
		}
	}
	if g.d.ikv != nil {
		g.ikvClient = g.d.ikv.NewClient(g.clientID(), func() { g.notify(driver.EventRespData) })
	}
	g.status = GroupFinalized
	g.log.WithField("pasid", g.domain.PASID()).Debug("group finalized")
	return nil
}

func (g *Group) detachDomainLocked() {
	if !g.detachable {
		g.d.mmu.Detach(g.domain)
	}
}

// attachMailboxLocked binds the hardware resources a running group needs
func (g *Group) attachMailboxLocked() error {
	if g.attached {
		return nil
	}
	if g.detachable {
		if err := g.d.mmu.Attach(g.domain); err != nil {
			return err
		}
	}
	if !g.d.UseIKV() {
		mb, err := g.d.mailboxes.AllocVII(g.attr)
		if err != nil {
			if g.detachable {
				g.d.mmu.Detach(g.domain)
			}
			return err
		}
		g.vii = mb
	}
	g.attached = true
	return nil
}

func (g *Group) detachMailboxLocked() {
	if !g.attached {
		return
	}
	if g.vii != nil {
		g.d.mailboxes.Release(g.vii, g.devInaccessible)
		g.vii = nil
	}
	if g.detachable {
		g.d.mmu.Detach(g.domain)
	}
	g.attached = false
}

// activateLocked opens the group's mailbox on the firmware
func (g *Group) activateLocked(ctx context.Context) error {
	if !g.attached || g.opened {
		return nil
	}
	firstOpen := !g.activated
	var err error
	if g.d.UseIKV() {
		err = g.d.kci.AllocateVMBox(ctx, g.clientID(), 0, firstOpen, true)
	} else {
		err = g.d.kci.OpenDevice(ctx, 1<<uint(g.vii.ID), g.clientPriv(), int16(g.vcid), firstOpen)
		if err == nil {
			g.vii.Enable()
		}
	}
	if err != nil {
		g.log.WithError(err).Error("failed to open mailbox on firmware")
		return err
	}
	g.activated = true
	g.opened = true
	return nil
}

// deactivateLocked closes the group's mailbox on the firmware
func (g *Group) deactivateLocked(ctx context.Context) {
	if !g.opened {
		return
	}
	g.opened = false
	var err error
	if g.d.UseIKV() {
		err = g.d.kci.ReleaseVMBox(ctx, g.clientID())
	} else {
		if !g.devInaccessible {
			g.vii.Disable()
		}
		err = g.d.kci.CloseDevice(ctx, 1<<uint(g.vii.ID))
	}
	if err != nil {
		g.log.WithError(err).Warn("failed to close mailbox on firmware")
	}
}

// attachAndOpen runs on the leader's first wake-lock reference
func (g *Group) attachAndOpen(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.finalizedLocked() {
		return nil
	}
	if err := g.attachMailboxLocked(); err != nil {
		return err
	}
	if err := g.activateLocked(ctx); err != nil {
		g.detachMailboxLocked()
		return err
	}
	return nil
}

// closeAndDetach runs when the leader drops its last wake-lock reference
func (g *Group) closeAndDetach(ctx context.Context) {
	g.mu.Lock()
	if !g.finalizedLocked() && g.status != GroupErrored {
		g.mu.Unlock()
		return
	}
	g.closeExtLocked(ctx)
	g.deactivateLocked(ctx)
	g.mu.Unlock()

	// reverse handlers take g.mu
	g.d.kci.FlushReverse()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detachable {
		g.detachMailboxLocked()
	}
}

// reopenLocked restores the firmware-side state of an open group after a
// firmware restart
func (g *Group) reopenLocked(ctx context.Context) {
	if !g.opened {
		return
	}
	g.opened = false
	if err := g.activateLocked(ctx); err != nil {
		g.log.WithError(err).Warn("failed to reopen group after firmware restart")
		return
	}
	g.reopenExtLocked(ctx)
}

// restoreGroups reopens every group the firmware knew before it restarted
func (d *Device) restoreGroups(ctx context.Context) {
	for _, g := range d.Groups() {
		g.mu.Lock()
		if g.status != GroupDisbanded {
			g.reopenLocked(ctx)
		}
		g.mu.Unlock()
	}
}

// release tears the group down. The caller is the leader leaving.
func (g *Group) release(ctx context.Context) {
	g.clearEvents()

	g.mu.Lock()
	if g.status == GroupFinalized || g.status == GroupErrored {
		if g.ikvClient != nil {
			g.ikvClient.StopFenceWaits()
		}
		g.d.kci.UpdateUsageAsync()
		g.closeExtLocked(ctx)
		if !g.devInaccessible {
			g.deactivateLocked(ctx)
		}
		g.opened = false
		if g.ikvClient != nil {
			g.ikvClient.Close(g.fatalErrors)
			g.ikvClient = nil
		}
		g.mappings.Clear()
		g.dmabufs.Clear()
		g.detachMailboxLocked()
	}
	g.d.fences.GroupShutdown(g.workloadID)
	g.status = GroupDisbanded
	g.leader = nil
	g.mu.Unlock()

	g.d.mmu.FreeDomain(g.domain)
	g.d.freeGroup(g)
	g.log.Debug("group disbanded")
}

// fatalErrorNotify records errs on the group and tells user space
func (g *Group) fatalErrorNotify(errs uint32) {
	g.mu.Lock()
	if g.status == GroupFinalized {
		g.status = GroupErrored
	}
	g.fatalErrors |= errs
	if errs&(driver.ErrorFWCrash|driver.ErrorWatchdogTimeout) != 0 && g.ikvClient != nil {
		g.ikvClient.Cancel(g.fatalErrors)
	}
	g.mu.Unlock()

	g.log.WithField("errors", errs).Error("group fatal error")
	g.notify(driver.EventFatalError)
}

// fatalErrorNotify broadcasts errs to every group that may have been using
// the firmware
func (d *Device) fatalErrorNotify(errs uint32) {
	var groups []*Group
	for _, g := range d.Groups() {
		if g.Status() != GroupDisbanded {
			groups = append(groups, g)
		}
	}
	if d.ikv != nil && d.State() != StateGood {
		d.ikv.FlushResponses()
	}
	for _, g := range groups {
		g.fatalErrorNotify(errs)
	}
}

// setEvent registers an eventfd for one of the group's events
func (g *Group) setEvent(id uint32, fd int) error {
	if id >= driver.NumEvents {
		return driver.Errorf(unix.EINVAL, "event id %d", id)
	}
	ev, err := NewEventfd(fd)
	if err != nil {
		return err
	}
	g.eventsMu.Lock()
	old := g.events[id]
	g.events[id] = ev
	g.eventsMu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (g *Group) unsetEvent(id uint32) {
	if id >= driver.NumEvents {
		return
	}
	g.eventsMu.Lock()
	old := g.events[id]
	g.events[id] = nil
	g.eventsMu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (g *Group) clearEvents() {
	for id := uint32(0); id < driver.NumEvents; id++ {
		g.unsetEvent(id)
	}
}

// notify signals the eventfd registered for id, if any
func (g *Group) notify(id uint32) {
	g.eventsMu.RLock()
	defer g.eventsMu.RUnlock()
	if ev := g.events[id]; ev != nil {
		if err := ev.Signal(); err != nil {
			g.log.WithError(err).WithField("event", id).Warn("eventfd signal failed")
		}
	}
}
