package device

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// Attribute files of a device. The debug views carry a "debug/" prefix.
const (
	AttrFirmwareCrashCount   = "firmware_crash_count"
	AttrWatchdogTimeoutCount = "watchdog_timeout_count"
	AttrClients              = "clients"
	AttrGroups               = "groups"
	AttrFirmwareState        = "firmware_state"
	AttrMappings             = "debug/mappings"
	AttrSyncFences           = "debug/syncfences"
	AttrMailboxes            = "debug/mailboxes"
	AttrWakeLock             = "debug/wakelock"
)

// Attrs lists the readable attributes
func Attrs() []string {
	return []string{
		AttrFirmwareCrashCount,
		AttrWatchdogTimeoutCount,
		AttrClients,
		AttrGroups,
		AttrFirmwareState,
		AttrMappings,
		AttrSyncFences,
		AttrMailboxes,
	}
}

// ShowAttr renders attribute name into w
func (d *Device) ShowAttr(w io.Writer, name string) error {
	switch name {
	case AttrFirmwareCrashCount:
		fmt.Fprintf(w, "%d\n", d.crashes.Load())
	case AttrWatchdogTimeoutCount:
		fmt.Fprintf(w, "%d\n", d.watchdogTimeouts.Load())
	case AttrClients:
		d.showClients(w)
	case AttrGroups:
		for _, g := range d.Groups() {
			g.show(w)
		}
	case AttrFirmwareState:
		fmt.Fprintf(w, "%s\n", d.State())
	case AttrMappings:
		for _, g := range d.Groups() {
			g.showMappings(w)
		}
		fmt.Fprintf(w, "%s\n", d.pool)
	case AttrSyncFences:
		d.fences.Show(w)
	case AttrMailboxes:
		d.mailboxes.Show(w)
	case AttrWakeLock:
		return driver.Errorf(unix.EACCES, "%s is write-only", name)
	default:
		return driver.Errorf(unix.ENOENT, "no attribute %q", name)
	}
	return nil
}

// Attr returns attribute name as a string
func (d *Device) Attr(name string) (string, error) {
	var b strings.Builder
	if err := d.ShowAttr(&b, name); err != nil {
		return "", err
	}
	return b.String(), nil
}

// StoreAttr writes value to a writable attribute. Writing a non-zero number
// to the wakelock view takes a device power reference; zero drops one.
func (d *Device) StoreAttr(ctx context.Context, name, value string) error {
	if name != AttrWakeLock {
		return driver.Errorf(unix.EACCES, "%s is read-only", name)
	}
	val, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
	if err != nil {
		return driver.NewErrorWithCause(unix.EINVAL, "wakelock value", err)
	}
	if val != 0 {
		return d.pmGet(ctx)
	}
	d.pm.Put(ctx)
	return nil
}

func (d *Device) showClients(w io.Writer) {
	for _, c := range d.clientList() {
		c.groupMu.Lock()
		group := int64(-1)
		if c.group != nil {
			group = int64(c.group.workloadID)
		}
		count := c.wakelock.Count()
		total, current := c.wakelock.Times()
		fmt.Fprintf(w, "pid %d tgid %d group %d wakelock %d %d %d\n",
			c.PID(), c.TGID(), group, count,
			int64(total.Seconds()), int64(current.Seconds()))
		c.groupMu.Unlock()
	}
}

// show writes the group's block of the groups attribute
func (g *Group) show(w io.Writer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fmt.Fprintf(w, "group %d ", g.workloadID)
	switch g.status {
	case GroupWaiting:
		fmt.Fprint(w, "forming ")
	case GroupErrored:
		fmt.Fprintf(w, "error %#x ", g.fatalErrors)
	case GroupDisbanded:
		fmt.Fprint(w, "disbanded\n")
		return
	}
	if g.domain.Detached() {
		fmt.Fprint(w, "pasid detached ")
	} else {
		fmt.Fprintf(w, "pasid %d ", g.domain.PASID())
	}
	var inaccessible, ext string
	if g.devInaccessible {
		inaccessible = "i"
	}
	if g.ext != nil {
		ext = "x"
	}
	fmt.Fprintf(w, "vcid %d %s%s\n", g.vcid, inaccessible, ext)
	if c := g.leader; c != nil {
		fmt.Fprintf(w, "client %s %d:%d\n", g.d.name, c.PID(), c.TGID())
	}
	fmt.Fprintf(w, "mappings %d %dB\n", g.mappingCount(), g.mappedBytes())
}
