package device

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/fence"
	"github.com/emergingrobotics/go-edgetpu/pkg/mapping"
)

// mapBuffer maps the host range described by arg into the group's domain and
// returns the device address in arg.DeviceAddress
func (g *Group) mapBuffer(mem Memory, arg *driver.MapIoctl) error {
	if !arg.Flags.Valid() {
		return driver.Errorf(unix.EINVAL, "bad map flags %#x", uint32(arg.Flags))
	}
	if arg.Size == 0 {
		return driver.NewError(unix.EINVAL, "map of empty buffer")
	}
	host, err := mem.Pin(arg.HostAddress, arg.Size)
	if err != nil {
		return driver.NewErrorWithCause(unix.EFAULT, "pin host buffer", err)
	}

	g.mu.Lock()
	if !g.finalizedLocked() {
		err := g.errnoLocked()
		g.mu.Unlock()
		return err
	}
	enc := mapping.EncodeFlags(arg.Flags, mapping.DMAAttrs(arg.Flags), true)
	iova, err := g.domain.Map(host, enc)
	if err != nil {
		g.mu.Unlock()
		g.log.WithError(err).WithFields(logrus.Fields{
			"size":   arg.Size,
			"mapped": g.mappedBytes(),
		}).Error("map failed")
		return err
	}

	// held until the mapping is registered; release clears the registry under it
	defer g.mu.Unlock()
	m := &mapping.Mapping{
		DeviceAddress: iova,
		Size:          arg.Size,
		HostAddress:   arg.HostAddress,
		Flags:         arg.Flags,
		Dir:           mapping.HostDir(arg.Flags.Direction()),
		Backing:       host,
		Release:       g.unmapIOVA,
		Show:          mapping.ShowHost,
	}
	if err := g.mappings.Add(m); err != nil {
		g.log.WithField("iova", iova).Debug("duplicate mapping")
		g.domain.Unmap(iova)
		return err
	}
	arg.DeviceAddress = iova
	return nil
}

func (g *Group) unmapIOVA(m *mapping.Mapping) {
	g.domain.Unmap(m.DeviceAddress)
}

// unmapBuffer removes the mapping that starts at iova
func (g *Group) unmapBuffer(iova uint64) error {
	m := g.mappings.Remove(iova)
	if m == nil {
		g.log.WithField("iova", iova).Debug("unmap: mapping not found")
		return driver.Errorf(unix.EINVAL, "no mapping at %#x", iova)
	}
	m.Release(m)
	return nil
}

// syncBuffer records cache maintenance on [DeviceAddress+Offset, +Size) of
// the mapping starting at DeviceAddress
func (g *Group) syncBuffer(arg *driver.SyncIoctl) error {
	dir := driver.DmaDataDirection(arg.Flags & uint32(driver.MapDirMask))
	if dir == driver.DmaNone {
		return driver.NewError(unix.EINVAL, "sync with no direction")
	}
	if arg.Offset+arg.Size <= arg.Offset {
		return driver.NewError(unix.EINVAL, "empty or overflowing sync range")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.finalizedLocked() {
		return g.errnoLocked()
	}
	m := g.mappings.Find(arg.DeviceAddress)
	if m == nil {
		return driver.Errorf(unix.EINVAL, "no mapping at %#x", arg.DeviceAddress)
	}
	if arg.Offset+arg.Size > m.Size {
		return driver.Errorf(unix.EINVAL, "sync %#x+%#x outside mapping of %#x bytes", arg.Offset, arg.Size, m.Size)
	}
	m.RecordSync()
	g.log.WithFields(logrus.Fields{
		"iova":    arg.DeviceAddress + arg.Offset,
		"size":    arg.Size,
		"dir":     dir,
		"for_cpu": arg.Flags&driver.SyncForCPU != 0,
	}).Trace("sync buffer")
	return nil
}

// mapDmabuf imports the whole of an exported buffer
func (g *Group) mapDmabuf(files *fence.Table, arg *driver.MapDmabufIoctl) error {
	if !arg.Flags.Valid() {
		return driver.Errorf(unix.EINVAL, "bad map flags %#x", uint32(arg.Flags))
	}
	buf, err := files.DMABuf(arg.DmabufFD)
	if err != nil {
		return err
	}
	if arg.Offset != 0 || arg.Size != buf.Size() {
		return driver.Errorf(unix.EINVAL, "dma-buf %q must be mapped whole", buf.Name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.finalizedLocked() {
		return g.errnoLocked()
	}
	enc := mapping.EncodeFlags(arg.Flags, mapping.DMAAttrs(arg.Flags), false)
	iova, err := g.domain.Map(buf.Data, enc)
	if err != nil {
		return err
	}

	m := &mapping.Mapping{
		DeviceAddress: iova,
		Size:          buf.Size(),
		Flags:         arg.Flags,
		Dir:           arg.Flags.Direction(),
		Backing:       buf.Data,
		Priv:          buf,
		Release:       g.unmapIOVA,
		Show:          showDmabuf,
	}
	if err := g.dmabufs.Add(m); err != nil {
		g.domain.Unmap(iova)
		return err
	}
	arg.DeviceAddress = iova
	return nil
}

func showDmabuf(m *mapping.Mapping, w io.Writer) {
	name := ""
	if b, ok := m.Priv.(*fence.DMABuf); ok {
		name = b.Name
	}
	fmt.Fprintf(w, "  %#x %d %s dmabuf %s\n", m.DeviceAddress,
		(m.Size+driver.MmapPageSize-1)/driver.MmapPageSize, mapping.DirRW(m.Dir), name)
}

func (g *Group) unmapDmabuf(iova uint64) error {
	m := g.dmabufs.Remove(iova)
	if m == nil {
		return driver.Errorf(unix.EINVAL, "no dma-buf mapping at %#x", iova)
	}
	m.Release(m)
	return nil
}

// mappedBytes is the size of every host and dma-buf mapping of the group
func (g *Group) mappedBytes() uint64 {
	return g.mappings.TotalSize() + g.dmabufs.TotalSize()
}

func (g *Group) mappingCount() int {
	return g.mappings.Count() + g.dmabufs.Count()
}

// showMappings writes the debugfs block of the group
func (g *Group) showMappings(w io.Writer) {
	g.mu.Lock()
	status := g.status
	g.mu.Unlock()

	fmt.Fprintf(w, "group %d", g.workloadID)
	switch status {
	case GroupErrored:
		fmt.Fprint(w, " (errored)")
	case GroupDisbanded:
		fmt.Fprint(w, ": disbanded\n")
		return
	}
	if g.domain.Detached() {
		fmt.Fprint(w, " pasid detached:\n")
	} else {
		fmt.Fprintf(w, " pasid %d:\n", g.domain.PASID())
	}
	if n := g.mappings.Count(); n > 0 {
		fmt.Fprintf(w, "host buffer mappings (%d):\n", n)
		g.mappings.Show(w)
	}
	if n := g.dmabufs.Count(); n > 0 {
		fmt.Fprintf(w, "dma-buf buffer mappings (%d):\n", n)
		g.dmabufs.Show(w)
	}
}
