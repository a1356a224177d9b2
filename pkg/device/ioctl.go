package device

import (
	"context"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// ioctlHandler runs one command. arg holds at least the size encoded in the
// command and receives the output for commands that return data.
type ioctlHandler func(c *Client, ctx context.Context, arg []byte) error

var ioctlTable = map[uint32]ioctlHandler{
	driver.IoctlCmdMapBuffer:           (*Client).ioctlMapBuffer,
	driver.IoctlCmdUnmapBuffer:         (*Client).ioctlUnmapBuffer,
	driver.IoctlCmdSetEventfd:          (*Client).ioctlSetEventfd,
	driver.IoctlCmdCreateGroup:         (*Client).ioctlCreateGroup,
	driver.IoctlCmdFinalizeGroup:       (*Client).ioctlFinalizeGroup,
	driver.IoctlCmdSetPerdieEventfd:    (*Client).ioctlSetPerdieEventfd,
	driver.IoctlCmdUnsetEvent:          (*Client).ioctlUnsetEvent,
	driver.IoctlCmdUnsetPerdieEvent:    (*Client).ioctlUnsetPerdieEvent,
	driver.IoctlCmdSyncBuffer:          (*Client).ioctlSyncBuffer,
	driver.IoctlCmdMapDmabuf:           (*Client).ioctlMapDmabuf,
	driver.IoctlCmdUnmapDmabuf:         (*Client).ioctlUnmapDmabuf,
	driver.IoctlCmdCreateSyncFence:     (*Client).ioctlCreateSyncFence,
	driver.IoctlCmdSignalSyncFence:     (*Client).ioctlSignalSyncFence,
	driver.IoctlCmdSyncFenceStatus:     (*Client).ioctlSyncFenceStatus,
	driver.IoctlCmdReleaseWakeLock:     (*Client).ioctlReleaseWakeLock,
	driver.IoctlCmdAcquireWakeLock:     (*Client).ioctlAcquireWakeLock,
	driver.IoctlCmdFirmwareVersion:     (*Client).ioctlFirmwareVersion,
	driver.IoctlCmdGetTpuTimestamp:     (*Client).ioctlTPUTimestamp,
	driver.IoctlCmdGetDramUsage:        (*Client).ioctlDramUsage,
	driver.IoctlCmdAcquireExtMailbox:   (*Client).ioctlAcquireExtMailbox,
	driver.IoctlCmdReleaseExtMailbox:   (*Client).ioctlReleaseExtMailbox,
	driver.IoctlCmdGetFatalErrors:      (*Client).ioctlFatalErrors,
	driver.IoctlCmdSetDeviceProperties: (*Client).ioctlSetDeviceProperties,
	driver.IoctlCmdVIICommand:          (*Client).ioctlVIICommand,
	driver.IoctlCmdVIIResponse:         (*Client).ioctlVIIResponse,
	driver.IoctlCmdVIILitebufCommand:   (*Client).ioctlVIILitebufCommand,
	driver.IoctlCmdVIILitebufResponse:  (*Client).ioctlVIILitebufResponse,
}

// Ioctl runs cmd for the client. The returned error carries the errno user
// space sees; driver.ErrnoOf extracts it.
func (c *Client) Ioctl(ctx context.Context, cmd uint32, arg []byte) error {
	name := driver.IoctlName(cmd)
	err := c.ioctl(ctx, cmd, arg)
	if name != "" {
		c.d.metrics.Ioctl(name, err)
	}
	if err != nil {
		c.log.WithError(err).WithField("cmd", name).Debug("ioctl failed")
	}
	return err
}

func (c *Client) ioctl(ctx context.Context, cmd uint32, arg []byte) error {
	if !c.writable {
		return driver.NewError(unix.EPERM, "device opened read-only")
	}
	if c.released.Load() {
		return driver.NewError(unix.ENODEV, "client released")
	}
	h, ok := ioctlTable[cmd]
	if !ok {
		return driver.Errorf(unix.ENOTTY, "ioctl %#x", cmd)
	}
	if n := driver.IocSize(cmd); len(arg) < n {
		return driver.Errorf(unix.EFAULT, "%s needs %d argument bytes, got %d", driver.IoctlName(cmd), n, len(arg))
	}
	return h(c, ctx, arg)
}

func (c *Client) ioctlMapBuffer(_ context.Context, arg []byte) error {
	var ibuf driver.MapIoctl
	ibuf.Decode(arg)
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	if err := g.mapBuffer(c.mem, &ibuf); err != nil {
		return err
	}
	ibuf.Encode(arg)
	return nil
}

func (c *Client) ioctlUnmapBuffer(_ context.Context, arg []byte) error {
	var ibuf driver.MapIoctl
	ibuf.Decode(arg)
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	return g.unmapBuffer(ibuf.DeviceAddress)
}

func (c *Client) ioctlSyncBuffer(_ context.Context, arg []byte) error {
	var ibuf driver.SyncIoctl
	ibuf.Decode(arg)
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	return g.syncBuffer(&ibuf)
}

func (c *Client) ioctlMapDmabuf(_ context.Context, arg []byte) error {
	var ibuf driver.MapDmabufIoctl
	ibuf.Decode(arg)
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	if err := g.mapDmabuf(c.files, &ibuf); err != nil {
		return err
	}
	ibuf.Encode(arg)
	return nil
}

func (c *Client) ioctlUnmapDmabuf(_ context.Context, arg []byte) error {
	var ibuf driver.MapDmabufIoctl
	ibuf.Decode(arg)
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	return g.unmapDmabuf(ibuf.DeviceAddress)
}

func (c *Client) ioctlSetEventfd(_ context.Context, arg []byte) error {
	var reg driver.EventRegister
	reg.Decode(arg)
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	return g.setEvent(reg.EventID, int(int32(reg.EventFD)))
}

func (c *Client) ioctlUnsetEvent(_ context.Context, arg []byte) error {
	id := binary.LittleEndian.Uint32(arg)
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	g.unsetEvent(id)
	return nil
}

func (c *Client) ioctlSetPerdieEventfd(_ context.Context, arg []byte) error {
	var reg driver.EventRegister
	reg.Decode(arg)
	return c.setPerdieEvent(reg.EventID, int(int32(reg.EventFD)))
}

func (c *Client) ioctlUnsetPerdieEvent(_ context.Context, arg []byte) error {
	return c.unsetPerdieEvent(binary.LittleEndian.Uint32(arg))
}

func (c *Client) ioctlCreateGroup(_ context.Context, arg []byte) error {
	var attr driver.MailboxAttr
	attr.Decode(arg)
	return c.createGroup(attr)
}

func (c *Client) ioctlFinalizeGroup(ctx context.Context, _ []byte) error {
	return c.finalizeGroup(ctx)
}

func (c *Client) ioctlCreateSyncFence(_ context.Context, arg []byte) error {
	var data driver.CreateSyncFenceData
	data.Decode(arg)
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	if err := c.d.fences.Create(c.files, g.workloadID, &data); err != nil {
		return err
	}
	data.Encode(arg)
	return nil
}

func (c *Client) ioctlSignalSyncFence(_ context.Context, arg []byte) error {
	var data driver.SignalSyncFenceData
	data.Decode(arg)
	return c.d.fences.Signal(c.files, &data)
}

func (c *Client) ioctlSyncFenceStatus(_ context.Context, arg []byte) error {
	var data driver.SyncFenceStatus
	data.Decode(arg)
	if err := c.d.fences.Status(c.files, &data); err != nil {
		return err
	}
	data.Encode(arg)
	return nil
}

func (c *Client) ioctlAcquireWakeLock(ctx context.Context, _ []byte) error {
	return c.AcquireWakeLock(ctx)
}

func (c *Client) ioctlReleaseWakeLock(ctx context.Context, _ []byte) error {
	return c.ReleaseWakeLock(ctx)
}

func (c *Client) ioctlFirmwareVersion(_ context.Context, arg []byte) error {
	info, ok := c.d.FirmwareInfo()
	if !ok {
		return driver.NewError(unix.ENODEV, "no firmware handshake")
	}
	v := driver.FirmwareVersion{
		MajorVersion: info.Major,
		MinorVersion: info.Minor,
		VIIVersion:   info.VIIVersion,
		KCIVersion:   info.KCIVersion,
	}
	v.Encode(arg)
	return nil
}

// ioctlTPUTimestamp reads the firmware cycle counter. The wake-lock lock is
// held so the block cannot power down under the read.
func (c *Client) ioctlTPUTimestamp(_ context.Context, arg []byte) error {
	held := c.wakelock.Lock()
	defer c.wakelock.Unlock()
	if held == 0 {
		return driver.NewError(unix.EAGAIN, "timestamp requires a wakelock")
	}
	binary.LittleEndian.PutUint64(arg, c.d.fw.Cycles())
	return nil
}

func (c *Client) ioctlDramUsage(_ context.Context, arg []byte) error {
	var usage driver.DramUsage
	usage.Encode(arg)
	return nil
}

func (c *Client) ioctlAcquireExtMailbox(ctx context.Context, arg []byte) error {
	var ibuf driver.ExtMailboxIoctl
	ibuf.Decode(arg)
	return c.acquireExtMailbox(ctx, ibuf)
}

func (c *Client) ioctlReleaseExtMailbox(ctx context.Context, arg []byte) error {
	var ibuf driver.ExtMailboxIoctl
	ibuf.Decode(arg)
	return c.releaseExtMailbox(ctx, ibuf)
}

func (c *Client) ioctlFatalErrors(_ context.Context, arg []byte) error {
	var errs uint32
	if g := c.Group(); g != nil {
		errs = g.FatalErrors()
	}
	binary.LittleEndian.PutUint32(arg, errs)
	return nil
}

func (c *Client) ioctlSetDeviceProperties(ctx context.Context, arg []byte) error {
	var props driver.DeviceProperties
	copy(props[:], arg)
	return c.d.setProperties(ctx, props)
}

func (c *Client) ioctlVIICommand(ctx context.Context, arg []byte) error {
	var ibuf driver.VIICommandIoctl
	ibuf.Decode(arg)
	return c.viiCommand(ctx, &ibuf)
}

func (c *Client) ioctlVIIResponse(_ context.Context, arg []byte) error {
	resp, err := c.viiResponse()
	if err != nil {
		return err
	}
	resp.Encode(arg)
	return nil
}

func (c *Client) ioctlVIILitebufCommand(ctx context.Context, arg []byte) error {
	var ibuf driver.VIILitebufCommandIoctl
	ibuf.Decode(arg)
	return c.viiLitebufCommand(ctx, &ibuf)
}

func (c *Client) ioctlVIILitebufResponse(_ context.Context, arg []byte) error {
	var ibuf driver.VIILitebufResponseIoctl
	ibuf.Decode(arg)
	if err := c.viiLitebufResponse(&ibuf); err != nil {
		return err
	}
	ibuf.Encode(arg)
	return nil
}
