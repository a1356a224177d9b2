package device

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/fence"
	"github.com/emergingrobotics/go-edgetpu/pkg/ikv"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
	"github.com/emergingrobotics/go-edgetpu/pkg/usermem"
	"github.com/emergingrobotics/go-edgetpu/pkg/vii"
)

// requireFormat fails unless VII goes through the in-kernel VII in format f
func (d *Device) requireFormat(f vii.Format) error {
	if !d.UseIKV() {
		return driver.NewError(unix.EOPNOTSUPP, "in-kernel vii disabled")
	}
	if got := d.VIIFormat(); got != f {
		return driver.Errorf(unix.EOPNOTSUPP, "vii format is %s", got)
	}
	return nil
}

// memberGroup returns the client's group, EINVAL when it has none
func (c *Client) memberGroup() (*Group, error) {
	g := c.Group()
	if g == nil {
		return nil, driver.NewError(unix.EINVAL, "client is not in a group")
	}
	return g, nil
}

// readFences copies a user fd array and resolves it against the client's
// descriptor table
func (c *Client) readFences(addr uint64, count uint32, name string) (fence.Set, error) {
	if count == 0 {
		return nil, nil
	}
	if count > fence.MaxArrayFences {
		c.log.WithField("count", count).Errorf("too many vii command %s-fences", name)
		return nil, driver.Errorf(unix.EINVAL, "%d %s-fences", count, name)
	}
	fds, err := usermem.CopyInInt32s(c.mem, addr, int(count))
	if err != nil {
		return nil, driver.NewErrorWithCause(unix.EFAULT, name+"-fence array", err)
	}
	return fence.Resolve(c.files, fds)
}

func (c *Client) readFenceArrays(inAddr uint64, inCount uint32, outAddr uint64, outCount uint32) (in, out fence.Set, err error) {
	if in, err = c.readFences(inAddr, inCount, "in"); err != nil {
		return nil, nil, err
	}
	if out, err = c.readFences(outAddr, outCount, "out"); err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

// sendVII hands a command to the in-kernel VII on behalf of the group. The
// device must already be powered; the reference taken here only spans the
// submission.
func (g *Group) sendVII(ctx context.Context, sub ikv.Submission) error {
	d := g.d
	if err := d.pm.GetIfPowered(); err != nil {
		g.log.Error("unable to send vii command, tpu block is off")
		return err
	}
	defer d.pm.Put(ctx)

	g.mu.Lock()
	if !g.finalizedLocked() || g.ikvClient == nil {
		status := g.status
		g.mu.Unlock()
		g.log.WithField("status", status).Error("unable to send vii command")
		return driver.Errorf(unix.EINVAL, "group is %s", status)
	}
	client := g.ikvClient
	g.mu.Unlock()

	return client.Submit(sub)
}

// viiResponse pops the group's oldest response. An errored group still hands
// out the canceled completions of its commands.
func (g *Group) viiResponse() ([]byte, error) {
	g.mu.Lock()
	if (g.status != GroupFinalized && g.status != GroupErrored) || g.ikvClient == nil {
		status := g.status
		g.mu.Unlock()
		return nil, driver.Errorf(unix.EINVAL, "group is %s", status)
	}
	client := g.ikvClient
	g.mu.Unlock()
	return client.Response()
}

// WaitVIIResponse blocks until the group has a response or ctx ends
func (g *Group) WaitVIIResponse(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	client := g.ikvClient
	g.mu.Unlock()
	if client == nil {
		return nil, driver.NewError(unix.EINVAL, "group has no in-kernel vii client")
	}
	return client.WaitResponse(ctx)
}

// VIIOutstanding returns the number of the group's commands not yet completed
func (g *Group) VIIOutstanding() int {
	g.mu.Lock()
	client := g.ikvClient
	g.mu.Unlock()
	if client == nil {
		return 0
	}
	return client.Outstanding()
}

func (c *Client) viiCommand(ctx context.Context, arg *driver.VIICommandIoctl) error {
	if err := c.d.requireFormat(vii.FormatFlatbuffer); err != nil {
		return err
	}
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	in, out, err := c.readFenceArrays(arg.InFenceArray, arg.InFenceCount, arg.OutFenceArray, arg.OutFenceCount)
	if err != nil {
		return err
	}

	packet := make([]byte, driver.SizeOfVIICommand)
	arg.Command.Encode(packet)
	err = g.sendVII(ctx, ikv.Submission{
		Packet:   packet,
		Priority: arg.Command.Priority,
		QoSClass: arg.Command.QoSClass,
		Atomic:   arg.Command.Atomic != 0,
		In:       in,
		Out:      out,
	})
	c.log.WithFields(logrus.Fields{"seq": arg.Command.Seq, "code": arg.Command.Code}).
		WithError(err).Trace("vii command")
	return err
}

func (c *Client) viiResponse() (driver.VIIResponse, error) {
	var resp driver.VIIResponse
	if err := c.d.requireFormat(vii.FormatFlatbuffer); err != nil {
		return resp, err
	}
	g, err := c.memberGroup()
	if err != nil {
		return resp, err
	}
	b, err := g.viiResponse()
	if err != nil {
		return resp, err
	}
	resp.Decode(b)
	return resp, nil
}

// viiLitebufCommand builds a litebuf command around the user payload. Payloads
// that do not fit inline travel in a coherent buffer freed on completion.
func (c *Client) viiLitebufCommand(ctx context.Context, arg *driver.VIILitebufCommandIoctl) error {
	d := c.d
	if err := d.requireFormat(vii.FormatLitebuf); err != nil {
		return err
	}
	g, err := c.memberGroup()
	if err != nil {
		return err
	}

	var (
		cmd   vii.LitebufCommand
		large *iremap.Buffer
	)
	if arg.LitebufSize <= vii.LitebufPayloadSize {
		if err := c.mem.CopyIn(arg.LitebufAddress, cmd.Payload[:arg.LitebufSize]); err != nil {
			return driver.NewErrorWithCause(unix.EFAULT, "litebuf payload", err)
		}
		cmd.Type = vii.LitebufRuntimeCommand
	} else {
		if large, err = d.pool.Alloc(int(arg.LitebufSize)); err != nil {
			return err
		}
		if err := c.mem.CopyIn(arg.LitebufAddress, large.Data[:arg.LitebufSize]); err != nil {
			large.Free()
			return driver.NewErrorWithCause(unix.EFAULT, "litebuf payload", err)
		}
		cmd.SetLarge(uint32(large.TPUAddr), arg.LitebufSize)
	}
	cmd.Seq = uint32(arg.Seq)

	in, out, err := c.readFenceArrays(arg.InFenceArray, arg.InFenceCount, arg.OutFenceArray, arg.OutFenceCount)
	if err != nil {
		if large != nil {
			large.Free()
		}
		return err
	}

	packet := make([]byte, vii.LitebufCommandSize)
	cmd.Encode(packet)
	sub := ikv.Submission{Packet: packet, In: in, Out: out}
	if large != nil {
		sub.Release = large.Free
	}
	if err := g.sendVII(ctx, sub); err != nil {
		// no-op when Submit already ran Release
		if large != nil {
			large.Free()
		}
		return err
	}
	return nil
}

func (c *Client) viiLitebufResponse(arg *driver.VIILitebufResponseIoctl) error {
	if err := c.d.requireFormat(vii.FormatLitebuf); err != nil {
		return err
	}
	g, err := c.memberGroup()
	if err != nil {
		return err
	}
	b, err := g.viiResponse()
	if err != nil {
		return err
	}
	var resp vii.LitebufResponse
	resp.Decode(b)
	if err := c.mem.CopyOut(arg.LitebufAddress, resp.Payload[:]); err != nil {
		return driver.NewErrorWithCause(unix.EFAULT, "litebuf response payload", err)
	}
	arg.Seq = uint64(resp.Seq)
	arg.Code = resp.Code
	return nil
}
