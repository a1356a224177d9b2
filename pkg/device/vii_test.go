//go:build unit

package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/config"
	"github.com/emergingrobotics/go-edgetpu/pkg/device"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/fence"
	"github.com/emergingrobotics/go-edgetpu/pkg/firmware"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/pkg/vii"
	"github.com/emergingrobotics/go-edgetpu/testutil"
)

func timesTen(j *firmware.Job) firmware.Result {
	return firmware.Result{Retval: uint64(j.Code) * 10}
}

// awaitResponse polls VII_RESPONSE until a response is ready
func awaitResponse(t *testing.T, c *device.Client) driver.VIIResponse {
	t.Helper()
	var resp driver.VIIResponse
	require.Eventually(t, func() bool {
		return testutil.Ioctl(c, driver.IoctlCmdVIIResponse, &resp) == nil
	}, testutil.Wait, testutil.Tick)
	return resp
}

func TestVIICommandRoundTrip(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithExecute(timesTen))
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	ev, err := testutil.NewEventReader()
	require.NoError(t, err)
	defer ev.Close()
	reg := driver.EventRegister{EventID: driver.EventRespData, EventFD: uint32(ev.FD())}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSetEventfd, &reg))

	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 7, Code: 3}}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))

	resp := awaitResponse(t, c)
	assert.Equal(t, uint64(7), resp.Seq)
	assert.Zero(t, resp.Code)
	assert.Equal(t, uint64(30), resp.Retval)
	assert.Equal(t, kci.ClientID(0, 0, c.Group().PASID()), resp.ClientID)
	assert.Equal(t, uint64(1), h.Device.Firmware().Executed())

	n, err := ev.Read()
	require.NoError(t, err)
	assert.NotZero(t, n)

	testutil.RequireErrno(t, unix.ENOENT, testutil.Ioctl(c, driver.IoctlCmdVIIResponse, &resp))
}

func TestVIICommandNeedsPower(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, false)

	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 1}}
	testutil.RequireErrno(t, unix.EAGAIN, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
}

func TestVIICommandNeedsFinalizedGroup(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 1}}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdAcquireWakeLock, nil))
	attr := testutil.DefaultAttr()
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
}

func TestVIIRequiresInKernelVII(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	assert.False(t, h.Device.UseIKV())

	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 1}}
	testutil.RequireErrno(t, unix.EOPNOTSUPP, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
	var resp driver.VIIResponse
	testutil.RequireErrno(t, unix.EOPNOTSUPP, testutil.Ioctl(c, driver.IoctlCmdVIIResponse, &resp))
}

func TestVIICredits(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithConfig(func(cfg *config.Device) { cfg.Credits = 2 }))
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	fw := h.Device.Firmware()
	fw.Hold(3)

	for seq := uint64(1); seq <= 2; seq++ {
		cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: seq, Code: 3}}
		require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
	}
	require.Eventually(t, func() bool { return fw.Parked() == 2 }, testutil.Wait, testutil.Tick)

	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 3, Code: 3}}
	testutil.RequireErrno(t, unix.EBUSY, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
	assert.Equal(t, 2, c.Group().VIIOutstanding())

	fw.ReleaseHeld()
	first := awaitResponse(t, c)
	second := awaitResponse(t, c)
	assert.Equal(t, []uint64{1, 2}, []uint64{first.Seq, second.Seq})
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd), "credits returned on completion")
}

func TestVIIInFences(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	mem := testutil.Arena(c)

	ok := driver.CreateSyncFenceData{Seqno: 1, TimelineName: "in"}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateSyncFence, &ok))
	bad := driver.CreateSyncFenceData{Seqno: 2, TimelineName: "in"}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateSyncFence, &bad))

	send := func(seq uint64, fd int32) {
		cmd := driver.VIICommandIoctl{
			Command:      driver.VIICommand{Seq: seq},
			InFenceArray: mem.PutInt32s([]int32{fd}),
			InFenceCount: 1,
		}
		require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
	}
	send(1, ok.Fence)
	send(2, bad.Fence)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.Device.Firmware().Executed(), "commands wait for their in-fences")
	assert.Equal(t, 2, c.Group().VIIOutstanding())

	sig := driver.SignalSyncFenceData{Fence: bad.Fence, Error: -int32(unix.EIO)}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSignalSyncFence, &sig))
	resp := awaitResponse(t, c)
	assert.Equal(t, uint64(2), resp.Seq)
	assert.Equal(t, uint16(driver.VIIResponseCodeKernelFenceError), resp.Code)
	assert.True(t, resp.IsKernelCode())

	sig = driver.SignalSyncFenceData{Fence: ok.Fence}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSignalSyncFence, &sig))
	resp = awaitResponse(t, c)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.Zero(t, resp.Code)
	assert.Equal(t, uint64(1), h.Device.Firmware().Executed())
}

func TestVIIFenceArrayChecks(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 1}, InFenceCount: fence.MaxArrayFences + 1}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))

	cmd = driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 1}, InFenceArray: 0x10, InFenceCount: 1}
	testutil.RequireErrno(t, unix.EFAULT, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))

	cmd = driver.VIICommandIoctl{
		Command:       driver.VIICommand{Seq: 1},
		OutFenceArray: testutil.Arena(c).PutInt32s([]int32{42}),
		OutFenceCount: 1,
	}
	testutil.RequireErrno(t, unix.EBADF, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
	assert.Zero(t, c.Group().VIIOutstanding())
}

func TestVIILitebuf(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithFormat("litebuf"), testutil.WithExecute(func(j *firmware.Job) firmware.Result {
		if j.Runtime == nil {
			return firmware.Result{Code: 1}
		}
		return firmware.Result{Retval: uint64(j.Runtime.Code) + uint64(len(j.Runtime.Extra))}
	}))
	c := h.Open(t)
	require.Equal(t, vii.FormatLitebuf, h.Device.VIIFormat())
	testutil.Finalized(t, c, true)
	mem := testutil.Arena(c)

	tests := []struct {
		name string
		cmd  vii.RuntimeCommand
		want uint64
	}{
		{"inline", vii.RuntimeCommand{Code: 9}, 9},
		{"large", vii.RuntimeCommand{Code: 9, Extra: make([]byte, 2*vii.LitebufPayloadSize)}, 9 + 2*vii.LitebufPayloadSize},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := tt.cmd.Marshal(nil)
			arg := driver.VIILitebufCommandIoctl{
				LitebufAddress: mem.Put(payload),
				LitebufSize:    uint32(len(payload)),
				Seq:            uint64(100 + i),
			}
			require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIILitebufCommand, &arg))

			out := mem.Alloc(vii.LitebufRespPayload)
			resp := driver.VIILitebufResponseIoctl{LitebufAddress: out}
			require.Eventually(t, func() bool {
				return testutil.Ioctl(c, driver.IoctlCmdVIILitebufResponse, &resp) == nil
			}, testutil.Wait, testutil.Tick)
			assert.Equal(t, uint64(100+i), resp.Seq)
			assert.Zero(t, resp.Code)

			b, err := mem.Bytes(out, vii.LitebufRespPayload)
			require.NoError(t, err)
			var rr vii.RuntimeResponse
			require.NoError(t, rr.Unmarshal(b))
			assert.Equal(t, tt.want, rr.Retval)
		})
	}

	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 1}}
	testutil.RequireErrno(t, unix.EOPNOTSUPP, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
}

func TestVIILitebufRejectedForFlatbuffer(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	arg := driver.VIILitebufCommandIoctl{LitebufAddress: testutil.Arena(c).Alloc(8), LitebufSize: 8}
	testutil.RequireErrno(t, unix.EOPNOTSUPP, testutil.Ioctl(c, driver.IoctlCmdVIILitebufCommand, &arg))
}

func TestWaitVIIResponse(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithExecute(timesTen))
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 5, Code: 2}}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))

	ctx, cancel := context.WithTimeout(context.Background(), testutil.Wait)
	defer cancel()
	b, err := c.Group().WaitVIIResponse(ctx)
	require.NoError(t, err)
	var resp driver.VIIResponse
	resp.Decode(b)
	assert.Equal(t, uint64(5), resp.Seq)
	assert.Equal(t, uint64(20), resp.Retval)

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err = c.Group().WaitVIIResponse(short)
	require.Error(t, err)
}
