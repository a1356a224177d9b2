//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/config"
	"github.com/emergingrobotics/go-edgetpu/pkg/device"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/testutil"
)

func awaitResponse(t *testing.T, c *device.Client) driver.VIIResponse {
	t.Helper()
	var resp driver.VIIResponse
	require.Eventually(t, func() bool {
		return testutil.Ioctl(c, driver.IoctlCmdVIIResponse, &resp) == nil
	}, testutil.Wait, testutil.Tick)
	return resp
}

func createFence(t *testing.T, c *device.Client, seqno uint32) int32 {
	t.Helper()
	data := driver.CreateSyncFenceData{Seqno: seqno, TimelineName: "scenario"}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateSyncFence, &data))
	return data.Fence
}

func fenceStatus(t *testing.T, c *device.Client, fd int32) int32 {
	t.Helper()
	st := driver.SyncFenceStatus{Fence: fd}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSyncFenceStatus, &st))
	return st.Status
}

func TestHappyVII(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	before, err := h.Device.Attr(device.AttrGroups)
	require.NoError(t, err)

	host := testutil.Arena(c).Alloc(4096)
	m := driver.MapIoctl{
		HostAddress: host,
		Size:        4096,
		Flags:       driver.MapDmaBidirectional | driver.MapCoherent,
	}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &m))
	require.NotZero(t, m.DeviceAddress)

	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{
		Seq:           7,
		Code:          1,
		Priority:      50,
		DmaDescriptor: driver.VIIDmaDescriptor{Address: m.DeviceAddress, Size: 4096},
	}}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))

	resp := awaitResponse(t, c)
	assert.Equal(t, uint64(7), resp.Seq)
	assert.Zero(t, resp.Code)
	assert.Zero(t, resp.Retval)

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdUnmapBuffer, &m))
	after, err := h.Device.Attr(device.AttrGroups)
	require.NoError(t, err)
	assert.Equal(t, before, after, "unmap restores the mapping count")

	require.NoError(t, c.Release())
	assert.Empty(t, h.Device.Groups())
}

func TestFenceTimeout(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithConfig(func(cfg *config.Device) {
		cfg.FenceTimeout = 50 * time.Millisecond
	}))
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	fd := createFence(t, c, 1)
	cmd := driver.VIICommandIoctl{
		Command:      driver.VIICommand{Seq: 11},
		InFenceArray: testutil.Arena(c).PutInt32s([]int32{fd}),
		InFenceCount: 1,
	}
	start := time.Now()
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))

	resp := awaitResponse(t, c)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, uint64(11), resp.Seq)
	assert.Equal(t, uint16(driver.VIIResponseCodeKernelFenceTimeout), resp.Code)
	assert.Equal(t, uint64(50), resp.Retval)
	assert.Zero(t, c.Group().VIIOutstanding(), "credit refunded")
	assert.Zero(t, h.Device.Firmware().Executed())
}

func TestCrashCancellation(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	fw := h.Device.Firmware()
	fw.Hold(3)

	mem := testutil.Arena(c)
	outs := make([]int32, 0, 3)
	for i, prio := range []uint8{0, 50, 99} {
		out := createFence(t, c, uint32(i+1))
		outs = append(outs, out)
		cmd := driver.VIICommandIoctl{
			Command:       driver.VIICommand{Seq: uint64(20 + i), Code: 3, Priority: prio},
			OutFenceArray: mem.PutInt32s([]int32{out}),
			OutFenceCount: 1,
		}
		require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
	}
	require.Eventually(t, func() bool { return fw.Parked() == 3 }, testutil.Wait, testutil.Tick)

	require.NoError(t, fw.Crash(kci.CrashUnrecoverableFault))

	seqs := map[uint64]bool{}
	for range outs {
		resp := awaitResponse(t, c)
		seqs[resp.Seq] = true
		assert.Equal(t, uint16(driver.VIIResponseCodeKernelCanceled), resp.Code)
		assert.NotZero(t, resp.Retval&driver.ErrorFWCrash)
	}
	assert.Equal(t, map[uint64]bool{20: true, 21: true, 22: true}, seqs)
	for _, out := range outs {
		assert.Negative(t, fenceStatus(t, c, out), "out-fence signaled with an error")
	}
	assert.Equal(t, uint64(1), h.Device.FirmwareCrashes())
}

func TestCreditExhaustion(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithConfig(func(cfg *config.Device) {
		cfg.FenceTimeout = time.Minute
	}))
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	mem := testutil.Arena(c)

	ins := make([]int32, 0, driver.NumVIICredits)
	for i := 0; i < driver.NumVIICredits; i++ {
		in := createFence(t, c, uint32(i+1))
		ins = append(ins, in)
		cmd := driver.VIICommandIoctl{
			Command:      driver.VIICommand{Seq: uint64(i + 1)},
			InFenceArray: mem.PutInt32s([]int32{in}),
			InFenceCount: 1,
		}
		require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
	}

	ninth := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 100}}
	testutil.RequireErrno(t, unix.EBUSY, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &ninth))
	assert.Equal(t, driver.NumVIICredits, c.Group().VIIOutstanding())

	sig := driver.SignalSyncFenceData{Fence: ins[0]}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSignalSyncFence, &sig))
	resp := awaitResponse(t, c)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.Zero(t, resp.Code)

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &ninth))
	resp = awaitResponse(t, c)
	assert.Equal(t, uint64(100), resp.Seq)
}

func TestThermalVeto(t *testing.T) {
	h := testutil.NewDevice(t)
	h.Thermal.Set(true)
	c := h.Open(t)
	boots := h.Device.Firmware().Boots()

	testutil.RequireErrno(t, unix.EAGAIN, testutil.Ioctl(c, driver.IoctlCmdAcquireWakeLock, nil))
	assert.Equal(t, boots, h.Device.Firmware().Boots(), "no power reference taken")
	assert.Zero(t, c.WakeLock().Count())
}

func TestMmapUnderIKV(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(true))
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	_, err := c.Mmap(driver.MmapCmdQueueOffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.EINVAL, err)

	vma, err := c.Mmap(driver.MmapLogBufferOffset, driver.MmapPageSize)
	require.NoError(t, err)
	assert.Len(t, vma.Data, driver.MmapPageSize)
	vma.Close()
}
