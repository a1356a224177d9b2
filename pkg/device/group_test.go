//go:build unit

package device_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/device"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/fence"
	"github.com/emergingrobotics/go-edgetpu/pkg/iommu"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/testutil"
)

func TestGroupLifecycle(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)

	attr := testutil.DefaultAttr()
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))

	g := c.Group()
	require.NotNil(t, g)
	assert.Equal(t, device.GroupWaiting, g.Status())
	assert.Equal(t, uint32(1), g.WorkloadID())
	assert.Equal(t, uint32(2), g.VCID(), "partition 0 takes the first vcid above the reserved pair")
	assert.Equal(t, iommu.PASIDInvalid, g.PASID())

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdFinalizeGroup, nil))
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdFinalizeGroup, nil), "finalize is idempotent")
	assert.Equal(t, device.GroupFinalized, g.Status())
	assert.Equal(t, uint32(1), g.PASID())
	assert.Empty(t, h.Device.Firmware().VMBoxes(), "no virtual mailbox without a wakelock")

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdAcquireWakeLock, nil))
	assert.Equal(t, []uint32{kci.ClientID(0, 0, 1)}, h.Device.Firmware().VMBoxes())

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdReleaseWakeLock, nil))
	assert.Equal(t, device.GroupFinalized, g.Status())
	assert.Equal(t, uint32(1), g.PASID(), "in-kernel vii groups stay attached")

	require.NoError(t, c.Release())
	assert.Equal(t, device.GroupDisbanded, g.Status())
	assert.Empty(t, h.Device.Groups())
}

func TestFinalizeWithoutGroupIsNoop(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdFinalizeGroup, nil))
	assert.Nil(t, c.Group())
}

func TestCreateGroupValidatesAttr(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)

	attr := testutil.DefaultAttr()
	attr.SizeofCmd = 0
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))

	attr = testutil.DefaultAttr()
	attr.CmdQueueSize = 1024
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))
	assert.Nil(t, c.Group())
}

func TestVCIDPartitions(t *testing.T) {
	h := testutil.NewDevice(t)

	attr := testutil.DefaultAttr()
	attr.PartitionType = 1
	a := h.Open(t)
	require.NoError(t, testutil.Ioctl(a, driver.IoctlCmdCreateGroup, &attr))
	assert.Equal(t, uint32(0), a.Group().VCID())

	b := h.Open(t)
	testutil.RequireErrno(t, unix.EBUSY, testutil.Ioctl(b, driver.IoctlCmdCreateGroup, &attr))

	attr.PartitionType = 2
	require.NoError(t, testutil.Ioctl(b, driver.IoctlCmdCreateGroup, &attr))
	assert.Equal(t, uint32(1), b.Group().VCID())

	require.NoError(t, a.Release())
	attr.PartitionType = 1
	c := h.Open(t)
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))
	assert.Equal(t, uint32(0), c.Group().VCID(), "vcid returned on disband")
	assert.Greater(t, c.Group().WorkloadID(), b.Group().WorkloadID())
}

func TestMapBuffer(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	mem := testutil.Arena(c)
	host := mem.Put(testutil.MakeRandomBytes(3 * driver.MmapPageSize))

	arg := driver.MapIoctl{HostAddress: host, Size: 3 * driver.MmapPageSize, Flags: driver.MapDmaToDevice}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg), "no group")

	attr := testutil.DefaultAttr()
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg), "group not finalized")
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdFinalizeGroup, nil))

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg))
	cfg := h.Device.Config()
	assert.GreaterOrEqual(t, arg.DeviceAddress, cfg.IOVA.Base)
	assert.Less(t, arg.DeviceAddress, cfg.IOVA.Base+cfg.IOVA.Size)

	g := c.Group()
	m := g.Mappings().Find(arg.DeviceAddress)
	require.NotNil(t, m)
	assert.Equal(t, host, m.HostAddress)
	assert.Equal(t, uint64(3*driver.MmapPageSize), m.Size)
	assert.Equal(t, g, h.Device.Groups()[0])

	iova := arg.DeviceAddress
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdUnmapBuffer, &driver.MapIoctl{DeviceAddress: iova}))
	assert.Zero(t, g.Mappings().Count())
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdUnmapBuffer, &driver.MapIoctl{DeviceAddress: iova}))
}

func TestMapBufferRejectsBadArguments(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, false)
	host := testutil.Arena(c).Alloc(driver.MmapPageSize)

	tests := []struct {
		name string
		arg  driver.MapIoctl
		want unix.Errno
	}{
		{"unknown flag", driver.MapIoctl{HostAddress: host, Size: driver.MmapPageSize, Flags: 1 << 30}, unix.EINVAL},
		{"empty", driver.MapIoctl{HostAddress: host, Flags: driver.MapDmaToDevice}, unix.EINVAL},
		{"unmapped host range", driver.MapIoctl{HostAddress: 0x1000, Size: driver.MmapPageSize}, unix.EFAULT},
		{"past the host buffer", driver.MapIoctl{HostAddress: host, Size: 2 * driver.MmapPageSize}, unix.EFAULT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arg := tt.arg
			testutil.RequireErrno(t, tt.want, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg))
		})
	}
	assert.Zero(t, c.Group().Mappings().Count())
}

func TestSyncBuffer(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, false)
	host := testutil.Arena(c).Alloc(2 * driver.MmapPageSize)

	arg := driver.MapIoctl{HostAddress: host, Size: 2 * driver.MmapPageSize}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg))

	tests := []struct {
		name string
		sync driver.SyncIoctl
		want unix.Errno
	}{
		{"whole", driver.SyncIoctl{Size: 2 * driver.MmapPageSize, Flags: uint32(driver.DmaToDevice)}, 0},
		{"tail for cpu", driver.SyncIoctl{Offset: driver.MmapPageSize, Size: 16, Flags: uint32(driver.DmaFromDevice) | driver.SyncForCPU}, 0},
		{"no direction", driver.SyncIoctl{Size: 16, Flags: uint32(driver.DmaNone)}, unix.EINVAL},
		{"empty", driver.SyncIoctl{Flags: uint32(driver.DmaToDevice)}, unix.EINVAL},
		{"past the end", driver.SyncIoctl{Offset: driver.MmapPageSize, Size: driver.MmapPageSize + 1, Flags: uint32(driver.DmaToDevice)}, unix.EINVAL},
		{"overflow", driver.SyncIoctl{Offset: ^uint64(0), Size: 2, Flags: uint32(driver.DmaToDevice)}, unix.EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.sync
			s.DeviceAddress = arg.DeviceAddress
			err := testutil.Ioctl(c, driver.IoctlCmdSyncBuffer, &s)
			if tt.want == 0 {
				require.NoError(t, err)
				return
			}
			testutil.RequireErrno(t, tt.want, err)
		})
	}

	s := driver.SyncIoctl{DeviceAddress: arg.DeviceAddress + driver.MmapPageSize, Size: 16, Flags: uint32(driver.DmaToDevice)}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdSyncBuffer, &s), "must name the start of a mapping")
}

func TestMapDmabuf(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, false)

	fd := c.Files().InstallDMABuf(&fence.DMABuf{Name: "camera", Data: make([]byte, 2*driver.MmapPageSize)})

	partial := driver.MapDmabufIoctl{DmabufFD: fd, Size: driver.MmapPageSize}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdMapDmabuf, &partial))

	bad := driver.MapDmabufIoctl{DmabufFD: 99, Size: 2 * driver.MmapPageSize}
	testutil.RequireErrno(t, unix.EBADF, testutil.Ioctl(c, driver.IoctlCmdMapDmabuf, &bad))

	arg := driver.MapDmabufIoctl{DmabufFD: fd, Size: 2 * driver.MmapPageSize, Flags: driver.MapDmaFromDevice}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdMapDmabuf, &arg))
	assert.NotZero(t, arg.DeviceAddress)

	out, err := h.Device.Attr(device.AttrMappings)
	require.NoError(t, err)
	assert.Contains(t, out, "dma-buf buffer mappings (1):")
	assert.Contains(t, out, "dmabuf camera")

	iova := arg.DeviceAddress
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdUnmapDmabuf, &driver.MapDmabufIoctl{DeviceAddress: iova}))
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdUnmapDmabuf, &driver.MapDmabufIoctl{DeviceAddress: iova}))
}

func TestReleaseClearsMappings(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	host := testutil.Arena(c).Alloc(driver.MmapPageSize)
	arg := driver.MapIoctl{HostAddress: host, Size: driver.MmapPageSize}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg))

	g := c.Group()
	require.NoError(t, c.Release())
	assert.Zero(t, g.Mappings().Count())
	assert.Empty(t, h.Device.Firmware().VMBoxes())
}

func TestMapRacingReleaseLeavesNoMapping(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := testutil.NewDevice(t)
		c := h.Open(t)
		testutil.Finalized(t, c, true)
		mem := testutil.Arena(c)
		g := c.Group()

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			host := mem.Alloc(driver.MmapPageSize)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 8; j++ {
					arg := driver.MapIoctl{HostAddress: host, Size: driver.MmapPageSize}
					_ = testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg)
				}
			}()
		}
		require.NoError(t, c.Release())
		wg.Wait()

		assert.Zero(t, g.Mappings().Count(), "round %d", round)
		assert.Equal(t, device.GroupDisbanded, g.Status())
	}
}

func TestSyncFences(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)

	data := driver.CreateSyncFenceData{Seqno: 5, TimelineName: "render"}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdCreateSyncFence, &data), "needs a group")

	testutil.Finalized(t, c, false)
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateSyncFence, &data))
	assert.GreaterOrEqual(t, data.Fence, int32(3))

	st := driver.SyncFenceStatus{Fence: data.Fence}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSyncFenceStatus, &st))
	assert.Equal(t, int32(fence.StatusActive), st.Status)

	bad := driver.SignalSyncFenceData{Fence: data.Fence, Error: 1}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdSignalSyncFence, &bad))

	sig := driver.SignalSyncFenceData{Fence: data.Fence, Error: -int32(unix.ETIMEDOUT)}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSignalSyncFence, &sig))
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSyncFenceStatus, &st))
	assert.Equal(t, -int32(unix.ETIMEDOUT), st.Status)

	out, err := h.Device.Attr(device.AttrSyncFences)
	require.NoError(t, err)
	assert.Contains(t, out, "render")
	assert.Contains(t, out, "group=1")

	st = driver.SyncFenceStatus{Fence: 77}
	testutil.RequireErrno(t, unix.EBADF, testutil.Ioctl(c, driver.IoctlCmdSyncFenceStatus, &st))
}

func TestPendingFencesFailWithGroup(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, false)

	data := driver.CreateSyncFenceData{Seqno: 1, TimelineName: "tl"}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateSyncFence, &data))
	f, err := c.Files().Fence(data.Fence)
	require.NoError(t, err)

	require.NoError(t, c.Release())
	assert.Equal(t, -int(unix.EPIPE), f.Status())
}

func TestEventRegistration(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	ev, err := testutil.NewEventReader()
	require.NoError(t, err)
	defer ev.Close()

	reg := driver.EventRegister{EventID: driver.EventFatalError, EventFD: uint32(ev.FD())}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdSetEventfd, &reg), "needs a group")

	testutil.Finalized(t, c, false)
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSetEventfd, &reg))

	badID := driver.EventRegister{EventID: driver.NumEvents, EventFD: uint32(ev.FD())}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdSetEventfd, &badID))
	badFD := driver.EventRegister{EventID: driver.EventRespData, EventFD: ^uint32(0)}
	testutil.RequireErrno(t, unix.EBADF, testutil.Ioctl(c, driver.IoctlCmdSetEventfd, &badFD))

	unset := make([]byte, 4)
	binary.LittleEndian.PutUint32(unset, driver.EventFatalError)
	require.NoError(t, c.Ioctl(context.Background(), driver.IoctlCmdUnsetEvent, unset))
	binary.LittleEndian.PutUint32(unset, 17)
	require.NoError(t, c.Ioctl(context.Background(), driver.IoctlCmdUnsetEvent, unset), "unknown ids are ignored")
}

func TestPerdieEventRegistration(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	ev, err := testutil.NewEventReader()
	require.NoError(t, err)
	defer ev.Close()

	reg := driver.EventRegister{EventID: driver.PerdieEventLogsAvailable, EventFD: uint32(ev.FD())}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSetPerdieEventfd, &reg), "no group needed")

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdAcquireWakeLock, nil))
	require.NoError(t, h.Device.Firmware().TelemetryAvailable(false, 0))
	require.Eventually(t, func() bool {
		n, err := ev.Read()
		return err == nil && n > 0
	}, testutil.Wait, testutil.Tick)

	bad := driver.EventRegister{EventID: driver.EventFatalError, EventFD: uint32(ev.FD())}
	testutil.RequireErrno(t, unix.EINVAL, testutil.Ioctl(c, driver.IoctlCmdSetPerdieEventfd, &bad))

	unset := make([]byte, 4)
	binary.LittleEndian.PutUint32(unset, driver.PerdieEventLogsAvailable)
	require.NoError(t, c.Ioctl(context.Background(), driver.IoctlCmdUnsetPerdieEvent, unset))
	binary.LittleEndian.PutUint32(unset, 3)
	testutil.RequireErrno(t, unix.EINVAL, c.Ioctl(context.Background(), driver.IoctlCmdUnsetPerdieEvent, unset))
}

func TestFatalErrorsWithoutGroup(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	arg := []byte{0xff, 0xff, 0xff, 0xff}
	require.NoError(t, c.Ioctl(context.Background(), driver.IoctlCmdGetFatalErrors, arg))
	assert.Zero(t, binary.LittleEndian.Uint32(arg))
}
