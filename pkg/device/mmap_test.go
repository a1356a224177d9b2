//go:build unit

package device_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/device"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/power"
	"github.com/emergingrobotics/go-edgetpu/testutil"
)

func TestMmapArguments(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))
	c := h.Open(t)

	tests := []struct {
		name   string
		offset uint64
		length int
	}{
		{"unaligned", driver.MmapCSROffset + 8, driver.MmapPageSize},
		{"empty", driver.MmapCSROffset, 0},
		{"unknown region", 0x100000, driver.MmapPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Mmap(tt.offset, tt.length)
			testutil.RequireErrno(t, unix.EINVAL, err)
		})
	}
}

func TestMmapWithInKernelVII(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	_, err := c.Mmap(driver.MmapCSROffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.EINVAL, err)
	_, err = c.Mmap(driver.MmapCmdQueueOffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.EINVAL, err)

	vma, err := c.Mmap(driver.MmapLogBufferOffset, driver.MmapPageSize)
	require.NoError(t, err)
	assert.Len(t, vma.Data, driver.MmapPageSize)
	vma.Close()

	vma, err = c.Mmap(driver.MmapTraceBufferOffset, 1<<30)
	require.NoError(t, err)
	assert.Len(t, vma.Data, h.Device.Config().Telemetry.BufferSize, "clamped to the ring")
	vma.Close()

	_, err = c.Mmap(driver.MmapLog1BufferOffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.ENODEV, err)
}

func TestMmapMailboxHoldsWakeLock(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))
	c := h.Open(t)

	_, err := c.Mmap(driver.MmapCSROffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.EAGAIN, err, "no wakelock")

	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdAcquireWakeLock, nil))
	_, err = c.Mmap(driver.MmapCSROffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.EINVAL, err, "no group")
	assert.Zero(t, c.WakeLock().EventCount(power.EventMboxCSR))

	attr := testutil.DefaultAttr()
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdFinalizeGroup, nil))

	csr, err := c.Mmap(driver.MmapCSROffset, driver.MmapPageSize)
	require.NoError(t, err)
	cmdq, err := c.Mmap(driver.MmapCmdQueueOffset, 64*driver.MmapPageSize)
	require.NoError(t, err)
	assert.Len(t, cmdq.Data, int(attr.CmdQueueSize)*driver.MailboxQueueSizeUnitBytes)
	assert.Equal(t, 1, c.WakeLock().EventCount(power.EventMboxCSR))
	assert.Equal(t, 1, c.WakeLock().EventCount(power.EventCmdQueue))

	testutil.RequireErrno(t, unix.EAGAIN, testutil.Ioctl(c, driver.IoctlCmdReleaseWakeLock, nil))
	assert.Equal(t, 1, c.WakeLock().Count())

	csr.Close()
	cmdq.Close()
	cmdq.Close()
	assert.Zero(t, c.WakeLock().EventCount(power.EventCmdQueue))
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdReleaseWakeLock, nil))
}

func TestMmapSplit(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))
	c := h.Open(t)
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdAcquireWakeLock, nil))
	attr := testutil.DefaultAttr()
	attr.RespQueueSize = 8
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdCreateGroup, &attr))
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdFinalizeGroup, nil))

	head, err := c.Mmap(driver.MmapRespQueueOffset, 8*driver.MailboxQueueSizeUnitBytes)
	require.NoError(t, err)

	_, err = head.Split(100)
	testutil.RequireErrno(t, unix.EINVAL, err)
	_, err = head.Split(len(head.Data))
	testutil.RequireErrno(t, unix.EINVAL, err)

	tail, err := head.Split(driver.MmapPageSize)
	require.NoError(t, err)
	assert.Len(t, head.Data, driver.MmapPageSize)
	assert.Equal(t, head.Offset+driver.MmapPageSize, tail.Offset)
	assert.Equal(t, 2, c.WakeLock().EventCount(power.EventRespQueue))

	head.Close()
	testutil.RequireErrno(t, unix.EAGAIN, testutil.Ioctl(c, driver.IoctlCmdReleaseWakeLock, nil), "tail still mapped")
	tail.Close()
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdReleaseWakeLock, nil))
}

func TestMmapFullCSR(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))

	user := h.Open(t)
	require.NoError(t, testutil.Ioctl(user, driver.IoctlCmdAcquireWakeLock, nil))
	_, err := user.Mmap(driver.MmapFullCSROffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.EPERM, err)
	assert.Zero(t, user.WakeLock().EventCount(power.EventFullCSR))

	root := h.OpenWith(t, device.OpenOptions{Writable: true, Privileged: true})
	require.NoError(t, testutil.Ioctl(root, driver.IoctlCmdAcquireWakeLock, nil))
	vma, err := root.Mmap(driver.MmapFullCSROffset, device.FullCSRSize)
	require.NoError(t, err)
	assert.Len(t, vma.Data, device.FullCSRSize)
	assert.Equal(t, 1, root.WakeLock().EventCount(power.EventFullCSR))
	vma.Close()
}
