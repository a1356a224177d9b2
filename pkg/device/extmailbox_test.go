//go:build unit

package device_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/device"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/testutil"
)

// extArgs builds an ACQUIRE/RELEASE_EXT_MAILBOX argument whose attribute
// array lives in c's address space
func extArgs(c *device.Client, typ, count uint32) *driver.ExtMailboxIoctl {
	attr := testutil.DefaultAttr()
	buf := make([]byte, int(count)*driver.SizeOfMailboxAttr)
	for i := 0; i < int(count); i++ {
		attr.Encode(buf[i*driver.SizeOfMailboxAttr:])
	}
	var addr uint64
	if count > 0 {
		addr = testutil.Arena(c).Put(buf)
	}
	return &driver.ExtMailboxIoctl{Type: typ, Count: count, Attrs: addr}
}

func TestExtMailboxDisabledWithInKernelVII(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	testutil.RequireErrno(t, unix.EOPNOTSUPP,
		testutil.Ioctl(c, driver.IoctlCmdAcquireExtMailbox, extArgs(c, driver.ExtMailboxTypeTZ, 1)))
}

func TestExtMailboxArguments(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	tests := []struct {
		name  string
		typ   uint32
		count uint32
	}{
		{"unknown type", 7, 1},
		{"zero count", driver.ExtMailboxTypeTZ, 0},
		{"more than the range", driver.ExtMailboxTypeTZ, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.RequireErrno(t, unix.EINVAL,
				testutil.Ioctl(c, driver.IoctlCmdAcquireExtMailbox, extArgs(c, tt.typ, tt.count)))
		})
	}
	assert.Nil(t, c.Group().ExternalMailbox())
}

func TestExtMailboxNeedsWakeLock(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))
	c := h.Open(t)

	testutil.RequireErrno(t, unix.EINVAL,
		testutil.Ioctl(c, driver.IoctlCmdAcquireExtMailbox, extArgs(c, driver.ExtMailboxTypeTZ, 1)), "no group")
	testutil.Finalized(t, c, false)
	testutil.RequireErrno(t, unix.EAGAIN,
		testutil.Ioctl(c, driver.IoctlCmdAcquireExtMailbox, extArgs(c, driver.ExtMailboxTypeTZ, 1)))
}

func TestExtMailboxOwnership(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))
	a := h.OpenWith(t, device.OpenOptions{Writable: true, Privileged: true})
	b := h.Open(t)
	testutil.Finalized(t, a, true)
	testutil.Finalized(t, b, true)
	fw := h.Device.Firmware()

	require.NoError(t, testutil.Ioctl(a, driver.IoctlCmdAcquireExtMailbox, extArgs(a, driver.ExtMailboxTypeTZ, 1)))
	mb := a.Group().ExternalMailbox()
	require.NotNil(t, mb)
	assert.Equal(t, 9, mb.ID)
	assert.NotZero(t, fw.OpenMailboxes()&(1<<9))

	testutil.RequireErrno(t, unix.EBUSY,
		testutil.Ioctl(b, driver.IoctlCmdAcquireExtMailbox, extArgs(b, driver.ExtMailboxTypeTZ, 1)))
	testutil.RequireErrno(t, unix.EBUSY,
		testutil.Ioctl(b, driver.IoctlCmdReleaseExtMailbox, extArgs(b, driver.ExtMailboxTypeTZ, 0)))
	require.NoError(t, testutil.Ioctl(b, driver.IoctlCmdAcquireExtMailbox, extArgs(b, driver.ExtMailboxTypeGSA, 1)),
		"types are owned independently")

	groups, err := h.Device.Attr(device.AttrGroups)
	require.NoError(t, err)
	assert.Contains(t, groups, "x\n")

	vma, err := a.Mmap(driver.MmapExtCSROffset, driver.MmapPageSize)
	require.NoError(t, err)
	vma.Close()
	_, err = b.Mmap(driver.MmapExtCSROffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.EPERM, err)

	require.NoError(t, testutil.Ioctl(a, driver.IoctlCmdReleaseExtMailbox, extArgs(a, driver.ExtMailboxTypeTZ, 0)))
	assert.Nil(t, a.Group().ExternalMailbox())
	assert.Zero(t, fw.OpenMailboxes()&(1<<9))
	require.NoError(t, testutil.Ioctl(a, driver.IoctlCmdReleaseExtMailbox, extArgs(a, driver.ExtMailboxTypeTZ, 0)),
		"releasing a free type succeeds")

	_, err = a.Mmap(driver.MmapExtCSROffset, driver.MmapPageSize)
	testutil.RequireErrno(t, unix.ENOENT, err)
}

func TestExtMailboxClosedWithWakeLock(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithIKV(false))
	a := h.Open(t)
	b := h.Open(t)
	testutil.Finalized(t, a, true)
	testutil.Finalized(t, b, true)

	require.NoError(t, testutil.Ioctl(a, driver.IoctlCmdAcquireExtMailbox, extArgs(a, driver.ExtMailboxTypeGSA, 1)))
	require.NoError(t, testutil.Ioctl(a, driver.IoctlCmdReleaseWakeLock, nil))
	assert.Nil(t, a.Group().ExternalMailbox())

	require.NoError(t, testutil.Ioctl(b, driver.IoctlCmdAcquireExtMailbox, extArgs(b, driver.ExtMailboxTypeGSA, 1)))
	require.NoError(t, b.Release())
	require.NoError(t, testutil.Ioctl(a, driver.IoctlCmdAcquireWakeLock, nil))
	require.NoError(t, testutil.Ioctl(a, driver.IoctlCmdAcquireExtMailbox, extArgs(a, driver.ExtMailboxTypeGSA, 1)),
		"release returns the type")
}
