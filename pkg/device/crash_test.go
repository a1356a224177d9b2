//go:build unit

package device_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/config"
	"github.com/emergingrobotics/go-edgetpu/pkg/device"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/testutil"
)

func fatalErrors(t *testing.T, c *device.Client) uint32 {
	t.Helper()
	arg := make([]byte, 4)
	require.NoError(t, c.Ioctl(context.Background(), driver.IoctlCmdGetFatalErrors, arg))
	return binary.LittleEndian.Uint32(arg)
}

func TestFirmwareCrashFailsGroups(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	g := c.Group()
	fw := h.Device.Firmware()

	ev, err := testutil.NewEventReader()
	require.NoError(t, err)
	defer ev.Close()
	reg := driver.EventRegister{EventID: driver.EventFatalError, EventFD: uint32(ev.FD())}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdSetEventfd, &reg))

	fw.Hold(3)
	cmd := driver.VIICommandIoctl{Command: driver.VIICommand{Seq: 9, Code: 3}}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdVIICommand, &cmd))
	require.Eventually(t, func() bool { return fw.Parked() == 1 }, testutil.Wait, testutil.Tick)

	require.NoError(t, fw.Crash(kci.CrashUnrecoverableFault))
	require.Eventually(t, func() bool { return g.Status() == device.GroupErrored }, testutil.Wait, testutil.Tick)
	assert.Equal(t, uint32(driver.ErrorFWCrash), fatalErrors(t, c))
	assert.Equal(t, uint64(1), h.Device.FirmwareCrashes())
	assert.Equal(t, device.StateBad, h.Device.State())

	require.Eventually(t, func() bool {
		n, err := ev.Read()
		return err == nil && n > 0
	}, testutil.Wait, testutil.Tick)

	resp := awaitResponse(t, c)
	assert.Equal(t, uint64(9), resp.Seq)
	assert.Equal(t, uint16(driver.VIIResponseCodeKernelCanceled), resp.Code)
	assert.Equal(t, uint64(driver.ErrorFWCrash), resp.Retval)

	host := testutil.Arena(c).Alloc(driver.MmapPageSize)
	arg := driver.MapIoctl{HostAddress: host, Size: driver.MmapPageSize}
	testutil.RequireErrno(t, unix.ECANCELED, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg))

	count, err := h.Device.Attr(device.AttrFirmwareCrashCount)
	require.NoError(t, err)
	assert.Equal(t, "1\n", count)
	groups, err := h.Device.Attr(device.AttrGroups)
	require.NoError(t, err)
	assert.Contains(t, groups, "group 1 error 0x1 ")

	boots := fw.Boots()
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdAcquireWakeLock, nil))
	assert.Equal(t, device.StateGood, h.Device.State(), "next power reference reloads the firmware")
	assert.Equal(t, boots+1, fw.Boots())
	assert.Equal(t, device.GroupErrored, g.Status(), "errors stick to the group")
}

func TestNonFatalCrashOnlyDumps(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	fw := h.Device.Firmware()

	require.NoError(t, fw.Crash(kci.CrashUnrecoverableFault+1))
	require.Eventually(t, func() bool { return fw.Records().DebugDumps == 1 }, testutil.Wait, testutil.Tick)
	assert.Zero(t, h.Device.FirmwareCrashes())
	assert.Equal(t, device.StateGood, h.Device.State())
	assert.Equal(t, device.GroupFinalized, c.Group().Status())
}

func TestClientFatalError(t *testing.T) {
	h := testutil.NewDevice(t)
	a := h.Open(t)
	b := h.Open(t)
	testutil.Finalized(t, a, true)
	testutil.Finalized(t, b, true)
	fw := h.Device.Firmware()

	require.NoError(t, fw.ClientFatalError(kci.ClientID(0, 0, b.Group().PASID())))
	require.Eventually(t, func() bool {
		return b.Group().FatalErrors() == driver.ErrorClientContextCrash
	}, testutil.Wait, testutil.Tick)
	assert.Equal(t, uint32(driver.ErrorClientContextCrash), fatalErrors(t, b))
	assert.Zero(t, fatalErrors(t, a))
	require.Eventually(t, func() bool {
		return len(fw.Records().Acks) == 1
	}, testutil.Wait, testutil.Tick)
	assert.Equal(t, []uint16{kci.RKCIClientFatalError}, fw.Records().Acks)
}

func TestJobLockup(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	g := c.Group()
	require.NoError(t, h.Device.Firmware().JobLockup(g.VCID()))
	require.Eventually(t, func() bool {
		return g.FatalErrors() == driver.ErrorRuntimeTimeout
	}, testutil.Wait, testutil.Tick)
	assert.Equal(t, device.GroupErrored, c.Group().Status())
}

func TestReverseForUnknownContextIsLogged(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, true)

	require.NoError(t, h.Device.Firmware().ClientFatalError(kci.ClientID(0, 0, 6)))
	require.Eventually(t, func() bool {
		for _, e := range h.Logs.AllEntries() {
			if e.Message == "client fatal error for unknown context" {
				return true
			}
		}
		return false
	}, testutil.Wait, testutil.Tick)
	assert.Zero(t, fatalErrors(t, c))
}

func TestHandleFault(t *testing.T) {
	h := testutil.NewDevice(t)
	c := h.Open(t)
	testutil.Finalized(t, c, false)
	host := testutil.Arena(c).Alloc(2 * driver.MmapPageSize)
	arg := driver.MapIoctl{HostAddress: host, Size: 2 * driver.MmapPageSize}
	require.NoError(t, testutil.Ioctl(c, driver.IoctlCmdMapBuffer, &arg))
	pasid := c.Group().PASID()

	tests := []struct {
		name  string
		pasid uint32
		iova  uint64
		level logrus.Level
		msg   string
	}{
		{"inside a buffer", pasid, arg.DeviceAddress + driver.MmapPageSize + 8, logrus.ErrorLevel, "fault inside a mapped buffer"},
		{"unmapped", pasid, arg.DeviceAddress + 64*driver.MmapPageSize, logrus.ErrorLevel, "fault on an unmapped address"},
		{"unknown pasid", pasid + 3, arg.DeviceAddress, logrus.WarnLevel, "fault on an address space no group owns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.Device.HandleFault(tt.pasid, tt.iova)
			e := h.Logs.LastEntry()
			require.NotNil(t, e)
			assert.Equal(t, tt.level, e.Level)
			assert.Equal(t, tt.msg, e.Message)
		})
	}
}

func TestWatchdogRestartsHungFirmware(t *testing.T) {
	h := testutil.NewDevice(t, testutil.WithConfig(func(cfg *config.Device) {
		cfg.Watchdog.Period = 20 * time.Millisecond
		cfg.Watchdog.Strikes = 2
	}))
	c := h.Open(t)
	testutil.Finalized(t, c, true)
	fw := h.Device.Firmware()
	boots := fw.Boots()

	fw.SetHang(true)
	require.Eventually(t, func() bool { return h.Device.WatchdogTimeouts() >= 1 }, testutil.Wait, testutil.Tick)
	require.Eventually(t, func() bool {
		return fw.Boots() > boots && h.Device.State() == device.StateGood
	}, testutil.Wait, testutil.Tick)

	assert.NotZero(t, fatalErrors(t, c)&driver.ErrorWatchdogTimeout)
	assert.False(t, fw.Hung())

	count, err := h.Device.Attr(device.AttrWatchdogTimeoutCount)
	require.NoError(t, err)
	assert.NotEqual(t, "0\n", count)
}
