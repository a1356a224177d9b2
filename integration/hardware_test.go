//go:build integration

package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/testutil"
)

func TestHardwareFirmwareVersion(t *testing.T) {
	node := testutil.SkipIfNoDevice(t)
	dev, err := driver.OpenDevice(node.Path, true)
	require.NoError(t, err)
	defer dev.Close()

	v, err := dev.FirmwareVersion()
	require.NoError(t, err)
	t.Logf("%s firmware %d.%d vii %d kci %d", node.Path, v.MajorVersion, v.MinorVersion, v.VIIVersion, v.KCIVersion)
}

func TestHardwareGroupAndMapping(t *testing.T) {
	node := testutil.SkipIfNoDevice(t)
	dev, err := driver.OpenDevice(node.Path, true)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.AcquireWakeLock())
	defer dev.ReleaseWakeLock()

	ts1, err := dev.TPUTimestamp()
	require.NoError(t, err)
	ts2, err := dev.TPUTimestamp()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts2, ts1)

	require.NoError(t, dev.CreateGroup(driver.MailboxAttr{
		CmdQueueSize:  4,
		RespQueueSize: 4,
		SizeofCmd:     driver.SizeOfVIICommand,
		SizeofResp:    driver.SizeOfVIIResponse,
	}))
	require.NoError(t, dev.FinalizeGroup())

	buf := testutil.MakeRandomBytes(4 * driver.MmapPageSize)
	iova, err := dev.MapBuffer(buf, driver.MapDmaBidirectional)
	require.NoError(t, err)
	assert.NotZero(t, iova)
	require.NoError(t, dev.UnmapBuffer(iova))

	errs, err := dev.FatalErrors()
	require.NoError(t, err)
	assert.Zero(t, errs)
}

func TestHardwareReadOnlyOpenRejectsIoctls(t *testing.T) {
	node := testutil.SkipIfNoDevice(t)
	dev, err := driver.OpenDevice(node.Path, false)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.FatalErrors()
	require.Error(t, err)
}
