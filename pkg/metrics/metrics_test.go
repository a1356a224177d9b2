//go:build unit

package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
)

func TestSourcesAreReadOnScrape(t *testing.T) {
	var crashes uint64
	holders := 0
	m := New("tpu0", Sources{
		FirmwareCrashes: func() uint64 { return crashes },
		WakeLockHolders: func() int { return holders },
	})

	crashes, holders = 2, 1
	want := `
# HELP edgetpu_firmware_crash_total Unrecoverable firmware crashes
# TYPE edgetpu_firmware_crash_total counter
edgetpu_firmware_crash_total{device="tpu0"} 2
# HELP edgetpu_wakelock_holders Clients holding a wake-lock
# TYPE edgetpu_wakelock_holders gauge
edgetpu_wakelock_holders{device="tpu0"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(want),
		"edgetpu_firmware_crash_total", "edgetpu_wakelock_holders"))
}

func TestVIICompletedResults(t *testing.T) {
	m := New("tpu0", Sources{})
	m.VIICompleted(0)
	m.VIICompleted(0)
	m.VIICompleted(3)
	m.VIICompleted(driver.VIIResponseCodeKernelCanceled)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.viiCommands.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viiCommands.WithLabelValues("fw-error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viiCommands.WithLabelValues("canceled")))
}

func TestDumpIsSorted(t *testing.T) {
	m := New("tpu0", Sources{PowerRefcount: func() int { return 3 }})
	m.KCITimeout(kci.CodeGetUsage)
	m.Usage([]kci.UsageMetric{{Type: kci.UsageTPUActive, Value: 42}, {Type: 99, Value: 1}})

	var buf bytes.Buffer
	require.NoError(t, m.Dump(&buf))
	assert.Equal(t, `edgetpu_firmware_usage{metric="tpu_active"} 42
edgetpu_firmware_usage{metric="type_99"} 1
edgetpu_kci_timeouts_total{code="get_usage"} 1
edgetpu_power_refcount 3
`, buf.String())
}
