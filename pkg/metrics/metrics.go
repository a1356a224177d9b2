// Package metrics exposes the per-device Prometheus collectors.
package metrics

import (
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/pkg/vii"
)

// Sources are read on every scrape so the sysfs counters and the collectors
// report the same values
type Sources struct {
	FirmwareCrashes  func() uint64
	WatchdogTimeouts func() uint64
	WakeLockHolders  func() int
	PowerRefcount    func() int
}

// Metrics is one device's registry and collectors
type Metrics struct {
	Registry *prometheus.Registry

	kciTimeouts   *prometheus.CounterVec
	viiCommands   *prometheus.CounterVec
	ioctls        *prometheus.CounterVec
	firmwareUsage *prometheus.GaugeVec
}

// New registers the device collectors in a private registry
func New(device string, src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"device": device}
	f := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		kciTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "edgetpu_kci_timeouts_total",
			Help:        "KCI commands that got no response in time",
			ConstLabels: labels,
		}, []string{"code"}),
		viiCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "edgetpu_vii_commands_total",
			Help:        "VII commands completed, by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ioctls: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "edgetpu_ioctls_total",
			Help:        "Ioctls handled, by command and errno",
			ConstLabels: labels,
		}, []string{"cmd", "errno"}),
		firmwareUsage: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "edgetpu_firmware_usage",
			Help:        "Last usage counters reported by the firmware",
			ConstLabels: labels,
		}, []string{"metric"}),
	}

	if src.FirmwareCrashes != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name:        "edgetpu_firmware_crash_total",
			Help:        "Unrecoverable firmware crashes",
			ConstLabels: labels,
		}, func() float64 { return float64(src.FirmwareCrashes()) })
	}
	if src.WatchdogTimeouts != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name:        "edgetpu_watchdog_timeout_total",
			Help:        "Firmware watchdog escalations",
			ConstLabels: labels,
		}, func() float64 { return float64(src.WatchdogTimeouts()) })
	}
	if src.WakeLockHolders != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "edgetpu_wakelock_holders",
			Help:        "Clients holding a wake-lock",
			ConstLabels: labels,
		}, func() float64 { return float64(src.WakeLockHolders()) })
	}
	if src.PowerRefcount != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "edgetpu_power_refcount",
			Help:        "Device power references",
			ConstLabels: labels,
		}, func() float64 { return float64(src.PowerRefcount()) })
	}
	return m
}

// KCITimeout counts a KCI command timeout
func (m *Metrics) KCITimeout(code kci.Code) {
	m.kciTimeouts.WithLabelValues(code.String()).Inc()
}

// VIICompleted counts a VII completion by its response code
func (m *Metrics) VIICompleted(code uint16) {
	result := "ok"
	switch {
	case code >= driver.VIIResponseCodeKernelBase:
		result = vii.ResponseCodeString(code)
	case code != 0:
		result = "fw-error"
	}
	m.viiCommands.WithLabelValues(result).Inc()
}

// Ioctl counts one ioctl and the errno it returned
func (m *Metrics) Ioctl(cmd string, err error) {
	errno := "0"
	if err != nil {
		errno = driver.ErrnoOf(err).Error()
	}
	m.ioctls.WithLabelValues(cmd, errno).Inc()
}

var usageNames = map[uint16]string{
	kci.UsageTPUActive:     "tpu_active",
	kci.UsageComponentUtil: "component_util",
	kci.UsageCounter:       "counter",
	kci.UsageThreadStats:   "thread_stats",
}

// Usage records a firmware usage report
func (m *Metrics) Usage(report []kci.UsageMetric) {
	for _, u := range report {
		name, ok := usageNames[u.Type]
		if !ok {
			name = fmt.Sprintf("type_%d", u.Type)
		}
		m.firmwareUsage.WithLabelValues(name).Set(float64(u.Value))
	}
}

// Dump writes one "name{labels} value" line per sample, sorted by name
func (m *Metrics) Dump(w io.Writer) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, mf := range families {
		for _, s := range mf.GetMetric() {
			var value float64
			switch {
			case s.GetCounter() != nil:
				value = s.GetCounter().GetValue()
			case s.GetGauge() != nil:
				value = s.GetGauge().GetValue()
			default:
				continue
			}
			labels := ""
			for _, lp := range s.GetLabel() {
				if lp.GetName() == "device" {
					continue
				}
				if labels != "" {
					labels += ","
				}
				labels += fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue())
			}
			if labels != "" {
				labels = "{" + labels + "}"
			}
			fmt.Fprintf(w, "%s%s %g\n", mf.GetName(), labels, value)
		}
	}
	return nil
}
