// Package config holds the tunables of a device instance and loads them from
// YAML or TOML files.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
)

// Mailboxes describes the hardware mailbox table
type Mailboxes struct {
	Count int `yaml:"count" toml:"count"`
	// VII counts the VII mailboxes, including the in-kernel VII one
	VII      int                      `yaml:"vii" toml:"vii"`
	External map[string]mailbox.Range `yaml:"external" toml:"external"`
}

// Watchdog configures the firmware liveness check
type Watchdog struct {
	Period  time.Duration `yaml:"period" toml:"period"`
	Strikes int           `yaml:"strikes" toml:"strikes"`
}

// Telemetry configures the log and trace rings handed to the firmware
type Telemetry struct {
	Buffers    int `yaml:"buffers" toml:"buffers"`
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`
}

// Window is a span of device addresses
type Window struct {
	Base uint64 `yaml:"base" toml:"base"`
	Size uint64 `yaml:"size" toml:"size"`
}

// Firmware configures the simulated firmware image
type Firmware struct {
	VIIFormat   string `yaml:"vii_format" toml:"vii_format"`
	BootRetries int    `yaml:"boot_retries" toml:"boot_retries"`
}

// Device is the full set of driver knobs for one device
type Device struct {
	Name string `yaml:"name" toml:"name"`
	// ForceIKV is 0 to disable the in-kernel VII, 1 to enable it, anything
	// else to follow DeviceTreeIKV
	ForceIKV      int  `yaml:"force_ikv" toml:"force_ikv"`
	DeviceTreeIKV bool `yaml:"device_tree_ikv" toml:"device_tree_ikv"`

	Mailboxes Mailboxes `yaml:"mailboxes" toml:"mailboxes"`

	KCITimeout   time.Duration `yaml:"kci_timeout" toml:"kci_timeout"`
	IKVTimeout   time.Duration `yaml:"ikv_timeout" toml:"ikv_timeout"`
	FenceTimeout time.Duration `yaml:"fence_timeout" toml:"fence_timeout"`
	Credits      int           `yaml:"credits" toml:"credits"`

	Watchdog  Watchdog  `yaml:"watchdog" toml:"watchdog"`
	Telemetry Telemetry `yaml:"telemetry" toml:"telemetry"`
	IOVA      Window    `yaml:"iova" toml:"iova"`
	Coherent  Window    `yaml:"coherent" toml:"coherent"`
	Firmware  Firmware  `yaml:"firmware" toml:"firmware"`

	ThermalSuspended bool `yaml:"thermal_suspended" toml:"thermal_suspended"`
}

// External mailbox type names accepted in Mailboxes.External
var externalTypes = map[string]uint32{
	"tz":  driver.ExtMailboxTypeTZ,
	"gsa": driver.ExtMailboxTypeGSA,
}

// Default returns the configuration used when no file is given
func Default() *Device {
	return &Device{
		Name:          "edgetpu",
		ForceIKV:      -1,
		DeviceTreeIKV: true,
		Mailboxes: Mailboxes{
			Count: 16,
			VII:   8,
			External: map[string]mailbox.Range{
				"tz":  {Start: 9, End: 11},
				"gsa": {Start: 11, End: 12},
			},
		},
		KCITimeout:   5 * time.Second,
		IKVTimeout:   120 * time.Second,
		FenceTimeout: 10 * time.Second,
		Credits:      driver.NumVIICredits,
		Watchdog:     Watchdog{Period: 10 * time.Second, Strikes: 2},
		Telemetry:    Telemetry{Buffers: 1, BufferSize: 16 * driver.MmapPageSize},
		IOVA:         Window{Base: 0x10000000, Size: 0x40000000},
		Coherent:     Window{Base: 0x90000000, Size: 16 << 20},
		Firmware:     Firmware{VIIFormat: "flatbuffer", BootRetries: 3},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .toml. Unknown keys are rejected.
func Load(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.ErrnoOf(err), "read config", err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = cfg.decodeYAML(data)
	case ".toml":
		err = cfg.decodeTOML(data)
	default:
		return nil, driver.Errorf(unix.EINVAL, "config %s: unsupported format", path)
	}
	if err != nil {
		return nil, driver.NewErrorWithCause(unix.EINVAL, "parse config "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML decodes a YAML document over the defaults
func ParseYAML(data []byte) (*Device, error) {
	cfg := Default()
	if err := cfg.decodeYAML(data); err != nil {
		return nil, driver.NewErrorWithCause(unix.EINVAL, "parse config", err)
	}
	return cfg, cfg.Validate()
}

// ParseTOML decodes a TOML document over the defaults
func ParseTOML(data []byte) (*Device, error) {
	cfg := Default()
	if err := cfg.decodeTOML(data); err != nil {
		return nil, driver.NewErrorWithCause(unix.EINVAL, "parse config", err)
	}
	return cfg, cfg.Validate()
}

// decode runs fn over d. A file listing external mailboxes replaces the
// default table instead of merging into it.
func (d *Device) decode(fn func() error) error {
	ext := d.Mailboxes.External
	d.Mailboxes.External = nil
	err := fn()
	if d.Mailboxes.External == nil {
		d.Mailboxes.External = ext
	}
	return err
}

func (d *Device) decodeYAML(data []byte) error {
	return d.decode(func() error {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(d); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	})
}

func (d *Device) decodeTOML(data []byte) error {
	return d.decode(func() error {
		md, err := toml.Decode(string(data), d)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return driver.Errorf(unix.EINVAL, "unknown keys %v", undecoded)
		}
		return nil
	})
}

// Validate reports every inconsistent value at once
func (d *Device) Validate() error {
	var result *multierror.Error
	bad := func(format string, args ...interface{}) {
		result = multierror.Append(result, driver.Errorf(unix.EINVAL, format, args...))
	}

	if d.Mailboxes.Count < 1 || d.Mailboxes.VII < 0 || 1+d.Mailboxes.VII > d.Mailboxes.Count {
		bad("mailboxes: %d VII mailboxes do not fit in %d", d.Mailboxes.VII, d.Mailboxes.Count)
	}
	if d.UseIKV() && d.Mailboxes.VII < 1 {
		bad("mailboxes: in-kernel VII needs a VII mailbox")
	}
	for name, r := range d.Mailboxes.External {
		if _, ok := externalTypes[name]; !ok {
			bad("mailboxes: unknown external type %q", name)
		}
		if r.Start < 1 || r.End > d.Mailboxes.Count || r.Len() <= 0 {
			bad("mailboxes: bad %s range %d-%d", name, r.Start, r.End)
		}
	}
	if d.KCITimeout <= 0 || d.IKVTimeout <= 0 || d.FenceTimeout <= 0 {
		bad("timeouts must be positive")
	}
	if d.Credits < 1 {
		bad("credits: %d", d.Credits)
	}
	if d.Watchdog.Period < 0 || d.Watchdog.Strikes < 1 {
		bad("watchdog: period %s strikes %d", d.Watchdog.Period, d.Watchdog.Strikes)
	}
	if d.Telemetry.Buffers < 0 || d.Telemetry.Buffers > driver.TelemetryMaxBuffers {
		bad("telemetry: %d buffers", d.Telemetry.Buffers)
	}
	if d.Telemetry.Buffers > 0 && (d.Telemetry.BufferSize <= 0 || d.Telemetry.BufferSize%driver.MmapPageSize != 0) {
		bad("telemetry: buffer size %d is not a page multiple", d.Telemetry.BufferSize)
	}
	if d.IOVA.Size == 0 || d.IOVA.Base%driver.MmapPageSize != 0 {
		bad("iova: window %#x+%#x", d.IOVA.Base, d.IOVA.Size)
	}
	if d.Coherent.Size == 0 {
		bad("coherent: empty window")
	}
	if d.IOVA.Size > 0 && d.Coherent.Size > 0 &&
		d.IOVA.Base < d.Coherent.Base+d.Coherent.Size && d.Coherent.Base < d.IOVA.Base+d.IOVA.Size {
		bad("iova window overlaps the coherent window")
	}
	switch d.Firmware.VIIFormat {
	case "flatbuffer", "litebuf":
	default:
		bad("firmware: unknown vii format %q", d.Firmware.VIIFormat)
	}
	if d.Firmware.BootRetries < 0 {
		bad("firmware: boot retries %d", d.Firmware.BootRetries)
	}

	if err := result.ErrorOrNil(); err != nil {
		return driver.NewErrorWithCause(unix.EINVAL, "config "+d.Name, err)
	}
	return nil
}

// UseIKV resolves force_ikv against the device tree property
func (d *Device) UseIKV() bool { return mailbox.ResolveIKV(d.ForceIKV, d.DeviceTreeIKV) }

// MailboxConfig converts the mailbox section for mailbox.NewManager
func (d *Device) MailboxConfig() mailbox.Config {
	ext := make(map[uint32]mailbox.Range, len(d.Mailboxes.External))
	for name, r := range d.Mailboxes.External {
		if typ, ok := externalTypes[name]; ok {
			ext[typ] = r
		}
	}
	return mailbox.Config{
		NumMailboxes: d.Mailboxes.Count,
		NumVII:       d.Mailboxes.VII,
		UseIKV:       d.UseIKV(),
		External:     ext,
	}
}
