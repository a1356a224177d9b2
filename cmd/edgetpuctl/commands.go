package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/emergingrobotics/go-edgetpu/pkg/config"
	"github.com/emergingrobotics/go-edgetpu/pkg/device"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/firmware"
)

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "list edgetpu nodes on this host",
		Action: func(c *cli.Context) error {
			nodes, err := device.Scan()
			if err != nil {
				return fmt.Errorf("scanning devices: %w", err)
			}
			w := c.App.Writer
			if len(nodes) == 0 {
				fmt.Fprintln(w, "No edgetpu devices found")
				return nil
			}
			fmt.Fprintf(w, "Found %d edgetpu device(s):\n", len(nodes))
			for i, n := range nodes {
				state, err := n.Attr(device.AttrFirmwareState)
				if err != nil {
					state = "?"
				}
				fmt.Fprintf(w, "  [%d] %s firmware %s\n", i, n.Path, state)
			}
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "query the firmware version of a device node",
		ArgsUsage: "<device>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: edgetpuctl info <device>")
			}
			path := c.Args().First()
			if !strings.ContainsRune(path, '/') {
				path = filepath.Join("/dev", path)
			}
			dev, err := driver.OpenDevice(path, true)
			if err != nil {
				return err
			}
			defer dev.Close()

			v, err := dev.FirmwareVersion()
			if err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Device: %s\n", path)
			fmt.Fprintf(w, "  Firmware: %d.%d\n", v.MajorVersion, v.MinorVersion)
			fmt.Fprintf(w, "  VII version: %d\n", v.VIIVersion)
			fmt.Fprintf(w, "  KCI version: %d\n", v.KCIVersion)
			return nil
		},
	}
}

// smokeCommand walks a real node through the wake-lock, group, and mapping
// ioctls, reporting each step
func smokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "smoke",
		Usage:     "exercise power, group, and mapping ioctls on a device node",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "buffer-size",
				Value: 4 * driver.MmapPageSize,
				Usage: "bytes of host memory to map",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: edgetpuctl smoke <device>")
			}
			path := c.Args().First()
			if !strings.ContainsRune(path, '/') {
				path = filepath.Join("/dev", path)
			}
			dev, err := driver.OpenDevice(path, true)
			if err != nil {
				return err
			}
			defer dev.Close()
			return smoke(c.App.Writer, dev, c.Int("buffer-size"))
		},
	}
}

func smoke(w io.Writer, dev *driver.DeviceFile, size int) error {
	if err := dev.AcquireWakeLock(); err != nil {
		return fmt.Errorf("acquire wakelock: %w", err)
	}
	defer dev.ReleaseWakeLock()
	fmt.Fprintln(w, "Wakelock: OK")

	ts, err := dev.TPUTimestamp()
	if err != nil {
		return fmt.Errorf("tpu timestamp: %w", err)
	}
	fmt.Fprintf(w, "TPU timestamp: %d\n", ts)

	attr := driver.MailboxAttr{
		CmdQueueSize:  4,
		RespQueueSize: 4,
		SizeofCmd:     driver.SizeOfVIICommand,
		SizeofResp:    driver.SizeOfVIIResponse,
	}
	if err := dev.CreateGroup(attr); err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	if err := dev.FinalizeGroup(); err != nil {
		return fmt.Errorf("finalize group: %w", err)
	}
	fmt.Fprintln(w, "Group: OK")

	buf := make([]byte, size)
	iova, err := dev.MapBuffer(buf, driver.MapDmaBidirectional)
	if err != nil {
		return fmt.Errorf("map buffer: %w", err)
	}
	fmt.Fprintf(w, "Mapped %d bytes at %#x\n", size, iova)
	if err := dev.UnmapBuffer(iova); err != nil {
		return fmt.Errorf("unmap buffer: %w", err)
	}

	errs, err := dev.FatalErrors()
	if err != nil {
		return fmt.Errorf("fatal errors: %w", err)
	}
	fmt.Fprintf(w, "Fatal errors: %#x\n", errs)
	return nil
}

func abiCommand() *cli.Command {
	return &cli.Command{
		Name:  "abi",
		Usage: "print ioctl struct sizes and command codes",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintln(w, "Struct Sizes:")
			sizes := []struct {
				name string
				size int
			}{
				{"MapIoctl", driver.SizeOfMapIoctl},
				{"EventRegister", driver.SizeOfEventRegister},
				{"MailboxAttr", driver.SizeOfMailboxAttr},
				{"SyncIoctl", driver.SizeOfSyncIoctl},
				{"MapDmabufIoctl", driver.SizeOfMapDmabufIoctl},
				{"CreateSyncFenceData", driver.SizeOfCreateSyncFenceData},
				{"SignalSyncFenceData", driver.SizeOfSignalSyncFenceData},
				{"SyncFenceStatus", driver.SizeOfSyncFenceStatus},
				{"FirmwareVersion", driver.SizeOfFirmwareVersion},
				{"ExtMailboxIoctl", driver.SizeOfExtMailboxIoctl},
				{"DeviceProperties", driver.SizeOfDeviceProperties},
				{"VIICommandIoctl", driver.SizeOfVIICommandIoctl},
				{"VIIResponse", driver.SizeOfVIIResponse},
				{"VIILitebufCommandIoctl", driver.SizeOfVIILitebufCommandIoctl},
				{"VIILitebufResponseIoctl", driver.SizeOfVIILitebufResponseIoctl},
			}
			for _, s := range sizes {
				fmt.Fprintf(w, "  %-24s %d bytes\n", s.name+":", s.size)
			}

			fmt.Fprintln(w)
			fmt.Fprintln(w, "IOCTL Command Codes:")
			cmds := driver.IoctlCommands()
			sort.Slice(cmds, func(i, j int) bool { return driver.IocNr(cmds[i]) < driver.IocNr(cmds[j]) })
			for _, cmd := range cmds {
				fmt.Fprintf(w, "  %-24s 0x%08x\n", driver.IoctlName(cmd)+":", cmd)
			}
			return nil
		},
	}
}

func simulateCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "run VII commands through a simulated device and dump its state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "device config file (.yaml or .toml)",
			},
			&cli.IntFlag{
				Name:  "count",
				Value: 3,
				Usage: "number of VII commands to send",
			},
			&cli.UintFlag{
				Name:  "code",
				Value: 1,
				Usage: "command code; the simulated firmware answers with it as retval",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "deadline for the whole run",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Default()
			if path := c.String("config"); path != "" {
				var err error
				if cfg, err = config.Load(path); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			return simulate(ctx, c, log, cfg)
		},
	}
}

func echoCode(j *firmware.Job) firmware.Result {
	return firmware.Result{Retval: uint64(j.Code)}
}

type ioctlArg interface {
	Encode([]byte)
	Decode([]byte)
}

func ioctl(ctx context.Context, cl *device.Client, cmd uint32, arg ioctlArg) error {
	buf := make([]byte, driver.IocSize(cmd))
	if arg != nil {
		arg.Encode(buf)
	}
	if err := cl.Ioctl(ctx, cmd, buf); err != nil {
		return fmt.Errorf("%s: %w", driver.IoctlName(cmd), err)
	}
	if arg != nil {
		arg.Decode(buf)
	}
	return nil
}

func simulate(ctx context.Context, c *cli.Context, log *logrus.Logger, cfg *config.Device) error {
	d, err := device.New(device.Options{
		Config:  cfg,
		Log:     log.WithField("device", cfg.Name),
		Execute: echoCode,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	pid := int32(os.Getpid())
	cl, err := d.Open(ctx, device.OpenOptions{
		Writable: true,
		Caller:   device.Caller{PID: pid, TGID: pid},
	})
	if err != nil {
		return err
	}
	defer cl.Release()

	if err := cl.AcquireWakeLock(ctx); err != nil {
		return err
	}
	attr := driver.MailboxAttr{
		CmdQueueSize:  4,
		RespQueueSize: 4,
		SizeofCmd:     driver.SizeOfVIICommand,
		SizeofResp:    driver.SizeOfVIIResponse,
	}
	if err := ioctl(ctx, cl, driver.IoctlCmdCreateGroup, &attr); err != nil {
		return err
	}
	if err := ioctl(ctx, cl, driver.IoctlCmdFinalizeGroup, nil); err != nil {
		return err
	}

	w := c.App.Writer
	g := cl.Group()
	for i := 0; i < c.Int("count"); i++ {
		cmd := driver.VIICommandIoctl{Command: driver.VIICommand{
			Seq:  uint64(i + 1),
			Code: uint16(c.Uint("code")),
		}}
		if err := ioctl(ctx, cl, driver.IoctlCmdVIICommand, &cmd); err != nil {
			return err
		}
		b, err := g.WaitVIIResponse(ctx)
		if err != nil {
			return err
		}
		var resp driver.VIIResponse
		resp.Decode(b)
		fmt.Fprintf(w, "seq %d code %d retval %d\n", resp.Seq, resp.Code, resp.Retval)
	}

	for _, name := range []string{device.AttrClients, device.AttrGroups, device.AttrMailboxes} {
		fmt.Fprintf(w, "== %s\n", name)
		if err := d.ShowAttr(w, name); err != nil {
			return err
		}
	}
	fmt.Fprintln(w, "== metrics")
	if err := d.Metrics().Dump(w); err != nil {
		return err
	}
	return cl.ReleaseWakeLock(ctx)
}
