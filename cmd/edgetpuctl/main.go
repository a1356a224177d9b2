package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "edgetpuctl: %v\n", err)
		os.Exit(1)
	}
}

// newApp builds the command tree writing its output to out
func newApp(out io.Writer) *cli.App {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	return &cli.App{
		Name:      "edgetpuctl",
		Usage:     "inspect edgetpu nodes and drive the simulated control core",
		Version:   Version,
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "warning",
				Usage:   "logrus level: trace, debug, info, warning, error",
				EnvVars: []string{"EDGETPU_LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			scanCommand(),
			infoCommand(),
			smokeCommand(),
			abiCommand(),
			simulateCommand(log),
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "edgetpuctl version %s\n", Version)
					fmt.Fprintf(c.App.Writer, "  Build time: %s\n", BuildTime)
					fmt.Fprintf(c.App.Writer, "  Go version: %s\n", GoVersion)
					return nil
				},
			},
		},
	}
}
