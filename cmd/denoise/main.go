package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/23skdu/longbow-denoise/internal/logger"
	"github.com/23skdu/longbow-denoise/internal/monitoring"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Log.Error("denoise failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "denoise",
		Usage: "denoise rendered frames with guide layers on one or more accelerators",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error", EnvVars: []string{"DENOISE_LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-format", Value: "console", Usage: "console or json", EnvVars: []string{"DENOISE_LOG_FORMAT"}},
		},
		Before: func(c *cli.Context) error {
			logger.Setup(c.String("log-level"), c.String("log-format"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "denoise frames and write them to the output sink",
				ArgsUsage: "color[,albedo[,normal]] ...",
				Description: `Each argument is one frame: the noisy color image, optionally followed
by the albedo and normal guide images, separated by commas. The richest
denoiser variant the frame provides layers for is used.`,
				Flags:  append(configFlags(), runFlags()...),
				Action: runFrames,
			},
			{
				Name:   "plan",
				Usage:  "print the device memory plan for a resolution",
				Flags:  append(configFlags(), planFlags()...),
				Action: printPlan,
			},
			{
				Name:   "devices",
				Usage:  "list available devices and their capabilities",
				Flags:  []cli.Flag{&cli.IntFlag{Name: "devices", Value: 1, Usage: "host devices to list (host backend only)"}},
				Action: listDevices,
			},
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startMonitor serves health and metrics on addr until the returned stop
// function is called. An empty addr disables the server.
func startMonitor(addr string) (*monitoring.HealthMonitor, func()) {
	hm := monitoring.NewHealthMonitor()
	if addr == "" {
		return hm, func() {}
	}
	go func() {
		if err := hm.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("monitor server error", "error", err)
		}
	}()
	return hm, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hm.Stop(ctx); err != nil {
			logger.Log.Warn("monitor shutdown", "error", err)
		}
	}
}

func exitf(format string, args ...interface{}) error {
	return cli.Exit(fmt.Sprintf(format, args...), 2)
}
