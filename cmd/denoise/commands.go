package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/23skdu/longbow-denoise/internal/config"
	"github.com/23skdu/longbow-denoise/internal/denoise"
	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
	"github.com/23skdu/longbow-denoise/internal/imageio"
	"github.com/23skdu/longbow-denoise/internal/logger"
	"github.com/23skdu/longbow-denoise/internal/sink"
)

func configFlags() []cli.Flag {
	def := config.Default()
	kinds := make([]string, len(def.InputKinds))
	for i, k := range def.InputKinds {
		kinds[i] = k.String()
	}
	return []cli.Flag{
		&cli.StringFlag{Name: "kinds", Value: strings.Join(kinds, ","), Usage: "denoiser variants in priority order"},
		&cli.StringFlag{Name: "model", Value: def.Model.String(), Usage: "hdr or ldr"},
		&cli.StringFlag{Name: "tile", Value: fmt.Sprintf("%dx%d", def.TileWidth, def.TileHeight), Usage: "tile size, WxH or N"},
		&cli.IntFlag{Name: "overlap", Value: def.Overlap, Usage: "tile overlap in pixels, -1 for the engine default"},
		&cli.StringFlag{Name: "format", Value: def.Format.String(), Usage: "device pixel format"},
		&cli.Float64Flag{Name: "blend", Value: float64(def.BlendFactor), Usage: "blend factor between denoised (0) and noisy (1)"},
		&cli.StringFlag{Name: "budget", Usage: "device memory budget, e.g. 4GiB (default: device total)"},
		&cli.IntFlag{Name: "devices", Value: def.Devices, Usage: "number of devices to spread frames over"},
	}
}

func runFlags() []cli.Flag {
	def := config.Default()
	return []cli.Flag{
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: def.OutputSink, Usage: "output sink: file:<path>, arrow:<path>, flight://host:port or memory"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve health and metrics on this address"},
	}
}

func planFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "width", Value: 1920, Usage: "frame width"},
		&cli.IntFlag{Name: "height", Value: 1080, Usage: "frame height"},
	}
}

func configFromFlags(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	cfg.LogLevel = c.String("log-level")
	cfg.LogFormat = c.String("log-format")

	var err error
	if cfg.InputKinds, err = config.ParseInputKinds(c.String("kinds")); err != nil {
		return cfg, err
	}
	if cfg.Model, err = engine.ParseModelKind(c.String("model")); err != nil {
		return cfg, err
	}
	if cfg.TileWidth, cfg.TileHeight, err = config.ParseTileSize(c.String("tile")); err != nil {
		return cfg, err
	}
	if cfg.Format, err = device.ParsePixelFormat(c.String("format")); err != nil {
		return cfg, err
	}
	if s := c.String("budget"); s != "" {
		b, err := humanize.ParseBytes(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid budget %q: %w", s, err)
		}
		cfg.MemoryBudget = int64(b)
	}
	cfg.Overlap = c.Int("overlap")
	cfg.BlendFactor = float32(c.Float64("blend"))
	cfg.Devices = c.Int("devices")
	if s := c.String("out"); s != "" {
		cfg.OutputSink = s
	}
	cfg.MetricsAddr = c.String("metrics-addr")
	return cfg, cfg.Validate()
}

// parseFrame turns "color[,albedo[,normal]]" into the frame name and its
// layer paths.
func parseFrame(arg string) (string, []string, error) {
	var paths []string
	for _, p := range strings.Split(arg, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 || len(paths) > 3 {
		return "", nil, fmt.Errorf("frame %q: want 1 to 3 images", arg)
	}
	name := strings.TrimSuffix(filepath.Base(paths[0]), filepath.Ext(paths[0]))
	return name, paths, nil
}

func openBackends(n int, limit int64) ([]*backend, error) {
	avail, err := deviceCount()
	if err != nil {
		return nil, err
	}
	if n > avail {
		return nil, fmt.Errorf("%d devices requested, %d available", n, avail)
	}
	var bs []*backend
	for i := 0; i < n; i++ {
		b, err := openBackend(i, limit)
		if err != nil {
			closeBackends(bs)
			return nil, fmt.Errorf("open device %d: %w", i, err)
		}
		bs = append(bs, b)
	}
	return bs, nil
}

func runFrames(c *cli.Context) error {
	cfg, err := configFromFlags(c)
	if err != nil {
		return exitf("invalid configuration: %v", err)
	}
	if c.NArg() == 0 {
		return exitf("no frames given")
	}

	var frames []denoise.Inputs
	for _, arg := range c.Args().Slice() {
		name, paths, err := parseFrame(arg)
		if err != nil {
			return exitf("%v", err)
		}
		layers, err := imageio.LoadLayers(paths, cfg.Format)
		if err != nil {
			return err
		}
		frames = append(frames, denoise.Inputs{Name: name, Layers: layers})
	}

	ctx, cancel := signalContext()
	defer cancel()

	hm, stop := startMonitor(cfg.MetricsAddr)
	defer stop()

	backends, err := openBackends(cfg.Devices, cfg.MemoryBudget)
	if err != nil {
		return err
	}
	defer closeBackends(backends)

	var runners []*denoise.Runner
	for _, b := range backends {
		r, err := denoise.NewRunner(b.dev, b.eng, cfg)
		if err != nil {
			for _, r := range runners {
				r.Close()
			}
			return err
		}
		r.SetMonitor(hm)
		hm.RegisterDevice(b.dev.Capabilities())
		runners = append(runners, r)
	}
	farm, err := denoise.NewFarm(runners...)
	if err != nil {
		for _, r := range runners {
			r.Close()
		}
		return err
	}
	defer farm.Close()

	out, err := sink.Open(cfg.OutputSink)
	if err != nil {
		return exitf("invalid output sink: %v", err)
	}

	logger.Log.Info("denoising", "frames", len(frames), "devices", len(runners), "backend", backendName, "sink", cfg.OutputSink)
	results, runErr := farm.Run(ctx, frames, out)
	if err := out.Close(); err != nil && runErr == nil {
		runErr = err
	}
	displayFrameStats(results)
	return runErr
}

func displayFrameStats(frames []*denoise.Frame) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Frame", "Device", "Variant", "Tiles", "Footprint", "Reused", "Time"})
	for _, f := range frames {
		if f == nil {
			continue
		}
		table.Append([]string{
			f.Name,
			fmt.Sprintf("%d", f.Device),
			f.Kind.String(),
			fmt.Sprintf("%d", f.Tiles),
			humanize.IBytes(uint64(f.Plan.Footprint())),
			fmt.Sprintf("%t", f.Reused),
			f.Duration.Round(time.Millisecond).String(),
		})
	}
	table.Render()
	logger.Log.Info("frame statistics\n" + buf.String())
}

func printPlan(c *cli.Context) error {
	cfg, err := configFromFlags(c)
	if err != nil {
		return exitf("invalid configuration: %v", err)
	}
	b, err := openBackend(0, cfg.MemoryBudget)
	if err != nil {
		return err
	}
	defer b.Close()

	r, err := denoise.NewRunner(b.dev, b.eng, cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	p, err := r.Plan(c.Int("width"), c.Int("height"))
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(c.App.Writer)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Region", "Offset", "Size", ""})
	for _, reg := range p.Regions() {
		table.Append([]string{
			reg.Name,
			fmt.Sprintf("%d", reg.Offset),
			fmt.Sprintf("%d", reg.Size),
			humanize.IBytes(uint64(reg.Size)),
		})
	}
	table.SetFooter([]string{"TOTAL", "", fmt.Sprintf("%d", p.Footprint()), humanize.IBytes(uint64(p.Footprint()))})

	fmt.Fprintf(c.App.Writer, "variant %s, model %s, %dx%d %s, tile %dx%d overlap %d (setup %dx%d, tiled=%t)\n",
		p.Kind, p.Model, p.Image.Width, p.Image.Height, p.Image.Format,
		p.TileWidth, p.TileHeight, p.Overlap, p.SetupWidth, p.SetupHeight, p.Tiled)
	table.Render()
	return nil
}

func listDevices(c *cli.Context) error {
	n, err := deviceCount()
	if err != nil {
		return err
	}
	if backendName == "host" {
		n = c.Int("devices")
	}

	table := tablewriter.NewWriter(c.App.Writer)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Ordinal", "Name", "Compute", "Memory", "SMs", "Driver"})
	for i := 0; i < n; i++ {
		b, err := openBackend(i, 0)
		if err != nil {
			logger.Log.Warn("skipping device", "ordinal", i, "error", err)
			continue
		}
		caps := b.dev.Capabilities()
		table.Append([]string{
			fmt.Sprintf("%d", caps.Ordinal),
			caps.Name,
			caps.ComputeCapability(),
			humanize.IBytes(uint64(caps.TotalMemory)),
			fmt.Sprintf("%d", caps.MultiprocessorCount),
			caps.DriverVersionString(),
		})
		b.Close()
	}
	fmt.Fprintf(c.App.Writer, "backend %s\n", backendName)
	table.Render()
	return nil
}
