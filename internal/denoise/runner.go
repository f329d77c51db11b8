package denoise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-denoise/internal/config"
	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
	"github.com/23skdu/longbow-denoise/internal/imageio"
	"github.com/23skdu/longbow-denoise/internal/logger"
	"github.com/23skdu/longbow-denoise/internal/metrics"
	"github.com/23skdu/longbow-denoise/internal/monitoring"
)

// Inputs are the host rasters of one frame in layer order: color, then
// optionally albedo and normal.
type Inputs struct {
	Name   string
	Layers []*imageio.Raster
}

func (in Inputs) validate() error {
	if len(in.Layers) == 0 || len(in.Layers) > 3 {
		return fmt.Errorf("frame %q: expected 1 to 3 layers, got %d", in.Name, len(in.Layers))
	}
	for _, r := range in.Layers {
		if r == nil {
			return fmt.Errorf("frame %q: nil layer", in.Name)
		}
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return imageio.SameShape(in.Layers...)
}

// Frame is the result of one successful denoise.
type Frame struct {
	Name     string
	Output   *imageio.Raster
	Kind     engine.InputKind
	Device   int
	Tiles    int
	Plan     *MemoryPlan
	Reused   bool
	Fallback bool
	Duration time.Duration
}

// Runner denoises frames one at a time on a single device and stream.
// Variants and buffers are kept between frames and reused when the
// variant and resolution repeat.
type Runner struct {
	dev     device.Context
	eng     engine.Engine
	cfg     config.Config
	catalog *Catalog
	log     *logger.Logger
	monitor *monitoring.HealthMonitor

	mu       sync.Mutex
	stream   device.Stream
	variants map[int]*Variant
	buffers  *Buffers
	closed   bool
}

func NewRunner(dev device.Context, eng engine.Engine, cfg config.Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindInvalidArgument, "new runner", err)
	}
	stream, err := dev.NewStream()
	if err != nil {
		return nil, newError(KindAllocation, "create stream", err)
	}
	return &Runner{
		dev:      dev,
		eng:      eng,
		cfg:      cfg,
		catalog:  NewCatalog(eng),
		log:      logger.Log.Component("runner").With("device", dev.Ordinal()),
		stream:   stream,
		variants: make(map[int]*Variant),
	}, nil
}

// SetMonitor reports every job to hm.
func (r *Runner) SetMonitor(hm *monitoring.HealthMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitor = hm
}

func (r *Runner) Device() device.Context { return r.dev }

// variant returns the cached variant for frames carrying layers rasters.
func (r *Runner) variant(layers int) (*Variant, error) {
	if v, ok := r.variants[layers]; ok {
		return v, nil
	}
	v, err := r.catalog.Select(r.cfg.InputKinds, Constraints{
		Model:      r.cfg.Model,
		TileWidth:  r.cfg.TileWidth,
		TileHeight: r.cfg.TileHeight,
		MaxLayers:  layers,
	})
	if err != nil {
		return nil, err
	}
	r.variants[layers] = v
	return v, nil
}

// Plan computes the memory plan for a width x height frame without
// allocating anything.
func (r *Runner) Plan(width, height int) (*MemoryPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, newError(KindInvalidArgument, "plan", errors.New("runner closed"))
	}
	v, err := r.variant(r.cfg.MaxLayers())
	if err != nil {
		return nil, err
	}
	return ComputePlan(v, r.cfg.Model, r.cfg.TileWidth, r.cfg.TileHeight, r.cfg.Overlap,
		Resolution{Width: width, Height: height, Format: r.cfg.Format})
}

func (r *Runner) budget() int64 {
	if r.cfg.MemoryBudget > 0 {
		return r.cfg.MemoryBudget
	}
	var info device.MemoryInfo = r.dev.Capabilities()
	return info.TotalMemoryBytes()
}

// Denoise runs one frame to completion. There is no cancellation once the
// job has started; ctx is checked before any device work.
func (r *Runner) Denoise(ctx context.Context, in Inputs) (*Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	report := monitoring.JobReport{Name: in.Name, Device: r.dev.Ordinal()}
	frame, err := r.denoise(ctx, in, &report)
	report.Duration = time.Since(start)

	result := "ok"
	if err != nil {
		result = "failed"
		report.ErrorKind = KindOf(err).String()
		report.Err = err
		r.log.Error("denoise failed", "frame", in.Name, "error", err)
	} else {
		frame.Duration = report.Duration
	}
	metrics.RecordJob(result, report.Duration)
	if r.monitor != nil {
		r.monitor.RecordJob(report)
	}
	return frame, err
}

func (r *Runner) denoise(ctx context.Context, in Inputs, report *monitoring.JobReport) (*Frame, error) {
	if r.closed {
		return nil, newError(KindInvalidArgument, "denoise", errors.New("runner closed"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, newError(KindInvalidArgument, "denoise", err)
	}
	color := in.Layers[0]
	report.Width, report.Height = color.Width, color.Height

	v, err := r.variant(len(in.Layers))
	if err != nil {
		return nil, err
	}
	report.Variant, report.Fallback = v.Kind.String(), v.Fallback

	plan, err := ComputePlan(v, r.cfg.Model, r.cfg.TileWidth, r.cfg.TileHeight, r.cfg.Overlap,
		Resolution{Width: color.Width, Height: color.Height, Format: r.cfg.Format})
	if err != nil {
		return nil, err
	}
	report.FootprintBytes = plan.Footprint()
	report.Tiles = TileCount(color.Width, color.Height, plan.TileWidth, plan.TileHeight)
	metrics.RecordPlan(plan.Footprint())
	r.log.Info("device memory footprint",
		"frame", in.Name,
		"bytes", plan.Footprint(),
		"size", humanize.IBytes(uint64(plan.Footprint())),
		"variant", v.Kind.String(),
		"tiles", report.Tiles)

	if budget := r.budget(); plan.Footprint() > budget {
		return nil, newError(KindAllocation, "budget",
			fmt.Errorf("plan needs %s, budget is %s", humanize.IBytes(uint64(plan.Footprint())), humanize.IBytes(uint64(budget))))
	}

	buf, reused, err := r.acquire(plan)
	if err != nil {
		return nil, err
	}
	report.Reused = reused

	frame, err := r.execute(in, v, buf)
	if err != nil {
		// output and state are undefined after a failure
		_ = buf.Free()
		r.buffers = nil
		return nil, err
	}
	frame.Reused, frame.Fallback = reused, v.Fallback
	return frame, nil
}

// acquire returns buffers for plan, reusing the previous frame's when they
// fit exactly.
func (r *Runner) acquire(plan *MemoryPlan) (*Buffers, bool, error) {
	if r.buffers != nil && r.buffers.Plan.Compatible(plan) {
		r.buffers.Plan = plan
		metrics.RecordBufferReuse()
		return r.buffers, true, nil
	}
	if err := r.buffers.Free(); err != nil {
		r.log.Warn("failed to free previous buffers", "error", err)
	}
	r.buffers = nil

	buf, err := Allocate(r.dev, plan)
	if err != nil {
		return nil, false, err
	}
	r.buffers = buf
	return buf, false, nil
}

func (r *Runner) execute(in Inputs, v *Variant, buf *Buffers) (*Frame, error) {
	plan := buf.Plan

	start := time.Now()
	for i := range plan.Inputs {
		layer := in.Layers[i]
		if layer.Format != plan.Image.Format {
			layer = layer.Convert(plan.Image.Format)
		}
		if err := r.dev.CopyHtoD(buf.Ptr(plan.Inputs[i]), layer.Pixels); err != nil {
			return nil, newError(KindTransfer, "upload "+plan.Inputs[i].Name, err)
		}
	}
	metrics.RecordStep("upload", time.Since(start))

	tiles, err := ComputeTiles(plan.Image.Width, plan.Image.Height, plan.TileWidth, plan.TileHeight, plan.Overlap)
	if err != nil {
		return nil, err
	}
	job, err := NewJob(in.Name, v, buf, tiles, r.stream, r.cfg.BlendFactor)
	if err != nil {
		return nil, err
	}
	if err := Run(job); err != nil {
		return nil, err
	}
	out, err := ReadBack(job)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Name:   in.Name,
		Output: out,
		Kind:   v.Kind,
		Device: r.dev.Ordinal(),
		Tiles:  len(tiles),
		Plan:   plan,
	}, nil
}

// Close releases buffers, engine handles and the stream.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.buffers.Free(); err != nil {
		errs = append(errs, err)
	}
	r.buffers = nil
	for k, v := range r.variants {
		if err := v.Release(); err != nil {
			errs = append(errs, err)
		}
		delete(r.variants, k)
	}
	if err := r.stream.Destroy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
