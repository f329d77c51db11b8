package denoise

import (
	"errors"
	"sync"
	"testing"

	"github.com/23skdu/longbow-denoise/internal/config"
	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
	"github.com/23skdu/longbow-denoise/internal/imageio"
)

var errInjected = errors.New("injected failure")

// faultEngine wraps the reference engine and fails chosen calls.
type faultEngine struct {
	inner engine.Engine

	rejectKinds map[engine.InputKind]bool
	sizesFail   map[engine.InputKind]bool
	failSetup   bool
	failInvoke  int // fail the nth invoke, 1-based; 0 never

	mu        sync.Mutex
	calls     map[string]int
	destroyed int
}

func newFaultEngine(ctx *device.HostContext) *faultEngine {
	return &faultEngine{
		inner:       engine.NewReference(ctx, engine.ReferenceOptions{Radius: 2, OverlapWindow: 8}),
		rejectKinds: map[engine.InputKind]bool{},
		sizesFail:   map[engine.InputKind]bool{},
		calls:       map[string]int{},
	}
}

func (e *faultEngine) Name() string { return "fault" }

func (e *faultEngine) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[name]++
	return e.calls[name]
}

func (e *faultEngine) Calls(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[name]
}

func (e *faultEngine) NewDenoiser(kind engine.InputKind, model engine.ModelKind) (engine.Denoiser, error) {
	e.count("new")
	if e.rejectKinds[kind] {
		return nil, engine.ErrModelAttach
	}
	d, err := e.inner.NewDenoiser(kind, model)
	if err != nil {
		return nil, err
	}
	return &faultDenoiser{Denoiser: d, e: e}, nil
}

type faultDenoiser struct {
	engine.Denoiser
	e *faultEngine
}

func (d *faultDenoiser) ComputeMemoryResources(w, h int) (engine.Sizes, error) {
	d.e.count("sizes")
	if d.e.sizesFail[d.Kind()] {
		return engine.Sizes{}, errInjected
	}
	return d.Denoiser.ComputeMemoryResources(w, h)
}

func (d *faultDenoiser) Setup(s device.Stream, w, h int, state device.Ptr, stateSize int64, scratch device.Ptr, scratchSize int64) error {
	d.e.count("setup")
	if d.e.failSetup {
		return errInjected
	}
	return d.Denoiser.Setup(s, w, h, state, stateSize, scratch, scratchSize)
}

func (d *faultDenoiser) ComputeIntensity(s device.Stream, in device.ImageBuffer, intensity, scratch device.Ptr, scratchSize int64) error {
	d.e.count("intensity")
	return d.Denoiser.ComputeIntensity(s, in, intensity, scratch, scratchSize)
}

func (d *faultDenoiser) Invoke(s device.Stream, p engine.Params, state device.Ptr, stateSize int64,
	inputs []device.ImageBuffer, offX, offY int, out device.ImageBuffer, scratch device.Ptr, scratchSize int64) error {
	n := d.e.count("invoke")
	if d.e.failInvoke == n {
		return errInjected
	}
	return d.Denoiser.Invoke(s, p, state, stateSize, inputs, offX, offY, out, scratch, scratchSize)
}

func (d *faultDenoiser) Destroy() error {
	d.e.mu.Lock()
	d.e.destroyed++
	d.e.mu.Unlock()
	return d.Denoiser.Destroy()
}

func hostContext(t *testing.T, ordinal int, limit int64) *device.HostContext {
	t.Helper()
	ctx := device.NewHostContext(ordinal, limit)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

// noisyLayers builds deterministic color, albedo and normal rasters.
func noisyLayers(name string, w, h, layers int) Inputs {
	in := Inputs{Name: name}
	seed := uint32(12345)
	next := func() float32 {
		seed = seed*1664525 + 1013904223
		return float32(seed>>8) / float32(1<<24)
	}
	for l := 0; l < layers; l++ {
		r := imageio.NewRaster(name, w, h, device.FormatHalf4)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				switch l {
				case 0:
					base := float32(x+y) / float32(w+h)
					r.Set(x, y, engine.Pixel{base + 0.3*next(), base, 1 - base + 0.2*next(), 1})
				case 1:
					v := float32(0.5)
					if x > w/2 {
						v = 0.8
					}
					r.Set(x, y, engine.Pixel{v, v, v, 1})
				case 2:
					r.Set(x, y, engine.Pixel{0, 0, 1, 0})
					if y > h/2 {
						r.Set(x, y, engine.Pixel{0, 1, 0, 0})
					}
				}
			}
		}
		in.Layers = append(in.Layers, r)
	}
	return in
}

func testConfig(tw, th, overlap int) config.Config {
	cfg := config.Default()
	cfg.TileWidth, cfg.TileHeight, cfg.Overlap = tw, th, overlap
	return cfg
}

func selectVariant(t *testing.T, eng engine.Engine, kind engine.InputKind, tw, th int) *Variant {
	t.Helper()
	v, err := NewCatalog(eng).Select([]engine.InputKind{kind}, Constraints{Model: engine.ModelHDR, TileWidth: tw, TileHeight: th})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	t.Cleanup(func() { _ = v.Release() })
	return v
}
