package denoise

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

// Allocation slots of a plan. Inputs share one packed allocation.
const (
	slotState = iota
	slotScratch
	slotInputs
	slotOutput
	slotIntensity
	numSlots
)

var slotNames = [numSlots]string{"state", "scratch", "inputs", "output", "intensity"}

// intensitySize is one float32.
const intensitySize = 4

// Region is a byte range inside one of the plan's allocations.
type Region struct {
	Name   string
	Slot   int
	Offset int64
	Size   int64
}

func (r Region) End() int64 { return r.Offset + r.Size }

func (r Region) overlaps(o Region) bool {
	return r.Slot == o.Slot && r.Offset < o.End() && o.Offset < r.End()
}

// Resolution is the full image geometry a plan is computed for.
type Resolution struct {
	Width  int
	Height int
	Format device.PixelFormat
}

// MemoryPlan is the device memory layout for one (variant, resolution).
type MemoryPlan struct {
	Kind  engine.InputKind
	Model engine.ModelKind
	Image Resolution

	// Effective tile size, never larger than the image.
	TileWidth  int
	TileHeight int
	Overlap    int
	// SetupWidth/Height are the largest input views the engine will see.
	SetupWidth  int
	SetupHeight int
	Tiled       bool

	Sizes engine.Sizes

	State     Region
	Scratch   Region
	Inputs    []Region
	Output    Region
	Intensity Region

	SingleInputBufferSize int64
}

// Regions lists state, scratch, inputs in layer order, then output.
func (p *MemoryPlan) Regions() []Region {
	out := make([]Region, 0, 3+len(p.Inputs))
	out = append(out, p.State, p.Scratch)
	out = append(out, p.Inputs...)
	return append(out, p.Output)
}

// TotalBytes is state + scratch + inputs + output.
func (p *MemoryPlan) TotalBytes() int64 {
	var n int64
	for _, r := range p.Regions() {
		n += r.Size
	}
	return n
}

// Footprint adds the intensity allocation to TotalBytes.
func (p *MemoryPlan) Footprint() int64 {
	return p.TotalBytes() + p.Intensity.Size
}

// SlotSizes returns the byte size of each allocation the plan needs.
func (p *MemoryPlan) SlotSizes() []int64 {
	sizes := make([]int64, numSlots)
	for _, r := range append(p.Regions(), p.Intensity) {
		if e := r.End(); e > sizes[r.Slot] {
			sizes[r.Slot] = e
		}
	}
	return sizes
}

// Validate checks that no two regions overlap.
func (p *MemoryPlan) Validate() error {
	regions := append(p.Regions(), p.Intensity)
	for i := range regions {
		if regions[i].Size <= 0 {
			return fmt.Errorf("region %s is empty", regions[i].Name)
		}
		for j := i + 1; j < len(regions); j++ {
			if regions[i].overlaps(regions[j]) {
				return fmt.Errorf("regions %s and %s overlap", regions[i].Name, regions[j].Name)
			}
		}
	}
	return nil
}

// Compatible reports whether buffers allocated for p can serve q.
func (p *MemoryPlan) Compatible(q *MemoryPlan) bool {
	if p == nil || q == nil {
		return false
	}
	return p.Kind == q.Kind && p.Image == q.Image &&
		p.State.Size == q.State.Size && p.Scratch.Size == q.Scratch.Size
}

// ComputePlan sizes every buffer of a job for the variant at res. Engine
// sizes are queried for the effective tile, not the full image. overlap
// of -1 takes the engine's recommended window.
func ComputePlan(v *Variant, model engine.ModelKind, tileWidth, tileHeight, overlap int, res Resolution) (*MemoryPlan, error) {
	const op = "compute plan"
	if v == nil || v.Denoiser == nil {
		return nil, newError(KindZeroSizedBuffer, op, errors.New("no variant"))
	}
	if res.Width < 0 || res.Height < 0 || tileWidth <= 0 || tileHeight <= 0 || overlap < -1 {
		return nil, newError(KindInvalidArgument, op,
			fmt.Errorf("image %dx%d tile %dx%d overlap %d", res.Width, res.Height, tileWidth, tileHeight, overlap))
	}

	single := int64(res.Format.BytesPerPixel()) * int64(res.Width) * int64(res.Height)
	if single == 0 {
		return nil, newError(KindZeroSizedBuffer, op,
			fmt.Errorf("input buffer size is zero for %dx%d %s", res.Width, res.Height, res.Format))
	}
	layers := v.Kind.Layers()
	if layers == 0 {
		return nil, newError(KindZeroSizedBuffer, op, fmt.Errorf("variant %s has no input layers", v.Kind))
	}

	tw, th := min(tileWidth, res.Width), min(tileHeight, res.Height)
	sizes, err := v.Denoiser.ComputeMemoryResources(tw, th)
	if err != nil {
		return nil, newError(KindEngineInvocation, op, err)
	}
	if overlap == -1 {
		overlap = sizes.OverlapWindowSizeInPixels
	}
	tiled := tw < res.Width || th < res.Height
	sw, sh := min(tw+2*overlap, res.Width), min(th+2*overlap, res.Height)

	state := sizes.StateSizeInBytes
	scratch := sizes.WithoutOverlapScratchSizeInBytes
	if tiled {
		scratch = sizes.WithOverlapScratchSizeInBytes
	}
	// The engine sizes overlap scratch for its own window. A wider overlap
	// feeds it larger inputs, so size for the full setup dimensions too.
	if tiled && overlap > sizes.OverlapWindowSizeInPixels {
		wide, err := v.Denoiser.ComputeMemoryResources(sw, sh)
		if err != nil {
			return nil, newError(KindEngineInvocation, op, err)
		}
		state = max(state, wide.StateSizeInBytes)
		scratch = max(scratch, wide.WithoutOverlapScratchSizeInBytes)
	}
	if state <= 0 {
		return nil, newError(KindZeroSizedBuffer, op, errors.New("engine reported zero state size"))
	}
	if scratch <= 0 {
		return nil, newError(KindZeroSizedBuffer, op, errors.New("engine reported zero scratch size"))
	}

	p := &MemoryPlan{
		Kind:                  v.Kind,
		Model:                 model,
		Image:                 res,
		TileWidth:             tw,
		TileHeight:            th,
		Overlap:               overlap,
		SetupWidth:            sw,
		SetupHeight:           sh,
		Tiled:                 tiled,
		Sizes:                 sizes,
		State:                 Region{Name: "state", Slot: slotState, Size: state},
		Scratch:               Region{Name: "scratch", Slot: slotScratch, Size: scratch},
		Output:                Region{Name: "output", Slot: slotOutput, Size: single},
		Intensity:             Region{Name: "intensity", Slot: slotIntensity, Size: intensitySize},
		SingleInputBufferSize: single,
	}
	names := [...]string{"color", "albedo", "normal"}
	for i := 0; i < layers; i++ {
		p.Inputs = append(p.Inputs, Region{Name: names[i], Slot: slotInputs, Offset: int64(i) * single, Size: single})
	}
	if err := p.Validate(); err != nil {
		return nil, newError(KindInvalidArgument, op, err)
	}
	return p, nil
}

// Buffers are the live device allocations backing a plan.
type Buffers struct {
	Plan   *MemoryPlan
	ctx    device.Context
	allocs [numSlots]*device.Allocation
}

// Allocate reserves every allocation of p on ctx. On failure nothing stays
// allocated.
func Allocate(ctx device.Context, p *MemoryPlan) (*Buffers, error) {
	b := &Buffers{Plan: p, ctx: ctx}
	// inputs and output first, as they dominate the footprint
	order := []int{slotInputs, slotOutput, slotState, slotScratch, slotIntensity}
	sizes := p.SlotSizes()
	for _, slot := range order {
		a, err := device.Alloc(ctx, sizes[slot])
		if err != nil {
			_ = b.Free()
			return nil, newError(KindAllocation, "allocate "+slotNames[slot], err)
		}
		b.allocs[slot] = a
	}
	return b, nil
}

func (b *Buffers) Context() device.Context { return b.ctx }

// Ptr returns the device address of r.
func (b *Buffers) Ptr(r Region) device.Ptr {
	return b.allocs[r.Slot].Ptr() + device.Ptr(r.Offset)
}

// InputImage describes input layer i as a full-image buffer.
func (b *Buffers) InputImage(i int) device.ImageBuffer {
	res := b.Plan.Image
	return device.NewImageBuffer(b.Ptr(b.Plan.Inputs[i]), res.Width, res.Height, res.Format)
}

func (b *Buffers) OutputImage() device.ImageBuffer {
	res := b.Plan.Image
	return device.NewImageBuffer(b.Ptr(b.Plan.Output), res.Width, res.Height, res.Format)
}

// Free releases every allocation. It is safe on nil and repeatable.
func (b *Buffers) Free() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := range b.allocs {
		if err := b.allocs[i].Free(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
