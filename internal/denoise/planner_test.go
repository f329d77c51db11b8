package denoise

import (
	"errors"
	"fmt"
	"testing"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

func TestPlanTotalsAndNonOverlap(t *testing.T) {
	ctx := hostContext(t, 0, 0)
	eng := engine.NewReference(ctx, engine.ReferenceOptions{OverlapWindow: 16})

	kinds := []engine.InputKind{engine.InputColor, engine.InputColorAlbedo, engine.InputColorAlbedoNormal}
	sizes := [][2]int{{1, 1}, {64, 64}, {100, 37}, {513, 200}}
	for _, kind := range kinds {
		v := selectVariant(t, eng, kind, 128, 128)
		for _, sz := range sizes {
			for _, format := range []device.PixelFormat{device.FormatHalf4, device.FormatFloat3} {
				name := fmt.Sprintf("%s/%dx%d/%s", kind, sz[0], sz[1], format)
				p, err := ComputePlan(v, engine.ModelHDR, 128, 128, 16, Resolution{Width: sz[0], Height: sz[1], Format: format})
				if err != nil {
					t.Fatalf("%s: %v", name, err)
				}
				single := int64(format.BytesPerPixel() * sz[0] * sz[1])
				if p.SingleInputBufferSize != single {
					t.Errorf("%s: single = %d, want %d", name, p.SingleInputBufferSize, single)
				}
				if len(p.Inputs) != kind.Layers() {
					t.Errorf("%s: %d inputs, want %d", name, len(p.Inputs), kind.Layers())
				}
				want := p.State.Size + p.Scratch.Size + int64(kind.Layers())*single + single
				if p.TotalBytes() != want {
					t.Errorf("%s: total = %d, want %d", name, p.TotalBytes(), want)
				}
				if p.Footprint() != want+4 {
					t.Errorf("%s: footprint = %d, want %d", name, p.Footprint(), want+4)
				}
				regions := append(p.Regions(), p.Intensity)
				for i := range regions {
					for j := i + 1; j < len(regions); j++ {
						if regions[i].overlaps(regions[j]) {
							t.Errorf("%s: %s overlaps %s", name, regions[i].Name, regions[j].Name)
						}
					}
				}
			}
		}
	}
}

func TestPlanPacksInputsInLayerOrder(t *testing.T) {
	ctx := hostContext(t, 0, 0)
	v := selectVariant(t, engine.NewReference(ctx, engine.ReferenceOptions{}), engine.InputColorAlbedoNormal, 64, 64)

	p, err := ComputePlan(v, engine.ModelHDR, 64, 64, 8, Resolution{Width: 32, Height: 32, Format: device.FormatHalf4})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"color", "albedo", "normal"}
	for i, r := range p.Inputs {
		if r.Name != want[i] || r.Slot != slotInputs || r.Offset != int64(i)*p.SingleInputBufferSize {
			t.Errorf("input %d: %+v", i, r)
		}
	}
	if p.Output.Slot == slotInputs {
		t.Error("output must live in its own allocation")
	}
	if got := p.SlotSizes()[slotInputs]; got != 3*p.SingleInputBufferSize {
		t.Errorf("packed input allocation = %d", got)
	}
}

func TestPlanTiledScratchAndSetup(t *testing.T) {
	ctx := hostContext(t, 0, 0)
	v := selectVariant(t, engine.NewReference(ctx, engine.ReferenceOptions{OverlapWindow: 24}), engine.InputColor, 1024, 1024)

	single, err := ComputePlan(v, engine.ModelHDR, 1024, 1024, 64, Resolution{Width: 1024, Height: 1024, Format: device.FormatHalf4})
	if err != nil {
		t.Fatal(err)
	}
	if single.Tiled {
		t.Error("1024x1024 with 1024 tiles should not be tiled")
	}
	if single.Scratch.Size != single.Sizes.WithoutOverlapScratchSizeInBytes {
		t.Error("single tile should use the without-overlap scratch size")
	}
	if single.SetupWidth != 1024 || single.SetupHeight != 1024 {
		t.Errorf("setup clamped to image, got %dx%d", single.SetupWidth, single.SetupHeight)
	}

	tiled, err := ComputePlan(v, engine.ModelHDR, 1024, 1024, 24, Resolution{Width: 4096, Height: 1024, Format: device.FormatHalf4})
	if err != nil {
		t.Fatal(err)
	}
	if !tiled.Tiled || tiled.Scratch.Size != tiled.Sizes.WithOverlapScratchSizeInBytes {
		t.Error("tiled plan should use the with-overlap scratch size")
	}
	if tiled.SetupWidth != 1024+48 || tiled.SetupHeight != 1024 {
		t.Errorf("setup dims %dx%d", tiled.SetupWidth, tiled.SetupHeight)
	}

	small, err := ComputePlan(v, engine.ModelHDR, 1024, 1024, 64, Resolution{Width: 300, Height: 200, Format: device.FormatHalf4})
	if err != nil {
		t.Fatal(err)
	}
	if small.TileWidth != 300 || small.TileHeight != 200 {
		t.Errorf("tile should shrink to the image, got %dx%d", small.TileWidth, small.TileHeight)
	}

	auto, err := ComputePlan(v, engine.ModelHDR, 512, 512, -1, Resolution{Width: 2048, Height: 2048, Format: device.FormatHalf4})
	if err != nil {
		t.Fatal(err)
	}
	if auto.Overlap != 24 {
		t.Errorf("overlap -1 should use the engine window, got %d", auto.Overlap)
	}
}

func TestPlanOverlapWiderThanEngineWindow(t *testing.T) {
	ctx := hostContext(t, 0, 0)
	v := selectVariant(t, engine.NewReference(ctx, engine.ReferenceOptions{OverlapWindow: 8}), engine.InputColor, 16, 16)
	res := Resolution{Width: 48, Height: 40, Format: device.FormatHalf4}

	tests := []struct {
		overlap        int
		setupW, setupH int
		scratch        int64
	}{
		{overlap: 4, setupW: 24, setupH: 24, scratch: 32 * 32 * 16},
		{overlap: 8, setupW: 32, setupH: 32, scratch: 32 * 32 * 16},
		{overlap: 9, setupW: 34, setupH: 34, scratch: 34 * 34 * 16},
		{overlap: 16, setupW: 48, setupH: 40, scratch: 48 * 40 * 16},
	}
	for _, tt := range tests {
		p, err := ComputePlan(v, engine.ModelHDR, 16, 16, tt.overlap, res)
		if err != nil {
			t.Fatalf("overlap %d: %v", tt.overlap, err)
		}
		if p.SetupWidth != tt.setupW || p.SetupHeight != tt.setupH {
			t.Errorf("overlap %d: setup %dx%d, want %dx%d", tt.overlap, p.SetupWidth, p.SetupHeight, tt.setupW, tt.setupH)
		}
		if p.Scratch.Size != tt.scratch {
			t.Errorf("overlap %d: scratch = %d, want %d", tt.overlap, p.Scratch.Size, tt.scratch)
		}
		setup, err := v.Denoiser.ComputeMemoryResources(p.SetupWidth, p.SetupHeight)
		if err != nil {
			t.Fatal(err)
		}
		if p.Scratch.Size < setup.WithoutOverlapScratchSizeInBytes || p.State.Size < setup.StateSizeInBytes {
			t.Errorf("overlap %d: plan cannot hold a %dx%d setup", tt.overlap, p.SetupWidth, p.SetupHeight)
		}
	}
}

func TestPlanZeroSized(t *testing.T) {
	ctx := hostContext(t, 0, 0)
	v := selectVariant(t, engine.NewReference(ctx, engine.ReferenceOptions{}), engine.InputColor, 64, 64)

	cases := []struct {
		name string
		v    *Variant
		res  Resolution
	}{
		{"zero width", v, Resolution{Width: 0, Height: 10, Format: device.FormatHalf4}},
		{"zero height", v, Resolution{Width: 10, Height: 0, Format: device.FormatHalf4}},
		{"unknown format", v, Resolution{Width: 10, Height: 10}},
		{"no variant", nil, Resolution{Width: 10, Height: 10, Format: device.FormatHalf4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputePlan(tc.v, engine.ModelHDR, 64, 64, 8, tc.res)
			if !errors.Is(err, ErrZeroSizedBuffer) {
				t.Errorf("expected zero sized buffer, got %v", err)
			}
		})
	}

	if _, err := ComputePlan(v, engine.ModelHDR, 64, 64, -2, Resolution{Width: 10, Height: 10, Format: device.FormatHalf4}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument for overlap -2, got %v", err)
	}
}

func TestAllocateAndFree(t *testing.T) {
	ctx := hostContext(t, 0, 0)
	v := selectVariant(t, engine.NewReference(ctx, engine.ReferenceOptions{}), engine.InputColorAlbedo, 64, 64)
	p, err := ComputePlan(v, engine.ModelHDR, 64, 64, 8, Resolution{Width: 40, Height: 30, Format: device.FormatHalf4})
	if err != nil {
		t.Fatal(err)
	}

	b, err := Allocate(ctx, p)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ctx.MallocCount() != numSlots {
		t.Errorf("expected %d allocations, got %d", numSlots, ctx.MallocCount())
	}
	if ctx.InUse() != p.Footprint() {
		t.Errorf("in use %d, footprint %d", ctx.InUse(), p.Footprint())
	}
	if b.InputImage(1).Data != b.InputImage(0).Data+device.Ptr(p.SingleInputBufferSize) {
		t.Error("albedo should follow color in the packed allocation")
	}

	if err := b.Free(); err != nil {
		t.Fatal(err)
	}
	if err := b.Free(); err != nil {
		t.Errorf("second free: %v", err)
	}
	if ctx.InUse() != 0 {
		t.Errorf("%d bytes still allocated", ctx.InUse())
	}
}

func TestAllocateFailureReleasesEverything(t *testing.T) {
	planCtx := hostContext(t, 0, 0)
	v := selectVariant(t, engine.NewReference(planCtx, engine.ReferenceOptions{}), engine.InputColor, 64, 64)
	p, err := ComputePlan(v, engine.ModelHDR, 64, 64, 8, Resolution{Width: 64, Height: 64, Format: device.FormatHalf4})
	if err != nil {
		t.Fatal(err)
	}

	// room for inputs and output only
	ctx := hostContext(t, 1, 2*p.SingleInputBufferSize)
	_, err = Allocate(ctx, p)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("expected allocation failure, got %v", err)
	}
	if !errors.Is(err, device.ErrOutOfMemory) {
		t.Errorf("expected wrapped out of memory, got %v", err)
	}
	if ctx.InUse() != 0 || len(ctx.LiveAllocations()) != 0 {
		t.Errorf("allocations leaked: %d bytes", ctx.InUse())
	}
}
