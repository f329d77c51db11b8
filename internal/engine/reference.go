package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/logger"
)

const (
	referenceStateSize  int64 = 4096
	referenceStateMagic       = 0x444e5352 // "RSND"

	// scratch holds one float4 per input pixel
	referenceScratchBytesPerPixel = 16

	defaultReferenceRadius  = 2
	defaultReferenceOverlap = 64
)

// ReferenceOptions configures the software denoiser.
type ReferenceOptions struct {
	// Radius of the box filter in pixels.
	Radius int
	// OverlapWindow is reported as the recommended tile overlap.
	OverlapWindow int
	// Supported limits the input kinds the engine accepts. Empty means all.
	Supported []InputKind
}

// Reference is a deterministic denoiser that runs on a HostContext. A
// pixel's output depends only on input pixels within Radius, so tiled and
// untiled runs agree whenever the tile overlap is at least Radius.
type Reference struct {
	ctx  *device.HostContext
	opts ReferenceOptions
	log  *logger.Logger
}

func NewReference(ctx *device.HostContext, opts ReferenceOptions) *Reference {
	if opts.Radius <= 0 {
		opts.Radius = defaultReferenceRadius
	}
	if opts.OverlapWindow <= 0 {
		opts.OverlapWindow = defaultReferenceOverlap
	}
	return &Reference{
		ctx:  ctx,
		opts: opts,
		log:  logger.Log.Component("reference").With("device", ctx.Ordinal()),
	}
}

func (r *Reference) Name() string { return "reference" }

func (r *Reference) Options() ReferenceOptions { return r.opts }

func (r *Reference) supports(kind InputKind) bool {
	if len(r.opts.Supported) == 0 {
		return true
	}
	for _, k := range r.opts.Supported {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *Reference) NewDenoiser(kind InputKind, model ModelKind) (Denoiser, error) {
	if !kind.Valid() || !r.supports(kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, kind)
	}
	if model != ModelHDR && model != ModelLDR {
		return nil, fmt.Errorf("%w: %s", ErrModelAttach, model)
	}
	r.log.Debug("denoiser created", "kind", kind.String(), "model", model.String())
	return &referenceDenoiser{engine: r, kind: kind, model: model}, nil
}

type referenceDenoiser struct {
	engine *Reference
	kind   InputKind
	model  ModelKind

	mu          sync.Mutex
	setupWidth  int
	setupHeight int
	destroyed   bool
}

var errDestroyed = errors.New("engine: denoiser destroyed")

func (d *referenceDenoiser) Kind() InputKind  { return d.kind }
func (d *referenceDenoiser) Model() ModelKind { return d.model }

func (d *referenceDenoiser) ComputeMemoryResources(width, height int) (Sizes, error) {
	if width <= 0 || height <= 0 {
		return Sizes{}, fmt.Errorf("engine: invalid tile size %dx%d", width, height)
	}
	o := int64(d.engine.opts.OverlapWindow)
	w, h := int64(width), int64(height)
	return Sizes{
		StateSizeInBytes:                 referenceStateSize,
		WithOverlapScratchSizeInBytes:    (w + 2*o) * (h + 2*o) * referenceScratchBytesPerPixel,
		WithoutOverlapScratchSizeInBytes: w * h * referenceScratchBytesPerPixel,
		OverlapWindowSizeInPixels:        d.engine.opts.OverlapWindow,
	}, nil
}

func (d *referenceDenoiser) stream(s device.Stream) (*device.HostStream, error) {
	hs, ok := s.(*device.HostStream)
	if !ok {
		return nil, fmt.Errorf("engine: reference denoiser needs a host stream, got %T", s)
	}
	if hs.Context() != d.engine.ctx {
		return nil, errors.New("engine: stream belongs to another device")
	}
	return hs, nil
}

func (d *referenceDenoiser) Setup(s device.Stream, width, height int, state device.Ptr, stateSize int64, scratch device.Ptr, scratchSize int64) error {
	hs, err := d.stream(s)
	if err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("engine: invalid setup size %dx%d", width, height)
	}
	if stateSize < referenceStateSize {
		return fmt.Errorf("engine: state of %d bytes, need %d", stateSize, referenceStateSize)
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return errDestroyed
	}
	d.setupWidth, d.setupHeight = width, height
	d.mu.Unlock()

	ctx := d.engine.ctx
	return hs.Enqueue(func() error {
		mem, err := ctx.Bytes(state, referenceStateSize)
		if err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		binary.LittleEndian.PutUint32(mem[0:], referenceStateMagic)
		binary.LittleEndian.PutUint32(mem[4:], uint32(width))
		binary.LittleEndian.PutUint32(mem[8:], uint32(height))
		if scratchSize > 0 {
			if _, err := ctx.Bytes(scratch, scratchSize); err != nil {
				return fmt.Errorf("setup scratch: %w", err)
			}
		}
		return nil
	})
}

// ComputeIntensity writes 0.18 / exp(mean log luminance) as a float32 at
// intensity. Black pixels are ignored.
func (d *referenceDenoiser) ComputeIntensity(s device.Stream, input device.ImageBuffer, intensity device.Ptr, scratch device.Ptr, scratchSize int64) error {
	hs, err := d.stream(s)
	if err != nil {
		return err
	}
	if err := d.alive(); err != nil {
		return err
	}
	if !input.Format.Valid() || input.Width <= 0 || input.Height <= 0 {
		return fmt.Errorf("engine: invalid intensity input %dx%d %s", input.Width, input.Height, input.Format)
	}
	need := IntensityScratchSize(input.Width, input.Height)
	if scratchSize < need {
		return fmt.Errorf("engine: intensity scratch of %d bytes, need %d", scratchSize, need)
	}

	ctx := d.engine.ctx
	return hs.Enqueue(func() error {
		src, err := ctx.Bytes(input.Data, input.SizeInBytes())
		if err != nil {
			return fmt.Errorf("intensity input: %w", err)
		}
		tmp, err := ctx.Bytes(scratch, need)
		if err != nil {
			return fmt.Errorf("intensity scratch: %w", err)
		}
		var sum float64
		var n uint32
		for y := 0; y < input.Height; y++ {
			for x := 0; x < input.Width; x++ {
				lum := ReadPixel(src[input.Offset(x, y):], input.Format).Luminance()
				if lum > 1e-8 {
					sum += math.Log(float64(lum))
					n++
				}
			}
		}
		binary.LittleEndian.PutUint32(tmp[0:], n)
		binary.LittleEndian.PutUint32(tmp[4:], uint32(input.Width*input.Height))

		value := float32(1)
		if n > 0 {
			value = float32(0.18 / math.Exp(sum/float64(n)))
		}
		out, err := ctx.Bytes(intensity, 4)
		if err != nil {
			return fmt.Errorf("intensity output: %w", err)
		}
		binary.LittleEndian.PutUint32(out, math.Float32bits(value))
		return nil
	})
}

func (d *referenceDenoiser) alive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return errDestroyed
	}
	return nil
}

func (d *referenceDenoiser) Invoke(s device.Stream, params Params, state device.Ptr, stateSize int64,
	inputs []device.ImageBuffer, inputOffsetX, inputOffsetY int,
	output device.ImageBuffer, scratch device.Ptr, scratchSize int64) error {
	hs, err := d.stream(s)
	if err != nil {
		return err
	}

	d.mu.Lock()
	destroyed, sw, sh := d.destroyed, d.setupWidth, d.setupHeight
	d.mu.Unlock()
	if destroyed {
		return errDestroyed
	}
	if sw == 0 {
		return errors.New("engine: invoke before setup")
	}
	if stateSize < referenceStateSize {
		return fmt.Errorf("engine: state of %d bytes, need %d", stateSize, referenceStateSize)
	}
	if len(inputs) != d.kind.Layers() {
		return fmt.Errorf("engine: %s denoiser got %d input layers", d.kind, len(inputs))
	}
	in := inputs[0]
	for i, b := range inputs {
		if !b.Format.Valid() {
			return fmt.Errorf("engine: input %d has invalid format", i)
		}
		if b.Width != in.Width || b.Height != in.Height {
			return fmt.Errorf("engine: input %d is %dx%d, color is %dx%d", i, b.Width, b.Height, in.Width, in.Height)
		}
	}
	if in.Width > sw || in.Height > sh {
		return fmt.Errorf("engine: input %dx%d exceeds setup %dx%d", in.Width, in.Height, sw, sh)
	}
	if !output.Format.Valid() || output.Width <= 0 || output.Height <= 0 {
		return fmt.Errorf("engine: invalid output %dx%d %s", output.Width, output.Height, output.Format)
	}
	if inputOffsetX < 0 || inputOffsetY < 0 ||
		inputOffsetX+output.Width > in.Width || inputOffsetY+output.Height > in.Height {
		return fmt.Errorf("engine: output %dx%d at (%d,%d) outside input %dx%d",
			output.Width, output.Height, inputOffsetX, inputOffsetY, in.Width, in.Height)
	}
	need := int64(in.Width) * int64(in.Height) * referenceScratchBytesPerPixel
	if scratchSize < need {
		return fmt.Errorf("engine: scratch of %d bytes, need %d for %dx%d input", scratchSize, need, in.Width, in.Height)
	}
	if d.model.NeedsIntensity() && params.HDRIntensity == 0 {
		return errors.New("engine: hdr model invoked without intensity")
	}
	if params.BlendFactor < 0 || params.BlendFactor > 1 {
		return fmt.Errorf("engine: blend factor %v outside [0,1]", params.BlendFactor)
	}

	layers := append([]device.ImageBuffer(nil), inputs...)
	job := &referenceTile{
		ctx:     d.engine.ctx,
		radius:  d.engine.opts.Radius,
		kind:    d.kind,
		params:  params,
		inputs:  layers,
		offX:    inputOffsetX,
		offY:    inputOffsetY,
		output:  output,
		scratch: scratch,
		state:   state,
		setupW:  sw,
		setupH:  sh,
	}
	return hs.Enqueue(job.run)
}

func (d *referenceDenoiser) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return errDestroyed
	}
	d.destroyed = true
	return nil
}

type referenceTile struct {
	ctx        *device.HostContext
	radius     int
	kind       InputKind
	params     Params
	inputs     []device.ImageBuffer
	offX, offY int
	output     device.ImageBuffer
	scratch    device.Ptr
	state      device.Ptr
	setupW     int
	setupH     int
}

func (t *referenceTile) run() error {
	st, err := t.ctx.Bytes(t.state, referenceStateSize)
	if err != nil {
		return fmt.Errorf("invoke state: %w", err)
	}
	if binary.LittleEndian.Uint32(st[0:]) != referenceStateMagic {
		return errors.New("invoke: state not initialized by setup")
	}
	if int(binary.LittleEndian.Uint32(st[4:])) != t.setupW || int(binary.LittleEndian.Uint32(st[8:])) != t.setupH {
		return errors.New("invoke: state was set up for different dimensions")
	}

	var scale float32
	if t.params.HDRIntensity != 0 {
		b, err := t.ctx.Bytes(t.params.HDRIntensity, 4)
		if err != nil {
			return fmt.Errorf("invoke intensity: %w", err)
		}
		scale = math.Float32frombits(binary.LittleEndian.Uint32(b))
		if scale <= 0 || math.IsNaN(float64(scale)) || math.IsInf(float64(scale), 0) {
			return fmt.Errorf("invoke: invalid intensity %v", scale)
		}
	}

	src := make([][]byte, len(t.inputs))
	for i, b := range t.inputs {
		if src[i], err = t.ctx.Bytes(b.Data, b.SizeInBytes()); err != nil {
			return fmt.Errorf("invoke input %d: %w", i, err)
		}
	}
	in := t.inputs[0]
	tmp, err := t.ctx.Bytes(t.scratch, int64(t.output.Width)*int64(t.output.Height)*referenceScratchBytesPerPixel)
	if err != nil {
		return fmt.Errorf("invoke scratch: %w", err)
	}
	dst, err := t.ctx.Bytes(t.output.Data, t.output.SizeInBytes())
	if err != nil {
		return fmt.Errorf("invoke output: %w", err)
	}

	read := func(layer, x, y int) Pixel {
		b := t.inputs[layer]
		return ReadPixel(src[layer][b.Offset(x, y):], b.Format)
	}

	for oy := 0; oy < t.output.Height; oy++ {
		for ox := 0; ox < t.output.Width; ox++ {
			f := t.filter(read, in.Width, in.Height, ox+t.offX, oy+t.offY, scale)
			WritePixel(tmp[(oy*t.output.Width+ox)*referenceScratchBytesPerPixel:], device.FormatFloat4, f)
		}
	}

	blend := t.params.BlendFactor
	for oy := 0; oy < t.output.Height; oy++ {
		for ox := 0; ox < t.output.Width; ox++ {
			f := ReadPixel(tmp[(oy*t.output.Width+ox)*referenceScratchBytesPerPixel:], device.FormatFloat4)
			c := read(0, ox+t.offX, oy+t.offY)
			var p Pixel
			for ch := 0; ch < 3; ch++ {
				p[ch] = (1-blend)*f[ch] + blend*c[ch]
			}
			p[3] = c[3]
			WritePixel(dst[t.output.Offset(ox, oy):], t.output.Format, p)
		}
	}
	return nil
}

// filter averages the color layer over the window around (cx, cy), clipped
// to the input view. Guide layers weight each sample: albedo by similarity,
// normals by orientation. A non-zero scale is the HDR intensity: samples are
// exposed by it and compressed to (-1, 1) before averaging, so bright
// outliers pull less than in linear space. Zero averages linearly.
func (t *referenceTile) filter(read func(layer, x, y int) Pixel, w, h, cx, cy int, scale float32) Pixel {
	var center [3]Pixel
	for l := 1; l < len(t.inputs); l++ {
		center[l] = read(l, cx, cy)
	}

	var acc Pixel
	var total float32
	for y := cy - t.radius; y <= cy+t.radius; y++ {
		if y < 0 || y >= h {
			continue
		}
		for x := cx - t.radius; x <= cx+t.radius; x++ {
			if x < 0 || x >= w {
				continue
			}
			wt := float32(1)
			if t.kind >= InputColorAlbedo {
				a := read(1, x, y)
				var diff float32
				for ch := 0; ch < 3; ch++ {
					diff += float32(math.Abs(float64(a[ch] - center[1][ch])))
				}
				wt /= 1 + 8*diff
			}
			if t.kind >= InputColorAlbedoNormal {
				d := read(2, x, y).dot3(center[2])
				if d <= 0 {
					continue
				}
				wt *= d * d
			}
			c := read(0, x, y)
			for ch := 0; ch < 3; ch++ {
				v := c[ch]
				if scale != 0 {
					v = compress(v * scale)
				}
				acc[ch] += wt * v
			}
			total += wt
		}
	}
	if total == 0 {
		return read(0, cx, cy)
	}
	for ch := 0; ch < 3; ch++ {
		acc[ch] /= total
		if scale != 0 {
			acc[ch] = expand(acc[ch]) / scale
		}
	}
	acc[3] = 1
	return acc
}

func compress(v float32) float32 {
	return v / (1 + float32(math.Abs(float64(v))))
}

// expand inverts compress for |v| < 1.
func expand(v float32) float32 {
	return v / (1 - float32(math.Abs(float64(v))))
}
