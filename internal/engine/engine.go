package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-denoise/internal/device"
)

var (
	ErrUnsupportedInput = errors.New("engine: unsupported input kind")
	ErrModelAttach      = errors.New("engine: model attachment failed")
)

// InputKind is the combination of layers a denoiser accepts.
type InputKind int

const (
	InputColor InputKind = iota + 1
	InputColorAlbedo
	InputColorAlbedoNormal
)

var inputKindNames = map[InputKind]string{
	InputColor:             "color",
	InputColorAlbedo:       "color+albedo",
	InputColorAlbedoNormal: "color+albedo+normal",
}

func (k InputKind) String() string {
	if name, ok := inputKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("InputKind(%d)", int(k))
}

func (k InputKind) Valid() bool {
	_, ok := inputKindNames[k]
	return ok
}

// Layers returns how many input rasters the kind consumes. Layer order is
// always color, albedo, normal.
func (k InputKind) Layers() int {
	if !k.Valid() {
		return 0
	}
	return int(k)
}

func ParseInputKind(s string) (InputKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range inputKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown input kind %q", s)
}

// ParseInputKinds parses a comma separated priority list such as
// "color+albedo+normal,color+albedo,color".
func ParseInputKinds(s string) ([]InputKind, error) {
	var kinds []InputKind
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseInputKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no input kinds in %q", s)
	}
	return kinds, nil
}

type ModelKind int

const (
	ModelHDR ModelKind = iota + 1
	ModelLDR
)

func (m ModelKind) String() string {
	switch m {
	case ModelHDR:
		return "hdr"
	case ModelLDR:
		return "ldr"
	}
	return fmt.Sprintf("ModelKind(%d)", int(m))
}

// NeedsIntensity reports whether the model normalizes by a global exposure
// estimate computed before the tiled pass.
func (m ModelKind) NeedsIntensity() bool {
	return m == ModelHDR
}

func ParseModelKind(s string) (ModelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hdr":
		return ModelHDR, nil
	case "ldr":
		return ModelLDR, nil
	}
	return 0, fmt.Errorf("unknown model kind %q", s)
}

// Sizes are the engine's memory requirements for one tile size.
type Sizes struct {
	StateSizeInBytes                 int64
	WithOverlapScratchSizeInBytes    int64
	WithoutOverlapScratchSizeInBytes int64
	OverlapWindowSizeInPixels        int
}

// Params are the per-invocation denoiser parameters.
type Params struct {
	// HDRIntensity points at a single float written by ComputeIntensity.
	// Zero when the model does not use it.
	HDRIntensity device.Ptr
	// BlendFactor mixes the noisy input back in; 0 is fully denoised.
	BlendFactor float32
}

// IntensityScratchSize is the minimum scratch ComputeIntensity needs for a
// width x height input: sizeof(int) * (2 + width*height).
func IntensityScratchSize(width, height int) int64 {
	return 4 * (2 + int64(width)*int64(height))
}

// Engine constructs denoisers on one compute context.
type Engine interface {
	Name() string
	// NewDenoiser fails when the engine rejects kind or cannot attach the
	// model for it.
	NewDenoiser(kind InputKind, model ModelKind) (Denoiser, error)
}

// Denoiser is one constructed engine handle. All methods that take a
// stream only enqueue work; results are valid after the stream is
// synchronized.
type Denoiser interface {
	Kind() InputKind
	Model() ModelKind

	// ComputeMemoryResources reports state and scratch sizes for tiles of
	// width x height output pixels.
	ComputeMemoryResources(width, height int) (Sizes, error)

	// Setup binds state and scratch for inputs of up to width x height
	// pixels, overlap included.
	Setup(stream device.Stream, width, height int, state device.Ptr, stateSize int64, scratch device.Ptr, scratchSize int64) error

	ComputeIntensity(stream device.Stream, input device.ImageBuffer, intensity device.Ptr, scratch device.Ptr, scratchSize int64) error

	// Invoke denoises one tile. inputs are views that include the overlap
	// margin; output is the inner region and inputOffsetX/Y locate it
	// inside the inputs.
	Invoke(stream device.Stream, params Params, state device.Ptr, stateSize int64,
		inputs []device.ImageBuffer, inputOffsetX, inputOffsetY int,
		output device.ImageBuffer, scratch device.Ptr, scratchSize int64) error

	Destroy() error
}
