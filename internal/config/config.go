package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

// OverlapAuto asks the engine for its recommended overlap window.
const OverlapAuto = -1

type Config struct {
	// InputKinds is the variant priority list, tried in order.
	InputKinds []engine.InputKind
	Model      engine.ModelKind

	TileWidth  int
	TileHeight int
	Overlap    int

	Format      device.PixelFormat
	BlendFactor float32

	// MemoryBudget caps the planned footprint. Zero uses the device total.
	MemoryBudget int64

	OutputSink string
	Devices    int

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func (c *Config) Validate() error {
	if c.TileWidth <= 0 {
		return fmt.Errorf("invalid tile_width: %d (must be positive)", c.TileWidth)
	}
	if c.TileHeight <= 0 {
		return fmt.Errorf("invalid tile_height: %d (must be positive)", c.TileHeight)
	}
	if c.Overlap < OverlapAuto {
		return fmt.Errorf("invalid overlap: %d (must be >= 0, or -1 for engine default)", c.Overlap)
	}
	if len(c.InputKinds) == 0 {
		return fmt.Errorf("invalid input_kinds: empty priority list")
	}
	seen := make(map[engine.InputKind]bool, len(c.InputKinds))
	for _, k := range c.InputKinds {
		if !k.Valid() {
			return fmt.Errorf("invalid input_kinds: unknown kind %d", int(k))
		}
		if seen[k] {
			return fmt.Errorf("invalid input_kinds: %s listed twice", k)
		}
		seen[k] = true
	}
	if c.Model != engine.ModelHDR && c.Model != engine.ModelLDR {
		return fmt.Errorf("invalid model: %d", int(c.Model))
	}
	if !c.Format.Valid() {
		return fmt.Errorf("invalid format: %s", c.Format)
	}
	if c.BlendFactor < 0 || c.BlendFactor > 1 {
		return fmt.Errorf("invalid blend_factor: %f (must be in [0,1])", c.BlendFactor)
	}
	if c.MemoryBudget < 0 {
		return fmt.Errorf("invalid memory_budget: %d (must be non-negative)", c.MemoryBudget)
	}
	if c.Devices < 1 {
		return fmt.Errorf("invalid devices: %d (must be positive)", c.Devices)
	}
	return nil
}

// RichestKind returns the first entry of the priority list.
func (c *Config) RichestKind() engine.InputKind {
	if len(c.InputKinds) == 0 {
		return 0
	}
	return c.InputKinds[0]
}

// MaxLayers is the number of input rasters needed by the richest variant.
func (c *Config) MaxLayers() int {
	n := 0
	for _, k := range c.InputKinds {
		if k.Layers() > n {
			n = k.Layers()
		}
	}
	return n
}

func Default() Config {
	return Config{
		InputKinds: []engine.InputKind{
			engine.InputColorAlbedoNormal,
			engine.InputColorAlbedo,
			engine.InputColor,
		},
		Model:      engine.ModelHDR,
		TileWidth:  1024,
		TileHeight: 1024,
		Overlap:    64,
		Format:     device.FormatHalf4,
		OutputSink: "file:{name}.denoised.tiff",
		Devices:    1,
		LogLevel:   "info",
		LogFormat:  "console",
	}
}

// ParseTileSize accepts "WxH" or a single number for square tiles.
func ParseTileSize(s string) (int, int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	parts := strings.Split(s, "x")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("invalid tile size %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid tile size %q: %w", s, err)
	}
	h := w
	if len(parts) == 2 {
		if h, err = strconv.Atoi(parts[1]); err != nil {
			return 0, 0, fmt.Errorf("invalid tile size %q: %w", s, err)
		}
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid tile size %q: dimensions must be positive", s)
	}
	return w, h, nil
}

// ParseInputKinds parses a comma separated priority list.
func ParseInputKinds(s string) ([]engine.InputKind, error) {
	return engine.ParseInputKinds(s)
}
