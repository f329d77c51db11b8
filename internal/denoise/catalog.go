package denoise

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-denoise/internal/engine"
	"github.com/23skdu/longbow-denoise/internal/logger"
	"github.com/23skdu/longbow-denoise/internal/metrics"
)

// Constraints narrow which variants Select may return.
type Constraints struct {
	Model      engine.ModelKind
	TileWidth  int
	TileHeight int
	// MaxLayers skips kinds that need more input rasters than are
	// available. Zero means no limit.
	MaxLayers int
}

// Variant is a constructed denoiser for one input kind, with the memory
// requirements reported for the constraint tile size.
type Variant struct {
	Kind       engine.InputKind
	Denoiser   engine.Denoiser
	Sizes      engine.Sizes
	TileWidth  int
	TileHeight int
	// Fallback is set when a richer kind was tried first and failed.
	Fallback bool

	once sync.Once
	err  error
}

func (v *Variant) StateSize() int64 { return v.Sizes.StateSizeInBytes }

// ScratchSize returns the scratch requirement for tiled or single-tile runs.
func (v *Variant) ScratchSize(tiled bool) int64 {
	if tiled {
		return v.Sizes.WithOverlapScratchSizeInBytes
	}
	return v.Sizes.WithoutOverlapScratchSizeInBytes
}

// Release destroys the engine handle. It is safe on nil and idempotent.
func (v *Variant) Release() error {
	if v == nil || v.Denoiser == nil {
		return nil
	}
	v.once.Do(func() {
		v.err = v.Denoiser.Destroy()
	})
	return v.err
}

// Catalog constructs variants on one engine.
type Catalog struct {
	eng engine.Engine
	log *logger.Logger
}

func NewCatalog(eng engine.Engine) *Catalog {
	return &Catalog{eng: eng, log: logger.Log.Component("catalog").With("engine", eng.Name())}
}

// Select tries kinds in order and returns the first that the engine can
// construct and size. Failures fall through to the next kind; only when
// every kind fails is ErrNoUsableDenoiserVariant returned. The caller owns
// the returned variant and must Release it.
func (c *Catalog) Select(kinds []engine.InputKind, cons Constraints) (*Variant, error) {
	if len(kinds) == 0 {
		return nil, newError(KindInvalidArgument, "select variant", errors.New("empty input kind list"))
	}
	if cons.TileWidth <= 0 || cons.TileHeight <= 0 {
		return nil, newError(KindInvalidArgument, "select variant",
			fmt.Errorf("invalid tile size %dx%d", cons.TileWidth, cons.TileHeight))
	}

	var failures []error
	for i, kind := range kinds {
		v, err := c.construct(kind, cons)
		if err != nil {
			c.log.Warn("variant rejected, falling back", "kind", kind.String(), "error", err)
			metrics.RecordFallback(kind.String())
			failures = append(failures, err)
			continue
		}
		v.Fallback = i > 0
		metrics.RecordVariant(kind.String())
		c.log.Info("variant selected", "kind", kind.String(), "state_bytes", v.Sizes.StateSizeInBytes,
			"overlap_window", v.Sizes.OverlapWindowSizeInPixels)
		return v, nil
	}
	return nil, newError(KindNoUsableDenoiserVariant, "select variant", errors.Join(failures...))
}

func (c *Catalog) construct(kind engine.InputKind, cons Constraints) (*Variant, error) {
	op := "construct " + kind.String()
	if !kind.Valid() {
		return nil, newError(KindEngineConstruction, op, engine.ErrUnsupportedInput)
	}
	if cons.MaxLayers > 0 && kind.Layers() > cons.MaxLayers {
		return nil, newError(KindEngineConstruction, op,
			fmt.Errorf("needs %d input layers, %d available", kind.Layers(), cons.MaxLayers))
	}

	d, err := c.eng.NewDenoiser(kind, cons.Model)
	if err != nil {
		return nil, newError(KindEngineConstruction, op, err)
	}
	sizes, err := d.ComputeMemoryResources(cons.TileWidth, cons.TileHeight)
	if err != nil {
		_ = d.Destroy()
		return nil, newError(KindEngineConstruction, op, err)
	}
	return &Variant{
		Kind:       kind,
		Denoiser:   d,
		Sizes:      sizes,
		TileWidth:  cons.TileWidth,
		TileHeight: cons.TileHeight,
	}, nil
}
