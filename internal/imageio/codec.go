package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/remeh/sizedwaitgroup"
	"golang.org/x/image/tiff"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
	"github.com/23skdu/longbow-denoise/internal/logger"
)

// Layer selects how 8/16 bit samples map to linear values.
type Layer int

const (
	LayerColor Layer = iota
	LayerAlbedo
	// LayerNormal stores n*0.5+0.5 per component.
	LayerNormal
)

func (l Layer) String() string {
	switch l {
	case LayerColor:
		return "color"
	case LayerAlbedo:
		return "albedo"
	case LayerNormal:
		return "normal"
	}
	return fmt.Sprintf("Layer(%d)", int(l))
}

// FromImage converts img into a raster of format f.
func FromImage(name string, img image.Image, layer Layer, f device.PixelFormat) *Raster {
	b := img.Bounds()
	r := NewRaster(name, b.Dx(), b.Dy(), f)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			p := engine.Pixel{
				float32(c.R) / 0xffff,
				float32(c.G) / 0xffff,
				float32(c.B) / 0xffff,
				float32(c.A) / 0xffff,
			}
			if layer == LayerNormal {
				for ch := 0; ch < 3; ch++ {
					p[ch] = p[ch]*2 - 1
				}
			}
			r.Set(x, y, p)
		}
	}
	return r
}

// ToImage quantizes r to 16 bits per channel, clamping to [0,1].
func ToImage(r *Raster) *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			p := r.At(x, y)
			img.SetNRGBA64(x, y, color.NRGBA64{
				R: quantize(p[0]),
				G: quantize(p[1]),
				B: quantize(p[2]),
				A: quantize(p[3]),
			})
		}
	}
	return img
}

func quantize(v float32) uint16 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 0xffff
	}
	return uint16(v*0xffff + 0.5)
}

// Decode reads a TIFF or PNG image.
func Decode(rd io.Reader, name string, layer Layer, f device.PixelFormat) (*Raster, error) {
	img, kind, err := image.Decode(rd)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	logger.Log.Debug("image decoded", "name", name, "codec", kind, "layer", layer.String(),
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return FromImage(name, img, layer, f), nil
}

// Load decodes the file at path.
func Load(path string, layer Layer, f device.PixelFormat) (*Raster, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Decode(fh, filepath.Base(path), layer, f)
}

// LoadLayers decodes color, albedo and normal files in parallel. paths are
// in that layer order; fewer than three paths load only the leading layers.
func LoadLayers(paths []string, f device.PixelFormat) ([]*Raster, error) {
	if len(paths) == 0 || len(paths) > 3 {
		return nil, fmt.Errorf("expected 1 to 3 input paths, got %d", len(paths))
	}

	rasters := make([]*Raster, len(paths))
	errs := make([]error, len(paths))
	var mu sync.Mutex

	wg := sizedwaitgroup.New(runtime.NumCPU())
	for i, p := range paths {
		wg.Add()
		go func(i int, p string) {
			defer wg.Done()
			r, err := Load(p, Layer(i), f)
			mu.Lock()
			rasters[i], errs[i] = r, err
			mu.Unlock()
		}(i, p)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("load %s layer: %w", Layer(i), err)
		}
	}
	if err := SameShape(rasters...); err != nil {
		return nil, err
	}
	return rasters, nil
}

// Encode writes r as a 16 bit TIFF, or PNG when asPNG is set.
func Encode(w io.Writer, r *Raster, asPNG bool) error {
	img := ToImage(r)
	if asPNG {
		return png.Encode(w, img)
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Save encodes r to path, choosing PNG for a .png extension and TIFF
// otherwise.
func Save(path string, r *Raster) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	asPNG := strings.EqualFold(filepath.Ext(path), ".png")
	if err := Encode(fh, r, asPNG); err != nil {
		fh.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return fh.Close()
}
