package imageio

import (
	"fmt"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

// Raster is a tightly packed host image in one of the device pixel formats.
type Raster struct {
	Name   string
	Width  int
	Height int
	Format device.PixelFormat
	Pixels []byte
}

// NewRaster allocates a zeroed raster.
func NewRaster(name string, width, height int, format device.PixelFormat) *Raster {
	return &Raster{
		Name:   name,
		Width:  width,
		Height: height,
		Format: format,
		Pixels: make([]byte, width*height*format.BytesPerPixel()),
	}
}

func (r *Raster) SizeInBytes() int64 {
	return int64(len(r.Pixels))
}

func (r *Raster) Stride() int {
	return r.Width * r.Format.BytesPerPixel()
}

func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("raster %q: invalid size %dx%d", r.Name, r.Width, r.Height)
	}
	if !r.Format.Valid() {
		return fmt.Errorf("raster %q: invalid format %s", r.Name, r.Format)
	}
	if want := r.Width * r.Height * r.Format.BytesPerPixel(); len(r.Pixels) != want {
		return fmt.Errorf("raster %q: %d bytes of pixels, want %d", r.Name, len(r.Pixels), want)
	}
	return nil
}

func (r *Raster) offset(x, y int) int {
	return y*r.Stride() + x*r.Format.BytesPerPixel()
}

func (r *Raster) At(x, y int) engine.Pixel {
	return engine.ReadPixel(r.Pixels[r.offset(x, y):], r.Format)
}

func (r *Raster) Set(x, y int, p engine.Pixel) {
	engine.WritePixel(r.Pixels[r.offset(x, y):], r.Format, p)
}

// Convert returns a copy of r in format f.
func (r *Raster) Convert(f device.PixelFormat) *Raster {
	if f == r.Format {
		out := *r
		out.Pixels = append([]byte(nil), r.Pixels...)
		return &out
	}
	out := NewRaster(r.Name, r.Width, r.Height, f)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			out.Set(x, y, r.At(x, y))
		}
	}
	return out
}

// SameShape reports whether every raster has the dimensions and format of
// the first.
func SameShape(rasters ...*Raster) error {
	if len(rasters) == 0 {
		return nil
	}
	first := rasters[0]
	for _, r := range rasters[1:] {
		if r.Width != first.Width || r.Height != first.Height {
			return fmt.Errorf("raster %q is %dx%d, %q is %dx%d", r.Name, r.Width, r.Height, first.Name, first.Width, first.Height)
		}
		if r.Format != first.Format {
			return fmt.Errorf("raster %q is %s, %q is %s", r.Name, r.Format, first.Name, first.Format)
		}
	}
	return nil
}
