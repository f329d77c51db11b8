package device

import (
	"fmt"
	"image"
	"strings"
)

type PixelFormat int

const (
	FormatInvalid PixelFormat = iota
	FormatHalf3
	FormatHalf4
	FormatFloat3
	FormatFloat4
)

var pixelFormatNames = map[PixelFormat]string{
	FormatHalf3:  "half3",
	FormatHalf4:  "half4",
	FormatFloat3: "float3",
	FormatFloat4: "float4",
}

func (f PixelFormat) String() string {
	if name, ok := pixelFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// Channels returns the number of components per pixel, 0 for unknown formats.
func (f PixelFormat) Channels() int {
	switch f {
	case FormatHalf3, FormatFloat3:
		return 3
	case FormatHalf4, FormatFloat4:
		return 4
	}
	return 0
}

func (f PixelFormat) IsHalf() bool {
	return f == FormatHalf3 || f == FormatHalf4
}

// BytesPerPixel returns the tightly packed pixel stride.
func (f PixelFormat) BytesPerPixel() int {
	if f.IsHalf() {
		return 2 * f.Channels()
	}
	return 4 * f.Channels()
}

func (f PixelFormat) Valid() bool {
	return f.Channels() > 0
}

func ParsePixelFormat(s string) (PixelFormat, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for f, n := range pixelFormatNames {
		if n == name {
			return f, nil
		}
	}
	return FormatInvalid, fmt.Errorf("unknown pixel format %q", s)
}

// ImageBuffer describes a 2D raster in device memory. Several buffers may
// alias disjoint ranges of one allocation.
type ImageBuffer struct {
	Data               Ptr
	Width              int
	Height             int
	RowStrideInBytes   int
	Format             PixelFormat
	PixelStrideInBytes int
}

// NewImageBuffer describes a tightly packed width x height raster at data.
func NewImageBuffer(data Ptr, width, height int, format PixelFormat) ImageBuffer {
	bpp := format.BytesPerPixel()
	return ImageBuffer{
		Data:               data,
		Width:              width,
		Height:             height,
		RowStrideInBytes:   width * bpp,
		Format:             format,
		PixelStrideInBytes: bpp,
	}
}

func (b ImageBuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// SizeInBytes is the byte span from the first to one past the last pixel.
func (b ImageBuffer) SizeInBytes() int64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return int64(b.RowStrideInBytes)*int64(b.Height-1) + int64(b.Width)*int64(b.PixelStrideInBytes)
}

// Offset returns the byte offset of pixel (x, y) from Data.
func (b ImageBuffer) Offset(x, y int) int64 {
	return int64(y)*int64(b.RowStrideInBytes) + int64(x)*int64(b.PixelStrideInBytes)
}

// Sub returns a view of r, which must lie inside Bounds. The view keeps the
// parent row stride, so it addresses the same bytes as the parent.
func (b ImageBuffer) Sub(r image.Rectangle) (ImageBuffer, error) {
	if r.Empty() || !r.In(b.Bounds()) {
		return ImageBuffer{}, fmt.Errorf("sub-image %v outside %v", r, b.Bounds())
	}
	v := b
	v.Data = b.Data + Ptr(b.Offset(r.Min.X, r.Min.Y))
	v.Width = r.Dx()
	v.Height = r.Dy()
	return v, nil
}
