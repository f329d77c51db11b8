package engine

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-denoise/internal/device"
)

// Pixel is an RGBA sample in linear float. Three channel formats read
// alpha as 1.
type Pixel [4]float32

// ReadPixel decodes one pixel of format f from mem.
func ReadPixel(mem []byte, f device.PixelFormat) Pixel {
	p := Pixel{0, 0, 0, 1}
	n := f.Channels()
	if f.IsHalf() {
		for c := 0; c < n; c++ {
			p[c] = float16.Frombits(binary.LittleEndian.Uint16(mem[2*c:])).Float32()
		}
		return p
	}
	for c := 0; c < n; c++ {
		p[c] = math.Float32frombits(binary.LittleEndian.Uint32(mem[4*c:]))
	}
	return p
}

// WritePixel encodes p into mem using format f.
func WritePixel(mem []byte, f device.PixelFormat, p Pixel) {
	n := f.Channels()
	if f.IsHalf() {
		for c := 0; c < n; c++ {
			binary.LittleEndian.PutUint16(mem[2*c:], float16.Fromfloat32(p[c]).Bits())
		}
		return
	}
	for c := 0; c < n; c++ {
		binary.LittleEndian.PutUint32(mem[4*c:], math.Float32bits(p[c]))
	}
}

// Luminance uses Rec. 709 weights.
func (p Pixel) Luminance() float32 {
	return 0.2126*p[0] + 0.7152*p[1] + 0.0722*p[2]
}

func (p Pixel) dot3(q Pixel) float32 {
	return p[0]*q[0] + p[1]*q[1] + p[2]*q[2]
}
