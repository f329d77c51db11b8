package imageio

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

func gradient(w, h int) *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA64(x, y, color.NRGBA64{R: uint16(x * 0xffff / (w - 1)), G: 0x8000, B: 0, A: 0xffff})
		}
	}
	return img
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 2e-3
}

func TestRasterValidate(t *testing.T) {
	r := NewRaster("color", 4, 2, device.FormatHalf4)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if r.SizeInBytes() != 4*2*8 {
		t.Errorf("size = %d", r.SizeInBytes())
	}
	r.Pixels = r.Pixels[:10]
	if err := r.Validate(); err == nil {
		t.Error("expected error for short pixel slice")
	}
}

func TestFromImageNormalLayer(t *testing.T) {
	img := image.NewNRGBA64(image.Rect(0, 0, 1, 1))
	img.SetNRGBA64(0, 0, color.NRGBA64{R: 0, G: 0xffff, B: 0x8000, A: 0xffff})

	r := FromImage("normal", img, LayerNormal, device.FormatHalf4)
	p := r.At(0, 0)
	if !near(p[0], -1) || !near(p[1], 1) || !near(p[2], 0) {
		t.Errorf("normal decode = %v", p)
	}
}

func TestEncodeDecodeTIFF(t *testing.T) {
	src := FromImage("color", gradient(16, 4), LayerColor, device.FormatHalf4)

	var buf bytes.Buffer
	if err := Encode(&buf, src, false); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf, "color", LayerColor, device.FormatHalf4)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Width != 16 || got.Height != 4 {
		t.Fatalf("decoded %dx%d", got.Width, got.Height)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 16; x++ {
			a, b := src.At(x, y), got.At(x, y)
			for ch := 0; ch < 4; ch++ {
				if !near(a[ch], b[ch]) {
					t.Fatalf("pixel (%d,%d) ch %d: %v != %v", x, y, ch, a[ch], b[ch])
				}
			}
		}
	}
}

func TestToImageClamps(t *testing.T) {
	r := NewRaster("hdr", 1, 1, device.FormatHalf4)
	r.Set(0, 0, engine.Pixel{4, -1, 0.5, 1})
	c := ToImage(r).NRGBA64At(0, 0)
	if c.R != 0xffff || c.G != 0 || c.A != 0xffff {
		t.Errorf("unexpected clamp result %+v", c)
	}
}

func TestConvert(t *testing.T) {
	r := NewRaster("c", 2, 1, device.FormatHalf4)
	r.Set(1, 0, engine.Pixel{0.25, 0.5, 1, 1})
	f := r.Convert(device.FormatFloat3)
	if f.Format != device.FormatFloat3 || len(f.Pixels) != 2*12 {
		t.Fatalf("unexpected converted raster %s %d", f.Format, len(f.Pixels))
	}
	if p := f.At(1, 0); p != (engine.Pixel{0.25, 0.5, 1, 1}) {
		t.Errorf("converted pixel = %v", p)
	}

	same := r.Convert(device.FormatHalf4)
	same.Pixels[0] = 0xff
	if r.Pixels[0] == 0xff {
		t.Error("same-format convert must copy pixels")
	}
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	p := filepath.Join(dir, name)
	r := FromImage(name, img, LayerColor, device.FormatHalf4)
	if err := Save(p, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return p
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "color.png", gradient(8, 8)),
		writePNG(t, dir, "albedo.png", gradient(8, 8)),
		writePNG(t, dir, "normal.png", gradient(8, 8)),
	}

	rasters, err := LoadLayers(paths, device.FormatHalf4)
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}
	if len(rasters) != 3 {
		t.Fatalf("expected 3 rasters, got %d", len(rasters))
	}
	// normal layer is remapped from [0,1] to [-1,1]
	if p := rasters[2].At(0, 0); !near(p[0], -1) {
		t.Errorf("normal layer not remapped: %v", p)
	}
	if p := rasters[0].At(0, 0); !near(p[0], 0) {
		t.Errorf("color layer remapped: %v", p)
	}
}

func TestLoadLayersShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "color.png", gradient(8, 8)),
		writePNG(t, dir, "albedo.png", gradient(4, 8)),
	}
	if _, err := LoadLayers(paths, device.FormatHalf4); err == nil {
		t.Error("expected error for mismatched sizes")
	}
}

func TestLoadLayersMissingFile(t *testing.T) {
	if _, err := LoadLayers([]string{filepath.Join(t.TempDir(), "missing.tiff")}, device.FormatHalf4); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadLayers(nil, device.FormatHalf4); err == nil {
		t.Error("expected error for no paths")
	}
}

func TestSaveTIFF(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out.tiff")
	if err := Save(p, FromImage("out", gradient(4, 4), LayerColor, device.FormatHalf4)); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(p)
	if err != nil || fi.Size() == 0 {
		t.Fatalf("expected non-empty tiff, err=%v", err)
	}
}
