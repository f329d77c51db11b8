//go:build !(linux && optix)

package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		arg     string
		name    string
		layers  int
		wantErr bool
	}{
		{arg: "shots/beauty.0001.png", name: "beauty.0001", layers: 1},
		{arg: "c.tiff,a.tiff", name: "c", layers: 2},
		{arg: "c.tiff, a.tiff ,n.tiff", name: "c", layers: 3},
		{arg: "", wantErr: true},
		{arg: "a,b,c,d", wantErr: true},
	}
	for _, tt := range tests {
		name, paths, err := parseFrame(tt.arg)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFrame(%q) error = %v, wantErr %v", tt.arg, err, tt.wantErr)
			continue
		}
		if err == nil && (name != tt.name || len(paths) != tt.layers) {
			t.Errorf("parseFrame(%q) = %s, %v", tt.arg, name, paths)
		}
	}
}

func writePNG(t *testing.T, path string, c color.NRGBA64) {
	t.Helper()
	img := image.NewNRGBA64(image.Rect(0, 0, 12, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 12; x++ {
			v := c
			v.R = uint16((x * 5000) % 0xffff)
			img.SetNRGBA64(x, y, v)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestPlanCommand(t *testing.T) {
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	if err := app.Run([]string{"denoise", "plan", "--width", "2048", "--height", "1024", "--tile", "1024"}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"color+albedo+normal", "tiled=true", "TOTAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	beauty := filepath.Join(dir, "beauty.png")
	albedo := filepath.Join(dir, "albedo.png")
	writePNG(t, beauty, color16(0x8000))
	writePNG(t, albedo, color16(0xc000))

	app := newApp()
	app.Writer = &bytes.Buffer{}
	app.ExitErrHandler = func(*cli.Context, error) {}
	args := []string{"denoise", "run", "--tile", "8", "--overlap", "2", "--devices", "1",
		"--out", "file:" + filepath.Join(dir, "out", "{name}.tiff"),
		beauty + "," + albedo, albedo}
	if err := app.Run(args); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, name := range []string{"beauty", "albedo"} {
		if _, err := os.Stat(filepath.Join(dir, "out", name+".tiff")); err != nil {
			t.Errorf("missing output for %s: %v", name, err)
		}
	}
}

func TestRunCommandRejectsBadConfig(t *testing.T) {
	for _, args := range [][]string{
		{"denoise", "run", "--blend", "2", "x.png"},
		{"denoise", "run", "--tile", "0x8", "x.png"},
		{"denoise", "run", "--out", "s3://bucket", "x.png"},
		{"denoise", "run"},
	} {
		app := newApp()
		app.Writer = &bytes.Buffer{}
		app.ExitErrHandler = func(*cli.Context, error) {}
		if err := app.Run(args); err == nil {
			t.Errorf("expected an error for %v", args[2:])
		}
	}
}

func color16(v uint16) color.NRGBA64 {
	return color.NRGBA64{R: v, G: v, B: v, A: 0xffff}
}
