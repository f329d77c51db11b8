package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
	"github.com/23skdu/longbow-denoise/internal/imageio"
)

func frame(name string, w, h int) *imageio.Raster {
	r := imageio.NewRaster(name, w, h, device.FormatHalf4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r.Set(x, y, engine.Pixel{float32(x) / float32(w), float32(y) / float32(h), 0.5, 1})
		}
	}
	return r
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "memory", want: "memory"},
		{uri: "file:out.tiff", want: "file:out.tiff"},
		{uri: "arrow:" + filepath.Join(dir, "frames.arrow"), want: "arrow:" + filepath.Join(dir, "frames.arrow")},
		{uri: "flight://localhost:3000", want: "flight://localhost:3000"},
		{uri: "flight://localhost:3000/renders/shot1", want: "flight://localhost:3000"},
		{uri: "file:", wantErr: true},
		{uri: "arrow:", wantErr: true},
		{uri: "flight://", wantErr: true},
		{uri: "s3://bucket", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			s, err := Open(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer s.Close()
			if got := s.(fmt.Stringer).String(); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Write(context.Background(), frame(fmt.Sprintf("f%d", i), 2, 2)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if n := len(s.Names()); n != 8 {
		t.Fatalf("stored %d frames", n)
	}
	if s.Names()[0] != "f0" {
		t.Errorf("names not sorted: %v", s.Names())
	}
	if _, ok := s.Get("f3"); !ok {
		t.Error("f3 missing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Write(ctx, frame("late", 1, 1)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestFileSinkTargets(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		path string
		want string
	}{
		{filepath.Join(dir, "{name}.png"), filepath.Join(dir, "beauty.png")},
		{dir, filepath.Join(dir, "beauty.tiff")},
		{dir + "/nested/", filepath.Join(dir, "nested", "beauty.tiff")},
		{filepath.Join(dir, "single.tiff"), filepath.Join(dir, "single.tiff")},
	}
	for _, tt := range tests {
		if got := NewFileSink(tt.path).Target("beauty"); got != tt.want {
			t.Errorf("Target(%s) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestFileSinkWrites(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(filepath.Join(dir, "out", "{name}.tiff"))
	in := frame("beauty", 8, 4)
	if err := s.Write(context.Background(), in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := imageio.Load(filepath.Join(dir, "out", "beauty.tiff"), imageio.LayerColor, device.FormatHalf4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Width != 8 || got.Height != 4 {
		t.Errorf("read back %dx%d", got.Width, got.Height)
	}
}

func TestFileSinkConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		path   string
		target func(i int) string
	}{
		{"shared file", filepath.Join(dir, "denoised.tiff"), func(int) string { return filepath.Join(dir, "denoised.tiff") }},
		{"per frame", filepath.Join(dir, "frames", "{name}.tiff"), func(i int) string {
			return filepath.Join(dir, "frames", fmt.Sprintf("f%d.tiff", i))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFileSink(tt.path)
			const n = 8
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := s.Write(context.Background(), frame(fmt.Sprintf("f%d", i), 16+i, 16+i)); err != nil {
						t.Error(err)
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < n; i++ {
				got, err := imageio.Load(tt.target(i), imageio.LayerColor, device.FormatHalf4)
				if err != nil {
					t.Fatalf("Load %s: %v", tt.target(i), err)
				}
				if got.Width != got.Height || got.Width < 16 || got.Width >= 16+n {
					t.Errorf("%s holds a %dx%d image", tt.target(i), got.Width, got.Height)
				}
			}
		})
	}
}

func TestArrowFileSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.arrow")
	s, err := NewArrowFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	a, b := frame("a", 4, 3), frame("b", 2, 2)
	for _, r := range []*imageio.Raster{a, b} {
		if err := s.Write(context.Background(), r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := s.Write(context.Background(), a); err == nil {
		t.Error("expected error writing to a closed sink")
	}

	frames, err := ReadArrowFile(path)
	if err != nil {
		t.Fatalf("ReadArrowFile: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("read %d frames", len(frames))
	}
	for i, want := range []*imageio.Raster{a, b} {
		got := frames[i]
		if got.Name != want.Name || got.Width != want.Width || got.Height != want.Height || got.Format != want.Format {
			t.Errorf("frame %d header mismatch: %+v", i, got)
		}
		if !bytes.Equal(got.Pixels, want.Pixels) {
			t.Errorf("frame %d pixels differ", i)
		}
	}
}

type putRecorder struct {
	flight.BaseFlightServer

	mu     sync.Mutex
	paths  [][]string
	frames []*imageio.Raster
}

func (p *putRecorder) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	for rdr.Next() {
		frames, err := FramesFromRecord(rdr.Record())
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.frames = append(p.frames, frames...)
		if desc != nil {
			p.paths = append(p.paths, desc.Path)
		}
		p.mu.Unlock()
	}
	return rdr.Err()
}

func TestFlightSinkPutsFrames(t *testing.T) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init("localhost:0"); err != nil {
		t.Fatal(err)
	}
	rec := &putRecorder{}
	srv.RegisterFlightService(rec)
	go srv.Serve()
	defer srv.Shutdown()

	s, err := Open("flight://" + srv.Addr().String() + "/renders")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	in := frame("shot1", 4, 4)
	if err := s.Write(context.Background(), in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(context.Background(), frame("shot2", 2, 2)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.frames) != 2 {
		t.Fatalf("server got %d frames", len(rec.frames))
	}
	if !bytes.Equal(rec.frames[0].Pixels, in.Pixels) {
		t.Error("pixels changed in transit")
	}
	if len(rec.paths) != 2 || fmt.Sprint(rec.paths[0]) != "[renders shot1]" {
		t.Errorf("unexpected descriptor paths %v", rec.paths)
	}
}

type heldPut struct {
	flight.BaseFlightServer
	started chan struct{}
	release chan struct{}
}

func (h *heldPut) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()
	if !rdr.Next() {
		return rdr.Err()
	}
	close(h.started)
	<-h.release
	for rdr.Next() {
	}
	return rdr.Err()
}

func TestFlightSinkCloseWaitsForPut(t *testing.T) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init("localhost:0"); err != nil {
		t.Fatal(err)
	}
	h := &heldPut{started: make(chan struct{}), release: make(chan struct{})}
	srv.RegisterFlightService(h)
	go srv.Serve()
	defer srv.Shutdown()

	s := NewFlightSink(srv.Addr().String())
	writeErr := make(chan error, 1)
	go func() { writeErr <- s.Write(context.Background(), frame("held", 4, 4)) }()

	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the frame")
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		t.Fatalf("Close returned during a put: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(h.release)
	if err := <-writeErr; err != nil {
		t.Errorf("Write: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close never returned")
	}
}

func TestFlightSinkUnreachable(t *testing.T) {
	s := NewFlightSink("127.0.0.1:1")
	s.timeout = 200 * time.Millisecond
	defer s.Close()
	if err := s.Write(context.Background(), frame("x", 1, 1)); err == nil {
		t.Error("expected an error for an unreachable server")
	}
}
