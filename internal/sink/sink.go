// Package sink delivers denoised frames to files, memory, an Arrow IPC
// file or an Arrow Flight server.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/23skdu/longbow-denoise/internal/imageio"
)

// Sink receives denoised frames. Write may be called concurrently.
type Sink interface {
	Write(ctx context.Context, r *imageio.Raster) error
	Close() error
}

// Open builds a sink from a URI:
//
//	file:<path>          TIFF or PNG; "{name}" in path expands to the frame name
//	arrow:<path>         Arrow IPC file, one row per frame
//	flight://<host:port> Arrow Flight DoPut
//	memory               kept in process
func Open(uri string) (Sink, error) {
	switch {
	case uri == "memory":
		return NewMemorySink(), nil
	case strings.HasPrefix(uri, "file:"):
		path := strings.TrimPrefix(uri, "file:")
		if path == "" {
			return nil, fmt.Errorf("sink %q: empty path", uri)
		}
		return NewFileSink(path), nil
	case strings.HasPrefix(uri, "arrow:"):
		path := strings.TrimPrefix(uri, "arrow:")
		if path == "" {
			return nil, fmt.Errorf("sink %q: empty path", uri)
		}
		s, err := NewArrowFileSink(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(uri, "flight://"):
		addr := strings.TrimPrefix(uri, "flight://")
		host, path, _ := strings.Cut(addr, "/")
		if host == "" {
			return nil, fmt.Errorf("sink %q: missing address", uri)
		}
		if path != "" {
			return NewFlightSink(host, strings.Split(path, "/")...), nil
		}
		return NewFlightSink(host), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", uri)
	}
}

// MemorySink keeps the latest raster per frame name.
type MemorySink struct {
	mu     sync.Mutex
	frames map[string]*imageio.Raster
}

func NewMemorySink() *MemorySink {
	return &MemorySink{frames: make(map[string]*imageio.Raster)}
}

func (s *MemorySink) Write(ctx context.Context, r *imageio.Raster) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames[r.Name] = r
	s.mu.Unlock()
	return nil
}

// Get returns the frame written under name.
func (s *MemorySink) Get(name string) (*imageio.Raster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.frames[name]
	return r, ok
}

// Names lists the stored frames in sorted order.
func (s *MemorySink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.frames))
	for n := range s.frames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *MemorySink) Close() error { return nil }

func (s *MemorySink) String() string { return "memory" }

// FileSink encodes each frame to disk. A path containing "{name}" gets one
// file per frame; a directory gets <name>.tiff inside it; any other path is
// overwritten by every frame. Writes to the same file are serialized.
type FileSink struct {
	path string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path, locks: make(map[string]*sync.Mutex)}
}

func (s *FileSink) lock(target string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[target]
	if !ok {
		l = &sync.Mutex{}
		s.locks[target] = l
	}
	return l
}

// Target is the file a frame called name is written to.
func (s *FileSink) Target(name string) string {
	if strings.Contains(s.path, "{name}") {
		return strings.ReplaceAll(s.path, "{name}", name)
	}
	if strings.HasSuffix(s.path, string(os.PathSeparator)) {
		return filepath.Join(s.path, name+".tiff")
	}
	if fi, err := os.Stat(s.path); err == nil && fi.IsDir() {
		return filepath.Join(s.path, name+".tiff")
	}
	return s.path
}

func (s *FileSink) Write(ctx context.Context, r *imageio.Raster) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := s.Target(r.Name)
	l := s.lock(target)
	l.Lock()
	defer l.Unlock()
	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return imageio.Save(target, r)
}

func (s *FileSink) Close() error { return nil }

func (s *FileSink) String() string { return "file:" + s.path }
