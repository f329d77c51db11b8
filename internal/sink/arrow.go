package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/imageio"
)

// FrameSchema is one denoised frame per row.
var FrameSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "width", Type: arrow.PrimitiveTypes.Int32},
	{Name: "height", Type: arrow.PrimitiveTypes.Int32},
	{Name: "format", Type: arrow.BinaryTypes.String},
	{Name: "pixels", Type: arrow.BinaryTypes.Binary},
}, nil)

// NewFrameRecord encodes r as a single-row record. The caller releases it.
func NewFrameRecord(mem memory.Allocator, r *imageio.Raster) arrow.Record {
	b := array.NewRecordBuilder(mem, FrameSchema)
	defer b.Release()

	b.Field(0).(*array.StringBuilder).Append(r.Name)
	b.Field(1).(*array.Int32Builder).Append(int32(r.Width))
	b.Field(2).(*array.Int32Builder).Append(int32(r.Height))
	b.Field(3).(*array.StringBuilder).Append(r.Format.String())
	b.Field(4).(*array.BinaryBuilder).Append(r.Pixels)
	return b.NewRecord()
}

// FramesFromRecord decodes every row of rec.
func FramesFromRecord(rec arrow.Record) ([]*imageio.Raster, error) {
	if !rec.Schema().Equal(FrameSchema) {
		return nil, fmt.Errorf("unexpected schema %s", rec.Schema())
	}
	names := rec.Column(0).(*array.String)
	widths := rec.Column(1).(*array.Int32)
	heights := rec.Column(2).(*array.Int32)
	formats := rec.Column(3).(*array.String)
	pixels := rec.Column(4).(*array.Binary)

	out := make([]*imageio.Raster, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		f, err := device.ParsePixelFormat(formats.Value(i))
		if err != nil {
			return nil, err
		}
		r := &imageio.Raster{
			Name:   names.Value(i),
			Width:  int(widths.Value(i)),
			Height: int(heights.Value(i)),
			Format: f,
			Pixels: append([]byte(nil), pixels.Value(i)...),
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ArrowFileSink appends frames to an Arrow IPC file. The footer is written
// on Close.
type ArrowFileSink struct {
	mu   sync.Mutex
	mem  memory.Allocator
	file io.WriteCloser
	w    *ipc.FileWriter
	path string
	n    int
}

func NewArrowFileSink(path string) (*ArrowFileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(FrameSchema), ipc.WithAllocator(mem))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arrow writer: %w", err)
	}
	return &ArrowFileSink{mem: mem, file: f, w: w, path: path}, nil
}

func (s *ArrowFileSink) Write(ctx context.Context, r *imageio.Raster) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := NewFrameRecord(s.mem, r)
	defer rec.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("arrow sink %s closed", s.path)
	}
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("write frame %s: %w", r.Name, err)
	}
	s.n++
	return nil
}

func (s *ArrowFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *ArrowFileSink) String() string { return "arrow:" + s.path }

// ReadArrowFile loads every frame written by an ArrowFileSink.
func ReadArrowFile(path string) ([]*imageio.Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("arrow reader: %w", err)
	}
	defer r.Close()

	var out []*imageio.Raster
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, err
		}
		frames, err := FramesFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}
