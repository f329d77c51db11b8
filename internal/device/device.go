package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-denoise/internal/metrics"
)

// Ptr is an address in device memory. Zero is never a valid allocation.
type Ptr uint64

var ErrOutOfMemory = errors.New("device: out of memory")

// Context is an execution context bound to one physical accelerator.
// Allocations and streams created from a Context belong to it alone.
type Context interface {
	Ordinal() int
	Capabilities() Capabilities

	Malloc(size int64) (Ptr, error)
	Free(p Ptr) error

	// CopyHtoD and CopyDtoH block the calling goroutine until the copy is done.
	CopyHtoD(dst Ptr, src []byte) error
	CopyDtoH(dst []byte, src Ptr) error

	NewStream() (Stream, error)
	Close() error
}

// Stream is an ordered, asynchronous queue of device operations. Work
// enqueued on a stream runs in submission order; nothing blocks the host
// until Synchronize.
type Stream interface {
	Synchronize() error
	Destroy() error
}

// MemoryInfo is the narrow capability query used for memory budgeting.
type MemoryInfo interface {
	TotalMemoryBytes() int64
}

// Capabilities is filled in once by the backend when a context is created.
// It is passed around by value and never mutated.
type Capabilities struct {
	Name                    string
	Ordinal                 int
	DriverVersion           int // 1000*major + 10*minor
	ComputeMajor            int
	ComputeMinor            int
	TotalMemory             int64
	MultiprocessorCount     int
	MaxSharedMemoryPerBlock int
	TextureAlignment        int
	AsyncEngineCount        int
}

func (c Capabilities) TotalMemoryBytes() int64 {
	return c.TotalMemory
}

func (c Capabilities) ComputeCapability() string {
	return fmt.Sprintf("%d.%d", c.ComputeMajor, c.ComputeMinor)
}

func (c Capabilities) DriverVersionString() string {
	major := c.DriverVersion / 1000
	minor := (c.DriverVersion - major*1000) / 10
	return fmt.Sprintf("%d.%d", major, minor)
}

// Allocation is an owned device allocation. Free is safe to call more
// than once and on a nil receiver, so it can sit in a defer on every path.
type Allocation struct {
	ctx  Context
	ptr  Ptr
	size int64

	once sync.Once
	err  error
}

// Alloc reserves size bytes on ctx.
func Alloc(ctx Context, size int64) (*Allocation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("device: invalid allocation size %d", size)
	}
	p, err := ctx.Malloc(size)
	if err != nil {
		return nil, err
	}
	return &Allocation{ctx: ctx, ptr: p, size: size}, nil
}

func (a *Allocation) Ptr() Ptr { return a.ptr }

func (a *Allocation) Size() int64 { return a.size }

func (a *Allocation) Context() Context { return a.ctx }

func (a *Allocation) Free() error {
	if a == nil {
		return nil
	}
	a.once.Do(func() {
		a.err = a.ctx.Free(a.ptr)
	})
	return a.err
}

// traceAlloc keeps the per-context live byte count and mirrors it into the
// device memory gauge.
func traceAlloc(ordinal int, counter *int64, delta int64) {
	v := atomic.AddInt64(counter, delta)
	metrics.RecordDeviceMemory(ordinal, v)
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}
