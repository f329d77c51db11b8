package device

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
)

const (
	hostBase  Ptr   = 0x10000
	hostAlign int64 = 256
)

// HostContext is a software accelerator backed by host memory. It is the
// default backend and the one the tests run against. Stream work is
// deferred until Synchronize, so results read before that point are stale
// exactly as they would be on a real device.
type HostContext struct {
	mu      sync.Mutex
	caps    Capabilities
	next    Ptr
	blocks  map[Ptr][]byte
	limit   int64
	mallocs int
	closed  bool

	allocated int64
}

// NewHostContext creates a host device. limit caps the bytes that may be
// live at once; zero means unlimited.
func NewHostContext(ordinal int, limit int64) *HostContext {
	total := limit
	if total == 0 {
		total = 1 << 40
	}
	return &HostContext{
		caps: Capabilities{
			Name:                    fmt.Sprintf("host-%d", ordinal),
			Ordinal:                 ordinal,
			TotalMemory:             total,
			MultiprocessorCount:     runtime.NumCPU(),
			MaxSharedMemoryPerBlock: 48 * 1024,
			TextureAlignment:        int(hostAlign),
		},
		next:   hostBase,
		blocks: make(map[Ptr][]byte),
		limit:  limit,
	}
}

func (c *HostContext) Ordinal() int { return c.caps.Ordinal }

func (c *HostContext) Capabilities() Capabilities { return c.caps }

func (c *HostContext) Malloc(size int64) (Ptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("device: invalid allocation size %d", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errors.New("device: context closed")
	}
	if c.limit > 0 && c.allocated+size > c.limit {
		return 0, fmt.Errorf("%w: requested %d bytes with %d of %d in use", ErrOutOfMemory, size, c.allocated, c.limit)
	}

	p := c.next
	c.blocks[p] = make([]byte, size)
	// Leave a gap after every block so an overrun never lands in a neighbour.
	c.next += Ptr(alignUp(size, hostAlign) + hostAlign)
	c.mallocs++
	traceAlloc(c.caps.Ordinal, &c.allocated, size)
	return p, nil
}

func (c *HostContext) Free(p Ptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.blocks[p]
	if !ok {
		return fmt.Errorf("device: free of unknown pointer %#x", uint64(p))
	}
	delete(c.blocks, p)
	traceAlloc(c.caps.Ordinal, &c.allocated, -int64(len(block)))
	return nil
}

// Bytes returns the host slice backing [p, p+n). The range must fall inside
// a single live allocation.
func (c *HostContext) Bytes(p Ptr, n int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesLocked(p, n)
}

func (c *HostContext) bytesLocked(p Ptr, n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("device: negative length %d", n)
	}
	for base, block := range c.blocks {
		if p < base || p >= base+Ptr(len(block)) {
			continue
		}
		off := int64(p - base)
		if off+n > int64(len(block)) {
			return nil, fmt.Errorf("device: access [%#x, +%d) overruns allocation %#x of %d bytes", uint64(p), n, uint64(base), len(block))
		}
		return block[off : off+n], nil
	}
	return nil, fmt.Errorf("device: access to unmapped address %#x", uint64(p))
}

func (c *HostContext) CopyHtoD(dst Ptr, src []byte) error {
	mem, err := c.Bytes(dst, int64(len(src)))
	if err != nil {
		return fmt.Errorf("copy host to device: %w", err)
	}
	copy(mem, src)
	return nil
}

func (c *HostContext) CopyDtoH(dst []byte, src Ptr) error {
	mem, err := c.Bytes(src, int64(len(dst)))
	if err != nil {
		return fmt.Errorf("copy device to host: %w", err)
	}
	copy(dst, mem)
	return nil
}

func (c *HostContext) NewStream() (Stream, error) {
	return &HostStream{ctx: c}, nil
}

// MallocCount reports how many allocations were made over the context lifetime.
func (c *HostContext) MallocCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mallocs
}

// InUse reports the bytes currently allocated.
func (c *HostContext) InUse() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// LiveAllocations returns the base addresses of live allocations in order.
func (c *HostContext) LiveAllocations() []Ptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	ptrs := make([]Ptr, 0, len(c.blocks))
	for p := range c.blocks {
		ptrs = append(ptrs, p)
	}
	sort.Slice(ptrs, func(i, j int) bool { return ptrs[i] < ptrs[j] })
	return ptrs
}

func (c *HostContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, block := range c.blocks {
		traceAlloc(c.caps.Ordinal, &c.allocated, -int64(len(block)))
		delete(c.blocks, p)
	}
	c.closed = true
	return nil
}

// HostStream queues work for a HostContext and runs it on Synchronize.
type HostStream struct {
	ctx *HostContext

	mu        sync.Mutex
	pending   []func() error
	destroyed bool
}

func (s *HostStream) Context() *HostContext { return s.ctx }

// Enqueue appends op to the stream. It never blocks on earlier work.
func (s *HostStream) Enqueue(op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errors.New("device: stream destroyed")
	}
	s.pending = append(s.pending, op)
	return nil
}

// Pending reports the number of operations not yet executed.
func (s *HostStream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Synchronize runs queued work in submission order. The first failure is
// returned and the operations queued after it are discarded, mirroring a
// sticky asynchronous fault.
func (s *HostStream) Synchronize() error {
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, op := range ops {
		if err := op(); err != nil {
			return fmt.Errorf("stream operation %d of %d: %w", i+1, len(ops), err)
		}
	}
	return nil
}

func (s *HostStream) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.destroyed = true
	return nil
}
