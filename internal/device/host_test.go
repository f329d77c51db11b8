package device

import (
	"errors"
	"testing"
)

func TestHostContext_AllocCopyFree(t *testing.T) {
	ctx := NewHostContext(0, 0)
	defer ctx.Close()

	a, err := Alloc(ctx, 64)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if a.Ptr() == 0 {
		t.Fatal("allocation returned null pointer")
	}

	src := make([]byte, 32)
	for i := range src {
		src[i] = byte(i + 1)
	}
	if err := ctx.CopyHtoD(a.Ptr()+16, src); err != nil {
		t.Fatalf("CopyHtoD failed: %v", err)
	}

	dst := make([]byte, 32)
	if err := ctx.CopyDtoH(dst, a.Ptr()+16); err != nil {
		t.Fatalf("CopyDtoH failed: %v", err)
	}
	for i := range dst {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: got %d, want %d", i, dst[i], src[i])
		}
	}

	// Crossing the end of the allocation must fail.
	if err := ctx.CopyHtoD(a.Ptr()+48, src); err == nil {
		t.Error("expected overrun error")
	}

	if err := a.Free(); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if err := a.Free(); err != nil {
		t.Errorf("second Free should be a no-op, got %v", err)
	}
	if ctx.InUse() != 0 {
		t.Errorf("expected 0 bytes in use, got %d", ctx.InUse())
	}
}

func TestHostContext_Limit(t *testing.T) {
	ctx := NewHostContext(0, 100)
	defer ctx.Close()

	if _, err := ctx.Malloc(80); err != nil {
		t.Fatalf("Malloc failed: %v", err)
	}
	_, err := ctx.Malloc(40)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory, got %v", err)
	}
	if ctx.Capabilities().TotalMemoryBytes() != 100 {
		t.Errorf("expected total memory 100, got %d", ctx.Capabilities().TotalMemoryBytes())
	}
}

func TestHostContext_AllocationsDoNotTouch(t *testing.T) {
	ctx := NewHostContext(0, 0)
	defer ctx.Close()

	p1, _ := ctx.Malloc(100)
	p2, _ := ctx.Malloc(100)
	if p2 < p1+100 {
		t.Fatalf("allocations overlap: %#x, %#x", uint64(p1), uint64(p2))
	}
	// The gap between blocks is unmapped.
	if _, err := ctx.Bytes(p1+100, 1); err == nil {
		t.Error("expected unmapped access error")
	}
}

func TestHostStream_DeferredExecution(t *testing.T) {
	ctx := NewHostContext(0, 0)
	defer ctx.Close()

	s, _ := ctx.NewStream()
	hs := s.(*HostStream)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if err := hs.Enqueue(func() error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if len(order) != 0 {
		t.Fatal("work ran before Synchronize")
	}
	if hs.Pending() != 3 {
		t.Errorf("expected 3 pending ops, got %d", hs.Pending())
	}

	if err := hs.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Errorf("op %d ran at position %d", v, i)
		}
	}
}

func TestHostStream_FaultSurfacesAtSynchronize(t *testing.T) {
	ctx := NewHostContext(0, 0)
	defer ctx.Close()

	s, _ := ctx.NewStream()
	hs := s.(*HostStream)

	fault := errors.New("illegal address")
	ran := false
	hs.Enqueue(func() error { return fault })
	hs.Enqueue(func() error {
		ran = true
		return nil
	})

	err := hs.Synchronize()
	if !errors.Is(err, fault) {
		t.Fatalf("expected fault, got %v", err)
	}
	if ran {
		t.Error("operations after a fault must not run")
	}
	if hs.Pending() != 0 {
		t.Error("queue should be drained after Synchronize")
	}

	hs.Destroy()
	if err := hs.Enqueue(func() error { return nil }); err == nil {
		t.Error("expected error enqueueing on destroyed stream")
	}
}

func TestCapabilitiesDriverVersion(t *testing.T) {
	caps := Capabilities{DriverVersion: 12040, ComputeMajor: 8, ComputeMinor: 6}
	if got := caps.DriverVersionString(); got != "12.4" {
		t.Errorf("DriverVersionString() = %q, want 12.4", got)
	}
	if got := caps.ComputeCapability(); got != "8.6" {
		t.Errorf("ComputeCapability() = %q, want 8.6", got)
	}
}
