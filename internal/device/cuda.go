//go:build linux && optix

package device

/*
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -lcuda
#cgo CFLAGS: -I/usr/local/cuda/include
#include <cuda.h>
*/
import "C"
import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

var (
	cudaInitOnce sync.Once
	cudaInitErr  error
)

func cudaInit() error {
	cudaInitOnce.Do(func() {
		if r := C.cuInit(0); r != C.CUDA_SUCCESS {
			cudaInitErr = cudaError("cuInit", r)
		}
	})
	return cudaInitErr
}

func cudaError(op string, r C.CUresult) error {
	var name *C.char
	C.cuGetErrorName(r, &name)
	msg := "unknown"
	if name != nil {
		msg = C.GoString(name)
	}
	if r == C.CUDA_ERROR_OUT_OF_MEMORY {
		return fmt.Errorf("%s failed: %w (%s)", op, ErrOutOfMemory, msg)
	}
	return fmt.Errorf("%s failed: %s (%d)", op, msg, int(r))
}

// CUDADeviceCount returns the number of CUDA devices visible to the driver.
func CUDADeviceCount() (int, error) {
	if err := cudaInit(); err != nil {
		return 0, err
	}
	var n C.int
	if r := C.cuDeviceGetCount(&n); r != C.CUDA_SUCCESS {
		return 0, cudaError("cuDeviceGetCount", r)
	}
	return int(n), nil
}

// CUDAContext is a driver API context on one device.
type CUDAContext struct {
	mu   sync.Mutex
	ctx  C.CUcontext
	dev  C.CUdevice
	caps Capabilities

	allocated int64
}

func NewCUDAContext(ordinal int) (*CUDAContext, error) {
	if err := cudaInit(); err != nil {
		return nil, err
	}

	c := &CUDAContext{}
	if r := C.cuDeviceGet(&c.dev, C.int(ordinal)); r != C.CUDA_SUCCESS {
		return nil, cudaError("cuDeviceGet", r)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	flags := C.uint(C.CU_CTX_SCHED_YIELD | C.CU_CTX_MAP_HOST | C.CU_CTX_LMEM_RESIZE_TO_MAX)
	if r := C.cuCtxCreate_v2(&c.ctx, flags, c.dev); r != C.CUDA_SUCCESS {
		return nil, cudaError("cuCtxCreate", r)
	}

	var version C.uint
	if r := C.cuCtxGetApiVersion(c.ctx, &version); r != C.CUDA_SUCCESS || version < 3020 {
		C.cuCtxDestroy_v2(c.ctx)
		return nil, fmt.Errorf("cuda context api version %d is too old", uint(version))
	}
	C.cuCtxSetCacheConfig(C.CU_FUNC_CACHE_PREFER_L1)

	c.caps = queryCapabilities(c.dev, ordinal)

	runtime.SetFinalizer(c, func(c *CUDAContext) {
		c.Close()
	})
	return c, nil
}

func queryCapabilities(dev C.CUdevice, ordinal int) Capabilities {
	attr := func(a C.CUdevice_attribute) int {
		var v C.int
		C.cuDeviceGetAttribute(&v, a, dev)
		return int(v)
	}

	var name [256]C.char
	C.cuDeviceGetName(&name[0], C.int(len(name)-1), dev)

	var total C.size_t
	C.cuDeviceTotalMem_v2(&total, dev)

	var driver C.int
	C.cuDriverGetVersion(&driver)

	return Capabilities{
		Name:                    C.GoString(&name[0]),
		Ordinal:                 ordinal,
		DriverVersion:           int(driver),
		ComputeMajor:            attr(C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR),
		ComputeMinor:            attr(C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR),
		TotalMemory:             int64(total),
		MultiprocessorCount:     attr(C.CU_DEVICE_ATTRIBUTE_MULTIPROCESSOR_COUNT),
		MaxSharedMemoryPerBlock: attr(C.CU_DEVICE_ATTRIBUTE_MAX_SHARED_MEMORY_PER_BLOCK),
		TextureAlignment:        attr(C.CU_DEVICE_ATTRIBUTE_TEXTURE_ALIGNMENT),
		AsyncEngineCount:        attr(C.CU_DEVICE_ATTRIBUTE_ASYNC_ENGINE_COUNT),
	}
}

// bind makes the context current on the calling OS thread. Callers hold
// the thread locked for the duration of the driver call.
func (c *CUDAContext) bind() error {
	if c.ctx == nil {
		return errors.New("device: context closed")
	}
	if r := C.cuCtxSetCurrent(c.ctx); r != C.CUDA_SUCCESS {
		return cudaError("cuCtxSetCurrent", r)
	}
	return nil
}

// Handle returns the CUcontext for engines that bind to it.
func (c *CUDAContext) Handle() unsafe.Pointer { return unsafe.Pointer(c.ctx) }

func (c *CUDAContext) Ordinal() int { return c.caps.Ordinal }

func (c *CUDAContext) Capabilities() Capabilities { return c.caps }

// Do runs fn with the context current on a locked OS thread.
func (c *CUDAContext) Do(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := c.bind(); err != nil {
		return err
	}
	return fn()
}

func (c *CUDAContext) Malloc(size int64) (Ptr, error) {
	var p C.CUdeviceptr
	err := c.Do(func() error {
		if r := C.cuMemAlloc_v2(&p, C.size_t(size)); r != C.CUDA_SUCCESS {
			return cudaError("cuMemAlloc", r)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	traceAlloc(c.caps.Ordinal, &c.allocated, size)
	return Ptr(p), nil
}

func (c *CUDAContext) Free(p Ptr) error {
	var size C.size_t
	err := c.Do(func() error {
		C.cuMemGetAddressRange_v2(nil, &size, C.CUdeviceptr(p))
		if r := C.cuMemFree_v2(C.CUdeviceptr(p)); r != C.CUDA_SUCCESS {
			return cudaError("cuMemFree", r)
		}
		return nil
	})
	if err == nil {
		traceAlloc(c.caps.Ordinal, &c.allocated, -int64(size))
	}
	return err
}

func (c *CUDAContext) CopyHtoD(dst Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return c.Do(func() error {
		if r := C.cuMemcpyHtoD_v2(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))); r != C.CUDA_SUCCESS {
			return cudaError("cuMemcpyHtoD", r)
		}
		return nil
	})
}

func (c *CUDAContext) CopyDtoH(dst []byte, src Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	return c.Do(func() error {
		if r := C.cuMemcpyDtoH_v2(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))); r != C.CUDA_SUCCESS {
			return cudaError("cuMemcpyDtoH", r)
		}
		return nil
	})
}

func (c *CUDAContext) NewStream() (Stream, error) {
	s := &CUDAStream{ctx: c}
	err := c.Do(func() error {
		if r := C.cuStreamCreate(&s.stream, C.uint(C.CU_STREAM_NON_BLOCKING)); r != C.CUDA_SUCCESS {
			return cudaError("cuStreamCreate", r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *CUDAContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil
	}
	r := C.cuCtxDestroy_v2(c.ctx)
	c.ctx = nil
	if r != C.CUDA_SUCCESS {
		return cudaError("cuCtxDestroy", r)
	}
	return nil
}

// CUDAStream wraps a non-blocking CUstream.
type CUDAStream struct {
	ctx    *CUDAContext
	stream C.CUstream
}

func (s *CUDAStream) Handle() unsafe.Pointer { return unsafe.Pointer(s.stream) }

func (s *CUDAStream) Context() *CUDAContext { return s.ctx }

func (s *CUDAStream) Synchronize() error {
	return s.ctx.Do(func() error {
		if r := C.cuStreamSynchronize(s.stream); r != C.CUDA_SUCCESS {
			return cudaError("cuStreamSynchronize", r)
		}
		return nil
	})
}

func (s *CUDAStream) Destroy() error {
	if s.stream == nil {
		return nil
	}
	err := s.ctx.Do(func() error {
		if r := C.cuStreamDestroy_v2(s.stream); r != C.CUDA_SUCCESS {
			return cudaError("cuStreamDestroy", r)
		}
		return nil
	})
	s.stream = nil
	return err
}
