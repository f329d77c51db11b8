//go:build linux && optix

package engine

/*
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -lcuda -ldl
#cgo CFLAGS: -I/usr/local/cuda/include -I/opt/optix/include
#include <stdlib.h>
#include <string.h>
#include <cuda.h>
#include <optix.h>
#include <optix_stubs.h>
#include <optix_function_table_definition.h>
#include <stdint.h>

extern void goOptixLog(unsigned int level, char* tag, char* message, void* data);

static void ox_log(unsigned int level, const char* tag, const char* message, void* data) {
	goOptixLog(level, (char*)tag, (char*)message, data);
}

static OptixResult ox_init(void) { return optixInit(); }

static const char* ox_error_name(OptixResult r) { return optixGetErrorName(r); }

static OptixResult ox_context_create(CUcontext cu, int ordinal, OptixDeviceContext* out) {
	OptixDeviceContextOptions opts;
	memset(&opts, 0, sizeof(opts));
	opts.logCallbackFunction = ox_log;
	opts.logCallbackData = (void*)(intptr_t)ordinal;
	opts.logCallbackLevel = 3;
	return optixDeviceContextCreate(cu, &opts, out);
}

static OptixResult ox_context_destroy(OptixDeviceContext ctx) { return optixDeviceContextDestroy(ctx); }

static OptixResult ox_denoiser_create(OptixDeviceContext ctx, int hdr, int albedo, int normal, OptixDenoiser* out) {
	OptixDenoiserOptions opts;
	memset(&opts, 0, sizeof(opts));
	opts.guideAlbedo = albedo;
	opts.guideNormal = normal;
	OptixDenoiserModelKind kind = hdr ? OPTIX_DENOISER_MODEL_KIND_HDR : OPTIX_DENOISER_MODEL_KIND_LDR;
	return optixDenoiserCreate(ctx, kind, &opts, out);
}

static OptixResult ox_denoiser_destroy(OptixDenoiser d) { return optixDenoiserDestroy(d); }

static OptixResult ox_memory_resources(OptixDenoiser d, unsigned int w, unsigned int h,
	size_t* state, size_t* withOverlap, size_t* withoutOverlap, unsigned int* overlap) {
	OptixDenoiserSizes s;
	memset(&s, 0, sizeof(s));
	OptixResult r = optixDenoiserComputeMemoryResources(d, w, h, &s);
	*state = s.stateSizeInBytes;
	*withOverlap = s.withOverlapScratchSizeInBytes;
	*withoutOverlap = s.withoutOverlapScratchSizeInBytes;
	*overlap = s.overlapWindowSizeInPixels;
	return r;
}

static OptixResult ox_setup(OptixDenoiser d, CUstream s, unsigned int w, unsigned int h,
	CUdeviceptr state, size_t stateSize, CUdeviceptr scratch, size_t scratchSize) {
	return optixDenoiserSetup(d, s, w, h, state, stateSize, scratch, scratchSize);
}

static OptixResult ox_intensity(OptixDenoiser d, CUstream s, OptixImage2D* in,
	CUdeviceptr intensity, CUdeviceptr scratch, size_t scratchSize) {
	return optixDenoiserComputeIntensity(d, s, in, intensity, scratch, scratchSize);
}

static OptixResult ox_invoke(OptixDenoiser d, CUstream s, CUdeviceptr intensity, float blend,
	CUdeviceptr state, size_t stateSize, OptixImage2D* images, int layers,
	unsigned int offX, unsigned int offY, OptixImage2D* output,
	CUdeviceptr scratch, size_t scratchSize) {
	OptixDenoiserParams params;
	memset(&params, 0, sizeof(params));
	params.hdrIntensity = intensity;
	params.blendFactor = blend;

	OptixDenoiserGuideLayer guide;
	memset(&guide, 0, sizeof(guide));
	if (layers > 1) guide.albedo = images[1];
	if (layers > 2) guide.normal = images[2];

	OptixDenoiserLayer layer;
	memset(&layer, 0, sizeof(layer));
	layer.input = images[0];
	layer.output = *output;

	return optixDenoiserInvoke(d, s, &params, state, stateSize, &guide, &layer, 1, offX, offY, scratch, scratchSize);
}
*/
import "C"
import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/logger"
)

var (
	optixInitOnce sync.Once
	optixInitErr  error
)

func optixError(op string, r C.OptixResult) error {
	return fmt.Errorf("%s failed: %s (%d)", op, C.GoString(C.ox_error_name(r)), int(r))
}

// OptiX drives the NVIDIA AI denoiser on one CUDA context. The library is
// resolved at runtime from the display driver.
type OptiX struct {
	cuda *device.CUDAContext
	octx C.OptixDeviceContext
	log  *logger.Logger
}

func NewOptiX(cuda *device.CUDAContext) (*OptiX, error) {
	optixInitOnce.Do(func() {
		if r := C.ox_init(); r != C.OPTIX_SUCCESS {
			optixInitErr = optixError("optixInit", r)
		}
	})
	if optixInitErr != nil {
		return nil, optixInitErr
	}

	o := &OptiX{
		cuda: cuda,
		log:  logger.Log.Component("optix").With("device", cuda.Ordinal()),
	}
	err := cuda.Do(func() error {
		if r := C.ox_context_create(C.CUcontext(cuda.Handle()), C.int(cuda.Ordinal()), &o.octx); r != C.OPTIX_SUCCESS {
			return optixError("optixDeviceContextCreate", r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OptiX) Name() string { return "optix" }

func (o *OptiX) Close() error {
	if o.octx == nil {
		return nil
	}
	err := o.cuda.Do(func() error {
		if r := C.ox_context_destroy(o.octx); r != C.OPTIX_SUCCESS {
			return optixError("optixDeviceContextDestroy", r)
		}
		return nil
	})
	o.octx = nil
	return err
}

func (o *OptiX) NewDenoiser(kind InputKind, model ModelKind) (Denoiser, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, kind)
	}
	d := &optixDenoiser{engine: o, kind: kind, model: model}
	hdr := 0
	if model == ModelHDR {
		hdr = 1
	}
	albedo, normal := 0, 0
	if kind >= InputColorAlbedo {
		albedo = 1
	}
	if kind >= InputColorAlbedoNormal {
		normal = 1
	}
	err := o.cuda.Do(func() error {
		if r := C.ox_denoiser_create(o.octx, C.int(hdr), C.int(albedo), C.int(normal), &d.handle); r != C.OPTIX_SUCCESS {
			return fmt.Errorf("%w: %v", ErrModelAttach, optixError("optixDenoiserCreate", r))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.log.Debug("denoiser created", "kind", kind.String(), "model", model.String())
	return d, nil
}

type optixDenoiser struct {
	engine *OptiX
	kind   InputKind
	model  ModelKind
	handle C.OptixDenoiser
}

func (d *optixDenoiser) Kind() InputKind  { return d.kind }
func (d *optixDenoiser) Model() ModelKind { return d.model }

func (d *optixDenoiser) stream(s device.Stream) (C.CUstream, error) {
	cs, ok := s.(*device.CUDAStream)
	if !ok {
		return nil, fmt.Errorf("engine: optix denoiser needs a cuda stream, got %T", s)
	}
	if cs.Context() != d.engine.cuda {
		return nil, errors.New("engine: stream belongs to another device")
	}
	return C.CUstream(cs.Handle()), nil
}

func (d *optixDenoiser) ComputeMemoryResources(width, height int) (Sizes, error) {
	var state, with, without C.size_t
	var overlap C.uint
	err := d.engine.cuda.Do(func() error {
		if r := C.ox_memory_resources(d.handle, C.uint(width), C.uint(height), &state, &with, &without, &overlap); r != C.OPTIX_SUCCESS {
			return optixError("optixDenoiserComputeMemoryResources", r)
		}
		return nil
	})
	if err != nil {
		return Sizes{}, err
	}
	return Sizes{
		StateSizeInBytes:                 int64(state),
		WithOverlapScratchSizeInBytes:    int64(with),
		WithoutOverlapScratchSizeInBytes: int64(without),
		OverlapWindowSizeInPixels:        int(overlap),
	}, nil
}

func (d *optixDenoiser) Setup(s device.Stream, width, height int, state device.Ptr, stateSize int64, scratch device.Ptr, scratchSize int64) error {
	cs, err := d.stream(s)
	if err != nil {
		return err
	}
	return d.engine.cuda.Do(func() error {
		r := C.ox_setup(d.handle, cs, C.uint(width), C.uint(height),
			C.CUdeviceptr(state), C.size_t(stateSize), C.CUdeviceptr(scratch), C.size_t(scratchSize))
		if r != C.OPTIX_SUCCESS {
			return optixError("optixDenoiserSetup", r)
		}
		return nil
	})
}

func (d *optixDenoiser) ComputeIntensity(s device.Stream, input device.ImageBuffer, intensity device.Ptr, scratch device.Ptr, scratchSize int64) error {
	cs, err := d.stream(s)
	if err != nil {
		return err
	}
	img, err := image2D(input)
	if err != nil {
		return err
	}
	return d.engine.cuda.Do(func() error {
		r := C.ox_intensity(d.handle, cs, &img, C.CUdeviceptr(intensity), C.CUdeviceptr(scratch), C.size_t(scratchSize))
		if r != C.OPTIX_SUCCESS {
			return optixError("optixDenoiserComputeIntensity", r)
		}
		return nil
	})
}

func (d *optixDenoiser) Invoke(s device.Stream, params Params, state device.Ptr, stateSize int64,
	inputs []device.ImageBuffer, inputOffsetX, inputOffsetY int,
	output device.ImageBuffer, scratch device.Ptr, scratchSize int64) error {
	cs, err := d.stream(s)
	if err != nil {
		return err
	}
	if len(inputs) != d.kind.Layers() {
		return fmt.Errorf("engine: %s denoiser got %d input layers", d.kind, len(inputs))
	}

	// C memory so the driver never sees a Go pointer to Go pointers.
	n := C.size_t(unsafe.Sizeof(C.OptixImage2D{}))
	images := (*[3]C.OptixImage2D)(C.calloc(3, n))
	defer C.free(unsafe.Pointer(images))
	for i, b := range inputs {
		if images[i], err = image2D(b); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	out, err := image2D(output)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}

	return d.engine.cuda.Do(func() error {
		r := C.ox_invoke(d.handle, cs, C.CUdeviceptr(params.HDRIntensity), C.float(params.BlendFactor),
			C.CUdeviceptr(state), C.size_t(stateSize), &images[0], C.int(len(inputs)),
			C.uint(inputOffsetX), C.uint(inputOffsetY), &out,
			C.CUdeviceptr(scratch), C.size_t(scratchSize))
		if r != C.OPTIX_SUCCESS {
			return optixError("optixDenoiserInvoke", r)
		}
		return nil
	})
}

func (d *optixDenoiser) Destroy() error {
	if d.handle == nil {
		return nil
	}
	err := d.engine.cuda.Do(func() error {
		if r := C.ox_denoiser_destroy(d.handle); r != C.OPTIX_SUCCESS {
			return optixError("optixDenoiserDestroy", r)
		}
		return nil
	})
	d.handle = nil
	return err
}

func image2D(b device.ImageBuffer) (C.OptixImage2D, error) {
	var img C.OptixImage2D
	switch b.Format {
	case device.FormatHalf3:
		img.format = C.OPTIX_PIXEL_FORMAT_HALF3
	case device.FormatHalf4:
		img.format = C.OPTIX_PIXEL_FORMAT_HALF4
	case device.FormatFloat3:
		img.format = C.OPTIX_PIXEL_FORMAT_FLOAT3
	case device.FormatFloat4:
		img.format = C.OPTIX_PIXEL_FORMAT_FLOAT4
	default:
		return img, fmt.Errorf("engine: unsupported pixel format %s", b.Format)
	}
	img.data = C.CUdeviceptr(b.Data)
	img.width = C.uint(b.Width)
	img.height = C.uint(b.Height)
	img.rowStrideInBytes = C.uint(b.RowStrideInBytes)
	img.pixelStrideInBytes = C.uint(b.PixelStrideInBytes)
	return img, nil
}
