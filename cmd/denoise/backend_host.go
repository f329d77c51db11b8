//go:build !(linux && optix)

package main

import (
	"runtime"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

const backendName = "host"

// deviceCount allows one host device per CPU.
func deviceCount() (int, error) {
	return runtime.NumCPU(), nil
}

// openBackend creates a host software device running the reference
// denoiser. limit caps the device memory, zero for no cap.
func openBackend(ordinal int, limit int64) (*backend, error) {
	ctx := device.NewHostContext(ordinal, limit)
	return &backend{
		dev:   ctx,
		eng:   engine.NewReference(ctx, engine.ReferenceOptions{}),
		close: ctx.Close,
	}, nil
}
