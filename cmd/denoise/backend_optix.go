//go:build linux && optix

package main

import (
	"errors"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

const backendName = "optix"

func deviceCount() (int, error) {
	return device.CUDADeviceCount()
}

// openBackend creates a CUDA context on ordinal with an OptiX engine.
// limit is enforced by the runner budget, not the driver.
func openBackend(ordinal int, limit int64) (*backend, error) {
	ctx, err := device.NewCUDAContext(ordinal)
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewOptiX(ctx)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	return &backend{
		dev: ctx,
		eng: eng,
		close: func() error {
			return errors.Join(eng.Close(), ctx.Close())
		},
	}, nil
}
