package main

import (
	"errors"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

// backend is one device context and the engine bound to it.
type backend struct {
	dev   device.Context
	eng   engine.Engine
	close func() error
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func closeBackends(bs []*backend) error {
	var errs []error
	for _, b := range bs {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
