package denoise

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-denoise/internal/imageio"
	"github.com/23skdu/longbow-denoise/internal/logger"
)

// Sink receives denoised frames. Farm calls Write from several goroutines.
type Sink interface {
	Write(ctx context.Context, r *imageio.Raster) error
}

// Farm spreads frames over runners on separate devices. Runners share no
// device memory; each processes its frames sequentially on its own stream.
type Farm struct {
	runners []*Runner
	log     *logger.Logger
}

func NewFarm(runners ...*Runner) (*Farm, error) {
	if len(runners) == 0 {
		return nil, newError(KindInvalidArgument, "new farm", errors.New("no runners"))
	}
	seen := make(map[int]bool, len(runners))
	for _, r := range runners {
		ord := r.Device().Ordinal()
		if seen[ord] {
			return nil, newError(KindInvalidArgument, "new farm", fmt.Errorf("device %d used by two runners", ord))
		}
		seen[ord] = true
	}
	return &Farm{runners: runners, log: logger.Log.Component("farm")}, nil
}

func (f *Farm) Runners() []*Runner { return f.runners }

// Run assigns frame i to runner i mod n. The first failure cancels the
// remaining frames; a frame already started runs to completion.
func (f *Farm) Run(ctx context.Context, frames []Inputs, sink Sink) ([]*Frame, error) {
	out := make([]*Frame, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	n := len(f.runners)
	for w, r := range f.runners {
		g.Go(func() error {
			for i := w; i < len(frames); i += n {
				if err := gctx.Err(); err != nil {
					return err
				}
				frame, err := r.Denoise(gctx, frames[i])
				if err != nil {
					return fmt.Errorf("frame %d (%s) on device %d: %w", i, frames[i].Name, r.Device().Ordinal(), err)
				}
				out[i] = frame
				if sink != nil {
					if err := sink.Write(gctx, frame.Output); err != nil {
						return fmt.Errorf("write frame %s: %w", frames[i].Name, err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	f.log.Info("farm finished", "frames", len(frames), "devices", n)
	return out, nil
}

// Close closes every runner.
func (f *Farm) Close() error {
	var errs []error
	for _, r := range f.runners {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
