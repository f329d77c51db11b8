package denoise

import (
	"errors"
	"time"

	"github.com/23skdu/longbow-denoise/internal/imageio"
	"github.com/23skdu/longbow-denoise/internal/metrics"
)

var errNotSynchronized = errors.New("job has not completed synchronization")

// ReadBack copies the output buffer of a synchronized job into a host
// raster with the job's resolution and format.
func ReadBack(job *Job) (*imageio.Raster, error) {
	const op = "read back"
	if !job.Synchronized() {
		return nil, newError(KindInvalidArgument, op, errNotSynchronized)
	}
	start := time.Now()
	res := job.Plan.Image
	out := imageio.NewRaster(job.Name, res.Width, res.Height, res.Format)
	if out.SizeInBytes() != job.Plan.Output.Size {
		return nil, newError(KindInvalidArgument, op, errors.New("output region does not match resolution"))
	}
	if err := job.Buffers.Context().CopyDtoH(out.Pixels, job.Buffers.Ptr(job.Plan.Output)); err != nil {
		return nil, newError(KindTransfer, op, err)
	}
	metrics.RecordStep("readback", time.Since(start))
	return out, nil
}
