package denoise

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
	"github.com/23skdu/longbow-denoise/internal/logger"
	"github.com/23skdu/longbow-denoise/internal/metrics"
)

// CheckIntensityScratch fails when scratchSize cannot hold the intensity
// pass over a width x height image.
func CheckIntensityScratch(width, height int, scratchSize int64) error {
	need := engine.IntensityScratchSize(width, height)
	if scratchSize < need {
		return newError(KindScratchTooSmall, "intensity",
			fmt.Errorf("scratch of %d bytes, need %d for %dx%d", scratchSize, need, width, height))
	}
	return nil
}

// intensityScratch picks the region the intensity pass may clobber. The
// output is not live until the tiles run, so it is preferred; tiny frames
// fall back to the engine scratch, which is idle between setup and invoke.
func intensityScratch(plan *MemoryPlan) (Region, error) {
	w, h := plan.Image.Width, plan.Image.Height
	need := engine.IntensityScratchSize(w, h)
	switch {
	case plan.Output.Size >= need:
		return plan.Output, nil
	case plan.Scratch.Size >= need:
		return plan.Scratch, nil
	}
	return Region{}, CheckIntensityScratch(w, h, max(plan.Output.Size, plan.Scratch.Size))
}

// Run drives one job: setup, intensity (HDR models only), every tile in
// scan order, then synchronize. The host blocks only in the final step.
// On failure the output buffer is undefined.
func Run(job *Job) error {
	job.setState(jobRunning, nil)
	err := run(job)
	if err != nil {
		if KindOf(err) != KindSynchronization {
			// drain work enqueued before the failing step so the buffers
			// can be released
			_ = job.Stream.Synchronize()
		}
		job.setState(jobFailed, err)
		return err
	}
	job.setState(jobSynchronized, nil)
	return nil
}

func run(job *Job) error {
	log := logger.Log.Component("sequencer").With("job", job.Name)
	plan, buf, d := job.Plan, job.Buffers, job.Denoiser
	state, stateSize := buf.Ptr(plan.State), plan.State.Size
	scratch, scratchSize := buf.Ptr(plan.Scratch), plan.Scratch.Size

	start := time.Now()
	if err := d.Setup(job.Stream, plan.SetupWidth, plan.SetupHeight, state, stateSize, scratch, scratchSize); err != nil {
		return newError(KindEngineInvocation, "setup", err)
	}
	metrics.RecordStep("setup", time.Since(start))

	params := job.Params
	if d.Model().NeedsIntensity() {
		start = time.Now()
		tmp, err := intensityScratch(plan)
		if err != nil {
			return err
		}
		intensity := buf.Ptr(plan.Intensity)
		if err := d.ComputeIntensity(job.Stream, buf.InputImage(0), intensity, buf.Ptr(tmp), tmp.Size); err != nil {
			return newError(KindEngineInvocation, "intensity", err)
		}
		params.HDRIntensity = intensity
		metrics.RecordStep("intensity", time.Since(start))
	}

	start = time.Now()
	inputs := make([]device.ImageBuffer, len(plan.Inputs))
	full := buf.OutputImage()
	for _, t := range job.Tiles {
		for i := range inputs {
			v, err := buf.InputImage(i).Sub(t.Input)
			if err != nil {
				return newError(KindInvalidArgument, fmt.Sprintf("tile %d", t.Index), err)
			}
			inputs[i] = v
		}
		out, err := full.Sub(t.Inner)
		if err != nil {
			return newError(KindInvalidArgument, fmt.Sprintf("tile %d", t.Index), err)
		}
		offX, offY := t.InputOffset()
		if err := d.Invoke(job.Stream, params, state, stateSize, inputs, offX, offY, out, scratch, scratchSize); err != nil {
			return newError(KindEngineInvocation, fmt.Sprintf("tile %d", t.Index), err)
		}
	}
	metrics.RecordStep("tiles", time.Since(start))
	metrics.RecordTiles(len(job.Tiles))
	log.Debug("tiles enqueued", "tiles", len(job.Tiles), "tiled", plan.Tiled)

	start = time.Now()
	if err := job.Stream.Synchronize(); err != nil {
		return newError(KindSynchronization, "synchronize", err)
	}
	metrics.RecordStep("sync", time.Since(start))
	return nil
}
