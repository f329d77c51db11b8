package denoise

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/engine"
)

type jobState int

const (
	jobPending jobState = iota
	jobRunning
	jobSynchronized
	jobFailed
)

func (s jobState) String() string {
	switch s {
	case jobPending:
		return "pending"
	case jobRunning:
		return "running"
	case jobSynchronized:
		return "synchronized"
	case jobFailed:
		return "failed"
	}
	return fmt.Sprintf("jobState(%d)", int(s))
}

// Job is one full-image denoise: a plan with live buffers, its tiles and
// the stream the work is enqueued on. The buffers belong to the job until
// it completes or fails.
type Job struct {
	Name     string
	Plan     *MemoryPlan
	Tiles    []TileDescriptor
	Stream   device.Stream
	Buffers  *Buffers
	Denoiser engine.Denoiser
	Params   engine.Params

	mu    sync.Mutex
	state jobState
	err   error
}

// NewJob checks that the parts describe the same image before any work is
// enqueued.
func NewJob(name string, v *Variant, buffers *Buffers, tiles []TileDescriptor, stream device.Stream, blendFactor float32) (*Job, error) {
	const op = "new job"
	if v == nil || buffers == nil || stream == nil {
		return nil, newError(KindInvalidArgument, op, errors.New("variant, buffers and stream are required"))
	}
	if len(tiles) == 0 {
		return nil, newError(KindInvalidArgument, op, errors.New("no tiles"))
	}
	if buffers.Plan.Kind != v.Kind {
		return nil, newError(KindInvalidArgument, op,
			fmt.Errorf("buffers planned for %s, variant is %s", buffers.Plan.Kind, v.Kind))
	}
	return &Job{
		Name:     name,
		Plan:     buffers.Plan,
		Tiles:    tiles,
		Stream:   stream,
		Buffers:  buffers,
		Denoiser: v.Denoiser,
		Params:   engine.Params{BlendFactor: blendFactor},
	}, nil
}

func (j *Job) setState(s jobState, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state, j.err = s, err
}

// Synchronized reports whether the last run completed and the output
// buffer holds valid pixels.
func (j *Job) Synchronized() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state == jobSynchronized
}

// Err returns the failure of the last run, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.String()
}
