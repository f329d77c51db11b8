package denoise

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-denoise/internal/metrics"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindEngineConstruction is absorbed by variant fallback.
	KindEngineConstruction
	KindNoUsableDenoiserVariant
	KindZeroSizedBuffer
	KindAllocation
	KindEngineInvocation
	KindSynchronization
	KindInvalidArgument
	// KindScratchTooSmall is an engine invocation failure detected before
	// the engine is called.
	KindScratchTooSmall
	// KindTransfer covers host/device copies outside the stream.
	KindTransfer
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                 "unknown",
	KindEngineConstruction:      "engine_construction",
	KindNoUsableDenoiserVariant: "no_usable_denoiser_variant",
	KindZeroSizedBuffer:         "zero_sized_buffer",
	KindAllocation:              "allocation",
	KindEngineInvocation:        "engine_invocation",
	KindSynchronization:         "synchronization",
	KindInvalidArgument:         "invalid_argument",
	KindScratchTooSmall:         "scratch_too_small",
	KindTransfer:                "transfer",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the failure type returned by every orchestrator operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below. A scratch precondition failure also
// matches ErrEngineInvocation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindEngineInvocation && e.Kind == KindScratchTooSmall
}

var (
	ErrEngineConstruction      = &Error{Kind: KindEngineConstruction}
	ErrNoUsableDenoiserVariant = &Error{Kind: KindNoUsableDenoiserVariant}
	ErrZeroSizedBuffer         = &Error{Kind: KindZeroSizedBuffer}
	ErrAllocation              = &Error{Kind: KindAllocation}
	ErrEngineInvocation        = &Error{Kind: KindEngineInvocation}
	ErrSynchronization         = &Error{Kind: KindSynchronization}
	ErrInvalidArgument         = &Error{Kind: KindInvalidArgument}
	ErrScratchTooSmall         = &Error{Kind: KindScratchTooSmall}
	ErrTransfer                = &Error{Kind: KindTransfer}
)

func newError(kind ErrorKind, op string, err error) *Error {
	metrics.RecordError(kind.String())
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
