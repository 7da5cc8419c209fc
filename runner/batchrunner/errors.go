package batchrunner

import (
	"errors"
	"fmt"

	"github.com/jmorganca/llamabatch/llama"
)

// Configuration errors. They are returned before the engine is touched and
// are never retried.
var (
	ErrCapacityExceeded       = errors.New("required context size exceeds the context capacity")
	ErrParameterCountMismatch = errors.New("parameters count different from sequence count")
	ErrInputTooLong           = errors.New("input is too long for the batch size")
	ErrUnsupportedArity       = errors.New("operation requires exactly one sequence")
	ErrAlreadyInUse           = errors.New("context is already used by another processor")
	ErrTooManySequences       = errors.New("more sequences than the context supports")
	ErrNoSequences            = errors.New("there must be at least one sequence")
	ErrEmptyInput             = errors.New("no input provided")
)

var (
	// ErrBufferExhausted ends a read loop early. The result is partial but
	// still returned.
	ErrBufferExhausted = errors.New("output buffer exhausted")

	// ErrMaxIterations ends a read loop after the configured number of
	// iterations. The result is partial but still returned.
	ErrMaxIterations = errors.New("maximum read iterations reached")

	// ErrNotReady is returned when reading without a completed write cycle.
	ErrNotReady = errors.New("no completed write cycle to read from")

	ErrUnknownSequence = errors.New("unknown sequence")
	ErrClosed          = errors.New("processor is closed")
)

// SequenceError is an engine failure reported for a single sequence.
type SequenceError struct {
	Index int
	SeqID llama.SeqId
	Err   error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("sequence %d: %v", e.SeqID, e.Err)
}

func (e *SequenceError) Unwrap() error {
	return e.Err
}
