package event

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureClass drives how a stage reacts to an error: retry in place,
// degrade within the event, short-circuit on budget, or report and stop.
type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailureDegradable
	FailureBudget
	FailureFatal
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureDegradable:
		return "degradable"
	case FailureBudget:
		return "budget"
	}
	return "fatal"
}

var (
	ErrAssetNotFound   = errors.New("asset not found")
	ErrUnsupportedMode = errors.New("provider does not support mode")
	ErrMalformedEvent  = errors.New("malformed raw event")
	ErrCostCapReached  = errors.New("cost cap reached")
	ErrRateLimited     = errors.New("rate limited")
)

// StageError wraps a stage failure with its classification so upstream
// degradation logic can switch on class instead of sniffing error strings.
type StageError struct {
	Stage string
	Class FailureClass
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Class, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError classifies err if the caller has not done so already.
func NewStageError(stage string, class FailureClass, err error) *StageError {
	return &StageError{Stage: stage, Class: class, Err: err}
}

// Classify maps an arbitrary error onto the failure taxonomy. Timeouts and
// network errors are transient; known sentinels keep their class; anything
// unrecognized is treated as degradable so a single event never takes the
// pipeline down.
func Classify(err error) FailureClass {
	var se *StageError
	if errors.As(err, &se) {
		return se.Class
	}
	switch {
	case errors.Is(err, ErrCostCapReached):
		return FailureBudget
	case errors.Is(err, ErrAssetNotFound),
		errors.Is(err, ErrUnsupportedMode),
		errors.Is(err, ErrMalformedEvent):
		return FailureDegradable
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return FailureTransient
	}
	return FailureDegradable
}

// Retryable reports whether the error is worth another attempt at the same
// stage.
func Retryable(err error) bool {
	return Classify(err) == FailureTransient
}
