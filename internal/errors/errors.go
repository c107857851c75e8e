// Package errors provides the typed, sentinel-backed errors used across the
// swarm. All errors here support errors.Is/errors.As.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors classify failures by remediation, per the error taxonomy:
// transient transport, malformed model output, tool execution, subtask
// failure, plan failure, and deadlock.
var (
	ErrNotFound       = errors.New("not found")
	ErrTimeout        = errors.New("operation timed out")
	ErrCanceled       = errors.New("operation canceled")
	ErrRateLimited    = errors.New("rate limited")
	ErrRetryable      = errors.New("retryable error")
	ErrPermanent      = errors.New("permanent error")
	ErrMalformedJSON  = errors.New("model output was not valid JSON")
	ErrMaxAttempts    = errors.New("subtask exceeded max attempts")
	ErrDeadlock       = errors.New("subtask dependency deadlock")
	ErrPlanningFailed = errors.New("planner produced no subtasks")
	ErrPathEscape     = errors.New("resolved path escapes project root")
)

// TransportError wraps an LLM transport failure, recording whether it was
// judged retryable so callers can branch without re-inspecting status codes.
type TransportError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	if e.Retryable && errors.Is(target, ErrRetryable) {
		return true
	}
	if !e.Retryable && errors.Is(target, ErrPermanent) {
		return true
	}
	return false
}

func NewTransportError(op string, err error, retryable bool) *TransportError {
	return &TransportError{Op: op, Err: err, Retryable: retryable}
}

// PlanningError wraps a failed plan/review/final-review parse.
type PlanningError struct {
	Phase string
	Err   error
}

func (e *PlanningError) Error() string { return fmt.Sprintf("planning phase %s: %v", e.Phase, e.Err) }
func (e *PlanningError) Unwrap() error { return e.Err }

func NewPlanningError(phase string, err error) *PlanningError {
	return &PlanningError{Phase: phase, Err: err}
}

// DeadlockError reports subtasks whose dependencies can never resolve.
type DeadlockError struct {
	PendingIDs []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%v: %d subtasks stuck with unresolved dependencies", ErrDeadlock, len(e.PendingIDs))
}

func (e *DeadlockError) Is(target error) bool { return errors.Is(ErrDeadlock, target) }

func NewDeadlockError(pendingIDs []string) *DeadlockError {
	return &DeadlockError{PendingIDs: pendingIDs}
}

// SubtasksFailedError reports permanently failed subtasks at loop exit.
type SubtasksFailedError struct {
	FailedIDs []string
}

func (e *SubtasksFailedError) Error() string {
	return fmt.Sprintf("%d subtasks failed after max attempts: %v", len(e.FailedIDs), e.FailedIDs)
}

func (e *SubtasksFailedError) Is(target error) bool { return errors.Is(ErrMaxAttempts, target) }

func NewSubtasksFailedError(failedIDs []string) *SubtasksFailedError {
	return &SubtasksFailedError{FailedIDs: failedIDs}
}
