package pve

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstream matches every failure that originates at the node.
	ErrUpstream = errors.New("pve upstream error")

	ErrTaskTimeout  = errors.New("task did not finish before timeout")
	ErrNotJSON      = errors.New("non-JSON response")
	ErrInvalidInput = errors.New("invalid input")
)

// Error wraps a failed API call with what the node sent back.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := "pve " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrUpstream }

// TaskError is a task that stopped with an exit status other than OK.
type TaskError struct {
	UPID       string
	ExitStatus string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("pve task failed: %s (%s)", e.ExitStatus, e.UPID)
}

func (e *TaskError) Is(target error) bool { return target == ErrUpstream }
