package protocol

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	TaskErrorGeneric    = "Error"
	TaskErrorSystem     = "SystemError"
	TaskErrorValidation = "ValidationError"
	TaskErrorCanceled   = "CanceledError"
)

// TaskError is a task failure in a form that survives the trip across the channel.
// Code is the originating system error name (e.g. "EACCES"), if there was one.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorFromTask converts an error returned by a task into its wire form.
// A *TaskError anywhere in the chain is returned as is; a syscall.Errno contributes its name as the code.
func ErrorFromTask(err error) TaskError {
	if err == nil {
		return TaskError{Kind: TaskErrorGeneric, Message: "unknown error"}
	}
	var te *TaskError
	if errors.As(err, &te) {
		return *te
	}

	out := TaskError{Kind: TaskErrorGeneric, Message: err.Error()}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		out.Kind = TaskErrorSystem
		out.Code = unix.ErrnoName(errno)
		if out.Code == "" {
			out.Code = fmt.Sprintf("errno %d", int(errno))
		}
	}
	if errors.Is(err, context.Canceled) {
		out.Kind = TaskErrorCanceled
	}
	return out
}
