package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/imagewriter/internal/exitcode"
	"github.com/guseggert/imagewriter/protocol"
)

var (
	ErrAlreadyResolved = errors.New("session: already resolved")
	ErrWorkerExited    = errors.New("session: worker exited before sending an outcome")
)

// ConnectionError means the channel was never established: the socket could not be created, the worker
// could not be started, or it never connected. The task was not run.
type ConnectionError struct {
	Op  string
	PID int
	Err error
}

func (e *ConnectionError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("session: %s (worker %d): %s", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("session: %s: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means the worker broke the envelope stream: a bad handshake, a sequence gap, or a malformed message.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: protocol violation: %s: %s", e.Reason, e.Err)
	}
	return "session: protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TaskFailure is a failure reported by the task itself through an Error envelope.
type TaskFailure struct {
	Err protocol.TaskError
}

func (e *TaskFailure) Error() string { return "session: task failed: " + e.Err.Error() }

func (e *TaskFailure) Unwrap() error { return &e.Err }

// DisconnectError means the channel was lost after it was established and before a terminal envelope arrived.
// ExitCode is the worker's exit code if it had exited by then, and -1 otherwise.
type DisconnectError struct {
	PID      int
	ExitCode int
	Err      error
}

func (e *DisconnectError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("session: lost worker %d (exit code %d): %s", e.PID, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("session: lost worker %d: %s", e.PID, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// IsFatal reports whether err leaves the supervising process unable to continue.
// Task failures and protocol violations are not fatal; failing to establish or keep the channel is.
func IsFatal(err error) bool {
	var connErr *ConnectionError
	var discErr *DisconnectError
	return errors.As(err, &connErr) || errors.As(err, &discErr)
}

// AbortExit is an abort handler that exits the process with the general error code.
func AbortExit(err error) {
	fmt.Fprintf(os.Stderr, "lost the worker, exiting: %s\n", err)
	os.Exit(exitcode.GeneralError)
}
