// Package exitcode holds the process exit codes shared by the supervising and worker processes.
package exitcode

import (
	"errors"

	"github.com/guseggert/imagewriter/protocol"
)

const (
	Success         = 0
	GeneralError    = 1
	ValidationError = 2
)

// FromError maps the outcome of a write to an exit code.
// A task that failed validation exits with ValidationError, any other failure with GeneralError.
func FromError(err error) int {
	if err == nil {
		return Success
	}
	var te *protocol.TaskError
	if errors.As(err, &te) && te.Kind == protocol.TaskErrorValidation {
		return ValidationError
	}
	return GeneralError
}
