// Package task defines the boundary between the worker runtime and the operation it runs.
package task

import (
	"context"

	"github.com/guseggert/imagewriter/config"
	"github.com/guseggert/imagewriter/protocol"
)

// Options toggles the optional steps after a successful write. Each is independent.
type Options struct {
	UnmountOnSuccess  bool
	ValidateOnSuccess bool
}

// Params are the inputs of one image write.
type Params struct {
	// Image is the source artifact.
	Image string
	// Device is the destination resource.
	Device  string
	Options Options
}

func ParamsFromConfig(c config.Config) Params {
	return Params{
		Image:  c.TargetArtifact,
		Device: c.Destination,
		Options: Options{
			UnmountOnSuccess:  c.UnmountOnSuccess,
			ValidateOnSuccess: c.ValidateOnSuccess,
		},
	}
}

// ProgressFunc receives progress ticks. It must not block.
type ProgressFunc func(protocol.ProgressState)

// Delegate performs the long-running operation. Write reports progress any number of times and then returns
// exactly one outcome. Errors are converted with protocol.ErrorFromTask, so returning a *protocol.TaskError
// controls exactly what the supervising side sees.
//
// Write must return promptly once ctx is done. The worker cancels ctx when the supervising side goes away and
// exits shortly after, whether or not Write has returned.
type Delegate interface {
	Write(ctx context.Context, p Params, progress ProgressFunc) (protocol.Result, error)
}

// DelegateFunc adapts a function to a Delegate.
type DelegateFunc func(ctx context.Context, p Params, progress ProgressFunc) (protocol.Result, error)

func (f DelegateFunc) Write(ctx context.Context, p Params, progress ProgressFunc) (protocol.Result, error) {
	return f(ctx, p, progress)
}
