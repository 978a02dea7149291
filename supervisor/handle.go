package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Handle is one spawned worker process.
type Handle struct {
	cmd     *exec.Cmd
	started time.Time

	mut   sync.Mutex
	state State

	exited   chan struct{}
	exitCode int
	waitErr  error
	runtime  time.Duration

	terminateOnce sync.Once
}

func (h *Handle) PID() int { return h.cmd.Process.Pid }

func (h *Handle) State() State {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.state
}

// Exited is closed once the process has exited and its exit code is available.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Runtime is how long the process has been running, or how long it ran once it exited.
func (h *Handle) Runtime() time.Duration {
	select {
	case <-h.exited:
		return h.runtime
	default:
		return time.Since(h.started)
	}
}

func (h *Handle) transition(to State) error {
	h.mut.Lock()
	defer h.mut.Unlock()
	if !canTransition(h.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.state, to)
	}
	h.state = to
	return nil
}

// kill moves the handle to Killed unless it already reached a final state.
func (h *Handle) kill() bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.state.Final() {
		return false
	}
	h.state = Killed
	return true
}
