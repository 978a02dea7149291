package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/imagewriter/channel"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrConnectTimeout      = errors.New("supervisor: worker did not connect in time")
	ErrExitedBeforeConnect = errors.New("supervisor: worker exited before connecting")
)

// ConnectError is returned when a spawned worker never establishes its channel.
type ConnectError struct {
	PID int
	// ExitCode is the worker's exit code if it exited, otherwise -1.
	ExitCode int
	Err      error
}

func (e *ConnectError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("worker %d: %s (exit code %d)", e.PID, e.Err, e.ExitCode)
	}
	return fmt.Sprintf("worker %d: %s", e.PID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Command describes how to start a worker.
type Command struct {
	Path string
	Args []string
	// Env is appended to the supervisor's own environment.
	Env []string
	Dir string

	Stdout io.Writer
	Stderr io.Writer
}

// Acceptor yields the worker's side of the channel once it connects.
type Acceptor interface {
	Accept(ctx context.Context) (*channel.Conn, error)
}

type Supervisor struct {
	log   *zap.SugaredLogger
	grace time.Duration
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// WithGracePeriod sets how long Terminate waits between SIGTERM and SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		s.grace = d
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:   zap.NewNop().Sugar(),
		grace: 2 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spawn starts the worker. If ctx is canceled before the worker exits, the worker is terminated.
func (s *Supervisor) Spawn(ctx context.Context, c Command) (*Handle, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	configureProcess(cmd)

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting worker %q: %w", c.Path, err)
	}

	h := &Handle{
		cmd:     cmd,
		started: start,
		state:   Spawned,
		exited:  make(chan struct{}),
	}
	s.log.Debugw("spawned worker", "PID", h.PID(), "Path", c.Path)

	go func() {
		exitCode := 0
		err := cmd.Wait()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				h.waitErr = err
				exitCode = -1
			}
		}
		h.exitCode = exitCode
		h.runtime = time.Since(start)
		s.log.Debugw("worker exited", "PID", h.PID(), "ExitCode", exitCode, "TimeMS", h.runtime.Milliseconds())
		close(h.exited)
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			s.Terminate(h)
		case <-h.exited:
		}
	}()

	return h, nil
}

// AwaitConnect waits for the worker to connect through acc.
// It fails early if the worker exits first, and after timeout if it never connects.
func (s *Supervisor) AwaitConnect(ctx context.Context, h *Handle, acc Acceptor, timeout time.Duration) (*channel.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type accepted struct {
		conn *channel.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, err := acc.Accept(ctx)
		acceptCh <- accepted{conn: conn, err: err}
	}()

	var a accepted
	select {
	case a = <-acceptCh:
	case <-h.exited:
		cancel()
		// a connection that raced the exit still counts, its envelopes are buffered
		a = <-acceptCh
		if a.err != nil {
			_ = h.transition(Failed)
			return nil, &ConnectError{PID: h.PID(), ExitCode: h.exitCode, Err: ErrExitedBeforeConnect}
		}
	}

	if a.err != nil {
		connErr := &ConnectError{PID: h.PID(), ExitCode: -1, Err: a.err}
		if errors.Is(a.err, context.DeadlineExceeded) {
			connErr.Err = ErrConnectTimeout
		}
		return nil, connErr
	}
	err := h.transition(Connected)
	if err != nil {
		a.conn.Close()
		return nil, err
	}
	s.log.Debugw("worker connected", "PID", h.PID())
	return a.conn, nil
}

func (s *Supervisor) MarkRunning(h *Handle) error   { return h.transition(Running) }
func (s *Supervisor) MarkCompleted(h *Handle) error { return h.transition(Completed) }
func (s *Supervisor) MarkFailed(h *Handle) error    { return h.transition(Failed) }

// Terminate sends SIGTERM to the worker's process group and SIGKILL after the grace period if it is still running.
// The handle moves to Killed unless it already reached a final state. Terminate returns once the worker has
// exited or SIGKILL has been sent, and is a no-op after the first call.
func (s *Supervisor) Terminate(h *Handle) {
	h.terminateOnce.Do(func() {
		if h.kill() {
			s.log.Debugw("killing worker", "PID", h.PID())
		}
		select {
		case <-h.exited:
			return
		default:
		}

		err := signalGroup(h.PID(), unix.SIGTERM)
		if err != nil {
			s.log.Debugf("error sending SIGTERM to %d: %s", h.PID(), err)
		}
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-h.exited:
		case <-timer.C:
			s.log.Debugw("worker ignored SIGTERM, sending SIGKILL", "PID", h.PID())
			err := signalGroup(h.PID(), unix.SIGKILL)
			if err != nil {
				s.log.Debugf("error sending SIGKILL to %d: %s", h.PID(), err)
			}
		}
	})
}

// WaitExit returns the worker's exit code once it exits. A worker killed by a signal reports -1.
func (s *Supervisor) WaitExit(ctx context.Context, h *Handle) (int, error) {
	select {
	case <-h.exited:
		return h.exitCode, h.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
