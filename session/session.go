// Package session runs one task in a supervised worker process and turns the worker's envelope
// stream into callbacks and a single outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guseggert/imagewriter/channel"
	"github.com/guseggert/imagewriter/config"
	"github.com/guseggert/imagewriter/protocol"
	"github.com/guseggert/imagewriter/supervisor"
	"github.com/guseggert/imagewriter/task"
	"go.uber.org/zap"
)

// WorkerLauncher starts and tracks worker processes. *supervisor.Supervisor implements it.
type WorkerLauncher interface {
	Spawn(ctx context.Context, c supervisor.Command) (*supervisor.Handle, error)
	AwaitConnect(ctx context.Context, h *supervisor.Handle, acc supervisor.Acceptor, timeout time.Duration) (*channel.Conn, error)
	MarkRunning(h *supervisor.Handle) error
	MarkCompleted(h *supervisor.Handle) error
	MarkFailed(h *supervisor.Handle) error
	Terminate(h *supervisor.Handle)
	WaitExit(ctx context.Context, h *supervisor.Handle) (int, error)
}

var _ WorkerLauncher = (*supervisor.Supervisor)(nil)

// Callbacks receive the worker's progress and log messages, in the order the worker sent them.
// They are called from the goroutine running Run and should return quickly.
type Callbacks struct {
	OnProgress func(protocol.ProgressState)
	OnLog      func(message string)
}

type Coordinator struct {
	log  *zap.SugaredLogger
	zlog *zap.Logger

	cfg      config.Config
	launcher WorkerLauncher
	command  supervisor.Command

	connectTimeout    time.Duration
	exitTimeout       time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	abort     func(error)
	abortOnce sync.Once
}

type Option func(c *Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.zlog = l
		c.log = l.Named("session").Sugar()
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.connectTimeout = d
	}
}

// WithHeartbeat pings the worker every interval, and treats a ping unanswered after timeout as a lost channel.
// A zero interval disables the heartbeat.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.heartbeatInterval = interval
		c.heartbeatTimeout = timeout
	}
}

// WithExitTimeout is how long the worker has to exit on its own after sending its outcome, before it is terminated.
func WithExitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.exitTimeout = d
	}
}

// WithAbortHandler sets the function called with the first fatal error (see IsFatal).
// It is called at most once per Coordinator.
func WithAbortHandler(f func(error)) Option {
	return func(c *Coordinator) {
		c.abort = f
	}
}

// WithCommand sets the worker command. The session configuration is appended to its environment.
// By default the current executable is run with the "child" argument.
func WithCommand(cmd supervisor.Command) Option {
	return func(c *Coordinator) {
		c.command = cmd
	}
}

func New(cfg config.Config, launcher WorkerLauncher, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:               zap.NewNop().Sugar(),
		zlog:              zap.NewNop(),
		cfg:               cfg,
		launcher:          launcher,
		connectTimeout:    cfg.Timeouts.Connect.D(),
		exitTimeout:       cfg.Timeouts.Exit.D(),
		heartbeatInterval: cfg.Timeouts.HeartbeatInterval.D(),
		heartbeatTimeout:  cfg.Timeouts.HeartbeatTimeout.D(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) workerCommand(cfg config.Config) (supervisor.Command, error) {
	cmd := c.command
	if cmd.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return cmd, fmt.Errorf("finding worker executable: %w", err)
		}
		cmd.Path = exe
		cmd.Args = []string{"child"}
	}
	env := make([]string, 0, len(cmd.Env)+8)
	env = append(env, cmd.Env...)
	cmd.Env = append(env, cfg.Env()...)
	return cmd, nil
}

// Run writes p in a new worker process and returns the outcome reported by the worker.
//
// Failing to establish the channel returns a *ConnectionError without the task ever running. Afterwards,
// exactly one outcome is produced: the Result of a Done envelope, a *TaskFailure for an Error envelope,
// a *ProtocolError if the worker breaks the protocol, or a *DisconnectError if the worker goes away first.
// Whichever comes first wins. Fatal errors are also passed to the abort handler.
func (c *Coordinator) Run(ctx context.Context, p task.Params, cb Callbacks) (protocol.Result, error) {
	res, err := c.run(ctx, p, cb)
	if err != nil && IsFatal(err) && c.abort != nil {
		c.abortOnce.Do(func() { c.abort(err) })
	}
	return res, err
}

func (c *Coordinator) run(ctx context.Context, p task.Params, cb Callbacks) (protocol.Result, error) {
	cfg := c.cfg.WithChannelID()
	cfg.TargetArtifact = p.Image
	cfg.Destination = p.Device
	cfg.UnmountOnSuccess = p.Options.UnmountOnSuccess
	cfg.ValidateOnSuccess = p.Options.ValidateOnSuccess
	err := cfg.Validate()
	if err != nil {
		return protocol.Result{}, err
	}
	log := c.log.With("ChannelID", cfg.ChannelID)

	srv, err := channel.Listen(ctx, channel.EndpointFromConfig(cfg), channel.WithLogger(c.zlog))
	if err != nil {
		return protocol.Result{}, &ConnectionError{Op: "opening channel", Err: err}
	}
	defer srv.Close()

	cmd, err := c.workerCommand(cfg)
	if err != nil {
		return protocol.Result{}, &ConnectionError{Op: "spawning worker", Err: err}
	}
	h, err := c.launcher.Spawn(ctx, cmd)
	if err != nil {
		return protocol.Result{}, &ConnectionError{Op: "spawning worker", Err: err}
	}
	log = log.With("PID", h.PID())

	conn, err := c.launcher.AwaitConnect(ctx, h, srv, c.connectTimeout)
	if err != nil {
		c.launcher.Terminate(h)
		return protocol.Result{}, &ConnectionError{Op: "awaiting worker connection", PID: h.PID(), Err: err}
	}
	log.Debug("worker connected, awaiting handshake")

	s := &session{
		log:      log,
		cfg:      cfg,
		launcher: c.launcher,
		handle:   h,
		pid:      h.PID(),
		cb:       cb,
		events:   make(chan event, 16),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	s.start(conn, c.heartbeatInterval, c.heartbeatTimeout)
	res, err := s.loop(ctx)
	close(s.done)

	c.reap(h, err, log)
	conn.Close()
	return res, err
}

// reap makes sure the worker is gone once the outcome is known and leaves its handle in a final state.
// A worker that delivered its outcome gets exitTimeout to exit on its own; any other worker is terminated.
func (c *Coordinator) reap(h *supervisor.Handle, outcome error, log *zap.SugaredLogger) {
	var tf *TaskFailure
	if outcome != nil && !errors.As(outcome, &tf) {
		var pe *ProtocolError
		var de *DisconnectError
		if errors.As(outcome, &pe) || errors.As(outcome, &de) {
			_ = c.launcher.MarkFailed(h)
		}
		c.launcher.Terminate(h)
		log.Debugw("worker terminated", "State", h.State(), "Runtime", h.Runtime())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.exitTimeout)
	defer cancel()
	code, err := c.launcher.WaitExit(ctx, h)
	if err != nil {
		log.Debugf("worker did not exit within %s, terminating", c.exitTimeout)
		c.launcher.Terminate(h)
		return
	}
	log.Debugw("worker exited", "ExitCode", code, "State", h.State(), "Runtime", h.Runtime())
}
