// Package worker is the worker side of a session: it connects back to the supervising process,
// runs a task.Delegate and streams its progress and outcome over the channel.
package worker

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
	"github.com/guseggert/imagewriter/task"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DisconnectError is returned when the channel is lost before the outcome was delivered.
type DisconnectError struct {
	Err error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("worker: lost the channel before the outcome was delivered: %s", e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

type runner struct {
	log       *zap.SugaredLogger
	dialOpts  []channel.DialOption
	pid       int
	retries   int
	retryWait time.Duration
	stopGrace time.Duration
}

type Option func(r *runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *runner) {
		r.log = l.Named("worker").Sugar()
		r.dialOpts = append(r.dialOpts, channel.WithDialLogger(l))
	}
}

// WithReconnect lets the initial connection be retried. Once connected, a lost channel is never re-established.
func WithReconnect(n int, wait time.Duration) Option {
	return func(r *runner) {
		r.retries = n
		r.retryWait = wait
	}
}

// WithStopGrace sets how long a task may keep running after the channel is lost and its context is canceled.
// After that, Run returns without waiting for it.
func WithStopGrace(d time.Duration) Option {
	return func(r *runner) {
		r.stopGrace = d
	}
}

// Run connects to the channel described by cfg, sends the handshake, and runs d.
// The outcome is sent as a single Done or Error envelope before the channel is closed.
//
// Run returns nil once Done was delivered, an error matching *protocol.TaskError once Error was delivered,
// and *DisconnectError if the supervising side went away first; in that case the delegate's context is
// canceled, and a delegate still running after the stop grace period is abandoned.
func Run(ctx context.Context, cfg config.Config, d task.Delegate, opts ...Option) error {
	r := &runner{
		log:       zap.NewNop().Sugar(),
		pid:       os.Getpid(),
		stopGrace: 2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if cfg.ReconnectAttempts > r.retries {
		r.retries = cfg.ReconnectAttempts
		if r.retryWait == 0 {
			r.retryWait = 100 * time.Millisecond
		}
	}
	if r.retries > 0 {
		r.dialOpts = append(r.dialOpts, channel.WithReconnect(r.retries, r.retryWait))
	}

	endpoint := channel.EndpointFromConfig(cfg)
	conn, err := channel.Dial(ctx, endpoint, r.dialOpts...)
	if err != nil {
		return fmt.Errorf("connecting to IPC server %q: %w", cfg.ServerID, err)
	}
	defer conn.Close()

	return r.run(ctx, conn, cfg, d)
}

func (r *runner) run(ctx context.Context, conn *channel.Conn, cfg config.Config, d task.Delegate) error {
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	out := newOutbox()
	flushed := make(chan struct{})

	disconnected := make(chan struct{})
	var disconnectOnce sync.Once
	disconnect := func(err error) error {
		disconnectOnce.Do(func() {
			cancelTask()
			close(disconnected)
		})
		return &DisconnectError{Err: err}
	}

	// the supervising side never sends anything, reading only detects that it went away
	lost := make(chan error, 1)
	go func() {
		for {
			env, err := conn.Receive(context.Background())
			if errors.Is(err, channel.ErrDisconnected) {
				lost <- err
				return
			}
			if err != nil {
				r.log.Warnf("ignoring unreadable message from IPC server: %s", err)
				continue
			}
			r.log.Warnw("ignoring unexpected envelope from IPC server", "Kind", env.Kind, "Seq", env.Seq)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(flushed)
		for {
			env, ok, err := out.next(groupCtx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			err = conn.Send(groupCtx, env)
			if errors.Is(err, channel.ErrDisconnected) {
				return disconnect(err)
			}
			if err != nil {
				// the delegate produced something unrepresentable, the stream goes on without it
				r.log.Warnf("dropping %s envelope: %s", env.Kind, err)
			}
		}
	})
	group.Go(func() error {
		select {
		case err := <-lost:
			select {
			case <-flushed:
				return nil
			default:
			}
			return disconnect(err)
		case <-flushed:
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})

	out.push(protocol.NewHandshake(protocol.Handshake{
		ChannelID: cfg.ChannelID,
		ServerID:  cfg.ServerID,
		PID:       r.pid,
	}))
	msg := fmt.Sprintf("Successfully connected to IPC server: %s, socket root %s", cfg.ServerID, cfg.SocketRoot)
	r.log.Info(msg)
	out.push(protocol.NewLog(msg))

	type outcome struct {
		res protocol.Result
		err error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		res, err := d.Write(taskCtx, task.ParamsFromConfig(cfg), func(s protocol.ProgressState) {
			out.push(protocol.NewProgress(s))
		})
		outcomes <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-outcomes:
	case <-disconnected:
		select {
		case o = <-outcomes:
		case <-time.After(r.stopGrace):
			r.log.Warnf("task still running %s after losing the IPC server, abandoning it", r.stopGrace)
			out.close()
			return group.Wait()
		}
	}

	var taskErr *protocol.TaskError
	res, err := o.res, o.err
	if err != nil {
		te := protocol.ErrorFromTask(err)
		if te.Message == "" {
			te.Message = "unknown error"
		}
		taskErr = &te
		r.log.Debugw("task failed", "Kind", te.Kind, "Code", te.Code, "Message", te.Message)
		out.push(protocol.NewError(te))
	} else {
		r.log.Debugw("task done", "BytesWritten", res.BytesWritten)
		out.push(protocol.NewDone(res))
	}
	out.close()

	err = group.Wait()
	if err != nil {
		return err
	}
	if taskErr != nil {
		return fmt.Errorf("task failed: %w", taskErr)
	}
	return nil
}
