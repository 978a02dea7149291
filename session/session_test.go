package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/imagewriter/channel"
	"github.com/guseggert/imagewriter/config"
	"github.com/guseggert/imagewriter/internal/exitcode"
	"github.com/guseggert/imagewriter/protocol"
	"github.com/guseggert/imagewriter/supervisor"
	"github.com/guseggert/imagewriter/task"
	"github.com/guseggert/imagewriter/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const helperEnv = "SESSION_TEST_HELPER"

// TestHelperProcess is not a real test. It is the worker process spawned by the other tests,
// scripted by the mode in its environment.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	cfg, err := config.FromEnv(os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitcode.GeneralError)
	}
	ctx := context.Background()

	switch mode {
	case "write":
		err = worker.Run(ctx, cfg, task.DelegateFunc(func(ctx context.Context, p task.Params, progress task.ProgressFunc) (protocol.Result, error) {
			if p.Image != "disk.img" || p.Device != "/dev/sdx" || !p.Options.UnmountOnSuccess || p.Options.ValidateOnSuccess {
				return protocol.Result{}, fmt.Errorf("unexpected params %+v", p)
			}
			for _, pct := range []float64{25, 50, 100} {
				progress(protocol.ProgressState{Phase: protocol.PhaseWriting, Percent: pct, TotalBytes: 1048576})
			}
			return protocol.Result{BytesWritten: 1048576}, nil
		}))
	case "validation-error":
		err = worker.Run(ctx, cfg, task.DelegateFunc(func(ctx context.Context, p task.Params, progress task.ProgressFunc) (protocol.Result, error) {
			progress(protocol.ProgressState{Phase: protocol.PhaseValidating, Percent: 100})
			return protocol.Result{}, &protocol.TaskError{Kind: protocol.TaskErrorValidation, Message: "checksum mismatch"}
		}))
	case "hang":
		err = worker.Run(ctx, cfg, task.DelegateFunc(func(ctx context.Context, p task.Params, progress task.ProgressFunc) (protocol.Result, error) {
			progress(protocol.ProgressState{Phase: protocol.PhaseWriting, Percent: 1})
			time.Sleep(time.Minute)
			return protocol.Result{}, nil
		}))
	case "exit":
		os.Exit(3)
	case "sleep":
		time.Sleep(time.Minute)
	case "linger":
		// delivers the outcome but never exits
		conn := dial(cfg)
		send(conn, protocol.NewHandshake(protocol.Handshake{ChannelID: cfg.ChannelID, PID: os.Getpid()}))
		send(conn, protocol.NewDone(protocol.Result{BytesWritten: 42}))
		time.Sleep(time.Minute)
	case "wrong-channel":
		conn := dial(cfg)
		send(conn, protocol.NewHandshake(protocol.Handshake{ChannelID: "someone-else", PID: os.Getpid()}))
		time.Sleep(time.Minute)
	case "double-handshake":
		conn := dial(cfg)
		send(conn, protocol.NewHandshake(protocol.Handshake{ChannelID: cfg.ChannelID, PID: os.Getpid()}))
		send(conn, protocol.NewHandshake(protocol.Handshake{ChannelID: cfg.ChannelID, PID: os.Getpid()}))
		time.Sleep(time.Minute)
	case "crash":
		conn := dial(cfg)
		send(conn, protocol.NewHandshake(protocol.Handshake{ChannelID: cfg.ChannelID, PID: os.Getpid()}))
		send(conn, protocol.NewProgress(protocol.ProgressState{Phase: protocol.PhaseWriting, Percent: 5}))
		os.Exit(5)
	}
	os.Exit(exitcode.FromError(err))
}

func dial(cfg config.Config) *channel.Conn {
	conn, err := channel.Dial(context.Background(), channel.EndpointFromConfig(cfg))
	if err != nil {
		os.Exit(exitcode.GeneralError)
	}
	return conn
}

func send(conn *channel.Conn, env protocol.Envelope) {
	if err := conn.Send(context.Background(), env); err != nil {
		os.Exit(exitcode.GeneralError)
	}
}

// recordingLauncher is a real supervisor that remembers the handles it spawned.
type recordingLauncher struct {
	*supervisor.Supervisor

	mut     sync.Mutex
	handles []*supervisor.Handle
}

func (r *recordingLauncher) Spawn(ctx context.Context, c supervisor.Command) (*supervisor.Handle, error) {
	h, err := r.Supervisor.Spawn(ctx, c)
	if err == nil {
		r.mut.Lock()
		r.handles = append(r.handles, h)
		r.mut.Unlock()
	}
	return h, err
}

func (r *recordingLauncher) last() *supervisor.Handle {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.handles[len(r.handles)-1]
}

type harness struct {
	launcher *recordingLauncher
	coord    *Coordinator
	cfg      config.Config

	aborts []error

	progress []protocol.ProgressState
	logs     []string
}

func newHarness(t *testing.T, mode string, opts ...Option) *harness {
	cfg := config.Default()
	cfg.SocketRoot = t.TempDir()
	cfg.ServerID = "etcher"

	h := &harness{cfg: cfg}
	h.launcher = &recordingLauncher{
		Supervisor: supervisor.New(supervisor.WithLogger(zaptest.NewLogger(t)), supervisor.WithGracePeriod(500*time.Millisecond)),
	}
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithCommand(supervisor.Command{
			Path: os.Args[0],
			Args: []string{"-test.run=TestHelperProcess", "--"},
			Env:  []string{helperEnv + "=" + mode},
		}),
		WithConnectTimeout(10 * time.Second),
		WithExitTimeout(5 * time.Second),
		WithAbortHandler(func(err error) { h.aborts = append(h.aborts, err) }),
	}
	h.coord = New(cfg, h.launcher, append(base, opts...)...)
	return h
}

func (h *harness) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p protocol.ProgressState) { h.progress = append(h.progress, p) },
		OnLog:      func(m string) { h.logs = append(h.logs, m) },
	}
}

func (h *harness) run(t *testing.T, p task.Params) (protocol.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.coord.Run(ctx, p, h.callbacks())
}

var sdx = task.Params{Image: "disk.img", Device: "/dev/sdx", Options: task.Options{UnmountOnSuccess: true}}

func TestRunWritesImage(t *testing.T) {
	h := newHarness(t, "write", WithHeartbeat(50*time.Millisecond, 5*time.Second))

	res, err := h.run(t, sdx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Result{BytesWritten: 1048576}, res)

	require.Len(t, h.progress, 3)
	for i, pct := range []float64{25, 50, 100} {
		assert.Equal(t, pct, h.progress[i].Percent)
		assert.Equal(t, protocol.PhaseWriting, h.progress[i].Phase)
	}
	assert.Equal(t, []string{fmt.Sprintf("Successfully connected to IPC server: etcher, socket root %s", h.cfg.SocketRoot)}, h.logs)
	assert.Empty(t, h.aborts)

	handle := h.launcher.last()
	assert.Equal(t, supervisor.Completed, handle.State())
	code, err := h.launcher.WaitExit(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, exitcode.Success, code)

	// the socket is gone once the session is over
	_, err = os.Stat(channel.Endpoint{Root: h.cfg.SocketRoot, ServerID: "etcher"}.Path())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunSequentialSessions(t *testing.T) {
	h := newHarness(t, "write")
	for i := 0; i < 3; i++ {
		res, err := h.run(t, sdx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1048576), res.BytesWritten)
	}
	assert.Len(t, h.progress, 9)
	assert.Len(t, h.launcher.handles, 3)
}

func TestRunValidationError(t *testing.T) {
	h := newHarness(t, "validation-error")

	_, err := h.run(t, sdx)
	var tf *TaskFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, protocol.TaskErrorValidation, tf.Err.Kind)
	assert.Equal(t, "checksum mismatch", tf.Err.Message)
	assert.Equal(t, exitcode.ValidationError, exitcode.FromError(err))
	assert.False(t, IsFatal(err))
	assert.Empty(t, h.aborts)
	assert.Len(t, h.progress, 1)

	handle := h.launcher.last()
	assert.Equal(t, supervisor.Failed, handle.State())
	code, err := h.launcher.WaitExit(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, exitcode.ValidationError, code)
}

func TestRunWorkerKilled(t *testing.T) {
	h := newHarness(t, "hang")

	cb := h.callbacks()
	cb.OnProgress = func(p protocol.ProgressState) {
		h.progress = append(h.progress, p)
		// an outside party kills the worker mid-write
		require.NoError(t, syscall.Kill(h.launcher.last().PID(), syscall.SIGKILL))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := h.coord.Run(ctx, sdx, cb)

	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.True(t, IsFatal(err))
	assert.Len(t, h.progress, 1)
	require.Len(t, h.aborts, 1)
	assert.Same(t, de, errorAs[*DisconnectError](t, h.aborts[0]))
	assert.Equal(t, supervisor.Failed, h.launcher.last().State())

	// the abort handler only ever fires once
	h.coord.command.Env = []string{helperEnv + "=exit"}
	_, err = h.run(t, sdx)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, h.aborts, 1)
}

func TestRunWorkerCrashes(t *testing.T) {
	h := newHarness(t, "crash")

	_, err := h.run(t, sdx)
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.Len(t, h.progress, 1)
	assert.Len(t, h.aborts, 1)
}

func TestRunWorkerExitsBeforeConnecting(t *testing.T) {
	h := newHarness(t, "exit")

	_, err := h.run(t, sdx)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, supervisor.ErrExitedBeforeConnect)
	assert.True(t, IsFatal(err))
	assert.Empty(t, h.progress)
	assert.Empty(t, h.logs)
	assert.Len(t, h.aborts, 1)
	assert.Equal(t, supervisor.Failed, h.launcher.last().State())
}

func TestRunMissingWorkerBinary(t *testing.T) {
	h := newHarness(t, "write", WithCommand(supervisor.Command{Path: "/nonexistent/imagewriter"}))

	_, err := h.run(t, sdx)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, h.launcher.handles)
	assert.Len(t, h.aborts, 1)
}

func TestRunConnectTimeout(t *testing.T) {
	h := newHarness(t, "sleep", WithConnectTimeout(200*time.Millisecond))

	_, err := h.run(t, sdx)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, supervisor.ErrConnectTimeout)
	assert.Equal(t, supervisor.Killed, h.launcher.last().State())
}

func TestRunProtocolViolations(t *testing.T) {
	for _, mode := range []string{"wrong-channel", "double-handshake"} {
		t.Run(mode, func(t *testing.T) {
			h := newHarness(t, mode)

			_, err := h.run(t, sdx)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.False(t, IsFatal(err))
			assert.Empty(t, h.aborts)
			assert.Equal(t, supervisor.Failed, h.launcher.last().State())
		})
	}
}

func TestRunTerminatesLingeringWorker(t *testing.T) {
	h := newHarness(t, "linger", WithExitTimeout(200*time.Millisecond))

	res, err := h.run(t, sdx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.BytesWritten)

	handle := h.launcher.last()
	select {
	case <-handle.Exited():
	case <-time.After(10 * time.Second):
		t.Fatal("lingering worker was not terminated")
	}
	assert.Equal(t, supervisor.Completed, handle.State())
}

func TestRunInvalidParams(t *testing.T) {
	h := newHarness(t, "write")
	_, err := h.run(t, task.Params{Image: "disk.img"})
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.False(t, IsFatal(err))
	assert.Empty(t, h.launcher.handles)
}

func errorAs[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	require.True(t, errors.As(err, &target))
	return target
}
