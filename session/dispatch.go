package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/imagewriter/channel"
	"github.com/guseggert/imagewriter/config"
	"github.com/guseggert/imagewriter/protocol"
	"github.com/guseggert/imagewriter/supervisor"
	"go.uber.org/zap"
)

// exitDrainTimeout bounds how long envelopes still buffered in the socket are read after the worker exits.
const exitDrainTimeout = 2 * time.Second

type eventKind int

const (
	evEnvelope eventKind = iota
	evMalformed
	evDisconnected
	evExited
	evDrained
	evHeartbeatFailed
)

type event struct {
	kind     eventKind
	env      protocol.Envelope
	err      error
	exitCode int
}

// resolution holds the single outcome of a session.
type resolution struct {
	mut    sync.Mutex
	done   bool
	result protocol.Result
	err    error
}

func (r *resolution) resolve(res protocol.Result, err error) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.done {
		return ErrAlreadyResolved
	}
	r.done = true
	r.result = res
	r.err = err
	return nil
}

func (r *resolution) resolved() bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.done
}

func (r *resolution) outcome() (protocol.Result, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.result, r.err
}

// session is the state of one Run after the worker connected.
// Everything the worker or its process does arrives as an event, and events are handled one at a time by dispatch.
type session struct {
	log      *zap.SugaredLogger
	cfg      config.Config
	launcher WorkerLauncher
	handle   *supervisor.Handle
	pid      int
	cb       Callbacks

	events chan event
	done   chan struct{}

	handshaken bool
	lastSeq    uint64
	// highest percent seen per phase
	progress map[protocol.Phase]float64
	exited     bool
	exitCode   int

	res resolution
}

func (s *session) emit(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) start(conn *channel.Conn, heartbeatInterval, heartbeatTimeout time.Duration) {
	go s.receive(conn)
	go s.watchExit()
	if heartbeatInterval > 0 {
		go s.heartbeat(conn, heartbeatInterval, heartbeatTimeout)
	}
}

func (s *session) receive(conn *channel.Conn) {
	for {
		env, err := conn.Receive(context.Background())
		switch {
		case errors.Is(err, channel.ErrDisconnected):
			s.emit(event{kind: evDisconnected, err: err})
			return
		case err != nil:
			if !s.emit(event{kind: evMalformed, err: err}) {
				return
			}
		default:
			if !s.emit(event{kind: evEnvelope, env: env}) {
				return
			}
		}
	}
}

func (s *session) watchExit() {
	select {
	case <-s.handle.Exited():
	case <-s.done:
		return
	}
	code, _ := s.launcher.WaitExit(context.Background(), s.handle)
	if !s.emit(event{kind: evExited, exitCode: code}) {
		return
	}
	// whatever the worker wrote before exiting is still readable, give the receive loop a chance to get to it
	timer := time.NewTimer(exitDrainTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.emit(event{kind: evDrained})
	case <-s.done:
	}
}

func (s *session) heartbeat(conn *channel.Conn, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := conn.Ping(ctx)
		cancel()
		if err != nil {
			s.emit(event{kind: evHeartbeatFailed, err: err})
			return
		}
	}
}

// loop dispatches events until the session is resolved or ctx is done.
func (s *session) loop(ctx context.Context) (protocol.Result, error) {
	for {
		select {
		case ev := <-s.events:
			if s.dispatch(ev) {
				return s.res.outcome()
			}
		case <-ctx.Done():
			err := fmt.Errorf("session canceled: %w", ctx.Err())
			s.resolve(protocol.Result{}, err)
			return s.res.outcome()
		}
	}
}

// resolve records the outcome. Only the first call has any effect.
func (s *session) resolve(res protocol.Result, err error) bool {
	rerr := s.res.resolve(res, err)
	if rerr != nil {
		s.log.Errorw("session resolved more than once", "Outcome", err, "Error", rerr)
		return false
	}
	return true
}

func (s *session) disconnect(err error) *DisconnectError {
	code := -1
	if s.exited {
		code = s.exitCode
	}
	return &DisconnectError{PID: s.pid, ExitCode: code, Err: err}
}

// dispatch handles one event and reports whether the session is now resolved.
func (s *session) dispatch(ev event) bool {
	if s.res.resolved() {
		s.log.Debugw("ignoring event after resolution", "Event", ev.kind)
		return true
	}

	switch ev.kind {
	case evEnvelope:
		return s.dispatchEnvelope(ev.env)
	case evMalformed:
		return s.resolve(protocol.Result{}, &ProtocolError{Reason: "unreadable message", Err: ev.err})
	case evDisconnected:
		if s.exited {
			return s.resolve(protocol.Result{}, s.disconnect(ErrWorkerExited))
		}
		return s.resolve(protocol.Result{}, s.disconnect(ev.err))
	case evExited:
		s.exited = true
		s.exitCode = ev.exitCode
		s.log.Debugw("worker exited before sending an outcome, draining channel", "ExitCode", ev.exitCode)
		return false
	case evDrained:
		return s.resolve(protocol.Result{}, s.disconnect(ErrWorkerExited))
	case evHeartbeatFailed:
		return s.resolve(protocol.Result{}, s.disconnect(fmt.Errorf("heartbeat failed: %w", ev.err)))
	}
	return false
}

func (s *session) dispatchEnvelope(env protocol.Envelope) bool {
	if env.Seq != s.lastSeq+1 {
		return s.resolve(protocol.Result{}, &ProtocolError{
			Reason: fmt.Sprintf("expected envelope %d, got %d (%s)", s.lastSeq+1, env.Seq, env.Kind),
		})
	}
	s.lastSeq = env.Seq

	if !s.handshaken {
		if env.Kind != protocol.KindHandshake {
			return s.resolve(protocol.Result{}, &ProtocolError{Reason: fmt.Sprintf("expected handshake, got %s", env.Kind)})
		}
		if env.Handshake.ChannelID != s.cfg.ChannelID {
			return s.resolve(protocol.Result{}, &ProtocolError{
				Reason: fmt.Sprintf("handshake for channel %q on channel %q", env.Handshake.ChannelID, s.cfg.ChannelID),
			})
		}
		s.handshaken = true
		err := s.launcher.MarkRunning(s.handle)
		if err != nil {
			s.log.Debugf("marking worker running: %s", err)
		}
		s.log.Infow("Successfully connected to IPC server",
			"ServerID", s.cfg.ServerID,
			"SocketRoot", s.cfg.SocketRoot,
			"WorkerPID", env.Handshake.PID,
		)
		return false
	}

	switch env.Kind {
	case protocol.KindHandshake:
		return s.resolve(protocol.Result{}, &ProtocolError{Reason: "second handshake"})
	case protocol.KindProgress:
		s.checkProgress(*env.Progress)
		if s.cb.OnProgress != nil {
			s.cb.OnProgress(*env.Progress)
		}
	case protocol.KindLog:
		if s.cb.OnLog != nil {
			s.cb.OnLog(env.Log.Message)
		} else {
			s.log.Infow("worker", "Message", env.Log.Message)
		}
	case protocol.KindDone:
		if err := s.launcher.MarkCompleted(s.handle); err != nil {
			s.log.Debugf("marking worker completed: %s", err)
		}
		return s.resolve(*env.Done, nil)
	case protocol.KindError:
		if err := s.launcher.MarkFailed(s.handle); err != nil {
			s.log.Debugf("marking worker failed: %s", err)
		}
		return s.resolve(protocol.Result{}, &TaskFailure{Err: *env.Error})
	}
	return false
}

// checkProgress flags a phase whose percent went down. The tick is still delivered.
func (s *session) checkProgress(p protocol.ProgressState) {
	if s.progress == nil {
		s.progress = map[protocol.Phase]float64{}
	}
	last, seen := s.progress[p.Phase]
	if seen && p.Percent < last {
		s.log.Warnw("worker progress went backwards", "Phase", p.Phase, "Percent", p.Percent, "Previous", last)
		return
	}
	s.progress[p.Phase] = p.Percent
}
