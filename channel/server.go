package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server is the supervising side of a channel.
type Server struct {
	log      *zap.SugaredLogger
	endpoint Endpoint

	listener   net.Listener
	httpServer *http.Server

	accepted atomic.Bool
	conns    chan *Conn
	conn     atomic.Pointer[Conn]

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("channel_server").Sugar()
	}
}

// Listen creates the endpoint's socket and starts serving it.
// A stale socket file left behind by a previous process is removed first.
func Listen(ctx context.Context, endpoint Endpoint, opts ...Option) (*Server, error) {
	s := &Server{
		log:      zap.NewNop().Sugar(),
		endpoint: endpoint,
		conns:    make(chan *Conn, 1),
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	err := os.MkdirAll(endpoint.Root, 0o700)
	if err != nil {
		return nil, fmt.Errorf("creating socket root: %w", err)
	}
	path := endpoint.Path()
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%q exists and is not a socket", path)
		}
		s.log.Debugf("removing stale socket %q", path)
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", path, err)
	}
	err = os.Chmod(path, 0o600)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	s.listener = listener

	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/channel/:id", s.channel)
	s.httpServer = &http.Server{Handler: router}

	go func() {
		err := s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Debugf("serve error: %s", err)
		}
	}()
	s.log.Debugw("listening", "Path", path, "ChannelID", endpoint.ID)
	return s, nil
}

func (s *Server) Endpoint() Endpoint { return s.endpoint }

// State is Connecting until a worker has connected, then the state of that connection.
func (s *Server) State() State {
	select {
	case <-s.closed:
		return Disconnected
	default:
	}
	if c := s.conn.Load(); c != nil {
		return c.State()
	}
	return Connecting
}

// Accept waits for the worker to connect. A connection that has already arrived is returned even if ctx is done.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.conns:
		s.conn.Store(c)
		return c, nil
	default:
	}
	select {
	case c := <-s.conns:
		s.conn.Store(c)
		return c, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) channel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if params.ByName("id") != s.endpoint.ID {
		s.log.Debugf("rejecting connection for unknown channel %q", params.ByName("id"))
		http.Error(w, "unknown channel", http.StatusForbidden)
		return
	}
	if !s.accepted.CompareAndSwap(false, true) {
		http.Error(w, "channel already connected", http.StatusConflict)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.log.Debug("accepted WebSocket conn")

	conn := newConn(s.log.Named("conn"), wsConn)
	s.conns <- conn

	// the hijacked connection outlives the request unless we hold the handler open
	select {
	case <-conn.Done():
	case <-s.closed:
	}
}

// HeartbeatResponse is the body of GET /heartbeat.
// LastHeartbeat is the last time the worker was heard from, empty until it connects.
type HeartbeatResponse struct {
	LastHeartbeat string
	State         string
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := HeartbeatResponse{State: s.State().String()}
	if c := s.conn.Load(); c != nil {
		response.LastHeartbeat = c.LastSeen().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.log.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Close stops serving, closes any accepted connection and removes the socket file.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if c := s.conn.Load(); c != nil {
			c.Close()
		} else {
			select {
			case c := <-s.conns:
				c.Close()
			default:
			}
		}
		err = s.httpServer.Close()
		rmErr := os.Remove(s.endpoint.Path())
		if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	return err
}
