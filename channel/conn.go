package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/imagewriter/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 32768

// Conn is one end of an established channel.
// Send may be called concurrently. Receive must only be called from one goroutine at a time,
// and must be running for Ping to complete.
type Conn struct {
	log *zap.SugaredLogger
	ws  *websocket.Conn

	state atomic.Int32

	sendMut sync.Mutex
	seq     uint64

	lastSeen atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(log *zap.SugaredLogger, ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimit)
	c := &Conn{
		log:    log,
		ws:     ws,
		closed: make(chan struct{}),
	}
	c.state.Store(int32(Connected))
	c.touch()
	return c
}

func (c *Conn) State() State { return State(c.state.Load()) }

// LastSeen is the time of the last envelope or pong received from the peer.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Send assigns the next sequence number to env and writes it.
// Invalid envelopes are rejected with a *protocol.Error before anything is written.
func (c *Conn) Send(ctx context.Context, env protocol.Envelope) error {
	c.sendMut.Lock()
	defer c.sendMut.Unlock()

	env.Seq = c.seq + 1
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	err = c.ws.Write(ctx, websocket.MessageText, b)
	if err != nil {
		return c.fail("send", err)
	}
	c.seq++
	c.log.Debugw("sent envelope", "Kind", env.Kind, "Seq", env.Seq)
	return nil
}

// Receive blocks until the next envelope arrives or the channel is lost.
// A lost channel yields an error matching ErrDisconnected; a malformed message yields a *protocol.Error.
// Canceling ctx also tears down the connection.
func (c *Conn) Receive(ctx context.Context) (protocol.Envelope, error) {
	typ, b, err := c.ws.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, c.fail("receive", err)
	}
	c.touch()
	if typ != websocket.MessageText {
		return protocol.Envelope{}, &protocol.Error{Op: "receive", Kind: protocol.ErrMalformed, Detail: "binary message"}
	}
	env, err := protocol.Decode(b)
	if err != nil {
		return protocol.Envelope{}, err
	}
	c.log.Debugw("received envelope", "Kind", env.Kind, "Seq", env.Seq)
	return env, nil
}

// Ping checks that the peer is still responsive.
func (c *Conn) Ping(ctx context.Context) error {
	err := c.ws.Ping(ctx)
	if err != nil {
		return c.fail("ping", err)
	}
	c.touch()
	return nil
}

// fail records a transport error and wraps it as a disconnect.
func (c *Conn) fail(op string, err error) error {
	select {
	case <-c.closed:
		// closed locally, not an error of the transport
		c.state.Store(int32(Disconnected))
	default:
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
			c.state.Store(int32(Disconnected))
		} else {
			c.state.Store(int32(Errored))
		}
	}
	c.log.Debugf("%s failed: %s", op, err)
	return fmt.Errorf("%w: %s: %w", ErrDisconnected, op, err)
}

// Close closes the channel with a normal closure. It is safe to call more than once.
func (c *Conn) Close() error {
	return c.CloseWithReason(websocket.StatusNormalClosure, "")
}

// CloseWithReason closes the channel, telling the peer why.
func (c *Conn) CloseWithReason(code websocket.StatusCode, reason string) error {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.State() != Errored {
			c.state.Store(int32(Disconnected))
		}
		err = c.ws.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
	if websocket.CloseStatus(err) != -1 {
		// the peer closed first
		return nil
	}
	return err
}
