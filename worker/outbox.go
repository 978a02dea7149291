package worker

import (
	"context"
	"sync"

	"github.com/guseggert/imagewriter/protocol"
)

// outbox is an unbounded FIFO of envelopes waiting to be sent.
// push never blocks, so a delegate reporting progress is never held up by the channel.
type outbox struct {
	mut    sync.Mutex
	queue  []protocol.Envelope
	closed bool
	ready  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// push enqueues env. Envelopes pushed after close are dropped.
func (o *outbox) push(env protocol.Envelope) bool {
	o.mut.Lock()
	if o.closed {
		o.mut.Unlock()
		return false
	}
	o.queue = append(o.queue, env)
	o.mut.Unlock()
	o.signal()
	return true
}

// close marks the end of the stream, next drains what is already queued.
func (o *outbox) close() {
	o.mut.Lock()
	o.closed = true
	o.mut.Unlock()
	o.signal()
}

// next blocks until an envelope is available. It returns false once the outbox is closed and empty.
func (o *outbox) next(ctx context.Context) (protocol.Envelope, bool, error) {
	for {
		o.mut.Lock()
		if len(o.queue) > 0 {
			env := o.queue[0]
			o.queue[0] = protocol.Envelope{}
			o.queue = o.queue[1:]
			o.mut.Unlock()
			return env, true, nil
		}
		closed := o.closed
		o.mut.Unlock()
		if closed {
			return protocol.Envelope{}, false, nil
		}

		select {
		case <-o.ready:
		case <-ctx.Done():
			return protocol.Envelope{}, false, ctx.Err()
		}
	}
}
