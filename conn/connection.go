// Package conn implements the reentrant request/response coordinator
// (component C4) and the dispatch glue (component C5): the scheduling
// state machine that decides which goroutine may read the next frame,
// how an outbound request waits for its response without starving the
// peer, and how an inbound message is unmarshaled, handled, and
// answered.
package conn

import (
	"context"
	"os"
	"sync"

	"github.com/myelnet/rpx/handler"
	"github.com/myelnet/rpx/marshal"
	"github.com/myelnet/rpx/wire"
	"github.com/rs/zerolog/log"
)

// HandlerFunc is one entry of the externally supplied dispatcher table:
// given the unmarshaled arguments of a request, it returns the
// unmarshaled result (or an error, which is sent to the peer as an
// exception frame unless it is a *FatalExit).
type HandlerFunc func(ctx context.Context, args interface{}) (interface{}, error)

// Dispatcher maps a request-family wire.Code to the handler that
// services it. Codes below wire.FirstRequestCode are reserved by conn
// itself and must not be present here.
type Dispatcher map[wire.Code]HandlerFunc

// Connection is one peer's end of the symmetric proxying link. It is
// simultaneously a client (SendRequest) and a server (ServeForever).
type Connection struct {
	stream     wire.Stream
	marshaler  *marshal.Marshaler
	dispatcher Dispatcher

	pid int

	// reqMu serializes the bookkeeping+send half of SendRequest so
	// concurrent top-level senders don't interleave framing. Plain
	// sync.Mutex suffices: nothing in this package re-enters it on the
	// same goroutine (unlike the defensive threading.RLock it mirrors).
	reqMu sync.Mutex

	outMu sync.Mutex // guards writes to stream
	inMu  sync.Mutex // guards reads from stream

	// mu + cond guard every field below: the single scheduling mutex
	// serializing all request/response bookkeeping.
	mu   sync.Mutex
	cond *sync.Cond

	open       bool
	receiving  bool
	processing int
	waiting    int
	responses  int
	requests   []*wire.Message
	handlers   *handler.Registry
}

// New constructs a Connection over stream, using m to marshal/unmarshal
// values and d to service inbound request-family codes.
func New(stream wire.Stream, m *marshal.Marshaler, d Dispatcher) *Connection {
	c := &Connection{
		stream:     stream,
		marshaler:  m,
		dispatcher: d,
		pid:        os.Getpid(),
		open:       true,
		handlers:   handler.NewRegistry(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// String supports diagnostics; it surfaces the pid recorded at
// construction, since Go has no fork() to invalidate it mid-connection
// (see DESIGN.md, "Fork awareness").
func (c *Connection) String() string {
	return "conn.Connection{pid=" + itoa(c.pid) + "}"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ServeForever runs the inbound-request loop until the connection
// closes.
func (c *Connection) ServeForever(ctx context.Context) error {
	for {
		m, err := c.waitForRequest()
		if err == errClosed {
			log.Debug().Msg("conn: leaving serve_forever, connection closed")
			return nil
		}
		if err != nil {
			return err
		}
		if m == nil {
			continue // delivered straight to a response handler; try again
		}
		if _, err := c.handle(ctx, m); err != nil {
			if fatal, isFatal := err.(*FatalExit); isFatal {
				log.Debug().Interface("code", fatal.Code).Msg("conn: fatal exit requested, leaving serve_forever")
				return fatal
			}
			log.Debug().Err(err).Msg("conn: inbound request handling returned an error")
		}
	}
}

// errClosed is returned internally by the read-arbitration helpers to
// signal "connection closed", distinct from the "nothing to dispatch
// this iteration" nil,nil case.
var errClosed = &ProtocolInvariantViolation{Reason: "__internal_closed_sentinel__"}

// waitForRequest implements the inbound-request side of read
// arbitration.
func (c *Connection) waitForRequest() (*wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.open && len(c.requests) == 0 &&
		(c.receiving || c.responses > 0 || (c.processing > 0 && c.processing > c.waiting)) {
		c.cond.Wait()
	}

	if !c.open {
		return nil, errClosed
	}

	if len(c.requests) > 0 {
		c.processing++
		m := c.requests[0]
		c.requests = c.requests[1:]
		if h := c.handlers.Head(); h != nil {
			h.Set(nil)
		}
		return m, nil
	}

	c.receiving = true
	c.mu.Unlock()
	m, err := c.recv()
	c.mu.Lock()
	c.receiving = false
	if err != nil {
		// A transport failure terminates the read loop; wake everyone so
		// they observe the connection is effectively dead.
		c.open = false
		c.cond.Broadcast()
		c.handlers.SetAll()
		return nil, err
	}

	switch {
	case !m.Code.IsRequestLike():
		c.responses++
		if h := c.handlers.Head(); h != nil {
			h.Set(m)
		} else {
			c.open = false
			c.cond.Broadcast()
			c.handlers.SetAll()
			return nil, &ProtocolInvariantViolation{Reason: "response arrived with no outstanding handler"}
		}
		return nil, nil

	case m.Code == wire.CodeSyncRequest:
		c.processing++
		if h := c.handlers.Head(); h != nil {
			h.Set(m)
		} else {
			c.open = false
			c.cond.Broadcast()
			c.handlers.SetAll()
			return nil, &ProtocolInvariantViolation{Reason: "syncrequest arrived with no outstanding handler"}
		}
		return nil, nil

	default:
		if c.open {
			c.processing++
		}
		if h := c.handlers.Head(); h != nil {
			h.Set(nil)
		}
		return m, nil
	}
}

// waitForResponse implements send_request's wait side of read
// arbitration, including the obligations around waking the next
// eligible reader once this handler's frame has arrived.
func (c *Connection) waitForResponse(h *handler.Handler) (*wire.Message, error) {
	c.mu.Lock()

	m, ok := h.TakeIfReady()

	for c.open && !ok &&
		(c.receiving || c.handlers.Head() != h ||
			(c.processing > 0 && c.processing > c.waiting)) {
		if c.handlers.Head() != h {
			if head := c.handlers.Head(); head != nil {
				head.Set(nil)
			}
		}
		c.mu.Unlock()
		m = h.Wait()
		ok = m != nil
		c.mu.Lock()
	}

	if !ok && c.open {
		// We're entitled to read directly: open, no message yet, and the
		// loop condition above is false (we're head, nobody else is
		// reading, and processing isn't blocking us).
		c.receiving = true
		c.mu.Unlock()

		mm, err := c.recvUntilResponseLike()

		c.mu.Lock()
		c.receiving = false
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		m = mm

		if !m.Code.IsRequestLike() {
			c.handlers.PopFront()
		} else { // syncrequest
			c.processing++
		}
	} else if c.open {
		if !m.Code.IsRequestLike() {
			c.handlers.PopFront()
			c.responses--
		}
	}

	if !c.open && m == nil {
		c.handlers.Remove(h)
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	if m != nil && !m.Code.IsRequestLike() && h.SyncRequest {
		c.waiting--
	}

	c.cond.Broadcast()
	c.mu.Unlock()
	return m, nil
}

// recvUntilResponseLike reads frames (without the scheduling mutex
// held) until one is a response, exception, or syncrequest, queueing
// any plain requests encountered along the way for a future
// waitForRequest caller. This tolerant behavior (continuing to read
// rather than rejecting) is treated as canonical; see DESIGN.md.
func (c *Connection) recvUntilResponseLike() (*wire.Message, error) {
	for {
		m, err := c.recv()
		if err != nil {
			c.mu.Lock()
			c.open = false
			c.cond.Broadcast()
			c.handlers.SetAll()
			c.mu.Unlock()
			return nil, err
		}
		if !m.Code.IsRequestLike() || m.Code == wire.CodeSyncRequest {
			return m, nil
		}
		c.mu.Lock()
		c.requests = append(c.requests, m)
		if head := c.handlers.Head(); head != nil {
			head.Set(nil)
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// recv reads exactly one frame under the input-stream lock.
func (c *Connection) recv() (*wire.Message, error) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	m, err := wire.Unpack(c.stream)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// sendMessage frames and writes one message, atomically, under the
// output-stream lock.
func (c *Connection) sendMessage(code wire.Code, payload []byte) error {
	framed := wire.Pack(code, payload)
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := c.stream.Write(framed); err != nil {
		return &wire.TransportError{Op: "write", Err: err}
	}
	if err := c.stream.Flush(); err != nil {
		return &wire.TransportError{Op: "flush", Err: err}
	}
	return nil
}

// SendRequest sends a request and blocks until its response arrives,
// handling any intervening nested syncrequests along the way.
func (c *Connection) SendRequest(ctx context.Context, code wire.Code, args interface{}) (interface{}, error) {
	c.reqMu.Lock()

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		c.reqMu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.mu.Unlock()

	scope, hasScope := scopeFrom(ctx)
	if !hasScope {
		scope = &requestScope{}
		ctx = withScope(ctx, scope)
	}
	nested := scope.get() > 0

	sendCode := code
	var owner handler.Owner = scope
	if nested {
		encodedArgs, err := c.marshaler.Encode(args)
		if err != nil {
			c.reqMu.Unlock()
			return nil, err
		}
		wrapped, err := c.marshaler.Encode(marshal.Tuple{uint64(code), encodedArgs})
		if err != nil {
			c.reqMu.Unlock()
			return nil, err
		}
		sendCode = wire.CodeSyncRequest
		h := handler.NewHandler(owner, true)
		if err := c.registerAndSend(h, true, sendCode, wrapped); err != nil {
			c.reqMu.Unlock()
			return nil, err
		}
		c.reqMu.Unlock()
		return c.awaitResponse(ctx, h)
	}

	payload, err := c.marshaler.Encode(args)
	if err != nil {
		c.reqMu.Unlock()
		return nil, err
	}
	h := handler.NewHandler(owner, false)
	if err := c.registerAndSend(h, false, sendCode, payload); err != nil {
		c.reqMu.Unlock()
		return nil, err
	}
	c.reqMu.Unlock()
	return c.awaitResponse(ctx, h)
}

// registerAndSend inserts h into the registry (applying the
// processing==waiting wakeup rule for nested requests) and writes the
// frame. Caller must hold reqMu.
func (c *Connection) registerAndSend(h *handler.Handler, isNested bool, code wire.Code, payload []byte) error {
	c.mu.Lock()
	if isNested {
		c.waiting++
		if c.processing == c.waiting {
			c.cond.Signal()
		}
		c.handlers.InsertNested(h)
	} else {
		c.handlers.Append(h)
	}
	c.mu.Unlock()

	if err := c.sendMessage(code, payload); err != nil {
		c.mu.Lock()
		c.handlers.Remove(h)
		if isNested {
			c.waiting--
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// awaitResponse implements SendRequest steps 6-7: wait for the
// handler, servicing any intervening syncrequests inline, then dispatch
// the final message and return its result.
func (c *Connection) awaitResponse(ctx context.Context, h *handler.Handler) (interface{}, error) {
	for {
		m, err := c.waitForResponse(h)
		if err != nil {
			return nil, err
		}
		if m.Code == wire.CodeSyncRequest {
			if _, err := c.handle(ctx, m); err != nil {
				if fatal, isFatal := err.(*FatalExit); isFatal {
					return nil, fatal
				}
				log.Debug().Err(err).Msg("conn: error handling intervening syncrequest")
			}
			continue
		}
		return c.handle(ctx, m)
	}
}

// Close idempotently shuts the connection down: it wakes every blocked
// waiter and handler, waits for in-flight processing to drain, then
// closes the stream.
func (c *Connection) Close() error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.cond.Broadcast()
	c.handlers.SetAll()
	for c.handlers.Len() > 0 || c.processing > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()

	c.outMu.Lock()
	err := c.stream.Close()
	c.outMu.Unlock()

	c.inMu.Lock()
	c.inMu.Unlock()

	return err
}
