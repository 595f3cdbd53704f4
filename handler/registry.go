// Package handler implements the response-handler registry (component
// C3): the ordered collection of rendezvous cells waiting on outstanding
// requests, and the insertion rule that lets a nested (syncrequest)
// response reach its own handler ahead of the outer one.
package handler

import "github.com/myelnet/rpx/wire"

// Owner identifies the "thread" that created a Handler - in Go, the
// logical call chain that issued the request, carried explicitly
// through a context.Context rather than read from a real thread id (see
// conn.requestScope). Two handlers with the same Owner were created by
// the same logical chain of nested calls.
type Owner interface{}

// Handler is a one-shot rendezvous cell for exactly one outstanding
// request. It is owned by the goroutine/call-chain that created it and
// is set by whichever goroutine reads the matching response.
type Handler struct {
	Owner       Owner
	SyncRequest bool

	ready   chan struct{}
	message *wire.Message
}

// NewHandler creates a handler owned by owner. syncRequest marks it as
// belonging to a nested (syncrequest) outbound call.
func NewHandler(owner Owner, syncRequest bool) *Handler {
	return &Handler{Owner: owner, SyncRequest: syncRequest, ready: make(chan struct{})}
}

// Set stores m and wakes exactly one Wait call. Calling Set more than
// once without an intervening Wait is a no-op after the first.
func (h *Handler) Set(m *wire.Message) {
	select {
	case <-h.ready:
		// Already signalled and not yet consumed; nothing to do.
	default:
		h.message = m
		close(h.ready)
	}
}

// Get returns the pending message without blocking, and whether one is
// set. It does not consume the message; a later Wait or TakeIfReady
// still observes it.
func (h *Handler) Get() (*wire.Message, bool) {
	select {
	case <-h.ready:
		return h.message, true
	default:
		return nil, false
	}
}

// TakeIfReady is a non-blocking Wait: if a message is already set, it
// consumes and returns it; otherwise it returns ok=false without
// touching the cell.
func (h *Handler) TakeIfReady() (*wire.Message, bool) {
	select {
	case <-h.ready:
		m := h.message
		h.clear()
		return m, true
	default:
		return nil, false
	}
}

// Wait blocks until Set is called, then clears the cell for reuse and
// returns the delivered message.
func (h *Handler) Wait() *wire.Message {
	<-h.ready
	m := h.message
	h.clear()
	return m
}

func (h *Handler) clear() {
	h.message = nil
	h.ready = make(chan struct{})
}

// Registry is the ordered collection of outstanding handlers for one
// connection. It takes no lock of its own: every method must be called
// while holding the connection's scheduling mutex (see conn.Connection),
// matching the original's single processing_condition protecting both
// the counters and this list.
type Registry struct {
	handlers []*Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Append pushes h at the tail: the ordering for a top-level outbound
// request.
func (r *Registry) Append(h *Handler) {
	r.handlers = append(r.handlers, h)
}

// InsertNested inserts h immediately before the first existing handler
// owned by the same owner, or at the tail if none exists. This is the
// rule that lets a nested request's response reach its own handler
// before the outer handler, without jumping ahead of unrelated
// goroutines' handlers.
func (r *Registry) InsertNested(h *Handler) {
	for i, existing := range r.handlers {
		if existing.Owner == h.Owner {
			r.handlers = append(r.handlers, nil)
			copy(r.handlers[i+1:], r.handlers[i:])
			r.handlers[i] = h
			return
		}
	}
	r.handlers = append(r.handlers, h)
}

// Head returns the oldest handler, or nil if the registry is empty.
func (r *Registry) Head() *Handler {
	if len(r.handlers) == 0 {
		return nil
	}
	return r.handlers[0]
}

// PopFront removes the oldest handler.
func (r *Registry) PopFront() {
	if len(r.handlers) == 0 {
		return
	}
	r.handlers = r.handlers[1:]
}

// Remove deletes h from wherever it sits in the registry (used when a
// handler must be discarded outside the normal head-pop flow, e.g. on
// Close).
func (r *Registry) Remove(h *Handler) {
	for i, existing := range r.handlers {
		if existing == h {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			return
		}
	}
}

// Len reports how many handlers are outstanding.
func (r *Registry) Len() int { return len(r.handlers) }

// SetAll wakes every outstanding handler with no message, used when the
// connection closes so every blocked waiter observes it.
func (r *Registry) SetAll() {
	for _, h := range r.handlers {
		h.Set(nil)
	}
}
