package conn

import (
	"context"
	"sync/atomic"
)

// requestScope is the Go realization of the per-thread request_count:
// it tracks how deeply the current logical call chain is nested inside
// inbound-request handling, and doubles as the registry Owner identity
// for that chain's outbound syncrequests.
//
// Go has no thread.get_ident(). Of the two workable alternatives - a
// mapping from thread identity to depth guarded by the scheduling
// mutex, or passing the depth explicitly through a handler context -
// rpx takes the latter: a requestScope is attached to the
// context.Context once, at the outermost top-level SendRequest or
// dispatch of an inbound message, and threaded unchanged through every
// nested call on that same logical chain.
type requestScope struct {
	depth int32
}

func (s *requestScope) incr() { atomic.AddInt32(&s.depth, 1) }
func (s *requestScope) decr() { atomic.AddInt32(&s.depth, -1) }
func (s *requestScope) get() int32 {
	return atomic.LoadInt32(&s.depth)
}

type scopeKeyType struct{}

var scopeKey = scopeKeyType{}

func withScope(ctx context.Context, s *requestScope) context.Context {
	return context.WithValue(ctx, scopeKey, s)
}

func scopeFrom(ctx context.Context) (*requestScope, bool) {
	s, ok := ctx.Value(scopeKey).(*requestScope)
	return s, ok
}
