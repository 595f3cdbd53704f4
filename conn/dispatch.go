package conn

import (
	"context"

	"github.com/myelnet/rpx/marshal"
	"github.com/myelnet/rpx/wire"
	"github.com/rs/zerolog/log"
)

// handle implements component C5: it decodes one inbound message,
// threads or extends the caller's requestScope, runs the appropriate
// handler, and - for request-family codes - sends back a response or
// exception frame. It returns the handler's unmarshaled result, which
// matters only when m was itself a response/exception/syncrequest
// message being consumed by awaitResponse/ServeForever.
func (c *Connection) handle(ctx context.Context, m *wire.Message) (interface{}, error) {
	switch {
	case m.Code == wire.CodeResponse:
		return c.handleResponse(m)
	case m.Code == wire.CodeException:
		return c.handleException(m)
	case m.Code == wire.CodeSyncRequest:
		return c.handleSyncRequestFrame(ctx, m)
	default:
		return c.handleRequest(ctx, m)
	}
}

func (c *Connection) handleResponse(m *wire.Message) (interface{}, error) {
	v, err := c.marshaler.Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Connection) handleException(m *wire.Message) (interface{}, error) {
	v, err := c.marshaler.Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	return nil, &RemoteException{Value: v}
}

// handleSyncRequestFrame unwraps a (code, innerPayload) tuple and
// services the inner request directly - it does not recurse through
// handle, since a syncrequest is never itself a response/exception and
// always carries an ordinary request-family code plus its own raw
// argument payload.
func (c *Connection) handleSyncRequestFrame(ctx context.Context, m *wire.Message) (interface{}, error) {
	outer, err := c.marshaler.Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	tup, ok := outer.(marshal.Tuple)
	if !ok || len(tup) != 2 {
		return nil, &ProtocolInvariantViolation{Reason: "malformed syncrequest envelope"}
	}
	codeVal, ok := tup[0].(uint64)
	if !ok {
		return nil, &ProtocolInvariantViolation{Reason: "syncrequest envelope code is not an integer"}
	}
	innerPayload, ok := tup[1].([]byte)
	if !ok {
		return nil, &ProtocolInvariantViolation{Reason: "syncrequest envelope payload is not bytes"}
	}
	inner := &wire.Message{Code: wire.Code(codeVal), Payload: innerPayload}
	return c.handleRequest(ctx, inner)
}

// handleRequest services one ordinary request-family message: it
// extends the caller's requestScope (creating one if this is the
// outermost inbound call on this logical chain), looks up the
// registered HandlerFunc, invokes it, and sends the resulting response
// or exception frame.
func (c *Connection) handleRequest(ctx context.Context, m *wire.Message) (interface{}, error) {
	scope, hasScope := scopeFrom(ctx)
	if !hasScope {
		scope = &requestScope{}
		ctx = withScope(ctx, scope)
	}
	scope.incr()
	defer scope.decr()

	fn, ok := c.dispatcher[m.Code]
	if !ok {
		err := &ProtocolInvariantViolation{Reason: "no handler registered for request code"}
		c.releaseProcessing()
		if sendErr := c.sendException(err.Error()); sendErr != nil {
			log.Debug().Err(sendErr).Msg("conn: failed to send exception for unknown request code")
		}
		return nil, err
	}

	args, err := c.marshaler.Decode(m.Payload)
	if err != nil {
		c.releaseProcessing()
		if sendErr := c.sendException(err.Error()); sendErr != nil {
			log.Debug().Err(sendErr).Msg("conn: failed to send exception for malformed request payload")
		}
		return nil, err
	}

	result, callErr := fn(ctx, args)

	if fatal, isFatal := callErr.(*FatalExit); isFatal {
		c.releaseProcessing()
		if sendErr := c.sendResponse(fatal.Code); sendErr != nil {
			log.Debug().Err(sendErr).Msg("conn: failed to send response before fatal exit")
		}
		return nil, callErr
	}

	c.releaseProcessing()

	if callErr != nil {
		if sendErr := c.sendException(callErr.Error()); sendErr != nil {
			log.Debug().Err(sendErr).Msg("conn: failed to send exception frame")
		}
		return nil, callErr
	}

	if sendErr := c.sendResponse(result); sendErr != nil {
		log.Debug().Err(sendErr).Msg("conn: failed to send response frame")
	}
	return result, nil
}

// releaseProcessing implements send_response's decrement-then-notify
// obligation: processing must drop, and waiters must be woken, before
// the response frame is written, so a goroutine blocked
// in waitForRequest/waitForResponse on "processing > waiting" can
// proceed concurrently with the write.
func (c *Connection) releaseProcessing() {
	c.mu.Lock()
	c.processing--
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Connection) sendResponse(result interface{}) error {
	payload, err := c.marshaler.Encode(result)
	if err != nil {
		return err
	}
	return c.sendMessage(wire.CodeResponse, payload)
}

func (c *Connection) sendException(reason string) error {
	payload, err := c.marshaler.Encode(reason)
	if err != nil {
		return err
	}
	return c.sendMessage(wire.CodeException, payload)
}
