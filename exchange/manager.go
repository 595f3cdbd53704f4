// Package exchange owns the peer-to-peer bootstrap that the conn
// package deliberately leaves external: dialing, accepting, retrying,
// and keeping track of which Connection belongs to which session.
package exchange

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hannahhoward/go-pubsub"
	"github.com/jpillora/backoff"
	"github.com/myelnet/rpx/conn"
	"github.com/myelnet/rpx/marshal"
	"github.com/myelnet/rpx/wire"
	"github.com/rs/zerolog/log"
)

// SessionID identifies one peer connection. Each successful Accept or
// Dial gets a fresh SessionID; a session whose connection closes is
// removed and is not redialed.
type SessionID string

// NewSessionID returns a fresh, process-unique session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// EventKind classifies a lifecycle Event published by a Manager.
type EventKind int

const (
	// Connected fires once a session's Connection is up and serving.
	Connected EventKind = iota
	// Disconnected fires when a session's Connection closes, whether
	// requested or because the transport failed.
	Disconnected
	// DialFailed fires when Dial exhausts its retry budget without
	// establishing a connection.
	DialFailed
)

// Event describes one change in a session's connection lifecycle.
type Event struct {
	Session SessionID
	Kind    EventKind
	Err     error
}

type eventSubscriberFn func(Event)

// DialOptions tunes the reconnect backoff used by Dial.
type DialOptions struct {
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

// DefaultDialOptions holds reasonable values for a demo/CLI deployment,
// not a production SLA.
var DefaultDialOptions = DialOptions{
	BackoffMin:  500 * time.Millisecond,
	BackoffMax:  30 * time.Second,
	MaxAttempts: 6,
}

// Dialer opens a new transport to a single remote peer. Supplying this
// as an interface rather than hard-coding net.Dial lets callers plug in
// TCP, TLS, unix sockets, or an in-memory pipe for tests.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// Manager keeps the set of live Connections for one process, dialing or
// accepting transports and retrying failed dials with jpillora/backoff.
// A connection that drops after it is established is not redialed. It is
// the "process-spawning/connection-bootstrap logic" the core treats as
// an external collaborator.
type Manager struct {
	dispatcher conn.Dispatcher
	proxyMask  marshal.CapabilityFunc
	classify   marshal.ClassifyFunc
	factory    marshal.ProxyFactory

	mu       sync.Mutex
	sessions map[SessionID]*conn.Connection

	ps *pubsub.PubSub
}

// NewManager constructs a Manager whose accepted/dialed connections all
// share the same dispatcher and proxy collaborators.
func NewManager(d conn.Dispatcher, proxyMask marshal.CapabilityFunc, classify marshal.ClassifyFunc, factory marshal.ProxyFactory) *Manager {
	ps := pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
		evt := event.(Event)
		fn := subFn.(eventSubscriberFn)
		fn(evt)
		return nil
	})
	return &Manager{
		dispatcher: d,
		proxyMask:  proxyMask,
		classify:   classify,
		factory:    factory,
		sessions:   make(map[SessionID]*conn.Connection),
		ps:         ps,
	}
}

// Subscribe registers cb to be called for every lifecycle Event the
// Manager publishes, until the returned pubsub.Unsubscribe is called.
func (mgr *Manager) Subscribe(cb func(Event)) pubsub.Unsubscribe {
	var fn eventSubscriberFn = cb
	return mgr.ps.Subscribe(fn)
}

func (mgr *Manager) publish(evt Event) {
	if err := mgr.ps.Publish(evt); err != nil {
		log.Error().Err(err).Msg("exchange: unexpected error publishing lifecycle event")
	}
}

// Accept wraps an already-established transport (e.g. one side of a
// listener's Accept()) as a new session, starts serving it, and
// registers it under a fresh SessionID.
func (mgr *Manager) Accept(ctx context.Context, rwc io.ReadWriteCloser) SessionID {
	sess := NewSessionID()
	mgr.addSession(ctx, sess, rwc)
	return sess
}

func (mgr *Manager) addSession(ctx context.Context, sess SessionID, rwc io.ReadWriteCloser) {
	m := marshal.New(mgr.proxyMask, mgr.classify, mgr.factory)
	c := conn.New(wire.NewBufferedStream(rwc), m, mgr.dispatcher)

	mgr.mu.Lock()
	mgr.sessions[sess] = c
	mgr.mu.Unlock()

	mgr.publish(Event{Session: sess, Kind: Connected})
	log.Debug().Str("session", string(sess)).Msg("exchange: connection established")

	go func() {
		err := c.ServeForever(ctx)
		mgr.mu.Lock()
		delete(mgr.sessions, sess)
		mgr.mu.Unlock()
		mgr.publish(Event{Session: sess, Kind: Disconnected, Err: err})
		log.Debug().Str("session", string(sess)).Err(err).Msg("exchange: connection serve loop exited")
	}()
}

// Dial opens a transport via d, retrying with backoff per opt until it
// succeeds or the attempt budget is exhausted, and registers the result
// as a new session.
func (mgr *Manager) Dial(ctx context.Context, d Dialer, opt DialOptions) (SessionID, error) {
	b := &backoff.Backoff{
		Min:    opt.BackoffMin,
		Max:    opt.BackoffMax,
		Factor: 2,
	}

	for {
		rwc, err := d.Dial(ctx)
		if err == nil {
			sess := NewSessionID()
			mgr.addSession(ctx, sess, rwc)
			return sess, nil
		}

		if int(b.Attempt()) >= opt.MaxAttempts {
			mgr.publish(Event{Kind: DialFailed, Err: err})
			return "", err
		}

		wait := b.Duration()
		log.Debug().Err(err).Dur("backoff", wait).Msg("exchange: dial failed, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
}

// Connection returns the live Connection for sess, if any.
func (mgr *Manager) Connection(sess SessionID) (*conn.Connection, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	c, ok := mgr.sessions[sess]
	return c, ok
}

// Sessions returns a snapshot of currently live session IDs.
func (mgr *Manager) Sessions() []SessionID {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]SessionID, 0, len(mgr.sessions))
	for id := range mgr.sessions {
		out = append(out, id)
	}
	return out
}

// CloseAll closes every live session's Connection.
func (mgr *Manager) CloseAll() {
	mgr.mu.Lock()
	sessions := make([]*conn.Connection, 0, len(mgr.sessions))
	for _, c := range mgr.sessions {
		sessions = append(sessions, c)
	}
	mgr.mu.Unlock()

	for _, c := range sessions {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("exchange: error closing connection")
		}
	}
}
