// Package node wires conn/marshal/exchange together into a runnable
// demo process: a small set of request handlers exercising evaluate,
// proxy introduction, and nested proxy round-trips, reported through a
// single notify callback, fanned out to a single mutex-guarded listener.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/myelnet/rpx/conn"
	"github.com/myelnet/rpx/exchange"
	"github.com/myelnet/rpx/marshal"
	"github.com/myelnet/rpx/wire"
	"github.com/rs/zerolog/log"
)

// Demo request codes the node's Dispatcher answers.
const (
	CodePing wire.Code = wire.FirstRequestCode + iota
	CodeEval
	CodeNewList
	CodeLen
	CodeAppend
)

// Proxy kinds and capabilities for the one facade this demo introduces.
const (
	proxyKindList marshal.ProxyKind = 1

	// CapLen and CapAppend advertise which operations a list proxy
	// supports, fed to the marshaler's capability-mask collaborator.
	CapLen    marshal.CapabilityMask = 1 << 0
	CapAppend marshal.CapabilityMask = 1 << 1
)

// PingResult reports a node's known sessions.
type PingResult struct {
	Sessions []string
	Err      string
}

// EvalResult reports the outcome of evaluating a two-operand arithmetic
// expression, exercising a plain request/response round trip.
type EvalResult struct {
	Expr  string
	Value int64
	Err   string
}

// NewListResult reports the identity of a freshly introduced list proxy.
type NewListResult struct {
	ID  uint64
	Err string
}

// Notify is pushed to whatever callback Node.SetNotify installs, one
// field populated per call, fanned out over a mutex-guarded callback.
type Notify struct {
	PingResult    *PingResult
	EvalResult    *EvalResult
	NewListResult *NewListResult
}

// Node owns the dispatcher and proxy collaborators for one process: the
// business handlers, plugged into the core via conn.Dispatcher and
// marshal's three proxy hooks.
type Node struct {
	mgr *exchange.Manager

	mu     sync.Mutex
	notify func(Notify)

	nextID func() marshal.Identity

	lmu   sync.Mutex
	lists map[marshal.Identity]*remoteList
}

// New constructs a Node with its demo dispatcher and proxy collaborators
// wired together, ready to hand to exchange.Manager.Accept/Dial.
func New() *Node {
	nd := &Node{
		nextID: marshal.NewIdentitySource(),
		lists:  make(map[marshal.Identity]*remoteList),
	}

	d := conn.Dispatcher{
		CodePing:    nd.handlePing,
		CodeEval:    nd.handleEval,
		CodeNewList: nd.handleNewList,
		CodeLen:     nd.handleLen,
		CodeAppend:  nd.handleAppend,
	}
	nd.mgr = exchange.NewManager(d, nd.capabilityMask, nd.classify, nd.proxyFactory)
	return nd
}

// Manager returns the exchange.Manager this node serves and dials
// through.
func (nd *Node) Manager() *exchange.Manager { return nd.mgr }

// SetNotify installs cb as the node's sole notification sink, replacing
// any previous callback.
func (nd *Node) SetNotify(cb func(Notify)) {
	nd.mu.Lock()
	nd.notify = cb
	nd.mu.Unlock()
}

// send delivers n to the installed notify callback, if any.
func (nd *Node) send(n Notify) {
	nd.mu.Lock()
	cb := nd.notify
	nd.mu.Unlock()

	if cb != nil {
		cb(n)
	} else {
		log.Debug().Interface("notif", n).Msg("node: nil notify callback; dropping")
	}
}

func (nd *Node) handlePing(_ context.Context, _ interface{}) (interface{}, error) {
	sessions := nd.mgr.Sessions()
	strs := make([]string, 0, len(sessions))
	for _, s := range sessions {
		strs = append(strs, string(s))
	}
	nd.send(Notify{PingResult: &PingResult{Sessions: strs}})
	return "pong", nil
}

func (nd *Node) capabilityMask(obj interface{}) marshal.CapabilityMask {
	switch obj.(type) {
	case *remoteList:
		return CapLen | CapAppend
	default:
		return 0
	}
}

func (nd *Node) classify(obj interface{}) (marshal.ProxyKind, interface{}, bool) {
	switch obj.(type) {
	case *remoteList:
		return proxyKindList, nil, false
	default:
		return 0, nil, false
	}
}

func (nd *Node) proxyFactory(id marshal.Identity, _ marshal.CapabilityMask, kind marshal.ProxyKind, _ interface{}, register marshal.RegisterFunc) (interface{}, error) {
	switch kind {
	case proxyKindList:
		p := &listProxy{remoteID: id}
		register(p, id)
		return p, nil
	default:
		return nil, fmt.Errorf("node: unknown proxy kind %d", kind)
	}
}
