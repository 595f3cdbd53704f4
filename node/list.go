package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/myelnet/rpx/marshal"
)

// remoteList is a local object a node introduces to its peer on
// CodeNewList: it lives only on the introducing side, and is looked up
// again via the 'o' origin tag whenever the peer sends its proxy back
// (see the TagOrigin branch of marshal's Decode).
type remoteList struct {
	id marshal.Identity

	mu    sync.Mutex
	items []interface{}
}

// ProxyIdentity implements marshal.Identifiable.
func (l *remoteList) ProxyIdentity() marshal.Identity { return l.id }

// listProxy is the peer-side stand-in constructed by proxyFactory for a
// remoteList it doesn't own. Encoding it again sends it back to its
// owner as a plain origin reference; it carries no behavior of its own,
// only the identity needed to round-trip.
type listProxy struct {
	remoteID marshal.Identity
}

// ProxyIdentity implements marshal.Identifiable. Reusing the owner's
// remote identity as this stub's own identity is safe: proxiedObjects
// and proxies are keyed in separate maps, so there is no risk of
// collision with identities this side introduces itself.
func (p *listProxy) ProxyIdentity() marshal.Identity { return p.remoteID }

func (nd *Node) handleNewList(_ context.Context, _ interface{}) (interface{}, error) {
	l := &remoteList{id: nd.nextID()}
	nd.lmu.Lock()
	nd.lists[l.id] = l
	nd.lmu.Unlock()

	nd.send(Notify{NewListResult: &NewListResult{ID: uint64(l.id)}})
	return l, nil
}

func (nd *Node) handleLen(_ context.Context, args interface{}) (interface{}, error) {
	l, ok := args.(*remoteList)
	if !ok {
		return nil, fmt.Errorf("node: len expects a list proxy referring back to this node, got %T", args)
	}
	l.mu.Lock()
	n := len(l.items)
	l.mu.Unlock()
	return int64(n), nil
}

func (nd *Node) handleAppend(_ context.Context, args interface{}) (interface{}, error) {
	tup, ok := args.(marshal.Tuple)
	if !ok || len(tup) != 2 {
		return nil, fmt.Errorf("node: append expects a (list, value) tuple, got %T", args)
	}
	l, ok := tup[0].(*remoteList)
	if !ok {
		return nil, fmt.Errorf("node: append target is not a list proxy referring back to this node, got %T", tup[0])
	}
	l.mu.Lock()
	l.items = append(l.items, tup[1])
	n := len(l.items)
	l.mu.Unlock()
	return int64(n), nil
}
