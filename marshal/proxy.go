package marshal

import "sync"

// CapabilityFunc computes the capability mask for a local object about
// to be introduced to the peer for the first time.
type CapabilityFunc func(obj interface{}) CapabilityMask

// ClassifyFunc classifies a local object into a proxy kind and optional
// constructor arguments to send with its introduction. It is the Go
// analogue of Python's ProxyType.get(obj); the core records whatever it
// is handed without judging the kind.
type ClassifyFunc func(obj interface{}) (kind ProxyKind, args interface{}, hasArgs bool)

// RegisterFunc is invoked by a freshly constructed proxy to record
// itself in the proxies/proxyIDs tables. Calling it more than once for
// the same proxy is a caller error.
type RegisterFunc func(proxy Identifiable, remoteID Identity)

// ProxyFactory constructs a local stand-in for a remote object just
// introduced over the wire.
type ProxyFactory func(id Identity, mask CapabilityMask, kind ProxyKind, args interface{}, register RegisterFunc) (interface{}, error)

// proxyTables holds the four per-connection proxy maps. All four are
// guarded by a single mutex; the pendingProxies channels
// are signalled (closed) while still holding that mutex, then waited on
// by callers after releasing it - this ordering is what makes the wait
// safe to perform off the connection's scheduling mutex.
type proxyTables struct {
	mu sync.Mutex

	// proxiedObjects: local-object-identity -> local object.
	proxiedObjects map[Identity]interface{}
	// proxies: remote-object-identity -> local proxy.
	proxies map[Identity]interface{}
	// proxyIDs: local-proxy-identity -> remote-object-identity.
	proxyIDs map[Identity]Identity
	// pendingProxies: remote-object-identity -> one-shot signal, present
	// iff proxies[id] does not yet exist.
	pendingProxies map[Identity]chan struct{}
}

func newProxyTables() *proxyTables {
	return &proxyTables{
		proxiedObjects: make(map[Identity]interface{}),
		proxies:        make(map[Identity]interface{}),
		proxyIDs:       make(map[Identity]Identity),
		pendingProxies: make(map[Identity]chan struct{}),
	}
}

// registerProxy implements the RegisterFunc contract: it populates
// proxies/proxyIDs only. It does not wake pending waiters - that is
// decodeProxy's job, done via signalPendingLocked once the proxy factory
// has returned.
func (t *proxyTables) registerProxy(proxy Identifiable, remoteID Identity) {
	t.mu.Lock()
	t.proxies[remoteID] = proxy
	t.proxyIDs[proxy.ProxyIdentity()] = remoteID
	t.mu.Unlock()
}

// signalPendingLocked closes and removes any pending-proxies entry for
// id. Caller must hold t.mu.
func (t *proxyTables) signalPendingLocked(id Identity) {
	if ch, ok := t.pendingProxies[id]; ok {
		delete(t.pendingProxies, id)
		close(ch)
	}
}

// waitForIntroduction blocks the calling goroutine, without holding
// t.mu, until proxies[id] exists - either because it already does, or
// because some other goroutine's decode of the introducing 'p' frame
// signals it. Bounded by the arrival of that frame on the same
// connection.
func (t *proxyTables) waitForIntroduction(id Identity) {
	t.mu.Lock()
	if _, ok := t.proxies[id]; ok {
		t.mu.Unlock()
		return
	}
	ch, ok := t.pendingProxies[id]
	if !ok {
		ch = make(chan struct{})
		t.pendingProxies[id] = ch
	}
	t.mu.Unlock()

	<-ch

	// No re-check here: the caller (decodeProxy) looks proxies[id] up
	// again after this returns. The entry should exist by then because
	// whoever closed the channel did so only after populating proxies[id].
}
