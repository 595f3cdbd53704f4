package marshal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// localObj is a minimal Identifiable local object used to exercise the
// proxy-introduction path.
type localObj struct{ id Identity }

func (o *localObj) ProxyIdentity() Identity { return o.id }

// stubProxy is what our test proxy factory builds to stand in for a
// remote object.
type stubProxy struct {
	id   Identity // local identity of the proxy itself
	mask CapabilityMask
	kind ProxyKind
}

func (p *stubProxy) ProxyIdentity() Identity { return p.id }

func newTestMarshaler(localIDs func() Identity, proxyIDs func() Identity) *Marshaler {
	capMask := func(obj interface{}) CapabilityMask { return 0xF }
	classify := func(obj interface{}) (ProxyKind, interface{}, bool) { return 1, nil, false }
	factory := func(id Identity, mask CapabilityMask, kind ProxyKind, args interface{}, register RegisterFunc) (interface{}, error) {
		p := &stubProxy{id: proxyIDs(), mask: mask, kind: kind}
		register(p, id)
		return p, nil
	}
	return New(capMask, classify, factory)
}

func TestRoundTripSimpleValues(t *testing.T) {
	m := newTestMarshaler(NewIdentitySource(), NewIdentitySource())
	values := []interface{}{
		nil, true, false, int64(42), int64(-7), uint64(9000),
		3.14159, "hello", []byte("bytes"), Complex128(complex(1, -2)),
		Slice{}, FrozenSet{int64(1), int64(2), "three"},
	}
	for _, v := range values {
		enc, err := m.Encode(v)
		require.NoError(t, err)
		require.Equal(t, TagSimple, enc[0])
		dec, err := m.Decode(enc)
		require.NoError(t, err)
		require.Equal(t, v, dec)
	}
}

func TestRoundTripTuple(t *testing.T) {
	m := newTestMarshaler(NewIdentitySource(), NewIdentitySource())
	tup := Tuple{int64(1), "two", Tuple{int64(3), false}}
	enc, err := m.Encode(tup)
	require.NoError(t, err)
	dec, err := m.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, tup, dec)
}

func TestProxyIdempotence(t *testing.T) {
	localIDs := NewIdentitySource()
	m := newTestMarshaler(localIDs, NewIdentitySource())
	obj := &localObj{id: localIDs()}

	first, err := m.Encode(obj)
	require.NoError(t, err)
	require.Equal(t, byte(subTagIntroduction), first[1])

	second, err := m.Encode(obj)
	require.NoError(t, err)
	require.Equal(t, byte(subTagKnown), second[1])

	// The peer decodes the first as a new proxy...
	peer := newTestMarshaler(NewIdentitySource(), NewIdentitySource())
	p1, err := peer.Decode(first)
	require.NoError(t, err)
	proxy, ok := p1.(*stubProxy)
	require.True(t, ok)

	// ...and the second resolves to the very same proxy instance.
	p2, err := peer.Decode(second)
	require.NoError(t, err)
	require.Same(t, proxy, p2)

	// Re-marshaling the proxy back toward its origin uses 'o'.
	reenc, err := peer.Encode(proxy)
	require.NoError(t, err)
	require.Equal(t, TagOrigin, reenc[0])
	back, err := m.Decode(reenc)
	require.NoError(t, err)
	require.Same(t, obj, back)
}

func TestPendingProxyRaceEitherOrder(t *testing.T) {
	for _, order := range []string{"known-first", "intro-first"} {
		t.Run(order, func(t *testing.T) {
			localIDs := NewIdentitySource()
			m := newTestMarshaler(localIDs, NewIdentitySource())
			obj := &localObj{id: localIDs()}

			intro, err := m.Encode(obj)
			require.NoError(t, err)
			known, err := m.Encode(obj)
			require.NoError(t, err)

			peer := newTestMarshaler(NewIdentitySource(), NewIdentitySource())

			var wg sync.WaitGroup
			var knownResult, introResult interface{}
			var knownErr, introErr error

			decodeKnown := func() {
				defer wg.Done()
				knownResult, knownErr = peer.Decode(known)
			}
			decodeIntro := func() {
				defer wg.Done()
				introResult, introErr = peer.Decode(intro)
			}

			wg.Add(2)
			if order == "known-first" {
				go decodeKnown()
				time.Sleep(5 * time.Millisecond) // give the known decode time to start waiting
				go decodeIntro()
			} else {
				go decodeIntro()
				time.Sleep(5 * time.Millisecond)
				go decodeKnown()
			}
			wg.Wait()

			require.NoError(t, knownErr)
			require.NoError(t, introErr)
			require.Same(t, knownResult, introResult)
		})
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	m := newTestMarshaler(NewIdentitySource(), NewIdentitySource())
	_, err := m.Decode([]byte{'z', 0x01})
	require.Error(t, err)
	var me *MarshalError
	require.ErrorAs(t, err, &me)
}

func TestEncodeRejectsValueWithNoIdentity(t *testing.T) {
	m := newTestMarshaler(NewIdentitySource(), NewIdentitySource())
	type opaque struct{ x int }
	_, err := m.Encode(opaque{x: 1})
	require.Error(t, err)
}
