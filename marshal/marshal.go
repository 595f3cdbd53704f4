// Package marshal implements the value marshaler and proxy-table layer
// (component C2): it encodes arbitrary in-process values into tagged
// payload bytes, substituting proxy references for anything that isn't
// a simple immutable scalar or a tuple of such, and decodes the inverse.
package marshal

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/ugorji/go/codec"
)

// Tag bytes, the first byte of every marshaled payload.
const (
	TagSimple byte = 's'
	TagTuple  byte = 't'
	TagProxy  byte = 'p'
	TagOrigin byte = 'o'
)

// proxy sub-tag, the second byte of a 'p' payload.
const (
	subTagKnown        byte = 0
	subTagIntroduction byte = 1
)

// cborHandle decodes CBOR integers into interface{} slots (FrozenSet
// elements) as int64, so an int64 element round-trips unchanged.
var cborHandle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.SignedInteger = true
	return h
}()

// Marshaler encodes and decodes values for one connection, maintaining
// its four proxy tables. It is safe for concurrent use.
type Marshaler struct {
	tables *proxyTables

	capMask  CapabilityFunc
	classify ClassifyFunc
	factory  ProxyFactory
}

// New constructs a Marshaler. capMask, classify and factory are
// external collaborators; all three must be non-nil if the connection
// will ever marshal or unmarshal a value that is neither a simple scalar
// nor a Tuple.
func New(capMask CapabilityFunc, classify ClassifyFunc, factory ProxyFactory) *Marshaler {
	return &Marshaler{
		tables:   newProxyTables(),
		capMask:  capMask,
		classify: classify,
		factory:  factory,
	}
}

// Encode marshals v into its tagged wire representation.
func (m *Marshaler) Encode(v interface{}) ([]byte, error) {
	if env, ok := toScalarEnvelope(v); ok {
		body, err := encodeCBOR(env)
		if err != nil {
			return nil, &MarshalError{Reason: "encoding simple value: " + err.Error()}
		}
		return append([]byte{TagSimple}, body...), nil
	}

	if tup, ok := v.(Tuple); ok {
		return m.encodeTuple(tup)
	}

	ident, ok := v.(Identifiable)
	if !ok {
		return nil, newMarshalError("value of type %T is neither a simple scalar, a Tuple, nor Identifiable", v)
	}
	id := ident.ProxyIdentity()

	m.tables.mu.Lock()
	if _, already := m.tables.proxiedObjects[id]; already {
		m.tables.mu.Unlock()
		idBytes, err := encodeCBOR(id)
		if err != nil {
			return nil, &MarshalError{Reason: err.Error()}
		}
		return append([]byte{TagProxy, subTagKnown}, idBytes...), nil
	}
	if remoteID, ok := m.tables.proxyIDs[id]; ok {
		m.tables.mu.Unlock()
		idBytes, err := encodeCBOR(remoteID)
		if err != nil {
			return nil, &MarshalError{Reason: err.Error()}
		}
		return append([]byte{TagOrigin}, idBytes...), nil
	}
	// First time we've seen this object: introduce it.
	m.tables.proxiedObjects[id] = v
	m.tables.mu.Unlock()

	if m.capMask == nil || m.classify == nil {
		return nil, newMarshalError("no capability-mask/classifier collaborator configured to introduce object identity %d", id)
	}
	mask := m.capMask(v)
	kind, args, hasArgs := m.classify(v)

	intro := proxyIntroduction{ID: id, Mask: mask, Kind: kind, HasArgs: hasArgs}
	if hasArgs {
		argBlob, err := m.Encode(args)
		if err != nil {
			return nil, err
		}
		intro.ArgsBlob = argBlob
	}
	body, err := encodeCBOR(intro)
	if err != nil {
		return nil, &MarshalError{Reason: "encoding proxy introduction: " + err.Error()}
	}
	log.Debug().Uint64("id", uint64(id)).Msg("marshal: introducing new proxy")
	return append([]byte{TagProxy, subTagIntroduction}, body...), nil
}

func (m *Marshaler) encodeTuple(tup Tuple) ([]byte, error) {
	out := []byte{TagTuple}
	for _, item := range tup {
		part, err := m.Encode(item)
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(part)))
		out = append(out, lenBuf[:]...)
		out = append(out, part...)
	}
	return out, nil
}

// Decode unmarshals a tagged payload into the value it represents.
func (m *Marshaler) Decode(payload []byte) (interface{}, error) {
	if len(payload) == 0 {
		return nil, newMarshalError("empty payload")
	}
	switch payload[0] {
	case TagSimple:
		var env scalarEnvelope
		if err := decodeCBOR(payload[1:], &env); err != nil {
			return nil, &MarshalError{Reason: "decoding simple value: " + err.Error()}
		}
		return fromScalarEnvelope(env), nil

	case TagTuple:
		return m.decodeTuple(payload[1:])

	case TagProxy:
		if len(payload) < 2 {
			return nil, newMarshalError("truncated proxy payload")
		}
		return m.decodeProxy(payload[1], payload[2:])

	case TagOrigin:
		var id Identity
		if err := decodeCBOR(payload[1:], &id); err != nil {
			return nil, &MarshalError{Reason: "decoding origin reference: " + err.Error()}
		}
		m.tables.mu.Lock()
		obj, ok := m.tables.proxiedObjects[id]
		m.tables.mu.Unlock()
		if !ok {
			return nil, newMarshalError("origin reference to unknown local identity %d", id)
		}
		return obj, nil

	default:
		return nil, newMarshalError("unknown tag byte %q", payload[0])
	}
}

func (m *Marshaler) decodeTuple(rest []byte) (Tuple, error) {
	var parts Tuple
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, newMarshalError("truncated tuple length prefix")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return nil, newMarshalError("truncated tuple element")
		}
		elem, err := m.Decode(rest[:n])
		if err != nil {
			return nil, err
		}
		parts = append(parts, elem)
		rest = rest[n:]
	}
	return parts, nil
}

func (m *Marshaler) decodeProxy(subTag byte, rest []byte) (interface{}, error) {
	switch subTag {
	case subTagKnown:
		var id Identity
		if err := decodeCBOR(rest, &id); err != nil {
			return nil, &MarshalError{Reason: "decoding proxy identity: " + err.Error()}
		}
		m.tables.mu.Lock()
		if p, ok := m.tables.proxies[id]; ok {
			m.tables.mu.Unlock()
			return p, nil
		}
		m.tables.mu.Unlock()

		// The introducing descriptor hasn't arrived yet; wait for it off
		// the proxy-table mutex.
		m.tables.waitForIntroduction(id)

		m.tables.mu.Lock()
		p, ok := m.tables.proxies[id]
		m.tables.mu.Unlock()
		if !ok {
			return nil, newMarshalError("woke from pending-proxy wait but identity %d still missing", id)
		}
		return p, nil

	case subTagIntroduction:
		var intro proxyIntroduction
		if err := decodeCBOR(rest, &intro); err != nil {
			return nil, &MarshalError{Reason: "decoding proxy introduction: " + err.Error()}
		}
		var args interface{}
		if intro.HasArgs {
			a, err := m.Decode(intro.ArgsBlob)
			if err != nil {
				return nil, err
			}
			args = a
		}
		if m.factory == nil {
			return nil, newMarshalError("no proxy factory collaborator configured to build identity %d", intro.ID)
		}
		proxy, err := m.factory(intro.ID, intro.Mask, intro.Kind, args, m.tables.registerProxy)
		if err != nil {
			return nil, err
		}

		m.tables.mu.Lock()
		m.tables.signalPendingLocked(intro.ID)
		m.tables.mu.Unlock()

		return proxy, nil

	default:
		return nil, newMarshalError("unknown proxy sub-tag %d", subTag)
	}
}

func encodeCBOR(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCBOR(data []byte, into interface{}) error {
	dec := codec.NewDecoderBytes(data, cborHandle)
	return dec.Decode(into)
}

// identitySource hands out process-unique identities for local objects
// that have no more natural notion of their own identity. A plain
// atomic counter is used here instead of a UUID because Identity must
// be cheap to carry in a CBOR tuple repeatedly and compare for map
// lookups, not globally unique across processes.
type identitySource struct{ next uint64 }

// NewIdentitySource returns a generator of fresh Identity values,
// starting from 1 (0 is never issued, so the zero value of Identity can
// be used as a sentinel for "no identity").
func NewIdentitySource() func() Identity {
	src := &identitySource{}
	return func() Identity {
		return Identity(atomic.AddUint64(&src.next, 1))
	}
}
