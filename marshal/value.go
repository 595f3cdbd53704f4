package marshal

import "fmt"

// Identity is an opaque, stable handle naming an in-process object on
// its originating peer. It is meaningful only to that peer; the other
// side never reinterprets it, only echoes it back.
type Identity uint64

// Identifiable is implemented by any local value that may cross the
// connection boundary as a proxy (i.e. anything that is neither a
// simple scalar nor a Tuple of such). Go has no equivalent of Python's
// id(obj), so the identity must be carried by the value itself,
// assigned once at construction by whoever creates it.
type Identifiable interface {
	ProxyIdentity() Identity
}

// Tuple is a fixed-arity, ordered sequence of values, encoded and
// decoded recursively with the 't' tag.
type Tuple []interface{}

// Slice represents Python's builtin slice(start, stop, step) object -
// one of the simple immutable scalar types. It has nothing to do with
// a Go slice.
type Slice struct {
	Start, Stop, Step *int64
}

// FrozenSet is an immutable, unordered collection of simple values.
type FrozenSet []interface{}

// Complex128 is carried explicitly (rather than relying on the codec's
// native support, which ugorji/go/codec does not have for Go's builtin
// complex types) so it round-trips through the 's' tag like the other
// simple scalars.
type Complex128 complex128

// scalarEnvelope is the wire shape every 's'-tagged payload encodes to.
// Exactly one field is set; Kind disambiguates nil from an absent
// field, and lets the decoder rebuild the exact static type (bool vs.
// int64 vs. string, etc.) instead of guessing from the CBOR major type.
type scalarEnvelope struct {
	Kind  byte // see scalarKind* constants
	Bool  bool
	I64   int64
	U64   uint64
	F64   float64
	Re    float64
	Im    float64
	Bytes []byte
	Str   string
	Slice *Slice
	Set   []interface{}
}

const (
	scalarKindNil byte = iota
	scalarKindBool
	scalarKindInt64
	scalarKindUint64
	scalarKindFloat64
	scalarKindComplex128
	scalarKindBytes
	scalarKindString
	scalarKindSlice
	scalarKindFrozenSet
)

// proxyIntroduction is the 'p'-tag payload shape for a newly introduced
// local object: identity, capability mask, proxy kind, and optional
// marshaled constructor arguments.
type proxyIntroduction struct {
	ID       Identity
	Mask     CapabilityMask
	Kind     ProxyKind
	HasArgs  bool
	ArgsBlob []byte
}

// CapabilityMask enumerates which polymorphic operations a proxied
// object supports, computed by the external capability-mask function
// and transmitted so the peer's proxy advertises the same capabilities.
type CapabilityMask uint64

// ProxyKind is an opaque tag identifying which concrete proxy facade the
// peer should construct; its meaning belongs entirely to the external
// proxy-kind classifier and proxy factory.
type ProxyKind uint8

// MarshalError is raised when encoding encounters a value with no
// identity and no simple/tuple structure, or when decoding encounters
// an unknown tag byte or malformed payload.
type MarshalError struct {
	Reason string
}

func (e *MarshalError) Error() string { return fmt.Sprintf("marshal: %s", e.Reason) }

func newMarshalError(format string, args ...interface{}) *MarshalError {
	return &MarshalError{Reason: fmt.Sprintf(format, args...)}
}
