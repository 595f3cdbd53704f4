package marshal

// toScalarEnvelope classifies v as one of the simple immutable scalar
// kinds, returning ok=false for anything else (tuples, proxies, and
// everything that needs an identity).
func toScalarEnvelope(v interface{}) (scalarEnvelope, bool) {
	switch t := v.(type) {
	case nil:
		return scalarEnvelope{Kind: scalarKindNil}, true
	case bool:
		return scalarEnvelope{Kind: scalarKindBool, Bool: t}, true
	case int:
		return scalarEnvelope{Kind: scalarKindInt64, I64: int64(t)}, true
	case int8:
		return scalarEnvelope{Kind: scalarKindInt64, I64: int64(t)}, true
	case int16:
		return scalarEnvelope{Kind: scalarKindInt64, I64: int64(t)}, true
	case int32:
		return scalarEnvelope{Kind: scalarKindInt64, I64: int64(t)}, true
	case int64:
		return scalarEnvelope{Kind: scalarKindInt64, I64: t}, true
	case uint:
		return scalarEnvelope{Kind: scalarKindUint64, U64: uint64(t)}, true
	case uint8:
		return scalarEnvelope{Kind: scalarKindUint64, U64: uint64(t)}, true
	case uint16:
		return scalarEnvelope{Kind: scalarKindUint64, U64: uint64(t)}, true
	case uint32:
		return scalarEnvelope{Kind: scalarKindUint64, U64: uint64(t)}, true
	case uint64:
		return scalarEnvelope{Kind: scalarKindUint64, U64: t}, true
	case float32:
		return scalarEnvelope{Kind: scalarKindFloat64, F64: float64(t)}, true
	case float64:
		return scalarEnvelope{Kind: scalarKindFloat64, F64: t}, true
	case complex64:
		return scalarEnvelope{Kind: scalarKindComplex128, Re: float64(real(t)), Im: float64(imag(t))}, true
	case Complex128:
		return scalarEnvelope{Kind: scalarKindComplex128, Re: real(complex128(t)), Im: imag(complex128(t))}, true
	case complex128:
		return scalarEnvelope{Kind: scalarKindComplex128, Re: real(t), Im: imag(t)}, true
	case []byte:
		return scalarEnvelope{Kind: scalarKindBytes, Bytes: t}, true
	case string:
		return scalarEnvelope{Kind: scalarKindString, Str: t}, true
	case Slice:
		s := t
		return scalarEnvelope{Kind: scalarKindSlice, Slice: &s}, true
	case FrozenSet:
		return scalarEnvelope{Kind: scalarKindFrozenSet, Set: []interface{}(t)}, true
	default:
		return scalarEnvelope{}, false
	}
}

// fromScalarEnvelope is the inverse of toScalarEnvelope up to width:
// every signed integer type comes back as int64, every unsigned one as
// uint64, float32 as float64, and complex64/complex128 as Complex128.
// Integer elements of a FrozenSet come back as int64.
func fromScalarEnvelope(env scalarEnvelope) interface{} {
	switch env.Kind {
	case scalarKindNil:
		return nil
	case scalarKindBool:
		return env.Bool
	case scalarKindInt64:
		return env.I64
	case scalarKindUint64:
		return env.U64
	case scalarKindFloat64:
		return env.F64
	case scalarKindComplex128:
		return Complex128(complex(env.Re, env.Im))
	case scalarKindBytes:
		return env.Bytes
	case scalarKindString:
		return env.Str
	case scalarKindSlice:
		if env.Slice == nil {
			return Slice{}
		}
		return *env.Slice
	case scalarKindFrozenSet:
		return FrozenSet(env.Set)
	default:
		return nil
	}
}
