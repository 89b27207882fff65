package kv

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/koustreak/blockidx/internal/errs"
)

// Kind is the discriminant stored in the type column.
type Kind string

const (
	KindBoolean   Kind = "boolean"
	KindNumber    Kind = "number"
	KindBigInt    Kind = "bigint"
	KindString    Kind = "string"
	KindUndefined Kind = "undefined"
)

// Value is a tagged union of the types the store can hold. The zero Value
// is Undefined.
type Value struct {
	kind    Kind
	b       bool
	i       int64
	f       float64
	isFloat bool
	n       *big.Int
	s       string
}

func Bool(b bool) Value { return Value{kind: KindBoolean, b: b} }

func Int(i int64) Value { return Value{kind: KindNumber, i: i} }

func Float(f float64) Value { return Value{kind: KindNumber, f: f, isFloat: true} }

// BigInt copies n; a nil n is Undefined.
func BigInt(n *big.Int) Value {
	if n == nil {
		return Undefined()
	}
	return Value{kind: KindBigInt, n: new(big.Int).Set(n)}
}

func String(s string) Value { return Value{kind: KindString, s: s} }

func Undefined() Value { return Value{kind: KindUndefined} }

// Kind returns the value's discriminant.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindUndefined
	}
	return v.kind
}

func (v Value) IsUndefined() bool { return v.Kind() == KindUndefined }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBoolean }

// AsInt returns integral numbers. Floats with no fractional part convert.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if !v.isFloat {
		return v.i, true
	}
	if v.f != math.Trunc(v.f) || v.f > math.MaxInt64 || v.f < math.MinInt64 {
		return 0, false
	}
	return int64(v.f), true
}

func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.isFloat {
		return v.f, true
	}
	return float64(v.i), true
}

// AsBigInt returns a copy of bigint values, and integral numbers widened.
func (v Value) AsBigInt() (*big.Int, bool) {
	switch v.kind {
	case KindBigInt:
		return new(big.Int).Set(v.n), true
	case KindNumber:
		if i, ok := v.AsInt(); ok {
			return big.NewInt(i), true
		}
	}
	return nil, false
}

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Any returns the value as a plain Go value: bool, int64, float64,
// *big.Int, string, or nil for Undefined.
func (v Value) Any() any {
	switch v.kind {
	case KindBoolean:
		return v.b
	case KindNumber:
		if v.isFloat {
			return v.f
		}
		return v.i
	case KindBigInt:
		return new(big.Int).Set(v.n)
	case KindString:
		return v.s
	default:
		return nil
	}
}

// String renders the value as stored; Undefined renders as "undefined".
func (v Value) String() string {
	if enc, ok := v.encode(); ok {
		return enc
	}
	return string(KindUndefined)
}

// Equal compares kind and content. Int(2) and Float(2) are equal.
func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindNumber:
		if !v.isFloat && !o.isFloat {
			return v.i == o.i
		}
		a, _ := v.AsFloat()
		b, _ := o.AsFloat()
		return a == b
	case KindBigInt:
		return v.n.Cmp(o.n) == 0
	default:
		return v.b == o.b && v.s == o.s
	}
}

// encode returns the text stored in the value column; false means NULL.
func (v Value) encode() (string, bool) {
	switch v.kind {
	case KindBoolean:
		return strconv.FormatBool(v.b), true
	case KindNumber:
		if v.isFloat {
			return strconv.FormatFloat(v.f, 'g', -1, 64), true
		}
		return strconv.FormatInt(v.i, 10), true
	case KindBigInt:
		return v.n.String(), true
	case KindString:
		return v.s, true
	default:
		return "", false
	}
}

// decode rebuilds a value from its stored text and discriminant.
func decode(kind string, raw any) (Value, error) {
	if Kind(kind) == KindUndefined || kind == "" {
		return Undefined(), nil
	}
	if raw == nil {
		return Value{}, errs.Newf(errs.ErrKindQueryFailed, "stored %s value is NULL", kind)
	}
	text := fmt.Sprint(raw)

	switch Kind(kind) {
	case KindBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, errs.Wrap(errs.ErrKindQueryFailed, "stored boolean is corrupt", err)
		}
		return Bool(b), nil
	case KindNumber:
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return Int(i), nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, errs.Wrap(errs.ErrKindQueryFailed, "stored number is corrupt", err)
		}
		return Float(f), nil
	case KindBigInt:
		n, ok := new(big.Int).SetString(text, 10)
		if !ok {
			return Value{}, errs.Newf(errs.ErrKindQueryFailed, "stored bigint %q is corrupt", text)
		}
		return Value{kind: KindBigInt, n: n}, nil
	case KindString:
		return String(text), nil
	default:
		return Value{}, errs.Newf(errs.ErrKindUnsupportedType, "unknown stored type %q", kind)
	}
}

// FromAny converts a dynamic Go value. Only booleans, numbers, big
// integers, strings and nil are representable; anything else is
// ErrKindUnsupportedType.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Undefined(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case *big.Int:
		return BigInt(t), nil
	case string:
		return String(t), nil
	default:
		return Value{}, errs.Newf(errs.ErrKindUnsupportedType, "cannot store a %T in the key-value store", x)
	}
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return BigInt(new(big.Int).SetUint64(u))
	}
	return Int(int64(u))
}
