package table

import (
	"encoding/json"
	"math/big"

	"github.com/koustreak/blockidx/internal/errs"
	"github.com/spf13/cast"
)

// toColumn casts a row value to the representation bound for col's type.
// nil passes through so nullable columns can be cleared.
func toColumn(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	var (
		out any
		err error
	)
	switch col.Type {
	case TypeString, TypeText:
		out, err = cast.ToStringE(v)
	case TypeInteger:
		out, err = cast.ToInt64E(v)
	case TypeBigInteger:
		out, err = toInt64(v)
	case TypeFloat:
		out, err = cast.ToFloat64E(v)
	case TypeBoolean:
		out, err = cast.ToBoolE(v)
	case TypeJSON:
		out, err = toJSON(v)
	default:
		return nil, errs.Newf(errs.ErrKindUnsupportedType, "column %s has unknown type %q", col.Name, col.Type)
	}
	if err != nil {
		if errs.KindOf(err) != errs.ErrKindUnknown {
			return nil, err
		}
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "cannot store value in column "+col.Name, err)
	}
	return out, nil
}

// fromColumn decodes a scanned value back to col's Go type. Values the
// driver returned in an unexpected shape are kept as scanned.
func fromColumn(col Column, v any) any {
	if v == nil {
		return nil
	}

	var (
		out any
		err error
	)
	switch col.Type {
	case TypeString, TypeText:
		out, err = cast.ToStringE(v)
	case TypeInteger, TypeBigInteger:
		out, err = cast.ToInt64E(v)
	case TypeFloat:
		out, err = cast.ToFloat64E(v)
	case TypeBoolean:
		out, err = cast.ToBoolE(v)
	case TypeJSON:
		var doc any
		s, serr := cast.ToStringE(v)
		if serr != nil {
			return v
		}
		err = json.Unmarshal([]byte(s), &doc)
		out = doc
	default:
		return v
	}
	if err != nil {
		return v
	}
	return out
}

// toInt64 accepts *big.Int and decimal strings as well as the numeric kinds
// cast understands, refusing values outside the BIGINT range.
func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case *big.Int:
		if t == nil {
			return 0, errs.New(errs.ErrKindInvalidInput, "nil big integer")
		}
		if !t.IsInt64() {
			return 0, errs.Newf(errs.ErrKindInvalidInput, "%s overflows a 64-bit column", t)
		}
		return t.Int64(), nil
	case string:
		n, ok := new(big.Int).SetString(t, 10)
		if !ok {
			return 0, errs.Newf(errs.ErrKindInvalidInput, "%q is not an integer", t)
		}
		return toInt64(n)
	}
	return cast.ToInt64E(v)
}

// toJSON stores documents as JSON text. A string that already holds valid
// JSON is stored as is.
func toJSON(v any) (string, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if !json.Valid(t) {
			return "", errs.New(errs.ErrKindInvalidInput, "invalid JSON document")
		}
		return string(t), nil
	case string:
		if json.Valid([]byte(t)) {
			return t, nil
		}
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return "", errs.Wrap(errs.ErrKindInvalidInput, "value is not JSON-encodable", err)
	}
	return string(doc), nil
}
