package litequery

import (
	"fmt"
	"strconv"
)

// Kind identifies which variant of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Value is the tagged union the engine exchanges with Go code: Null,
// Integer(i64), Real(f64), Text(string) or Blob(bytes). Exactly one of the
// typed fields is meaningful, selected by Kind.
//
// The engine cannot represent an empty blob distinctly from an absent one;
// NewBlob normalizes a zero-length byte slice to Null, matching the
// round-trip contract documented on the engine's own Value type.
type Value struct {
	kind    Kind
	integer int64
	real    float64
	text    string
	blob    []byte
}

// Null is the canonical Null value.
var Null = Value{kind: KindNull}

func NewInteger(i int64) Value { return Value{kind: KindInteger, integer: i} }
func NewReal(f float64) Value  { return Value{kind: KindReal, real: f} }
func NewText(s string) Value   { return Value{kind: KindText, text: s} }

// NewBlob constructs a Blob value. A nil or zero-length slice normalizes to
// Null, since the engine has no way to distinguish an empty blob from one
// that was never set.
func NewBlob(b []byte) Value {
	if len(b) == 0 {
		return Null
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBlob, blob: cp}
}

// NewBool stores the Boolean projection: zero-or-nonzero Integer.
func NewBool(b bool) Value {
	if b {
		return NewInteger(1)
	}
	return NewInteger(0)
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Integer returns the stored integer, widening from Real by truncation and
// from Text by parsing, matching the engine's numeric-widens-to-numeric
// conversion contract. ok is false on Null or on an unparsable Text value.
func (v Value) Integer() (int64, bool) {
	switch v.kind {
	case KindInteger:
		return v.integer, true
	case KindReal:
		return int64(v.real), true
	case KindText:
		i, err := strconv.ParseInt(v.text, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Real returns the stored value widened to float64.
func (v Value) Real() (float64, bool) {
	switch v.kind {
	case KindReal:
		return v.real, true
	case KindInteger:
		return float64(v.integer), true
	case KindText:
		f, err := strconv.ParseFloat(v.text, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Text returns the UTF-8 text representation. Every non-Blob, non-Null kind
// has a canonical text form.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindText:
		return v.text, true
	case KindInteger:
		return strconv.FormatInt(v.integer, 10), true
	case KindReal:
		return strconv.FormatFloat(v.real, 'g', -1, 64), true
	default:
		return "", false
	}
}

// Blob returns the raw bytes without copying. The returned slice shares
// memory with the Value and must not be mutated by the caller; callers that
// need an independent copy should clone it themselves.
func (v Value) Blob() ([]byte, bool) {
	if v.kind != KindBlob {
		return nil, false
	}
	return v.blob, true
}

// Bool is the zero-or-nonzero projection of Integer (or the Real/Text
// equivalent, widened first).
func (v Value) Bool() (bool, bool) {
	i, ok := v.Integer()
	if !ok {
		return false, false
	}
	return i != 0, true
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInteger:
		return strconv.FormatInt(v.integer, 10)
	case KindReal:
		return strconv.FormatFloat(v.real, 'g', -1, 64)
	case KindText:
		return fmt.Sprintf("%q", v.text)
	case KindBlob:
		return fmt.Sprintf("x'%x'", v.blob)
	default:
		return "?"
	}
}

// Equal implements the row-equality contract: two Values are equal iff
// their Kind and underlying representation match exactly (no cross-kind
// numeric widening during comparison).
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInteger:
		return v.integer == other.integer
	case KindReal:
		return v.real == other.real
	case KindText:
		return v.text == other.text
	case KindBlob:
		if len(v.blob) != len(other.blob) {
			return false
		}
		for i := range v.blob {
			if v.blob[i] != other.blob[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// driverArg returns the representation passed to database/sql as a bind
// argument.
func (v Value) driverArg() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindInteger:
		return v.integer
	case KindReal:
		return v.real
	case KindText:
		return v.text
	case KindBlob:
		return v.blob
	default:
		return nil
	}
}

// valueFromDriver converts a value produced by database/sql column
// scanning (always one of nil, int64, float64, string, []byte, bool, or
// time.Time for the mattn/go-sqlite3 driver) into a Value.
func valueFromDriver(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null
	case int64:
		return NewInteger(x)
	case int:
		return NewInteger(int64(x))
	case float64:
		return NewReal(x)
	case string:
		return NewText(x)
	case []byte:
		return NewBlob(x)
	case bool:
		return NewBool(x)
	default:
		return NewText(fmt.Sprintf("%v", x))
	}
}

// ValueConvertible is implemented by client types that can produce a Value
// from themselves. It is one of the two small capability interfaces that
// replace the engine's dynamically-dispatched conversion protocols (see
// SPEC_FULL.md design note on dynamic column typing).
type ValueConvertible interface {
	ToValue() Value
}

// FromValue is implemented by client types that can reconstruct themselves
// from a Value. It is the reciprocal of ValueConvertible.
type FromValue interface {
	FromValue(Value) error
}

// FastScanner is an optional capability interface: a type implementing it
// can be populated directly from the engine's typed column readers,
// bypassing the intermediate Value allocation on the hot path of "required
// typed with fast path" extraction (spec §4.2, overload 4).
type FastScanner interface {
	ScanFast(dest *Row, index int) error
}
