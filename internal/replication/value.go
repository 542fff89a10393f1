package replication

// ValueKind discriminates the payload carried by a Value.
type ValueKind uint8

const (
	// ValueNumber holds a float64.
	ValueNumber ValueKind = iota + 1
	// ValueString holds a UTF-8 string.
	ValueString
	// ValueVector holds a Vec3.
	ValueVector
	// ValueBool holds a boolean.
	ValueBool
	// ValueTimestamp holds a unix-millisecond instant.
	ValueTimestamp
)

// Vec3 is a plain three-component vector used for positions, Euler rotations
// and scales.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Value is the typed payload stored under one variable key. The zero Value
// (Kind 0) is invalid and never stored.
type Value struct {
	Kind  ValueKind `json:"kind"`
	Num   float64   `json:"num,omitempty"`
	Str   string    `json:"str,omitempty"`
	Vec   Vec3      `json:"vec,omitzero"`
	Flag  bool      `json:"flag,omitempty"`
	Stamp int64     `json:"stamp,omitempty"`
}

// NumberValue wraps a float64.
func NumberValue(v float64) Value { return Value{Kind: ValueNumber, Num: v} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{Kind: ValueString, Str: v} }

// VectorValue wraps a Vec3.
func VectorValue(v Vec3) Value { return Value{Kind: ValueVector, Vec: v} }

// BoolValue wraps a boolean.
func BoolValue(v bool) Value { return Value{Kind: ValueBool, Flag: v} }

// TimestampValue wraps a unix-millisecond instant.
func TimestampValue(millis int64) Value { return Value{Kind: ValueTimestamp, Stamp: millis} }

// Equal reports whether two values carry the same kind and payload.
func (v Value) Equal(other Value) bool {
	return v == other
}

// Valid reports whether the value carries a known kind.
func (v Value) Valid() bool {
	switch v.Kind {
	case ValueNumber, ValueString, ValueVector, ValueBool, ValueTimestamp:
		return true
	default:
		return false
	}
}
