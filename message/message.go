// Package message defines the values exchanged with a bridge server.
//
// A Value is the "envelope" for every argument and every return value. It is a
// tagged union mirroring the wire type tags: the codec layer turns a Value into
// one tagged command segment, and turns a response line back into a Value.
//
// Values are built deliberately by the caller through the constructors below;
// nothing in this package sniffs the shape of arbitrary Go values.
package message

import (
	"fmt"
	"math"
	"math/big"
)

// Kind identifies which variant of the union a Value holds.
type Kind uint8

const (
	KindNull    Kind = iota // absent value
	KindBool                // boolean
	KindInt                 // integral number; encoded as int or long depending on range
	KindLong                // explicitly long / arbitrary precision integer
	KindDouble              // floating point, including NaN and ±Inf
	KindDecimal             // decimal carried as its string representation
	KindString              // UTF-8 text
	KindBytes               // byte sequence
	KindRef                 // reference to a live remote object
	KindProxy               // local object exposed through a set of remote interfaces
	KindVoid                // no value (void method)
	KindRaw                 // unrecognised tag, payload passed through untouched
)

var kindNames = [...]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindInt:     "int",
	KindLong:    "long",
	KindDouble:  "double",
	KindDecimal: "decimal",
	KindString:  "string",
	KindBytes:   "bytes",
	KindRef:     "ref",
	KindProxy:   "proxy",
	KindVoid:    "void",
	KindRaw:     "raw",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is one wire value. The zero Value is null.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	big    *big.Int
	f      float64
	s      string   // string, decimal text, reference id, proxy id or raw payload
	bytes  []byte
	ifaces []string // proxy interfaces
	obj    any      // proxied local object
	tag    byte     // raw tag
}

func Null() Value { return Value{kind: KindNull} }

func Void() Value { return Value{kind: KindVoid} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int is an integral number. Values inside the 32-bit signed range travel as
// int, anything wider is promoted to long.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Long is an explicitly typed long; it always travels as long.
func Long(i int64) Value { return Value{kind: KindLong, big: big.NewInt(i)} }

// BigInt is an arbitrary precision integer. A nil x is treated as zero.
func BigInt(x *big.Int) Value {
	if x == nil {
		x = new(big.Int)
	}
	return Value{kind: KindLong, big: new(big.Int).Set(x)}
}

func Double(f float64) Value { return Value{kind: KindDouble, f: f} }

// Decimal carries an exact decimal through its textual representation, e.g. "3.14159".
func Decimal(text string) Value { return Value{kind: KindDecimal, s: text} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: b} }

// Ref refers to an object that already lives on the remote side.
func Ref(id string) Value { return Value{kind: KindRef, s: id} }

// Proxy exposes obj to the remote side as an implementation of the named
// interfaces. The proxy id is assigned at encode time by a ProxyPool.
func Proxy(obj any, interfaces ...string) Value {
	return Value{kind: KindProxy, obj: obj, ifaces: interfaces}
}

// Raw is a value whose tag this client does not understand.
func Raw(tag byte, payload string) Value { return Value{kind: KindRaw, tag: tag, s: payload} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool { return v.b }

// Int64 returns the integral value. For long values it reports false when the
// number does not fit in 64 bits.
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindLong:
		if v.big.IsInt64() {
			return v.big.Int64(), true
		}
	}
	return 0, false
}

// BigInt returns a copy of the integral value as a big.Int, or nil.
func (v Value) BigInt() *big.Int {
	switch v.kind {
	case KindInt:
		return big.NewInt(v.i)
	case KindLong:
		return new(big.Int).Set(v.big)
	}
	return nil
}

func (v Value) Float64() float64 {
	switch v.kind {
	case KindDouble:
		return v.f
	case KindInt:
		return float64(v.i)
	case KindLong:
		f, _ := new(big.Float).SetInt(v.big).Float64()
		return f
	}
	return math.NaN()
}

// Text returns the textual payload of string, decimal, ref, proxy and raw values.
func (v Value) Text() string { return v.s }

func (v Value) Bytes() []byte { return v.bytes }

// RefID returns the remote object id of a reference value.
func (v Value) RefID() string {
	if v.kind == KindRef {
		return v.s
	}
	return ""
}

func (v Value) Interfaces() []string { return v.ifaces }

func (v Value) Object() any { return v.obj }

// Tag returns the wire tag of a raw value.
func (v Value) Tag() byte { return v.tag }

// Interface converts the value into a plain Go value: nil, bool, int64,
// *big.Int, float64, string, []byte. References, proxies and raw values
// return their textual payload.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull, KindVoid:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindLong:
		if v.big.IsInt64() {
			return v.big.Int64()
		}
		return new(big.Int).Set(v.big)
	case KindDouble:
		return v.f
	case KindBytes:
		return v.bytes
	case KindProxy:
		return v.obj
	}
	return v.s
}

func (v Value) String() string {
	switch v.kind {
	case KindNull, KindVoid:
		return v.kind.String()
	case KindRef:
		return "ref(" + v.s + ")"
	case KindRaw:
		return fmt.Sprintf("raw(%c:%s)", v.tag, v.s)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	}
	return fmt.Sprint(v.Interface())
}
