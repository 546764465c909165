package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies the scalar type held by a Value
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindBigInt
	KindBytes
	KindJSON
	KindBool
)

var kindNames = map[Kind]string{
	KindString: "string",
	KindInt:    "int",
	KindBigInt: "bigint",
	KindBytes:  "bytes",
	KindJSON:   "json",
	KindBool:   "bool",
}

// String returns the wire name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a wire name back to a Kind
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown value kind %q", name)
}

// Value is a typed entity field value. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  int64
	big  *big.Int
	raw  []byte
	flag bool
}

func String(s string) Value { return Value{kind: KindString, str: s} }

func Int(n int64) Value { return Value{kind: KindInt, num: n} }

func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// BigInt copies n so later mutation by the caller does not leak in
func BigInt(n *big.Int) Value {
	if n == nil {
		return Value{}
	}
	return Value{kind: KindBigInt, big: new(big.Int).Set(n)}
}

func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: bytes.Clone(b)}
}

// JSON wraps an already encoded JSON document. The document is compacted so
// equal documents compare equal regardless of whitespace.
func JSON(doc []byte) (Value, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return Value{}, fmt.Errorf("invalid json value: %w", err)
	}
	return Value{kind: KindJSON, raw: buf.Bytes()}, nil
}

func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value carries no data
func (v Value) IsNull() bool { return v.kind == 0 }

func (v Value) Str() string { return v.str }

func (v Value) Int64() int64 { return v.num }

func (v Value) Boolean() bool { return v.flag }

func (v Value) Big() *big.Int {
	if v.big == nil {
		return nil
	}
	return new(big.Int).Set(v.big)
}

func (v Value) Raw() []byte { return bytes.Clone(v.raw) }

// Clone returns a deep copy of v
func (v Value) Clone() Value {
	c := v
	if v.big != nil {
		c.big = new(big.Int).Set(v.big)
	}
	if v.raw != nil {
		c.raw = bytes.Clone(v.raw)
	}
	return c
}

// Equal compares kind and payload
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.num == o.num
	case KindBool:
		return v.flag == o.flag
	case KindBigInt:
		return v.big.Cmp(o.big) == 0
	case KindBytes, KindJSON:
		return bytes.Equal(v.raw, o.raw)
	default:
		return true
	}
}

// Compare orders values of the same kind naturally. Values of different
// kinds order by kind, null first.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindString:
		switch {
		case v.str < o.str:
			return -1
		case v.str > o.str:
			return 1
		}
		return 0
	case KindInt:
		switch {
		case v.num < o.num:
			return -1
		case v.num > o.num:
			return 1
		}
		return 0
	case KindBool:
		switch {
		case v.flag == o.flag:
			return 0
		case !v.flag:
			return -1
		}
		return 1
	case KindBigInt:
		return v.big.Cmp(o.big)
	case KindBytes, KindJSON:
		return bytes.Compare(v.raw, o.raw)
	default:
		return 0
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		return strconv.FormatBool(v.flag)
	case KindBigInt:
		return v.big.String()
	case KindBytes:
		return fmt.Sprintf("0x%x", v.raw)
	case KindJSON:
		return string(v.raw)
	default:
		return "null"
	}
}

// canonical returns the deterministic byte form of the payload
func (v Value) canonical() []byte {
	switch v.kind {
	case KindString:
		return []byte(v.str)
	case KindInt:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.num))
		return b[:]
	case KindBool:
		if v.flag {
			return []byte{1}
		}
		return []byte{0}
	case KindBigInt:
		return []byte(v.big.String())
	case KindBytes, KindJSON:
		return v.raw
	default:
		return nil
	}
}

type wireValue struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}. Big integers
// are written as JSON numbers so the store can order them numerically.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == 0 {
		return []byte("null"), nil
	}
	var payload []byte
	var err error
	switch v.kind {
	case KindString:
		payload, err = json.Marshal(v.str)
	case KindInt:
		payload = []byte(strconv.FormatInt(v.num, 10))
	case KindBool:
		payload = []byte(strconv.FormatBool(v.flag))
	case KindBigInt:
		payload = []byte(v.big.String())
	case KindBytes:
		payload, err = json.Marshal(v.raw)
	case KindJSON:
		payload = v.raw
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind.String(), Value: payload})
}

// UnmarshalJSON reverses MarshalJSON
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Value{}
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case KindString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case KindInt:
		n, err := strconv.ParseInt(string(w.Value), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid int value: %w", err)
		}
		*v = Int(n)
	case KindBool:
		b, err := strconv.ParseBool(string(w.Value))
		if err != nil {
			return fmt.Errorf("invalid bool value: %w", err)
		}
		*v = Bool(b)
	case KindBigInt:
		n, ok := new(big.Int).SetString(string(w.Value), 10)
		if !ok {
			return fmt.Errorf("invalid bigint value %q", w.Value)
		}
		*v = Value{kind: KindBigInt, big: n}
	case KindBytes:
		var b []byte
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return err
		}
		*v = Value{kind: KindBytes, raw: b}
	case KindJSON:
		parsed, err := JSON(w.Value)
		if err != nil {
			return err
		}
		*v = parsed
	}
	return nil
}

type cborValue struct {
	_    struct{} `cbor:",toarray"`
	Kind uint8
	Data []byte
}

// MarshalCBOR encodes the value as a two element array [kind, canonical bytes]
func (v Value) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(cborValue{Kind: uint8(v.kind), Data: v.canonical()})
}
