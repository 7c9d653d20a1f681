package od

import (
	"encoding/binary"
	"errors"
	"math"
)

// Kind tags a decoded dictionary value by its storage width.
type Kind uint8

const (
	KindU8 Kind = iota + 1
	KindU16
	KindU32
	KindU64
)

// Size returns the storage width of the kind in bytes.
func (k Kind) Size() int {
	switch k {
	case KindU8:
		return 1
	case KindU16:
		return 2
	case KindU32:
		return 4
	case KindU64:
		return 8
	}
	return 0
}

// Value is a decoded numeric slot. Signed and float interpretations are
// casts of Bits; the width is the authoritative type information.
type Value struct {
	Kind Kind
	Bits uint64
}

// ErrWidth is returned when a raw slot has no numeric interpretation.
var ErrWidth = errors.New("od: slot width is not a numeric type")

// Decode maps a raw slot to a tagged value based on its declared length.
// Slots of any other length (strings, domains) yield ErrWidth; they are
// never reinterpreted.
func Decode(b []byte) (Value, error) {
	switch len(b) {
	case 1:
		return Value{KindU8, uint64(b[0])}, nil
	case 2:
		return Value{KindU16, uint64(binary.LittleEndian.Uint16(b))}, nil
	case 4:
		return Value{KindU32, uint64(binary.LittleEndian.Uint32(b))}, nil
	case 8:
		return Value{KindU64, binary.LittleEndian.Uint64(b)}, nil
	}
	return Value{}, ErrWidth
}

// encodeBits writes bits into b using the width of b. b must have a
// numeric width; callers check that via entry length first.
func encodeBits(b []byte, bits uint64) {
	switch len(b) {
	case 1:
		b[0] = uint8(bits)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(bits))
	case 8:
		binary.LittleEndian.PutUint64(b, bits)
	}
}

// Default-value constructors for dictionary table definitions.

func Uint8(v uint8) []byte { return []byte{v} }
func Uint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func Uint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func Uint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func Int8(v int8) []byte   { return Uint8(uint8(v)) }
func Int16(v int16) []byte { return Uint16(uint16(v)) }
func Int32(v int32) []byte { return Uint32(uint32(v)) }
func Int64(v int64) []byte { return Uint64(uint64(v)) }

func Float32(v float32) []byte { return Uint32(math.Float32bits(v)) }

// VisibleString builds an n byte string slot holding s, truncated if
// needed and always terminated within the bound.
func VisibleString(s string, n int) []byte {
	b := make([]byte, n)
	copy(b[:n-1], s)
	return b
}
