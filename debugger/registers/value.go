package registers

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Valid types:
//
// 8-bit register: Uint[8], Int[8]
// 16-bit register: Uint[16], Int[16]
// 32-bit register: Uint[32], Int[32]
// 64-bit register: Uint[64], Int[64]
//
// uint is zero extended, int is sign extended.
type Value interface {
	Size() uintptr

	ToBytes() []byte

	ToUint64() uint64

	String() string
}

type Uint[T uint8 | uint16 | uint32 | uint64] struct {
	Value T
}

func (u Uint[T]) Size() uintptr {
	return unsafe.Sizeof(u.Value)
}

func (u Uint[T]) ToBytes() []byte {
	bytes := make([]byte, u.Size())

	_, err := binary.Encode(bytes, binary.LittleEndian, u.Value)
	if err != nil {
		panic(err)
	}

	return bytes
}

func (u Uint[T]) ToUint64() uint64 {
	return uint64(u.Value)
}

func (u Uint[T]) String() string {
	return fmt.Sprintf(fmt.Sprintf("0x%%0%dx", u.Size()*2), u.Value)
}

// Values are rendered as hex strings in yaml output.
func (u Uint[T]) MarshalYAML() (interface{}, error) {
	return u.String(), nil
}

type Uint8 = Uint[uint8]

func U8(v uint8) Value {
	return Uint8{
		Value: v,
	}
}

type Uint16 = Uint[uint16]

func U16(v uint16) Value {
	return Uint16{
		Value: v,
	}
}

type Uint32 = Uint[uint32]

func U32(v uint32) Value {
	return Uint32{
		Value: v,
	}
}

type Uint64 = Uint[uint64]

func U64(v uint64) Value {
	return Uint64{
		Value: v,
	}
}

type Int[T int8 | int16 | int32 | int64] struct {
	Value T
}

func (i Int[T]) Size() uintptr {
	return unsafe.Sizeof(i.Value)
}

func (i Int[T]) ToBytes() []byte {
	bytes := make([]byte, i.Size())

	_, err := binary.Encode(bytes, binary.LittleEndian, i.Value)
	if err != nil {
		panic(err)
	}

	return bytes
}

// The value is truncated to the register's width.  Sign extension beyond
// that width is discarded.
func (i Int[T]) ToUint64() uint64 {
	switch i.Size() {
	case 1:
		return uint64(uint8(i.Value))
	case 2:
		return uint64(uint16(i.Value))
	case 4:
		return uint64(uint32(i.Value))
	default:
		return uint64(i.Value)
	}
}

func (i Int[T]) String() string {
	return fmt.Sprintf("%d", i.Value)
}

type Int8 = Int[int8]

func I8(v int8) Value {
	return Int8{
		Value: v,
	}
}

type Int16 = Int[int16]

func I16(v int16) Value {
	return Int16{
		Value: v,
	}
}

type Int32 = Int[int32]

func I32(v int32) Value {
	return Int32{
		Value: v,
	}
}

type Int64 = Int[int64]

func I64(v int64) Value {
	return Int64{
		Value: v,
	}
}
