package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// Codec reads and writes one scalar in raw memory.
// Get never fails on a buffer of at least Size bytes.
type Codec struct {
	Get  func(b []byte) any
	Set  func(b []byte, v any) error
	Size int
}

// Class groups scalar codes by how their values convert.
type Class uint8

const (
	ClassSigned Class = iota + 1
	ClassUnsigned
	ClassFloat
	ClassChar
	ClassWChar
	ClassBool
	ClassAddress
)

// For returns the codec for a scalar class of the given size.
func For(class Class, size int, order binary.ByteOrder) (Codec, error) {
	switch class {
	case ClassSigned:
		return Codec{Size: size, Get: func(b []byte) any { return SignExtend(ReadUint(b, size, order), size) }, Set: intSetter(size, order)}, nil
	case ClassUnsigned:
		return Codec{Size: size, Get: func(b []byte) any { return ReadUint(b, size, order) }, Set: intSetter(size, order)}, nil
	case ClassFloat:
		switch size {
		case 4:
			return Codec{Size: 4, Get: func(b []byte) any {
				return float64(math.Float32frombits(order.Uint32(b)))
			}, Set: func(b []byte, v any) error {
				f, err := ToFloat(v)
				if err != nil {
					return err
				}
				order.PutUint32(b, math.Float32bits(float32(f)))
				return nil
			}}, nil
		case 8:
			return Codec{Size: 8, Get: func(b []byte) any {
				return math.Float64frombits(order.Uint64(b))
			}, Set: func(b []byte, v any) error {
				f, err := ToFloat(v)
				if err != nil {
					return err
				}
				order.PutUint64(b, math.Float64bits(f))
				return nil
			}}, nil
		}
	case ClassChar:
		return Codec{Size: 1, Get: func(b []byte) any { return b[0] }, Set: func(b []byte, v any) error {
			c, err := ToChar(v)
			if err != nil {
				return err
			}
			b[0] = c
			return nil
		}}, nil
	case ClassWChar:
		return Codec{Size: size, Get: func(b []byte) any {
			return rune(ReadUint(b, size, order))
		}, Set: func(b []byte, v any) error {
			r, err := ToWChar(v, size)
			if err != nil {
				return err
			}
			WriteUint(b, size, order, uint64(r))
			return nil
		}}, nil
	case ClassBool:
		return Codec{Size: 1, Get: func(b []byte) any { return b[0] != 0 }, Set: func(b []byte, v any) error {
			ok, err := ToBool(v)
			if err != nil {
				return err
			}
			b[0] = 0
			if ok {
				b[0] = 1
			}
			return nil
		}}, nil
	case ClassAddress:
		return Codec{Size: size, Get: func(b []byte) any {
			return ffiruntime.Addr(ReadUint(b, size, order))
		}, Set: func(b []byte, v any) error {
			a, err := ToAddr(v)
			if err != nil {
				return err
			}
			WriteUint(b, size, order, uint64(a))
			return nil
		}}, nil
	}
	return Codec{}, errors.Unsupported(errors.PhaseDefine, fmt.Sprintf("scalar class %d of size %d", class, size))
}

func intSetter(size int, order binary.ByteOrder) func([]byte, any) error {
	return func(b []byte, v any) error {
		u, err := ToInt(v)
		if err != nil {
			return err
		}
		WriteUint(b, size, order, u)
		return nil
	}
}

// ReadUint reads an unsigned integer of size bytes.
func ReadUint(b []byte, size int, order binary.ByteOrder) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	default:
		return order.Uint64(b)
	}
}

// WriteUint stores the low size bytes of v.
func WriteUint(b []byte, size int, order binary.ByteOrder, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	default:
		order.PutUint64(b, v)
	}
}

// SignExtend interprets the low size bytes of u as a signed integer.
func SignExtend(u uint64, size int) int64 {
	shift := 64 - 8*uint(size)
	return int64(u<<shift) >> shift
}

// ToInt converts a managed integer to its two's complement bits.
// Out-of-range values are truncated by the caller's width.
func ToInt(v any) (uint64, error) {
	switch x := v.(type) {
	case int:
		return uint64(int64(x)), nil
	case int8:
		return uint64(int64(x)), nil
	case int16:
		return uint64(int64(x)), nil
	case int32:
		return uint64(int64(x)), nil
	case int64:
		return uint64(x), nil
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case uintptr:
		return uint64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case ffiruntime.Addr:
		return uint64(x), nil
	}
	return 0, mismatch("int", v)
}

// ToFloat converts a managed number to float64.
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case bool:
		return 0, mismatch("float", v)
	}
	if u, err := ToInt(v); err == nil {
		switch v.(type) {
		case uint, uint8, uint16, uint32, uint64, uintptr:
			return float64(u), nil
		}
		return float64(int64(u)), nil
	}
	return 0, mismatch("float", v)
}

// ToChar converts a one-byte value.
func ToChar(v any) (byte, error) {
	switch x := v.(type) {
	case byte:
		return x, nil
	case []byte:
		if len(x) == 1 {
			return x[0], nil
		}
	case string:
		if len(x) == 1 {
			return x[0], nil
		}
	case int, int8, int16, int32, int64, uint, uint16, uint32, uint64:
		u, _ := ToInt(x)
		if int64(u) >= 0 && u < 256 {
			return byte(u), nil
		}
	}
	return 0, errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
		Type("c_char").
		Value(v).
		Detail("one character bytes, bytearray or integer expected").
		Build()
}

// ToWChar converts a one-character string or code point for a wchar of size bytes.
func ToWChar(v any, size int) (rune, error) {
	var r rune = -1
	switch x := v.(type) {
	case rune:
		r = x
	case string:
		if utf8.RuneCountInString(x) == 1 {
			r, _ = utf8.DecodeRuneInString(x)
		}
	}
	if r < 0 || r > utf8.MaxRune || (size == 2 && r > 0xFFFF) {
		return 0, errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
			Type("c_wchar").
			Value(v).
			Detail("one character unicode string expected").
			Build()
	}
	return r, nil
}

// ToBool converts a truth value.
func ToBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case float32:
		return x != 0, nil
	}
	u, err := ToInt(v)
	if err != nil {
		return false, mismatch("bool", v)
	}
	return u != 0, nil
}

// ToAddr converts an address-like value. nil is NULL.
func ToAddr(v any) (ffiruntime.Addr, error) {
	switch x := v.(type) {
	case nil:
		return ffiruntime.Null, nil
	case ffiruntime.Addr:
		return x, nil
	case bool:
		return 0, mismatch("address", v)
	}
	u, err := ToInt(v)
	if err != nil {
		return 0, mismatch("address", v)
	}
	return ffiruntime.Addr(u), nil
}

func mismatch(want string, v any) *errors.Error {
	return errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
		Value(v).
		Detail("%s expected instead of %T", want, v).
		Build()
}
