package ctype

import (
	"encoding/binary"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype/internal/codec"
	"github.com/wippyai/ffi-runtime/errors"
)

// Scalar type codes.
const (
	CodeChar      byte = 'c'
	CodeByte      byte = 'b'
	CodeUByte     byte = 'B'
	CodeShort     byte = 'h'
	CodeUShort    byte = 'H'
	CodeInt       byte = 'i'
	CodeUInt      byte = 'I'
	CodeLong      byte = 'l'
	CodeULong     byte = 'L'
	CodeLongLong  byte = 'q'
	CodeULongLong byte = 'Q'
	CodeFloat     byte = 'f'
	CodeDouble    byte = 'd'
	CodeBool      byte = '?'
	CodeWChar     byte = 'u'
	CodeCharP     byte = 'z'
	CodeWCharP    byte = 'Z'
	CodeVoidP     byte = 'P'
	CodeObject    byte = 'O'
	CodeLongDbl   byte = 'g'
)

// ScalarCodes lists the supported codes in declaration order.
const ScalarCodes = "cbBhHiIlLqQfd?uzZPO"

type scalarInfo struct {
	name  string
	class codec.Class
}

var scalarTable = map[byte]scalarInfo{
	CodeChar:      {"c_char", codec.ClassChar},
	CodeByte:      {"c_byte", codec.ClassSigned},
	CodeUByte:     {"c_ubyte", codec.ClassUnsigned},
	CodeShort:     {"c_short", codec.ClassSigned},
	CodeUShort:    {"c_ushort", codec.ClassUnsigned},
	CodeInt:       {"c_int", codec.ClassSigned},
	CodeUInt:      {"c_uint", codec.ClassUnsigned},
	CodeLong:      {"c_long", codec.ClassSigned},
	CodeULong:     {"c_ulong", codec.ClassUnsigned},
	CodeLongLong:  {"c_longlong", codec.ClassSigned},
	CodeULongLong: {"c_ulonglong", codec.ClassUnsigned},
	CodeFloat:     {"c_float", codec.ClassFloat},
	CodeDouble:    {"c_double", codec.ClassFloat},
	CodeBool:      {"c_bool", codec.ClassBool},
	CodeWChar:     {"c_wchar", codec.ClassWChar},
	CodeCharP:     {"c_char_p", codec.ClassAddress},
	CodeWCharP:    {"c_wchar_p", codec.ClassAddress},
	CodeVoidP:     {"c_void_p", codec.ClassAddress},
	CodeObject:    {"py_object", codec.ClassAddress},
}

func scalarSize(code byte, tg ffiruntime.Target) int {
	switch code {
	case CodeChar, CodeByte, CodeUByte, CodeBool:
		return 1
	case CodeShort, CodeUShort:
		return 2
	case CodeInt, CodeUInt, CodeFloat:
		return 4
	case CodeLong, CodeULong:
		return tg.LongSize
	case CodeLongLong, CodeULongLong, CodeDouble:
		return 8
	case CodeWChar:
		return tg.WCharSize
	default:
		return tg.PointerSize
	}
}

func abiKind(class codec.Class, size int) ffiruntime.ABIKind {
	switch class {
	case codec.ClassFloat:
		if size == 4 {
			return ffiruntime.ABIFloat
		}
		return ffiruntime.ABIDouble
	case codec.ClassAddress:
		return ffiruntime.ABIPointer
	case codec.ClassSigned, codec.ClassChar:
		switch size {
		case 1:
			return ffiruntime.ABISint8
		case 2:
			return ffiruntime.ABISint16
		case 4:
			return ffiruntime.ABISint32
		}
		return ffiruntime.ABISint64
	}
	switch size {
	case 1:
		return ffiruntime.ABIUint8
	case 2:
		return ffiruntime.ABIUint16
	case 4:
		return ffiruntime.ABIUint32
	}
	return ffiruntime.ABIUint64
}

// formatChar picks a size-specific struct-module character, since the
// buffer format's "l" always means four bytes.
func formatChar(code byte, class codec.Class, size int) byte {
	switch class {
	case codec.ClassSigned:
		return "bh?i???q"[size-1]
	case codec.ClassUnsigned:
		return "BH?I???Q"[size-1]
	}
	return code
}

func orderPrefix(order binary.ByteOrder) string {
	if order == binary.BigEndian {
		return ">"
	}
	return "<"
}

func newScalar(s *Store, code byte, order binary.ByteOrder) (*Type, error) {
	if code == CodeLongDbl {
		return nil, errors.Unsupported(errors.PhaseDefine, "long double ('g') has no portable representation")
	}
	info, ok := scalarTable[code]
	if !ok {
		return nil, errors.New(errors.PhaseDefine, errors.KindConfiguration).
			Value(string(code)).
			Detail("type code %q must be a single character string from %q", string(code), ScalarCodes).
			Build()
	}
	size := scalarSize(code, s.target)
	c, err := codec.For(info.class, size, order)
	if err != nil {
		return nil, err
	}
	t := &Type{
		store:  s,
		kind:   KindScalar,
		name:   info.name,
		code:   code,
		size:   uint64(size),
		align:  uint64(size),
		length: 1,
		order:  order,
		codec:  &c,
		format: orderPrefix(order) + string(formatChar(code, info.class, size)),
		abi: &ffiruntime.ABIType{
			Kind:  abiKind(info.class, size),
			Size:  uint64(size),
			Align: uint64(size),
		},
	}
	if info.class == codec.ClassAddress {
		t.flags.Store(uint32(FlagPointer))
	}
	t.id = s.nextID()
	t.state.Store(uint32(StateFinalized))
	return t, nil
}

// Swapped returns the sibling of t with the opposite byte order. It shares
// size, alignment and ABI type with t. Single-byte scalars are their own
// sibling.
func (s *Store) Swapped(t *Type) (*Type, error) {
	if t.kind != KindScalar {
		return nil, errors.New(errors.PhaseDefine, errors.KindUnsupported).
			Type(t.name).
			Detail("this type does not support other endian").
			Build()
	}
	if t.size == 1 {
		return t, nil
	}
	if sw := t.swapped.Load(); sw != nil {
		return sw, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sw := t.swapped.Load(); sw != nil {
		return sw, nil
	}

	order := binary.ByteOrder(binary.BigEndian)
	if t.order == binary.BigEndian {
		order = binary.LittleEndian
	}
	info := scalarTable[t.code]
	c, err := codec.For(info.class, int(t.size), order)
	if err != nil {
		return nil, err
	}
	suffix := "_le"
	if order == binary.BigEndian {
		suffix = "_be"
	}
	sw := &Type{
		store:     s,
		kind:      KindScalar,
		name:      t.name + suffix,
		code:      t.code,
		size:      t.size,
		align:     t.align,
		length:    1,
		order:     order,
		codec:     &c,
		format:    orderPrefix(order) + t.format[1:],
		abi:       t.abi,
		base:      t.base,
		checker:   t.checker,
		fromParam: t.fromParam,
	}
	sw.id = s.nextID()
	sw.flags.Store(uint32(t.Flags() | FlagSwapped))
	sw.swapped.Store(t)
	sw.state.Store(uint32(StateFinalized))
	t.swapped.Store(sw)
	Logger().Debug("swapped scalar created", zapType(sw))
	return sw, nil
}

// otherEndian maps a field type to its representation inside a structure of
// the opposite byte order.
func (s *Store) otherEndian(t *Type) (*Type, error) {
	switch t.kind {
	case KindScalar:
		return s.Swapped(t)
	case KindArray:
		e, err := s.otherEndian(t.Elem())
		if err != nil {
			return nil, err
		}
		return s.ArrayOf(e, t.length)
	case KindStruct, KindUnion:
		if t.Has(FlagSwapped) {
			return t, nil
		}
	}
	return nil, errors.New(errors.PhaseDefine, errors.KindUnsupported).
		Type(t.name).
		Detail("%s does not support other endian", t.describe()).
		Build()
}
