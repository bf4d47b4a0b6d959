package ctype

import (
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype/internal/codec"
	"github.com/wippyai/ffi-runtime/errors"
)

// Kind is the variant tag of a type descriptor.
type Kind uint8

const (
	KindScalar Kind = iota + 1
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindFunc
)

var kindNames = [...]string{
	KindScalar:  "scalar",
	KindPointer: "pointer",
	KindArray:   "array",
	KindStruct:  "struct",
	KindUnion:   "union",
	KindFunc:    "function",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Aggregate reports whether values of this kind are laid out as a block of fields or elements.
func (k Kind) Aggregate() bool {
	return k == KindArray || k == KindStruct || k == KindUnion
}

// State is the declaration state of a type.
type State uint32

const (
	StateAbstract State = iota
	StateShapeDeclared
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateAbstract:
		return "abstract"
	case StateShapeDeclared:
		return "shape-declared"
	default:
		return "finalized"
	}
}

// Flag is a bit set of descriptor properties.
type Flag uint32

const (
	FlagPointer     Flag = 1 << iota // value is an address
	FlagHasPointer                   // contains an address somewhere inside
	FlagFuncPtr                      // function signature
	FlagIncomplete                   // forward declared
	FlagSwapped                      // non-native byte order
	FlagHasBitfield                  // at least one bitfield
	FlagPacked                       // declared with a pack value
)

// ResultChecker post-processes a decoded call result.
type ResultChecker func(v any) (any, error)

// FromParamHook overrides argument conversion for a derived type.
type FromParamHook func(v any) (any, error)

// Field describes a struct or union member.
type Field struct {
	Type      *Type
	Name      string
	Offset    uint64
	Index     int
	BitSize   int
	BitShift  int
	Anonymous bool
}

// Bitfield reports whether the field is a bitfield.
func (f *Field) Bitfield() bool { return f.BitSize > 0 }

// Type is a native type descriptor. Its shape is immutable once finalized.
type Type struct {
	elem    atomic.Pointer[Type]
	swapped atomic.Pointer[Type]
	state   atomic.Uint32
	flags   atomic.Uint32

	store     *Store
	base      *Type
	abi       *ffiruntime.ABIType
	codec     *codec.Codec
	order     binary.ByteOrder
	checker   ResultChecker
	fromParam FromParamHook
	restype   *Type
	fieldMap  map[string][]int
	pending   *aggregateDecl
	name      string
	format    string
	argTypes  []*Type
	fields    []Field
	shape     []int
	size      uint64
	align     uint64
	id        uint64
	length    int
	mu        sync.Mutex
	kind      Kind
	code      byte
	conv      ffiruntime.CallConv
}

func (t *Type) Name() string   { return t.name }
func (t *Type) String() string { return t.name }
func (t *Type) Kind() Kind     { return t.kind }

// State returns the declaration state.
func (t *Type) State() State { return State(t.state.Load()) }

// Finalized reports whether the type can be instantiated.
func (t *Type) Finalized() bool { return t.State() == StateFinalized }

func (t *Type) Size() uint64  { return t.size }
func (t *Type) Align() uint64 { return t.align }

// Len is the array length, the number of fields of an aggregate, or 1.
func (t *Type) Len() int { return t.length }

// Code is the scalar type code, or 0 for non-scalars.
func (t *Type) Code() byte { return t.code }

// Elem is the pointee or element type. It is nil for void pointers and for
// pointers whose target has not been set yet.
func (t *Type) Elem() *Type { return t.elem.Load() }

func (t *Type) Flags() Flag              { return Flag(t.flags.Load()) }
func (t *Type) Has(f Flag) bool          { return t.Flags()&f != 0 }
func (t *Type) ABI() *ffiruntime.ABIType { return t.abi }

// Base is the type this one was derived from, if any.
func (t *Type) Base() *Type { return t.base }

// Derived reports whether t was created by Derive or as a struct subclass.
func (t *Type) Derived() bool { return t.base != nil }

// Store returns the store that created t.
func (t *Type) Store() *Store { return t.store }

// Order is the byte order of the type's scalar data.
func (t *Type) Order() binary.ByteOrder { return t.order }

// Fields returns the struct or union members, base members first.
func (t *Type) Fields() []Field { return t.fields }

// Shape returns the array dimensions, outermost first.
func (t *Type) Shape() []int { return t.shape }

// Format returns the buffer format string.
func (t *Type) Format() string {
	if t.kind == KindPointer {
		if e := t.Elem(); e != nil {
			return "&" + e.Format()
		}
		return "&B"
	}
	return t.format
}

// ItemSize is the size of the innermost non-array element.
func (t *Type) ItemSize() uint64 {
	it := t
	for it.kind == KindArray {
		it = it.Elem()
	}
	return it.size
}

func (t *Type) ArgTypes() []*Type             { return t.argTypes }
func (t *Type) Restype() *Type                { return t.restype }
func (t *Type) CallConv() ffiruntime.CallConv { return t.conv }
func (t *Type) ResultChecker() ResultChecker  { return t.checker }
func (t *Type) FromParamHook() FromParamHook  { return t.fromParam }

// Field looks up a member by name, following anonymous members. The
// returned offset is relative to the start of t.
func (t *Type) Field(name string) (Field, bool) {
	path, ok := t.fieldMap[name]
	if !ok {
		return Field{}, false
	}
	var off uint64
	cur := t
	var f Field
	for _, i := range path {
		f = cur.fields[i]
		off += f.Offset
		cur = f.Type
	}
	f.Offset = off
	return f, true
}

// FieldPath returns the member indices leading to a possibly promoted field.
func (t *Type) FieldPath(name string) ([]int, bool) {
	p, ok := t.fieldMap[name]
	return p, ok
}

// IsCharPointer reports whether t is a pointer to c_char.
func (t *Type) IsCharPointer() bool {
	e := t.Elem()
	return t.kind == KindPointer && e != nil && e.kind == KindScalar && e.code == 'c'
}

// IsWCharPointer reports whether t is a pointer to c_wchar.
func (t *Type) IsWCharPointer() bool {
	e := t.Elem()
	return t.kind == KindPointer && e != nil && e.kind == KindScalar && e.code == 'u'
}

// Decode reads a scalar, pointer or function value from raw.
// Pointers decode to ffiruntime.Addr.
func (t *Type) Decode(raw []byte) (any, error) {
	if t.codec == nil {
		return nil, errors.Unsupported(errors.PhaseAccess, "decode of "+t.kind.String()+" "+t.name)
	}
	if uint64(len(raw)) < t.size {
		return nil, errors.BufferTooSmall(errors.PhaseAccess, t.size, uint64(len(raw)))
	}
	return t.codec.Get(raw), nil
}

// Encode writes a scalar, pointer or function value into raw.
func (t *Type) Encode(raw []byte, v any) error {
	if t.codec == nil {
		return errors.Unsupported(errors.PhaseConvert, "encode of "+t.kind.String()+" "+t.name)
	}
	if uint64(len(raw)) < t.size {
		return errors.BufferTooSmall(errors.PhaseConvert, t.size, uint64(len(raw)))
	}
	if err := t.codec.Set(raw, v); err != nil {
		if e, ok := err.(*errors.Error); ok && e.Type == "" {
			cp := *e
			cp.Type = t.name
			return &cp
		}
		return err
	}
	return nil
}

// CallArg builds the call argument for a value of t whose bytes are raw.
// Arrays are not handled here because they decay to the address of their buffer.
func (t *Type) CallArg(raw []byte, owner any) ffiruntime.CallArg {
	arg := ffiruntime.CallArg{ABI: t.abi, Owner: owner}
	switch t.kind {
	case KindStruct, KindUnion, KindArray:
		arg.Tag = ffiruntime.ArgAggregate
		arg.Bytes = append([]byte(nil), raw[:t.size]...)
		return arg
	case KindPointer, KindFunc:
		arg.Tag = ffiruntime.ArgPointer
		arg.Bits = codec.ReadUint(raw, int(t.size), t.order)
		return arg
	}
	u := codec.ReadUint(raw, int(t.size), t.order)
	switch t.abi.Kind {
	case ffiruntime.ABIFloat:
		arg.Tag = ffiruntime.ArgFloat32
		arg.Bits = u
	case ffiruntime.ABIDouble:
		arg.Tag = ffiruntime.ArgFloat64
		arg.Bits = u
	case ffiruntime.ABIPointer:
		arg.Tag = ffiruntime.ArgPointer
		arg.Bits = u
	case ffiruntime.ABISint8, ffiruntime.ABISint16, ffiruntime.ABISint32, ffiruntime.ABISint64:
		arg.Tag = ffiruntime.ArgInt
		arg.Bits = uint64(codec.SignExtend(u, int(t.size)))
	default:
		arg.Tag = ffiruntime.ArgUint
		arg.Bits = u
	}
	return arg
}

// DecodeBits extracts bitfield f from unit, the bytes of its storage unit.
func (f *Field) DecodeBits(unit []byte) any {
	ft := f.Type
	size := int(ft.size)
	u := codec.ReadUint(unit, size, ft.order) >> uint(f.BitShift)
	if f.BitSize < 64 {
		u &= 1<<uint(f.BitSize) - 1
	}
	switch ft.abi.Kind {
	case ffiruntime.ABISint8, ffiruntime.ABISint16, ffiruntime.ABISint32, ffiruntime.ABISint64:
		shift := 64 - uint(f.BitSize)
		return int64(u<<shift) >> shift
	}
	if ft.code == '?' {
		return u != 0
	}
	return u
}

// EncodeBits stores v into bitfield f of unit.
func (f *Field) EncodeBits(unit []byte, v any) error {
	ft := f.Type
	var bits uint64
	var err error
	if ft.code == '?' {
		var b bool
		b, err = codec.ToBool(v)
		if b {
			bits = 1
		}
	} else {
		bits, err = codec.ToInt(v)
	}
	if err != nil {
		return errors.WithPath(err, f.Name)
	}
	size := int(ft.size)
	mask := ^uint64(0)
	if f.BitSize < 64 {
		mask = 1<<uint(f.BitSize) - 1
	}
	mask <<= uint(f.BitShift)
	cur := codec.ReadUint(unit, size, ft.order)
	cur = cur&^mask | (bits<<uint(f.BitShift))&mask
	codec.WriteUint(unit, size, ft.order, cur)
	return nil
}

// describe returns a one-line description used by logs and the CLI.
func (t *Type) describe() string {
	var b strings.Builder
	b.WriteString(t.kind.String())
	b.WriteByte(' ')
	b.WriteString(t.name)
	return b.String()
}
