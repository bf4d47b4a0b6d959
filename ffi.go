package ffiruntime

import (
	"context"
	"encoding/binary"
	"math"
)

// Addr is an address in the native address space. 0 is NULL.
type Addr uint64

// Null is the NULL address.
const Null Addr = 0

// Memory is the native address space seen by the marshalling engine.
// Reads return copies; callers never retain slices into backing storage.
type Memory interface {
	Read(addr Addr, length uint64) ([]byte, error)
	Write(addr Addr, data []byte) error
	Fill(addr Addr, value byte, length uint64) error
	Move(dst, src Addr, length uint64) error
}

// Allocator allocates native memory.
type Allocator interface {
	Alloc(size, align uint64) (Addr, error)
	Free(addr Addr)
}

// Mapper maps externally owned Go buffers into the address space.
type Mapper interface {
	Map(data []byte, readOnly bool) (Addr, error)
	Unmap(addr Addr) error
}

// RegionInfo reports properties of the region containing addr.
type RegionInfo interface {
	ReadOnly(addr Addr) bool
}

// Target describes the platform data model native code was compiled for.
type Target struct {
	ByteOrder   string `toml:"byte_order"`
	PointerSize int    `toml:"pointer_size"`
	LongSize    int    `toml:"long_size"`
	WCharSize   int    `toml:"wchar_size"`
}

// LP64 is the 64-bit little-endian unix data model.
func LP64() Target {
	return Target{ByteOrder: "little", PointerSize: 8, LongSize: 8, WCharSize: 4}
}

// Wasm32 is the data model of wasm32 C toolchains.
func Wasm32() Target {
	return Target{ByteOrder: "little", PointerSize: 4, LongSize: 4, WCharSize: 4}
}

// Order returns the target byte order.
func (t Target) Order() binary.ByteOrder {
	if t.ByteOrder == "big" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// BigEndian reports whether the target is big-endian.
func (t Target) BigEndian() bool {
	return t.ByteOrder == "big"
}

// MaxSize is the largest object size the target can address.
func (t Target) MaxSize() uint64 {
	if t.PointerSize == 4 {
		return math.MaxInt32
	}
	return math.MaxInt64
}

// ABIKind is the calling-convention class of a value, mirroring libffi type codes.
type ABIKind uint8

const (
	ABIVoid ABIKind = iota
	ABIUint8
	ABISint8
	ABIUint16
	ABISint16
	ABIUint32
	ABISint32
	ABIUint64
	ABISint64
	ABIFloat
	ABIDouble
	ABIPointer
	ABIStruct
)

var abiKindNames = [...]string{
	ABIVoid:    "void",
	ABIUint8:   "uint8",
	ABISint8:   "sint8",
	ABIUint16:  "uint16",
	ABISint16:  "sint16",
	ABIUint32:  "uint32",
	ABISint32:  "sint32",
	ABIUint64:  "uint64",
	ABISint64:  "sint64",
	ABIFloat:   "float",
	ABIDouble:  "double",
	ABIPointer: "pointer",
	ABIStruct:  "struct",
}

func (k ABIKind) String() string {
	if int(k) < len(abiKindNames) {
		return abiKindNames[k]
	}
	return "unknown"
}

// Signed reports whether k is a signed integer class.
func (k ABIKind) Signed() bool {
	switch k {
	case ABISint8, ABISint16, ABISint32, ABISint64:
		return true
	}
	return false
}

// ABIType is the opaque calling-convention description handed to backends.
type ABIType struct {
	Elements []*ABIType
	Size     uint64
	Align    uint64
	Kind     ABIKind
}

// ABITypeVoid describes the absence of a value.
var ABITypeVoid = &ABIType{Kind: ABIVoid, Size: 0, Align: 1}

// ArgTag classifies a call argument.
type ArgTag uint8

const (
	ArgInt ArgTag = iota + 1
	ArgUint
	ArgFloat32
	ArgFloat64
	ArgPointer
	ArgAggregate
)

// CallArg is a single marshalled argument for one native call.
// Scalars and pointers use Bits (integers sign- or zero-extended, floats as
// IEEE bits); aggregates carry a snapshot of their bytes in Bytes.
type CallArg struct {
	Owner any
	ABI   *ABIType
	Bytes []byte
	Bits  uint64
	Tag   ArgTag
}

// Int returns the argument as a signed integer.
func (a CallArg) Int() int64 { return int64(a.Bits) }

// Uint returns the argument as an unsigned integer.
func (a CallArg) Uint() uint64 { return a.Bits }

// Float returns the argument as a float64.
func (a CallArg) Float() float64 {
	if a.Tag == ArgFloat32 {
		return float64(math.Float32frombits(uint32(a.Bits)))
	}
	return math.Float64frombits(a.Bits)
}

// Pointer returns the argument as an address.
func (a CallArg) Pointer() Addr { return Addr(a.Bits) }

// CallConv selects the calling convention.
type CallConv uint8

const (
	ConvCdecl CallConv = iota
	ConvStdcall
)

func (c CallConv) String() string {
	if c == ConvStdcall {
		return "stdcall"
	}
	return "cdecl"
}

// Call is one native invocation request.
type Call struct {
	Ret   *ABIType
	Args  []CallArg
	Entry Addr
	Fixed int // fixed argument count for variadic calls, -1 if not variadic
	Conv  CallConv
}

// Invoker is the ABI backend. Result bytes are Ret.Size long in target byte order.
type Invoker interface {
	Invoke(ctx context.Context, call *Call) ([]byte, error)
}

// TrampolineHandler receives native calls made through a trampoline.
type TrampolineHandler func(ctx context.Context, args []CallArg) ([]byte, error)

// TrampolineFactory generates native entry points that call back into Go.
// The returned release function destroys the trampoline.
type TrampolineFactory interface {
	MakeTrampoline(h TrampolineHandler, args []*ABIType, ret *ABIType, conv CallConv) (Addr, func(), error)
}

// LibHandle identifies an opened library.
type LibHandle uint64

// SymbolResolver is the dynamic-library loader.
type SymbolResolver interface {
	Open(name string) (LibHandle, error)
	Lookup(h LibHandle, name string) (Addr, error)
	LookupOrdinal(h LibHandle, ordinal int) (Addr, error)
	Close(h LibHandle) error
}

// AuditHook observes sensitive operations. A non-nil error aborts the operation.
type AuditHook func(event string, args ...any) error
