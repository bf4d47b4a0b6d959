package hostabi

import (
	"context"
	"math"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// Frame is the view a routine has of one call.
type Frame struct {
	m     *Machine
	ctx   context.Context
	Ret   *ffiruntime.ABIType
	Args  []ffiruntime.CallArg
	ret   []byte
	Fixed int // fixed argument count of a variadic call, -1 otherwise
}

// Len returns the number of arguments.
func (f *Frame) Len() int { return len(f.Args) }

// Arg returns argument i, or the zero argument when i is out of range.
func (f *Frame) Arg(i int) ffiruntime.CallArg {
	if i < 0 || i >= len(f.Args) {
		return ffiruntime.CallArg{}
	}
	return f.Args[i]
}

func (f *Frame) Int(i int) int64                 { return f.Arg(i).Int() }
func (f *Frame) Uint(i int) uint64               { return f.Arg(i).Uint() }
func (f *Frame) Float(i int) float64             { return f.Arg(i).Float() }
func (f *Frame) Pointer(i int) ffiruntime.Addr   { return f.Arg(i).Pointer() }
func (f *Frame) Aggregate(i int) []byte          { return f.Arg(i).Bytes }
func (f *Frame) Memory() ffiruntime.Memory       { return f.m.mem }
func (f *Frame) Context() context.Context        { return f.ctx }
func (f *Frame) Target() ffiruntime.Target       { return f.m.target }
func (f *Frame) PointerABI() *ffiruntime.ABIType { return f.m.pointerABI() }

// SetInt stores an integer result truncated to the return size.
func (f *Frame) SetInt(v int64) { f.SetUint(uint64(v)) }

// SetUint stores an unsigned result truncated to the return size.
func (f *Frame) SetUint(v uint64) {
	order := f.m.order
	switch len(f.ret) {
	case 1:
		f.ret[0] = byte(v)
	case 2:
		order.PutUint16(f.ret, uint16(v))
	case 4:
		order.PutUint32(f.ret, uint32(v))
	case 8:
		order.PutUint64(f.ret, v)
	}
}

// SetFloat stores a float or double result depending on the return type.
func (f *Frame) SetFloat(v float64) {
	if f.Ret.Kind == ffiruntime.ABIFloat {
		f.SetUint(uint64(math.Float32bits(float32(v))))
		return
	}
	f.SetUint(math.Float64bits(v))
}

// SetPointer stores an address result.
func (f *Frame) SetPointer(a ffiruntime.Addr) { f.SetUint(uint64(a)) }

// SetAggregate stores a struct or union result.
func (f *Frame) SetAggregate(b []byte) { copy(f.ret, b) }

// Call invokes another entry of the same machine.
func (f *Frame) Call(entry ffiruntime.Addr, ret *ffiruntime.ABIType, args ...ffiruntime.CallArg) ([]byte, error) {
	return f.m.Invoke(f.ctx, &ffiruntime.Call{Entry: entry, Ret: ret, Args: args, Fixed: -1})
}

// PointerArg builds an address argument for Call.
func (f *Frame) PointerArg(a ffiruntime.Addr) ffiruntime.CallArg {
	return ffiruntime.CallArg{Tag: ffiruntime.ArgPointer, ABI: f.m.pointerABI(), Bits: uint64(a)}
}

// CString reads the NUL-terminated byte string argument i points to.
func (f *Frame) CString(i int) ([]byte, error) {
	return f.m.scan(f.Pointer(i), 1)
}

// scan reads the NUL-terminated string of unit-byte characters at addr,
// excluding the terminator.
func (m *Machine) scan(addr ffiruntime.Addr, unit uint64) ([]byte, error) {
	if addr == ffiruntime.Null {
		return nil, errors.NullPointer(errors.PhaseCall, "char*")
	}
	var out []byte
	for {
		c, err := m.mem.Read(addr, unit)
		if err != nil {
			return nil, err
		}
		if isZero(c) {
			return out, nil
		}
		out = append(out, c...)
		addr += ffiruntime.Addr(unit)
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
