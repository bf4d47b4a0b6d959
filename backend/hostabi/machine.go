package hostabi

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/handle"
)

// CodeBase is the first entry address handed out. The code range is never
// backed by readable memory.
const CodeBase ffiruntime.Addr = 0x7f00_0000_0000

const codeStride = 16

// Routine is a Go function standing in for a native routine.
type Routine func(ctx context.Context, f *Frame) error

type entry struct {
	routine Routine
	tramp   ffiruntime.TrampolineHandler
	ret     *ffiruntime.ABIType
	name    string
	args    []*ffiruntime.ABIType
	conv    ffiruntime.CallConv
}

// Machine dispatches calls to registered routines and trampolines.
type Machine struct {
	mem    ffiruntime.Memory
	order  binary.ByteOrder
	code   map[ffiruntime.Addr]*entry
	libs   map[string]*library
	opened *handle.Table
	target ffiruntime.Target
	next   ffiruntime.Addr
	mu     sync.RWMutex
}

// New creates a machine over mem for target.
func New(mem ffiruntime.Memory, target ffiruntime.Target) *Machine {
	return &Machine{
		mem:    mem,
		order:  target.Order(),
		code:   make(map[ffiruntime.Addr]*entry),
		libs:   make(map[string]*library),
		opened: handle.NewTable(),
		target: target,
		next:   CodeBase,
	}
}

// Memory returns the address space routines operate on.
func (m *Machine) Memory() ffiruntime.Memory { return m.mem }

// Target returns the data model of the machine.
func (m *Machine) Target() ffiruntime.Target { return m.target }

func (m *Machine) place(e *entry) ffiruntime.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.next
	m.next += codeStride
	m.code[addr] = e
	return addr
}

// Routine registers fn at a fresh entry address without adding it to a
// library.
func (m *Machine) Routine(name string, fn Routine) ffiruntime.Addr {
	return m.place(&entry{routine: fn, name: name})
}

// Invoke implements ffiruntime.Invoker.
func (m *Machine) Invoke(ctx context.Context, call *ffiruntime.Call) ([]byte, error) {
	m.mu.RLock()
	e := m.code[call.Entry]
	m.mu.RUnlock()
	if e == nil {
		return nil, errors.New(errors.PhaseCall, errors.KindAccessViolation).
			Value(uint64(call.Entry)).
			Detail("no routine at %s", hexAddr(call.Entry)).
			Build()
	}
	ret := call.Ret
	if ret == nil {
		ret = ffiruntime.ABITypeVoid
	}

	if e.tramp != nil {
		return m.enter(ctx, e, call, ret)
	}

	Logger().Debug("invoke", zap.String("routine", e.name), zap.Int("args", len(call.Args)))
	f := &Frame{
		m:     m,
		ctx:   ctx,
		Args:  call.Args,
		Ret:   ret,
		Fixed: call.Fixed,
		ret:   make([]byte, ret.Size),
	}
	if err := e.routine(ctx, f); err != nil {
		return nil, err
	}
	return f.ret, nil
}

// enter runs a trampoline handler as if native code had called it.
func (m *Machine) enter(ctx context.Context, e *entry, call *ffiruntime.Call, ret *ffiruntime.ABIType) ([]byte, error) {
	if call.Conv != e.conv {
		return nil, errors.New(errors.PhaseCallback, errors.KindNativeCall).
			Detail("calling convention mismatch: %s trampoline called as %s", e.conv, call.Conv).
			Build()
	}
	if len(call.Args) != len(e.args) {
		return nil, errors.New(errors.PhaseCallback, errors.KindArity).
			Detail("trampoline takes %d arguments (%d given)", len(e.args), len(call.Args)).
			Build()
	}
	Logger().Debug("enter trampoline", zap.Int("args", len(call.Args)))
	out, err := e.tramp(ctx, call.Args)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, ret.Size)
	copy(raw, out)
	return raw, nil
}

// MakeTrampoline implements ffiruntime.TrampolineFactory.
func (m *Machine) MakeTrampoline(h ffiruntime.TrampolineHandler, args []*ffiruntime.ABIType, ret *ffiruntime.ABIType, conv ffiruntime.CallConv) (ffiruntime.Addr, func(), error) {
	if h == nil {
		return 0, nil, errors.InvalidValue(errors.PhaseCallback, nil, "trampoline handler is nil")
	}
	addr := m.place(&entry{tramp: h, args: args, ret: ret, conv: conv, name: "trampoline"})
	Logger().Debug("trampoline created", zap.Uint64("addr", uint64(addr)))
	release := func() {
		m.mu.Lock()
		delete(m.code, addr)
		m.mu.Unlock()
		Logger().Debug("trampoline released", zap.Uint64("addr", uint64(addr)))
	}
	return addr, release, nil
}

// Trampolines returns the number of live trampolines.
func (m *Machine) Trampolines() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.code {
		if e.tramp != nil {
			n++
		}
	}
	return n
}

func (m *Machine) pointerABI() *ffiruntime.ABIType {
	size := uint64(m.target.PointerSize)
	return &ffiruntime.ABIType{Kind: ffiruntime.ABIPointer, Size: size, Align: size}
}

var abiSint32 = &ffiruntime.ABIType{Kind: ffiruntime.ABISint32, Size: 4, Align: 4}

func hexAddr(a ffiruntime.Addr) string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}
