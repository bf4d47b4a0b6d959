package wasmabi

import (
	"context"
	"sync"

	"fortio.org/safecast"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

const pageSize = 65536

// Memory adapts a wasm linear memory to ffiruntime.Memory. Addresses are
// byte offsets; NULL is offset 0.
type Memory struct {
	mem api.Memory
}

// narrow converts an address range to linear memory offsets.
func narrow(addr ffiruntime.Addr, length uint64) (uint32, uint32, error) {
	off, err := safecast.Conv[uint32](uint64(addr))
	if err != nil {
		return 0, 0, errors.AccessViolation(uint64(addr), length)
	}
	n, err := safecast.Conv[uint32](length)
	if err != nil {
		return 0, 0, errors.AccessViolation(uint64(addr), length)
	}
	return off, n, nil
}

func (m *Memory) Read(addr ffiruntime.Addr, length uint64) ([]byte, error) {
	if addr == ffiruntime.Null {
		return nil, errors.AccessViolation(0, length)
	}
	off, n, err := narrow(addr, length)
	if err != nil {
		return nil, err
	}
	data, ok := m.mem.Read(off, n)
	if !ok {
		return nil, errors.AccessViolation(uint64(addr), length)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Write(addr ffiruntime.Addr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if addr == ffiruntime.Null {
		return errors.AccessViolation(0, uint64(len(data)))
	}
	off, _, err := narrow(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	if !m.mem.Write(off, data) {
		return errors.AccessViolation(uint64(addr), uint64(len(data)))
	}
	return nil
}

func (m *Memory) Fill(addr ffiruntime.Addr, value byte, length uint64) error {
	if length == 0 {
		return nil
	}
	off, n, err := narrow(addr, length)
	if err != nil {
		return err
	}
	dst, ok := m.mem.Read(off, n)
	if !ok || addr == ffiruntime.Null {
		return errors.AccessViolation(uint64(addr), length)
	}
	for i := range dst {
		dst[i] = value
	}
	return nil
}

func (m *Memory) Move(dst, src ffiruntime.Addr, length uint64) error {
	if length == 0 {
		return nil
	}
	data, err := m.Read(src, length)
	if err != nil {
		return err
	}
	return m.Write(dst, data)
}

// Size returns the current size of the linear memory in bytes.
func (m *Memory) Size() uint32 { return m.mem.Size() }

// allocator hands out linear memory. It calls the module's malloc and free
// exports when present and otherwise bumps a pointer from the heap base,
// growing the memory as needed.
type allocator struct {
	mod     api.Module
	mem     api.Memory
	live    map[uint32]uint32
	stack   []uint64
	next    uint32
	exports bool
	stackMu sync.Mutex
}

func newAllocator(mod api.Module, heapBase uint32) *allocator {
	a := &allocator{
		mod:   mod,
		mem:   mod.Memory(),
		next:  heapBase,
		live:  make(map[uint32]uint32),
		stack: make([]uint64, 1),
	}
	a.exports = mod.ExportedFunction("malloc") != nil && mod.ExportedFunction("free") != nil
	return a
}

// Alloc implements ffiruntime.Allocator.
func (a *allocator) Alloc(size, align uint64) (ffiruntime.Addr, error) {
	n, err := safecast.Conv[uint32](size)
	if err != nil {
		return 0, errors.AllocationFailed(size, align, err)
	}
	if n == 0 {
		n = 1
	}
	a.stackMu.Lock()
	defer a.stackMu.Unlock()

	if a.exports {
		a.stack[0] = api.EncodeU32(n)
		if err := a.mod.ExportedFunction("malloc").CallWithStack(context.Background(), a.stack); err != nil {
			return 0, errors.AllocationFailed(size, align, err)
		}
		p := api.DecodeU32(a.stack[0])
		if p == 0 {
			return 0, errors.AllocationFailed(size, align, nil)
		}
		a.live[p] = n
		return ffiruntime.Addr(p), nil
	}

	al := uint32(max(align, 1))
	start := (a.next + al - 1) &^ (al - 1)
	end := uint64(start) + uint64(n)
	if end > uint64(a.mem.Size()) {
		pages := (end - uint64(a.mem.Size()) + pageSize - 1) / pageSize
		if _, ok := a.mem.Grow(uint32(pages)); !ok {
			return 0, errors.AllocationFailed(size, align, errors.Unsupported(errors.PhaseMemory, "memory limit reached"))
		}
		Logger().Debug("memory grown", zap.Uint64("pages", pages))
	}
	a.next = uint32(end)
	a.live[start] = n
	return ffiruntime.Addr(start), nil
}

// Free implements ffiruntime.Allocator. Bump allocations are only
// forgotten; their memory is not reused.
func (a *allocator) Free(addr ffiruntime.Addr) {
	p, err := safecast.Conv[uint32](uint64(addr))
	if err != nil || p == 0 {
		return
	}
	a.stackMu.Lock()
	defer a.stackMu.Unlock()
	if _, ok := a.live[p]; !ok {
		return
	}
	delete(a.live, p)
	if a.exports {
		a.stack[0] = api.EncodeU32(p)
		if err := a.mod.ExportedFunction("free").CallWithStack(context.Background(), a.stack); err != nil {
			Logger().Warn("free failed", zap.Uint32("ptr", p), zap.Error(err))
		}
	}
}
