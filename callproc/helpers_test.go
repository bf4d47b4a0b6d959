package callproc

import (
	"context"
	"encoding/binary"
	"testing"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/backend/hostabi"
	"github.com/wippyai/ffi-runtime/cdata"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/memory"
)

type harness struct {
	d     *Dispatcher
	m     *hostabi.Machine
	heap  *memory.Heap
	store *ctype.Store
	env   *cdata.Env
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := ctype.NewStore(ffiruntime.LP64())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	heap := memory.NewHeap(memory.Options{BaseAddress: 0x10000, GuardBytes: 16})
	m := hostabi.New(heap, store.Target())
	if err := m.RegisterLibc(); err != nil {
		t.Fatalf("RegisterLibc: %v", err)
	}
	env := cdata.NewEnv(store, heap, heap)
	return &harness{
		d:     NewDispatcher(env, m, m),
		m:     m,
		heap:  heap,
		store: store,
		env:   env,
	}
}

func (h *harness) scalar(code byte) *ctype.Type { return h.store.MustScalar(code) }

func (h *harness) pointer(t *testing.T, elem *ctype.Type) *ctype.Type {
	t.Helper()
	p, err := h.store.PointerTo(elem)
	if err != nil {
		t.Fatalf("PointerTo: %v", err)
	}
	return p
}

func (h *harness) ftype(t *testing.T, spec ctype.FuncSpec) *ctype.Type {
	t.Helper()
	ft, err := h.store.FuncType(spec)
	if err != nil {
		t.Fatalf("FuncType: %v", err)
	}
	return ft
}

// libc returns a function pointer for a routine of the C library subset.
func (h *harness) libc(t *testing.T, name string, ftype *ctype.Type) *FuncPtr {
	t.Helper()
	lib, err := h.m.Open(hostabi.LibcName)
	if err != nil {
		t.Fatal(err)
	}
	defer h.m.Close(lib)
	addr, err := h.m.Lookup(lib, name)
	if err != nil {
		t.Fatal(err)
	}
	fp, err := h.d.FuncAt(ftype, addr, name)
	if err != nil {
		t.Fatalf("FuncAt: %v", err)
	}
	return fp
}

// routine registers fn and returns a function pointer of type ftype for it.
func (h *harness) routine(t *testing.T, name string, ftype *ctype.Type, fn hostabi.Routine) *FuncPtr {
	t.Helper()
	fp, err := h.d.FuncAt(ftype, h.m.Routine(name, fn), name)
	if err != nil {
		t.Fatalf("FuncAt: %v", err)
	}
	return fp
}

func (h *harness) obj(t *testing.T, typ *ctype.Type, init ...any) *cdata.Object {
	t.Helper()
	o, err := h.env.New(typ, init...)
	if err != nil {
		t.Fatalf("New(%s): %v", typ.Name(), err)
	}
	return o
}

// writeInt32 stores v at the address held by argument i of f.
func writeInt32(f *hostabi.Frame, i int, v int32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return f.Memory().Write(f.Pointer(i), buf)
}

func readInt32(f *hostabi.Frame, i int) (int32, error) {
	raw, err := f.Memory().Read(f.Pointer(i), 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(raw)), nil
}

var bg = context.Background()
