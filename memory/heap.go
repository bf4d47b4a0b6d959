package memory

import (
	"sort"
	"sync"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// Heap is a simulated native address space.
//
// Addresses are handed out by a bump pointer and never reused, so a freed
// block stays in the index as a tombstone and any later access to it is
// reported as an access violation instead of silently hitting new data.
type Heap struct {
	blocks []*block
	next   uint64
	guard  uint64
	live   int
	mu     sync.RWMutex
}

type block struct {
	data     []byte
	start    uint64
	span     uint64
	readOnly bool
	mapped   bool
	freed    bool
}

func (b *block) end() uint64 { return b.start + b.span }

// Options configures a Heap.
type Options struct {
	BaseAddress uint64
	GuardBytes  uint64
}

// NewHeap creates an empty address space.
func NewHeap(opts Options) *Heap {
	base := opts.BaseAddress
	if base == 0 {
		base = 0x10000
	}
	return &Heap{next: base, guard: opts.GuardBytes}
}

// Alloc reserves size zeroed bytes aligned to align.
func (h *Heap) Alloc(size, align uint64) (ffiruntime.Addr, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, errors.AllocationFailed(size, align, errors.InvalidValue(errors.PhaseMemory, nil, "alignment must be a power of two"))
	}
	span := size
	if span == 0 {
		span = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := alignUp(h.next, align)
	if start+span < start {
		return 0, errors.AllocationFailed(size, align, nil)
	}
	h.next = start + span + h.guard
	h.blocks = append(h.blocks, &block{data: make([]byte, span), start: start, span: span})
	h.live++
	return ffiruntime.Addr(start), nil
}

// Free releases an allocation. Freeing NULL, an unknown or an already freed
// address is a no-op; mapped regions must be released with Unmap.
func (h *Heap) Free(addr ffiruntime.Addr) {
	if addr == ffiruntime.Null {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.findLocked(uint64(addr))
	if b == nil || b.start != uint64(addr) || b.freed || b.mapped {
		return
	}
	b.freed = true
	b.data = nil
	h.live--
}

// Map makes an external buffer addressable. Writes through the returned
// address land in data.
func (h *Heap) Map(data []byte, readOnly bool) (ffiruntime.Addr, error) {
	span := uint64(len(data))
	if span == 0 {
		span = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := alignUp(h.next, 16)
	h.next = start + span + h.guard
	h.blocks = append(h.blocks, &block{data: data, start: start, span: span, readOnly: readOnly, mapped: true})
	h.live++
	return ffiruntime.Addr(start), nil
}

// Unmap detaches a region created by Map.
func (h *Heap) Unmap(addr ffiruntime.Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.findLocked(uint64(addr))
	if b == nil || b.start != uint64(addr) || !b.mapped || b.freed {
		return errors.NotFound(errors.PhaseMemory, "mapping", hexAddr(addr))
	}
	b.freed = true
	b.data = nil
	h.live--
	return nil
}

// ReadOnly reports whether addr lies in a read-only mapping.
func (h *Heap) ReadOnly(addr ffiruntime.Addr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b := h.findLocked(uint64(addr))
	return b != nil && !b.freed && b.readOnly
}

// Live returns the number of allocations and mappings not yet released.
func (h *Heap) Live() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Valid reports whether [addr, addr+length) is accessible.
func (h *Heap) Valid(addr ffiruntime.Addr, length uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, err := h.rangeLocked(addr, length)
	return err == nil
}

// Read copies length bytes starting at addr.
func (h *Heap) Read(addr ffiruntime.Addr, length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	src, err := h.rangeLocked(addr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, src)
	return out, nil
}

// Write copies data to addr.
func (h *Heap) Write(addr ffiruntime.Addr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	dst, err := h.writableLocked(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// Fill sets length bytes at addr to value.
func (h *Heap) Fill(addr ffiruntime.Addr, value byte, length uint64) error {
	if length == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	dst, err := h.writableLocked(addr, length)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = value
	}
	return nil
}

// Move copies length bytes from src to dst. The regions may overlap.
func (h *Heap) Move(dst, src ffiruntime.Addr, length uint64) error {
	if length == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	from, err := h.rangeLocked(src, length)
	if err != nil {
		return err
	}
	to, err := h.writableLocked(dst, length)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (h *Heap) writableLocked(addr ffiruntime.Addr, length uint64) ([]byte, error) {
	b := h.findLocked(uint64(addr))
	if b != nil && b.readOnly && !b.freed {
		return nil, errors.New(errors.PhaseMemory, errors.KindReadOnly).
			Value(uint64(addr)).
			Detail("write to read-only memory at %s", hexAddr(addr)).
			Build()
	}
	return h.rangeLocked(addr, length)
}

func (h *Heap) rangeLocked(addr ffiruntime.Addr, length uint64) ([]byte, error) {
	a := uint64(addr)
	b := h.findLocked(a)
	if b == nil || b.freed || a+length < a || a+length > b.start+uint64(len(b.data)) {
		return nil, errors.AccessViolation(a, length)
	}
	off := a - b.start
	return b.data[off : off+length], nil
}

// findLocked returns the block whose span contains addr.
func (h *Heap) findLocked(addr uint64) *block {
	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i].start > addr })
	if i == 0 {
		return nil
	}
	b := h.blocks[i-1]
	if addr >= b.end() {
		return nil
	}
	return b
}

func alignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}
