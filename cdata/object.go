package cdata

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

// Object is an instance of a native type: either a root that owns or
// borrows a memory block, or a view aliasing part of a root's block.
//
// Views always lie strictly inside their base, so the base links form a
// tree and cycles are impossible. Every view shares its root's lock and
// keep store; a view's address is computed from the root on each access.
type Object struct {
	env    *Env
	typ    *ctype.Type
	root   *Object
	base   *Object
	own    *allocation
	anchor any
	lock   *sync.Mutex
	attrs  map[string]any
	keep   atomic.Pointer[keepStore]
	ptr    atomic.Uint64 // roots only
	node   atomic.Uint32 // interned key, 0 until needed
	offset uint64        // views only, relative to the root
	size   atomic.Uint64
	index  int
	attrMu sync.Mutex
}

// CData lets wrapper types that embed *Object be used wherever an
// instance is expected.
func (o *Object) CData() *Object { return o }

// Instance is implemented by *Object and by types embedding it.
type Instance interface {
	CData() *Object
}

func asObject(v any) (*Object, bool) {
	if in, ok := v.(Instance); ok {
		o := in.CData()
		return o, o != nil
	}
	return nil, false
}

// allocation is an owned memory block released by a runtime cleanup once
// its object is unreachable.
type allocation struct {
	alloc ffiruntime.Allocator
	addr  atomic.Uint64
}

func (a *allocation) release() {
	addr := ffiruntime.Addr(a.addr.Swap(0))
	if addr != ffiruntime.Null {
		a.alloc.Free(addr)
		Logger().Debug("freed", zap.Uint64("addr", uint64(addr)))
	}
}

func newRoot(env *Env, t *ctype.Type, addr ffiruntime.Addr, size uint64) *Object {
	o := &Object{env: env, typ: t, lock: &sync.Mutex{}}
	o.root = o
	o.size.Store(size)
	o.ptr.Store(uint64(addr))
	return o
}

func (o *Object) adopt(alloc ffiruntime.Allocator) {
	a := &allocation{alloc: alloc}
	a.addr.Store(o.ptr.Load())
	o.own = a
	runtime.AddCleanup(o, func(a *allocation) { a.release() }, a)
}

// newView creates an object of type t aliasing base at offset bytes.
func newView(t *ctype.Type, base *Object, index int, offset uint64) *Object {
	o := &Object{
		env:    base.env,
		typ:    t,
		root:   base.root,
		base:   base,
		index:  index,
		offset: base.offset + offset,
		lock:   base.lock,
	}
	o.size.Store(t.Size())
	return o
}

func (o *Object) Type() *ctype.Type { return o.typ }
func (o *Object) Env() *Env         { return o.env }

// Addr is the address of the object's first byte.
func (o *Object) Addr() ffiruntime.Addr {
	return ffiruntime.Addr(o.root.ptr.Load() + o.offset)
}

// Size is the size of the memory block, at least the type size.
func (o *Object) Size() uint64 { return o.size.Load() }

// Len is the number of elements of an array, fields of an aggregate, or 1.
func (o *Object) Len() int { return o.typ.Len() }

// Owned reports whether the object owns its memory.
func (o *Object) Owned() bool { return o.own != nil }

// Base is the ownership parent of a view, nil for roots.
func (o *Object) Base() *Object { return o.base }

// BaseIndex is the position of a view within its base.
func (o *Object) BaseIndex() int { return o.index }

func (o *Object) String() string {
	return fmt.Sprintf("<%s object at 0x%x>", o.typ.Name(), uint64(o.Addr()))
}

// nodeKey returns the interned key of o inside its root's keep store.
func (o *Object) nodeKey() keyID {
	if o.base == nil {
		return rootKey
	}
	if k := o.node.Load(); k != 0 {
		return keyID(k)
	}
	k := o.root.keepStore().intern(o.base.nodeKey(), o.index)
	o.node.Store(uint32(k))
	return k
}

func (o *Object) keepStore() *keepStore {
	r := o.root
	if k := r.keep.Load(); k != nil {
		return k
	}
	r.keep.CompareAndSwap(nil, newKeepStore())
	return r.keep.Load()
}

// keepRef pins v in slot index of o for as long as o's root is reachable.
// A nil v clears the slot.
func (o *Object) keepRef(index int, v any) {
	if v == nil && o.root.keep.Load() == nil {
		return
	}
	o.keepStore().put(o.nodeKey(), index, v)
}

// KeepAlive pins v with o under key until o's root becomes unreachable
// or the key is reassigned. A nil v releases the key. Negative keys are
// reserved for the package.
func (o *Object) KeepAlive(key int, v any) {
	if key < 0 {
		panic("cdata: negative keepalive key")
	}
	o.keepRef(key, v)
}

func (o *Object) kept(index int) (any, bool) {
	k := o.root.keep.Load()
	if k == nil {
		return nil, false
	}
	return k.get(o.nodeKey(), index)
}

// keepChain is what a writer keeps when o's value is stored elsewhere:
// the keep store of o's root, which later registrations also land in.
func (o *Object) keepChain() any {
	return o.keepStore()
}

// read copies n bytes at off under the buffer lock.
func (o *Object) read(off, n uint64) ([]byte, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.env.Memory.Read(o.Addr()+ffiruntime.Addr(off), n)
}

// write copies data to off under the buffer lock.
func (o *Object) write(off uint64, data []byte) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.env.Memory.Write(o.Addr()+ffiruntime.Addr(off), data)
}

// update runs a read-modify-write of n bytes at off under the buffer lock.
func (o *Object) update(off, n uint64, fn func([]byte) error) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	addr := o.Addr() + ffiruntime.Addr(off)
	b, err := o.env.Memory.Read(addr, n)
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		return err
	}
	return o.env.Memory.Write(addr, b)
}

// Bytes returns a copy of the object's memory.
func (o *Object) Bytes() ([]byte, error) {
	return o.read(0, o.Size())
}

// Bool reports whether the value is non-zero. Aggregates are always true.
func (o *Object) Bool() (bool, error) {
	if o.typ.Kind().Aggregate() {
		return true, nil
	}
	raw, err := o.read(0, o.typ.Size())
	if err != nil {
		return false, err
	}
	for _, b := range raw {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// Buffer is a snapshot of an object exported through the buffer protocol.
type Buffer struct {
	Format   string
	Data     []byte
	Shape    []int
	ItemSize uint64
	ReadOnly bool
}

// Buffer exports the object's memory with its format and shape.
func (o *Object) Buffer() (Buffer, error) {
	data, err := o.Bytes()
	if err != nil {
		return Buffer{}, err
	}
	b := Buffer{
		Format:   o.typ.Format(),
		Data:     data,
		Shape:    o.typ.Shape(),
		ItemSize: o.typ.ItemSize(),
	}
	if ri, ok := o.env.Memory.(ffiruntime.RegionInfo); ok {
		b.ReadOnly = ri.ReadOnly(o.Addr())
	}
	return b, nil
}

// Attr returns an instance attribute.
func (o *Object) Attr(name string) (any, bool) {
	o.attrMu.Lock()
	defer o.attrMu.Unlock()
	v, ok := o.attrs[name]
	return v, ok
}

// SetAttr sets an instance attribute. Attributes travel with pickles.
func (o *Object) SetAttr(name string, v any) {
	o.attrMu.Lock()
	defer o.attrMu.Unlock()
	if o.attrs == nil {
		o.attrs = make(map[string]any)
	}
	o.attrs[name] = v
}

func (o *Object) attrSnapshot() map[string]any {
	o.attrMu.Lock()
	defer o.attrMu.Unlock()
	out := make(map[string]any, len(o.attrs))
	for k, v := range o.attrs {
		out[k] = v
	}
	return out
}

// CallArg snapshots the object as a call argument. Arrays decay to the
// address of their first element; aggregates are copied.
func (o *Object) CallArg() (ffiruntime.CallArg, error) {
	t := o.typ
	if t.Kind() == ctype.KindArray {
		return ffiruntime.CallArg{
			Tag:   ffiruntime.ArgPointer,
			ABI:   o.env.Store.MustScalar(ctype.CodeVoidP).ABI(),
			Bits:  uint64(o.Addr()),
			Owner: o,
		}, nil
	}
	raw, err := o.read(0, t.Size())
	if err != nil {
		return ffiruntime.CallArg{}, err
	}
	return t.CallArg(raw, o), nil
}

// isInstance reports whether o's type is t or derives from t.
func isInstance(o *Object, t *ctype.Type) bool {
	for it := o.typ; it != nil; it = it.Base() {
		if it == t {
			return true
		}
	}
	return false
}

func requireFinalized(t *ctype.Type) error {
	if !t.Finalized() {
		return errors.Abstract(t.Name())
	}
	return nil
}
