package cdata

import (
	"strconv"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

// target returns the address held by a pointer object.
func (o *Object) target() (ffiruntime.Addr, error) {
	raw, err := o.read(0, o.typ.Size())
	if err != nil {
		return 0, err
	}
	v, err := o.typ.Decode(raw)
	if err != nil {
		return 0, err
	}
	return v.(ffiruntime.Addr), nil
}

// CString reads the bytes a c_char pointer points at, up to the first NUL.
func (o *Object) CString() ([]byte, error) {
	if !o.typ.IsCharPointer() {
		return nil, errors.Unsupported(errors.PhaseAccess, o.typ.Name()+" is not a c_char pointer")
	}
	addr, err := o.target()
	if err != nil {
		return nil, err
	}
	if addr == ffiruntime.Null {
		return nil, errors.NullPointer(errors.PhaseAccess, o.typ.Name())
	}
	return o.env.scan(addr, 1)
}

// WString reads the string a c_wchar pointer points at, up to the first
// NUL character.
func (o *Object) WString() (string, error) {
	if !o.typ.IsWCharPointer() {
		return "", errors.Unsupported(errors.PhaseAccess, o.typ.Name()+" is not a c_wchar pointer")
	}
	addr, err := o.target()
	if err != nil {
		return "", err
	}
	if addr == ffiruntime.Null {
		return "", errors.NullPointer(errors.PhaseAccess, o.typ.Name())
	}
	raw, err := o.env.scan(addr, o.typ.Elem().Size())
	if err != nil {
		return "", err
	}
	return o.typ.DecodeWide(raw)
}

// detached creates a root aliasing memory at addr that keeps anchor
// reachable.
func (e *Env) detached(t *ctype.Type, addr ffiruntime.Addr, anchor any) *Object {
	o := newRoot(e, t, addr, t.Size())
	o.anchor = anchor
	return o
}

// pointee returns an object for the i-th element past the pointer's target.
func (o *Object) pointee(i int) (*Object, error) {
	et := o.typ.Elem()
	if et == nil {
		return nil, errors.Configuration(errors.PhaseAccess, o.typ.Name(), "pointer type has no element type")
	}
	addr, err := o.target()
	if err != nil {
		return nil, err
	}
	if addr == ffiruntime.Null {
		return nil, errors.NullPointer(errors.PhaseAccess, o.typ.Name())
	}
	addr += ffiruntime.Addr(int64(i) * int64(et.Size()))
	return o.env.detached(et, addr, o), nil
}

// Contents returns an object aliasing the memory the pointer points to.
// Each call returns a new object; it keeps the pointer reachable.
func (o *Object) Contents() (*Object, error) {
	if o.typ.Kind() != ctype.KindPointer {
		return nil, errors.Unsupported(errors.PhaseAccess, o.typ.Name()+" is not a pointer")
	}
	return o.pointee(0)
}

// SetContents points the pointer at v, which must be an instance of the
// element type, and keeps v alive.
func (o *Object) SetContents(v any) error {
	t := o.typ
	if t.Kind() != ctype.KindPointer {
		return errors.Unsupported(errors.PhaseAccess, t.Name()+" is not a pointer")
	}
	et := t.Elem()
	if et == nil {
		return errors.Configuration(errors.PhaseAccess, t.Name(), "pointer type has no element type")
	}
	src, ok := asObject(v)
	if !ok || !isInstance(src, et) {
		return errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), et.Name())
	}
	raw := make([]byte, t.Size())
	if err := t.Encode(raw, src.Addr()); err != nil {
		return err
	}
	if err := o.write(0, raw); err != nil {
		return err
	}
	o.keepRef(slotContents, src)
	return nil
}

// Pointer returns a new pointer object pointing at o.
func Pointer(o *Object) (*Object, error) {
	pt, err := o.env.Store.PointerTo(o.typ)
	if err != nil {
		return nil, err
	}
	p, err := o.env.New(pt)
	if err != nil {
		return nil, err
	}
	if err := p.SetContents(o); err != nil {
		return nil, err
	}
	return p, nil
}

// AddressOf returns the address of o's memory.
func AddressOf(o *Object) ffiruntime.Addr { return o.Addr() }

// CArg is a lightweight by-reference argument produced by ByRef.
type CArg struct {
	Obj    *Object
	Offset uint64
}

// ByRef passes o by reference at the given byte offset.
func ByRef(o *Object, offset uint64) CArg {
	return CArg{Obj: o, Offset: offset}
}

// Addr returns the referenced address.
func (c CArg) Addr() ffiruntime.Addr { return c.Obj.Addr() + ffiruntime.Addr(c.Offset) }

// CallArg converts the reference to a pointer call argument.
func (c CArg) CallArg() ffiruntime.CallArg {
	return ffiruntime.CallArg{
		Tag:   ffiruntime.ArgPointer,
		ABI:   c.Obj.env.Store.MustScalar(ctype.CodeVoidP).ABI(),
		Bits:  uint64(c.Addr()),
		Owner: c.Obj,
	}
}

func castable(t *ctype.Type) bool {
	switch t.Kind() {
	case ctype.KindPointer, ctype.KindFunc:
		return true
	case ctype.KindScalar:
		switch t.Code() {
		case ctype.CodeCharP, ctype.CodeWCharP, ctype.CodeVoidP:
			return true
		}
	}
	return false
}

// addressOf returns the address a pointer-like value denotes: what a
// pointer holds, where an array lives, or an integer address.
func (e *Env) addressOf(v any) (ffiruntime.Addr, error) {
	switch x := v.(type) {
	case nil:
		return ffiruntime.Null, nil
	case ffiruntime.Addr:
		return x, nil
	case CArg:
		return x.Addr(), nil
	case int:
		return ffiruntime.Addr(x), nil
	case uint64:
		return ffiruntime.Addr(x), nil
	case uintptr:
		return ffiruntime.Addr(x), nil
	}
	src, ok := asObject(v)
	if !ok {
		return 0, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "pointer, array or address")
	}
	if src.typ.Kind() == ctype.KindArray {
		return src.Addr(), nil
	}
	if !castable(src.typ) {
		return 0, errors.TypeMismatch(errors.PhaseConvert, nil, src.typ.Name(), "pointer, array or address")
	}
	return src.target()
}

// Cast reinterprets a pointer-like value as pointer type t. The result
// holds the same address and keeps the source object reachable.
func Cast(e *Env, v any, t *ctype.Type) (*Object, error) {
	if !castable(t) {
		return nil, errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
			Type(t.Name()).
			Detail("cast() argument 2 must be a pointer type, not %s", t.Name()).
			Build()
	}
	addr, err := e.addressOf(v)
	if err != nil {
		return nil, err
	}
	out, err := e.New(t)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, t.Size())
	if err := t.Encode(raw, addr); err != nil {
		return nil, err
	}
	if err := out.write(0, raw); err != nil {
		return nil, err
	}
	if src, ok := asObject(v); ok {
		out.keepRef(slotCast, src)
	} else if c, ok := v.(CArg); ok {
		out.keepRef(slotCast, c.Obj)
	}
	return out, nil
}

// Resize grows or shrinks the memory block of an owned object. The block
// never becomes smaller than the type. Existing contents are preserved and
// views follow the move.
func Resize(o *Object, size uint64) error {
	if o.own == nil || o.base != nil {
		return errors.InvalidValue(errors.PhaseMemory, nil, "Memory cannot be resized because this object doesn't own it")
	}
	if least := o.typ.Size(); size < least {
		return errors.InvalidValue(errors.PhaseMemory, nil, "minimum size is "+strconv.FormatUint(least, 10))
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	cur := o.size.Load()
	if size <= cur {
		o.size.Store(size)
		return nil
	}
	e := o.env
	addr, err := e.Alloc.Alloc(size, max(o.typ.Align(), 1))
	if err != nil {
		return err
	}
	if err := e.Memory.Fill(addr, 0, size); err != nil {
		e.Alloc.Free(addr)
		return err
	}
	old := ffiruntime.Addr(o.ptr.Load())
	if err := e.Memory.Move(addr, old, cur); err != nil {
		e.Alloc.Free(addr)
		return err
	}
	o.own.addr.Store(uint64(addr))
	o.ptr.Store(uint64(addr))
	o.size.Store(size)
	e.Alloc.Free(old)
	Logger().Debug("resized",
		zap.String("type", o.typ.Name()),
		zap.Uint64("from", uint64(old)),
		zap.Uint64("to", uint64(addr)),
		zap.Uint64("size", size))
	return nil
}
