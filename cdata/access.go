package cdata

import (
	"fmt"
	"runtime"
	"unicode/utf8"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/handle"
)

func typeName(v any) string {
	if o, ok := asObject(v); ok {
		return o.typ.Name()
	}
	if v == nil {
		return "None"
	}
	return fmt.Sprintf("%T", v)
}

// viewable reports whether reads of a t-typed member produce an object
// sharing memory instead of a decoded value.
func viewable(t *ctype.Type) bool {
	switch t.Kind() {
	case ctype.KindScalar:
		return t.Derived()
	}
	return true
}

func elemCode(t *ctype.Type) byte {
	if e := t.Elem(); e != nil && e.Kind() == ctype.KindScalar {
		return e.Code()
	}
	return 0
}

// decode turns the raw bytes of a plain scalar into its managed value,
// following c_char_p, c_wchar_p and py_object indirections.
func (e *Env) decode(t *ctype.Type, raw []byte) (any, error) {
	v, err := t.Decode(raw)
	if err != nil {
		return nil, err
	}
	if t.Kind() != ctype.KindScalar {
		return v, nil
	}
	switch t.Code() {
	case ctype.CodeCharP:
		addr := v.(ffiruntime.Addr)
		if addr == ffiruntime.Null {
			return nil, nil
		}
		return e.scan(addr, 1)
	case ctype.CodeWCharP:
		addr := v.(ffiruntime.Addr)
		if addr == ffiruntime.Null {
			return nil, nil
		}
		wt := e.Store.MustScalar(ctype.CodeWChar)
		b, err := e.scan(addr, wt.Size())
		if err != nil {
			return nil, err
		}
		return wt.DecodeWide(b)
	case ctype.CodeObject:
		return e.unpin(v.(ffiruntime.Addr))
	}
	return v, nil
}

// pinnedRef holds a handle-table reference for as long as it is reachable.
type pinnedRef struct {
	value any
	h     handle.Handle
}

func (e *Env) pin(v any) *pinnedRef {
	h := e.Objects.Insert(v)
	ref := &pinnedRef{value: v, h: h}
	objects := e.Objects
	runtime.AddCleanup(ref, func(h handle.Handle) { objects.Release(h) }, h)
	return ref
}

func (e *Env) unpin(addr ffiruntime.Addr) (any, error) {
	if addr == ffiruntime.Null {
		return nil, errors.New(errors.PhaseAccess, errors.KindNullPointer).
			Type("py_object").
			Detail("PyObject is NULL").
			Build()
	}
	v, ok := e.Objects.Get(handle.Handle(addr))
	if !ok {
		return nil, errors.InvalidValue(errors.PhaseAccess, nil, fmt.Sprintf("stale object handle %d", addr))
	}
	return v, nil
}

// charBuffer allocates a NUL-terminated copy of b.
func (e *Env) charBuffer(b []byte) (*Object, error) {
	at, err := e.Store.ArrayOf(e.Store.MustScalar(ctype.CodeChar), len(b)+1)
	if err != nil {
		return nil, err
	}
	o, err := e.allocate(at, at.Size())
	if err != nil {
		return nil, err
	}
	return o, o.write(0, b)
}

// wideBuffer allocates a NUL-terminated wchar_t copy of s.
func (e *Env) wideBuffer(s string) (*Object, error) {
	wt := e.Store.MustScalar(ctype.CodeWChar)
	raw, err := wt.EncodeWide(s)
	if err != nil {
		return nil, err
	}
	at, err := e.Store.ArrayOf(wt, len(raw)/int(wt.Size())+1)
	if err != nil {
		return nil, err
	}
	o, err := e.allocate(at, at.Size())
	if err != nil {
		return nil, err
	}
	return o, o.write(0, raw)
}

// prepare encodes v as a t-typed value. It returns the bytes to store and
// the value the destination must keep alive, if any. Source objects are
// read under their own lock before the destination is touched.
func (e *Env) prepare(t *ctype.Type, v any) ([]byte, any, error) {
	raw := make([]byte, t.Size())
	if src, ok := asObject(v); ok {
		return e.prepareObject(t, src, raw)
	}
	switch t.Kind() {
	case ctype.KindStruct, ctype.KindUnion, ctype.KindArray:
		return e.prepareAggregate(t, v)
	case ctype.KindPointer, ctype.KindFunc:
		switch x := v.(type) {
		case nil:
			return raw, nil, nil
		case ffiruntime.Addr:
			return raw, nil, t.Encode(raw, x)
		}
		return nil, nil, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), t.Name())
	}
	switch t.Code() {
	case ctype.CodeCharP:
		var b []byte
		switch x := v.(type) {
		case []byte:
			b = x
		case string:
			b = []byte(x)
		default:
			if err := t.Encode(raw, v); err != nil {
				return nil, nil, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "bytes or integer address")
			}
			return raw, nil, nil
		}
		buf, err := e.charBuffer(b)
		if err != nil {
			return nil, nil, err
		}
		return raw, buf, t.Encode(raw, buf.Addr())
	case ctype.CodeWCharP:
		s, ok := v.(string)
		if !ok {
			if err := t.Encode(raw, v); err != nil {
				return nil, nil, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "string or integer address")
			}
			return raw, nil, nil
		}
		buf, err := e.wideBuffer(s)
		if err != nil {
			return nil, nil, err
		}
		return raw, buf, t.Encode(raw, buf.Addr())
	case ctype.CodeObject:
		ref := e.pin(v)
		return raw, ref, t.Encode(raw, ffiruntime.Addr(ref.h))
	}
	return raw, nil, t.Encode(raw, v)
}

func (e *Env) prepareObject(t *ctype.Type, src *Object, raw []byte) ([]byte, any, error) {
	if isInstance(src, t) {
		b, err := src.read(0, t.Size())
		if err != nil {
			return nil, nil, err
		}
		var keep any
		if t.Has(ctype.FlagPointer | ctype.FlagHasPointer) {
			keep = src.keepChain()
		}
		return b, keep, nil
	}
	// An array may be stored into a pointer to its element type.
	if t.Kind() == ctype.KindPointer && src.typ.Kind() == ctype.KindArray && src.typ.Elem() == t.Elem() {
		return raw, src, t.Encode(raw, src.Addr())
	}
	return nil, nil, errors.TypeMismatch(errors.PhaseConvert, nil, src.typ.Name(), t.Name())
}

// prepareAggregate builds an aggregate from a sequence or byte/string
// literal through a temporary instance.
func (e *Env) prepareAggregate(t *ctype.Type, v any) ([]byte, any, error) {
	tmp, err := e.allocate(t, t.Size())
	if err != nil {
		return nil, nil, err
	}
	switch x := v.(type) {
	case []any:
		err = tmp.initialize(x)
	case map[string]any:
		err = tmp.initialize([]any{x})
	case []byte, string:
		if t.Kind() != ctype.KindArray {
			return nil, nil, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), t.Name())
		}
		err = tmp.SetValue(x)
	default:
		return nil, nil, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), t.Name())
	}
	if err != nil {
		return nil, nil, err
	}
	raw, err := tmp.read(0, t.Size())
	if err != nil {
		return nil, nil, err
	}
	var keep any
	if t.Has(ctype.FlagHasPointer) {
		keep = tmp.keepChain()
	}
	return raw, keep, nil
}

// member returns the value of a t-typed member at off. index is the
// member's position, used as the base index of returned views.
func (o *Object) member(t *ctype.Type, index int, off uint64) (any, error) {
	if viewable(t) {
		return newView(t, o, index, off), nil
	}
	raw, err := o.read(off, t.Size())
	if err != nil {
		return nil, err
	}
	return o.env.decode(t, raw)
}

// setMember stores v into a t-typed member at off and records whatever v
// needs kept alive under index.
func (o *Object) setMember(t *ctype.Type, index int, off uint64, v any) error {
	raw, keep, err := o.env.prepare(t, v)
	if err != nil {
		return err
	}
	if err := o.write(off, raw); err != nil {
		return err
	}
	o.keepRef(index, keep)
	return nil
}

// Value returns the managed value of a scalar, the bytes up to NUL of a
// char array, the string up to NUL of a wchar_t array, or the address held
// by a pointer.
func (o *Object) Value() (any, error) {
	t := o.typ
	switch t.Kind() {
	case ctype.KindScalar:
		raw, err := o.read(0, t.Size())
		if err != nil {
			return nil, err
		}
		return o.env.decode(t, raw)
	case ctype.KindPointer, ctype.KindFunc:
		raw, err := o.read(0, t.Size())
		if err != nil {
			return nil, err
		}
		return t.Decode(raw)
	case ctype.KindArray:
		raw, err := o.read(0, t.Size())
		if err != nil {
			return nil, err
		}
		switch elemCode(t) {
		case ctype.CodeChar:
			for i, c := range raw {
				if c == 0 {
					return raw[:i], nil
				}
			}
			return raw, nil
		case ctype.CodeWChar:
			return t.DecodeWide(raw)
		}
	}
	return nil, errors.Unsupported(errors.PhaseAccess, t.Name()+" has no value")
}

// SetValue replaces the value. Char arrays accept bytes, which are NUL
// terminated when shorter than the array. Wchar_t arrays accept strings.
func (o *Object) SetValue(v any) error {
	t := o.typ
	switch t.Kind() {
	case ctype.KindScalar, ctype.KindPointer, ctype.KindFunc:
		if src, ok := asObject(v); ok && t.Kind() == ctype.KindScalar && !isInstance(src, t) {
			// c_int(c_int(3)) style: take the source's value.
			val, err := src.Value()
			if err != nil {
				return err
			}
			v = val
		}
		return o.setMember(t, slotValue, 0, v)
	case ctype.KindArray:
		switch elemCode(t) {
		case ctype.CodeChar:
			b, ok := bytesOf(v)
			if !ok {
				return errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "bytes")
			}
			if len(b) > t.Len() {
				return errors.InvalidValue(errors.PhaseConvert, nil, "byte string too long")
			}
			if len(b) < t.Len() {
				b = append(append([]byte(nil), b...), 0)
			}
			return o.write(0, b)
		case ctype.CodeWChar:
			s, ok := v.(string)
			if !ok {
				return errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "string")
			}
			raw, err := t.EncodeWide(s)
			if err != nil {
				return err
			}
			if uint64(len(raw)) > t.Size() {
				return errors.InvalidValue(errors.PhaseConvert, nil, "string too long")
			}
			if uint64(len(raw)) < t.Size() {
				raw = append(raw, make([]byte, t.Elem().Size())...)
			}
			return o.write(0, raw)
		}
	}
	return errors.Unsupported(errors.PhaseAccess, t.Name()+" has no value")
}

func bytesOf(v any) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		return []byte(x), true
	}
	return nil, false
}

// Raw returns all bytes of a char array, including any NULs.
func (o *Object) Raw() ([]byte, error) {
	if o.typ.Kind() != ctype.KindArray || elemCode(o.typ) != ctype.CodeChar {
		return nil, errors.Unsupported(errors.PhaseAccess, o.typ.Name()+" has no raw value")
	}
	return o.read(0, o.typ.Size())
}

// SetRaw overwrites the start of a char array with b.
func (o *Object) SetRaw(b []byte) error {
	if o.typ.Kind() != ctype.KindArray || elemCode(o.typ) != ctype.CodeChar {
		return errors.Unsupported(errors.PhaseAccess, o.typ.Name()+" has no raw value")
	}
	if uint64(len(b)) > o.typ.Size() {
		return errors.InvalidValue(errors.PhaseConvert, nil, "byte string too long")
	}
	return o.write(0, b)
}

func (o *Object) arrayIndex(i int) (int, error) {
	n := o.typ.Len()
	if i < 0 || i >= n {
		return 0, errors.OutOfBounds(errors.PhaseAccess, []string{o.typ.Name()}, i, n)
	}
	return i, nil
}

// Index returns element i of an array, or the i-th element past the
// address held by a pointer. Array indices must lie in [0, Len).
func (o *Object) Index(i int) (any, error) {
	t := o.typ
	switch t.Kind() {
	case ctype.KindArray:
		i, err := o.arrayIndex(i)
		if err != nil {
			return nil, err
		}
		et := t.Elem()
		return o.member(et, i, uint64(i)*et.Size())
	case ctype.KindPointer:
		target, err := o.pointee(i)
		if err != nil {
			return nil, err
		}
		if viewable(target.typ) {
			return target, nil
		}
		raw, err := target.read(0, target.typ.Size())
		if err != nil {
			return nil, err
		}
		return o.env.decode(target.typ, raw)
	}
	return nil, errors.Unsupported(errors.PhaseAccess, t.Name()+" is not indexable")
}

// SetIndex stores v at element i.
func (o *Object) SetIndex(i int, v any) error {
	t := o.typ
	switch t.Kind() {
	case ctype.KindArray:
		i, err := o.arrayIndex(i)
		if err != nil {
			return err
		}
		et := t.Elem()
		return o.setMember(et, i, uint64(i)*et.Size(), v)
	case ctype.KindPointer:
		target, err := o.pointee(i)
		if err != nil {
			return err
		}
		raw, keep, err := o.env.prepare(target.typ, v)
		if err != nil {
			return err
		}
		if err := target.write(0, raw); err != nil {
			return err
		}
		o.keepRef(i, keep)
		return nil
	}
	return errors.Unsupported(errors.PhaseAccess, t.Name()+" is not indexable")
}

// sliceBounds clamps lo and hi like a sequence slice of an array.
func (o *Object) sliceBounds(lo, hi int) (int, int) {
	n := o.typ.Len()
	clamp := func(i int) int {
		if i < 0 {
			i += n
		}
		return min(max(i, 0), n)
	}
	lo, hi = clamp(lo), clamp(hi)
	return lo, max(hi, lo)
}

// Slice returns elements lo through hi-1. Char elements produce bytes and
// wchar_t elements a string. On pointers the bounds are taken as given and
// hi must not be below lo.
func (o *Object) Slice(lo, hi int) (any, error) {
	t := o.typ
	var base ffiruntime.Addr
	switch t.Kind() {
	case ctype.KindArray:
		lo, hi = o.sliceBounds(lo, hi)
		base = o.Addr()
	case ctype.KindPointer:
		if hi < lo {
			return nil, errors.InvalidValue(errors.PhaseAccess, nil, "slice stop must not be below start")
		}
		addr, err := o.target()
		if err != nil {
			return nil, err
		}
		base = addr
	default:
		return nil, errors.Unsupported(errors.PhaseAccess, t.Name()+" is not sliceable")
	}
	et := t.Elem()
	if et == nil {
		return nil, errors.Configuration(errors.PhaseAccess, t.Name(), "pointer type has no element type")
	}
	size := et.Size()
	n := hi - lo
	start := base + ffiruntime.Addr(int64(lo)*int64(size))
	switch elemCode(t) {
	case ctype.CodeChar:
		return o.readAt(start, uint64(n))
	case ctype.CodeWChar:
		raw, err := o.readAt(start, uint64(n)*size)
		if err != nil {
			return nil, err
		}
		return wideExact(et, raw)
	}
	out := make([]any, 0, n)
	for i := lo; i < hi; i++ {
		v, err := o.Index(i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// wideExact decodes every unit of raw, NULs included.
func wideExact(et *ctype.Type, raw []byte) (string, error) {
	var s []rune
	unit := int(et.Size())
	for i := 0; i+unit <= len(raw); i += unit {
		v, err := et.Decode(raw[i : i+unit])
		if err != nil {
			return "", err
		}
		r := v.(rune)
		if !utf8.ValidRune(r) {
			r = utf8.RuneError
		}
		s = append(s, r)
	}
	return string(s), nil
}

// readAt reads memory owned by o's buffer or, for pointers, memory o
// points into.
func (o *Object) readAt(addr ffiruntime.Addr, n uint64) ([]byte, error) {
	if o.typ.Kind() == ctype.KindArray {
		return o.read(uint64(addr-o.Addr()), n)
	}
	return o.env.Memory.Read(addr, n)
}

// SetSlice replaces elements lo through hi-1 with v, which must hold
// exactly hi-lo elements. Nothing is written when any element fails to
// convert.
func (o *Object) SetSlice(lo, hi int, v any) error {
	t := o.typ
	switch t.Kind() {
	case ctype.KindArray:
		lo, hi = o.sliceBounds(lo, hi)
	case ctype.KindPointer:
		if hi < lo {
			return errors.InvalidValue(errors.PhaseAccess, nil, "slice stop must not be below start")
		}
	default:
		return errors.Unsupported(errors.PhaseAccess, t.Name()+" is not sliceable")
	}
	et := t.Elem()
	if et == nil {
		return errors.Configuration(errors.PhaseAccess, t.Name(), "pointer type has no element type")
	}
	items, err := sliceItems(et, v)
	if err != nil {
		return err
	}
	if len(items) != hi-lo {
		return errors.InvalidValue(errors.PhaseConvert, nil, "Can only assign sequence of same size")
	}
	size := et.Size()
	buf := make([]byte, 0, uint64(len(items))*size)
	keeps := make([]any, len(items))
	for i, item := range items {
		raw, keep, err := o.env.prepare(et, item)
		if err != nil {
			return errors.WithPath(err, fmt.Sprintf("[%d]", lo+i))
		}
		buf = append(buf, raw...)
		keeps[i] = keep
	}
	if t.Kind() == ctype.KindArray {
		err = o.write(uint64(lo)*size, buf)
	} else {
		var addr ffiruntime.Addr
		if addr, err = o.target(); err == nil {
			err = o.env.Memory.Write(addr+ffiruntime.Addr(int64(lo)*int64(size)), buf)
		}
	}
	if err != nil {
		return err
	}
	for i, keep := range keeps {
		if keep != nil {
			o.keepRef(lo+i, keep)
		}
	}
	return nil
}

func sliceItems(et *ctype.Type, v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []byte:
		if et.Kind() == ctype.KindScalar && et.Code() == ctype.CodeChar {
			items := make([]any, len(x))
			for i, c := range x {
				items[i] = c
			}
			return items, nil
		}
	case string:
		if et.Kind() == ctype.KindScalar && et.Code() == ctype.CodeWChar {
			items := make([]any, 0, len(x))
			for _, r := range x {
				items = append(items, r)
			}
			return items, nil
		}
	}
	return nil, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "sequence of "+et.Name())
}

// walk resolves name to the object directly holding the field, creating
// views for anonymous members along the way.
func (o *Object) walk(name string) (*Object, ctype.Field, error) {
	t := o.typ
	if !t.Kind().Aggregate() || t.Kind() == ctype.KindArray {
		return nil, ctype.Field{}, errors.Unsupported(errors.PhaseAccess, t.Name()+" has no fields")
	}
	path, ok := t.FieldPath(name)
	if !ok {
		return nil, ctype.Field{}, errors.NotFound(errors.PhaseAccess, "field", name)
	}
	cur := o
	for _, i := range path[:len(path)-1] {
		f := cur.typ.Fields()[i]
		cur = newView(f.Type, cur, f.Index, f.Offset)
	}
	return cur, cur.typ.Fields()[path[len(path)-1]], nil
}

// Field reads a struct or union member. Aggregate, pointer and derived
// scalar members come back as objects sharing this object's memory.
func (o *Object) Field(name string) (any, error) {
	cur, f, err := o.walk(name)
	if err != nil {
		return nil, err
	}
	if f.Bitfield() {
		unit, err := cur.read(f.Offset, f.Type.Size())
		if err != nil {
			return nil, err
		}
		return f.DecodeBits(unit), nil
	}
	v, err := cur.member(f.Type, f.Index, f.Offset)
	if err != nil {
		return nil, errors.WithPath(err, name)
	}
	return v, nil
}

// SetField writes a struct or union member.
func (o *Object) SetField(name string, v any) error {
	cur, f, err := o.walk(name)
	if err != nil {
		return err
	}
	if f.Bitfield() {
		if in, ok := asObject(v); ok {
			if v, err = in.Value(); err != nil {
				return err
			}
		}
		return cur.update(f.Offset, f.Type.Size(), func(unit []byte) error {
			return f.EncodeBits(unit, v)
		})
	}
	if err := cur.setMember(f.Type, f.Index, f.Offset, v); err != nil {
		return errors.WithPath(err, name)
	}
	return nil
}
