package cdata

import (
	"encoding/binary"

	"fortio.org/safecast"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

// MaxAsParameterDepth bounds AsParameter indirection chains.
const MaxAsParameterDepth = 100

// AsParameter is implemented by managed values that stand in for another
// value when passed to a native function.
type AsParameter interface {
	AsParameter() any
}

// FromParam converts v into something BuildArg accepts for a parameter of
// type t: an instance, a CArg, or a ready CallArg.
func (e *Env) FromParam(t *ctype.Type, v any) (any, error) {
	return e.fromParam(t, v, 0)
}

func (e *Env) fromParam(t *ctype.Type, v any, depth int) (any, error) {
	if depth > MaxAsParameterDepth {
		return nil, errors.New(errors.PhaseConvert, errors.KindRecursion).
			Type(t.Name()).
			Detail("maximum recursion depth exceeded while getting the as-parameter value").
			Build()
	}
	out, err := e.convertParam(t, v)
	if err == nil {
		return out, nil
	}
	ap, ok := v.(AsParameter)
	if !ok {
		return nil, err
	}
	out, nested := e.fromParam(t, ap.AsParameter(), depth+1)
	if nested != nil {
		if errors.IsKind(nested, errors.KindRecursion) {
			return nil, nested
		}
		return nil, errors.New(errors.PhaseConvert, errors.KindConversion).
			Type(t.Name()).
			Cause(nested).
			Detail("%s", err.Error()).
			Build()
	}
	return out, nil
}

func (e *Env) convertParam(t *ctype.Type, v any) (any, error) {
	if hook := t.FromParamHook(); hook != nil {
		return hook(v)
	}
	if o, ok := asObject(v); ok && isInstance(o, t) {
		return o, nil
	}
	switch t.Kind() {
	case ctype.KindPointer:
		return e.pointerParam(t, v)
	case ctype.KindFunc:
		if _, err := e.addressLiteral(v); err == nil {
			return e.pointerArg(v)
		}
		return nil, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), t.Name())
	case ctype.KindScalar:
		return e.scalarParam(t, v)
	}
	return nil, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), t.Name())
}

// addressLiteral accepts nil and integer addresses.
func (e *Env) addressLiteral(v any) (ffiruntime.Addr, error) {
	switch v.(type) {
	case nil, ffiruntime.Addr, int, uint64, uintptr:
		return e.addressOf(v)
	}
	return 0, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "address")
}

func (e *Env) pointerArg(v any) (ffiruntime.CallArg, error) {
	addr, err := e.addressOf(v)
	if err != nil {
		return ffiruntime.CallArg{}, err
	}
	return ffiruntime.CallArg{
		Tag:   ffiruntime.ArgPointer,
		ABI:   e.Store.MustScalar(ctype.CodeVoidP).ABI(),
		Bits:  uint64(addr),
		Owner: v,
	}, nil
}

func (e *Env) pointerParam(t *ctype.Type, v any) (any, error) {
	et := t.Elem()
	switch x := v.(type) {
	case nil:
		return e.pointerArg(nil)
	case CArg:
		if et == nil || isInstance(x.Obj, et) {
			return x, nil
		}
	}
	if o, ok := asObject(v); ok && et != nil {
		switch {
		case isInstance(o, et):
			return ByRef(o, 0), nil
		case o.typ.Kind() == ctype.KindArray && o.typ.Elem() == et:
			return o, nil
		case o.typ.Kind() == ctype.KindPointer && o.typ.Elem() == et:
			return o, nil
		}
	}
	return nil, errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
		Type(t.Name()).
		Value(v).
		Detail("expected %s instance instead of %s", t.Name(), typeName(v)).
		Build()
}

func pointsTo(o *Object, code byte) bool {
	switch o.typ.Kind() {
	case ctype.KindArray, ctype.KindPointer:
		return elemCode(o.typ) == code
	}
	return false
}

func (e *Env) scalarParam(t *ctype.Type, v any) (any, error) {
	switch t.Code() {
	case ctype.CodeCharP, ctype.CodeWCharP, ctype.CodeVoidP:
		return e.stringParam(t, v)
	case ctype.CodeObject:
		ref := e.pin(v)
		raw := make([]byte, t.Size())
		if err := t.Encode(raw, ffiruntime.Addr(ref.h)); err != nil {
			return nil, err
		}
		return t.CallArg(raw, ref), nil
	}
	raw := make([]byte, t.Size())
	if o, ok := asObject(v); ok {
		return nil, errors.TypeMismatch(errors.PhaseConvert, nil, o.typ.Name(), t.Name())
	}
	if err := t.Encode(raw, v); err != nil {
		return nil, err
	}
	return t.CallArg(raw, nil), nil
}

func (e *Env) stringParam(t *ctype.Type, v any) (any, error) {
	code := t.Code()
	if _, err := e.addressLiteral(v); err == nil {
		return e.pointerArg(v)
	}
	if c, ok := v.(CArg); ok && (code == ctype.CodeVoidP || (c.Obj.typ.Kind() == ctype.KindScalar && c.Obj.typ.Code() == charOf(code))) {
		return c, nil
	}
	switch x := v.(type) {
	case []byte:
		if code != ctype.CodeWCharP {
			return e.bufferArg(e.charBuffer(x))
		}
	case string:
		switch code {
		case ctype.CodeCharP:
			return e.bufferArg(e.charBuffer([]byte(x)))
		case ctype.CodeWCharP, ctype.CodeVoidP:
			return e.bufferArg(e.wideBuffer(x))
		}
	}
	if o, ok := asObject(v); ok {
		if code == ctype.CodeVoidP && (castable(o.typ) || o.typ.Kind() == ctype.KindArray) {
			return o, nil
		}
		if pointsTo(o, charOf(code)) {
			return o, nil
		}
		if o.typ.Kind() == ctype.KindScalar && (o.typ.Code() == ctype.CodeCharP || o.typ.Code() == ctype.CodeWCharP) &&
			(code == ctype.CodeVoidP || o.typ.Code() == code) {
			return o, nil
		}
	}
	return nil, errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
		Type(t.Name()).
		Value(v).
		Detail("wrong type %s for %s argument", typeName(v), t.Name()).
		Build()
}

func charOf(code byte) byte {
	if code == ctype.CodeWCharP {
		return ctype.CodeWChar
	}
	return ctype.CodeChar
}

func (e *Env) bufferArg(buf *Object, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// BuildArg turns a converted parameter, or any managed value passed
// without a declared type, into a call argument.
func (e *Env) BuildArg(v any) (ffiruntime.CallArg, error) {
	return e.buildArg(v, 0)
}

func (e *Env) buildArg(v any, depth int) (ffiruntime.CallArg, error) {
	if depth > MaxAsParameterDepth {
		return ffiruntime.CallArg{}, errors.New(errors.PhaseConvert, errors.KindRecursion).
			Detail("maximum recursion depth exceeded while getting the as-parameter value").
			Build()
	}
	arg, err := e.ConvParam(v)
	if err == nil {
		return arg, nil
	}
	ap, ok := v.(AsParameter)
	if !ok {
		return ffiruntime.CallArg{}, err
	}
	arg, nested := e.buildArg(ap.AsParameter(), depth+1)
	if nested != nil {
		if errors.IsKind(nested, errors.KindRecursion) {
			return ffiruntime.CallArg{}, nested
		}
		return ffiruntime.CallArg{}, errors.New(errors.PhaseConvert, errors.KindConversion).
			Cause(nested).
			Detail("%s", err.Error()).
			Build()
	}
	return arg, nil
}

// ConvParam converts a value without a declared parameter type: instances,
// references and ready call arguments pass through, nil is NULL, integers
// become C int, byte strings and strings become temporary NUL-terminated
// buffers.
func (e *Env) ConvParam(v any) (ffiruntime.CallArg, error) {
	if o, ok := asObject(v); ok {
		return o.CallArg()
	}
	switch x := v.(type) {
	case ffiruntime.CallArg:
		return x, nil
	case CArg:
		return x.CallArg(), nil
	case nil, ffiruntime.Addr:
		return e.pointerArg(x)
	case []byte:
		buf, err := e.charBuffer(x)
		if err != nil {
			return ffiruntime.CallArg{}, err
		}
		return buf.CallArg()
	case string:
		buf, err := e.wideBuffer(x)
		if err != nil {
			return ffiruntime.CallArg{}, err
		}
		return buf.CallArg()
	case bool:
		if x {
			return e.intArg(1, nil)
		}
		return e.intArg(0, nil)
	}
	if n, ok, err := cInt(v); ok {
		if err != nil {
			return ffiruntime.CallArg{}, err
		}
		return e.intArg(n, nil)
	}
	return ffiruntime.CallArg{}, errors.New(errors.PhaseConvert, errors.KindConversion).
		Value(v).
		Detail("Don't know how to convert parameter of type %s", typeName(v)).
		Build()
}

// cInt range-checks a managed integer for a C int argument. ok is false
// for non-integers.
func cInt(v any) (n int32, ok bool, err error) {
	switch x := v.(type) {
	case int:
		n, err = safecast.Conv[int32](x)
	case int8:
		n = int32(x)
	case int16:
		n = int32(x)
	case int32:
		n = x
	case int64:
		n, err = safecast.Conv[int32](x)
	case uint8:
		n = int32(x)
	case uint16:
		n = int32(x)
	case uint:
		var u uint32
		u, err = safecast.Conv[uint32](x)
		n = int32(u)
	case uint32:
		n = int32(x)
	case uint64:
		var u uint32
		u, err = safecast.Conv[uint32](x)
		n = int32(u)
	default:
		return 0, false, nil
	}
	if err != nil {
		return 0, true, errors.Overflow(errors.PhaseConvert, nil, v, "c_int")
	}
	return n, true, nil
}

func (e *Env) intArg(n int32, owner any) (ffiruntime.CallArg, error) {
	return ffiruntime.CallArg{
		Tag:   ffiruntime.ArgInt,
		ABI:   e.Store.MustScalar(ctype.CodeInt).ABI(),
		Bits:  uint64(int64(n)),
		Owner: owner,
	}, nil
}

// Prepare encodes v as a t-typed value. The second result must be kept
// reachable for as long as the bytes are in use.
func (e *Env) Prepare(t *ctype.Type, v any) ([]byte, any, error) {
	return e.prepare(t, v)
}

// FromOutParam normalizes an output argument: plain scalar instances yield
// their value, everything else is returned unchanged.
func FromOutParam(v any) (any, error) {
	o, ok := asObject(v)
	if !ok || o.typ.Kind() != ctype.KindScalar || o.typ.Derived() {
		return v, nil
	}
	return o.Value()
}

// Result reconstructs a call result of type t from raw bytes. Plain scalars
// become values; derived scalars, pointers and aggregates become owned
// instances.
func (e *Env) Result(t *ctype.Type, raw []byte) (any, error) {
	if t == nil {
		return nil, nil
	}
	if t.Kind() == ctype.KindScalar && !t.Derived() {
		return e.decode(t, raw)
	}
	return e.FromBytes(t, raw)
}

// FromCallArg reconstructs a value of type t received as a call argument.
func (e *Env) FromCallArg(t *ctype.Type, arg ffiruntime.CallArg) (any, error) {
	if t.Kind().Aggregate() && t.Kind() != ctype.KindArray {
		return e.Result(t, arg.Bytes)
	}
	raw := make([]byte, t.Size())
	putBits(raw, t.Order(), arg.Bits)
	return e.Result(t, raw)
}

func putBits(raw []byte, order binary.ByteOrder, bits uint64) {
	switch len(raw) {
	case 1:
		raw[0] = byte(bits)
	case 2:
		order.PutUint16(raw, uint16(bits))
	case 4:
		order.PutUint32(raw, uint32(bits))
	case 8:
		order.PutUint64(raw, bits)
	}
}
