package callproc

import (
	"context"
	"runtime"
	"strconv"
	"sync"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/cdata"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

// Callback is a managed function called from native code. Arguments arrive
// decoded by the argument types of the signature: plain scalars as values,
// aggregates as owned copies and pointers as pointer objects.
type Callback func(args ...any) (any, error)

// Keepalive keys of a callback object.
const (
	keyCallable = iota
	keyTrampoline
)

// callback is the state a trampoline dispatches to. It never references
// the FuncPtr, so the FuncPtr can become unreachable while the trampoline
// is registered with the backend.
type callback struct {
	env   *cdata.Env
	fn    Callback
	ftype *ctype.Type
	rel   *releaser
	args  []*ctype.Type
	last  any // keepalive of the most recent result
	mu    sync.Mutex
}

type releaser struct {
	fn   func()
	once sync.Once
}

func (r *releaser) do() { r.once.Do(r.fn) }

// trampoline is kept by the callback object and by everything holding its
// keepalive chain. The trampoline is destroyed once none of them is
// reachable, or on Release.
type trampoline struct {
	rel  *releaser
	addr ffiruntime.Addr
}

// NewCallback creates a function pointer of type ftype whose entry is a
// trampoline calling fn. The trampoline lives until Release or until
// nothing references the callback object or a copy of its address made
// through cdata.
func (d *Dispatcher) NewCallback(ftype *ctype.Type, fn Callback) (*FuncPtr, error) {
	if err := funcType(ftype); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.InvalidValue(errors.PhaseCallback, nil, "callback function is nil")
	}
	if d.tramps == nil {
		return nil, errors.Unsupported(errors.PhaseCallback, "backend has no trampoline factory")
	}
	ret := ffiruntime.ABITypeVoid
	if rt := ftype.Restype(); rt != nil {
		switch rt.Kind() {
		case ctype.KindScalar, ctype.KindPointer, ctype.KindFunc:
		default:
			return nil, errors.Configuration(errors.PhaseCallback, rt.Name(), "invalid result type for callback function")
		}
		ret = rt.ABI()
	}

	cb := &callback{env: d.env, fn: fn, ftype: ftype}
	abis := make([]*ffiruntime.ABIType, len(ftype.ArgTypes()))
	for i, at := range ftype.ArgTypes() {
		if at.Kind() == ctype.KindArray {
			// Arrays decay to a pointer to their first element.
			pt, err := d.env.Store.PointerTo(at.Elem())
			if err != nil {
				return nil, err
			}
			at = pt
		}
		cb.args = append(cb.args, at)
		abis[i] = at.ABI()
	}

	addr, release, err := d.tramps.MakeTrampoline(cb.handle, abis, ret, ftype.CallConv())
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCallback, errors.KindNativeCall, err, "create trampoline")
	}
	cb.rel = &releaser{fn: release}

	o, err := d.env.New(ftype, addr)
	if err != nil {
		cb.rel.do()
		return nil, err
	}
	tr := &trampoline{rel: cb.rel, addr: addr}
	runtime.AddCleanup(tr, func(r *releaser) { r.do() }, cb.rel)
	o.KeepAlive(keyCallable, fn)
	o.KeepAlive(keyTrampoline, tr)

	fp := d.wrap(o, "")
	fp.cb = cb
	Logger().Debug("callback created", zap.Uint64("addr", uint64(addr)), zap.String("type", ftype.Name()))
	return fp, nil
}

func (c *callback) handle(_ context.Context, args []ffiruntime.CallArg) ([]byte, error) {
	if len(args) != len(c.args) {
		return nil, errors.New(errors.PhaseCallback, errors.KindArity).
			Type(c.ftype.Name()).
			Detail("callback takes %d arguments (%d given)", len(c.args), len(args)).
			Build()
	}
	vals := make([]any, len(args))
	for i, t := range c.args {
		v, err := c.env.FromCallArg(t, args[i])
		if err != nil {
			return nil, errors.WithPath(err, "argument "+strconv.Itoa(i+1))
		}
		vals[i] = v
	}

	res, err := c.fn(vals...)
	if err != nil {
		Logger().Debug("callback failed", zap.Error(err))
		return nil, errors.Wrap(errors.PhaseCallback, errors.KindNativeCall, err, "exception in callback function")
	}

	rt := c.ftype.Restype()
	if rt == nil {
		return nil, nil
	}
	raw, keep, err := c.env.Prepare(rt, res)
	if err != nil {
		return nil, errors.WithPath(err, "result")
	}
	if keep != nil {
		c.mu.Lock()
		c.last = keep
		c.mu.Unlock()
	}
	return raw, nil
}
