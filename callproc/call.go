package callproc

import (
	"context"
	"runtime"
	"slices"
	"strconv"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/cdata"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

// CallKw calls the function with positional and keyword arguments. Keyword
// arguments are matched against parameter names and need parameter flags.
func (f *FuncPtr) CallKw(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	sig := f.snapshot()
	env := f.d.env

	callargs, outs, err := f.expand(sig, args, kwargs)
	if err != nil {
		return nil, err
	}
	if err := checkArity(f.Type().CallConv(), len(sig.argtypes), len(callargs)); err != nil {
		return nil, err
	}

	cargs := make([]ffiruntime.CallArg, len(callargs))
	for i, v := range callargs {
		if i < len(sig.argtypes) {
			if v, err = env.FromParam(sig.argtypes[i], v); err != nil {
				return nil, errors.WithPath(err, "argument "+strconv.Itoa(i+1))
			}
		}
		if cargs[i], err = env.BuildArg(v); err != nil {
			return nil, errors.WithPath(err, "argument "+strconv.Itoa(i+1))
		}
	}

	entry, err := f.entry(cargs)
	if err != nil {
		return nil, err
	}

	call := &ffiruntime.Call{
		Ret:   ffiruntime.ABITypeVoid,
		Args:  cargs,
		Entry: entry,
		Fixed: -1,
		Conv:  f.Type().CallConv(),
	}
	if sig.restype != nil {
		call.Ret = sig.restype.ABI()
	}
	if n := len(sig.argtypes); n > 0 && len(cargs) > n {
		call.Fixed = n
	}

	Logger().Debug("native call",
		zap.String("func", f.name),
		zap.Uint64("entry", uint64(entry)),
		zap.Int("args", len(cargs)))

	raw, err := f.d.invoker.Invoke(ctx, call)
	runtime.KeepAlive(callargs)
	runtime.KeepAlive(cargs)
	if err != nil {
		return nil, errors.NativeCall(err)
	}

	result, err := f.result(sig.restype, raw)
	if err != nil {
		return nil, err
	}

	if sig.errcheck != nil {
		checked, err := sig.errcheck(result, f, callargs)
		if err != nil {
			return nil, err
		}
		if a, ok := checked.(Args); !ok || !sameArgs(a, callargs) {
			return checked, nil
		}
	}
	if len(outs) == 0 {
		return result, nil
	}
	return collect(callargs, outs)
}

func (f *FuncPtr) result(restype *ctype.Type, raw []byte) (any, error) {
	if restype == nil {
		return nil, nil
	}
	if uint64(len(raw)) < restype.Size() {
		return nil, errors.NativeCall(errors.BufferTooSmall(errors.PhaseCall, restype.Size(), uint64(len(raw))))
	}
	v, err := f.d.env.Result(restype, raw[:restype.Size()])
	if err != nil {
		return nil, err
	}
	if check := restype.ResultChecker(); check != nil {
		return check(v)
	}
	return v, nil
}

func sameArgs(a, b Args) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

func checkArity(conv ffiruntime.CallConv, required, actual int) error {
	if conv == ffiruntime.ConvCdecl {
		if actual < required {
			return errors.Arity("this function takes at least %d argument%s (%d given)", required, plural(required), actual)
		}
		return nil
	}
	if actual != required {
		return errors.Arity("this function takes %d argument%s (%d given)", required, plural(required), actual)
	}
	return nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// expand applies parameter flags. It returns one managed value per
// parameter and the indices of the values to return after the call.
func (f *FuncPtr) expand(sig signature, args []any, kwargs map[string]any) (Args, []int, error) {
	if sig.params == nil {
		if len(kwargs) > 0 {
			return nil, nil, errors.Arity("this function takes no keyword arguments")
		}
		return Args(args), nil, nil
	}

	env := f.d.env
	callargs := make(Args, len(sig.params))
	var outs []int
	pos := 0
	used := 0

	input := func(p Param) (any, error) {
		if pos < len(args) {
			if _, dup := kwargs[p.Name]; dup && p.Name != "" {
				return nil, errors.Arity("got multiple values for argument '%s'", p.Name)
			}
			v := args[pos]
			pos++
			return v, nil
		}
		if p.Name != "" {
			if v, ok := kwargs[p.Name]; ok {
				used++
				return v, nil
			}
		}
		if p.HasDefault {
			return p.Default, nil
		}
		if p.Name != "" {
			return nil, errors.Arity("required argument '%s' missing", p.Name)
		}
		return nil, errors.Arity("not enough arguments")
	}

	for i, p := range sig.params {
		var err error
		switch p.Flags {
		case ParamIn | ParamLCID:
			if p.HasDefault {
				callargs[i] = p.Default
			} else {
				callargs[i] = 0
			}
		case 0, ParamIn:
			callargs[i], err = input(p)
		case ParamIn | ParamOut:
			callargs[i], err = input(p)
			outs = append(outs, i)
		case ParamOut:
			if p.HasDefault {
				callargs[i] = p.Default
			} else {
				callargs[i], err = outValue(env, sig.argtypes[i])
			}
			outs = append(outs, i)
		default:
			err = errors.Unsupported(errors.PhaseCall, "paramflag "+strconv.Itoa(int(p.Flags))+" not yet implemented")
		}
		if err != nil {
			return nil, nil, err
		}
	}

	if pos < len(args) {
		return nil, nil, errors.Arity("call takes exactly %d arguments (%d given)", pos, len(args))
	}
	if used < len(kwargs) {
		for name := range kwargs {
			if !slices.ContainsFunc(sig.params, func(p Param) bool { return p.Name == name }) {
				return nil, nil, errors.Arity("unexpected keyword argument '%s'", name)
			}
		}
	}
	return callargs, outs, nil
}

// outValue allocates the object an out parameter of type t points to.
func outValue(env *cdata.Env, t *ctype.Type) (any, error) {
	switch t.Kind() {
	case ctype.KindArray:
		return env.New(t)
	case ctype.KindPointer:
		if et := t.Elem(); et != nil {
			return env.New(et)
		}
	}
	return nil, errors.New(errors.PhaseCall, errors.KindTypeMismatch).
		Type(t.Name()).
		Detail("%s 'out' parameter must be passed as default value", t.Name()).
		Build()
}

func collect(callargs Args, outs []int) (any, error) {
	vals := make([]any, len(outs))
	for n, i := range outs {
		v, err := cdata.FromOutParam(callargs[i])
		if err != nil {
			return nil, err
		}
		vals[n] = v
	}
	if len(vals) == 1 {
		return vals[0], nil
	}
	return vals, nil
}

// entry resolves the address to call. Method pointers read it from the
// virtual table of the interface pointer passed as the first argument.
func (f *FuncPtr) entry(cargs []ffiruntime.CallArg) (ffiruntime.Addr, error) {
	if f.vtbl < 0 {
		addr := f.Address()
		if addr == ffiruntime.Null {
			return 0, errors.NullPointer(errors.PhaseCall, f.Type().Name())
		}
		return addr, nil
	}
	if len(cargs) == 0 || cargs[0].Tag != ffiruntime.ArgPointer {
		return 0, errors.Arity("native com method call without 'this' parameter")
	}
	this := cargs[0].Pointer()
	if this == ffiruntime.Null {
		return 0, errors.NullPointer(errors.PhaseCall, "this")
	}
	env := f.d.env
	vtbl, err := env.ReadPointer(this)
	if err != nil {
		return 0, err
	}
	word := ffiruntime.Addr(env.Store.Target().PointerSize)
	addr, err := env.ReadPointer(vtbl + ffiruntime.Addr(f.vtbl)*word)
	if err != nil {
		return 0, err
	}
	if addr == ffiruntime.Null {
		return 0, errors.NullPointer(errors.PhaseCall, f.name)
	}
	return addr, nil
}
