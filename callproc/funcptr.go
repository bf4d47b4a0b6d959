package callproc

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/cdata"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

// ParamFlag is the direction of a parameter.
type ParamFlag int

const (
	ParamIn   ParamFlag = 1
	ParamOut  ParamFlag = 2
	ParamLCID ParamFlag = 4
)

// Param annotates one parameter of a function pointer.
type Param struct {
	Default    any
	Name       string
	Flags      ParamFlag
	HasDefault bool
}

// Args is the list of managed arguments a call was made with, after
// parameter flag expansion.
type Args []any

// ErrCheck post-processes a call result. Returning args unchanged
// continues with output parameter assembly; any other value becomes the
// result of the call.
type ErrCheck func(result any, fn *FuncPtr, args Args) (any, error)

// Dispatcher creates function pointers bound to one ABI backend.
type Dispatcher struct {
	env     *cdata.Env
	invoker ffiruntime.Invoker
	tramps  ffiruntime.TrampolineFactory
}

// NewDispatcher creates a dispatcher. tramps may be nil when callbacks are
// not needed.
func NewDispatcher(env *cdata.Env, invoker ffiruntime.Invoker, tramps ffiruntime.TrampolineFactory) *Dispatcher {
	return &Dispatcher{env: env, invoker: invoker, tramps: tramps}
}

// Env returns the object environment of the dispatcher.
func (d *Dispatcher) Env() *cdata.Env { return d.env }

// FuncPtr is a callable function pointer object.
type FuncPtr struct {
	*cdata.Object

	d        *Dispatcher
	cb       *callback
	errcheck ErrCheck
	restype  *ctype.Type
	name     string
	argtypes []*ctype.Type
	params   []Param
	vtbl     int
	mu       sync.RWMutex
}

// signature is the call configuration of a FuncPtr at one point in time.
type signature struct {
	restype  *ctype.Type
	errcheck ErrCheck
	argtypes []*ctype.Type
	params   []Param
}

func funcType(t *ctype.Type) error {
	if t == nil || t.Kind() != ctype.KindFunc {
		name := "<nil>"
		if t != nil {
			name = t.Name()
		}
		return errors.TypeMismatch(errors.PhaseCall, nil, name, "function type")
	}
	return nil
}

func (d *Dispatcher) wrap(o *cdata.Object, name string) *FuncPtr {
	t := o.Type()
	return &FuncPtr{
		Object:   o,
		d:        d,
		name:     name,
		argtypes: t.ArgTypes(),
		restype:  t.Restype(),
		vtbl:     -1,
	}
}

// FuncAt returns a function pointer of type ftype calling the routine at addr.
func (d *Dispatcher) FuncAt(ftype *ctype.Type, addr ffiruntime.Addr, name string) (*FuncPtr, error) {
	if err := funcType(ftype); err != nil {
		return nil, err
	}
	o, err := d.env.New(ftype, addr)
	if err != nil {
		return nil, err
	}
	return d.wrap(o, name), nil
}

// Wrap makes an existing function-typed object callable, for example a
// struct field holding a callback or the result of a cast.
func (d *Dispatcher) Wrap(o *cdata.Object) (*FuncPtr, error) {
	if err := funcType(o.Type()); err != nil {
		return nil, err
	}
	return d.wrap(o, ""), nil
}

// NewMethod returns a function pointer calling slot index of the virtual
// table of its first argument, which must be an interface pointer.
func (d *Dispatcher) NewMethod(ftype *ctype.Type, index int, name string) (*FuncPtr, error) {
	if err := funcType(ftype); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, errors.InvalidValue(errors.PhaseCall, nil, "virtual table index must not be negative")
	}
	o, err := d.env.New(ftype)
	if err != nil {
		return nil, err
	}
	fp := d.wrap(o, name)
	fp.vtbl = index
	return fp, nil
}

// Name returns the symbol or method name, if any.
func (f *FuncPtr) Name() string { return f.name }

func (f *FuncPtr) String() string {
	if f.name != "" {
		return "<" + f.Type().Name() + " " + f.name + ">"
	}
	return f.Object.String()
}

// Address returns the entry address. It is NULL for method pointers.
func (f *FuncPtr) Address() ffiruntime.Addr {
	v, err := f.Value()
	if err != nil {
		return ffiruntime.Null
	}
	addr, _ := v.(ffiruntime.Addr)
	return addr
}

// ArgTypes returns the declared argument types.
func (f *FuncPtr) ArgTypes() []*ctype.Type {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.argtypes
}

// SetArgTypes replaces the declared argument types.
func (f *FuncPtr) SetArgTypes(types ...*ctype.Type) error {
	for i, t := range types {
		if t == nil || !t.Finalized() {
			return errors.New(errors.PhaseDefine, errors.KindConfiguration).
				Path("argtypes", strconv.Itoa(i)).
				Detail("item %d in _argtypes_ has no from_param method", i+1).
				Build()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.params != nil && len(f.params) != len(types) {
		return errors.Configuration(errors.PhaseDefine, f.Type().Name(), "paramflags must have the same length as argtypes")
	}
	f.argtypes = append([]*ctype.Type(nil), types...)
	return nil
}

// Restype returns the result type, nil for void.
func (f *FuncPtr) Restype() *ctype.Type {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.restype
}

// SetRestype replaces the result type. nil means void.
func (f *FuncPtr) SetRestype(t *ctype.Type) error {
	if t != nil {
		if !t.Finalized() {
			return errors.Abstract(t.Name())
		}
		if t.Kind() == ctype.KindArray {
			return errors.Configuration(errors.PhaseDefine, t.Name(), "array types are not supported as restype")
		}
	}
	f.mu.Lock()
	f.restype = t
	f.mu.Unlock()
	return nil
}

// SetErrCheck installs the result post-processor. nil removes it.
func (f *FuncPtr) SetErrCheck(fn ErrCheck) {
	f.mu.Lock()
	f.errcheck = fn
	f.mu.Unlock()
}

// ParamFlags returns the parameter annotations, nil if none are set.
func (f *FuncPtr) ParamFlags() []Param {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.params
}

// SetParamFlags installs parameter annotations. There must be one per
// argument type, and output parameters need a pointer or array type.
func (f *FuncPtr) SetParamFlags(params []Param) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if params == nil {
		f.params = nil
		return nil
	}
	if len(params) != len(f.argtypes) {
		return errors.Configuration(errors.PhaseDefine, f.Type().Name(), "paramflags must have the same length as argtypes")
	}
	for i, p := range params {
		switch p.Flags {
		case 0, ParamIn, ParamIn | ParamLCID:
		case ParamOut, ParamIn | ParamOut:
			if !outCapable(f.argtypes[i]) {
				return errors.New(errors.PhaseDefine, errors.KindTypeMismatch).
					Path("paramflags", strconv.Itoa(i)).
					Type(f.argtypes[i].Name()).
					Detail("'out' parameter %d must be a pointer type, not %s", i+1, f.argtypes[i].Name()).
					Build()
			}
		default:
			return errors.New(errors.PhaseDefine, errors.KindUnsupported).
				Path("paramflags", strconv.Itoa(i)).
				Value(int(p.Flags)).
				Detail("paramflag value %d not supported", p.Flags).
				Build()
		}
	}
	f.params = append([]Param(nil), params...)
	return nil
}

func outCapable(t *ctype.Type) bool {
	switch t.Kind() {
	case ctype.KindPointer, ctype.KindArray:
		return true
	case ctype.KindScalar:
		switch t.Code() {
		case ctype.CodeVoidP, ctype.CodeCharP, ctype.CodeWCharP:
			return true
		}
	}
	return false
}

func (f *FuncPtr) snapshot() signature {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return signature{
		restype:  f.restype,
		errcheck: f.errcheck,
		argtypes: f.argtypes,
		params:   f.params,
	}
}

// Call calls the function with positional arguments.
func (f *FuncPtr) Call(ctx context.Context, args ...any) (any, error) {
	return f.CallKw(ctx, args, nil)
}

// Release destroys the trampoline of a callback. It is a no-op for other
// function pointers and safe to call more than once.
func (f *FuncPtr) Release() {
	if f.cb == nil {
		return
	}
	f.cb.rel.do()
	Logger().Debug("callback released", zap.Uint64("addr", uint64(f.Address())))
}
