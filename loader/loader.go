package loader

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/callproc"
	"github.com/wippyai/ffi-runtime/cdata"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

// Audit events raised by the loader.
const (
	EventOpen   = "ctypes.dlopen"
	EventSymbol = "ctypes.dlsym"
)

// Loader opens libraries through a symbol resolver and binds their
// exports to a dispatcher.
type Loader struct {
	d   *callproc.Dispatcher
	res ffiruntime.SymbolResolver
}

// New creates a loader. Auditing uses the hook of the dispatcher's
// environment.
func New(d *callproc.Dispatcher, res ffiruntime.SymbolResolver) *Loader {
	return &Loader{d: d, res: res}
}

func (l *Loader) audit(event string, args ...any) error {
	hook := l.d.Env().Audit
	if hook == nil {
		return nil
	}
	if err := hook(event, args...); err != nil {
		e := errors.Audited(event, err)
		e.Phase = errors.PhaseLoad
		return e
	}
	return nil
}

// Library is an opened library with a per-library function cache.
type Library struct {
	l      *Loader
	funcs  map[funcKey]*callproc.FuncPtr
	name   string
	group  singleflight.Group
	h      ffiruntime.LibHandle
	closed atomic.Bool
	mu     sync.Mutex
}

type funcKey struct {
	ftype *ctype.Type
	name  string
}

// Open opens the named library.
func (l *Loader) Open(name string) (*Library, error) {
	if err := l.audit(EventOpen, name); err != nil {
		return nil, err
	}
	h, err := l.res.Open(name)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err, "open "+name)
	}
	Logger().Debug("library opened", zap.String("name", name), zap.Uint64("handle", uint64(h)))
	return &Library{
		l:     l,
		name:  name,
		h:     h,
		funcs: make(map[funcKey]*callproc.FuncPtr),
	}, nil
}

func (lib *Library) Name() string                 { return lib.name }
func (lib *Library) Handle() ffiruntime.LibHandle { return lib.h }

func (lib *Library) String() string {
	return fmt.Sprintf("<Library '%s', handle %x>", lib.name, uint64(lib.h))
}

func (lib *Library) check() error {
	if lib.closed.Load() {
		return errors.New(errors.PhaseLoad, errors.KindInvalidValue).
			Detail("library %s is closed", lib.name).
			Build()
	}
	return nil
}

// candidates lists the names tried for a symbol, undecorated first.
func candidates(name string, ftype *ctype.Type) []string {
	names := []string{name, "_" + name}
	if ftype != nil && ftype.CallConv() == ffiruntime.ConvStdcall {
		names = append(names, "_"+name+"@"+strconv.Itoa(ftype.ArgBytes()))
	}
	return names
}

func (lib *Library) resolve(name string, ftype *ctype.Type) (ffiruntime.Addr, error) {
	if err := lib.check(); err != nil {
		return 0, err
	}
	if err := lib.l.audit(EventSymbol, lib.name, name); err != nil {
		return 0, err
	}
	var last error
	for _, n := range candidates(name, ftype) {
		addr, err := lib.l.res.Lookup(lib.h, n)
		if err == nil {
			if n != name {
				Logger().Debug("symbol resolved by decorated name", zap.String("name", name), zap.String("symbol", n))
			}
			return addr, nil
		}
		last = err
	}
	return 0, errors.New(errors.PhaseLoad, errors.KindNotFound).
		Cause(last).
		Detail("function '%s' not found", name).
		Build()
}

// Symbol returns the address of an export, trying "_name" after "name".
func (lib *Library) Symbol(name string) (ffiruntime.Addr, error) {
	return lib.resolve(name, nil)
}

// Func returns the function pointer for an export. Repeated lookups of the
// same name and type return the same object.
func (lib *Library) Func(name string, ftype *ctype.Type) (*callproc.FuncPtr, error) {
	key := funcKey{name: name, ftype: ftype}
	lib.mu.Lock()
	fp, ok := lib.funcs[key]
	lib.mu.Unlock()
	if ok {
		return fp, nil
	}

	v, err, _ := lib.group.Do(fmt.Sprintf("%s/%p", name, ftype), func() (any, error) {
		lib.mu.Lock()
		fp, ok := lib.funcs[key]
		lib.mu.Unlock()
		if ok {
			return fp, nil
		}
		addr, err := lib.resolve(name, ftype)
		if err != nil {
			return nil, err
		}
		fp, err = lib.l.d.FuncAt(ftype, addr, name)
		if err != nil {
			return nil, err
		}
		lib.mu.Lock()
		lib.funcs[key] = fp
		lib.mu.Unlock()
		return fp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*callproc.FuncPtr), nil
}

// Ordinal returns the function pointer for an export by ordinal.
func (lib *Library) Ordinal(ordinal int, ftype *ctype.Type) (*callproc.FuncPtr, error) {
	if err := lib.check(); err != nil {
		return nil, err
	}
	if err := lib.l.audit(EventSymbol, lib.name, ordinal); err != nil {
		return nil, err
	}
	addr, err := lib.l.res.LookupOrdinal(lib.h, ordinal)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindNotFound).
			Cause(err).
			Detail("function ordinal %d not found", ordinal).
			Build()
	}
	return lib.l.d.FuncAt(ftype, addr, "#"+strconv.Itoa(ordinal))
}

// Value returns an object of type t aliasing the exported data symbol name.
func (lib *Library) Value(name string, t *ctype.Type) (*cdata.Object, error) {
	addr, err := lib.Symbol(name)
	if err != nil {
		return nil, err
	}
	return lib.l.d.Env().FromAddress(t, addr)
}

// Close releases the library handle. Function pointers obtained earlier
// keep their addresses but must not be called afterwards.
func (lib *Library) Close() error {
	if !lib.closed.CompareAndSwap(false, true) {
		return nil
	}
	lib.mu.Lock()
	clear(lib.funcs)
	lib.mu.Unlock()
	if err := lib.l.res.Close(lib.h); err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInvalidValue, err, "close "+lib.name)
	}
	Logger().Debug("library closed", zap.String("name", lib.name))
	return nil
}
