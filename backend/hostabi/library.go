package hostabi

import (
	"strconv"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/handle"
)

// Symbol is one export of a registered library: a routine, or the address
// of a data object when Routine is nil.
type Symbol struct {
	Routine Routine
	Name    string
	Data    ffiruntime.Addr
	Ordinal int
}

type library struct {
	symbols  map[string]ffiruntime.Addr
	ordinals map[int]ffiruntime.Addr
	name     string
}

// RegisterLibrary makes a library available to Open. Registering a name
// again adds to its symbol table.
func (m *Machine) RegisterLibrary(name string, symbols ...Symbol) error {
	if name == "" {
		return errors.InvalidValue(errors.PhaseLoad, nil, "library name cannot be empty")
	}
	for _, s := range symbols {
		if s.Name == "" {
			return errors.InvalidValue(errors.PhaseLoad, []string{name}, "symbol name cannot be empty")
		}
		if s.Routine == nil && s.Data == ffiruntime.Null {
			return errors.InvalidValue(errors.PhaseLoad, []string{name, s.Name}, "symbol needs a routine or a data address")
		}
	}

	m.mu.Lock()
	lib := m.libs[name]
	if lib == nil {
		lib = &library{
			name:     name,
			symbols:  make(map[string]ffiruntime.Addr),
			ordinals: make(map[int]ffiruntime.Addr),
		}
		m.libs[name] = lib
	}
	m.mu.Unlock()

	for _, s := range symbols {
		addr := s.Data
		if s.Routine != nil {
			addr = m.place(&entry{routine: s.Routine, name: name + "!" + s.Name})
		}
		m.mu.Lock()
		lib.symbols[s.Name] = addr
		if s.Ordinal > 0 {
			lib.ordinals[s.Ordinal] = addr
		}
		m.mu.Unlock()
	}
	Logger().Debug("library registered", zap.String("name", name), zap.Int("symbols", len(symbols)))
	return nil
}

// Open implements ffiruntime.SymbolResolver. Every Open needs its own Close.
func (m *Machine) Open(name string) (ffiruntime.LibHandle, error) {
	m.mu.RLock()
	lib := m.libs[name]
	m.mu.RUnlock()
	if lib == nil {
		return 0, errors.NotFound(errors.PhaseLoad, "library", name)
	}
	h := m.opened.Insert(lib)
	return ffiruntime.LibHandle(h), nil
}

func (m *Machine) library(h ffiruntime.LibHandle) (*library, error) {
	v, ok := m.opened.Get(handle.Handle(h))
	if !ok {
		return nil, errors.InvalidValue(errors.PhaseLoad, nil, "invalid library handle "+strconv.FormatUint(uint64(h), 10))
	}
	return v.(*library), nil
}

// Lookup implements ffiruntime.SymbolResolver.
func (m *Machine) Lookup(h ffiruntime.LibHandle, name string) (ffiruntime.Addr, error) {
	lib, err := m.library(h)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	addr, ok := lib.symbols[name]
	m.mu.RUnlock()
	if !ok {
		return 0, errors.NotFound(errors.PhaseLoad, "symbol", name)
	}
	return addr, nil
}

// LookupOrdinal implements ffiruntime.SymbolResolver.
func (m *Machine) LookupOrdinal(h ffiruntime.LibHandle, ordinal int) (ffiruntime.Addr, error) {
	lib, err := m.library(h)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	addr, ok := lib.ordinals[ordinal]
	m.mu.RUnlock()
	if !ok {
		return 0, errors.NotFound(errors.PhaseLoad, "ordinal", strconv.Itoa(ordinal))
	}
	return addr, nil
}

// Close implements ffiruntime.SymbolResolver.
func (m *Machine) Close(h ffiruntime.LibHandle) error {
	if !m.opened.Release(handle.Handle(h)) {
		return errors.InvalidValue(errors.PhaseLoad, nil, "invalid library handle "+strconv.FormatUint(uint64(h), 10))
	}
	return nil
}

// OpenLibraries returns the number of handles not yet closed.
func (m *Machine) OpenLibraries() int { return m.opened.Len() }
