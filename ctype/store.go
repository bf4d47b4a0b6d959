package ctype

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"weak"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// Store creates and caches type descriptors for one target.
//
// Pointer types are cached strongly by element. Array types are cached by
// (element, length) through weak pointers, so an array type nobody holds can
// be collected; dead entries are pruned lazily on lookup misses.
type Store struct {
	target   ffiruntime.Target
	scalars  map[byte]*Type
	byName   map[string]*Type
	arrays   map[arrayKey]weak.Pointer[Type]
	funcs    map[string]*Type
	pointers sync.Map // *Type -> *Type
	group    singleflight.Group
	ids      atomic.Uint64
	namesMu  sync.RWMutex
	arraysMu sync.Mutex
	funcsMu  sync.Mutex
}

type arrayKey struct {
	elem   *Type
	length int
}

var aliases = map[string]byte{
	"c_int8":   CodeByte,
	"c_uint8":  CodeUByte,
	"c_int16":  CodeShort,
	"c_uint16": CodeUShort,
	"c_int32":  CodeInt,
	"c_uint32": CodeUInt,
	"c_int64":  CodeLongLong,
	"c_uint64": CodeULongLong,
}

// NewStore creates a store with every supported scalar type registered.
func NewStore(target ffiruntime.Target) (*Store, error) {
	s := &Store{
		target:  target,
		scalars: make(map[byte]*Type, len(scalarTable)),
		byName:  make(map[string]*Type),
		arrays:  make(map[arrayKey]weak.Pointer[Type]),
		funcs:   make(map[string]*Type),
	}
	order := target.Order()
	for i := 0; i < len(ScalarCodes); i++ {
		t, err := newScalar(s, ScalarCodes[i], order)
		if err != nil {
			return nil, err
		}
		s.scalars[t.code] = t
		s.byName[t.name] = t
	}
	for name, code := range aliases {
		s.byName[name] = s.scalars[code]
	}
	if target.PointerSize == target.LongSize {
		s.byName["c_size_t"] = s.scalars[CodeULong]
		s.byName["c_ssize_t"] = s.scalars[CodeLong]
	} else {
		s.byName["c_size_t"] = s.scalars[CodeULongLong]
		s.byName["c_ssize_t"] = s.scalars[CodeLongLong]
	}
	return s, nil
}

// Target returns the data model of the store.
func (s *Store) Target() ffiruntime.Target { return s.target }

func (s *Store) nextID() uint64 { return s.ids.Add(1) }

// Scalar returns the predefined scalar type for code.
func (s *Store) Scalar(code byte) (*Type, error) {
	if t, ok := s.scalars[code]; ok {
		return t, nil
	}
	_, err := newScalar(s, code, s.target.Order())
	return nil, err
}

// MustScalar is Scalar for codes known to be valid.
func (s *Store) MustScalar(code byte) *Type {
	t, err := s.Scalar(code)
	if err != nil {
		panic(err)
	}
	return t
}

// Register makes t reachable through Lookup under its name.
func (s *Store) Register(t *Type) {
	s.namesMu.Lock()
	s.byName[t.name] = t
	s.namesMu.Unlock()
}

// Lookup finds a type by name. Array ("T_Array_N") and pointer ("LP_T")
// names are resolved structurally.
func (s *Store) Lookup(name string) (*Type, error) {
	s.namesMu.RLock()
	t, ok := s.byName[name]
	s.namesMu.RUnlock()
	if ok {
		return t, nil
	}
	if i := strings.LastIndex(name, "_Array_"); i > 0 {
		n, err := strconv.Atoi(name[i+len("_Array_"):])
		if err == nil {
			elem, err := s.Lookup(name[:i])
			if err != nil {
				return nil, err
			}
			return s.ArrayOf(elem, n)
		}
	}
	if rest, ok := strings.CutPrefix(name, "LP_"); ok {
		elem, err := s.Lookup(rest)
		if err != nil {
			return nil, err
		}
		return s.PointerTo(elem)
	}
	return nil, errors.NotFound(errors.PhaseDefine, "type", name)
}

// DeriveOption customizes a derived type.
type DeriveOption func(*Type)

// WithResultChecker installs a hook applied to call results of the derived type.
func WithResultChecker(fn ResultChecker) DeriveOption {
	return func(t *Type) { t.checker = fn }
}

// WithFromParam installs an argument conversion override.
func WithFromParam(fn FromParamHook) DeriveOption {
	return func(t *Type) { t.fromParam = fn }
}

// Derive creates a subtype of a finalized base that declares no shape of
// its own. The descriptor is cloned under the base's lock, so concurrent
// derivations from one base are safe.
func (s *Store) Derive(base *Type, name string, opts ...DeriveOption) (*Type, error) {
	if !base.Finalized() {
		return nil, errors.Abstract(base.name)
	}
	if name == "" {
		return nil, errors.Configuration(errors.PhaseDefine, base.name, "derived type needs a name")
	}

	base.mu.Lock()
	t := &Type{
		store:     s,
		base:      base,
		kind:      base.kind,
		name:      name,
		code:      base.code,
		size:      base.size,
		align:     base.align,
		length:    base.length,
		order:     base.order,
		codec:     base.codec,
		format:    base.format,
		abi:       base.abi,
		fields:    base.fields,
		fieldMap:  base.fieldMap,
		shape:     base.shape,
		argTypes:  base.argTypes,
		restype:   base.restype,
		conv:      base.conv,
		checker:   base.checker,
		fromParam: base.fromParam,
	}
	t.elem.Store(base.Elem())
	t.flags.Store(uint32(base.Flags()))
	base.mu.Unlock()

	for _, opt := range opts {
		opt(t)
	}
	t.id = s.nextID()
	t.state.Store(uint32(StateFinalized))
	s.Register(t)
	Logger().Debug("type derived", zapType(t), zap.String("base", base.name))
	return t, nil
}

// NewScalar derives a named scalar type from a predefined code.
func (s *Store) NewScalar(code byte, name string, opts ...DeriveOption) (*Type, error) {
	base, err := s.Scalar(code)
	if err != nil {
		return nil, err
	}
	return s.Derive(base, name, opts...)
}

// PointerTo returns the pointer type for elem. A nil elem is c_void_p.
func (s *Store) PointerTo(elem *Type) (*Type, error) {
	if elem == nil {
		return s.scalars[CodeVoidP], nil
	}
	if p, ok := s.pointers.Load(elem); ok {
		return p.(*Type), nil
	}
	p := s.newPointer("LP_" + elem.name)
	p.elem.Store(elem)
	p.id = s.nextID()
	p.state.Store(uint32(StateFinalized))
	actual, loaded := s.pointers.LoadOrStore(elem, p)
	if !loaded {
		Logger().Debug("pointer type created", zapType(p))
	}
	return actual.(*Type), nil
}

// IncompletePointer creates a pointer type whose target is declared later
// with SetPointerType. It can be instantiated, but not dereferenced, before that.
func (s *Store) IncompletePointer(name string) *Type {
	p := s.newPointer("LP_" + name)
	p.flags.Store(uint32(FlagPointer | FlagIncomplete))
	p.id = s.nextID()
	p.state.Store(uint32(StateFinalized))
	return p
}

// SetPointerType completes an incomplete pointer.
func (s *Store) SetPointerType(p, elem *Type) error {
	if p.kind != KindPointer {
		return errors.TypeMismatch(errors.PhaseDefine, nil, p.name, "pointer type")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Elem() != nil || !p.Has(FlagIncomplete) {
		return errors.Final(p.name, "_type_")
	}
	p.elem.Store(elem)
	p.flags.Store(uint32(FlagPointer))
	s.pointers.LoadOrStore(elem, p)
	return nil
}

func (s *Store) newPointer(name string) *Type {
	size := uint64(s.target.PointerSize)
	p := &Type{
		store:  s,
		kind:   KindPointer,
		name:   name,
		size:   size,
		align:  size,
		length: 1,
		order:  s.target.Order(),
		codec:  s.scalars[CodeVoidP].codec,
		abi:    s.scalars[CodeVoidP].abi,
	}
	p.flags.Store(uint32(FlagPointer))
	return p
}

// ArrayOf returns the array type of length elements of elem.
func (s *Store) ArrayOf(elem *Type, length int) (*Type, error) {
	key := arrayKey{elem: elem, length: length}
	s.arraysMu.Lock()
	if wp, ok := s.arrays[key]; ok {
		if t := wp.Value(); t != nil {
			s.arraysMu.Unlock()
			return t, nil
		}
	}
	s.pruneArraysLocked()
	s.arraysMu.Unlock()

	flight := strconv.FormatUint(elem.id, 10) + ":" + strconv.Itoa(length)
	v, err, _ := s.group.Do(flight, func() (any, error) {
		s.arraysMu.Lock()
		if wp, ok := s.arrays[key]; ok {
			if t := wp.Value(); t != nil {
				s.arraysMu.Unlock()
				return t, nil
			}
		}
		s.arraysMu.Unlock()

		t, err := s.newArray(elem, length)
		if err != nil {
			return nil, err
		}
		s.arraysMu.Lock()
		s.arrays[key] = weak.Make(t)
		s.arraysMu.Unlock()
		Logger().Debug("array type created", zapType(t))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Type), nil
}

func (s *Store) pruneArraysLocked() {
	for k, wp := range s.arrays {
		if wp.Value() == nil {
			delete(s.arrays, k)
		}
	}
}

// cachedArrays reports the number of array cache entries, live or dead.
func (s *Store) cachedArrays() int {
	s.arraysMu.Lock()
	defer s.arraysMu.Unlock()
	return len(s.arrays)
}

func zapType(t *Type) zap.Field {
	return zap.String("type", t.name)
}
