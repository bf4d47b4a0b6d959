package ctype

import (
	"strconv"
	"strings"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// FuncSpec declares a function signature.
type FuncSpec struct {
	Restype  *Type // nil means void
	Name     string
	Args     []*Type
	CallConv ffiruntime.CallConv
}

// FuncType returns the function-pointer type for spec. Anonymous signatures
// are cached, so equal specs yield the same type.
func (s *Store) FuncType(spec FuncSpec) (*Type, error) {
	for i, a := range spec.Args {
		if a == nil || !a.Finalized() {
			return nil, errors.New(errors.PhaseDefine, errors.KindConfiguration).
				Path("argtypes", strconv.Itoa(i)).
				Detail("item %d in _argtypes_ has no from_param method", i+1).
				Build()
		}
	}
	if r := spec.Restype; r != nil {
		if !r.Finalized() {
			return nil, errors.Abstract(r.name)
		}
		if r.kind == KindArray {
			return nil, errors.Configuration(errors.PhaseDefine, r.name, "array types are not supported as restype")
		}
	}

	if spec.Name != "" {
		t := s.newFunc(spec)
		s.Register(t)
		return t, nil
	}

	key := signatureKey(spec)
	s.funcsMu.Lock()
	defer s.funcsMu.Unlock()
	if t, ok := s.funcs[key]; ok {
		return t, nil
	}
	t := s.newFunc(spec)
	s.funcs[key] = t
	Logger().Debug("function type created", zapType(t))
	return t, nil
}

func signatureKey(spec FuncSpec) string {
	var b strings.Builder
	b.WriteString(spec.CallConv.String())
	b.WriteByte(':')
	if spec.Restype != nil {
		b.WriteString(strconv.FormatUint(spec.Restype.id, 10))
	}
	for _, a := range spec.Args {
		b.WriteByte(',')
		b.WriteString(strconv.FormatUint(a.id, 10))
	}
	return b.String()
}

func (s *Store) newFunc(spec FuncSpec) *Type {
	name := spec.Name
	if name == "" {
		name = "CFunctionType"
		if spec.CallConv == ffiruntime.ConvStdcall {
			name = "WinFunctionType"
		}
	}
	size := uint64(s.target.PointerSize)
	t := &Type{
		store:    s,
		kind:     KindFunc,
		name:     name,
		size:     size,
		align:    size,
		length:   1,
		order:    s.target.Order(),
		codec:    s.scalars[CodeVoidP].codec,
		abi:      s.scalars[CodeVoidP].abi,
		format:   "X{}",
		argTypes: append([]*Type(nil), spec.Args...),
		restype:  spec.Restype,
		conv:     spec.CallConv,
	}
	t.flags.Store(uint32(FlagPointer | FlagFuncPtr))
	t.id = s.nextID()
	t.state.Store(uint32(StateFinalized))
	return t
}

// ArgBytes is the stack size of the arguments of a stdcall signature, used
// for "_name@N" symbol decoration.
func (t *Type) ArgBytes() int {
	word := uint64(t.store.target.PointerSize)
	var n uint64
	for _, a := range t.argTypes {
		n += (a.size + word - 1) / word * word
	}
	return int(n)
}
