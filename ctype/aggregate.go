package ctype

import (
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype/internal/layout"
	"github.com/wippyai/ffi-runtime/errors"
)

// FieldSpec declares one struct or union member.
type FieldSpec struct {
	Type *Type
	Name string
	Bits int // bitfield width, 0 for an ordinary member
}

// StructSpec declares a struct or union.
type StructSpec struct {
	Base      *Type
	Name      string
	ByteOrder string // "little" or "big"; empty means the target order
	Fields    []FieldSpec
	Anonymous []string
	Pack      int
	Align     int
}

// aggregateDecl keeps the declaration settings of an incomplete aggregate
// until its fields arrive.
type aggregateDecl struct {
	spec StructSpec
}

// NewStruct declares a struct. With nil Fields the struct is incomplete and
// stays abstract until SetFields.
func (s *Store) NewStruct(spec StructSpec) (*Type, error) {
	return s.newAggregate(KindStruct, spec)
}

// NewUnion declares a union.
func (s *Store) NewUnion(spec StructSpec) (*Type, error) {
	return s.newAggregate(KindUnion, spec)
}

func (s *Store) newAggregate(kind Kind, spec StructSpec) (*Type, error) {
	if spec.Name == "" {
		return nil, errors.Configuration(errors.PhaseDefine, kind.String(), "type needs a name")
	}
	if base := spec.Base; base != nil {
		if base.kind != kind {
			return nil, errors.TypeMismatch(errors.PhaseDefine, nil, base.name, kind.String())
		}
		if !base.Finalized() {
			return nil, errors.Abstract(base.name)
		}
		if kind == KindUnion && len(spec.Fields) > 0 {
			return nil, errors.Configuration(errors.PhaseDefine, spec.Name, "unions cannot be derived with new fields")
		}
	}
	switch spec.ByteOrder {
	case "", "little", "big":
	default:
		return nil, errors.Configuration(errors.PhaseDefine, spec.Name, "byte order must be \"little\" or \"big\"")
	}

	t := &Type{
		store: s,
		kind:  kind,
		name:  spec.Name,
		base:  spec.Base,
		order: s.target.Order(),
	}
	t.id = s.nextID()
	decl := &aggregateDecl{spec: spec}
	decl.spec.Fields = nil

	if spec.Fields == nil {
		t.flags.Store(uint32(FlagIncomplete))
		t.pending = decl
		s.Register(t)
		return t, nil
	}
	t.pending = decl
	if err := s.SetFields(t, spec.Fields); err != nil {
		return nil, err
	}
	s.Register(t)
	return t, nil
}

// SetFields declares the members of an incomplete struct or union and
// finalizes it. A finalized type rejects further declarations.
func (s *Store) SetFields(t *Type, fields []FieldSpec) error {
	if t.kind != KindStruct && t.kind != KindUnion {
		return errors.TypeMismatch(errors.PhaseDefine, nil, t.name, "struct or union")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != StateAbstract || t.pending == nil {
		return errors.Final(t.name, "_fields_")
	}
	t.state.Store(uint32(StateShapeDeclared))
	if err := s.finalizeAggregate(t, t.pending.spec, fields); err != nil {
		t.state.Store(uint32(StateAbstract))
		return err
	}
	t.pending = nil
	t.state.Store(uint32(StateFinalized))
	Logger().Debug("aggregate finalized",
		zapType(t),
		zap.Uint64("size", t.size),
		zap.Uint64("align", t.align),
		zap.Int("fields", len(t.fields)))
	return nil
}

func bitfieldAllowed(t *Type) bool {
	if t.kind != KindScalar {
		return false
	}
	return strings.IndexByte("bBhHiIlLqQ?", t.code) >= 0
}

func (s *Store) finalizeAggregate(t *Type, spec StructSpec, decl []FieldSpec) error {
	swapped := spec.ByteOrder != "" && spec.ByteOrder != s.target.ByteOrder
	union := t.kind == KindUnion

	var fields []Field
	fieldMap := make(map[string][]int)
	opts := layout.Options{
		Union:     union,
		BigEndian: s.target.BigEndian() != swapped,
	}
	if spec.Pack < 0 || spec.Align < 0 {
		return errors.Configuration(errors.PhaseFinalize, t.name, "pack and align must be non-negative")
	}
	opts.Pack = uint64(spec.Pack)
	opts.MinAlign = uint64(spec.Align)

	var flags Flag
	if base := spec.Base; base != nil {
		fields = slices.Clone(base.fields)
		for name, path := range base.fieldMap {
			fieldMap[name] = path
		}
		opts.Start = base.size
		opts.BaseAlign = base.align
		flags |= base.Flags() & (FlagHasPointer | FlagHasBitfield)
	}
	first := len(fields)

	members := make([]layout.Member, len(decl))
	for i, fs := range decl {
		path := []string{t.name, fs.Name}
		if fs.Name == "" {
			return errors.New(errors.PhaseFinalize, errors.KindConfiguration).
				Path(t.name).
				Detail("field %d: '_fields_' must be a sequence of (name, C type) pairs", i).
				Build()
		}
		if _, dup := fieldMap[fs.Name]; dup {
			return errors.New(errors.PhaseFinalize, errors.KindConfiguration).
				Path(path...).
				Detail("duplicate field name %q", fs.Name).
				Build()
		}
		ft := fs.Type
		if ft == nil {
			return errors.New(errors.PhaseFinalize, errors.KindConfiguration).
				Path(path...).
				Detail("field type is missing").
				Build()
		}
		if !ft.Finalized() {
			return errors.New(errors.PhaseFinalize, errors.KindConfiguration).
				Path(path...).
				Type(ft.name).
				Detail("field type is incomplete").
				Build()
		}
		if swapped {
			var err error
			if ft, err = s.otherEndian(ft); err != nil {
				return errors.WithPath(err, fs.Name)
			}
		}
		if fs.Bits != 0 {
			if !bitfieldAllowed(ft) {
				return errors.New(errors.PhaseFinalize, errors.KindConfiguration).
					Path(path...).
					Type(ft.name).
					Detail("bit fields not allowed for type %s", ft.name).
					Build()
			}
			flags |= FlagHasBitfield
		}
		if ft.Has(FlagPointer | FlagHasPointer) {
			flags |= FlagHasPointer
		}
		members[i] = layout.Member{Size: ft.size, Align: ft.align, BitSize: fs.Bits}
		fields = append(fields, Field{Type: ft, Name: fs.Name, Index: first + i, BitSize: fs.Bits})
		fieldMap[fs.Name] = []int{first + i}
	}

	info, err := layout.Compute(members, opts)
	if err != nil {
		return errors.New(errors.PhaseFinalize, errors.KindConfiguration).
			Path(t.name).
			Cause(err).
			Detail("%s", err.Error()).
			Build()
	}
	for i, p := range info.Members {
		f := &fields[first+i]
		f.Offset = p.Offset
		f.BitShift = p.BitShift
	}

	for _, anon := range spec.Anonymous {
		path, ok := fieldMap[anon]
		if !ok || len(path) != 1 || path[0] < first {
			return errors.Configuration(errors.PhaseFinalize, t.name,
				"'"+anon+"' is specified in _anonymous_ but not in _fields_")
		}
		f := &fields[path[0]]
		if f.Type.kind != KindStruct && f.Type.kind != KindUnion {
			return errors.Configuration(errors.PhaseFinalize, t.name,
				"anonymous field '"+anon+"' must be a struct or union")
		}
		f.Anonymous = true
		for name, sub := range f.Type.fieldMap {
			if _, taken := fieldMap[name]; taken {
				continue
			}
			fieldMap[name] = append([]int{path[0]}, sub...)
		}
	}

	if spec.Pack > 0 {
		flags |= FlagPacked
	}
	if swapped {
		flags |= FlagSwapped
	}

	elems := make([]*ffiruntime.ABIType, len(fields))
	for i, f := range fields {
		elems[i] = f.Type.abi
	}
	t.fields = fields
	t.fieldMap = fieldMap
	t.length = len(fields)
	t.size = info.Size
	t.align = info.Align
	t.abi = &ffiruntime.ABIType{Kind: ffiruntime.ABIStruct, Size: info.Size, Align: info.Align, Elements: elems}
	t.flags.Store(uint32(flags))
	t.format = aggregateFormat(t)
	return nil
}

// aggregateFormat renders T{...} for plain structs. Unions, packed structs
// and structs with bitfields are exported as raw bytes.
func aggregateFormat(t *Type) string {
	if t.kind == KindUnion || t.Has(FlagPacked|FlagHasBitfield) {
		return "B"
	}
	var b strings.Builder
	b.WriteString("T{")
	var cursor uint64
	for _, f := range t.fields {
		if f.Offset > cursor {
			b.WriteString(strconv.FormatUint(f.Offset-cursor, 10))
			b.WriteByte('x')
		}
		b.WriteString(f.Type.Format())
		b.WriteByte(':')
		b.WriteString(f.Name)
		b.WriteByte(':')
		cursor = f.Offset + f.Type.size
	}
	if t.size > cursor {
		b.WriteString(strconv.FormatUint(t.size-cursor, 10))
		b.WriteByte('x')
	}
	b.WriteByte('}')
	return b.String()
}
