package cdata

import (
	"runtime"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/handle"
)

// Audit events raised by the object model.
const (
	EventFromAddress = "ctypes.cdata"
	EventFromBuffer  = "ctypes.cdata/buffer"
	EventStringAt    = "ctypes.string_at"
	EventWStringAt   = "ctypes.wstring_at"
)

// Env binds the object model to a type store and an address space.
type Env struct {
	Store   *ctype.Store
	Memory  ffiruntime.Memory
	Alloc   ffiruntime.Allocator
	Mapper  ffiruntime.Mapper
	Objects *handle.Table
	Audit   ffiruntime.AuditHook
}

// NewEnv creates an environment. If mem also implements
// ffiruntime.Mapper it is used for buffer-backed objects.
func NewEnv(store *ctype.Store, mem ffiruntime.Memory, alloc ffiruntime.Allocator) *Env {
	e := &Env{
		Store:   store,
		Memory:  mem,
		Alloc:   alloc,
		Objects: handle.NewTable(),
	}
	if m, ok := mem.(ffiruntime.Mapper); ok {
		e.Mapper = m
	}
	return e
}

func (e *Env) audit(event string, args ...any) error {
	if e.Audit == nil {
		return nil
	}
	if err := e.Audit(event, args...); err != nil {
		return errors.Audited(event, err)
	}
	return nil
}

// allocate creates a zero-filled owned root of at least size bytes.
func (e *Env) allocate(t *ctype.Type, size uint64) (*Object, error) {
	if err := requireFinalized(t); err != nil {
		return nil, err
	}
	align := max(t.Align(), 1)
	addr, err := e.Alloc.Alloc(size, align)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := e.Memory.Fill(addr, 0, size); err != nil {
			e.Alloc.Free(addr)
			return nil, err
		}
	}
	o := newRoot(e, t, addr, size)
	o.adopt(e.Alloc)
	Logger().Debug("allocated",
		zap.String("type", t.Name()),
		zap.Uint64("addr", uint64(addr)),
		zap.Uint64("size", size))
	return o, nil
}

// New allocates a zero-filled instance of t and initializes it from init.
//
// Scalars and pointers take one value. Arrays take elements in order;
// char and wchar_t arrays also take a single byte string or string.
// Structs and unions take field values in declaration order, or a single
// map[string]any of field values.
func (e *Env) New(t *ctype.Type, init ...any) (*Object, error) {
	o, err := e.allocate(t, t.Size())
	if err != nil {
		return nil, err
	}
	if len(init) == 0 {
		return o, nil
	}
	if err := o.initialize(init); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Object) initialize(init []any) error {
	t := o.typ
	switch t.Kind() {
	case ctype.KindArray:
		if len(init) == 1 && (elemCode(t) == ctype.CodeChar || elemCode(t) == ctype.CodeWChar) {
			if _, ok := bytesOf(init[0]); ok {
				return o.SetValue(init[0])
			}
		}
		if len(init) > t.Len() {
			return errors.New(errors.PhaseConvert, errors.KindOutOfBounds).
				Type(t.Name()).
				Detail("too many initializers (%d for length %d)", len(init), t.Len()).
				Build()
		}
		for i, v := range init {
			if err := o.SetIndex(i, v); err != nil {
				return err
			}
		}
		return nil
	case ctype.KindStruct, ctype.KindUnion:
		if len(init) == 1 {
			if kw, ok := init[0].(map[string]any); ok {
				for name, v := range kw {
					if err := o.SetField(name, v); err != nil {
						return err
					}
				}
				return nil
			}
		}
		fields := t.Fields()
		if len(init) > len(fields) {
			return errors.New(errors.PhaseConvert, errors.KindArity).
				Type(t.Name()).
				Detail("too many initializers (%d for %d fields)", len(init), len(fields)).
				Build()
		}
		for i, v := range init {
			if err := o.SetField(fields[i].Name, v); err != nil {
				return err
			}
		}
		return nil
	}
	if len(init) > 1 {
		return errors.New(errors.PhaseConvert, errors.KindArity).
			Type(t.Name()).
			Detail("takes at most 1 initializer (%d given)", len(init)).
			Build()
	}
	if t.Kind() == ctype.KindPointer {
		if in, ok := asObject(init[0]); ok {
			return o.SetContents(in)
		}
	}
	return o.SetValue(init[0])
}

// FromAddress creates an instance aliasing memory at addr. The object does
// not own the memory and keeps nothing alive.
func (e *Env) FromAddress(t *ctype.Type, addr ffiruntime.Addr) (*Object, error) {
	if err := requireFinalized(t); err != nil {
		return nil, err
	}
	if err := e.audit(EventFromAddress, t.Name(), addr); err != nil {
		return nil, err
	}
	return newRoot(e, t, addr, t.Size()), nil
}

type mapping struct {
	mapper ffiruntime.Mapper
	addr   ffiruntime.Addr
}

func (e *Env) mapBuffer(t *ctype.Type, buf []byte, offset uint64, readOnly bool) (*Object, error) {
	if err := requireFinalized(t); err != nil {
		return nil, err
	}
	if e.Mapper == nil {
		return nil, errors.Unsupported(errors.PhaseMemory, "address space cannot map external buffers")
	}
	if err := checkBuffer(t, buf, offset); err != nil {
		return nil, err
	}
	if err := e.audit(EventFromBuffer, t.Name(), len(buf), offset); err != nil {
		return nil, err
	}
	addr, err := e.Mapper.Map(buf[offset:offset+t.Size()], readOnly)
	if err != nil {
		return nil, err
	}
	o := newRoot(e, t, addr, t.Size())
	o.anchor = buf
	runtime.AddCleanup(o, func(m mapping) {
		if err := m.mapper.Unmap(m.addr); err != nil {
			Logger().Warn("unmap failed", zap.Error(err))
		}
	}, mapping{mapper: e.Mapper, addr: addr})
	return o, nil
}

// FromBuffer creates an instance sharing buf's memory starting at offset.
// Writes through the object are visible in buf.
func (e *Env) FromBuffer(t *ctype.Type, buf []byte, offset uint64) (*Object, error) {
	return e.mapBuffer(t, buf, offset, false)
}

// FromConstBuffer is FromBuffer for a read-only buffer; writes through the
// object fail.
func (e *Env) FromConstBuffer(t *ctype.Type, buf []byte, offset uint64) (*Object, error) {
	return e.mapBuffer(t, buf, offset, true)
}

// FromBufferCopy creates an owned instance initialized with a copy of buf
// starting at offset.
func (e *Env) FromBufferCopy(t *ctype.Type, buf []byte, offset uint64) (*Object, error) {
	if err := requireFinalized(t); err != nil {
		return nil, err
	}
	if err := checkBuffer(t, buf, offset); err != nil {
		return nil, err
	}
	if err := e.audit(EventFromBuffer, t.Name(), len(buf), offset); err != nil {
		return nil, err
	}
	return e.FromBytes(t, buf[offset:offset+t.Size()])
}

// FromBytes creates an owned instance holding a copy of raw.
func (e *Env) FromBytes(t *ctype.Type, raw []byte) (*Object, error) {
	if uint64(len(raw)) < t.Size() {
		return nil, errors.BufferTooSmall(errors.PhaseConvert, t.Size(), uint64(len(raw)))
	}
	o, err := e.allocate(t, t.Size())
	if err != nil {
		return nil, err
	}
	if err := o.write(0, raw[:t.Size()]); err != nil {
		return nil, err
	}
	return o, nil
}

func checkBuffer(t *ctype.Type, buf []byte, offset uint64) error {
	have := uint64(len(buf))
	if offset > have {
		return errors.InvalidValue(errors.PhaseConvert, nil, "offset cannot be larger than the buffer")
	}
	if need := t.Size() + offset; have < need {
		return errors.BufferTooSmall(errors.PhaseConvert, need, have)
	}
	return nil
}

// Sizeof returns the size of a type, or of an instance's memory block.
func (e *Env) Sizeof(v any) (uint64, error) {
	switch x := v.(type) {
	case *ctype.Type:
		return x.Size(), nil
	}
	if o, ok := asObject(v); ok {
		return o.Size(), nil
	}
	return 0, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "type or instance")
}

// Alignment returns the alignment of a type or of an instance's type.
func (e *Env) Alignment(v any) (uint64, error) {
	switch x := v.(type) {
	case *ctype.Type:
		return x.Align(), nil
	}
	if o, ok := asObject(v); ok {
		return o.typ.Align(), nil
	}
	return 0, errors.TypeMismatch(errors.PhaseConvert, nil, typeName(v), "type or instance")
}

// Memmove copies n bytes from src to dst. The ranges may overlap.
func (e *Env) Memmove(dst, src ffiruntime.Addr, n uint64) error {
	return e.Memory.Move(dst, src, n)
}

// Memset fills n bytes at dst with c.
func (e *Env) Memset(dst ffiruntime.Addr, c byte, n uint64) error {
	return e.Memory.Fill(dst, c, n)
}

// ReadPointer reads the address stored at addr.
func (e *Env) ReadPointer(addr ffiruntime.Addr) (ffiruntime.Addr, error) {
	vp := e.Store.MustScalar(ctype.CodeVoidP)
	raw, err := e.Memory.Read(addr, vp.Size())
	if err != nil {
		return 0, err
	}
	v, err := vp.Decode(raw)
	if err != nil {
		return 0, err
	}
	p, _ := v.(ffiruntime.Addr)
	return p, nil
}

const scanChunk = 64

// StringAt reads size bytes at addr. A negative size reads up to the first
// NUL byte.
func (e *Env) StringAt(addr ffiruntime.Addr, size int) ([]byte, error) {
	if err := e.audit(EventStringAt, addr, size); err != nil {
		return nil, err
	}
	if addr == ffiruntime.Null {
		return nil, errors.NullPointer(errors.PhaseAccess, "c_char_p")
	}
	if size >= 0 {
		return e.Memory.Read(addr, uint64(size))
	}
	return e.scan(addr, 1)
}

// WStringAt reads size wide characters at addr. A negative size reads up
// to the first NUL character.
func (e *Env) WStringAt(addr ffiruntime.Addr, size int) (string, error) {
	if err := e.audit(EventWStringAt, addr, size); err != nil {
		return "", err
	}
	if addr == ffiruntime.Null {
		return "", errors.NullPointer(errors.PhaseAccess, "c_wchar_p")
	}
	wt := e.Store.MustScalar(ctype.CodeWChar)
	unit := wt.Size()
	var raw []byte
	var err error
	if size >= 0 {
		raw, err = e.Memory.Read(addr, uint64(size)*unit)
	} else {
		raw, err = e.scan(addr, unit)
	}
	if err != nil {
		return "", err
	}
	return wt.DecodeWide(raw)
}

// scan reads units of unit bytes until an all-zero unit and returns the
// bytes before it. Reads go chunk by chunk, then unit by unit near the end
// of a mapping.
func (e *Env) scan(addr ffiruntime.Addr, unit uint64) ([]byte, error) {
	var out []byte
	for {
		chunk, err := e.Memory.Read(addr, scanChunk*unit)
		if err != nil {
			chunk, err = e.Memory.Read(addr, unit)
			if err != nil {
				return nil, err
			}
		}
		for i := uint64(0); i+unit <= uint64(len(chunk)); i += unit {
			if isZero(chunk[i : i+unit]) {
				return append(out, chunk[:i]...), nil
			}
		}
		out = append(out, chunk...)
		addr += ffiruntime.Addr(len(chunk))
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
