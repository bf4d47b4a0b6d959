package ctype

import (
	stderrors "errors"
	"strconv"
	"strings"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype/internal/layout"
	"github.com/wippyai/ffi-runtime/errors"
)

func (s *Store) newArray(elem *Type, length int) (*Type, error) {
	if elem == nil {
		return nil, errors.Configuration(errors.PhaseFinalize, "array", "array element type is missing")
	}
	if !elem.Finalized() {
		return nil, errors.Abstract(elem.name)
	}
	name := elem.name + "_Array_" + strconv.Itoa(length)
	size, err := layout.ArraySize(elem.size, length, s.target.MaxSize())
	if err != nil {
		var le *layout.Error
		if stderrors.As(err, &le) && le.Kind == layout.ErrOverflow {
			return nil, errors.New(errors.PhaseFinalize, errors.KindConfiguration).
				Type(name).
				Cause(errors.Overflow(errors.PhaseFinalize, nil, length, name)).
				Detail("array too large").
				Build()
		}
		return nil, errors.Configuration(errors.PhaseFinalize, name, err.Error())
	}

	t := &Type{
		store:  s,
		kind:   KindArray,
		name:   name,
		size:   size,
		align:  elem.align,
		length: length,
		order:  elem.order,
		abi: &ffiruntime.ABIType{
			Kind:     ffiruntime.ABIStruct,
			Size:     size,
			Align:    elem.align,
			Elements: []*ffiruntime.ABIType{elem.abi},
		},
	}
	t.elem.Store(elem)
	if elem.kind == KindArray {
		t.shape = append([]int{length}, elem.shape...)
		t.format = "(" + strconv.Itoa(length) + "," + strings.TrimPrefix(elem.format, "(")
	} else {
		t.shape = []int{length}
		t.format = "(" + strconv.Itoa(length) + ")" + elem.Format()
	}
	var flags Flag
	if elem.Has(FlagPointer | FlagHasPointer) {
		flags |= FlagHasPointer
	}
	t.flags.Store(uint32(flags))
	t.id = s.nextID()
	t.state.Store(uint32(StateFinalized))
	return t, nil
}
