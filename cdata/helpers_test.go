package cdata

import (
	"testing"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/memory"
)

func newTestEnv(t *testing.T) (*Env, *memory.Heap) {
	t.Helper()
	store, err := ctype.NewStore(ffiruntime.LP64())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	heap := memory.NewHeap(memory.Options{BaseAddress: 0x10000, GuardBytes: 16})
	return NewEnv(store, heap, heap), heap
}

func scalar(t *testing.T, env *Env, code byte) *ctype.Type {
	t.Helper()
	typ, err := env.Store.Scalar(code)
	if err != nil {
		t.Fatalf("Scalar(%c): %v", code, err)
	}
	return typ
}

func mustNew(t *testing.T, env *Env, typ *ctype.Type, init ...any) *Object {
	t.Helper()
	o, err := env.New(typ, init...)
	if err != nil {
		t.Fatalf("New(%s): %v", typ.Name(), err)
	}
	return o
}

func mustStruct(t *testing.T, env *Env, spec ctype.StructSpec) *ctype.Type {
	t.Helper()
	typ, err := env.Store.NewStruct(spec)
	if err != nil {
		t.Fatalf("NewStruct(%s): %v", spec.Name, err)
	}
	return typ
}

func mustArray(t *testing.T, env *Env, elem *ctype.Type, n int) *ctype.Type {
	t.Helper()
	typ, err := env.Store.ArrayOf(elem, n)
	if err != nil {
		t.Fatalf("ArrayOf: %v", err)
	}
	return typ
}

func mustPointer(t *testing.T, env *Env, elem *ctype.Type) *ctype.Type {
	t.Helper()
	typ, err := env.Store.PointerTo(elem)
	if err != nil {
		t.Fatalf("PointerTo: %v", err)
	}
	return typ
}

func value(t *testing.T, o *Object) any {
	t.Helper()
	v, err := o.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	return v
}

func field(t *testing.T, o *Object, name string) any {
	t.Helper()
	v, err := o.Field(name)
	if err != nil {
		t.Fatalf("Field(%s): %v", name, err)
	}
	return v
}

func pointType(t *testing.T, env *Env) *ctype.Type {
	t.Helper()
	cint := scalar(t, env, ctype.CodeInt)
	return mustStruct(t, env, ctype.StructSpec{
		Name: "POINT",
		Fields: []ctype.FieldSpec{
			{Name: "x", Type: cint},
			{Name: "y", Type: cint},
		},
	})
}
