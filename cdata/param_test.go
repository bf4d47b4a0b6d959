package cdata

import (
	"fmt"
	"math"
	"testing"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/handle"
)

type substitute struct{ v any }

func (s substitute) AsParameter() any { return s.v }

type loop struct{}

func (l loop) AsParameter() any { return l }

func mustBuild(t *testing.T, env *Env, v any) ffiruntime.CallArg {
	t.Helper()
	arg, err := env.BuildArg(v)
	if err != nil {
		t.Fatalf("BuildArg(%v): %v", v, err)
	}
	return arg
}

func TestFromParam_Scalars(t *testing.T) {
	env, _ := newTestEnv(t)
	cint := scalar(t, env, ctype.CodeInt)
	cuint := scalar(t, env, ctype.CodeUInt)
	cdouble := scalar(t, env, ctype.CodeDouble)
	cfloat := scalar(t, env, ctype.CodeFloat)

	tests := []struct {
		name string
		typ  *ctype.Type
		in   any
		tag  ffiruntime.ArgTag
		bits uint64
	}{
		{"int", cint, 5, ffiruntime.ArgInt, 5},
		{"negative int", cint, -1, ffiruntime.ArgInt, math.MaxUint64},
		{"uint", cuint, uint32(7), ffiruntime.ArgUint, 7},
		{"double", cdouble, 2.5, ffiruntime.ArgFloat64, math.Float64bits(2.5)},
		{"float", cfloat, 0.5, ffiruntime.ArgFloat32, uint64(math.Float32bits(0.5))},
		{"substitute", cint, substitute{9}, ffiruntime.ArgInt, 9},
		{"nested substitute", cint, substitute{substitute{10}}, ffiruntime.ArgInt, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := env.FromParam(tt.typ, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			arg := mustBuild(t, env, v)
			if arg.Tag != tt.tag || arg.Bits != tt.bits {
				t.Errorf("arg = %v/%#x, want %v/%#x", arg.Tag, arg.Bits, tt.tag, tt.bits)
			}
		})
	}
}

func TestFromParam_Errors(t *testing.T) {
	env, _ := newTestEnv(t)
	cint := scalar(t, env, ctype.CodeInt)
	pt := mustPointer(t, env, cint)

	tests := []struct {
		name string
		typ  *ctype.Type
		in   any
		kind errors.Kind
	}{
		{"string for int", cint, "x", errors.KindTypeMismatch},
		{"other instance for int", cint, mustNew(t, env, scalar(t, env, ctype.CodeLong)), errors.KindTypeMismatch},
		{"double for pointer", pt, mustNew(t, env, scalar(t, env, ctype.CodeDouble)), errors.KindTypeMismatch},
		{"int for pointer", pt, 3, errors.KindTypeMismatch},
		{"failing substitute", cint, substitute{"x"}, errors.KindConversion},
		{"endless substitute", cint, loop{}, errors.KindRecursion},
		{"struct for c_char_p", scalar(t, env, ctype.CodeCharP), mustNew(t, env, pointType(t, env)), errors.KindTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.FromParam(tt.typ, tt.in)
			if !errors.IsKind(err, tt.kind) {
				t.Errorf("FromParam error = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestFromParam_FailingSubstituteKeepsBothErrors(t *testing.T) {
	env, _ := newTestEnv(t)
	_, err := env.FromParam(scalar(t, env, ctype.CodeInt), substitute{"x"})
	if errors.KindOf(err) != errors.KindConversion {
		t.Fatalf("outer kind = %s", errors.KindOf(err))
	}
	if !errors.IsKind(err, errors.KindTypeMismatch) {
		t.Errorf("nested error lost: %v", err)
	}
}

func TestFromParam_Pointers(t *testing.T) {
	env, _ := newTestEnv(t)
	cint := scalar(t, env, ctype.CodeInt)
	pt := mustPointer(t, env, cint)
	x := mustNew(t, env, cint, 3)
	arr := mustNew(t, env, mustArray(t, env, cint, 2))
	p, err := Pointer(x)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		in   any
		want ffiruntime.Addr
	}{
		{"instance by reference", x, x.Addr()},
		{"explicit byref", ByRef(x, 0), x.Addr()},
		{"same pointer type", p, x.Addr()},
		{"array decays", arr, arr.Addr()},
		{"nil", nil, ffiruntime.Null},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := env.FromParam(pt, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			arg := mustBuild(t, env, v)
			if arg.Tag != ffiruntime.ArgPointer || arg.Pointer() != tt.want {
				t.Errorf("arg = %v/%#x, want pointer %#x", arg.Tag, arg.Bits, tt.want)
			}
		})
	}
}

func TestFromParam_StringPointers(t *testing.T) {
	env, _ := newTestEnv(t)
	zt := scalar(t, env, ctype.CodeCharP)
	wt := scalar(t, env, ctype.CodeWCharP)
	vp := scalar(t, env, ctype.CodeVoidP)

	t.Run("bytes for c_char_p", func(t *testing.T) {
		v, err := env.FromParam(zt, []byte("abc"))
		if err != nil {
			t.Fatal(err)
		}
		arg := mustBuild(t, env, v)
		s, err := env.StringAt(arg.Pointer(), -1)
		if err != nil || string(s) != "abc" {
			t.Errorf("passed string = %q, %v", s, err)
		}
		if arg.Owner == nil {
			t.Error("temporary buffer not owned by the argument")
		}
	})

	t.Run("string for c_wchar_p", func(t *testing.T) {
		v, err := env.FromParam(wt, "wide")
		if err != nil {
			t.Fatal(err)
		}
		arg := mustBuild(t, env, v)
		s, err := env.WStringAt(arg.Pointer(), -1)
		if err != nil || s != "wide" {
			t.Errorf("passed string = %q, %v", s, err)
		}
	})

	t.Run("char array for c_char_p", func(t *testing.T) {
		arr := mustNew(t, env, mustArray(t, env, scalar(t, env, ctype.CodeChar), 4), []byte("ab"))
		v, err := env.FromParam(zt, arr)
		if err != nil {
			t.Fatal(err)
		}
		if mustBuild(t, env, v).Pointer() != arr.Addr() {
			t.Error("array not passed by address")
		}
	})

	t.Run("wide string rejected for c_char_p", func(t *testing.T) {
		arr := mustNew(t, env, mustArray(t, env, scalar(t, env, ctype.CodeWChar), 4))
		if _, err := env.FromParam(zt, arr); !errors.IsKind(err, errors.KindTypeMismatch) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("anything pointer-like for c_void_p", func(t *testing.T) {
		x := mustNew(t, env, scalar(t, env, ctype.CodeInt))
		p, _ := Pointer(x)
		for _, in := range []any{p, ffiruntime.Addr(0x10), nil, []byte("x"), "y", ByRef(x, 0)} {
			v, err := env.FromParam(vp, in)
			if err != nil {
				t.Errorf("FromParam(%v): %v", in, err)
				continue
			}
			if arg := mustBuild(t, env, v); arg.Tag != ffiruntime.ArgPointer {
				t.Errorf("FromParam(%v) tag = %v", in, arg.Tag)
			}
		}
	})
}

func TestFromParam_Hook(t *testing.T) {
	env, _ := newTestEnv(t)
	var seen any
	ht, err := env.Store.NewScalar(ctype.CodeVoidP, "HANDLE", ctype.WithFromParam(func(v any) (any, error) {
		seen = v
		return ffiruntime.Addr(0xbeef), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	v, err := env.FromParam(ht, "anything")
	if err != nil {
		t.Fatal(err)
	}
	if seen != "anything" {
		t.Errorf("hook saw %v", seen)
	}
	if arg := mustBuild(t, env, v); arg.Pointer() != 0xbeef {
		t.Errorf("arg = %#x", arg.Bits)
	}
}

func TestFromParam_PyObject(t *testing.T) {
	env, _ := newTestEnv(t)
	v, err := env.FromParam(scalar(t, env, ctype.CodeObject), []int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	arg := mustBuild(t, env, v)
	got, ok := env.Objects.Get(handle.Handle(arg.Bits))
	if !ok || fmt.Sprint(got) != "[1 2]" {
		t.Errorf("pinned value = %v, %v", got, ok)
	}
}

func TestConvParam(t *testing.T) {
	env, _ := newTestEnv(t)

	tests := []struct {
		name string
		in   any
		tag  ffiruntime.ArgTag
		bits uint64
		kind errors.Kind
	}{
		{"int", 7, ffiruntime.ArgInt, 7, ""},
		{"negative", -2, ffiruntime.ArgInt, uint64(math.MaxUint64 - 1), ""},
		{"bool", true, ffiruntime.ArgInt, 1, ""},
		{"uint32 wraps", uint32(math.MaxUint32), ffiruntime.ArgInt, math.MaxUint64, ""},
		{"nil", nil, ffiruntime.ArgPointer, 0, ""},
		{"address", ffiruntime.Addr(0x99), ffiruntime.ArgPointer, 0x99, ""},
		{"too large", int64(1) << 40, 0, 0, errors.KindOverflow},
		{"too large unsigned", uint64(1) << 33, 0, 0, errors.KindOverflow},
		{"float", 1.5, 0, 0, errors.KindConversion},
		{"substitute", substitute{3}, ffiruntime.ArgInt, 3, ""},
		{"endless substitute", loop{}, 0, 0, errors.KindRecursion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arg, err := env.BuildArg(tt.in)
			if tt.kind != "" {
				if !errors.IsKind(err, tt.kind) {
					t.Errorf("error = %v, want %s", err, tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if arg.Tag != tt.tag || arg.Bits != tt.bits {
				t.Errorf("arg = %v/%#x, want %v/%#x", arg.Tag, arg.Bits, tt.tag, tt.bits)
			}
		})
	}
}

func TestConvParam_Buffers(t *testing.T) {
	env, _ := newTestEnv(t)

	arg := mustBuild(t, env, []byte("hi"))
	if s, _ := env.StringAt(arg.Pointer(), -1); string(s) != "hi" {
		t.Errorf("bytes passed as %q", s)
	}
	arg = mustBuild(t, env, "wide")
	if s, _ := env.WStringAt(arg.Pointer(), -1); s != "wide" {
		t.Errorf("string passed as %q", s)
	}

	s := mustNew(t, env, pointType(t, env), 1, 2)
	arg = mustBuild(t, env, s)
	if arg.Tag != ffiruntime.ArgAggregate || len(arg.Bytes) != 8 || arg.Bytes[4] != 2 {
		t.Errorf("struct arg = %+v", arg)
	}
	// The snapshot does not follow later writes.
	if err := s.SetField("y", 5); err != nil {
		t.Fatal(err)
	}
	if arg.Bytes[4] != 2 {
		t.Error("aggregate argument aliases the object")
	}

	arr := mustNew(t, env, mustArray(t, env, scalar(t, env, ctype.CodeInt), 2))
	if arg := mustBuild(t, env, arr); arg.Tag != ffiruntime.ArgPointer || arg.Pointer() != arr.Addr() {
		t.Errorf("array arg = %+v", arg)
	}
}

func TestFromOutParam(t *testing.T) {
	env, _ := newTestEnv(t)
	cint := scalar(t, env, ctype.CodeInt)
	myint, err := env.Store.NewScalar(ctype.CodeInt, "myint")
	if err != nil {
		t.Fatal(err)
	}

	plain := mustNew(t, env, cint, 4)
	if v, err := FromOutParam(plain); err != nil || v != int64(4) {
		t.Errorf("plain = %v, %v", v, err)
	}
	derived := mustNew(t, env, myint, 4)
	if v, _ := FromOutParam(derived); v != derived {
		t.Errorf("derived = %v", v)
	}
	s := mustNew(t, env, pointType(t, env))
	if v, _ := FromOutParam(s); v != s {
		t.Errorf("struct = %v", v)
	}
	if v, _ := FromOutParam(12); v != 12 {
		t.Errorf("non-object = %v", v)
	}
}

func TestResult(t *testing.T) {
	env, _ := newTestEnv(t)
	cint := scalar(t, env, ctype.CodeInt)
	myint, err := env.Store.NewScalar(ctype.CodeInt, "myint")
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte{0xfe, 0xff, 0xff, 0xff}

	if v, err := env.Result(cint, raw); err != nil || v != int64(-2) {
		t.Errorf("c_int result = %v, %v", v, err)
	}
	v, err := env.Result(myint, raw)
	if err != nil {
		t.Fatal(err)
	}
	o, ok := v.(*Object)
	if !ok || o.Type() != myint || value(t, o) != int64(-2) {
		t.Errorf("myint result = %#v", v)
	}
	if v, err := env.Result(nil, nil); v != nil || err != nil {
		t.Errorf("void result = %v, %v", v, err)
	}

	arg := ffiruntime.CallArg{Tag: ffiruntime.ArgInt, Bits: uint64(math.MaxUint64)}
	if v, err := env.FromCallArg(cint, arg); err != nil || v != int64(-1) {
		t.Errorf("FromCallArg = %v, %v", v, err)
	}
	st := pointType(t, env)
	arg = ffiruntime.CallArg{Tag: ffiruntime.ArgAggregate, Bytes: []byte{1, 0, 0, 0, 2, 0, 0, 0}}
	v, err = env.FromCallArg(st, arg)
	if err != nil {
		t.Fatal(err)
	}
	if field(t, v.(*Object), "y") != int64(2) {
		t.Errorf("struct arg y = %v", field(t, v.(*Object), "y"))
	}
}
