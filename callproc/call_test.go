package callproc

import (
	"context"
	"strings"
	"testing"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/backend/hostabi"
	"github.com/wippyai/ffi-runtime/cdata"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

func TestCallLibc(t *testing.T) {
	h := newHarness(t)
	cint := h.scalar(ctype.CodeInt)
	intToInt := h.ftype(t, ctype.FuncSpec{Args: []*ctype.Type{cint}, Restype: cint})
	sizeOfStr := h.ftype(t, ctype.FuncSpec{Args: []*ctype.Type{h.scalar(ctype.CodeCharP)}, Restype: h.scalar(ctype.CodeULong)})

	tests := []struct {
		name  string
		fn    string
		ftype *ctype.Type
		args  []any
		want  any
	}{
		{"abs", "abs", intToInt, []any{-5}, int64(5)},
		{"abs extra cdecl args", "abs", intToInt, []any{-3, 99}, int64(3)},
		{"toupper", "toupper", intToInt, []any{int('a')}, int64('A')},
		{"strlen bytes", "strlen", sizeOfStr, []any{[]byte("hello")}, uint64(5)},
		{"strlen string", "strlen", sizeOfStr, []any{"four"}, uint64(4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := h.libc(t, tt.fn, tt.ftype)
			got, err := fp.Call(bg, tt.args...)
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if got != tt.want {
				t.Errorf("%s = %#v, want %#v", tt.fn, got, tt.want)
			}
		})
	}
}

func TestFuncPtrAccessors(t *testing.T) {
	h := newHarness(t)
	cint := h.scalar(ctype.CodeInt)
	ft := h.ftype(t, ctype.FuncSpec{Args: []*ctype.Type{cint}, Restype: cint})
	fp := h.libc(t, "abs", ft)

	if fp.Name() != "abs" || !strings.Contains(fp.String(), "abs") {
		t.Errorf("name %q string %q", fp.Name(), fp.String())
	}
	if fp.Address() < hostabi.CodeBase {
		t.Errorf("address = %x", fp.Address())
	}
	if len(fp.ArgTypes()) != 1 || fp.Restype() != cint {
		t.Errorf("signature %v -> %v", fp.ArgTypes(), fp.Restype())
	}

	if err := fp.SetRestype(nil); err != nil {
		t.Fatal(err)
	}
	if got, err := fp.Call(bg, -4); err != nil || got != nil {
		t.Errorf("void call = %v, %v", got, err)
	}
	arr, _ := h.store.ArrayOf(cint, 2)
	if err := fp.SetRestype(arr); !errors.IsKind(err, errors.KindConfiguration) {
		t.Errorf("array restype err = %v", err)
	}
	if err := fp.SetArgTypes(cint, nil); !errors.IsKind(err, errors.KindConfiguration) {
		t.Errorf("nil argtype err = %v", err)
	}

	wrapped, err := h.d.Wrap(fp.Object)
	if err != nil || wrapped.Address() != fp.Address() {
		t.Errorf("Wrap = %v, %v", wrapped, err)
	}
	if _, err := h.d.Wrap(h.obj(t, cint)); !errors.IsKind(err, errors.KindTypeMismatch) {
		t.Errorf("Wrap(c_int) err = %v", err)
	}
	if _, err := h.d.FuncAt(cint, 0x1000, "x"); !errors.IsKind(err, errors.KindTypeMismatch) {
		t.Errorf("FuncAt(c_int) err = %v", err)
	}
}

func TestArity(t *testing.T) {
	h := newHarness(t)
	cint := h.scalar(ctype.CodeInt)
	sum := func(_ context.Context, f *hostabi.Frame) error {
		var total int64
		for i := range f.Len() {
			total += f.Int(i)
		}
		f.SetInt(total)
		return nil
	}
	cdecl := h.routine(t, "sum", h.ftype(t, ctype.FuncSpec{Args: []*ctype.Type{cint, cint}, Restype: cint}), sum)
	stdcall := h.routine(t, "sum", h.ftype(t, ctype.FuncSpec{Args: []*ctype.Type{cint, cint}, Restype: cint, CallConv: ffiruntime.ConvStdcall}), sum)

	tests := []struct {
		name    string
		fp      *FuncPtr
		args    []any
		want    int64
		wantErr string
	}{
		{"cdecl exact", cdecl, []any{1, 2}, 3, ""},
		{"cdecl extra", cdecl, []any{1, 2, 3}, 6, ""},
		{"cdecl short", cdecl, []any{1}, 0, "takes at least 2 arguments (1 given)"},
		{"stdcall exact", stdcall, []any{4, 5}, 9, ""},
		{"stdcall extra", stdcall, []any{1, 2, 3}, 0, "takes 2 arguments (3 given)"},
		{"stdcall short", stdcall, nil, 0, "takes 2 arguments (0 given)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fp.Call(bg, tt.args...)
			if tt.wantErr != "" {
				if !errors.IsKind(err, errors.KindArity) || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("result = %v, want %d", got, tt.want)
			}
		})
	}

	if _, err := cdecl.Call(bg, 1, "x"); !errors.IsKind(err, errors.KindTypeMismatch) {
		t.Errorf("bad argument err = %v", err)
	} else if !strings.Contains(err.Error(), "argument 2") {
		t.Errorf("bad argument err lacks position: %v", err)
	}
	if _, err := cdecl.CallKw(bg, []any{1, 2}, map[string]any{"x": 1}); !errors.IsKind(err, errors.KindArity) {
		t.Errorf("keyword without paramflags err = %v", err)
	}
}

func TestNativeFailure(t *testing.T) {
	h := newHarness(t)
	ft := h.ftype(t, ctype.FuncSpec{})
	fp := h.routine(t, "crash", ft, func(context.Context, *hostabi.Frame) error {
		return errors.AccessViolation(0, 4)
	})
	_, err := fp.Call(bg)
	if !errors.IsKind(err, errors.KindNativeCall) || !errors.IsKind(err, errors.KindAccessViolation) {
		t.Errorf("err = %v", err)
	}

	null, err := h.d.FuncAt(ft, ffiruntime.Null, "null")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := null.Call(bg); !errors.IsKind(err, errors.KindNullPointer) {
		t.Errorf("NULL call err = %v", err)
	}
}

func TestResultChecker(t *testing.T) {
	h := newHarness(t)
	hresult, err := h.store.NewScalar(ctype.CodeLong, "HRESULT", ctype.WithResultChecker(func(v any) (any, error) {
		o := v.(*cdata.Object)
		n, err := o.Value()
		if err != nil {
			return nil, err
		}
		if n.(int64) < 0 {
			return nil, errors.InvalidValue(errors.PhaseCall, nil, "failed HRESULT")
		}
		return n, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	ft := h.ftype(t, ctype.FuncSpec{Args: []*ctype.Type{h.scalar(ctype.CodeLong)}, Restype: hresult})
	fp := h.routine(t, "echo", ft, func(_ context.Context, f *hostabi.Frame) error {
		f.SetInt(f.Int(0))
		return nil
	})

	if got, err := fp.Call(bg, 7); err != nil || got != int64(7) {
		t.Errorf("ok = %v, %v", got, err)
	}
	if _, err := fp.Call(bg, -1); !errors.IsKind(err, errors.KindInvalidValue) {
		t.Errorf("failure err = %v", err)
	}
}

func TestErrCheck(t *testing.T) {
	h := newHarness(t)
	cint := h.scalar(ctype.CodeInt)
	pint := h.pointer(t, cint)
	ft := h.ftype(t, ctype.FuncSpec{Args: []*ctype.Type{cint, pint}, Restype: cint})
	fp := h.routine(t, "double", ft, func(_ context.Context, f *hostabi.Frame) error {
		f.SetInt(0)
		return writeInt32(f, 1, int32(f.Int(0)*2))
	})
	if err := fp.SetParamFlags([]Param{{Flags: ParamIn, Name: "n"}, {Flags: ParamOut, Name: "out"}}); err != nil {
		t.Fatal(err)
	}

	var seen Args
	fp.SetErrCheck(func(result any, fn *FuncPtr, args Args) (any, error) {
		if fn != fp || result != int64(0) {
			t.Errorf("errcheck got %v, %v", result, fn)
		}
		seen = args
		return args, nil
	})
	if got, err := fp.Call(bg, 4); err != nil || got != int64(8) {
		t.Errorf("pass-through = %v, %v", got, err)
	}
	if len(seen) != 2 || seen[0] != 4 {
		t.Errorf("errcheck args = %v", seen)
	}

	fp.SetErrCheck(func(any, *FuncPtr, Args) (any, error) { return "replaced", nil })
	if got, err := fp.Call(bg, 4); err != nil || got != "replaced" {
		t.Errorf("replaced = %v, %v", got, err)
	}

	fp.SetErrCheck(func(any, *FuncPtr, Args) (any, error) {
		return nil, errors.InvalidValue(errors.PhaseCall, nil, "rejected")
	})
	if _, err := fp.Call(bg, 4); !errors.IsKind(err, errors.KindInvalidValue) {
		t.Errorf("rejected err = %v", err)
	}

	fp.SetErrCheck(nil)
	if got, err := fp.Call(bg, 5); err != nil || got != int64(10) {
		t.Errorf("cleared = %v, %v", got, err)
	}
}
