package wasmabi

import (
	"context"
	"testing"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/callproc"
	"github.com/wippyai/ffi-runtime/cdata"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

type fixture struct {
	b     *Backend
	d     *callproc.Dispatcher
	env   *cdata.Env
	store *ctype.Store
	h     ffiruntime.LibHandle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	b, err := New(ctx, testModule(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close(ctx) })

	store, err := ctype.NewStore(ffiruntime.Wasm32())
	if err != nil {
		t.Fatal(err)
	}
	env := cdata.NewEnv(store, b.Memory(), b.Allocator())
	h, err := b.Resolver().Open("main")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{b: b, d: callproc.NewDispatcher(env, b, b), env: env, store: store, h: h}
}

func (fx *fixture) fn(t *testing.T, name string, spec ctype.FuncSpec) *callproc.FuncPtr {
	t.Helper()
	addr, err := fx.b.Resolver().Lookup(fx.h, name)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", name, err)
	}
	ft, err := fx.store.FuncType(spec)
	if err != nil {
		t.Fatal(err)
	}
	fp, err := fx.d.FuncAt(ft, addr, name)
	if err != nil {
		t.Fatal(err)
	}
	return fp
}

func TestNewErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		wasm []byte
	}{
		{"garbage", []byte("not wasm")},
		{"no memory", memorylessModule()},
		{"empty module", []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(ctx, tt.wasm, Options{}); !errors.IsKind(err, errors.KindConfiguration) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestResolver(t *testing.T) {
	fx := newFixture(t)
	res := fx.b.Resolver()

	add, err := res.Lookup(fx.h, "add")
	if err != nil || add == ffiruntime.Null {
		t.Errorf("add = %d, %v", add, err)
	}
	if p, err := res.Lookup(fx.h, "answer_ptr"); err != nil || p != answerAddr {
		t.Errorf("answer_ptr = %#x, %v", p, err)
	}
	if _, err := res.Lookup(fx.h, "nope"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("missing symbol err = %v", err)
	}
	if _, err := res.LookupOrdinal(fx.h, 1); !errors.IsKind(err, errors.KindUnsupported) {
		t.Errorf("ordinal err = %v", err)
	}
	if _, err := res.Open("other"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("other library err = %v", err)
	}
	if err := res.Close(fx.h); err != nil {
		t.Fatal(err)
	}
	if err := res.Close(fx.h); !errors.IsKind(err, errors.KindInvalidValue) {
		t.Errorf("double close err = %v", err)
	}
}

func TestCallExports(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cint := fx.store.MustScalar(ctype.CodeInt)
	cdouble := fx.store.MustScalar(ctype.CodeDouble)

	add := fx.fn(t, "add", ctype.FuncSpec{Args: []*ctype.Type{cint, cint}, Restype: cint})
	if got, err := add.Call(ctx, 40, -2); err != nil || got != int64(38) {
		t.Errorf("add = %v, %v", got, err)
	}
	if _, err := add.Call(ctx, 1, 2, 3); !errors.IsKind(err, errors.KindUnsupported) {
		t.Errorf("variadic err = %v", err)
	}

	fadd := fx.fn(t, "fadd", ctype.FuncSpec{Args: []*ctype.Type{cdouble, cdouble}, Restype: cdouble})
	if got, err := fadd.Call(ctx, 1.5, 2.25); err != nil || got != 3.75 {
		t.Errorf("fadd = %v, %v", got, err)
	}

	pint, err := fx.store.PointerTo(cint)
	if err != nil {
		t.Fatal(err)
	}
	store := fx.fn(t, "store", ctype.FuncSpec{Args: []*ctype.Type{pint, cint}})
	target, err := fx.env.New(cint)
	if err != nil {
		t.Fatal(err)
	}
	if target.Addr() < ffiruntime.Addr(pageSize) {
		t.Errorf("allocation at %#x overlaps the module's static data", target.Addr())
	}
	if _, err := store.Call(ctx, target, 99); err != nil {
		t.Fatal(err)
	}
	if v, _ := target.Value(); v != int64(99) {
		t.Errorf("stored value = %v", v)
	}

	answer, err := fx.env.FromAddress(cint, answerAddr)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := answer.Value(); v != int64(42) {
		t.Errorf("answer = %v", v)
	}
}

func TestCallbacks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cint := fx.store.MustScalar(ctype.CodeInt)
	cbType, err := fx.store.FuncType(ctype.FuncSpec{Args: []*ctype.Type{cint}, Restype: cint})
	if err != nil {
		t.Fatal(err)
	}
	spec := ctype.FuncSpec{Args: []*ctype.Type{cbType, cint}, Restype: cint}
	apply := fx.fn(t, "apply", spec)
	tryApply := fx.fn(t, "try_apply", spec)

	var seen []any
	double, err := fx.d.NewCallback(cbType, func(args ...any) (any, error) {
		seen = append(seen, args[0])
		return args[0].(int64) * 2, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer double.Release()

	tests := []struct {
		in   int
		want int64
	}{
		{21, 42},
		{-8, -16},
	}
	for _, tt := range tests {
		got, err := apply.Call(ctx, double, tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("apply(%d) = %v, want %d", tt.in, got, tt.want)
		}
	}
	if len(seen) != 2 || seen[1] != int64(-8) {
		t.Errorf("callback saw %v", seen)
	}

	failing, err := fx.d.NewCallback(cbType, func(...any) (any, error) {
		return nil, errors.InvalidValue(errors.PhaseCallback, nil, "no")
	})
	if err != nil {
		t.Fatal(err)
	}
	if status, err := tryApply.Call(ctx, failing, 1); err != nil || status != int64(1) {
		t.Errorf("failing status = %v, %v", status, err)
	}
	if status, err := tryApply.Call(ctx, double, 1); err != nil || status != int64(0) {
		t.Errorf("ok status = %v, %v", status, err)
	}

	failing.Release()
	if status, err := tryApply.Call(ctx, failing, 1); err != nil || status != int64(1) {
		t.Errorf("released status = %v, %v", status, err)
	}
}

func TestAllocator(t *testing.T) {
	fx := newFixture(t)
	a := fx.b.Allocator()
	before := fx.b.Memory().Size()

	p1, err := a.Alloc(pageSize, 8)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.Alloc(3, 16)
	if err != nil {
		t.Fatal(err)
	}
	if p1%8 != 0 || p2%16 != 0 || p2 < p1+pageSize {
		t.Errorf("allocations %#x, %#x", p1, p2)
	}
	if fx.b.Memory().Size() <= before {
		t.Error("memory did not grow")
	}
	a.Free(p1)
	a.Free(p1)
	a.Free(0)

	mem := fx.b.Memory()
	if err := mem.Write(p2, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := mem.Fill(p2, 9, 2); err != nil {
		t.Fatal(err)
	}
	got, err := mem.Read(p2, 3)
	if err != nil || string(got) != "\x09\x09\x03" {
		t.Errorf("read = %v, %v", got, err)
	}
	if _, err := mem.Read(0, 4); !errors.IsKind(err, errors.KindAccessViolation) {
		t.Errorf("NULL read err = %v", err)
	}
	if _, err := mem.Read(ffiruntime.Addr(mem.Size()), 4); !errors.IsKind(err, errors.KindAccessViolation) {
		t.Errorf("out of range read err = %v", err)
	}
	if _, err := mem.Read(1<<40, 4); !errors.IsKind(err, errors.KindAccessViolation) {
		t.Errorf("wide address err = %v", err)
	}
}
