package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseConvert,
				Kind:   KindTypeMismatch,
				Path:   []string{"Rect", "origin", "x"},
				Type:   "c_int",
				Detail: "int expected instead of float",
			},
			contains: []string{"[convert]", "type_mismatch", "Rect.origin.x", "c_int", "int expected"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseAccess,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[access]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseCall,
				Kind:   KindNativeCall,
				Detail: "native call failed",
				Cause:  errors.New("segfault"),
			},
			contains: []string{"[call]", "native_call", "caused by", "segfault"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseMemory,
		Kind:  KindAllocation,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseAccess,
		Kind:  KindNullPointer,
		Path:  []string{"contents"},
	}

	if !err.Is(&Error{Phase: PhaseAccess, Kind: KindNullPointer}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseCall, Kind: KindNullPointer}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseAccess, Kind: KindOutOfBounds}) {
		t.Error("Is should not match different kind")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, &Error{Phase: PhaseAccess, Kind: KindNullPointer}) {
		t.Error("errors.Is should match through wrapping")
	}
}

func TestIsKind(t *testing.T) {
	inner := OutOfBounds(PhaseAccess, nil, 7, 5)
	outer := Wrap(PhaseCall, KindConversion, inner, "argument 1")

	if !IsKind(outer, KindConversion) {
		t.Error("IsKind should match outer kind")
	}
	if !IsKind(outer, KindOutOfBounds) {
		t.Error("IsKind should match kind in cause chain")
	}
	if IsKind(outer, KindArity) {
		t.Error("IsKind matched absent kind")
	}
	if IsKind(errors.New("plain"), KindArity) {
		t.Error("IsKind matched plain error")
	}
	if KindOf(fmt.Errorf("x: %w", inner)) != KindOutOfBounds {
		t.Errorf("KindOf = %q", KindOf(inner))
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseConvert, KindTypeMismatch).
		Path("Point", "x").
		Type("c_int").
		Value(1.5).
		Cause(cause).
		Detail("expected %s, got %s", "int", "float64").
		Build()

	if err.Phase != PhaseConvert {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseConvert)
	}
	if err.Kind != KindTypeMismatch {
		t.Errorf("Kind = %v, want %v", err.Kind, KindTypeMismatch)
	}
	if len(err.Path) != 2 || err.Path[0] != "Point" || err.Path[1] != "x" {
		t.Errorf("Path = %v, want [Point x]", err.Path)
	}
	if err.Type != "c_int" {
		t.Errorf("Type = %v, want 'c_int'", err.Type)
	}
	if err.Value != 1.5 {
		t.Errorf("Value = %v, want 1.5", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected int, got float64" {
		t.Errorf("Detail = %v", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		err  *Error
		name string
		kind Kind
		want string
	}{
		{Configuration(PhaseFinalize, "Point", "_fields_ must be a sequence"), "Configuration", KindConfiguration, "_fields_"},
		{Abstract("Incomplete"), "Abstract", KindAbstract, "abstract class"},
		{Final("Point", "_fields_"), "Final", KindFinal, "_fields_ is final"},
		{TypeMismatch(PhaseConvert, nil, "c_long", "LP_c_int"), "TypeMismatch", KindTypeMismatch, "LP_c_int"},
		{OutOfBounds(PhaseAccess, nil, 10, 5), "OutOfBounds", KindOutOfBounds, "10"},
		{NullPointer(PhaseAccess, "LP_c_int"), "NullPointer", KindNullPointer, "NULL pointer"},
		{BufferTooSmall(PhaseAccess, 16, 8), "BufferTooSmall", KindBufferTooSmall, "16"},
		{InvalidValue(PhaseAccess, nil, "can only assign sequence of same size"), "InvalidValue", KindInvalidValue, "same size"},
		{AccessViolation(0x1000, 4), "AccessViolation", KindAccessViolation, "0x1000"},
		{Arity("this function takes %d arguments (%d given)", 2, 3), "Arity", KindArity, "takes 2"},
		{NativeCall(errors.New("boom")), "NativeCall", KindNativeCall, "boom"},
		{Overflow(PhaseFinalize, nil, 1<<62, "array"), "Overflow", KindOverflow, "overflows"},
		{Unsupported(PhaseDefine, "long double"), "Unsupported", KindUnsupported, "long double"},
		{NotFound(PhaseLoad, "symbol", "strlen"), "NotFound", KindNotFound, "strlen"},
		{AllocationFailed(1024, 8, nil), "AllocationFailed", KindAllocation, "1024"},
		{Audited("ctypes.dlopen", errors.New("denied")), "Audited", KindAudit, "ctypes.dlopen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if !strings.Contains(tt.err.Error(), tt.want) {
				t.Errorf("message %q does not contain %q", tt.err.Error(), tt.want)
			}
		})
	}
}

func TestWithPath(t *testing.T) {
	err := WithPath(OutOfBounds(PhaseAccess, []string{"x"}, 3, 2), "Point")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if strings.Join(e.Path, ".") != "Point.x" {
		t.Errorf("Path = %v", e.Path)
	}

	plain := errors.New("plain")
	if WithPath(plain, "x") != plain {
		t.Error("plain errors should pass through")
	}
}
