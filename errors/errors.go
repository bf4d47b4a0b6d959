package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseDefine   Phase = "define"   // type declaration
	PhaseFinalize Phase = "finalize" // descriptor computation
	PhaseConvert  Phase = "convert"  // managed <-> native conversion
	PhaseAccess   Phase = "access"   // field/element/pointer access
	PhaseCall     Phase = "call"     // native call marshalling
	PhaseCallback Phase = "callback" // native -> managed calls
	PhasePickle   Phase = "pickle"   // serialization
	PhaseLoad     Phase = "load"     // library and symbol resolution
	PhaseMemory   Phase = "memory"   // address space operations
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindAbstract        Kind = "abstract"
	KindFinal           Kind = "final"
	KindTypeMismatch    Kind = "type_mismatch"
	KindConversion      Kind = "conversion"
	KindRecursion       Kind = "recursion"
	KindOutOfBounds     Kind = "out_of_bounds"
	KindNullPointer     Kind = "null_pointer"
	KindBufferTooSmall  Kind = "buffer_too_small"
	KindInvalidValue    Kind = "invalid_value"
	KindAccessViolation Kind = "access_violation"
	KindReadOnly        Kind = "read_only"
	KindArity           Kind = "arity"
	KindNativeCall      Kind = "native_call"
	KindOverflow        Kind = "overflow"
	KindUnsupported     Kind = "unsupported"
	KindNotFound        Kind = "not_found"
	KindAudit           Kind = "audit"
	KindAllocation      Kind = "allocation"
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Type   string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Type != "" {
		b.WriteString(": type ")
		b.WriteString(e.Type)
	}

	if e.Detail != "" {
		if e.Type != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Type sets the native type name
func (b *Builder) Type(t string) *Builder {
	b.err.Type = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Configuration creates an error for a missing or malformed shape attribute
func Configuration(phase Phase, typeName, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindConfiguration,
		Type:   typeName,
		Detail: detail,
	}
}

// Abstract creates an error for instantiating a type without a finalized shape
func Abstract(typeName string) *Error {
	return &Error{
		Phase:  PhaseDefine,
		Kind:   KindAbstract,
		Type:   typeName,
		Detail: "abstract class",
	}
}

// Final creates an error for redeclaring a finalized shape attribute
func Final(typeName, attr string) *Error {
	return &Error{
		Phase:  PhaseDefine,
		Kind:   KindFinal,
		Type:   typeName,
		Detail: fmt.Sprintf("%s is final", attr),
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, got, want string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		Type:   want,
		Detail: fmt.Sprintf("expected %s instance, got %s", want, got),
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// NullPointer creates a NULL pointer access error
func NullPointer(phase Phase, typeName string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNullPointer,
		Type:   typeName,
		Detail: "NULL pointer access",
	}
}

// BufferTooSmall creates an error for a buffer that cannot hold offset+size bytes
func BufferTooSmall(phase Phase, need, have uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindBufferTooSmall,
		Detail: fmt.Sprintf("buffer size too small (%d instead of at least %d bytes)", have, need),
		Value:  have,
	}
}

// InvalidValue creates an invalid value error
func InvalidValue(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidValue,
		Path:   path,
		Detail: detail,
	}
}

// AccessViolation creates an error for touching unmapped or freed memory
func AccessViolation(addr uint64, length uint64) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindAccessViolation,
		Detail: fmt.Sprintf("access violation at 0x%x (%d bytes)", addr, length),
		Value:  addr,
	}
}

// Arity creates an argument count error
func Arity(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindArity,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// NativeCall wraps a backend failure
func NativeCall(cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindNativeCall,
		Detail: "native call failed",
		Cause:  cause,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, target string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Path:   path,
		Type:   target,
		Detail: fmt.Sprintf("value %v overflows %s", value, target),
		Value:  value,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(size, align uint64, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
		Cause:  cause,
	}
}

// Audited creates an error for an operation rejected by the audit hook
func Audited(event string, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindAudit,
		Detail: fmt.Sprintf("audit hook rejected %s", event),
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// WithPath returns err with name prepended to its path when err is an *Error.
func WithPath(err error, name string) error {
	var e *Error
	if !stderrors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Path = append([]string{name}, e.Path...)
	return &cp
}
