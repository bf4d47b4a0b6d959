// Package errors provides structured error types for the ffi runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the offending native type name, a field path, the
// offending value and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
//		Path("Point", "x").
//		Type("c_int").
//		Detail("int expected instead of float").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(errors.PhaseAccess, nil, 10, 5)
//	err := errors.NullPointer(errors.PhaseAccess, "LP_c_int")
//
// The kinds follow the taxonomy callers rely on to tell programmer errors
// from data errors: configuration (KindConfiguration, KindAbstract,
// KindFinal), conversion (KindTypeMismatch, KindConversion, KindRecursion),
// bounds and lifetime (KindOutOfBounds, KindNullPointer, KindBufferTooSmall,
// KindInvalidValue, KindAccessViolation), arity (KindArity) and native call
// failures (KindNativeCall).
package errors
