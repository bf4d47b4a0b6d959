// Package cdata implements instances of native types.
//
// An Object is either a root, which owns or borrows a memory block, or a
// view aliasing part of a root's block. Reading an aggregate, pointer or
// derived-scalar member returns a view; reading a plain scalar returns a Go
// value (see package ctype for the value types). Every view shares its
// root's lock and keep store.
//
// The keep store records the managed values that native memory refers to:
// buffers behind c_char_p and c_wchar_p values, handles behind py_object
// values, pointees of pointers, and the keep stores of objects copied into
// pointer-holding members. Entries are keyed by the position of the member
// within the root, so overwriting a member replaces what it kept.
//
// Owned memory is released by a runtime cleanup once the root is
// unreachable. Addresses handed to native code are only valid while the
// owning object is reachable.
//
// Parameter conversion follows the from_param rules of each type:
//
//	FromParam(t, v)  converts v for a parameter declared as t
//	ConvParam(v)     converts v for an undeclared (variadic) parameter
//	BuildArg(v)      turns the result of either into a CallArg
package cdata
