// Package ctype builds native type descriptors.
//
// A Store owns every descriptor for one target data model. Descriptors are a
// closed set of variants selected by Kind:
//
//	KindScalar   predefined codes "cbBhHiIlLqQfd?uzZPO" and types derived from them
//	KindPointer  PointerTo, IncompletePointer + SetPointerType
//	KindArray    ArrayOf, cached by (element, length)
//	KindStruct   NewStruct, optionally incomplete until SetFields
//	KindUnion    NewUnion
//	KindFunc     FuncType, cached by signature
//
// Each type moves through Abstract, ShapeDeclared and Finalized exactly once.
// Size, alignment, field offsets and the buffer format string are fixed at
// finalization. Struct layout follows the C rules of the target, with
// optional pack, explicit alignment, GCC-style bitfields, anonymous member
// promotion and a non-native byte order.
//
// Scalars carry a codec that converts between raw bytes and Go values:
//
//	signed integers    int64
//	unsigned integers  uint64
//	c_float, c_double  float64
//	c_char             byte
//	c_wchar            rune
//	c_bool             bool
//	pointers           ffiruntime.Addr
//
// Memory indirection (strings behind c_char_p, objects behind py_object) is
// resolved by package cdata.
package ctype
