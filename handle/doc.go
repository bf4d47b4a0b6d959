// Package handle pins managed Go values behind small integer handles.
//
// Native memory cannot hold Go pointers, so values that must round-trip
// through native code (objects stored in "O" scalars, callback closures
// behind trampolines) are inserted into a Table and referenced by handle.
// Handles are reference counted and recycled after release.
package handle
