// Package loader resolves library exports into callable function pointers.
//
// Symbol lookup tries the plain name first, then "_name", then for stdcall
// signatures the decorated "_name@N" where N is the byte size of the
// arguments. Opening a library and resolving a symbol are reported to the
// audit hook of the environment.
package loader
