// Package hostabi is an in-process ABI backend.
//
// Native routines are Go functions registered under entry addresses in a
// reserved code range of the address space. Data lives in any
// ffiruntime.Memory, normally a memory.Heap. A Machine is at the same time
// the Invoker, the TrampolineFactory and the SymbolResolver of a runtime:
// libraries are named symbol tables registered up front, and trampolines
// are entries whose handler is a Go closure.
//
// Routines see their arguments through a Frame and set the return value
// with one of the Frame setters. A routine may call other entries,
// trampolines included, with Frame.Call.
package hostabi
