// Package memory provides Heap, the simulated native address space used by
// the in-process backend.
//
// A Heap implements ffiruntime.Memory, ffiruntime.Allocator,
// ffiruntime.Mapper and ffiruntime.RegionInfo. Blocks are kept sorted by
// start address (the bump pointer only grows) and located by binary search.
// Mapped regions alias caller-owned Go slices and may be read-only.
package memory
