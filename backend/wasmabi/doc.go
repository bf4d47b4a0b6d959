// Package wasmabi is an ABI backend whose native code is a WebAssembly
// module run by wazero.
//
// Native memory is the module's linear memory, so objects must be created
// in an environment built over Backend.Memory and Backend.Allocator, with
// the wasm32 data model. Exported functions are the native routines; their
// entry addresses are small indices handed out at load time.
//
// Calls follow the wasm32 C ABI: integers and pointers travel as i32 or
// i64, floats as f32 or f64, aggregates by address of a temporary copy,
// and aggregate results through a buffer passed as a hidden first
// argument. Variadic calls are not supported.
//
// Trampolines cannot be placed in the module's function table. Guest code
// calls them through the host import
//
//	(import "ffi" "invoke_callback" (func (param i32 i32 i32 i32) (result i32)))
//
// with the trampoline index, a pointer to an array of 8-byte argument
// slots, the argument count and a pointer to the result buffer.
package wasmabi
