// Package runtime wires the FFI engine together.
//
// # Quick Start
//
//	rt, err := runtime.New(config.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	libc, err := rt.Open("c")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cint := rt.Store().MustScalar(ctype.CodeInt)
//	ftype, _ := rt.Store().FuncType(ctype.FuncSpec{Args: []*ctype.Type{cint}, Restype: cint})
//	abs, err := libc.Func("abs", ftype)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	v, err := abs.Call(ctx, -5) // int64(5)
//
// # Backends
//
// New runs native routines in process (package hostabi) over a simulated
// address space. NewWasm runs them in a WebAssembly module (package
// wasmabi), with the module's linear memory as native memory and the
// wasm32 data model.
//
// # Logging
//
// The logger built from the [log] section is installed into every
// package. Package loggers are process-wide, so the last runtime created
// wins.
package runtime
