// Package ffiruntime provides a foreign-function-interface runtime for
// managed code: native type descriptors, native data objects and a call
// marshaller that talks to pluggable ABI backends.
//
// # Architecture Overview
//
//	ffiruntime/          Root package with Memory, Allocator and backend contracts
//	├── runtime/         Facade wiring configuration, memory, types and backends
//	├── ctype/           Type descriptors and concrete type constructors
//	├── cdata/           Native data objects, keepalive tree, conversions
//	├── callproc/        Function pointers, paramflags, callbacks
//	├── loader/          Library and symbol resolution
//	├── memory/          Simulated native address space
//	├── handle/          Handle table for pinned managed references
//	├── backend/hostabi  In-process ABI backend (Go routines as native code)
//	├── backend/wasmabi  wazero-backed ABI backend
//	├── config/          TOML configuration and logger setup
//	└── errors/          Structured error types
//
// # Quick Start
//
//	rt, err := runtime.New(config.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	s := rt.Store()
//	cint := s.MustScalar(ctype.CodeInt)
//	point, _ := s.NewStruct(ctype.StructSpec{
//	    Name:   "Point",
//	    Fields: []ctype.FieldSpec{{Name: "x", Type: cint}, {Name: "y", Type: cint}},
//	})
//	p, _ := rt.New(point, 3, 4)
//	y, _ := p.Field("y") // int64(4)
//
// # Memory Model
//
// Every instance either owns an allocation, released by a runtime cleanup
// once the instance is unreachable, or is a view into the buffer of its root.
// References that native memory holds to managed values are pinned in the
// root's keepalive store.
package ffiruntime
