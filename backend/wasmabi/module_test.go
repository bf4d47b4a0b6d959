package wasmabi

import "bytes"

// Wasm opcodes and encodings used by the test module.
const (
	opCall      = 0x10
	opDrop      = 0x1a
	opLocalGet  = 0x20
	opI32Load   = 0x28
	opI32Store  = 0x36
	opI64Store  = 0x37
	opI32Const  = 0x41
	opI32Add    = 0x6a
	opF64Add    = 0xa0
	opI64Extend = 0xac // i64.extend_i32_s
	opEnd       = 0x0b

	typeI32 = 0x7f
	typeF64 = 0x7c
)

// Linear memory layout of the test module.
const (
	argArea    = 0x100
	retArea    = 0x200
	answerAddr = 0x300
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint32(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint32(len(results)))...)
	return append(out, results...)
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(v)...)
}

func body(code ...[]byte) []byte {
	b := []byte{0} // no locals
	for _, c := range code {
		b = append(b, c...)
	}
	b = append(b, opEnd)
	return append(uleb(uint32(len(b))), b...)
}

// callbackCall stores local 1 as the only argument slot and calls
// ffi.invoke_callback(local 0, args, 1, ret), leaving its status on the stack.
func callbackCall() []byte {
	return bytes.Join([][]byte{
		i32Const(argArea),
		{opLocalGet, 1, opI64Extend, opI64Store, 3, 0},
		{opLocalGet, 0},
		i32Const(argArea),
		i32Const(1),
		i32Const(retArea),
		{opCall, 0},
	}, nil)
}

// testModule builds a module exporting:
//
//	add(a, b i32) i32
//	store(p, v i32)          *(int32*)p = v
//	apply(fn, x i32) i32     calls trampoline fn with x, returns its int result
//	try_apply(fn, x i32) i32 like apply but returns the invoke_callback status
//	fadd(a, b f64) f64
//	memory, and the global answer_ptr pointing at an int32 holding 42
func testModule() []byte {
	types := vec(
		funcType([]byte{typeI32, typeI32, typeI32, typeI32}, []byte{typeI32}),
		funcType([]byte{typeI32, typeI32}, []byte{typeI32}),
		funcType([]byte{typeI32, typeI32}, nil),
		funcType([]byte{typeF64, typeF64}, []byte{typeF64}),
	)
	imports := vec(bytes.Join([][]byte{name(HostModule), name("invoke_callback"), {0x00, 0}}, nil))
	funcs := vec([]byte{1}, []byte{2}, []byte{1}, []byte{1}, []byte{3})
	memory := vec([]byte{0x00, 1})
	globals := vec(bytes.Join([][]byte{{typeI32, 0x00}, i32Const(answerAddr), {opEnd}}, nil))
	exports := vec(
		append(name("memory"), 0x02, 0),
		append(name("add"), 0x00, 1),
		append(name("store"), 0x00, 2),
		append(name("apply"), 0x00, 3),
		append(name("try_apply"), 0x00, 4),
		append(name("fadd"), 0x00, 5),
		append(name("answer_ptr"), 0x03, 0),
	)
	code := vec(
		body([]byte{opLocalGet, 0, opLocalGet, 1, opI32Add}),
		body([]byte{opLocalGet, 0, opLocalGet, 1, opI32Store, 2, 0}),
		body(callbackCall(), []byte{opDrop}, i32Const(retArea), []byte{opI32Load, 2, 0}),
		body(callbackCall()),
		body([]byte{opLocalGet, 0, opLocalGet, 1, opF64Add}),
	)
	data := vec(bytes.Join([][]byte{{0x00}, i32Const(answerAddr), {opEnd}, vec([]byte{42}, []byte{0}, []byte{0}, []byte{0})}, nil))

	return bytes.Join([][]byte{
		{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(2, imports),
		section(3, funcs),
		section(5, memory),
		section(6, globals),
		section(7, exports),
		section(10, code),
		section(11, data),
	}, nil)
}

// memorylessModule exports a single function and no memory.
func memorylessModule() []byte {
	return bytes.Join([][]byte{
		{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, vec(funcType(nil, nil))),
		section(3, vec([]byte{0})),
		section(7, vec(append(name("nop"), 0x00, 0))),
		section(10, vec(body())),
	}, nil)
}
