package wasmabi

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"fortio.org/safecast"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// HostModule is the import module trampolines are reached through.
const HostModule = "ffi"

// Options configures a Backend.
type Options struct {
	// Name is the library name Open accepts. Defaults to "main".
	Name string
	// HeapBase is the first address of the bump allocator used when the
	// module exports no malloc/free pair.
	HeapBase uint32
	// MemoryLimitPages caps the linear memory (64KiB pages). 0 means the
	// wazero default.
	MemoryLimitPages uint32
}

type routine struct {
	tramp ffiruntime.TrampolineHandler
	ret   *ffiruntime.ABIType
	name  string
	args  []*ffiruntime.ABIType
	conv  ffiruntime.CallConv
}

// Backend runs native routines exported by one wasm module. Entry
// addresses are function-table style indices, independent of linear
// memory offsets.
type Backend struct {
	rt      wazero.Runtime
	mod     api.Module
	mem     *Memory
	alloc   *allocator
	entries map[ffiruntime.Addr]*routine
	symbols map[string]ffiruntime.Addr
	name    string
	next    ffiruntime.Addr
	opened  int
	mu      sync.RWMutex
}

// New compiles and instantiates wasm. The module may import
// ffi.invoke_callback(fn, args, nargs, ret i32) i32 to call trampolines.
func New(ctx context.Context, wasm []byte, opts Options) (*Backend, error) {
	cfg := wazero.NewRuntimeConfig()
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	b := &Backend{
		rt:      rt,
		entries: make(map[ffiruntime.Addr]*routine),
		symbols: make(map[string]ffiruntime.Addr),
		name:    opts.Name,
		next:    1,
	}
	if b.name == "" {
		b.name = "main"
	}

	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(b.invokeCallback),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		Export("invoke_callback").
		Instantiate(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindConfiguration, err, "instantiate host module")
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindConfiguration, err, "compile module")
	}
	// Memory() of an instance without memory is a typed nil, so check the
	// compiled exports instead.
	if len(compiled.ExportedMemories()) == 0 {
		rt.Close(ctx)
		return nil, errors.Configuration(errors.PhaseLoad, b.name, "module exports no memory")
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(b.name))
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindConfiguration, err, "instantiate module")
	}

	b.mod = mod
	b.mem = &Memory{mem: mod.Memory()}
	heapBase := opts.HeapBase
	if heapBase == 0 {
		heapBase = mod.Memory().Size()
	}
	b.alloc = newAllocator(mod, heapBase)

	for name, def := range compiled.ExportedFunctions() {
		b.symbols[name] = b.place(&routine{name: name, ret: abiOf(def.ResultTypes())})
	}
	Logger().Debug("wasm module loaded",
		zap.String("name", b.name),
		zap.Int("exports", len(b.symbols)),
		zap.Uint32("heap_base", heapBase))
	return b, nil
}

func abiOf(results []api.ValueType) *ffiruntime.ABIType {
	if len(results) == 0 {
		return ffiruntime.ABITypeVoid
	}
	switch results[0] {
	case api.ValueTypeI64:
		return &ffiruntime.ABIType{Kind: ffiruntime.ABISint64, Size: 8, Align: 8}
	case api.ValueTypeF32:
		return &ffiruntime.ABIType{Kind: ffiruntime.ABIFloat, Size: 4, Align: 4}
	case api.ValueTypeF64:
		return &ffiruntime.ABIType{Kind: ffiruntime.ABIDouble, Size: 8, Align: 8}
	}
	return &ffiruntime.ABIType{Kind: ffiruntime.ABISint32, Size: 4, Align: 4}
}

func (b *Backend) place(r *routine) ffiruntime.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr := b.next
	b.next++
	b.entries[addr] = r
	return addr
}

// Memory returns the linear memory adapter.
func (b *Backend) Memory() *Memory { return b.mem }

// Allocator returns the allocator over linear memory.
func (b *Backend) Allocator() ffiruntime.Allocator { return b.alloc }

// Module returns the instantiated module.
func (b *Backend) Module() api.Module { return b.mod }

// Close releases the wazero runtime.
func (b *Backend) Close(ctx context.Context) error {
	return b.rt.Close(ctx)
}

// Invoke implements ffiruntime.Invoker.
func (b *Backend) Invoke(ctx context.Context, call *ffiruntime.Call) ([]byte, error) {
	b.mu.RLock()
	r := b.entries[call.Entry]
	b.mu.RUnlock()
	if r == nil {
		return nil, errors.New(errors.PhaseCall, errors.KindAccessViolation).
			Value(uint64(call.Entry)).
			Detail("no function at index %d", uint64(call.Entry)).
			Build()
	}
	ret := call.Ret
	if ret == nil {
		ret = ffiruntime.ABITypeVoid
	}
	if r.tramp != nil {
		out, err := r.tramp(ctx, call.Args)
		if err != nil {
			return nil, err
		}
		raw := make([]byte, ret.Size)
		copy(raw, out)
		return raw, nil
	}
	if call.Fixed >= 0 {
		return nil, errors.Unsupported(errors.PhaseCall, "variadic calls into wasm")
	}

	fn := b.mod.ExportedFunction(r.name)
	def := fn.Definition()
	params := def.ParamTypes()

	type slot struct {
		bits uint64
		f32  bool
	}
	var slots []slot
	var sret ffiruntime.Addr
	if ret.Kind == ffiruntime.ABIStruct {
		// Aggregates are returned through a caller-allocated buffer passed first.
		p, err := b.alloc.Alloc(ret.Size, ret.Align)
		if err != nil {
			return nil, err
		}
		defer b.alloc.Free(p)
		sret = p
		slots = append(slots, slot{bits: uint64(p)})
	}
	for i := range call.Args {
		a := &call.Args[i]
		v, release, err := b.lower(a)
		if err != nil {
			return nil, err
		}
		if release != nil {
			defer release()
		}
		slots = append(slots, slot{bits: v, f32: a.Tag == ffiruntime.ArgFloat32})
	}
	if len(slots) != len(params) {
		return nil, errors.Arity("%s takes %d wasm parameters (%d given)", r.name, len(params), len(slots))
	}
	stack := make([]uint64, max(len(params), len(def.ResultTypes())))
	for i, vt := range params {
		stack[i] = encodeParam(vt, slots[i].bits, slots[i].f32)
	}

	Logger().Debug("wasm call", zap.String("func", r.name), zap.Int("args", len(call.Args)))
	if err := fn.CallWithStack(ctx, stack); err != nil {
		return nil, err
	}

	raw := make([]byte, ret.Size)
	switch {
	case sret != ffiruntime.Null:
		data, err := b.mem.Read(sret, ret.Size)
		if err != nil {
			return nil, err
		}
		copy(raw, data)
	case len(def.ResultTypes()) > 0:
		putResult(raw, ret, def.ResultTypes()[0], stack[0])
	}
	return raw, nil
}

// lower converts one call argument to a wasm stack value. Aggregates are
// copied into linear memory and passed by address.
func (b *Backend) lower(a *ffiruntime.CallArg) (uint64, func(), error) {
	if a.Tag != ffiruntime.ArgAggregate {
		return a.Bits, nil, nil
	}
	size := uint64(len(a.Bytes))
	align := uint64(1)
	if a.ABI != nil {
		align = a.ABI.Align
	}
	p, err := b.alloc.Alloc(size, align)
	if err != nil {
		return 0, nil, err
	}
	if err := b.mem.Write(p, a.Bytes); err != nil {
		b.alloc.Free(p)
		return 0, nil, err
	}
	return uint64(p), func() { b.alloc.Free(p) }, nil
}

// encodeParam fits raw argument bits to the wasm value type. f32 marks a
// float argument already held as float32 bits.
func encodeParam(vt api.ValueType, bits uint64, f32 bool) uint64 {
	switch vt {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(bits))
	case api.ValueTypeF32:
		if f32 {
			return bits & 0xffffffff
		}
		return api.EncodeF32(float32(math.Float64frombits(bits)))
	case api.ValueTypeF64:
		if f32 {
			return api.EncodeF64(float64(math.Float32frombits(uint32(bits))))
		}
		return bits
	}
	return bits
}

func putResult(raw []byte, ret *ffiruntime.ABIType, vt api.ValueType, v uint64) {
	switch {
	case ret.Kind == ffiruntime.ABIDouble && vt == api.ValueTypeF32:
		v = math.Float64bits(float64(api.DecodeF32(v)))
	case ret.Kind == ffiruntime.ABIFloat && vt == api.ValueTypeF64:
		v = uint64(math.Float32bits(float32(api.DecodeF64(v))))
	}
	switch len(raw) {
	case 1:
		raw[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(raw, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(raw, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(raw, v)
	}
}

// MakeTrampoline implements ffiruntime.TrampolineFactory.
func (b *Backend) MakeTrampoline(h ffiruntime.TrampolineHandler, args []*ffiruntime.ABIType, ret *ffiruntime.ABIType, conv ffiruntime.CallConv) (ffiruntime.Addr, func(), error) {
	if h == nil {
		return 0, nil, errors.InvalidValue(errors.PhaseCallback, nil, "trampoline handler is nil")
	}
	if ret == nil {
		ret = ffiruntime.ABITypeVoid
	}
	addr := b.place(&routine{tramp: h, args: args, ret: ret, conv: conv, name: "trampoline"})
	Logger().Debug("trampoline created", zap.Uint64("index", uint64(addr)))
	return addr, func() {
		b.mu.Lock()
		delete(b.entries, addr)
		b.mu.Unlock()
		Logger().Debug("trampoline released", zap.Uint64("index", uint64(addr)))
	}, nil
}

// invokeCallback serves ffi.invoke_callback(fn, args, nargs, ret). args
// points at nargs 8-byte little-endian slots; aggregate slots hold the
// address of the aggregate. The result is written to ret. It returns 0 on
// success.
func (b *Backend) invokeCallback(ctx context.Context, mod api.Module, stack []uint64) {
	fn := ffiruntime.Addr(api.DecodeU32(stack[0]))
	argp := api.DecodeU32(stack[1])
	nargs := api.DecodeU32(stack[2])
	retp := api.DecodeU32(stack[3])
	if err := b.dispatch(ctx, mod.Memory(), fn, argp, nargs, retp); err != nil {
		Logger().Warn("callback failed", zap.Uint64("index", uint64(fn)), zap.Error(err))
		stack[0] = api.EncodeI32(1)
		return
	}
	stack[0] = api.EncodeI32(0)
}

func (b *Backend) dispatch(ctx context.Context, mem api.Memory, fn ffiruntime.Addr, argp, nargs, retp uint32) error {
	b.mu.RLock()
	r := b.entries[fn]
	b.mu.RUnlock()
	if r == nil || r.tramp == nil {
		return errors.New(errors.PhaseCallback, errors.KindNotFound).
			Detail("no trampoline at index %d", uint64(fn)).
			Build()
	}
	n, err := safecast.Conv[int](nargs)
	if err != nil || n != len(r.args) {
		return errors.New(errors.PhaseCallback, errors.KindArity).
			Detail("trampoline takes %d arguments (%d given)", len(r.args), nargs).
			Build()
	}
	args := make([]ffiruntime.CallArg, n)
	for i, abi := range r.args {
		slot, ok := mem.ReadUint64Le(argp + uint32(i)*8)
		if !ok {
			return errors.AccessViolation(uint64(argp)+uint64(i)*8, 8)
		}
		arg, err := b.lift(abi, slot)
		if err != nil {
			return err
		}
		args[i] = arg
	}
	out, err := r.tramp(ctx, args)
	if err != nil {
		return err
	}
	if r.ret.Size > 0 {
		raw := make([]byte, r.ret.Size)
		copy(raw, out)
		if !mem.Write(retp, raw) {
			return errors.AccessViolation(uint64(retp), r.ret.Size)
		}
	}
	return nil
}

// lift turns a slot value into a call argument of the given ABI type.
func (b *Backend) lift(abi *ffiruntime.ABIType, slot uint64) (ffiruntime.CallArg, error) {
	arg := ffiruntime.CallArg{ABI: abi, Bits: slot}
	switch abi.Kind {
	case ffiruntime.ABIFloat:
		arg.Tag = ffiruntime.ArgFloat32
		arg.Bits = slot & 0xffffffff
	case ffiruntime.ABIDouble:
		arg.Tag = ffiruntime.ArgFloat64
	case ffiruntime.ABIPointer:
		arg.Tag = ffiruntime.ArgPointer
		arg.Bits = slot & 0xffffffff
	case ffiruntime.ABIStruct:
		arg.Tag = ffiruntime.ArgAggregate
		data, err := b.mem.Read(ffiruntime.Addr(slot&0xffffffff), abi.Size)
		if err != nil {
			return arg, err
		}
		arg.Bytes = data
		arg.Bits = 0
	case ffiruntime.ABISint8, ffiruntime.ABISint16, ffiruntime.ABISint32, ffiruntime.ABISint64:
		arg.Tag = ffiruntime.ArgInt
		arg.Bits = uint64(signExtend(slot, abi.Size))
	default:
		arg.Tag = ffiruntime.ArgUint
		if abi.Size < 8 {
			arg.Bits = slot & (1<<(abi.Size*8) - 1)
		}
	}
	return arg, nil
}

func signExtend(v uint64, size uint64) int64 {
	if size >= 8 {
		return int64(v)
	}
	shift := 64 - size*8
	return int64(v<<shift) >> shift
}

// Resolver returns the symbol resolver of the backend. The module is the
// only library and is known under Options.Name.
func (b *Backend) Resolver() ffiruntime.SymbolResolver { return (*resolver)(b) }

type resolver Backend

func (r *resolver) Open(name string) (ffiruntime.LibHandle, error) {
	if name != r.name {
		return 0, errors.NotFound(errors.PhaseLoad, "library", name)
	}
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
	return 1, nil
}

// Lookup resolves exported functions to their entry index and exported
// globals to the address they hold.
func (r *resolver) Lookup(h ffiruntime.LibHandle, name string) (ffiruntime.Addr, error) {
	if h != 1 {
		return 0, errors.InvalidValue(errors.PhaseLoad, nil, "invalid library handle")
	}
	r.mu.RLock()
	addr, ok := r.symbols[name]
	r.mu.RUnlock()
	if ok {
		return addr, nil
	}
	if g := r.mod.ExportedGlobal(name); g != nil {
		return ffiruntime.Addr(api.DecodeU32(g.Get())), nil
	}
	return 0, errors.NotFound(errors.PhaseLoad, "symbol", name)
}

func (r *resolver) LookupOrdinal(ffiruntime.LibHandle, int) (ffiruntime.Addr, error) {
	return 0, errors.Unsupported(errors.PhaseLoad, "wasm modules have no export ordinals")
}

func (r *resolver) Close(h ffiruntime.LibHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h != 1 || r.opened == 0 {
		return errors.InvalidValue(errors.PhaseLoad, nil, "invalid library handle")
	}
	r.opened--
	return nil
}
