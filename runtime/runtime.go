package runtime

import (
	"context"

	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/backend/hostabi"
	"github.com/wippyai/ffi-runtime/backend/wasmabi"
	"github.com/wippyai/ffi-runtime/callproc"
	"github.com/wippyai/ffi-runtime/cdata"
	"github.com/wippyai/ffi-runtime/config"
	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/loader"
	"github.com/wippyai/ffi-runtime/memory"
)

// Runtime ties a type store, a backend and the loader together.
type Runtime struct {
	cfg      config.Config
	log      *zap.Logger
	store    *ctype.Store
	env      *cdata.Env
	heap     *memory.Heap
	machine  *hostabi.Machine
	wasm     *wasmabi.Backend
	dispatch *callproc.Dispatcher
	loader   *loader.Loader
}

// New creates a runtime on the in-process backend. The C library subset
// of hostabi is registered as library "c".
func New(cfg config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := cfg.Log.Build()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindConfiguration, err, "build logger")
	}
	store, err := ctype.NewStore(cfg.Target)
	if err != nil {
		return nil, err
	}

	heap := memory.NewHeap(memory.Options{
		BaseAddress: cfg.Memory.BaseAddress,
		GuardBytes:  cfg.Memory.GuardBytes,
	})
	machine := hostabi.New(heap, cfg.Target)
	if err := machine.RegisterLibc(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:     cfg,
		log:     log,
		store:   store,
		heap:    heap,
		machine: machine,
	}
	r.wire(cdata.NewEnv(store, heap, heap), machine, machine, machine)
	return r, nil
}

// NewWasm creates a runtime whose native code is the wasm module. The
// wasm32 data model replaces the configured target.
func NewWasm(ctx context.Context, cfg config.Config, wasm []byte) (*Runtime, error) {
	cfg.Target = ffiruntime.Wasm32()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := cfg.Log.Build()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindConfiguration, err, "build logger")
	}
	store, err := ctype.NewStore(cfg.Target)
	if err != nil {
		return nil, err
	}

	installLoggers(log)
	b, err := wasmabi.New(ctx, wasm, wasmabi.Options{
		HeapBase:         cfg.Wasm.HeapBase,
		MemoryLimitPages: cfg.Wasm.MemoryLimitPages,
	})
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:   cfg,
		log:   log,
		store: store,
		wasm:  b,
	}
	r.wire(cdata.NewEnv(store, b.Memory(), b.Allocator()), b, b, b.Resolver())
	return r, nil
}

func (r *Runtime) wire(env *cdata.Env, inv ffiruntime.Invoker, tramps ffiruntime.TrampolineFactory, res ffiruntime.SymbolResolver) {
	installLoggers(r.log)
	env.Audit = r.cfg.Audit.Hook(r.log.Named("audit"))
	r.env = env
	r.dispatch = callproc.NewDispatcher(env, inv, tramps)
	r.loader = loader.New(r.dispatch, res)
	r.log.Debug("runtime ready",
		zap.Int("pointer_size", r.cfg.Target.PointerSize),
		zap.String("byte_order", r.cfg.Target.ByteOrder),
		zap.Bool("wasm", r.wasm != nil))
}

// installLoggers hands named children of log to every package.
func installLoggers(log *zap.Logger) {
	ctype.SetLogger(log.Named("ctype"))
	cdata.SetLogger(log.Named("cdata"))
	callproc.SetLogger(log.Named("callproc"))
	loader.SetLogger(log.Named("loader"))
	hostabi.SetLogger(log.Named("hostabi"))
	wasmabi.SetLogger(log.Named("wasmabi"))
}

// Close releases the wasm runtime, if any, and flushes the logger.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	if r.wasm != nil {
		err = r.wasm.Close(ctx)
	}
	_ = r.log.Sync()
	return err
}

func (r *Runtime) Config() config.Config            { return r.cfg }
func (r *Runtime) Logger() *zap.Logger              { return r.log }
func (r *Runtime) Store() *ctype.Store              { return r.store }
func (r *Runtime) Env() *cdata.Env                  { return r.env }
func (r *Runtime) Dispatcher() *callproc.Dispatcher { return r.dispatch }
func (r *Runtime) Loader() *loader.Loader           { return r.loader }

// Machine returns the in-process backend, nil for wasm runtimes.
func (r *Runtime) Machine() *hostabi.Machine { return r.machine }

// Heap returns the simulated address space, nil for wasm runtimes.
func (r *Runtime) Heap() *memory.Heap { return r.heap }

// Wasm returns the wasm backend, nil for in-process runtimes.
func (r *Runtime) Wasm() *wasmabi.Backend { return r.wasm }

// Open opens a library through the loader.
func (r *Runtime) Open(name string) (*loader.Library, error) {
	return r.loader.Open(name)
}

// New allocates an instance of t.
func (r *Runtime) New(t *ctype.Type, init ...any) (*cdata.Object, error) {
	return r.env.New(t, init...)
}

// Callback wraps fn in a native entry point of type ftype.
func (r *Runtime) Callback(ftype *ctype.Type, fn callproc.Callback) (*callproc.FuncPtr, error) {
	return r.dispatch.NewCallback(ftype, fn)
}
