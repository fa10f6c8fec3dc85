// Package wasmtierup is a tiered compilation runtime for WebAssembly modules.
//
// Functions start in an interpreter. Counters on calls and loop back edges
// promote hot functions to a baseline JIT and then to an optimizing JIT,
// and hot loops in baseline code to an optimizing loop entry (OSR). Compiled
// code is installed into a per-module callee group while other threads keep
// calling through it.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasmtierup/
//	├── engine/          Embedder API: loading modules, reporting calls, stats
//	├── plan/            Compile plans and the background worklist
//	├── calleegroup/     Per-module code tables and tier installation
//	├── callee/          Compiled-code records, handlers, address registry
//	├── tierup/          Tier-up counters, compile status, allowlists
//	├── codegen/         Code generator and linker interfaces
//	│   └── synthetic/   Deterministic code generator used by default
//	├── jitmem/          Executable memory allocator and linker
//	├── module/          Module metadata and the function index space
//	├── wasm/            Core WASM binary decoding and body scanning
//	├── errors/          Structured error types for debugging
//	└── cmd/tierup/      Command line driver and terminal monitor
//
// # Quick Start
//
// Load a module and report calls to it:
//
//	e, err := engine.New(ctx, engine.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close(ctx)
//
//	mod, err := e.LoadModule(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := mod.Wait(ctx); err != nil {
//	    log.Fatal(err) // baseline compile failed
//	}
//
//	rec, err := mod.Call(ctx, e.MemoryMode(), 0)
//	fmt.Println(rec.Tier(), rec.Entrypoint())
//
// # Thread Safety
//
// Engine, Module and callee groups are safe for concurrent use. Compile
// plans run on worklist goroutines and publish code with atomic stores, so
// readers on the call path never take the group lock.
package wasmtierup
