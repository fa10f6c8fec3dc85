// Package engine is the embedder-facing side of the tiering runtime.
//
// An Engine owns the collaborators every module shares: the code
// generator, the linker with its executable memory, the compile worklist
// and the reverse code-address registry. A Module is one loaded binary
// together with its callee groups, one per memory mode in use.
//
// # Module Lifecycle
//
//  1. Engine.LoadModule validates and decodes the binary, then schedules
//     the baseline compile (interpreter records and import thunks).
//  2. Module.Wait blocks until the baseline compile ends. A module whose
//     baseline failed is never runnable; every later call reports the
//     failure message instead of running.
//  3. The call-dispatch path reports calls and loop back edges through
//     Module.Call, Module.OnCall, Module.OnBaselineJITCall and
//     Module.OnLoop. Each returns the record to run and may schedule a
//     tier-up when the current tier's trigger fires.
//  4. Module.Close releases the callee groups. Plans still running finish
//     and drop their results.
//
// # Tiers
//
// Functions start in the interpreter. Hot functions move to the baseline
// JIT and then to the optimizing JIT; hot loops in baseline code may get
// a loop entry compiled by the optimizing tier. A failed tier-up leaves
// the function on its current tier for good.
//
//	interpreter --calls/loops--> baseline JIT --calls--> optimizing JIT
//	                             baseline JIT --loops--> OSR entry
//
// # Configuration
//
// Config is usually loaded from TOML with LoadConfig:
//
//	executable_memory = "64MiB"
//	memory_mode = "signaling"
//	concurrent_jit = true
//	function_index_range = "0:100"
//
//	[thresholds]
//	warm_up = 1000
//	soon = 30
//	loop_weight = 1
//
// # Thread Safety
//
// Engine and Module are safe for concurrent use.
package engine
