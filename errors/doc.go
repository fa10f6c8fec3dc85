// Package errors provides structured error types for the tiering runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the compilation tier, the module-local function index
// and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCompile, errors.KindParse).
//		Tier(codegen.TierOptimizingJIT).
//		Function(3).
//		Detail("unexpected opcode 0x%02x", op).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfExecutableMemory(codegen.TierBaselineJIT, 2, true)
//	err := errors.CompileFailed(codegen.TierOptimizingJIT, 1, cause)
//
// Tier-up failures stay local to one plan. A failure of the mandatory
// baseline compile is wrapped with BaselineFailure and makes the whole
// module non-runnable.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
