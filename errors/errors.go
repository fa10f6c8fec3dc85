package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad     Phase = "load"     // module loading
	PhaseParse    Phase = "parse"    // binary decoding
	PhaseValidate Phase = "validate" // module validation
	PhaseCompile  Phase = "compile"  // code generation
	PhaseLink     Phase = "link"     // executable memory and relocation
	PhaseInstall  Phase = "install"  // callee group publication
	PhaseTierUp   Phase = "tierup"   // tier-up scheduling
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindOutOfMemory     Kind = "out_of_memory"
	KindParse           Kind = "parse"
	KindValidation      Kind = "validation"
	KindBaselineFailure Kind = "baseline_failure"
	KindNotRunnable     Kind = "not_runnable"
	KindInvalidIndex    Kind = "invalid_index"
	KindInvalidData     Kind = "invalid_data"
	KindUnsupported     Kind = "unsupported"
	KindMemoryMode      Kind = "memory_mode"
	KindTornDown        Kind = "torn_down"
	KindNotFound        Kind = "not_found"
)

// NoFunction marks an error that is not attributed to a single function.
const NoFunction = ^uint32(0)

// Error is the structured error type used throughout the runtime
type Error struct {
	Cause    error
	Phase    Phase
	Kind     Kind
	Tier     string
	Detail   string
	Function uint32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Tier != "" || e.Function != NoFunction {
		b.WriteString(" (")
		if e.Tier != "" {
			b.WriteString("tier ")
			b.WriteString(e.Tier)
		}
		if e.Function != NoFunction {
			if e.Tier != "" {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "function %d", e.Function)
		}
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// HasFunction reports whether the error names a function index.
func (e *Error) HasFunction() bool {
	return e.Function != NoFunction
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase:    phase,
			Kind:     kind,
			Function: NoFunction,
		},
	}
}

// Tier sets the compilation tier name
func (b *Builder) Tier(tier fmt.Stringer) *Builder {
	b.err.Tier = tier.String()
	return b
}

// Function sets the module-local function index
func (b *Builder) Function(index uint32) *Builder {
	b.err.Function = index
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// OutOfExecutableMemory creates the error reported when linking cannot get
// executable pages. tieringUp selects the wording used for optional tiers.
func OutOfExecutableMemory(tier fmt.Stringer, function uint32, tieringUp bool) *Error {
	detail := fmt.Sprintf("Out of executable memory in function at index %d", function)
	if tieringUp {
		detail = fmt.Sprintf("Out of executable memory while tiering up function at index %d", function)
	}
	return &Error{
		Phase:    PhaseLink,
		Kind:     KindOutOfMemory,
		Tier:     tier.String(),
		Function: function,
		Detail:   detail,
	}
}

// CompileFailed creates a code generation or validation failure
func CompileFailed(tier fmt.Stringer, function uint32, cause error) *Error {
	return &Error{
		Phase:    PhaseCompile,
		Kind:     KindParse,
		Tier:     tier.String(),
		Function: function,
		Detail:   fmt.Sprintf("compilation failed, in function at index %d", function),
		Cause:    cause,
	}
}

// LinkFailed creates a link failure that is not caused by memory exhaustion
func LinkFailed(tier fmt.Stringer, function uint32, cause error) *Error {
	return &Error{
		Phase:    PhaseLink,
		Kind:     KindInvalidData,
		Tier:     tier.String(),
		Function: function,
		Detail:   fmt.Sprintf("link failed, in function at index %d", function),
		Cause:    cause,
	}
}

// BaselineFailure marks a module whose mandatory baseline compile failed
func BaselineFailure(cause error) *Error {
	fn := NoFunction
	var e *Error
	if stderrors.As(cause, &e) {
		fn = e.Function
	}
	return &Error{
		Phase:    PhaseCompile,
		Kind:     KindBaselineFailure,
		Function: fn,
		Detail:   "module is not runnable",
		Cause:    cause,
	}
}

// NotRunnable creates the error reported to embedders that try to execute
// a module whose baseline compile did not succeed
func NotRunnable(message string) *Error {
	return &Error{
		Phase:    PhaseLoad,
		Kind:     KindNotRunnable,
		Function: NoFunction,
		Detail:   message,
	}
}

// InvalidIndex creates an index space violation error
func InvalidIndex(phase Phase, index, limit uint32) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindInvalidIndex,
		Function: NoFunction,
		Detail:   fmt.Sprintf("index %d out of range (limit %d)", index, limit),
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindInvalidData,
		Function: NoFunction,
		Detail:   detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindUnsupported,
		Function: NoFunction,
		Detail:   what,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     kind,
		Function: NoFunction,
		Detail:   detail,
		Cause:    cause,
	}
}

// IsKind reports whether any error in err's chain is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsOutOfMemory reports whether err was caused by executable memory exhaustion.
func IsOutOfMemory(err error) bool {
	return IsKind(err, KindOutOfMemory)
}
