package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/tierup"
)

// Config holds configuration for engine creation
type Config struct {
	// ExecutableMemory caps the executable memory all linked code may use,
	// as a size string such as "64MiB".
	ExecutableMemory string `toml:"executable_memory"`

	// MemoryMode is the mode of each module's primary callee group:
	// "bounds-checking" or "signaling".
	MemoryMode string `toml:"memory_mode"`

	// FunctionIndexRange limits JIT compilation to code indices "lo:hi".
	// Empty admits every function.
	FunctionIndexRange string `toml:"function_index_range"`

	Thresholds tierup.Thresholds `toml:"thresholds"`

	// Workers is the number of compile workers. 0 means GOMAXPROCS-1.
	Workers int `toml:"workers"`

	// InlineBudget is the largest callee, in instructions, the optimizing
	// tier inlines. 0 disables inlining.
	InlineBudget int `toml:"inline_budget"`

	UseBaselineJIT   bool `toml:"use_baseline_jit"`
	UseOptimizingJIT bool `toml:"use_optimizing_jit"`
	UseOSR           bool `toml:"use_osr"`

	// FreeRetiredCode releases baseline code once optimized code replaces it.
	FreeRetiredCode bool `toml:"free_retired_code"`

	// ConcurrentJIT compiles tier-ups in the background. When false the
	// call that triggers a tier-up waits for it.
	ConcurrentJIT bool `toml:"concurrent_jit"`

	// ValidateModules runs full binary validation before a module is loaded.
	ValidateModules bool `toml:"validate"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		ExecutableMemory: "128MiB",
		MemoryMode:       codegen.BoundsChecking.String(),
		Thresholds:       tierup.DefaultThresholds(),
		InlineBudget:     16,
		UseBaselineJIT:   true,
		UseOptimizingJIT: true,
		UseOSR:           true,
		FreeRetiredCode:  true,
		ConcurrentJIT:    true,
		ValidateModules:  true,
	}
}

// LoadConfig reads a TOML file over DefaultConfig. Unknown keys are an
// error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	return ParseConfig(string(data))
}

// ParseConfig decodes TOML text over DefaultConfig.
func ParseConfig(text string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, errors.InvalidData(errors.PhaseConfig, "unknown keys: "+strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field and reports all problems together.
func (c Config) Validate() error {
	var errs error
	if _, err := c.executableMemory(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.memoryMode(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.functionRange(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Workers < 0 {
		errs = multierr.Append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	th := c.Thresholds
	if th.WarmUp <= 0 || th.Soon <= 0 || th.LoopWeight <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("thresholds must be positive, got %+v", th))
	}
	if errs != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, errs, "invalid config")
	}
	return nil
}

func (c Config) executableMemory() (uint64, error) {
	n, err := units.RAMInBytes(c.ExecutableMemory)
	if err != nil {
		return 0, fmt.Errorf("executable_memory: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("executable_memory must be positive, got %q", c.ExecutableMemory)
	}
	return uint64(n), nil
}

func (c Config) memoryMode() (codegen.MemoryMode, error) {
	return codegen.ParseMemoryMode(c.MemoryMode)
}

func (c Config) functionRange() (tierup.FunctionRange, error) {
	return tierup.ParseFunctionRange(c.FunctionIndexRange)
}

// interpreterTarget is the tier interpreter triggers promote to.
func (c Config) interpreterTarget() codegen.Tier {
	if c.UseBaselineJIT {
		return codegen.TierBaselineJIT
	}
	return codegen.TierOptimizingJIT
}

func (c Config) tierEnabled(t codegen.Tier) bool {
	switch t {
	case codegen.TierBaselineJIT:
		return c.UseBaselineJIT
	case codegen.TierOptimizingJIT:
		return c.UseOptimizingJIT
	}
	return false
}
