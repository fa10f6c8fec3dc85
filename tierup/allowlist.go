package tierup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/module"
)

// Environment variables naming allowlist files. Each file lists one
// function code index per line; '#' starts a comment.
const (
	BaselineAllowlistEnv   = "WASM_TIERUP_BASELINE_ALLOWLIST"
	OptimizingAllowlistEnv = "WASM_TIERUP_OPTIMIZING_ALLOWLIST"
)

// Allowlist restricts which functions may be compiled at a tier.
type Allowlist struct {
	set map[uint32]struct{}
	all bool
}

// AllowAll returns an allowlist that admits every function.
func AllowAll() *Allowlist {
	return &Allowlist{all: true}
}

// ParseAllowlist reads an allowlist.
func ParseAllowlist(r io.Reader) (*Allowlist, error) {
	a := &Allowlist{set: make(map[uint32]struct{})}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text, _, _ := strings.Cut(sc.Text(), "#")
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		idx, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("allowlist line %d: %w", line, err)
		}
		a.set[uint32(idx)] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

// Contains reports whether c may be compiled.
func (a *Allowlist) Contains(c module.CodeIndex) bool {
	if a.all {
		return true
	}
	_, ok := a.set[uint32(c)]
	return ok
}

// Len returns the number of listed functions, or -1 for AllowAll.
func (a *Allowlist) Len() int {
	if a.all {
		return -1
	}
	return len(a.set)
}

var (
	allowlistOnce [3]sync.Once
	allowlists    [3]*Allowlist
)

// GlobalAllowlist returns the process-wide allowlist for tier. The first
// call for a tier reads the file named by the tier's environment variable.
func GlobalAllowlist(tier codegen.Tier) *Allowlist {
	if int(tier) >= len(allowlists) {
		return AllowAll()
	}
	allowlistOnce[tier].Do(func() {
		allowlists[tier] = loadAllowlist(tier)
	})
	return allowlists[tier]
}

func loadAllowlist(tier codegen.Tier) *Allowlist {
	var env string
	switch tier {
	case codegen.TierBaselineJIT:
		env = BaselineAllowlistEnv
	case codegen.TierOptimizingJIT:
		env = OptimizingAllowlistEnv
	default:
		return AllowAll()
	}

	path := os.Getenv(env)
	if path == "" {
		return AllowAll()
	}
	f, err := os.Open(path)
	if err != nil {
		Logger().Warn("allowlist unreadable, allowing all functions",
			zap.Stringer("tier", tier), zap.String("path", path), zap.Error(err))
		return AllowAll()
	}
	defer f.Close()

	a, err := ParseAllowlist(f)
	if err != nil {
		Logger().Warn("allowlist malformed, allowing all functions",
			zap.Stringer("tier", tier), zap.String("path", path), zap.Error(err))
		return AllowAll()
	}
	Logger().Info("allowlist loaded",
		zap.Stringer("tier", tier), zap.String("path", path), zap.Int("functions", a.Len()))
	return a
}

// FunctionRange limits compilation to code indices in [Lo, Hi). The zero
// value admits every function.
type FunctionRange struct {
	Lo uint32
	Hi uint32
}

// ParseFunctionRange parses "lo:hi". Either bound may be omitted.
func ParseFunctionRange(s string) (FunctionRange, error) {
	if strings.TrimSpace(s) == "" {
		return FunctionRange{}, nil
	}
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return FunctionRange{}, fmt.Errorf("function range %q: expected lo:hi", s)
	}
	var r FunctionRange
	if lo = strings.TrimSpace(lo); lo != "" {
		v, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return FunctionRange{}, fmt.Errorf("function range %q: %w", s, err)
		}
		r.Lo = uint32(v)
	}
	if hi = strings.TrimSpace(hi); hi != "" {
		v, err := strconv.ParseUint(hi, 10, 32)
		if err != nil {
			return FunctionRange{}, fmt.Errorf("function range %q: %w", s, err)
		}
		r.Hi = uint32(v)
		if r.Hi <= r.Lo {
			return FunctionRange{}, fmt.Errorf("function range %q is empty", s)
		}
	}
	return r, nil
}

// Contains reports whether c is in the range.
func (r FunctionRange) Contains(c module.CodeIndex) bool {
	if uint32(c) < r.Lo {
		return false
	}
	return r.Hi == 0 || uint32(c) < r.Hi
}

// ShouldJIT reports whether c may be compiled at tier under the
// configured range and the process-wide allowlist.
func ShouldJIT(tier codegen.Tier, c module.CodeIndex, r FunctionRange) bool {
	if !r.Contains(c) {
		return false
	}
	return GlobalAllowlist(tier).Contains(c)
}
