package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/wippyai/wasm-tierup/engine"
)

var (
	headerColor    = color.New(color.Bold)
	interpColor    = color.New(color.FgWhite)
	baselineColor  = color.New(color.FgYellow)
	optimizedColor = color.New(color.FgGreen, color.Bold)
	failedColor    = color.New(color.FgRed, color.Bold)
	dimColor       = color.New(color.Faint)
)

func tierColor(tier string) *color.Color {
	switch tier {
	case "baseline-jit":
		return baselineColor
	case "optimizing-jit":
		return optimizedColor
	default:
		return interpColor
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case "failed":
		return failedColor
	case "compiled":
		return optimizedColor
	case "compiling":
		return baselineColor
	default:
		return dimColor
	}
}

// printFunctions writes one row per function.
func printFunctions(w io.Writer, s engine.ModuleStats) {
	headerColor.Fprintf(w, "%-5s %-24s %-15s %-12s %-9s %9s %8s  %s\n",
		"CODE", "NAME", "TIER", "NEXT", "OSR", "COUNTER", "SIZE", "CALLERS")
	for _, fs := range s.Functions {
		fmt.Fprintf(w, "%-5d %-24s ", fs.Index, truncate(fs.Name, 24))
		tierColor(fs.Tier).Fprintf(w, "%-15s ", fs.Tier)
		statusColor(fs.Status).Fprintf(w, "%-12s ", fs.Status)
		osr := fs.OSR
		if osr == "" {
			osr = "-"
		}
		statusColor(fs.OSR).Fprintf(w, "%-9s ", osr)
		fmt.Fprintf(w, "%9d %8d  %s\n", fs.Counter, fs.CodeSize, formatCallers(fs.Callers))
		if fs.LastError != "" {
			failedColor.Fprintf(w, "      %s\n", fs.LastError)
		}
	}
}

// printSummary writes the per-tier totals and engine counters.
func printSummary(w io.Writer, s engine.ModuleStats, es engine.Stats, elapsed time.Duration) {
	fmt.Fprintln(w)
	tiers := make([]string, 0, len(s.ByTier))
	for tier := range s.ByTier {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	parts := make([]string, len(tiers))
	for i, tier := range tiers {
		parts[i] = tierColor(tier).Sprintf("%s %d", tier, s.ByTier[tier])
	}
	fmt.Fprintf(w, "%s %s (%s)\n", headerColor.Sprint("Module:"), s.Name, s.MemoryMode)
	fmt.Fprintf(w, "%s %s\n", headerColor.Sprint("Tiers: "), strings.Join(parts, ", "))
	fmt.Fprintf(w, "%s %d scheduled, %d installed, %d failed, %d retired\n",
		headerColor.Sprint("Plans: "), s.Scheduled, s.Installed, s.Failed, s.Retired)
	if es.Memory.Capacity > 0 {
		fmt.Fprintf(w, "%s %s\n", headerColor.Sprint("Memory:"), es.Memory)
	}
	fmt.Fprintf(w, "%s %s\n", headerColor.Sprint("Time:  "), elapsed.Round(time.Microsecond))
}

// printFailure reports a module that never became runnable.
func printFailure(w io.Writer, path, msg string) {
	failedColor.Fprint(w, "not runnable: ")
	fmt.Fprintf(w, "%s\n  %s\n", path, msg)
}

func formatCallers(callers []uint32) string {
	if len(callers) == 0 {
		return "-"
	}
	parts := make([]string, len(callers))
	for i, c := range callers {
		parts[i] = fmt.Sprint(c)
	}
	return strings.Join(parts, ",")
}

func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "~")
}
