package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pierrec/lz4/v4"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wippyai/wasm-tierup/engine"
)

// reportVersion is bumped when Report changes incompatibly.
const reportVersion uint16 = 1

// Report is the msgpack document written by "run --report". Paths ending
// in .lz4 are lz4-framed.
type Report struct {
	Version  uint16             `msgpack:"version"`
	File     string             `msgpack:"file"`
	Created  time.Time          `msgpack:"created"`
	Elapsed  time.Duration      `msgpack:"elapsed"`
	Steps    int                `msgpack:"steps"`
	OSRHits  int                `msgpack:"osr_hits"`
	Config   engine.Config      `msgpack:"config"`
	Module   engine.ModuleStats `msgpack:"module"`
	MemUsed  uint64             `msgpack:"mem_used"`
	MemPeak  uint64             `msgpack:"mem_peak"`
	Enqueued uint64             `msgpack:"enqueued"`
}

// compressed reports whether a report path asks for lz4 framing.
func compressed(path string) bool {
	return strings.HasSuffix(path, ".lz4")
}

func writeReport(path string, r *Report) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tierup-report-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(f.Name())
	}()

	var w io.Writer = f
	var zw *lz4.Writer
	if compressed(path) {
		zw = lz4.NewWriter(f)
		w = zw
	}
	if err := msgpack.NewEncoder(w).Encode(r); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			_ = f.Close()
			return fmt.Errorf("compress report: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func readReport(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rd io.Reader = f
	if compressed(path) {
		rd = lz4.NewReader(f)
	}
	var r Report
	if err := msgpack.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if r.Version != reportVersion {
		return nil, fmt.Errorf("report version %d, want %d", r.Version, reportVersion)
	}
	return &r, nil
}

var reportCmd = &cobra.Command{
	Use:   "report FILE",
	Short: "Print a report written by run --report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	r, err := readReport(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s, %d steps, %d OSR entries taken, written %s\n\n",
		headerColor.Sprint("Run:"), r.File, r.Steps, r.OSRHits, r.Created.Format(time.RFC3339))
	printFunctions(out, r.Module)
	printSummary(out, r.Module, engine.Stats{}, r.Elapsed)
	fmt.Fprintf(out, "%s %s used, %s peak, %d plans enqueued\n", headerColor.Sprint("Memory:"),
		units.BytesSize(float64(r.MemUsed)), units.BytesSize(float64(r.MemPeak)), r.Enqueued)
	return nil
}
