package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-tierup/engine"
)

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Load a module and drive its functions through the tiers",
	Long: `Load a module, wait for its baseline compile, then report calls and loop
back edges for every defined function the way an interpreter would. Hot
functions move to the baseline and optimizing tiers as their counters fire.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("calls", 2000, "calls reported per function")
	runCmd.Flags().Int("loops", 0, "back edges reported per loop on each call")
	runCmd.Flags().String("memory-mode", "", "override the configured memory mode")
	runCmd.Flags().String("report", "", "write a msgpack report to this file (.lz4 to compress)")
	runCmd.Flags().BoolP("interactive", "i", false, "watch tiering in a terminal UI")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if mm, _ := cmd.Flags().GetString("memory-mode"); mm != "" {
		cfg.MemoryMode = mm
	}
	calls, _ := cmd.Flags().GetInt("calls")
	loops, _ := cmd.Flags().GetInt("loops")
	reportPath, _ := cmd.Flags().GetString("report")
	interactive, _ := cmd.Flags().GetBool("interactive")
	if calls < 0 || loops < 0 {
		return fmt.Errorf("--calls and --loops must not be negative")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	ctx := cmd.Context()
	e, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))

	m, err := e.LoadModule(ctx, data)
	if err != nil {
		return err
	}
	if err := m.Wait(ctx); err != nil {
		printFailure(cmd.ErrOrStderr(), args[0], m.ErrorMessage())
		return err
	}

	w, err := newWorkload(m, e.MemoryMode(), loops)
	if err != nil {
		return err
	}

	if interactive {
		if !isTerminal(os.Stdout) {
			return fmt.Errorf("--interactive needs a terminal")
		}
		return runMonitor(ctx, args[0], e, w, calls)
	}

	start := time.Now()
	for range calls {
		if err := w.step(ctx); err != nil {
			return err
		}
	}
	if err := drain(ctx, e); err != nil {
		return err
	}
	elapsed := time.Since(start)

	s := m.Stats(e.MemoryMode())
	es := e.Stats()
	out := cmd.OutOrStdout()
	printFunctions(out, s)
	printSummary(out, s, es, elapsed)

	if reportPath == "" {
		return nil
	}
	r := &Report{
		Version:  reportVersion,
		File:     args[0],
		Created:  time.Now(),
		Elapsed:  elapsed,
		Steps:    w.steps,
		OSRHits:  w.osrHit,
		Config:   cfg,
		Module:   s,
		MemUsed:  es.Memory.Used,
		MemPeak:  es.Memory.Peak,
		Enqueued: es.Worklist.Enqueued,
	}
	if err := writeReport(reportPath, r); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(out, "%s %s\n", headerColor.Sprint("Report:"), reportPath)
	return nil
}
