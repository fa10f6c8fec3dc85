package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/wasm"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Show the function index space of a module",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	parsed, err := wasm.ParseModule(data)
	if err != nil {
		return err
	}
	info, err := module.FromWasm(parsed)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	space := info.Space()
	fmt.Fprintf(out, "%s %s: %d imported, %d defined\n\n",
		headerColor.Sprint("Module:"), info.ModuleName, space.ImportCount(), space.DefinedCount())

	headerColor.Fprintf(out, "%-6s %-6s %-24s %-28s %6s %6s %6s %6s\n",
		"SPACE", "CODE", "NAME", "SIGNATURE", "BYTES", "CALLS", "LOOPS", "TRY")
	for i := range space.ImportCount() {
		s := module.SpaceIndex(i)
		dimColor.Fprintf(out, "%-6d %-6s %-24s %-28s\n",
			i, "-", truncate(info.Name(s), 24), info.Import(s).Signature)
	}
	for i := range space.DefinedCount() {
		c := module.CodeIndex(i)
		s := space.ToSpaceIndex(c)
		fn := info.Function(c)
		scan, err := wasm.ScanBody(fn.Body)
		if err != nil {
			failedColor.Fprintf(out, "%-6d %-6d %s: %v\n", s, c, info.Name(s), err)
			continue
		}
		fmt.Fprintf(out, "%-6d %-6d %-24s %-28s %6d %6d %6d %6d\n",
			s, c, truncate(info.Name(s), 24), fn.Signature,
			len(fn.Body), len(scan.Calls), len(scan.Loops), len(scan.Handlers))
	}
	return nil
}
