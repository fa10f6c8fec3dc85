package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-tierup/calleegroup"
	"github.com/wippyai/wasm-tierup/engine"
	"github.com/wippyai/wasm-tierup/plan"
	"github.com/wippyai/wasm-tierup/tierup"
)

var rootCmd = &cobra.Command{
	Use:               "tierup",
	Short:             "Drive modules through the tiered compilation runtime",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(reportCmd)

	rootCmd.PersistentFlags().String("config", "", "TOML configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log tiering decisions to stderr")
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup applies the global flags before any subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	mode, _ := cmd.Flags().GetString("color")
	switch mode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	case "auto":
		color.NoColor = !isTerminal(os.Stdout)
	default:
		return fmt.Errorf("invalid --color %q (want auto, on or off)", mode)
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		engine.SetLogger(log)
		plan.SetLogger(log)
		calleegroup.SetLogger(log)
		tierup.SetLogger(log)
	}
	return nil
}

// loadConfig reads --config, or returns the defaults.
func loadConfig(cmd *cobra.Command) (engine.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return engine.DefaultConfig(), nil
	}
	return engine.LoadConfig(path)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
