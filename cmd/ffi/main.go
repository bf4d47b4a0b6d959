package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/ffi-runtime/config"
)

var rootCmd = &cobra.Command{
	Use:           "ffi",
	Short:         "Inspect native type layouts and call native routines",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var errorColor = color.New(color.FgRed, color.Bold)

func main() {
	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(callCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().String("config", "", "runtime configuration file (TOML)")

	if err := rootCmd.Execute(); err != nil {
		mode, _ := rootCmd.PersistentFlags().GetString("color")
		color.NoColor = !useColor(mode, os.Stderr)
		errorColor.Fprint(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func useColor(mode string, f *os.File) bool {
	return mode == "on" || (mode == "auto" && isTerminal(f))
}

// loadConfig reads --config, falling back to the defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
