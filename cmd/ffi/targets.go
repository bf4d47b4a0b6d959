package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	ffiruntime "github.com/wippyai/ffi-runtime"
)

var targets = map[string]ffiruntime.Target{
	"lp64":   ffiruntime.LP64(),
	"wasm32": ffiruntime.Wasm32(),
	"llp64":  {ByteOrder: "little", PointerSize: 8, LongSize: 4, WCharSize: 2},
	"ilp32":  {ByteOrder: "little", PointerSize: 4, LongSize: 4, WCharSize: 4},
	"lp64be": {ByteOrder: "big", PointerSize: 8, LongSize: 8, WCharSize: 4},
}

func lookupTarget(name string) (ffiruntime.Target, bool) {
	t, ok := targets[name]
	return t, ok
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the known data models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		names := make([]string, 0, len(targets))
		for name := range targets {
			names = append(names, name)
		}
		slices.Sort(names)

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-8s %-7s %-8s %-5s %s\n", "name", "order", "pointer", "long", "wchar")
		for _, name := range names {
			t := targets[name]
			fmt.Fprintf(w, "%-8s %-7s %-8d %-5d %d\n", name, t.ByteOrder, t.PointerSize, t.LongSize, t.WCharSize)
		}
		return nil
	},
}
