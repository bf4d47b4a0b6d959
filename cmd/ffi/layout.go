package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wippyai/ffi-runtime/ctype"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

var layoutCmd = &cobra.Command{
	Use:   "layout <decl.toml> [type...]",
	Short: "Print the memory layout of declared structs and unions",
	Long: `Declares the structs and unions of a TOML file on the configured target
and prints size, alignment, buffer format and member offsets. With type
names, only those are printed; names may also be type expressions such
as "c_int[4]" or "node*".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLayout,
}

func init() {
	layoutCmd.Flags().String("target", "", "data model override (see 'ffi targets')")
}

func runLayout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if name, _ := cmd.Flags().GetString("target"); name != "" {
		tg, ok := lookupTarget(name)
		if !ok {
			return fmt.Errorf("unknown target %q", name)
		}
		cfg.Target = tg
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read declarations: %w", err)
	}
	store, err := ctype.NewStore(cfg.Target)
	if err != nil {
		return err
	}
	types, err := declare(store, string(data))
	if err != nil {
		return err
	}
	if len(args) > 1 {
		types = types[:0]
		for _, expr := range args[1:] {
			t, err := parseType(store, expr)
			if err != nil {
				return err
			}
			types = append(types, t)
		}
	}

	mode, _ := cmd.Flags().GetString("color")
	color := useColor(mode, os.Stdout)
	for i, t := range types {
		if i > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
		}
		writeLayout(cmd.OutOrStdout(), t, color)
	}
	return nil
}

// writeLayout prints one type and, for aggregates, its member table.
func writeLayout(w io.Writer, t *ctype.Type, color bool) {
	render := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintf(w, "%s %s  size %d  align %d  format %s\n",
		render(titleStyle, t.Name()),
		render(dimStyle, t.Kind().String()),
		t.Size(), t.Align(), t.Format())
	if len(t.Fields()) == 0 {
		return
	}

	rows := [][]string{{"offset", "size", "bits", "type", "name"}}
	for _, f := range t.Fields() {
		bits := ""
		if f.Bitfield() {
			bits = strconv.Itoa(f.BitSize) + "@" + strconv.Itoa(f.BitShift)
		}
		name := f.Name
		if f.Anonymous {
			name += " (anonymous)"
		}
		rows = append(rows, []string{
			strconv.FormatUint(f.Offset, 10),
			strconv.FormatUint(f.Type.Size(), 10),
			bits,
			f.Type.Name(),
			name,
		})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}
	for r, row := range rows {
		var b strings.Builder
		b.WriteString("  ")
		for i, cell := range row {
			padded := cell + strings.Repeat(" ", widths[i]-len(cell))
			switch {
			case r == 0:
				padded = render(headerStyle, padded)
			case i == 3:
				padded = render(typeStyle, padded)
			}
			b.WriteString(padded)
			if i < len(row)-1 {
				b.WriteString("  ")
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}
