package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the folio ASCII banner to w, colored when w supports it.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	p := out.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{"   __       _ _       ", "#818cf8"},
		{"  / _| ___ | (_) ___  ", "#a78bfa"},
		{" | |_ / _ \\| | |/ _ \\ ", "#c084fc"},
		{" |  _| (_) | | | (_) |", "#e879f9"},
		{" |_|  \\___/|_|_|\\___/ ", "#f472b6"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(p.Color(l.color)))
	}
	if version != "" {
		fmt.Fprintln(w, out.String("  v"+version).Faint())
	}
	fmt.Fprintln(w)
}
