package tui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aretw0/folio/pkg/notebook"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const defaultWidth = 80

// NewRenderer returns a function that renders markdown using glamour, wrapped at width.
func NewRenderer(width int) (func(string) (string, error), error) {
	if width <= 0 {
		width = defaultWidth
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(), // Automatically detect light/dark background
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}

	return func(markdown string) (string, error) {
		return r.Render(markdown)
	}, nil
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Width returns the column count of the terminal behind w, or 80.
func Width(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultWidth
}

// Markdown lays a notebook out as one markdown document: markdown cells verbatim, code cells
// and their text outputs as fenced blocks, worksheets separated by rules. The first worksheet
// is the body of the document; later ones are titled by name.
func Markdown(nb *notebook.Notebook) string {
	lang, _ := nb.Metadata["language"].(string)

	var b strings.Builder
	for i, ws := range nb.Worksheets {
		if i > 0 {
			b.WriteString("---\n\n")
			if ws.Name != "" {
				fmt.Fprintf(&b, "## %s\n\n", ws.Name)
			}
		}
		for _, cell := range ws.Cells {
			switch cell.Type {
			case notebook.CellMarkdown:
				b.WriteString(strings.TrimRight(cell.Source, "\n"))
				b.WriteString("\n\n")
			default:
				fence(&b, lang, cell.Source)
				for _, out := range cell.Outputs {
					if text, ok := out.MimetypeBundle["text/plain"].(string); ok && text != "" {
						fence(&b, "text", text)
					}
				}
			}
		}
	}
	return b.String()
}

func fence(b *strings.Builder, lang, body string) {
	fmt.Fprintf(b, "```%s\n%s\n```\n\n", lang, strings.TrimRight(body, "\n"))
}
