// Package output renders command results either as JSON or as styled text
// for a terminal.
package output

import (
	"encoding/json"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// DefaultWidth is used when the writer is not a terminal.
const DefaultWidth = 100

// Options controls a Formatter.
type Options struct {
	JSON    bool
	NoColor bool
}

// Formatter writes command output.
type Formatter struct {
	writer io.Writer
	json   bool
	styles Styles
}

// New creates a formatter on w. Colors follow the terminal's profile unless
// disabled by NoColor or NO_COLOR.
func New(w io.Writer, opts Options) *Formatter {
	r := lipgloss.NewRenderer(w, termenv.WithColorCache(true))
	if opts.NoColor || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Formatter{
		writer: w,
		json:   opts.JSON,
		styles: NewStyles(r),
	}
}

// IsJSON reports whether output is machine-readable.
func (f *Formatter) IsJSON() bool {
	return f.json
}

// Writer returns the underlying writer.
func (f *Formatter) Writer() io.Writer {
	return f.writer
}

// Styles returns the formatter's styles.
func (f *Formatter) Styles() Styles {
	return f.styles
}

// JSON writes v as indented JSON.
func (f *Formatter) JSON(v interface{}) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Width returns the terminal width of the writer, or DefaultWidth.
func (f *Formatter) Width() int {
	if file, ok := f.writer.(*os.File); ok {
		if width, _, err := term.GetSize(int(file.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return DefaultWidth
}
