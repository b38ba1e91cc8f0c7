package notify

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/Dicklesworthstone/paneward/internal/agent"
)

// MissingAdvice is appended to findings about targets that disappeared.
const MissingAdvice = "review your plan and restart it if still needed"

// RenderOptions controls message layout.
type RenderOptions struct {
	// Width wraps lines at this many cells. Zero disables wrapping.
	Width int
	// DetailWidth truncates each item's detail to this many cells.
	DetailWidth int
}

// DefaultRenderOptions returns the layout used for log and bus payloads.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{Width: 100, DetailWidth: 120}
}

// Render formats msg as a summary line followed by one line per item.
func Render(msg OutboundMessage, opts RenderOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[paneward %s] %s", strings.ToUpper(msg.Priority.String()), msg.Summary)
	for _, f := range msg.Items {
		line := "- " + describeTarget(f.Target) + " " + itemText(f, opts.DetailWidth)
		if opts.Width > 0 {
			wrapped := wordwrap.String(line, opts.Width)
			if first, rest, ok := strings.Cut(wrapped, "\n"); ok {
				line = first + "\n" + indent.String(rest, 2)
			}
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

// RenderLine formats msg on a single line, for injection into an agent's
// input where a newline would submit early.
func RenderLine(msg OutboundMessage, opts RenderOptions) string {
	opts.Width = 0
	lines := strings.Split(Render(msg, opts), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, " ")
}

func describeTarget(t agent.Target) string {
	if t.Name == "" {
		return t.String()
	}
	return fmt.Sprintf("%s (%s)", t.String(), t.Name)
}

func itemText(f Finding, detailWidth int) string {
	if f.Kind == KindMissing {
		return "is gone, " + MissingAdvice
	}
	text := kindLabel(f.Kind)
	detail := strings.TrimSpace(f.Detail)
	if detail == "" {
		return text
	}
	if detailWidth > 0 {
		detail = runewidth.Truncate(detail, detailWidth, "…")
	}
	return text + ": " + detail
}
