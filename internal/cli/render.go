package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/Dicklesworthstone/paneward/internal/daemon"
	"github.com/Dicklesworthstone/paneward/internal/output"
	"github.com/Dicklesworthstone/paneward/internal/ratelimit"
)

const labelWidth = 12

// field prints a label and a value wrapped to the terminal, continuation
// lines aligned under the value.
func field(f *output.Formatter, label, value string) {
	width := f.Width() - labelWidth
	if width < 20 {
		width = 20
	}
	wrapped := wordwrap.String(value, width)
	lines := strings.SplitN(wrapped, "\n", 2)
	f.Println(f.Styles().Label.Render(label) + lines[0])
	if len(lines) == 2 {
		f.Println(indent.String(lines[1], labelWidth))
	}
}

func printCheck(f *output.Formatter, r CheckResult) {
	s := f.Styles()
	header := fmt.Sprintf("%s  %s", s.Title.Render(r.Target), s.State(r.State).Render(strings.ToUpper(r.State)))
	meta := fmt.Sprintf("confidence %.2f", r.Confidence)
	if r.Rule != "" {
		meta += ", rule " + r.Rule
	}
	f.Println(header + "  " + s.Muted.Render("("+meta+")"))

	field(f, "Detail", r.Detail)
	if r.ResetIn != "" {
		field(f, "Reset in", r.ResetIn)
	}
	for _, v := range r.Vetoed {
		field(f, "Vetoed", v)
	}
	field(f, "Action", s.Accent.Render(r.Action)+" "+r.ActionReason)
	field(f, "Samples", fmt.Sprintf("%s, changed=%t", output.CountStr(r.Captures, "capture", "captures"), r.Changed))
}

func printTickReport(f *output.Formatter, r daemon.TickReport) error {
	if f.IsJSON() {
		return f.JSON(r)
	}

	s := f.Styles()
	f.Println(s.Title.Render("Tick "+r.ID) + "  " + s.Muted.Render(r.Duration.String()))

	tbl := output.NewTable(f.Writer(), "TARGET", "STATE", "ACTION", "REASON").MaxColumnWidth(f.Width() / 2)
	for _, d := range r.Decisions {
		tbl.AddRow(d.Target, d.State, d.Action, d.Reason)
	}
	if tbl.Len() == 0 {
		f.Println(s.Muted.Render("no targets"))
	} else {
		tbl.Render()
	}

	if len(r.Suppressed) > 0 {
		f.Line()
		end := r.StartedAt.Add(r.Duration)
		sup := output.NewTable(f.Writer(), "SUPPRESSED", "CATEGORY", "EXPIRES IN")
		for _, e := range r.Suppressed {
			sup.AddRow(e.Target, string(e.Category), ratelimit.FormatDelay(e.ExpiresAt.Sub(end)))
		}
		sup.Render()
	}

	kinds := make([]string, 0, len(r.Actions))
	for k, n := range r.Actions {
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
	}
	sort.Strings(kinds)
	f.Line()
	field(f, "Actions", strings.Join(kinds, " "))
	field(f, "Findings", fmt.Sprintf("%d queued, %d sent, %d requeued", r.Findings, len(r.Delivered), r.Failed))
	return nil
}
