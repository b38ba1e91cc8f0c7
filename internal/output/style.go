package output

import "github.com/charmbracelet/lipgloss"

// Styles are the lipgloss styles used for text output.
type Styles struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Muted  lipgloss.Style
	Good   lipgloss.Style
	Warn   lipgloss.Style
	Bad    lipgloss.Style
	Accent lipgloss.Style
}

// NewStyles builds the palette on a renderer.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Title:  r.NewStyle().Bold(true),
		Label:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#555555", Dark: "#9E9E9E"}).Width(12),
		Muted:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#777777", Dark: "#6C6C6C"}),
		Good:   r.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true),
		Warn:   r.NewStyle().Foreground(lipgloss.Color("#E5C07B")).Bold(true),
		Bad:    r.NewStyle().Foreground(lipgloss.Color("#E06C75")).Bold(true),
		Accent: r.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
	}
}

// State picks the style for an agent state name.
func (s Styles) State(state string) lipgloss.Style {
	switch state {
	case "active", "compacting":
		return s.Good
	case "idle", "unsubmitted", "rate_limited":
		return s.Warn
	case "crashed", "unavailable":
		return s.Bad
	default:
		return s.Muted
	}
}
