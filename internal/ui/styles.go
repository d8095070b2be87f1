// Package ui provides terminal styling for lbridge CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/steveyegge/linearbridge/internal/types"
)

// Ayu theme color palette
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
)

// Styler renders text, with or without color.
type Styler struct {
	color bool
}

// NewStyler returns a Styler; color=false renders plain text.
func NewStyler(color bool) Styler {
	return Styler{color: color}
}

func (s Styler) render(style lipgloss.Style, text string) string {
	if !s.color {
		return text
	}
	return style.Render(text)
}

func (s Styler) Pass(text string) string   { return s.render(PassStyle, text) }
func (s Styler) Warn(text string) string   { return s.render(WarnStyle, text) }
func (s Styler) Muted(text string) string  { return s.render(MutedStyle, text) }
func (s Styler) Accent(text string) string { return s.render(AccentStyle, text) }
func (s Styler) Header(text string) string { return s.render(HeaderStyle, strings.ToUpper(text)) }

// MappingTable renders identifier → thread rows sorted by identifier.
func (s Styler) MappingTable(entries map[string]types.ThreadAnchor) string {
	if len(entries) == 0 {
		return s.Muted("no thread mappings") + "\n"
	}
	ids := make([]string, 0, len(entries))
	width := len("identifier")
	for id := range entries {
		ids = append(ids, id)
		width = max(width, len(id))
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n",
		s.Header(fmt.Sprintf("%-*s", width, "identifier")),
		s.Header("thread"))
	for _, id := range ids {
		a := entries[id]
		fmt.Fprintf(&b, "%s  %s %s\n",
			s.Accent(fmt.Sprintf("%-*s", width, id)),
			a.ChannelID,
			s.Muted(a.ThreadTS))
	}
	fmt.Fprintf(&b, "%s\n", s.Muted(fmt.Sprintf("%d mapping(s)", len(ids))))
	return b.String()
}

// Anchor renders a single mapping lookup result.
func (s Styler) Anchor(identifier string, anchor types.ThreadAnchor, ok bool) string {
	if !ok {
		return fmt.Sprintf("%s %s has no thread mapping\n", s.Warn(IconWarn), identifier)
	}
	return fmt.Sprintf("%s %s → %s %s\n", s.Pass(IconPass), s.Accent(identifier), anchor.ChannelID, s.Muted(anchor.ThreadTS))
}
