// Package theme holds the colors, styles and glyphs shared by the dashboard
// and the CLI output. Colors adapt to light and dark terminals; lipgloss
// honors NO_COLOR on its own.
package theme

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	colorGood   = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorBad    = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo   = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}

	// ColorBorder separates stat groups and table cells.
	ColorBorder = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}

	colorBarBg    = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
	colorBarFg    = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
	colorTabBg    = lipgloss.AdaptiveColor{Light: "#e0e0e0", Dark: "#333333"}
	colorTabFg    = lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9e9e9e"}
	colorTabActBg = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#42a5f5"}
	colorTabActFg = lipgloss.AdaptiveColor{Light: "#ffffff", Dark: "#1e1e1e"}
)

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(colorBad).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(colorInfo)
	TextAccent  = lipgloss.NewStyle().Foreground(colorAccent)
	TextMuted   = lipgloss.NewStyle().Foreground(colorMuted)

	// StatValue highlights numbers in the health summary.
	StatValue = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)

	TabNormal = lipgloss.NewStyle().Foreground(colorTabFg).Background(colorTabBg).Padding(0, 2)
	TabActive = lipgloss.NewStyle().Foreground(colorTabActFg).Background(colorTabActBg).Bold(true).Padding(0, 2)

	StatusBar = lipgloss.NewStyle().Foreground(colorBarFg).Background(colorBarBg).Padding(0, 1)
	StatusKey = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
)

// Layout limits.
const (
	// MaxContentWidth caps the wrap width of rendered markdown.
	MaxContentWidth = 100
	// MinTabWidth is the narrowest terminal that still shows tab labels.
	MinTabWidth = 60
)

// Tone groups the status words the fabric reports into three colors.
type Tone int

const (
	ToneGood Tone = iota
	ToneWarn
	ToneBad
)

// ToneOf classifies a component, health or run status.
func ToneOf(status string) Tone {
	switch status {
	case "active", "success", "healthy", "pass":
		return ToneGood
	case "deprecated", "partial", "degraded", "clarification", "warn":
		return ToneWarn
	default:
		return ToneBad
	}
}

// Status renders status with a leading dot in its tone's color.
func Status(status string) string {
	label := Glyphs.Dot + " " + status
	switch ToneOf(status) {
	case ToneGood:
		return TextSuccess.Render(label)
	case ToneWarn:
		return TextWarning.Render(label)
	default:
		return TextError.Render(label)
	}
}

// Clamp returns v clamped to [lo, hi].
func Clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
