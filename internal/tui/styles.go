package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

// Base styles for fieldvoice terminal output
var (
	// Header style for titles and section headers
	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1)

	// Label style for form field labels
	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorText).
			Bold(true)

	StyleSuccess = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	StyleWarning = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// Muted style for secondary text
	StyleMuted = lipgloss.NewStyle().
			Foreground(ColorMuted)

	// Partial turns are still being transcribed
	StylePartial = lipgloss.NewStyle().
			Foreground(ColorSubtle).
			Italic(true)

	StyleTechnician = lipgloss.NewStyle().
			Foreground(ColorTechnician).
			Bold(true)

	StyleCustomer = lipgloss.NewStyle().
			Foreground(ColorCustomer).
			Bold(true)

	// Box style for bordered containers
	StyleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSubtle).
			Padding(1, 2)
)

const logoASCII = `
  __ _      _     _             _
 / _(_) ___| | __| |_   _____ (_) ___ ___
| |_| |/ _ \ |/ _' \ \ / / _ \| |/ __/ _ \
|  _| |  __/ | (_| |\ V / (_) | | (_|  __/
|_| |_|\___|_|\__,_| \_/ \___/|_|\___\___|`

// Logo returns the fieldvoice ASCII art
func Logo() string {
	return StyleHeader.Render(strings.Trim(logoASCII, "\n"))
}

// DisableColor renders everything as plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func speakerLabel(s protocol.Speaker) string {
	switch s {
	case protocol.SpeakerTechnician:
		return StyleTechnician.Render("Technician")
	case protocol.SpeakerCustomer:
		return StyleCustomer.Render("Customer")
	default:
		return StyleMuted.Render("Unknown")
	}
}

// FormatTurn renders one dialogue line, e.g. "[3] Technician: text".
func FormatTurn(t turns.DialogueTurn) string {
	text := t.Text
	if t.IsPartial {
		text = StylePartial.Render(text + " ...")
	}
	return fmt.Sprintf("%s %s: %s", StyleMuted.Render(fmt.Sprintf("[%d]", t.Index)), speakerLabel(t.Speaker), text)
}

// FormatTranscript renders a full snapshot, one turn per line.
func FormatTranscript(ts []turns.DialogueTurn) string {
	if len(ts) == 0 {
		return StyleMuted.Render("(no turns yet)")
	}
	lines := make([]string, len(ts))
	for i, t := range ts {
		lines[i] = FormatTurn(t)
	}
	return strings.Join(lines, "\n")
}

// FormatConnection renders a connection indicator.
func FormatConnection(connected bool) string {
	if connected {
		return StyleSuccess.Render("● connected")
	}
	return StyleWarning.Render("○ reconnecting")
}
