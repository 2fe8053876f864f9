package tui

import "github.com/charmbracelet/lipgloss"

// Color palette for the fieldvoice terminal UI
var (
	// Primary colors
	ColorPrimary   = lipgloss.Color("#F97316") // Orange - main accent
	ColorSecondary = lipgloss.Color("#14B8A6") // Teal - secondary accent

	// Status colors
	ColorSuccess = lipgloss.Color("#22C55E") // Green
	ColorError   = lipgloss.Color("#EF4444") // Red
	ColorWarning = lipgloss.Color("#F59E0B") // Amber

	// Text colors
	ColorText   = lipgloss.Color("#F8FAFC") // Bright white
	ColorMuted  = lipgloss.Color("#94A3B8") // Slate gray
	ColorSubtle = lipgloss.Color("#64748B") // Darker gray

	// Speakers
	ColorTechnician = lipgloss.Color("#38BDF8") // Sky
	ColorCustomer   = lipgloss.Color("#A78BFA") // Violet
)
