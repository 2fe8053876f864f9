package tui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/fieldvoice/fieldvoice/internal/config"
)

// ConfigureResult holds the configuration result from the TUI
type ConfigureResult struct {
	Config    *config.Config
	Cancelled bool
}

// ConfigSection represents a configuration section
type ConfigSection string

const (
	SectionServer        ConfigSection = "server"
	SectionRecording     ConfigSection = "recording"
	SectionConnection    ConfigSection = "connection"
	SectionViewer        ConfigSection = "viewer"
	SectionExport        ConfigSection = "export"
	SectionNotifications ConfigSection = "notifications"
	SectionSaveExit      ConfigSection = "save_exit"
	SectionDiscardExit   ConfigSection = "discard_exit"
)

// Run starts the configuration menu. A nil config starts from defaults.
func Run(existing *config.Config) (*ConfigureResult, error) {
	cfg := existing
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var notice string
	for {
		clearScreen()
		fmt.Println(Logo())
		fmt.Println()
		if notice != "" {
			fmt.Println(StyleError.Render(notice))
			fmt.Println()
			notice = ""
		}

		section, err := selectSection(cfg)
		if err != nil {
			return &ConfigureResult{Cancelled: true}, nil
		}

		switch section {
		case SectionSaveExit:
			if err := cfg.Validate(); err != nil {
				notice = "Cannot save: " + err.Error()
				continue
			}
			confirmed, err := showSummary(cfg)
			if err != nil {
				return &ConfigureResult{Cancelled: true}, nil
			}
			if confirmed {
				return &ConfigureResult{Config: cfg}, nil
			}

		case SectionDiscardExit:
			return &ConfigureResult{Cancelled: true}, nil

		case SectionServer:
			_ = editServer(cfg)
		case SectionRecording:
			_ = editRecording(cfg)
		case SectionConnection:
			_ = editConnection(cfg)
		case SectionViewer:
			_ = editViewer(cfg)
		case SectionExport:
			_ = editExport(cfg)
		case SectionNotifications:
			_ = editNotifications(cfg)
		}
	}
}

func selectSection(cfg *config.Config) (ConfigSection, error) {
	options := []huh.Option[ConfigSection]{
		huh.NewOption(fmt.Sprintf("Server (%s)", cfg.Server.Host), SectionServer),
		huh.NewOption(fmt.Sprintf("Recording (%d Hz, %s chunks)", cfg.Recording.SampleRate, cfg.ToRecordingConfig().ChunkDuration()), SectionRecording),
		huh.NewOption(fmt.Sprintf("Connection (%s framing)", cfg.Connection.WireFormat), SectionConnection),
		huh.NewOption("Viewer", SectionViewer),
		huh.NewOption(formatExportLabel(cfg), SectionExport),
		huh.NewOption(formatNotificationsLabel(cfg), SectionNotifications),
		huh.NewOption("Save & Exit", SectionSaveExit),
		huh.NewOption("Discard & Exit", SectionDiscardExit),
	}

	var selected ConfigSection
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[ConfigSection]().
				Title("Configuration Menu").
				Description("↑/↓ navigate • enter select • esc cancel").
				Options(options...).
				Value(&selected),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return "", err
	}

	return selected, nil
}

func formatExportLabel(cfg *config.Config) string {
	events := "off"
	if cfg.Events.Enabled {
		events = cfg.Events.Topic
	}
	metrics := "off"
	if cfg.Metrics.Enabled {
		metrics = cfg.Metrics.ListenAddr
	}
	return fmt.Sprintf("Export (events: %s, metrics: %s)", events, metrics)
}

func formatNotificationsLabel(cfg *config.Config) string {
	if !cfg.Notifications.Enabled {
		return "Notifications (disabled)"
	}
	return fmt.Sprintf("Notifications (%s)", cfg.Notifications.Type)
}

// clearScreen clears the terminal screen
func clearScreen() {
	output := termenv.NewOutput(os.Stdout)
	output.ClearScreen()
}

func getTheme() *huh.Theme {
	t := huh.ThemeBase()

	t.Focused.Title = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)
	t.Focused.Description = lipgloss.NewStyle().Foreground(ColorMuted)
	t.Focused.Base = lipgloss.NewStyle().BorderForeground(ColorPrimary)
	t.Focused.SelectedOption = lipgloss.NewStyle().Foreground(ColorSecondary)
	t.Focused.UnselectedOption = lipgloss.NewStyle().Foreground(ColorText)

	t.Blurred.Title = lipgloss.NewStyle().Foreground(ColorMuted)
	t.Blurred.Description = lipgloss.NewStyle().Foreground(ColorSubtle)

	return t
}
