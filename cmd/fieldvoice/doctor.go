package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldvoice/fieldvoice/internal/deps"
	"github.com/fieldvoice/fieldvoice/internal/tui"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the audio and notification tools fieldvoice needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := deps.CheckAll()
			for _, s := range statuses {
				fmt.Println(formatDep(s))
			}
			if missing := deps.MissingRequired(statuses); len(missing) > 0 {
				return fmt.Errorf("missing required tools: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func formatDep(s deps.Status) string {
	if !s.Installed {
		style := tui.StyleWarning
		if s.Required {
			style = tui.StyleError
		}
		return fmt.Sprintf("%s %s (%s): not found", style.Render("✗"), s.Name, s.Purpose)
	}
	line := fmt.Sprintf("%s %s (%s): %s", tui.StyleSuccess.Render("✓"), s.Name, s.Purpose, s.Path)
	if s.Version != "" {
		line += " " + tui.StyleMuted.Render(s.Version)
	}
	return line
}
