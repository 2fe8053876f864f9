package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldvoice/fieldvoice/internal/config"
	"github.com/fieldvoice/fieldvoice/internal/tui"
)

func configureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Interactive configuration setup",
		Long: `Interactive configuration for fieldvoice.
This will guide you through setting up:
- The transcription backend and credentials
- Capture and connection tuning
- Viewer playback
- Kafka export, metrics and notifications`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigure()
		},
	}
}

func runConfigure() error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}

	cfg, err := config.LoadFile(path)
	if errors.Is(err, config.ErrConfigNotFound) {
		cfg = nil
	} else if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	result, err := tui.Run(cfg)
	if err != nil {
		return fmt.Errorf("configuration wizard error: %w", err)
	}

	if result.Cancelled {
		fmt.Println("Configuration cancelled.")
		return nil
	}

	if err := config.SaveFile(path, result.Config); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Println(tui.StyleSuccess.Render("Configuration saved to " + path))
	fmt.Println()
	showNextSteps(result.Config)
	return nil
}

func showNextSteps(cfg *config.Config) {
	fmt.Println(tui.StyleHeader.Render("Next steps"))
	step := 1
	if cfg.ResolveToken() == "" {
		fmt.Printf("%d. Export %s with your API token\n", step, config.TokenEnvVar)
		step++
	}
	fmt.Printf("%d. Run the daemon: fieldvoice serve\n", step)
	step++
	fmt.Printf("%d. Start a visit: fieldvoice start <visitSessionId>\n", step)
	step++
	fmt.Printf("%d. Or listen in on one: fieldvoice watch <transcriptionSessionId> --visit <visitSessionId>\n", step)
}
