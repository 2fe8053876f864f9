package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldvoice/fieldvoice/internal/backend"
	"github.com/fieldvoice/fieldvoice/internal/tui"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

func turnsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "turns <visitSessionId>",
		Short: "Print the committed transcript of a visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurns(cmd.Context(), args[0])
		},
	}
}

func runTurns(ctx context.Context, visit string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := backend.NewClient(cfg.ToBackendConfig())
	if err != nil {
		return err
	}

	persisted, err := client.TurnsByVisitSession(ctx, visit)
	if err != nil {
		return fmt.Errorf("failed to load turns: %w", err)
	}

	cache := turns.NewCache(nil)
	cache.ApplyPersistedTurns(persisted)
	fmt.Println(tui.FormatTranscript(cache.CurrentTurns()))
	return nil
}
