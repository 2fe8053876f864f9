package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/recorder"
	"github.com/fieldvoice/fieldvoice/internal/recording"
	"github.com/fieldvoice/fieldvoice/internal/tui"
)

const endTimeout = 30 * time.Second

func recordCmd() *cobra.Command {
	var company string

	cmd := &cobra.Command{
		Use:   "record <visitSessionId>",
		Short: "Record a visit in the foreground, printing turns as they finalize",
		Long: `Record a visit without the daemon. Final turns are printed as they
arrive. Ctrl+C ends the session and waits for the backend to finish it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), company, args[0])
		},
	}

	cmd.Flags().StringVar(&company, "company", "", "company id (default server.company_id)")
	return cmd
}

func runRecord(ctx context.Context, company, visit string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	companyID, err := companyFlag(cfg, company)
	if err != nil {
		return err
	}
	if err := recording.CheckPipeWireAvailable(ctx); err != nil {
		return err
	}
	log := logging.WithComponent("record")

	printer := newTurnPrinter(os.Stdout)
	ended := make(chan struct{})
	var endOnce sync.Once

	rec := recorder.New(recorderConfig(cfg), pipeWireDevice, recorder.Callbacks{
		OnReady: func() {
			fmt.Println(tui.StyleSuccess.Render("recording, press Ctrl+C to end"))
		},
		OnCachedTurnsUpdate:     printer.Update,
		OnConnectionStateChange: printer.Connection,
		OnError: func(err error) {
			log.Error().Err(err).Msg("recording error")
		},
		OnSessionEnded: func(audioURL string) {
			if audioURL != "" {
				fmt.Println(tui.StyleMuted.Render("audio: " + audioURL))
			}
			endOnce.Do(func() { close(ended) })
		},
	}, nil, nil)
	defer rec.Stop()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ref := protocol.SessionRef{CompanyID: companyID, VisitSessionID: visit}
	if err := rec.Start(ctx, ref); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	select {
	case <-ctx.Done():
		fmt.Println(tui.StyleMuted.Render("ending session..."))
		endCtx, cancel := context.WithTimeout(context.Background(), endTimeout)
		defer cancel()
		if err := rec.End(endCtx); err != nil {
			log.Warn().Err(err).Msg("end did not complete cleanly")
		}
	case <-ended:
	}

	printer.Transcript("Transcript", rec.Turns())
	return nil
}
