package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldvoice/fieldvoice/internal/backend"
	"github.com/fieldvoice/fieldvoice/internal/config"
	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/relay"
	"github.com/fieldvoice/fieldvoice/internal/subscriber"
	"github.com/fieldvoice/fieldvoice/internal/tui"
	"github.com/fieldvoice/fieldvoice/internal/turns"
	"github.com/fieldvoice/fieldvoice/internal/viewer"
)

func watchCmd() *cobra.Command {
	var company, visit string
	var mute bool

	cmd := &cobra.Command{
		Use:   "watch <transcriptionSessionId>",
		Short: "Listen in on a live visit",
		Long: `Join a live session read-only: relayed audio is played and turns are
printed as they finalize. A session that is no longer live shows its
committed transcript instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), company, visit, args[0], mute)
		},
	}

	cmd.Flags().StringVar(&company, "company", "", "company id (default server.company_id)")
	cmd.Flags().StringVar(&visit, "visit", "", "visit session id, used to load the committed transcript")
	cmd.Flags().BoolVar(&mute, "mute", false, "show turns only, do not play audio")
	_ = cmd.MarkFlagRequired("visit")
	return cmd
}

func viewerConfig(cfg *config.Config) viewer.Config {
	return viewer.Config{
		Subscriber:     cfg.ToSubscriberConfig(),
		Relay:          cfg.ToRelayConfig(),
		Player:         cfg.ToPlayerConfig(),
		FlushTimeout:   cfg.Viewer.FlushTimeout,
		RequestTimeout: cfg.Connection.RequestTimeout,
	}
}

// mutedPlayer refuses to start so the viewer runs without audio.
type mutedPlayer struct{}

var errMuted = errors.New("audio muted")

func (mutedPlayer) Start(context.Context) error {
	return errMuted
}

func (mutedPlayer) Write([]byte) error {
	return errMuted
}

func (mutedPlayer) Close() error {
	return nil
}

func runWatch(ctx context.Context, company, visit, transcriptionID string, mute bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	companyID, err := companyFlag(cfg, company)
	if err != nil {
		return err
	}
	client, err := backend.NewClient(cfg.ToBackendConfig())
	if err != nil {
		return err
	}
	log := logging.WithComponent("watch")

	newPlayer := func(pc relay.PlayerConfig) relay.Player {
		if mute {
			return mutedPlayer{}
		}
		return relay.NewPipeWirePlayer(pc)
	}

	printer := newTurnPrinter(os.Stdout)
	finished := make(chan error, 1)
	v := viewer.New(viewerConfig(cfg), client, newPlayer, viewer.Callbacks{
		OnTurnsUpdate:           printer.Update,
		OnConnectionStateChange: printer.Connection,
		OnFinished: func(err error) {
			finished <- err
		},
	}, nil)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ref := protocol.SessionRef{CompanyID: companyID, VisitSessionID: visit, TranscriptionSessionID: transcriptionID}
	if err := v.Watch(ctx, ref); err != nil {
		if errors.Is(err, subscriber.ErrSessionStale) {
			fmt.Println(tui.StyleWarning.Render("session is not live"))
			printer.Transcript("Committed transcript", v.Turns())
			return nil
		}
		return fmt.Errorf("failed to watch session: %w", err)
	}

	select {
	case <-ctx.Done():
		if err := v.Stop(context.Background()); err != nil && !errors.Is(err, viewer.ErrNotWatching) {
			log.Warn().Err(err).Msg("stop viewer")
		}
		printer.Transcript("Transcript", v.Turns())
		return nil
	case err := <-finished:
		title := "Transcript"
		if v.Status().TurnSource == turns.SourcePersisted {
			title = "Committed transcript"
		}
		if err != nil {
			fmt.Println(tui.StyleWarning.Render("relay stopped: " + err.Error()))
		}
		printer.Transcript(title, v.Turns())
		return nil
	}
}
