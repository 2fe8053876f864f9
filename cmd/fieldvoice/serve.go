package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fieldvoice/fieldvoice/internal/bus"
	"github.com/fieldvoice/fieldvoice/internal/config"
	"github.com/fieldvoice/fieldvoice/internal/daemon"
	"github.com/fieldvoice/fieldvoice/internal/events"
	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/metrics"
	"github.com/fieldvoice/fieldvoice/internal/notify"
	"github.com/fieldvoice/fieldvoice/internal/recorder"
	"github.com/fieldvoice/fieldvoice/internal/recording"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recording daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func recorderConfig(cfg *config.Config) recorder.Config {
	return recorder.Config{
		Recording: cfg.ToRecordingConfig(),
		Session:   cfg.ToSessionConfig(),
		Token:     cfg.ResolveToken(),
	}
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if !cfg.Notifications.Enabled {
		return notify.Nop{}
	}
	return notify.New(cfg.Notifications.Type)
}

func pipeWireDevice(rc recording.Config) recording.Device {
	return recording.NewPipeWireDevice(rc)
}

func runServe(ctx context.Context) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	if _, _, err := loadConfig(); err != nil {
		return err
	}
	mgr, err := config.NewManagerForFile(path)
	if err != nil {
		return err
	}
	cfg := mgr.GetConfig()
	log := logging.WithComponent("serve")

	if err := recording.CheckPipeWireAvailable(ctx); err != nil {
		log.Warn().Err(err).Msg("pipewire not available, recordings will fail to capture")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pub := events.New(cfg.ToEventsConfig(), m)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn().Err(err).Msg("close event publisher")
		}
	}()

	n := newNotifier(cfg)
	rec := recorder.New(recorderConfig(cfg), pipeWireDevice, daemon.NotifyCallbacks(n), pub, m)

	paths, err := bus.DefaultPaths()
	if err != nil {
		return err
	}
	d := daemon.New(rec, cfg.Server.CompanyID, n, paths)

	mgr.OnReload(func(next *config.Config) {
		logging.Init(next.ToLoggingConfig())
		rec.Reconfigure(recorderConfig(next))
		log.Info().Msg("configuration reloaded, applies to the next recording")
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := mgr.StartWatching(ctx); err != nil {
		log.Warn().Err(err).Msg("config hot reload disabled")
	}
	defer mgr.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return d.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
