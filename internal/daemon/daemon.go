package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/bus"
	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/notify"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/recorder"
)

const endTimeout = 30 * time.Second

// Controller is the recorder surface driven over the control socket.
type Controller interface {
	Start(ctx context.Context, ref protocol.SessionRef) error
	Pause() error
	Resume() error
	End(ctx context.Context) error
	Cancel() error
	Stop()
	Background()
	Foreground() bool
	Status() recorder.Status
}

type Daemon struct {
	mu        sync.Mutex // serialises lifecycle commands
	rec       Controller
	companyID string
	notifier  notify.Notifier
	paths     bus.Paths
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(rec Controller, companyID string, n notify.Notifier, paths bus.Paths) *Daemon {
	if n == nil {
		n = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		rec:       rec,
		companyID: companyID,
		notifier:  n,
		paths:     paths,
		log:       logging.WithComponent("daemon"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NotifyCallbacks routes recorder events to desktop notifications.
func NotifyCallbacks(n notify.Notifier) recorder.Callbacks {
	return recorder.Callbacks{
		OnRecordingStateChanged: func(on bool) { go n.RecordingChanged(on) },
		OnConnectionStateChange: func(connected bool) { go n.ConnectionChanged(connected) },
		OnSessionEnded:          func(audioURL string) { go n.SessionEnded(audioURL) },
		OnError:                 func(err error) { go n.Error(err.Error()) },
	}
}

// Run serves the control socket until ctx is done, a quit command arrives or
// the process is signalled. The recording, if any, is stopped on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.paths.CheckExistingDaemon(); err != nil {
		return err
	}

	ln, err := d.paths.Listen()
	if err != nil {
		return err
	}
	defer ln.Close()

	if err := d.paths.CreatePidFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer d.paths.RemovePidFile()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			d.log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
			d.cancel()
		case <-ctx.Done():
			d.cancel()
		case <-d.ctx.Done():
		}
	}()

	// Close the listener when context is done
	go func() {
		<-d.ctx.Done()
		ln.Close()
	}()

	d.log.Info().Str("socket", d.paths.Sock()).Msg("daemon started")

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		d.rec.Stop()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if d.ctx.Err() != nil {
				d.log.Info().Msg("shutdown requested")
				return nil
			}
			d.log.Error().Err(err).Msg("accept error")
			return fmt.Errorf("accept failed: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handle(c)
		}()
	}
}

func (d *Daemon) handle(c net.Conn) {
	defer c.Close()

	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		d.log.Warn().Err(err).Msg("client read error")
		fmt.Fprintf(c, "ERR read_error: %v\n", err)
		return
	}
	cmd, args, err := bus.ParseCommand(line)
	if err != nil {
		fmt.Fprint(c, "ERR empty\n")
		return
	}
	fmt.Fprint(c, d.execute(cmd, args))
}

// execute runs one command and returns its reply line.
func (d *Daemon) execute(cmd byte, args []string) string {
	switch cmd {
	case bus.CmdStatus:
		return formatStatus(d.rec.Status())
	case bus.CmdVersion:
		return fmt.Sprintf("STATUS proto=%s\n", bus.ProtoVer)
	case bus.CmdQuit:
		d.cancel()
		return "OK quitting\n"
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd {
	case bus.CmdStart:
		if len(args) == 0 {
			return "ERR usage: r <visitSessionId> [transcriptionSessionId]\n"
		}
		ref := protocol.SessionRef{CompanyID: d.companyID, VisitSessionID: args[0]}
		if len(args) > 1 {
			ref.TranscriptionSessionID = args[1]
		}
		if err := d.rec.Start(d.ctx, ref); err != nil {
			go d.notifier.Error(err.Error())
			return reply("start", err, "started")
		}
		return "OK started\n"
	case bus.CmdPause:
		return reply("pause", d.rec.Pause(), "paused")
	case bus.CmdResume:
		return reply("resume", d.rec.Resume(), "resumed")
	case bus.CmdEnd:
		ctx, cancel := context.WithTimeout(d.ctx, endTimeout)
		defer cancel()
		return reply("end", d.rec.End(ctx), "ended")
	case bus.CmdCancel:
		return reply("cancel", d.rec.Cancel(), "cancelled")
	case bus.CmdBackground:
		d.rec.Background()
		return "OK background\n"
	case bus.CmdForeground:
		return fmt.Sprintf("OK foreground reconnecting=%t\n", d.rec.Foreground())
	default:
		d.log.Warn().Str("command", string(cmd)).Msg("unknown command")
		return fmt.Sprintf("ERR unknown=%q\n", cmd)
	}
}

func reply(op string, err error, ok string) string {
	switch {
	case err == nil:
		return "OK " + ok + "\n"
	case errors.Is(err, recorder.ErrNotStarted):
		return "ERR not_started\n"
	default:
		return fmt.Sprintf("ERR %s: %s\n", op, oneLine(err.Error()))
	}
}

func formatStatus(s recorder.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STATUS active=%t recording=%t paused=%t interrupted=%t connection=%s turns=%d source=%s",
		s.Active, s.Recording, s.Paused, s.Interrupted, s.Connection.State, s.Turns, s.TurnSource)
	if s.Ref.VisitSessionID != "" {
		fmt.Fprintf(&b, " visit=%s", s.Ref.VisitSessionID)
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, " error=%q", oneLine(s.LastError))
	}
	b.WriteByte('\n')
	return b.String()
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
