// Package recorder is the technician side: it captures the microphone,
// streams it over a publisher connection and keeps the live turn view.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/events"
	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/metrics"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/recording"
	"github.com/fieldvoice/fieldvoice/internal/session"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

var ErrNotStarted = errors.New("recorder not started")

// Callbacks are the outputs exposed to the host. All are optional.
type Callbacks struct {
	OnReady                 func()
	OnError                 func(error)
	OnSessionEnded          func(audioURL string)
	OnConnectionStateChange func(connected bool)
	OnCachedTurnsUpdate     func([]turns.DialogueTurn)
	OnProactiveSuggestions  func(*protocol.ProactiveSuggestions)
	// OnAudioChunk fires per chunk sent; recording is false for synthetic
	// silence.
	OnAudioChunk            func(recording bool)
	OnRecordingStateChanged func(recording bool)
}

type Config struct {
	Recording recording.Config
	Session   session.Config
	Token     string
}

// DeviceFactory builds the capture device for one recording.
type DeviceFactory func(recording.Config) recording.Device

type Status struct {
	Ref                protocol.SessionRef
	Active             bool
	Recording          bool
	Paused             bool
	Interrupted        bool
	Connection         session.Status
	Turns              int
	TurnSource         turns.Source
	SuppressStopPrompt bool
	LastError          string
}

// run is everything owned by one Start call.
type run struct {
	ref       protocol.SessionRef
	conn      *session.Conn
	pipeline  *recording.Pipeline
	connected bool
}

type Recorder struct {
	cfg       Config
	newDevice DeviceFactory
	cb        Callbacks
	events    *events.Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger

	cache *turns.Cache

	mu                 sync.Mutex
	cur                *run
	last               *run // kept after detach for Status
	suppressStopPrompt bool
	lastErr            error

	exportMu sync.Mutex
	exportWg sync.WaitGroup
}

// New builds a Recorder. pub may be nil to skip event export.
func New(cfg Config, newDevice DeviceFactory, cb Callbacks, pub *events.Publisher, m *metrics.Metrics) *Recorder {
	r := &Recorder{
		cfg:       cfg,
		newDevice: newDevice,
		cb:        cb,
		events:    pub,
		metrics:   m,
		log:       logging.WithComponent("recorder"),
		cache:     turns.NewCache(m),
	}
	r.cache.Subscribe(r.turnsUpdated)
	return r
}

// Start tears down any previous recording, connects to the backend and starts
// capture once the session is ready. A capture failure cancels the new session.
func (r *Recorder) Start(ctx context.Context, ref protocol.SessionRef) error {
	r.Stop()

	r.cache.Reset()
	if r.events != nil {
		r.events.Forget(ref)
	}

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	rn := &run{ref: ref}
	rn.conn = session.NewConn(cfg.Session, r.sessionHandler(rn), r.metrics)

	r.mu.Lock()
	r.cur = rn
	r.lastErr = nil
	r.suppressStopPrompt = false
	r.mu.Unlock()

	log := logging.WithSession("recorder", ref.CompanyID, ref.VisitSessionID, ref.TranscriptionSessionID)

	if err := rn.conn.Connect(ctx, ref, cfg.Token); err != nil {
		r.detach(rn)
		return fmt.Errorf("connect: %w", err)
	}

	pipeline := recording.NewPipeline(cfg.Recording, r.newDevice(cfg.Recording), r.pipelineHandler(rn), r.metrics)
	r.mu.Lock()
	rn.pipeline = pipeline
	r.mu.Unlock()

	if err := pipeline.Start(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("capture failed to start, cancelling session")
		_ = rn.conn.Cancel()
		rn.conn.Wait()
		r.detach(rn)
		r.setError(err)
		return err
	}

	log.Info().Msg("recording started")
	r.lifecycle(ctx, rn.ref, events.KindStarted, "")
	return nil
}

// Reconfigure replaces the configuration used by the next Start. A running
// recording keeps the settings it was started with.
func (r *Recorder) Reconfigure(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Recorder) sessionHandler(rn *run) session.Handler {
	return session.Handler{
		OnReady: func() {
			if r.cb.OnReady != nil {
				r.cb.OnReady()
			}
		},
		OnStateChange: func(s session.State) {
			r.connectionChanged(rn, s == session.StateReady)
			if s == session.StateEnded {
				r.sessionTerminated(rn)
			}
		},
		OnCachedTurns: func(wire []protocol.WireTurn) {
			if !r.isCurrent(rn) {
				return
			}
			r.cache.ApplyStreamedSnapshot(wire)
		},
		OnProactiveSuggestions: func(s *protocol.ProactiveSuggestions) {
			if r.cb.OnProactiveSuggestions != nil {
				r.cb.OnProactiveSuggestions(s)
			}
		},
		OnError: func(err error) {
			r.setError(err)
			if r.cb.OnError != nil {
				r.cb.OnError(err)
			}
		},
		OnSessionEnded: func(audioURL string) {
			r.cache.MarkCompleted()
			r.log.Info().Str("audioUrl", audioURL).Msg("session ended by backend")
			if r.cb.OnSessionEnded != nil {
				r.cb.OnSessionEnded(audioURL)
			}
		},
		OnSessionCancelled: func() {
			r.log.Info().Msg("session cancelled by backend")
		},
	}
}

func (r *Recorder) pipelineHandler(rn *run) recording.Handler {
	return recording.Handler{
		OnChunk: func(c recording.Chunk) {
			if err := rn.conn.SendAudio(c.Data); err != nil {
				r.log.Debug().Err(err).Msg("chunk not sent")
			}
			if r.cb.OnAudioChunk != nil {
				r.cb.OnAudioChunk(!c.Silent)
			}
		},
		OnError: func(err error) {
			r.setError(err)
			if r.cb.OnError != nil {
				r.cb.OnError(err)
			}
		},
		OnRecordingStateChanged: func(recording bool) {
			if r.cb.OnRecordingStateChanged != nil {
				r.cb.OnRecordingStateChanged(recording)
			}
		},
		OnBackground: func() {
			r.mu.Lock()
			r.suppressStopPrompt = true
			r.mu.Unlock()
		},
	}
}

func (r *Recorder) connectionChanged(rn *run, connected bool) {
	r.mu.Lock()
	changed := rn.connected != connected
	rn.connected = connected
	r.mu.Unlock()
	if changed && r.cb.OnConnectionStateChange != nil {
		r.cb.OnConnectionStateChange(connected)
	}
}

// sessionTerminated stops capture once the connection has ended for any
// reason. A manual end already stopped it.
func (r *Recorder) sessionTerminated(rn *run) {
	r.mu.Lock()
	pipeline := rn.pipeline
	r.mu.Unlock()

	status := rn.conn.Status()
	switch status.EndReason {
	case session.EndServer:
		r.lifecycle(context.Background(), rn.ref, events.KindEnded, string(status.EndReason))
	case session.EndError:
		r.lifecycle(context.Background(), rn.ref, events.KindFailed, status.LastError)
	}

	if pipeline != nil && pipeline.IsRecording() {
		// off the read loop; the device may take a while to release
		go func() {
			if err := pipeline.Stop(); err != nil {
				r.log.Warn().Err(err).Msg("stop capture")
			}
		}()
	}
}

func (r *Recorder) turnsUpdated(ts []turns.DialogueTurn) {
	if r.cb.OnCachedTurnsUpdate != nil {
		r.cb.OnCachedTurnsUpdate(ts)
	}
	if r.events == nil {
		return
	}

	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur == nil {
		return
	}

	r.exportWg.Add(1)
	go func() {
		defer r.exportWg.Done()
		r.export(cur.ref, ts)
	}()
}

func (r *Recorder) export(ref protocol.SessionRef, ts []turns.DialogueTurn) {
	r.exportMu.Lock()
	defer r.exportMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	n, err := r.events.PublishTurns(ctx, ref, ts)
	if err != nil {
		r.log.Warn().Err(err).Msg("turn export failed, retrying with next snapshot")
		return
	}
	if n > 0 {
		r.log.Debug().Int("turns", n).Msg("exported final turns")
	}
}

func (r *Recorder) lifecycle(ctx context.Context, ref protocol.SessionRef, kind events.Kind, detail string) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishLifecycle(context.WithoutCancel(ctx), ref, kind, detail); err != nil {
		r.log.Warn().Err(err).Str("kind", string(kind)).Msg("lifecycle export failed")
	}
}

func (r *Recorder) Pause() error {
	rn, pipeline := r.current()
	if pipeline == nil {
		return ErrNotStarted
	}
	pipeline.Pause()
	r.lifecycle(context.Background(), rn.ref, events.KindPaused, "")
	return nil
}

func (r *Recorder) Resume() error {
	rn, pipeline := r.current()
	if pipeline == nil {
		return ErrNotStarted
	}
	if err := pipeline.Resume(); err != nil {
		r.setError(err)
		return err
	}
	r.lifecycle(context.Background(), rn.ref, events.KindResumed, "")
	return nil
}

// End stops capture, asks the backend to finish the session and waits for
// its confirmation or ctx.
func (r *Recorder) End(ctx context.Context) error {
	rn, _ := r.current()
	if rn == nil {
		return ErrNotStarted
	}
	r.stopCapture(rn)

	err := rn.conn.End(ctx)
	rn.conn.Wait()
	r.cache.MarkCompleted()
	r.exportWg.Wait()
	if r.events != nil {
		r.export(rn.ref, r.cache.FinalTurns())
	}
	r.lifecycle(ctx, rn.ref, events.KindEnded, string(session.EndManual))
	r.detach(rn)
	return err
}

// Cancel abandons the session.
func (r *Recorder) Cancel() error {
	rn, _ := r.current()
	if rn == nil {
		return ErrNotStarted
	}
	r.stopCapture(rn)
	err := rn.conn.Cancel()
	rn.conn.Wait()
	r.lifecycle(context.Background(), rn.ref, events.KindCancelled, "")
	r.detach(rn)
	return err
}

// Stop tears everything down locally without telling the backend. It is
// idempotent and waits for all goroutines of the recording.
func (r *Recorder) Stop() {
	rn, _ := r.current()
	if rn == nil {
		return
	}
	r.stopCapture(rn)
	rn.conn.Disconnect()
	rn.conn.Wait()
	r.exportWg.Wait()
	r.detach(rn)
}

func (r *Recorder) stopCapture(rn *run) {
	r.mu.Lock()
	pipeline := rn.pipeline
	r.mu.Unlock()
	if pipeline == nil {
		return
	}
	if err := pipeline.Stop(); err != nil {
		r.log.Warn().Err(err).Msg("stop capture")
	}
	pipeline.Wait()
}

// Background keeps capture and the connection alive and suppresses the stop
// prompt of the host.
func (r *Recorder) Background() {
	rn, pipeline := r.current()
	if rn == nil {
		return
	}
	if pipeline != nil {
		pipeline.EnterBackground()
	}
	rn.conn.Background()
}

// Foreground checks the connection right away. It reports whether a dead
// socket was found and a reconnect started.
func (r *Recorder) Foreground() bool {
	rn, _ := r.current()
	r.mu.Lock()
	r.suppressStopPrompt = false
	r.mu.Unlock()
	if rn == nil {
		return false
	}
	return rn.conn.Foreground()
}

// HandleInterruption forwards an OS audio interruption to the pipeline.
func (r *Recorder) HandleInterruption(ev recording.Interruption) {
	_, pipeline := r.current()
	if pipeline == nil {
		return
	}
	pipeline.HandleInterruption(ev)
}

func (r *Recorder) Turns() []turns.DialogueTurn {
	return r.cache.CurrentTurns()
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	rn := r.cur
	attached := rn != nil
	if rn == nil {
		rn = r.last
	}
	s := Status{SuppressStopPrompt: r.suppressStopPrompt}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	var pipeline *recording.Pipeline
	if rn != nil {
		s.Ref = rn.ref
		pipeline = rn.pipeline
	}
	r.mu.Unlock()

	if rn != nil {
		s.Connection = rn.conn.Status()
		s.Active = attached && s.Connection.State != session.StateEnded
		if s.LastError == "" {
			s.LastError = s.Connection.LastError
		}
	}
	if pipeline != nil {
		s.Recording = pipeline.IsRecording()
		s.Paused = pipeline.IsPaused()
		s.Interrupted = pipeline.IsInterrupted()
	}
	s.Turns = len(r.cache.CurrentTurns())
	s.TurnSource = r.cache.Source()
	return s
}

func (r *Recorder) current() (*run, *recording.Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil, nil
	}
	return r.cur, r.cur.pipeline
}

func (r *Recorder) isCurrent(rn *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur == rn
}

func (r *Recorder) detach(rn *run) {
	r.mu.Lock()
	if r.cur == rn {
		r.cur = nil
		r.last = rn
	}
	r.mu.Unlock()
}

func (r *Recorder) setError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}
