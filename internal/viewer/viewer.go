// Package viewer is the observer side: it joins a live session read-only,
// plays the relayed audio and keeps the turn view. Once the session is over
// the committed turns are loaded from the backend.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/metrics"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/relay"
	"github.com/fieldvoice/fieldvoice/internal/subscriber"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

var ErrNotWatching = errors.New("viewer not watching")

// Backend is the REST side the viewer needs: the freshness gate and the
// committed turns of a visit.
type Backend interface {
	subscriber.HeartbeatSource
	TurnsByVisitSession(ctx context.Context, visitSessionID string) ([]turns.PersistedTurn, error)
}

// PlayerFactory builds the audio sink for one watch.
type PlayerFactory func(relay.PlayerConfig) relay.Player

type Config struct {
	Subscriber   subscriber.Config
	Relay        relay.Config
	Player       relay.PlayerConfig
	FlushTimeout time.Duration
	// RequestTimeout bounds the persisted turns lookup.
	RequestTimeout time.Duration
}

type Callbacks struct {
	OnTurnsUpdate           func([]turns.DialogueTurn)
	OnConnectionStateChange func(connected bool)
	// OnFinished fires once per watch when the live session is over: err is
	// nil after session-ended, otherwise the reason the relay stopped.
	OnFinished func(err error)
}

type Status struct {
	Ref        protocol.SessionRef
	Watching   bool
	Connected  bool
	Playing    bool
	Queued     int
	Turns      int
	TurnSource turns.Source
	Completed  bool
	LastError  string
}

// watch is everything owned by one Watch call.
type watch struct {
	ref      protocol.SessionRef
	conn     *subscriber.Conn
	buffer   *relay.Buffer
	finished bool
}

type Viewer struct {
	cfg       Config
	backend   Backend
	newPlayer PlayerFactory
	cb        Callbacks
	metrics   *metrics.Metrics
	log       zerolog.Logger

	cache *turns.Cache

	mu      sync.Mutex
	cur     *watch
	last    *watch
	lastErr error

	wg sync.WaitGroup
}

func New(cfg Config, backend Backend, newPlayer PlayerFactory, cb Callbacks, m *metrics.Metrics) *Viewer {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	v := &Viewer{
		cfg:       cfg,
		backend:   backend,
		newPlayer: newPlayer,
		cb:        cb,
		metrics:   m,
		log:       logging.WithComponent("viewer"),
		cache:     turns.NewCache(m),
	}
	v.cache.Subscribe(func(ts []turns.DialogueTurn) {
		if v.cb.OnTurnsUpdate != nil {
			v.cb.OnTurnsUpdate(ts)
		}
	})
	return v
}

// Watch tears down any previous watch and joins the session. It returns once
// the first payload arrived. A session that is not live is never dialed: its
// persisted turns are loaded and the subscriber error (ErrSessionStale) is
// returned.
func (v *Viewer) Watch(ctx context.Context, ref protocol.SessionRef) error {
	if err := v.Stop(ctx); err != nil && !errors.Is(err, ErrNotWatching) {
		v.log.Warn().Err(err).Msg("stop previous watch")
	}
	v.cache.Reset()

	w := &watch{ref: ref}
	log := logging.WithSession("viewer", ref.CompanyID, ref.VisitSessionID, ref.TranscriptionSessionID)

	w.buffer = relay.NewBuffer(v.cfg.Relay, v.newPlayer(v.cfg.Player), v.metrics)
	if err := w.buffer.Initialize(ctx); err != nil {
		// transcript is still worth showing without audio
		log.Warn().Err(err).Msg("audio playback unavailable")
		v.setError(err)
		w.buffer = nil
	}
	w.conn = subscriber.NewConn(v.cfg.Subscriber, v.backend, v.subscriberHandler(w), v.metrics)

	v.mu.Lock()
	v.cur = w
	v.mu.Unlock()

	err := w.conn.Subscribe(ctx, ref.TranscriptionSessionID)
	if err == nil {
		log.Info().Msg("watching live session")
		return nil
	}

	w.conn.Wait()
	v.stopAudio(w)
	v.detach(w)
	v.setError(err)
	if errors.Is(err, subscriber.ErrSessionStale) {
		log.Info().Err(err).Msg("session not live, loading committed turns")
		v.cache.MarkCompleted()
		if lerr := v.loadPersisted(ctx, ref); lerr != nil {
			return fmt.Errorf("%w (load turns: %v)", err, lerr)
		}
	}
	return err
}

func (v *Viewer) subscriberHandler(w *watch) subscriber.Handler {
	return subscriber.Handler{
		OnTurns: func(wire []protocol.WireTurn) {
			if !v.isCurrent(w) {
				return
			}
			v.cache.ApplyStreamedSnapshot(wire)
		},
		OnAudioChunk: func(pcm []byte) {
			if w.buffer != nil {
				w.buffer.PlayChunk(pcm)
			}
		},
		OnConnectionStateChanged: func(connected bool) {
			if v.cb.OnConnectionStateChange != nil {
				v.cb.OnConnectionStateChange(connected)
			}
		},
		OnSessionEnded: func() {
			v.finish(w, nil)
		},
		OnClosed: func(err error) {
			v.setError(err)
			v.finish(w, err)
		},
	}
}

// finish runs once per watch off the read loop: it plays out what is queued,
// then switches the view to the committed turns.
func (v *Viewer) finish(w *watch, cause error) {
	v.mu.Lock()
	if w.finished || v.cur != w {
		v.mu.Unlock()
		return
	}
	w.finished = true
	v.mu.Unlock()

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()

		v.flushAudio(context.Background(), w)
		v.stopAudio(w)

		v.cache.MarkCompleted()
		if err := v.loadPersisted(context.Background(), w.ref); err != nil {
			v.log.Warn().Err(err).Msg("committed turns unavailable, keeping streamed view")
			v.setError(err)
		}
		v.detach(w)
		if v.cb.OnFinished != nil {
			v.cb.OnFinished(cause)
		}
	}()
}

func (v *Viewer) loadPersisted(ctx context.Context, ref protocol.SessionRef) error {
	if v.backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout)
	defer cancel()
	persisted, err := v.backend.TurnsByVisitSession(ctx, ref.VisitSessionID)
	if err != nil {
		return err
	}
	v.cache.ApplyPersistedTurns(persisted)
	return nil
}

func (v *Viewer) flushAudio(ctx context.Context, w *watch) {
	if w.buffer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, v.cfg.FlushTimeout)
	defer cancel()
	if err := w.buffer.Flush(ctx); err != nil {
		v.log.Debug().Err(err).Msg("flush cut short")
	}
}

func (v *Viewer) stopAudio(w *watch) {
	if w.buffer == nil {
		return
	}
	if err := w.buffer.Stop(); err != nil {
		v.log.Warn().Err(err).Msg("stop player")
	}
}

// Stop leaves the session. Queued audio is played out for up to FlushTimeout
// unless ctx ends first. It is idempotent and must not be called from a
// callback.
func (v *Viewer) Stop(ctx context.Context) error {
	v.mu.Lock()
	w := v.cur
	v.mu.Unlock()
	if w == nil {
		v.wg.Wait()
		return ErrNotWatching
	}

	w.conn.Unsubscribe()
	w.conn.Wait()
	v.flushAudio(ctx, w)
	v.stopAudio(w)
	v.detach(w)
	v.wg.Wait()
	return nil
}

func (v *Viewer) Turns() []turns.DialogueTurn {
	return v.cache.CurrentTurns()
}

func (v *Viewer) Status() Status {
	v.mu.Lock()
	w := v.cur
	watching := w != nil
	if w == nil {
		w = v.last
	}
	s := Status{Watching: watching}
	if v.lastErr != nil {
		s.LastError = v.lastErr.Error()
	}
	v.mu.Unlock()

	if w != nil {
		s.Ref = w.ref
		s.Connected = watching && w.conn.Connected()
		if w.buffer != nil {
			s.Playing = w.buffer.Playing()
			s.Queued = w.buffer.Queued()
		}
	}
	s.Turns = len(v.cache.CurrentTurns())
	s.TurnSource = v.cache.Source()
	s.Completed = v.cache.Completed()
	return s
}

func (v *Viewer) isCurrent(w *watch) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur == w
}

func (v *Viewer) detach(w *watch) {
	v.mu.Lock()
	if v.cur == w {
		v.cur = nil
		v.last = w
	}
	v.mu.Unlock()
}

func (v *Viewer) setError(err error) {
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
}
