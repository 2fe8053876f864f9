// Package subscriber is the read-only side of the transcription protocol. It
// joins a live session to receive turn snapshots and relayed audio.
package subscriber

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/metrics"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
)

var (
	ErrSessionStale      = errors.New("session heartbeat is stale")
	ErrInactive          = errors.New("no data within inactivity timeout")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrUnsubscribed      = errors.New("unsubscribed")
)

// HeartbeatSource reports when a transcription session last proved it was
// alive. A zero time means it never did.
type HeartbeatSource interface {
	LastHeartbeat(ctx context.Context, transcriptionSessionID string) (time.Time, error)
}

type Config struct {
	Endpoint           protocol.Endpoint
	FreshnessThreshold time.Duration
	InactivityTimeout  time.Duration
	ReconnectDelay     time.Duration
	Dialer             *websocket.Dialer
}

func DefaultConfig() Config {
	return Config{
		FreshnessThreshold: 10 * time.Second,
		InactivityTimeout:  10 * time.Second,
		ReconnectDelay:     3 * time.Second,
	}
}

// Handler callbacks run on the read loop goroutine.
type Handler struct {
	OnTurns                  func([]protocol.WireTurn)
	OnAudioChunk             func([]byte)
	OnConnectionStateChanged func(connected bool)
	OnSessionEnded           func()
	// OnClosed reports why a subscription stopped on its own (inactivity,
	// stale heartbeat on reconnect).
	OnClosed func(error)
}

type attempt struct {
	gen     uint64
	ws      *websocket.Conn
	first   chan struct{}
	gotData bool // guarded by Conn.mu
	closed  chan struct{}
	err     error // set before closed is closed
}

type Conn struct {
	cfg        Config
	heartbeats HeartbeatSource
	handler    Handler
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time

	mu         sync.Mutex
	wanted     bool
	id         string
	cur        *attempt
	gen        uint64
	connected  bool
	life       context.Context
	lifeCancel context.CancelFunc

	wg sync.WaitGroup
}

func NewConn(cfg Config, heartbeats HeartbeatSource, handler Handler, m *metrics.Metrics) *Conn {
	return &Conn{
		cfg:        cfg,
		heartbeats: heartbeats,
		handler:    handler,
		metrics:    m,
		log:        logging.WithComponent("subscriber"),
		now:        time.Now,
	}
}

// Subscribe checks the freshness gate, connects, and blocks until the first
// payload arrives or InactivityTimeout elapses. A stale session is never dialed.
func (c *Conn) Subscribe(ctx context.Context, transcriptionSessionID string) error {
	c.mu.Lock()
	if c.wanted {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.mu.Unlock()

	if err := c.checkFreshness(ctx, transcriptionSessionID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.wanted {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.wanted = true
	c.id = transcriptionSessionID
	c.life, c.lifeCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	c.log.Info().Str("transcriptionSessionId", transcriptionSessionID).Msg("subscribing")
	if err := c.open(ctx); err != nil {
		c.stop()
		return err
	}
	return nil
}

func (c *Conn) checkFreshness(ctx context.Context, id string) error {
	if c.heartbeats == nil {
		return nil
	}
	beat, err := c.heartbeats.LastHeartbeat(ctx, id)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}
	if beat.IsZero() {
		return fmt.Errorf("%w: no heartbeat recorded", ErrSessionStale)
	}
	if age := c.now().Sub(beat); age > c.cfg.FreshnessThreshold {
		return fmt.Errorf("%w: last heartbeat %s ago", ErrSessionStale, age.Round(time.Millisecond))
	}
	return nil
}

func (c *Conn) open(ctx context.Context) error {
	c.mu.Lock()
	wsURL := c.cfg.Endpoint.SubscribeURL(c.id)
	c.gen++
	gen := c.gen
	life := c.life
	c.mu.Unlock()

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.InactivityTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(waitCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	a := &attempt{
		gen:    gen,
		ws:     ws,
		first:  make(chan struct{}),
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	if gen != c.gen || !c.wanted {
		c.mu.Unlock()
		ws.Close()
		return ErrUnsubscribed
	}
	c.cur = a
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(a)

	select {
	case <-a.first:
		return nil
	case <-a.closed:
		if isTimeout(a.err) {
			return ErrInactive
		}
		return fmt.Errorf("connection closed before any payload: %w", a.err)
	case <-life.Done():
		return ErrUnsubscribed
	case <-waitCtx.Done():
		c.detach(a)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrInactive
	}
}

func (c *Conn) detach(a *attempt) {
	c.mu.Lock()
	if c.cur == a {
		c.cur = nil
		c.gen++
	}
	c.mu.Unlock()
	a.ws.Close()
}

func (c *Conn) readLoop(a *attempt) {
	defer c.wg.Done()
	defer close(a.closed)

	for {
		_ = a.ws.SetReadDeadline(time.Now().Add(c.cfg.InactivityTimeout))
		msgType, data, err := a.ws.ReadMessage()
		if err != nil {
			a.err = err
			c.handleClose(a, err)
			return
		}

		c.mu.Lock()
		if a.gen != c.gen {
			c.mu.Unlock()
			continue
		}
		first := !a.gotData
		a.gotData = true
		c.mu.Unlock()
		if first {
			c.setConnected(true)
			close(a.first)
		}

		c.handleFrame(msgType, data)
	}
}

// handleFrame splits the two payload shapes sharing the connection: JSON text
// is control, binary and any other text is relayed audio.
func (c *Conn) handleFrame(msgType int, data []byte) {
	if msgType == websocket.BinaryMessage {
		c.audio(data)
		return
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		msg, err := protocol.DecodeMessage(trimmed)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed message")
			return
		}
		c.metrics.MessageReceived(metrics.ClientSubscriber, string(msg.Type))

		switch msg.Type {
		case protocol.MsgCachedTurns:
			if c.handler.OnTurns != nil {
				c.handler.OnTurns(msg.Turns)
			}
		case protocol.MsgSessionEnded:
			c.log.Info().Msg("session ended")
			c.stop()
			if c.handler.OnSessionEnded != nil {
				c.handler.OnSessionEnded()
			}
		default:
			c.log.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
		}
		return
	}

	pcm, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping undecodable audio payload")
		return
	}
	c.audio(pcm)
}

func (c *Conn) audio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.metrics.MessageReceived(metrics.ClientSubscriber, "audio")
	if c.handler.OnAudioChunk != nil {
		c.handler.OnAudioChunk(pcm)
	}
}

func (c *Conn) handleClose(a *attempt, err error) {
	c.mu.Lock()
	if a.gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	wanted := c.wanted
	hadData := a.gotData
	c.mu.Unlock()

	if !hadData {
		// open() is still waiting on this attempt
		return
	}

	if isTimeout(err) {
		c.log.Warn().Dur("timeout", c.cfg.InactivityTimeout).Msg("relay went silent, disconnecting")
		c.stop()
		if c.handler.OnClosed != nil {
			c.handler.OnClosed(ErrInactive)
		}
		return
	}

	c.setConnected(false)
	if !wanted {
		return
	}
	c.log.Warn().Err(err).Dur("delay", c.cfg.ReconnectDelay).Msg("connection lost, reconnecting")
	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop retries after a fixed delay for as long as the session
// passes the freshness gate.
func (c *Conn) reconnectLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	life := c.life
	id := c.id
	c.mu.Unlock()

	for {
		select {
		case <-life.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
		c.metrics.ReconnectAttempt(metrics.ClientSubscriber)

		if err := c.checkFreshness(life, id); err != nil {
			c.log.Info().Err(err).Msg("not reconnecting")
			c.stop()
			if c.handler.OnClosed != nil {
				c.handler.OnClosed(err)
			}
			return
		}

		err := c.open(life)
		switch {
		case err == nil:
			c.log.Info().Msg("reconnected")
			return
		case errors.Is(err, ErrUnsubscribed) || life.Err() != nil:
			return
		case errors.Is(err, ErrInactive):
			c.stop()
			if c.handler.OnClosed != nil {
				c.handler.OnClosed(err)
			}
			return
		default:
			c.log.Warn().Err(err).Msg("reconnect failed")
		}
	}
}

// Unsubscribe is idempotent. Late frames from the torn down connection are
// discarded.
func (c *Conn) Unsubscribe() {
	c.stop()
}

func (c *Conn) stop() {
	c.mu.Lock()
	if !c.wanted {
		c.mu.Unlock()
		return
	}
	c.wanted = false
	cur := c.cur
	c.cur = nil
	c.gen++
	cancel := c.lifeCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cur != nil {
		_ = cur.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		cur.ws.Close()
	}
	c.setConnected(false)
}

func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Conn) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	c.mu.Unlock()
	if !changed {
		return
	}

	state := 0
	if connected {
		state = 1
	}
	c.metrics.SetConnectionState(metrics.ClientSubscriber, state)
	if c.handler.OnConnectionStateChanged != nil {
		c.handler.OnConnectionStateChanged(connected)
	}
}
