// Package session is the publisher side of the transcription protocol: one
// duplex websocket per recording session, with ready handshake, reconnection
// and a half-open connection health check.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/metrics"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
)

const writeTimeout = 5 * time.Second

type Config struct {
	Endpoint             protocol.Endpoint
	WireFormat           protocol.WireFormat
	ReadyTimeout         time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HealthInterval       time.Duration
	DeadThreshold        time.Duration
	MaxConsecutiveErrors int
	Dialer               *websocket.Dialer // nil uses websocket.DefaultDialer
}

func DefaultConfig() Config {
	return Config{
		WireFormat:           protocol.WireBinary,
		ReadyTimeout:         15 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		HealthInterval:       10 * time.Second,
		DeadThreshold:        30 * time.Second,
		MaxConsecutiveErrors: 5,
	}
}

// Handler receives inbound events. Callbacks are invoked without internal
// locks held, mostly from the read loop goroutine.
type Handler struct {
	OnReady                func()
	OnStateChange          func(State)
	OnCachedTurns          func([]protocol.WireTurn)
	OnProactiveSuggestions func(*protocol.ProactiveSuggestions)
	OnError                func(error)
	OnSessionEnded         func(audioURL string)
	OnSessionCancelled     func()
}

// attempt is one websocket connection. Events from an attempt whose gen no
// longer matches Conn.gen are stale and dropped.
type attempt struct {
	gen     uint64
	ws      *websocket.Conn
	encoder protocol.Encoder
	ready   chan struct{}
	readied bool // guarded by Conn.mu
	closed  chan struct{}
}

type Conn struct {
	cfg     Config
	handler Handler
	metrics *metrics.Metrics

	log zerolog.Logger

	mu                sync.Mutex
	state             State
	endReason         EndReason
	lastErr           error
	ref               protocol.SessionRef
	token             string
	cur               *attempt
	gen               uint64
	stopReconnect     bool
	ending            bool
	consecutiveErrors int
	reconnects        int
	lastSent          time.Time
	lastRecv          time.Time
	background        bool
	life              context.Context
	lifeCancel        context.CancelFunc
	done              chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func NewConn(cfg Config, handler Handler, m *metrics.Metrics) *Conn {
	return &Conn{
		cfg:     cfg,
		handler: handler,
		metrics: m,
		log:     logging.WithComponent("session"),
		state:   StateIdle,
	}
}

// Connect opens the publisher connection and blocks until the backend sends
// ready, ReadyTimeout elapses or ctx is done. The connection outlives ctx.
func (c *Conn) Connect(ctx context.Context, ref protocol.SessionRef, token string) error {
	if _, err := protocol.NewEncoder(c.cfg.WireFormat); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateEnded {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.ref = ref
	c.token = token
	c.stopReconnect = false
	c.ending = false
	c.consecutiveErrors = 0
	c.reconnects = 0
	c.lastErr = nil
	c.endReason = EndNone
	c.lastSent = time.Time{}
	c.life, c.lifeCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.done = make(chan struct{})
	life := c.life
	c.state = StateConnecting
	c.mu.Unlock()
	c.stateChanged(StateConnecting)

	c.log.Info().
		Str("companyId", ref.CompanyID).
		Str("visitSessionId", ref.VisitSessionID).
		Str("format", string(c.cfg.WireFormat)).
		Msg("connecting")
	if err := c.open(ctx); err != nil {
		c.terminate(EndError, err)
		return err
	}

	c.wg.Add(1)
	go c.healthLoop(life)
	return nil
}

// open runs one full handshake: dial, start the read loop, wait for ready.
func (c *Conn) open(ctx context.Context) error {
	enc, err := protocol.NewEncoder(c.cfg.WireFormat)
	if err != nil {
		return err
	}

	c.mu.Lock()
	wsURL := c.cfg.Endpoint.PublishURL(c.ref, c.token)
	c.gen++
	gen := c.gen
	life := c.life
	c.mu.Unlock()

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	defer cancel()

	ws, resp, err := c.dialer().DialContext(readyCtx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return NewFatalError(fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode))
		}
		if errors.Is(readyCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrReadyTimeout
		}
		return &TransportError{Op: "dial", Err: err}
	}

	a := &attempt{
		gen:     gen,
		ws:      ws,
		encoder: enc,
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}

	c.mu.Lock()
	if gen != c.gen || life.Err() != nil {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.cur = a
	c.lastRecv = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(a)

	select {
	case <-a.ready:
		return nil
	case <-a.closed:
		return &TransportError{Op: "handshake", Err: errors.New("connection closed before ready")}
	case <-life.Done():
		return ErrClosed
	case <-readyCtx.Done():
		c.dropAttempt(a)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrReadyTimeout
	}
}

func (c *Conn) dialer() *websocket.Dialer {
	if c.cfg.Dialer != nil {
		return c.cfg.Dialer
	}
	return websocket.DefaultDialer
}

// dropAttempt detaches a and closes its socket without triggering reconnect.
func (c *Conn) dropAttempt(a *attempt) {
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
		msgType, data, err := a.ws.ReadMessage()
		if err != nil {
			c.handleClose(a, err)
			return
		}
		if !c.touchRecv(a) {
			continue
		}
		if msgType == websocket.BinaryMessage {
			c.log.Debug().Int("bytes", len(data)).Msg("ignoring binary message")
			continue
		}
		c.dispatch(a, data)
	}
}

// touchRecv records inbound activity and reports whether a is still current.
func (c *Conn) touchRecv(a *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.gen != c.gen {
		return false
	}
	c.lastRecv = time.Now()
	return true
}

func (c *Conn) dispatch(a *attempt, data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed message")
		return
	}
	c.metrics.MessageReceived(metrics.ClientPublisher, string(msg.Type))

	switch msg.Type {
	case protocol.MsgReady:
		// state flips before ready is signalled so Connect never returns
		// into a window where SendAudio is still a no-op
		c.mu.Lock()
		if a.readied || a.gen != c.gen || c.state == StateEnded {
			c.mu.Unlock()
			return
		}
		a.readied = true
		c.state = StateReady
		c.consecutiveErrors = 0
		c.mu.Unlock()
		close(a.ready)
		c.log.Info().Msg("session ready")
		c.stateChanged(StateReady)
		if c.handler.OnReady != nil {
			c.handler.OnReady()
		}

	case protocol.MsgChunkAcknowledged:
		c.resetErrors()

	case protocol.MsgCachedTurns:
		c.resetErrors()
		if c.handler.OnCachedTurns != nil {
			c.handler.OnCachedTurns(msg.Turns)
		}

	case protocol.MsgProactiveSuggestions:
		if c.handler.OnProactiveSuggestions != nil {
			c.handler.OnProactiveSuggestions(msg.Suggestions)
		}

	case protocol.MsgChunkError, protocol.MsgError:
		serverErr := &ServerError{Type: msg.Type, Message: msg.Error}
		c.mu.Lock()
		c.consecutiveErrors++
		n := c.consecutiveErrors
		c.lastErr = serverErr
		c.mu.Unlock()

		if c.cfg.MaxConsecutiveErrors > 0 && n >= c.cfg.MaxConsecutiveErrors {
			c.terminate(EndError, NewFatalError(fmt.Errorf("%d consecutive server errors: %w", n, serverErr)))
			return
		}
		c.log.Warn().Err(serverErr).Int("consecutive", n).Msg("server reported error")
		if c.handler.OnError != nil {
			c.handler.OnError(serverErr)
		}

	case protocol.MsgSessionEnded:
		c.log.Info().Str("audioUrl", msg.AudioURL).Msg("session ended by server")
		c.mu.Lock()
		if c.state == StateEnded {
			c.mu.Unlock()
			return
		}
		c.stopReconnect = true
		reason := EndServer
		if c.ending {
			reason = EndManual
		}
		c.mu.Unlock()
		if c.handler.OnSessionEnded != nil {
			c.handler.OnSessionEnded(msg.AudioURL)
		}
		c.terminate(reason, nil)

	case protocol.MsgSessionCancelled:
		c.log.Info().Msg("session cancelled")
		c.mu.Lock()
		c.stopReconnect = true
		c.mu.Unlock()
		if c.handler.OnSessionCancelled != nil {
			c.handler.OnSessionCancelled()
		}

	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
	}
}

func (c *Conn) resetErrors() {
	c.mu.Lock()
	c.consecutiveErrors = 0
	c.mu.Unlock()
}

// handleClose runs when the read loop of a exits.
func (c *Conn) handleClose(a *attempt, err error) {
	c.mu.Lock()
	if a.gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	wasReady := c.state == StateReady
	stop := c.stopReconnect || c.life.Err() != nil
	reason := EndServer
	if c.ending {
		reason = EndManual
	}
	reconnect := wasReady && !stop
	if reconnect {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	if !wasReady {
		// handshake in progress; open() reports the failure
		return
	}
	if !reconnect {
		c.log.Info().Err(err).Msg("connection closed")
		c.terminate(reason, nil)
		return
	}

	c.log.Warn().Err(err).Msg("connection lost, reconnecting")
	c.stateChanged(StateReconnecting)
	c.wg.Add(1)
	go c.reconnectLoop(&TransportError{Op: "read", Err: err})
}

// reconnectLoop retries with a linear backoff of ReconnectBaseDelay * attempt.
func (c *Conn) reconnectLoop(cause error) {
	defer c.wg.Done()

	c.mu.Lock()
	life := c.life
	c.mu.Unlock()

	lastErr := cause
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := c.cfg.ReconnectBaseDelay * time.Duration(attempt)
		c.log.Info().
			Int("attempt", attempt).
			Int("max", c.cfg.MaxReconnectAttempts).
			Dur("delay", delay).
			Msg("reconnect scheduled")

		select {
		case <-life.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.stopReconnect {
			c.mu.Unlock()
			return
		}
		c.reconnects++
		c.mu.Unlock()
		c.metrics.ReconnectAttempt(metrics.ClientPublisher)

		err := c.open(life)
		if err == nil {
			c.log.Info().Int("attempt", attempt).Msg("reconnected")
			return
		}
		if errors.Is(err, ErrClosed) || life.Err() != nil {
			return
		}
		if IsFatal(err) {
			c.terminate(EndError, err)
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		lastErr = err
	}

	c.terminate(EndError, fmt.Errorf("reconnect failed after %d attempts: %w", c.cfg.MaxReconnectAttempts, lastErr))
}

func (c *Conn) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

// checkHealth force-closes a half-open connection: audio is going out but
// nothing has come back for DeadThreshold. Reports whether it closed.
func (c *Conn) checkHealth() bool {
	c.mu.Lock()
	if c.state != StateReady || c.cur == nil {
		c.mu.Unlock()
		return false
	}
	cur := c.cur
	sending := !c.lastSent.IsZero() && time.Since(c.lastSent) < c.cfg.HealthInterval
	silentFor := time.Since(c.lastRecv)
	c.mu.Unlock()

	if !sending || silentFor <= c.cfg.DeadThreshold {
		return false
	}

	c.log.Warn().Dur("sinceLastMessage", silentFor).Msg("no inbound traffic while sending, forcing reconnect")
	c.metrics.HealthForceClose()
	cur.ws.Close()
	return true
}

// SendAudio frames and sends one PCM chunk. It is a no-op unless the session
// is ready. A write failure closes the socket so the reconnect path runs.
func (c *Conn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.state != StateReady || c.cur == nil {
		c.mu.Unlock()
		return nil
	}
	cur := c.cur
	c.mu.Unlock()

	frame, err := cur.encoder.Audio(pcm)
	if err != nil {
		return err
	}
	if err := c.write(cur, frame); err != nil {
		c.metrics.SendFailed()
		c.log.Warn().Err(err).Msg("audio write failed")
		cur.ws.Close()
		return &TransportError{Op: "write", Err: err}
	}

	c.mu.Lock()
	c.lastSent = time.Now()
	c.mu.Unlock()
	c.metrics.ChunkSent(string(cur.encoder.Format()), len(pcm))
	return nil
}

func (c *Conn) write(a *attempt, frame protocol.Frame) error {
	msgType := websocket.TextMessage
	if frame.Binary {
		msgType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = a.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.ws.WriteMessage(msgType, frame.Data)
}

// End asks the backend to complete the session and waits until it confirms
// with session-ended, closes, or ctx is done.
func (c *Conn) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	c.stopReconnect = true
	c.ending = true
	cur := c.cur
	done := c.done
	c.mu.Unlock()

	if cur == nil {
		c.terminate(EndManual, nil)
		return nil
	}

	frame, err := cur.encoder.Control(protocol.ControlEnd)
	if err == nil {
		err = c.write(cur, frame)
	}
	if err != nil {
		c.terminate(EndManual, nil)
		return &TransportError{Op: "end", Err: err}
	}
	c.log.Info().Msg("sent end, waiting for session-ended")

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.terminate(EndManual, nil)
		return ctx.Err()
	}
}

// Cancel abandons the session. The backend is told best-effort.
func (c *Conn) Cancel() error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	c.stopReconnect = true
	cur := c.cur
	c.mu.Unlock()

	var sendErr error
	if cur != nil {
		frame, err := cur.encoder.Control(protocol.ControlCancel)
		if err == nil {
			err = c.write(cur, frame)
		}
		sendErr = err
	}
	c.terminate(EndManual, nil)
	if sendErr != nil {
		return &TransportError{Op: "cancel", Err: sendErr}
	}
	return nil
}

// Disconnect tears the connection down locally. Safe to call at any time and
// more than once. Handles are released before it returns.
func (c *Conn) Disconnect() {
	c.terminate(EndManual, nil)
}

// Wait blocks until every goroutine of the connection has exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

// terminate moves to StateEnded once. It reports whether this call did it.
func (c *Conn) terminate(reason EndReason, err error) bool {
	c.mu.Lock()
	if c.state == StateEnded || (c.state == StateIdle && c.life == nil) {
		c.mu.Unlock()
		return false
	}
	c.stopReconnect = true
	c.state = StateEnded
	c.endReason = reason
	if err != nil {
		c.lastErr = err
	}
	cur := c.cur
	c.cur = nil
	c.gen++
	cancel := c.lifeCancel
	done := c.done
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
	if done != nil {
		close(done)
	}

	ev := c.log.Info().Str("reason", string(reason))
	if err != nil {
		ev = c.log.Error().Err(err).Str("reason", string(reason))
	}
	ev.Msg("session ended")

	c.stateChanged(StateEnded)
	if err != nil && c.handler.OnError != nil {
		c.handler.OnError(err)
	}
	return true
}

// Background keeps the connection open while the host is backgrounded.
func (c *Conn) Background() {
	c.mu.Lock()
	c.background = true
	c.mu.Unlock()
	c.log.Debug().Msg("backgrounded, keeping connection")
}

// Foreground runs an immediate liveness check. A socket that fails a ping or
// has been silent longer than DeadThreshold is closed so the reconnect path
// runs. Reports whether the socket was closed.
func (c *Conn) Foreground() bool {
	c.mu.Lock()
	c.background = false
	if c.state != StateReady || c.cur == nil {
		c.mu.Unlock()
		return false
	}
	cur := c.cur
	silentFor := time.Since(c.lastRecv)
	c.mu.Unlock()

	err := cur.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
	if err == nil && silentFor <= c.cfg.DeadThreshold {
		return false
	}
	c.log.Warn().Err(err).Dur("sinceLastMessage", silentFor).Msg("connection dead after foreground, reconnecting")
	c.metrics.HealthForceClose()
	cur.ws.Close()
	return true
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:             c.state,
		EndReason:         c.endReason,
		ConsecutiveErrors: c.consecutiveErrors,
		ReconnectAttempts: c.reconnects,
		LastSent:          c.lastSent,
		LastReceived:      c.lastRecv,
		Background:        c.background,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Conn) stateChanged(s State) {
	c.metrics.SetConnectionState(metrics.ClientPublisher, int(s))
	if c.handler.OnStateChange != nil {
		c.handler.OnStateChange(s)
	}
}
