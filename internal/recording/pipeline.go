package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/metrics"
)

// Handler receives pipeline output. Callbacks run on pipeline goroutines and
// must not block for long.
type Handler struct {
	OnChunk                 func(Chunk)
	OnError                 func(error)
	OnRecordingStateChanged func(recording bool)
	OnBackground            func()
}

// Pipeline drives a Device: it keeps the logical recording flag, substitutes
// silence while paused or interrupted, and reinitializes a stalled device.
type Pipeline struct {
	config  Config
	device  Device
	handler Handler
	metrics *metrics.Metrics
	log     zerolog.Logger

	devMu sync.Mutex // serialises device Start/Stop

	mu            sync.Mutex
	running       bool
	paused        bool
	interrupted   bool
	gen           uint64 // bumped on every device start/stop; stale frames are dropped
	lastChunkAt   time.Time
	stallHandled  bool
	fatal         error
	ctx           context.Context
	cancel        context.CancelFunc
	silenceCancel context.CancelFunc
	recovery      *time.Timer
	interruptGen  uint64

	wg sync.WaitGroup
}

func NewPipeline(config Config, device Device, handler Handler, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		config:  config,
		device:  device,
		handler: handler,
		metrics: m,
		log:     logging.WithComponent("recording"),
	}
}

// Start validates the configuration and starts the device. A device failure is
// returned and capture does not start.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.config.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.paused = false
	p.interrupted = false
	p.stallHandled = false
	p.fatal = nil
	runCtx := p.ctx
	p.mu.Unlock()

	if err := p.startDevice(); err != nil {
		p.mu.Lock()
		p.running = false
		p.cancel()
		p.mu.Unlock()
		return err
	}

	p.wg.Add(1)
	go p.stallLoop(runCtx)

	if src, ok := p.device.(InterruptionSource); ok {
		p.wg.Add(1)
		go p.interruptionLoop(runCtx, src.Interruptions())
	}

	p.log.Info().
		Int("sampleRate", p.config.SampleRate).
		Int("chunkSize", p.config.ChunkSize).
		Msg("capture started")
	p.setRecording(true)
	return nil
}

// Pause stops the device but keeps the logical recording flag; silence chunks
// are emitted every SilenceInterval until Resume.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	if !p.running || p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = true
	deviceLive := !p.interrupted
	p.startSilenceLocked()
	p.mu.Unlock()

	if deviceLive {
		p.stopDevice()
	}
	p.log.Info().Msg("capture paused")
}

// Resume restarts the device with the same configuration. While an
// interruption is still active the device stays down until it ends.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	if !p.running || !p.paused {
		p.mu.Unlock()
		return nil
	}
	p.paused = false
	if p.interrupted {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.bringUpDevice(); err != nil {
		p.emitError(err)
		return err
	}
	p.log.Info().Msg("capture resumed")
	return nil
}

// Stop is idempotent. It does not wait for pipeline goroutines; use Wait.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.paused = false
	p.interrupted = false
	p.stopSilenceLocked()
	p.stopRecoveryLocked()
	p.gen++
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	p.devMu.Lock()
	err := p.device.Stop()
	p.devMu.Unlock()

	p.log.Info().Msg("capture stopped")
	p.setRecording(false)
	return err
}

func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// EnterBackground notifies the owner that the host moved to the background.
// Capture continues.
func (p *Pipeline) EnterBackground() {
	p.log.Debug().Msg("entering background")
	if p.handler.OnBackground != nil {
		p.handler.OnBackground()
	}
}

func (p *Pipeline) IsRecording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Pipeline) IsInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

// HandleInterruption applies a device interruption signal. Devices that
// implement InterruptionSource are wired automatically; other sources may
// call this directly.
func (p *Pipeline) HandleInterruption(ev Interruption) {
	if !ev.Began {
		if ev.ShouldResume {
			p.endInterruption(0)
		}
		// without ShouldResume the recovery timer decides
		return
	}

	p.mu.Lock()
	if !p.running || p.interrupted {
		p.mu.Unlock()
		return
	}
	p.interrupted = true
	deviceLive := !p.paused
	p.startSilenceLocked()
	p.interruptGen++
	gen := p.interruptGen
	p.stopRecoveryLocked()
	p.recovery = time.AfterFunc(p.config.InterruptionRecovery, func() {
		p.log.Warn().Dur("after", p.config.InterruptionRecovery).Msg("no interruption end received, forcing resume")
		p.endInterruption(gen)
	})
	p.mu.Unlock()

	if deviceLive {
		p.stopDevice()
	}
	p.log.Info().Msg("capture interrupted")
}

// endInterruption clears the interruption. gen 0 matches any interruption.
func (p *Pipeline) endInterruption(gen uint64) {
	p.mu.Lock()
	if !p.running || !p.interrupted || (gen != 0 && gen != p.interruptGen) {
		p.mu.Unlock()
		return
	}
	p.interrupted = false
	p.stopRecoveryLocked()
	if p.paused {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.bringUpDevice(); err != nil {
		p.emitError(err)
		return
	}
	p.log.Info().Msg("capture resumed after interruption")
}

func (p *Pipeline) interruptionLoop(ctx context.Context, events <-chan Interruption) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.HandleInterruption(ev)
		}
	}
}

// bringUpDevice starts the device and, unless still paused, stops silence.
// Silence keeps running until the device is up so the stream has no gap.
func (p *Pipeline) bringUpDevice() error {
	if err := p.startDevice(); err != nil {
		return err
	}
	p.mu.Lock()
	if !p.paused && !p.interrupted {
		p.stopSilenceLocked()
	}
	p.mu.Unlock()
	return nil
}

// startDevice is a no-op when a Pause or interruption arrived after the
// caller released p.mu; whoever clears that state brings the device up.
func (p *Pipeline) startDevice() error {
	p.devMu.Lock()
	defer p.devMu.Unlock()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if p.paused || p.interrupted {
		p.mu.Unlock()
		return nil
	}
	ctx := p.ctx
	p.mu.Unlock()

	frames, errs, err := p.device.Start(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			p.mu.Lock()
			p.fatal = err
			p.mu.Unlock()
		}
		return &DeviceError{Op: "start", Err: err}
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.lastChunkAt = time.Now()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.consume(gen, frames, errs)
	return nil
}

func (p *Pipeline) stopDevice() {
	p.devMu.Lock()
	defer p.devMu.Unlock()

	p.mu.Lock()
	p.gen++
	p.mu.Unlock()

	if err := p.device.Stop(); err != nil {
		p.log.Warn().Err(err).Msg("device stop failed")
	}
}

func (p *Pipeline) consume(gen uint64, frames <-chan AudioFrame, errs <-chan error) {
	defer p.wg.Done()
	for frames != nil || errs != nil {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			p.deliver(gen, f)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.deviceFailed(gen, err)
		}
	}
}

func (p *Pipeline) deliver(gen uint64, f AudioFrame) {
	p.mu.Lock()
	if gen != p.gen || !p.running || p.paused || p.interrupted {
		p.mu.Unlock()
		return
	}
	p.lastChunkAt = f.Timestamp
	p.stallHandled = false
	p.mu.Unlock()

	p.emitChunk(Chunk{
		Data:      f.Data,
		RMS:       RMS(f.Data),
		Timestamp: f.Timestamp,
	})
}

func (p *Pipeline) deviceFailed(gen uint64, err error) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	if errors.Is(err, ErrPermissionDenied) {
		p.fatal = err
	}
	p.mu.Unlock()

	p.emitError(&DeviceError{Op: "capture", Err: err})
}

func (p *Pipeline) stallLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkStall()
		}
	}
}

// checkStall reinitializes the device once per stall.
func (p *Pipeline) checkStall() {
	p.mu.Lock()
	if !p.running || p.paused || p.interrupted || p.stallHandled || p.fatal != nil {
		p.mu.Unlock()
		return
	}
	since := time.Since(p.lastChunkAt)
	if since < p.config.StallThreshold {
		p.mu.Unlock()
		return
	}
	p.stallHandled = true
	p.mu.Unlock()

	p.metrics.StallDetected()
	p.log.Warn().Dur("sinceLastChunk", since).Msg("capture stalled, reinitializing device")

	p.stopDevice()
	if err := p.bringUpDevice(); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return
		}
		p.emitError(fmt.Errorf("reinitialize stalled device: %w", err))
		return
	}
	p.metrics.DeviceRestarted()
}

// startSilenceLocked starts the silence ticker if it is not running.
func (p *Pipeline) startSilenceLocked() {
	if p.silenceCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.silenceCancel = cancel
	p.wg.Add(1)
	go p.silenceLoop(ctx)
}

func (p *Pipeline) stopSilenceLocked() {
	if p.silenceCancel != nil {
		p.silenceCancel()
		p.silenceCancel = nil
	}
}

func (p *Pipeline) stopRecoveryLocked() {
	if p.recovery != nil {
		p.recovery.Stop()
		p.recovery = nil
	}
}

func (p *Pipeline) silenceLoop(ctx context.Context) {
	defer p.wg.Done()
	size := p.config.SilenceChunkSize()
	ticker := time.NewTicker(p.config.SilenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			p.emitChunk(Chunk{
				Data:      make([]byte, size),
				Timestamp: now,
				Silent:    true,
			})
		}
	}
}

func (p *Pipeline) emitChunk(c Chunk) {
	p.metrics.ChunkCaptured(c.Silent)
	if p.handler.OnChunk != nil {
		p.handler.OnChunk(c)
	}
}

func (p *Pipeline) emitError(err error) {
	p.log.Error().Err(err).Msg("capture error")
	if p.handler.OnError != nil {
		p.handler.OnError(err)
	}
}

func (p *Pipeline) setRecording(recording bool) {
	if p.handler.OnRecordingStateChanged != nil {
		p.handler.OnRecordingStateChanged(recording)
	}
}
