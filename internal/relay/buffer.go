package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/metrics"
)

type Config struct {
	MinPrebufferChunks int
	MaxQueuedChunks    int
	// SampleRate and Channels size a chunk's playback time, used to tell an
	// underrun from normal arrival jitter.
	SampleRate int
	Channels   int
}

func DefaultConfig() Config {
	return Config{
		MinPrebufferChunks: 2,
		MaxQueuedChunks:    50,
		SampleRate:         16000,
		Channels:           1,
	}
}

func (c Config) Validate() error {
	if c.MinPrebufferChunks < 1 {
		return fmt.Errorf("invalid prebuffer chunks: %d", c.MinPrebufferChunks)
	}
	if c.MaxQueuedChunks < c.MinPrebufferChunks {
		return fmt.Errorf("invalid max queued chunks: %d (below prebuffer %d)", c.MaxQueuedChunks, c.MinPrebufferChunks)
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid audio format: rate %d, channels %d", c.SampleRate, c.Channels)
	}
	return nil
}

func (c Config) playTime(n int) time.Duration {
	bytesPerSecond := c.SampleRate * c.Channels * 2
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

// Buffer is a jitter buffer in front of a Player. Playback starts once
// MinPrebufferChunks are queued and continues until the queue stays empty
// longer than the last chunk takes to play, which drops back to prebuffering.
type Buffer struct {
	cfg     Config
	player  Player
	metrics *metrics.Metrics
	log     zerolog.Logger

	lifecycle sync.Mutex // serializes Initialize and Stop

	mu       sync.Mutex
	active   bool
	queue    [][]byte
	playing  bool
	flushing bool
	writing  bool
	waiters  []chan struct{}
	wake     chan struct{}
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

func NewBuffer(cfg Config, player Player, m *metrics.Metrics) *Buffer {
	return &Buffer{
		cfg:     cfg,
		player:  player,
		metrics: m,
		log:     logging.WithComponent("relay"),
	}
}

// Initialize starts the player and the playback loop. Calling it on an
// initialized buffer is a no-op.
func (b *Buffer) Initialize(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	active := b.active
	b.mu.Unlock()
	if active {
		return nil
	}

	if err := b.cfg.Validate(); err != nil {
		return err
	}
	if err := b.player.Start(ctx); err != nil {
		return fmt.Errorf("start player: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wake := make(chan struct{}, 1)

	b.mu.Lock()
	b.active = true
	b.queue = nil
	b.playing = false
	b.flushing = false
	b.wake = wake
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.playLoop(loopCtx, wake)
	return nil
}

// PlayChunk queues pcm for playback and takes ownership of it. Chunks
// arriving before Initialize or after Stop are dropped.
func (b *Buffer) PlayChunk(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		b.log.Debug().Int("bytes", len(pcm)).Msg("dropping chunk, buffer not active")
		return
	}
	b.queue = append(b.queue, pcm)
	dropped := 0
	for len(b.queue) > b.cfg.MaxQueuedChunks {
		b.queue[0] = nil
		b.queue = b.queue[1:]
		dropped++
	}
	if !b.playing && len(b.queue) >= b.cfg.MinPrebufferChunks {
		b.playing = true
	}
	wake := b.wake
	b.mu.Unlock()

	for i := 0; i < dropped; i++ {
		b.metrics.RelayDropped()
	}
	if dropped > 0 {
		b.log.Warn().Int("dropped", dropped).Msg("relay queue full, dropped oldest audio")
	}
	signal(wake)
}

// Flush plays out everything queued, including a partial prebuffer, and
// returns once the player has taken the last chunk.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if !b.active || (len(b.queue) == 0 && !b.writing) {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true
	done := make(chan struct{})
	b.waiters = append(b.waiters, done)
	wake := b.wake
	b.mu.Unlock()

	signal(wake)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop discards queued audio and closes the player. It is idempotent.
func (b *Buffer) Stop() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return nil
	}
	b.active = false
	discarded := len(b.queue)
	b.queue = nil
	b.playing = false
	b.flushing = false
	b.releaseWaitersLocked()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if discarded > 0 {
		b.log.Debug().Int("chunks", discarded).Msg("discarded queued audio")
	}

	cancel()
	err := b.player.Close()
	b.wg.Wait()
	if err != nil {
		return fmt.Errorf("close player: %w", err)
	}
	return nil
}

func (b *Buffer) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Playing reports whether the prebuffer has been satisfied.
func (b *Buffer) Playing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

func (b *Buffer) playLoop(ctx context.Context, wake <-chan struct{}) {
	defer b.wg.Done()

	var last time.Duration
	for {
		if chunk, ok := b.next(); ok {
			if err := b.player.Write(chunk); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.Warn().Err(err).Msg("playback write failed")
			} else {
				b.metrics.RelayPlayed()
			}
			last = b.cfg.playTime(len(chunk))
			continue
		}

		var underrun <-chan time.Time
		var timer *time.Timer
		if last > 0 && b.Playing() {
			timer = time.NewTimer(last)
			underrun = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-wake:
		case <-underrun:
			b.underrun()
			last = 0
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next pops the chunk to play, or reports the queue idle and completes any
// pending flush.
func (b *Buffer) next() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writing = false
	if len(b.queue) > 0 && (b.playing || b.flushing) {
		chunk := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.writing = true
		return chunk, true
	}
	if len(b.queue) == 0 && b.flushing {
		b.flushing = false
		b.playing = false
		b.releaseWaitersLocked()
	}
	return nil, false
}

func (b *Buffer) underrun() {
	b.mu.Lock()
	hit := b.playing && !b.flushing && len(b.queue) == 0
	if hit {
		b.playing = false
	}
	b.mu.Unlock()

	if hit {
		b.metrics.RelayUnderrun()
		b.log.Debug().Msg("underrun, prebuffering")
	}
}

func (b *Buffer) releaseWaitersLocked() {
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
