package testutil

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldvoice/fieldvoice/internal/config"
	"github.com/fieldvoice/fieldvoice/internal/recording"
	"github.com/fieldvoice/fieldvoice/internal/relay"
)

// TestConfig returns a valid configuration with short timings for testing
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1:0"
	cfg.Server.Token = "test-token"
	cfg.Server.CompanyID = "c1"
	cfg.Recording.SilenceInterval = 20 * time.Millisecond
	cfg.Recording.InterruptionRecovery = 200 * time.Millisecond
	cfg.Recording.StallCheckInterval = 50 * time.Millisecond
	cfg.Recording.StallThreshold = time.Second
	cfg.Connection.ReadyTimeout = 2 * time.Second
	cfg.Connection.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.Connection.HealthInterval = time.Second
	cfg.Connection.DeadThreshold = 5 * time.Second
	cfg.Connection.RequestTimeout = 2 * time.Second
	cfg.Viewer.InactivityTimeout = 300 * time.Millisecond
	cfg.Viewer.ReconnectDelay = 20 * time.Millisecond
	cfg.Viewer.FlushTimeout = time.Second
	cfg.Notifications.Type = "log"
	return cfg
}

// CreateTempConfigFile creates a temporary config file for testing
func CreateTempConfigFile(t *testing.T, configContent string) string {
	t.Helper()

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.toml")

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create temp config file: %v", err)
	}

	return configPath
}

// MockAudioFrame creates a test audio frame
func MockAudioFrame(data []byte) recording.AudioFrame {
	if data == nil {
		data = make([]byte, 1024)
		for i := range data {
			data[i] = byte(i % 256)
		}
	}

	return recording.AudioFrame{
		Data:      data,
		Timestamp: time.Now(),
	}
}

// TestContext returns a context with timeout for testing
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// WaitForCondition waits for a condition to be true or times out
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("Condition not met within %v", timeout)
		default:
			if condition() {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// CaptureOutput captures stdout for testing
func CaptureOutput(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	out, _ := io.ReadAll(r)
	return string(out)
}

// FakeDevice implements recording.Device and recording.InterruptionSource.
// Frames are pushed by the test.
type FakeDevice struct {
	mu         sync.Mutex
	starts     int
	stops      int
	startErr   error
	frames     chan recording.AudioFrame
	errs       chan error
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
	interrupts chan recording.Interruption
}

func NewFakeDevice() *FakeDevice {
	return &FakeDevice{interrupts: make(chan recording.Interruption, 4)}
}

// Factory returns a device factory that always hands out d.
func (d *FakeDevice) Factory() func(recording.Config) recording.Device {
	return func(recording.Config) recording.Device { return d }
}

func (d *FakeDevice) Start(ctx context.Context) (<-chan recording.AudioFrame, <-chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.startErr != nil {
		return nil, nil, d.startErr
	}

	frames := make(chan recording.AudioFrame, 64)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.frames, d.errs, d.closed = frames, errs, false
	d.cancel, d.done = cancel, done

	go func() {
		<-runCtx.Done()
		d.mu.Lock()
		d.closed = true
		close(frames)
		close(errs)
		d.mu.Unlock()
		close(done)
	}()
	return frames, errs, nil
}

func (d *FakeDevice) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.stops++
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (d *FakeDevice) Interruptions() <-chan recording.Interruption {
	return d.interrupts
}

// Push delivers one frame. It reports false when capture is not running.
func (d *FakeDevice) Push(data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames == nil || d.closed {
		return false
	}
	d.frames <- MockAudioFrame(data)
	return true
}

// Fail reports a read error on the running capture.
func (d *FakeDevice) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errs != nil && !d.closed {
		d.errs <- err
	}
}

func (d *FakeDevice) Interrupt(in recording.Interruption) {
	d.interrupts <- in
}

func (d *FakeDevice) SetStartErr(err error) {
	d.mu.Lock()
	d.startErr = err
	d.mu.Unlock()
}

func (d *FakeDevice) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func (d *FakeDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// Running reports whether a capture is active.
func (d *FakeDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames != nil && !d.closed
}

// FakePlayer implements relay.Player and records what it was given. When Gate
// is set, Write blocks until Gate is closed or the player is closed.
type FakePlayer struct {
	Gate       chan struct{}
	StartError error

	mu      sync.Mutex
	written [][]byte
	starts  int
	closes  int
	closed  chan struct{}
}

var _ relay.Player = (*FakePlayer)(nil)

func NewFakePlayer() *FakePlayer {
	return &FakePlayer{closed: make(chan struct{})}
}

func (p *FakePlayer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return p.StartError
}

func (p *FakePlayer) Write(pcm []byte) error {
	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-p.closed:
			return relay.ErrPlayerClosed
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
		return relay.ErrPlayerClosed
	default:
	}
	p.written = append(p.written, append([]byte(nil), pcm...))
	return nil
}

func (p *FakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	select {
	case <-p.closed:
		return errors.New("player already closed")
	default:
		close(p.closed)
	}
	return nil
}

func (p *FakePlayer) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	copy(out, p.written)
	return out
}

func (p *FakePlayer) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *FakePlayer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}
