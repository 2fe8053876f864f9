package recording

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
)

// PipeWireDevice captures from pw-record.
type PipeWireDevice struct {
	config    Config
	recording atomic.Bool
	denied    atomic.Bool

	mu     sync.Mutex // guards cmd and cancel
	cmd    *exec.Cmd
	cancel context.CancelFunc

	wg  sync.WaitGroup
	log zerolog.Logger
}

func NewPipeWireDevice(config Config) *PipeWireDevice {
	return &PipeWireDevice{
		config: config,
		log:    logging.WithComponent("pipewire"),
	}
}

func (d *PipeWireDevice) IsRecording() bool {
	return d.recording.Load()
}

func (d *PipeWireDevice) Start(ctx context.Context) (<-chan AudioFrame, <-chan error, error) {
	if d.recording.Load() {
		return nil, nil, ErrAlreadyRunning
	}

	if err := d.config.Validate(); err != nil {
		return nil, nil, err
	}

	if err := CheckPipeWireAvailable(ctx); err != nil {
		return nil, nil, fmt.Errorf("PipeWire not available: %w", err)
	}

	captureCtx, cancel := context.WithCancel(ctx)

	frameCh := make(chan AudioFrame, d.config.ChannelBufferSize)
	errCh := make(chan error, 1)

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.denied.Store(false)
	d.recording.Store(true)
	d.wg.Add(1)
	go d.captureLoop(captureCtx, frameCh, errCh)

	return frameCh, errCh, nil
}

// Stop cancels capture and waits for pw-record to be reaped.
func (d *PipeWireDevice) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *PipeWireDevice) captureLoop(ctx context.Context, frameCh chan<- AudioFrame, errCh chan<- error) {
	defer func() {
		close(frameCh)
		close(errCh)
		d.recording.Store(false)

		d.mu.Lock()
		if d.cmd != nil {
			_ = d.cmd.Wait()
			d.cmd = nil
		}
		d.cancel = nil
		d.mu.Unlock()

		d.wg.Done()
	}()

	cmd := exec.CommandContext(ctx, "pw-record", d.buildPwRecordArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.emitErr(errCh, fmt.Errorf("create stdout pipe: %w", err))
		return
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.emitErr(errCh, fmt.Errorf("create stderr pipe: %w", err))
		return
	}

	d.mu.Lock()
	d.cmd = cmd
	d.mu.Unlock()

	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		d.emitErr(errCh, fmt.Errorf("start pw-record: %w", err))
		return
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(strings.ToLower(line), "permission denied") {
				d.denied.Store(true)
			}
			d.log.Debug().Str("stderr", line).Msg("pw-record")
		}
	}()

	for {
		// a fresh buffer per chunk; ownership moves to the receiver
		buf := make([]byte, d.config.ChunkSize)
		_, readErr := io.ReadFull(stdout, buf)
		if readErr != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				if d.denied.Load() {
					d.emitErr(errCh, ErrPermissionDenied)
				}
				return
			}
			d.emitErr(errCh, fmt.Errorf("read audio: %w", readErr))
			return
		}

		select {
		case frameCh <- AudioFrame{Data: buf, Timestamp: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (d *PipeWireDevice) emitErr(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
	d.log.Error().Err(err).Msg("capture failed")
}

func (d *PipeWireDevice) buildPwRecordArgs() []string {
	args := []string{
		"--format", d.config.Format,
		"--rate", strconv.Itoa(d.config.SampleRate),
		"--channels", strconv.Itoa(d.config.Channels),
		"-", // stdout
	}
	if d.config.Device != "" {
		args = append(args, "--target", d.config.Device)
	}
	return args
}

func CheckPipeWireAvailable(ctx context.Context) error {
	if _, err := exec.LookPath("pw-record"); err != nil {
		return fmt.Errorf("pw-record not found: %w (install pipewire-tools)", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(checkCtx, "pw-cli", "info")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("PipeWire not running or accessible: %w", err)
	}
	return nil
}
