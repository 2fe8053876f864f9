// Package relay smooths playback of audio relayed to a viewer.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
)

var ErrPlayerClosed = errors.New("player closed")

// Player consumes PCM in order. Write may block while the output is busy.
type Player interface {
	Start(ctx context.Context) error
	Write(pcm []byte) error
	Close() error
}

type PlayerConfig struct {
	SampleRate int
	Channels   int
	Format     string
	Device     string
}

// PipeWirePlayer feeds pw-play through its stdin.
type PipeWirePlayer struct {
	config PlayerConfig
	log    zerolog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

func NewPipeWirePlayer(config PlayerConfig) *PipeWirePlayer {
	return &PipeWirePlayer{
		config: config,
		log:    logging.WithComponent("pw-play"),
	}
}

func (p *PipeWirePlayer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return nil
	}

	if _, err := exec.LookPath("pw-play"); err != nil {
		return fmt.Errorf("pw-play not found: %w (install pipewire-tools)", err)
	}

	cmd := exec.CommandContext(ctx, "pw-play", p.buildPwPlayArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pw-play: %w", err)
	}

	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.log.Debug().Str("stderr", scanner.Text()).Msg("pw-play")
		}
		_ = cmd.Wait()
		close(done)
	}()

	p.cmd = cmd
	p.stdin = stdin
	p.done = done
	return nil
}

func (p *PipeWirePlayer) Write(pcm []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return ErrPlayerClosed
	}
	if _, err := stdin.Write(pcm); err != nil {
		return fmt.Errorf("write to pw-play: %w", err)
	}
	return nil
}

// Close ends the stream and gives pw-play a moment to play out what it
// already holds before killing it.
func (p *PipeWirePlayer) Close() error {
	p.mu.Lock()
	cmd, stdin, done := p.cmd, p.stdin, p.done
	p.cmd, p.stdin, p.done = nil, nil, nil
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}
	_ = stdin.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		p.log.Warn().Msg("pw-play did not exit, killing")
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

func (p *PipeWirePlayer) buildPwPlayArgs() []string {
	format := p.config.Format
	if format == "" {
		format = "s16"
	}
	args := []string{
		"--format", format,
		"--rate", strconv.Itoa(p.config.SampleRate),
		"--channels", strconv.Itoa(p.config.Channels),
	}
	if p.config.Device != "" {
		args = append(args, "--target", p.config.Device)
	}
	return append(args, "-") // stdin
}
