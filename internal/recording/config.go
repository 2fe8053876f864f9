package recording

import (
	"fmt"
	"time"
)

type Config struct {
	SampleRate        int
	Channels          int
	Format            string
	ChunkSize         int // bytes per emitted chunk
	Device            string
	ChannelBufferSize int

	SilenceInterval      time.Duration
	InterruptionRecovery time.Duration
	StallCheckInterval   time.Duration
	StallThreshold       time.Duration
}

// DefaultConfig captures 16 kHz mono PCM16 in 100ms chunks.
func DefaultConfig() Config {
	return Config{
		SampleRate:        16000,
		Channels:          1,
		Format:            "s16",
		ChunkSize:         3200,
		Device:            "",
		ChannelBufferSize: 30,

		SilenceInterval:      100 * time.Millisecond,
		InterruptionRecovery: 8 * time.Second,
		StallCheckInterval:   3 * time.Second,
		StallThreshold:       5 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid SampleRate: %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("invalid Channels: %d", c.Channels)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid ChunkSize: %d", c.ChunkSize)
	}
	if c.ChunkSize%c.frameBytes() != 0 {
		return fmt.Errorf("invalid ChunkSize: %d not aligned to %d byte frames", c.ChunkSize, c.frameBytes())
	}
	if c.ChannelBufferSize <= 0 {
		return fmt.Errorf("invalid ChannelBufferSize: %d", c.ChannelBufferSize)
	}
	if c.Format == "" {
		return fmt.Errorf("invalid Format: empty")
	}
	if c.SilenceInterval <= 0 {
		return fmt.Errorf("invalid SilenceInterval: %v", c.SilenceInterval)
	}
	if c.InterruptionRecovery <= 0 {
		return fmt.Errorf("invalid InterruptionRecovery: %v", c.InterruptionRecovery)
	}
	if c.StallCheckInterval <= 0 || c.StallThreshold <= 0 {
		return fmt.Errorf("invalid stall detection: check %v, threshold %v", c.StallCheckInterval, c.StallThreshold)
	}
	return nil
}

// frameBytes is the size of one sample frame; PCM16 only.
func (c Config) frameBytes() int {
	return 2 * c.Channels
}

// ChunkDuration is the audio duration carried by one device chunk.
func (c Config) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkSize/c.frameBytes()) * time.Second / time.Duration(c.SampleRate)
}

// SilenceChunkSize is the byte length of one synthetic silence chunk: exactly
// SilenceInterval worth of samples.
func (c Config) SilenceChunkSize() int {
	frames := int(int64(c.SampleRate) * int64(c.SilenceInterval) / int64(time.Second))
	return frames * c.frameBytes()
}
