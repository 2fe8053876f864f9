package config

import (
	"os"

	"github.com/fieldvoice/fieldvoice/internal/backend"
	"github.com/fieldvoice/fieldvoice/internal/events"
	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/recording"
	"github.com/fieldvoice/fieldvoice/internal/relay"
	"github.com/fieldvoice/fieldvoice/internal/session"
	"github.com/fieldvoice/fieldvoice/internal/subscriber"
)

// ResolveToken prefers server.token and falls back to FIELDVOICE_TOKEN.
func (c *Config) ResolveToken() string {
	if c.Server.Token != "" {
		return c.Server.Token
	}
	return os.Getenv(TokenEnvVar)
}

func (c *Config) Endpoint() protocol.Endpoint {
	return protocol.Endpoint{
		Host:   c.Server.Host,
		Secure: c.Server.Secure,
	}
}

func (c *Config) ToRecordingConfig() recording.Config {
	return recording.Config{
		SampleRate:           c.Recording.SampleRate,
		Channels:             c.Recording.Channels,
		Format:               c.Recording.Format,
		ChunkSize:            c.Recording.ChunkSize,
		Device:               c.Recording.Device,
		ChannelBufferSize:    c.Recording.ChannelBufferSize,
		SilenceInterval:      c.Recording.SilenceInterval,
		InterruptionRecovery: c.Recording.InterruptionRecovery,
		StallCheckInterval:   c.Recording.StallCheckInterval,
		StallThreshold:       c.Recording.StallThreshold,
	}
}

func (c *Config) ToSessionConfig() session.Config {
	return session.Config{
		Endpoint:             c.Endpoint(),
		WireFormat:           protocol.WireFormat(c.Connection.WireFormat),
		ReadyTimeout:         c.Connection.ReadyTimeout,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.Connection.ReconnectBaseDelay,
		HealthInterval:       c.Connection.HealthInterval,
		DeadThreshold:        c.Connection.DeadThreshold,
		MaxConsecutiveErrors: c.Connection.MaxConsecutiveErrors,
	}
}

func (c *Config) ToSubscriberConfig() subscriber.Config {
	return subscriber.Config{
		Endpoint:           c.Endpoint(),
		FreshnessThreshold: c.Viewer.FreshnessThreshold,
		InactivityTimeout:  c.Viewer.InactivityTimeout,
		ReconnectDelay:     c.Viewer.ReconnectDelay,
	}
}

func (c *Config) ToRelayConfig() relay.Config {
	return relay.Config{
		MinPrebufferChunks: c.Viewer.PrebufferChunks,
		MaxQueuedChunks:    c.Viewer.MaxQueuedChunks,
		SampleRate:         c.Recording.SampleRate,
		Channels:           c.Recording.Channels,
	}
}

// ToPlayerConfig plays relayed audio in the capture format, which is what the
// backend relays.
func (c *Config) ToPlayerConfig() relay.PlayerConfig {
	return relay.PlayerConfig{
		SampleRate: c.Recording.SampleRate,
		Channels:   c.Recording.Channels,
		Format:     c.Recording.Format,
		Device:     c.Viewer.PlayerDevice,
	}
}

func (c *Config) ToBackendConfig() backend.Config {
	return backend.Config{
		BaseURL:    c.Endpoint().HTTPBase(),
		Token:      c.ResolveToken(),
		Timeout:    c.Connection.RequestTimeout,
		MaxRetries: 2,
	}
}

func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = c.Logging.Format
	return cfg
}

func (c *Config) ToEventsConfig() events.Config {
	return events.Config{
		Enabled: c.Events.Enabled,
		Brokers: c.Events.Brokers,
		Topic:   c.Events.Topic,
	}
}
