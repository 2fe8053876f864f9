package config

import (
	"fmt"
	"strings"

	"github.com/fieldvoice/fieldvoice/internal/protocol"
)

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("invalid server.host: empty")
	}

	if c.Recording.SampleRate <= 0 {
		return fmt.Errorf("invalid recording.sample_rate: %d", c.Recording.SampleRate)
	}
	if c.Recording.Channels <= 0 {
		return fmt.Errorf("invalid recording.channels: %d", c.Recording.Channels)
	}
	if c.Recording.Format == "" {
		return fmt.Errorf("invalid recording.format: empty")
	}
	if c.Recording.ChunkSize <= 0 || c.Recording.ChunkSize%(2*c.Recording.Channels) != 0 {
		return fmt.Errorf("invalid recording.chunk_size: %d (must be a positive multiple of the frame size)", c.Recording.ChunkSize)
	}
	if c.Recording.ChannelBufferSize <= 0 {
		return fmt.Errorf("invalid recording.channel_buffer_size: %d", c.Recording.ChannelBufferSize)
	}
	if c.Recording.SilenceInterval <= 0 {
		return fmt.Errorf("invalid recording.silence_interval: %v", c.Recording.SilenceInterval)
	}
	if c.Recording.InterruptionRecovery <= 0 {
		return fmt.Errorf("invalid recording.interruption_recovery: %v", c.Recording.InterruptionRecovery)
	}
	if c.Recording.StallCheckInterval <= 0 {
		return fmt.Errorf("invalid recording.stall_check_interval: %v", c.Recording.StallCheckInterval)
	}
	if c.Recording.StallThreshold <= 0 {
		return fmt.Errorf("invalid recording.stall_threshold: %v", c.Recording.StallThreshold)
	}

	switch protocol.WireFormat(c.Connection.WireFormat) {
	case protocol.WireBinary, protocol.WireJSON:
	default:
		return fmt.Errorf("invalid connection.wire_format: %s (must be binary or json)", c.Connection.WireFormat)
	}
	if c.Connection.ReadyTimeout <= 0 {
		return fmt.Errorf("invalid connection.ready_timeout: %v", c.Connection.ReadyTimeout)
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return fmt.Errorf("invalid connection.max_reconnect_attempts: %d", c.Connection.MaxReconnectAttempts)
	}
	if c.Connection.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("invalid connection.reconnect_base_delay: %v", c.Connection.ReconnectBaseDelay)
	}
	if c.Connection.HealthInterval <= 0 {
		return fmt.Errorf("invalid connection.health_interval: %v", c.Connection.HealthInterval)
	}
	if c.Connection.DeadThreshold <= 0 {
		return fmt.Errorf("invalid connection.dead_threshold: %v", c.Connection.DeadThreshold)
	}
	if c.Connection.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("invalid connection.max_consecutive_errors: %d", c.Connection.MaxConsecutiveErrors)
	}
	if c.Connection.RequestTimeout <= 0 {
		return fmt.Errorf("invalid connection.request_timeout: %v", c.Connection.RequestTimeout)
	}

	if c.Viewer.FreshnessThreshold <= 0 {
		return fmt.Errorf("invalid viewer.freshness_threshold: %v", c.Viewer.FreshnessThreshold)
	}
	if c.Viewer.InactivityTimeout <= 0 {
		return fmt.Errorf("invalid viewer.inactivity_timeout: %v", c.Viewer.InactivityTimeout)
	}
	if c.Viewer.ReconnectDelay <= 0 {
		return fmt.Errorf("invalid viewer.reconnect_delay: %v", c.Viewer.ReconnectDelay)
	}
	if c.Viewer.PrebufferChunks < 1 {
		return fmt.Errorf("invalid viewer.prebuffer_chunks: %d", c.Viewer.PrebufferChunks)
	}
	if c.Viewer.MaxQueuedChunks < c.Viewer.PrebufferChunks {
		return fmt.Errorf("invalid viewer.max_queued_chunks: %d (must be at least prebuffer_chunks)", c.Viewer.MaxQueuedChunks)
	}
	if c.Viewer.FlushTimeout <= 0 {
		return fmt.Errorf("invalid viewer.flush_timeout: %v", c.Viewer.FlushTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format: %s (must be console or json)", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("invalid metrics.listen_addr: empty")
	}

	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("invalid events.brokers: empty")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("invalid events.topic: empty")
		}
	}

	validTypes := map[string]bool{"desktop": true, "log": true, "none": true}
	if !validTypes[c.Notifications.Type] {
		return fmt.Errorf("invalid notifications.type: %s (must be desktop, log, or none)", c.Notifications.Type)
	}

	return nil
}
