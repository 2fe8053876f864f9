package config

import "time"

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:   "localhost:8080",
			Secure: false,
		},
		Recording: RecordingConfig{
			SampleRate:           16000,
			Channels:             1,
			Format:               "s16",
			ChunkSize:            3200,
			Device:               "",
			ChannelBufferSize:    30,
			SilenceInterval:      100 * time.Millisecond,
			InterruptionRecovery: 8 * time.Second,
			StallCheckInterval:   3 * time.Second,
			StallThreshold:       5 * time.Second,
		},
		Connection: ConnectionConfig{
			WireFormat:           "binary",
			ReadyTimeout:         15 * time.Second,
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   time.Second,
			HealthInterval:       10 * time.Second,
			DeadThreshold:        30 * time.Second,
			MaxConsecutiveErrors: 5,
			RequestTimeout:       10 * time.Second,
		},
		Viewer: ViewerConfig{
			FreshnessThreshold: 10 * time.Second,
			InactivityTimeout:  10 * time.Second,
			ReconnectDelay:     3 * time.Second,
			PrebufferChunks:    2,
			MaxQueuedChunks:    50,
			PlayerDevice:       "",
			FlushTimeout:       5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Events: EventsConfig{
			Enabled: false,
			Topic:   "fieldvoice.transcripts",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Type:    "desktop",
		},
	}
}
