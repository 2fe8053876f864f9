package config

import "time"

type Config struct {
	Server        ServerConfig        `toml:"server"`
	Recording     RecordingConfig     `toml:"recording"`
	Connection    ConnectionConfig    `toml:"connection"`
	Viewer        ViewerConfig        `toml:"viewer"`
	Logging       LoggingConfig       `toml:"logging"`
	Metrics       MetricsConfig       `toml:"metrics"`
	Events        EventsConfig        `toml:"events"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// ServerConfig locates the transcription backend. Host may carry a path
// prefix, e.g. "api.example.com/v2".
type ServerConfig struct {
	Host      string `toml:"host"`
	Secure    bool   `toml:"secure"`
	Token     string `toml:"token"` // or FIELDVOICE_TOKEN
	CompanyID string `toml:"company_id"`
}

type RecordingConfig struct {
	SampleRate           int           `toml:"sample_rate"`
	Channels             int           `toml:"channels"`
	Format               string        `toml:"format"`
	ChunkSize            int           `toml:"chunk_size"`
	Device               string        `toml:"device"`
	ChannelBufferSize    int           `toml:"channel_buffer_size"`
	SilenceInterval      time.Duration `toml:"silence_interval"`
	InterruptionRecovery time.Duration `toml:"interruption_recovery"`
	StallCheckInterval   time.Duration `toml:"stall_check_interval"`
	StallThreshold       time.Duration `toml:"stall_threshold"`
}

type ConnectionConfig struct {
	WireFormat           string        `toml:"wire_format"` // "binary" or "json"
	ReadyTimeout         time.Duration `toml:"ready_timeout"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `toml:"reconnect_base_delay"`
	HealthInterval       time.Duration `toml:"health_interval"`
	DeadThreshold        time.Duration `toml:"dead_threshold"`
	MaxConsecutiveErrors int           `toml:"max_consecutive_errors"`
	RequestTimeout       time.Duration `toml:"request_timeout"` // REST lookups
}

type ViewerConfig struct {
	FreshnessThreshold time.Duration `toml:"freshness_threshold"`
	InactivityTimeout  time.Duration `toml:"inactivity_timeout"`
	ReconnectDelay     time.Duration `toml:"reconnect_delay"`
	PrebufferChunks    int           `toml:"prebuffer_chunks"`
	MaxQueuedChunks    int           `toml:"max_queued_chunks"`
	PlayerDevice       string        `toml:"player_device"`
	FlushTimeout       time.Duration `toml:"flush_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console, json
}

type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

type EventsConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type NotificationsConfig struct {
	Enabled bool   `toml:"enabled"`
	Type    string `toml:"type"` // "desktop", "log", "none"
}
