package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldvoice/fieldvoice/internal/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp config file: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty host", func(c *Config) { c.Server.Host = " " }, "server.host"},
		{"zero sample rate", func(c *Config) { c.Recording.SampleRate = 0 }, "recording.sample_rate"},
		{"zero channels", func(c *Config) { c.Recording.Channels = 0 }, "recording.channels"},
		{"empty format", func(c *Config) { c.Recording.Format = "" }, "recording.format"},
		{"odd chunk size", func(c *Config) { c.Recording.ChunkSize = 3201 }, "recording.chunk_size"},
		{"stereo misaligned chunk", func(c *Config) { c.Recording.Channels = 2; c.Recording.ChunkSize = 3202 }, "recording.chunk_size"},
		{"zero channel buffer", func(c *Config) { c.Recording.ChannelBufferSize = 0 }, "recording.channel_buffer_size"},
		{"zero silence interval", func(c *Config) { c.Recording.SilenceInterval = 0 }, "recording.silence_interval"},
		{"zero interruption recovery", func(c *Config) { c.Recording.InterruptionRecovery = 0 }, "recording.interruption_recovery"},
		{"zero stall check", func(c *Config) { c.Recording.StallCheckInterval = 0 }, "recording.stall_check_interval"},
		{"zero stall threshold", func(c *Config) { c.Recording.StallThreshold = 0 }, "recording.stall_threshold"},
		{"unknown wire format", func(c *Config) { c.Connection.WireFormat = "protobuf" }, "connection.wire_format"},
		{"json wire format", func(c *Config) { c.Connection.WireFormat = "json" }, ""},
		{"zero ready timeout", func(c *Config) { c.Connection.ReadyTimeout = 0 }, "connection.ready_timeout"},
		{"negative reconnects", func(c *Config) { c.Connection.MaxReconnectAttempts = -1 }, "connection.max_reconnect_attempts"},
		{"no reconnects", func(c *Config) { c.Connection.MaxReconnectAttempts = 0 }, ""},
		{"zero reconnect delay", func(c *Config) { c.Connection.ReconnectBaseDelay = 0 }, "connection.reconnect_base_delay"},
		{"zero health interval", func(c *Config) { c.Connection.HealthInterval = 0 }, "connection.health_interval"},
		{"zero dead threshold", func(c *Config) { c.Connection.DeadThreshold = 0 }, "connection.dead_threshold"},
		{"zero max errors", func(c *Config) { c.Connection.MaxConsecutiveErrors = 0 }, "connection.max_consecutive_errors"},
		{"zero request timeout", func(c *Config) { c.Connection.RequestTimeout = 0 }, "connection.request_timeout"},
		{"zero freshness", func(c *Config) { c.Viewer.FreshnessThreshold = 0 }, "viewer.freshness_threshold"},
		{"zero inactivity", func(c *Config) { c.Viewer.InactivityTimeout = 0 }, "viewer.inactivity_timeout"},
		{"zero viewer reconnect", func(c *Config) { c.Viewer.ReconnectDelay = 0 }, "viewer.reconnect_delay"},
		{"zero prebuffer", func(c *Config) { c.Viewer.PrebufferChunks = 0 }, "viewer.prebuffer_chunks"},
		{"queue below prebuffer", func(c *Config) { c.Viewer.MaxQueuedChunks = 1 }, "viewer.max_queued_chunks"},
		{"zero flush timeout", func(c *Config) { c.Viewer.FlushTimeout = 0 }, "viewer.flush_timeout"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "" }, "metrics.listen_addr"},
		{"events without brokers", func(c *Config) { c.Events.Enabled = true }, "events.brokers"},
		{"events without topic", func(c *Config) {
			c.Events.Enabled = true
			c.Events.Brokers = []string{"localhost:9092"}
			c.Events.Topic = ""
		}, "events.topic"},
		{"bad notification type", func(c *Config) { c.Notifications.Type = "sms" }, "notifications.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), "invalid "+tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile_PartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
  host = "api.example.com/v2"
  secure = true
  company_id = "acme"

[connection]
  wire_format = "json"
  ready_timeout = "20s"

[viewer]
  prebuffer_chunks = 4
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Server.Host != "api.example.com/v2" || !cfg.Server.Secure || cfg.Server.CompanyID != "acme" {
		t.Errorf("server section not decoded: %+v", cfg.Server)
	}
	if cfg.Connection.WireFormat != "json" {
		t.Errorf("wire_format = %q", cfg.Connection.WireFormat)
	}
	if cfg.Connection.ReadyTimeout != 20*time.Second {
		t.Errorf("ready_timeout = %v", cfg.Connection.ReadyTimeout)
	}
	if cfg.Viewer.PrebufferChunks != 4 {
		t.Errorf("prebuffer_chunks = %d", cfg.Viewer.PrebufferChunks)
	}

	defaults := DefaultConfig()
	if cfg.Recording != defaults.Recording {
		t.Errorf("recording section should keep defaults, got %+v", cfg.Recording)
	}
	if cfg.Connection.HealthInterval != defaults.Connection.HealthInterval {
		t.Errorf("health_interval = %v, want default", cfg.Connection.HealthInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestLoadFile_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "[server\nhost = ")
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Server.Host = "voice.example.com"
	cfg.Events.Enabled = true
	cfg.Events.Brokers = []string{"k1:9092", "k2:9092"}
	cfg.Recording.StallThreshold = 7 * time.Second

	if err := SaveFile(path, cfg); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Server.Host != "voice.example.com" {
		t.Errorf("host = %q", loaded.Server.Host)
	}
	if len(loaded.Events.Brokers) != 2 || loaded.Events.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", loaded.Events.Brokers)
	}
	if loaded.Recording.StallThreshold != 7*time.Second {
		t.Errorf("stall_threshold = %v", loaded.Recording.StallThreshold)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config written with mode %v, want 0600", info.Mode().Perm())
	}
}

func TestResolveToken(t *testing.T) {
	t.Setenv(TokenEnvVar, "from-env")

	cfg := DefaultConfig()
	if got := cfg.ResolveToken(); got != "from-env" {
		t.Errorf("ResolveToken() = %q, want env value", got)
	}

	cfg.Server.Token = "from-file"
	if got := cfg.ResolveToken(); got != "from-file" {
		t.Errorf("ResolveToken() = %q, config should win", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	t.Setenv(TokenEnvVar, "")
	os.Unsetenv(TokenEnvVar)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(TokenEnvVar+"=dotenv-token\n"), 0600); err != nil {
		t.Fatal(err)
	}
	LoadEnv(dir)

	if got := DefaultConfig().ResolveToken(); got != "dotenv-token" {
		t.Errorf("ResolveToken() = %q, want value from .env", got)
	}
}

func TestConfig_ConversionMethods(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "api.example.com"
	cfg.Server.Secure = true
	cfg.Server.Token = "tok"
	cfg.Connection.WireFormat = "json"
	cfg.Viewer.PlayerDevice = "speakers"

	t.Run("recording", func(t *testing.T) {
		rc := cfg.ToRecordingConfig()
		if rc.SampleRate != 16000 || rc.ChunkSize != 3200 || rc.SilenceInterval != 100*time.Millisecond {
			t.Errorf("unexpected recording config %+v", rc)
		}
		if err := rc.Validate(); err != nil {
			t.Errorf("converted recording config invalid: %v", err)
		}
	})

	t.Run("session", func(t *testing.T) {
		sc := cfg.ToSessionConfig()
		if sc.WireFormat != protocol.WireJSON {
			t.Errorf("wire format = %q", sc.WireFormat)
		}
		if sc.MaxReconnectAttempts != 5 || sc.DeadThreshold != 30*time.Second {
			t.Errorf("unexpected session config %+v", sc)
		}
		url := sc.Endpoint.PublishURL(protocol.SessionRef{CompanyID: "c", VisitSessionID: "v"}, "tok")
		if !strings.HasPrefix(url, "wss://api.example.com/transcriptions/start/c/v") {
			t.Errorf("publish url = %s", url)
		}
	})

	t.Run("subscriber", func(t *testing.T) {
		sc := cfg.ToSubscriberConfig()
		if sc.FreshnessThreshold != 10*time.Second || sc.ReconnectDelay != 3*time.Second {
			t.Errorf("unexpected subscriber config %+v", sc)
		}
	})

	t.Run("relay", func(t *testing.T) {
		rc := cfg.ToRelayConfig()
		if rc.MinPrebufferChunks != 2 || rc.MaxQueuedChunks != 50 {
			t.Errorf("unexpected relay config %+v", rc)
		}
		if err := rc.Validate(); err != nil {
			t.Errorf("converted relay config invalid: %v", err)
		}
		pc := cfg.ToPlayerConfig()
		if pc.Device != "speakers" || pc.SampleRate != 16000 {
			t.Errorf("unexpected player config %+v", pc)
		}
	})

	t.Run("backend", func(t *testing.T) {
		bc := cfg.ToBackendConfig()
		if bc.BaseURL != "https://api.example.com" || bc.Token != "tok" {
			t.Errorf("unexpected backend config %+v", bc)
		}
	})

	t.Run("logging and events", func(t *testing.T) {
		if lc := cfg.ToLoggingConfig(); lc.Level != "info" || lc.Format != "console" {
			t.Errorf("unexpected logging config %+v", lc)
		}
		if ec := cfg.ToEventsConfig(); ec.Enabled || ec.Topic != "fieldvoice.transcripts" {
			t.Errorf("unexpected events config %+v", ec)
		}
	})
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "[server]\n  host = \"one.example.com\"\n")

	m, err := NewManagerForFile(path)
	if err != nil {
		t.Fatalf("NewManagerForFile: %v", err)
	}
	if got := m.GetConfig().Server.Host; got != "one.example.com" {
		t.Fatalf("host = %q", got)
	}

	reloaded := make(chan string, 16)
	m.OnReload(func(c *Config) {
		select {
		case reloaded <- c.Server.Host:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartWatching(ctx); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}
	defer m.Stop()

	if err := os.WriteFile(path, []byte("[server]\n  host = \"two.example.com\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// a truncating write can fire more than one event
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case host := <-reloaded:
			done = host == "two.example.com"
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
	if got := m.GetConfig().Server.Host; got != "two.example.com" {
		t.Errorf("GetConfig host = %q", got)
	}
}

func TestManagerKeepsPreviousOnInvalidEdit(t *testing.T) {
	path := writeConfig(t, "[server]\n  host = \"one.example.com\"\n")

	m, err := NewManagerForFile(path)
	if err != nil {
		t.Fatalf("NewManagerForFile: %v", err)
	}

	if err := os.WriteFile(path, []byte("[connection]\n  wire_format = \"carrier-pigeon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if m.Reload() {
		t.Error("Reload applied an invalid config")
	}
	if got := m.GetConfig().Connection.WireFormat; got != "binary" {
		t.Errorf("wire_format = %q, want previous value", got)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath: %v", err)
	}
	if filepath.Base(path) != "config.toml" || filepath.Base(filepath.Dir(path)) != "fieldvoice" {
		t.Errorf("unexpected config path %s", path)
	}
}

func TestReloadRunsEveryHook(t *testing.T) {
	path := writeConfig(t, "[server]\n  host = \"one.example.com\"\n")

	m, err := NewManagerForFile(path)
	if err != nil {
		t.Fatalf("NewManagerForFile: %v", err)
	}

	var got []string
	m.OnReload(func(c *Config) { got = append(got, "first:"+c.Server.Host) })
	m.OnReload(func(c *Config) {
		got = append(got, "second:"+c.Server.Host)
		// registering from a hook must not disturb the running reload
		m.OnReload(func(*Config) {})
	})

	if err := os.WriteFile(path, []byte("[server]\n  host = \"two.example.com\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if !m.Reload() {
		t.Fatal("Reload() = false")
	}
	if len(got) != 2 || got[0] != "first:two.example.com" || got[1] != "second:two.example.com" {
		t.Errorf("hooks ran as %v", got)
	}
}

func TestLoadEnvUnreadableFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	// a directory named .env passes the stat check but cannot be parsed
	if err := os.Mkdir(filepath.Join(dir, ".env"), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv(TokenEnvVar, "kept")

	LoadEnv(dir)

	if got := os.Getenv(TokenEnvVar); got != "kept" {
		t.Errorf("token = %q", got)
	}
}
