package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/fieldvoice/fieldvoice/internal/config"
)

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n <= 0 {
		return fmt.Errorf("must be greater than 0")
	}
	return nil
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a duration like 500ms or 10s")
	}
	if d <= 0 {
		return fmt.Errorf("must be greater than 0")
	}
	return nil
}

func validateHost(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("host is required")
	}
	if strings.Contains(s, "://") {
		return fmt.Errorf("leave out the scheme, use the secure toggle instead")
	}
	return nil
}

// parseBrokers splits a comma separated broker list, dropping blanks.
func parseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// the validators above have already run on every value parsed here
func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(s))
	return d
}

func durationInput(title, description string, value *string) *huh.Input {
	return huh.NewInput().
		Title(title).
		Description(description).
		Value(value).
		Validate(validateDuration)
}

func intInput(title, description string, value *string) *huh.Input {
	return huh.NewInput().
		Title(title).
		Description(description).
		Value(value).
		Validate(validatePositiveInt)
}

func editServer(cfg *config.Config) error {
	host := cfg.Server.Host
	secure := cfg.Server.Secure
	token := cfg.Server.Token
	companyID := cfg.Server.CompanyID

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Backend Host").
				Description("host[:port][/prefix] of the transcription backend").
				Placeholder("api.example.com").
				Value(&host).
				Validate(validateHost),
			huh.NewConfirm().
				Title("Use TLS?").
				Description("wss:// and https:// instead of ws:// and http://").
				Value(&secure),
			huh.NewInput().
				Title("Company ID").
				Value(&companyID),
			huh.NewInput().
				Title("Auth Token").
				Description("Leave empty to use FIELDVOICE_TOKEN").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Server.Host = strings.TrimSpace(host)
	cfg.Server.Secure = secure
	cfg.Server.CompanyID = strings.TrimSpace(companyID)
	cfg.Server.Token = strings.TrimSpace(token)
	return nil
}

func editRecording(cfg *config.Config) error {
	sampleRate := strconv.Itoa(cfg.Recording.SampleRate)
	channels := strconv.Itoa(cfg.Recording.Channels)
	chunkSize := strconv.Itoa(cfg.Recording.ChunkSize)
	device := cfg.Recording.Device
	silence := cfg.Recording.SilenceInterval.String()
	recovery := cfg.Recording.InterruptionRecovery.String()
	stallCheck := cfg.Recording.StallCheckInterval.String()
	stallThreshold := cfg.Recording.StallThreshold.String()

	channelOptions := []huh.Option[string]{
		huh.NewOption("1 (Mono) - Recommended", "1"),
		huh.NewOption("2 (Stereo)", "2"),
	}

	form := huh.NewForm(
		huh.NewGroup(
			intInput("Sample Rate (Hz)", "16000 is what the transcription service expects.", &sampleRate),
			huh.NewSelect[string]().
				Title("Channels").
				Options(channelOptions...).
				Value(&channels),
			intInput("Chunk Size (bytes)", "Bytes per streamed chunk. 3200 is 100ms of 16 kHz mono.", &chunkSize),
			huh.NewInput().
				Title("Capture Device").
				Description("PipeWire target, empty for the default source").
				Value(&device),
		),
		huh.NewGroup(
			durationInput("Silence Interval", "How often silence is sent while paused or interrupted", &silence),
			durationInput("Interruption Recovery", "Resume capture this long after an interruption began", &recovery),
			durationInput("Stall Check Interval", "How often the microphone is checked for stalls", &stallCheck),
			durationInput("Stall Threshold", "Restart the microphone after this long without audio", &stallThreshold),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Recording.SampleRate = atoi(sampleRate)
	cfg.Recording.Channels = atoi(channels)
	cfg.Recording.ChunkSize = atoi(chunkSize)
	cfg.Recording.Device = strings.TrimSpace(device)
	cfg.Recording.SilenceInterval = duration(silence)
	cfg.Recording.InterruptionRecovery = duration(recovery)
	cfg.Recording.StallCheckInterval = duration(stallCheck)
	cfg.Recording.StallThreshold = duration(stallThreshold)
	return nil
}

func editConnection(cfg *config.Config) error {
	wireFormat := cfg.Connection.WireFormat
	readyTimeout := cfg.Connection.ReadyTimeout.String()
	maxAttempts := strconv.Itoa(cfg.Connection.MaxReconnectAttempts)
	baseDelay := cfg.Connection.ReconnectBaseDelay.String()
	healthInterval := cfg.Connection.HealthInterval.String()
	deadThreshold := cfg.Connection.DeadThreshold.String()
	maxErrors := strconv.Itoa(cfg.Connection.MaxConsecutiveErrors)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Audio Framing").
				Options(
					huh.NewOption("binary - Recommended", "binary"),
					huh.NewOption("json (legacy backends)", "json"),
				).
				Value(&wireFormat),
			durationInput("Ready Timeout", "How long to wait for the backend handshake", &readyTimeout),
			huh.NewInput().
				Title("Max Reconnect Attempts").
				Description("0 disables reconnecting").
				Value(&maxAttempts).
				Validate(validateNonNegativeInt),
			durationInput("Reconnect Base Delay", "Attempt n waits n times this", &baseDelay),
		),
		huh.NewGroup(
			durationInput("Health Interval", "How often a streaming connection is checked", &healthInterval),
			durationInput("Dead Threshold", "Reconnect after this long without a reply while sending", &deadThreshold),
			intInput("Max Consecutive Errors", "End the session after this many server errors in a row", &maxErrors),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Connection.WireFormat = wireFormat
	cfg.Connection.ReadyTimeout = duration(readyTimeout)
	cfg.Connection.MaxReconnectAttempts = atoi(maxAttempts)
	cfg.Connection.ReconnectBaseDelay = duration(baseDelay)
	cfg.Connection.HealthInterval = duration(healthInterval)
	cfg.Connection.DeadThreshold = duration(deadThreshold)
	cfg.Connection.MaxConsecutiveErrors = atoi(maxErrors)
	return nil
}

func editViewer(cfg *config.Config) error {
	freshness := cfg.Viewer.FreshnessThreshold.String()
	inactivity := cfg.Viewer.InactivityTimeout.String()
	reconnect := cfg.Viewer.ReconnectDelay.String()
	prebuffer := strconv.Itoa(cfg.Viewer.PrebufferChunks)
	maxQueued := strconv.Itoa(cfg.Viewer.MaxQueuedChunks)
	player := cfg.Viewer.PlayerDevice
	flush := cfg.Viewer.FlushTimeout.String()

	form := huh.NewForm(
		huh.NewGroup(
			durationInput("Freshness Threshold", "Sessions with an older heartbeat are not joined", &freshness),
			durationInput("Inactivity Timeout", "Leave a session that sends nothing for this long", &inactivity),
			durationInput("Reconnect Delay", "Wait before rejoining a dropped session", &reconnect),
		),
		huh.NewGroup(
			intInput("Prebuffer Chunks", "Chunks queued before playback starts", &prebuffer),
			intInput("Max Queued Chunks", "Oldest audio is dropped beyond this", &maxQueued),
			huh.NewInput().
				Title("Playback Device").
				Description("PipeWire target, empty for the default sink").
				Value(&player),
			durationInput("Flush Timeout", "How long queued audio may play after leaving", &flush),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Viewer.FreshnessThreshold = duration(freshness)
	cfg.Viewer.InactivityTimeout = duration(inactivity)
	cfg.Viewer.ReconnectDelay = duration(reconnect)
	cfg.Viewer.PrebufferChunks = atoi(prebuffer)
	cfg.Viewer.MaxQueuedChunks = atoi(maxQueued)
	cfg.Viewer.PlayerDevice = strings.TrimSpace(player)
	cfg.Viewer.FlushTimeout = duration(flush)
	return nil
}

func editExport(cfg *config.Config) error {
	eventsEnabled := cfg.Events.Enabled
	brokers := strings.Join(cfg.Events.Brokers, ", ")
	topic := cfg.Events.Topic
	metricsEnabled := cfg.Metrics.Enabled
	listenAddr := cfg.Metrics.ListenAddr

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Export turns to Kafka?").
				Description("Final turns and session lifecycle events").
				Value(&eventsEnabled),
			huh.NewInput().
				Title("Kafka Brokers").
				Description("Comma separated host:port list").
				Value(&brokers),
			huh.NewInput().
				Title("Topic").
				Value(&topic),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Serve Prometheus metrics?").
				Value(&metricsEnabled),
			huh.NewInput().
				Title("Metrics Listen Address").
				Value(&listenAddr),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Events.Enabled = eventsEnabled
	cfg.Events.Brokers = parseBrokers(brokers)
	cfg.Events.Topic = strings.TrimSpace(topic)
	cfg.Metrics.Enabled = metricsEnabled
	cfg.Metrics.ListenAddr = strings.TrimSpace(listenAddr)
	return nil
}

func editNotifications(cfg *config.Config) error {
	enabled := cfg.Notifications.Enabled
	notifType := cfg.Notifications.Type
	if notifType == "" {
		notifType = "desktop"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable notifications?").
				Description("Recording state, connection loss and errors").
				Value(&enabled),
			huh.NewSelect[string]().
				Title("Notification Type").
				Options(
					huh.NewOption("Desktop notifications (notify-send)", "desktop"),
					huh.NewOption("Log to console only", "log"),
					huh.NewOption("None (silent)", "none"),
				).
				Value(&notifType),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Notifications.Enabled = enabled
	cfg.Notifications.Type = notifType
	return nil
}

func summaryLines(cfg *config.Config) []string {
	scheme := "ws"
	if cfg.Server.Secure {
		scheme = "wss"
	}
	token := "from FIELDVOICE_TOKEN"
	if cfg.Server.Token != "" {
		token = "set"
	}

	lines := []string{
		fmt.Sprintf("%s %s://%s", StyleLabel.Render("Server:"), scheme, cfg.Server.Host),
		fmt.Sprintf("%s %s", StyleLabel.Render("Company:"), cfg.Server.CompanyID),
		fmt.Sprintf("%s %s", StyleLabel.Render("Token:"), token),
		fmt.Sprintf("%s %d Hz, %d ch, %d byte chunks", StyleLabel.Render("Recording:"),
			cfg.Recording.SampleRate, cfg.Recording.Channels, cfg.Recording.ChunkSize),
		fmt.Sprintf("%s %s framing, %d reconnect attempts", StyleLabel.Render("Connection:"),
			cfg.Connection.WireFormat, cfg.Connection.MaxReconnectAttempts),
	}
	if cfg.Events.Enabled {
		lines = append(lines, fmt.Sprintf("%s %s on %s", StyleLabel.Render("Events:"),
			cfg.Events.Topic, strings.Join(cfg.Events.Brokers, ", ")))
	} else {
		lines = append(lines, StyleLabel.Render("Events:")+" disabled")
	}
	if cfg.Notifications.Enabled {
		lines = append(lines, fmt.Sprintf("%s %s", StyleLabel.Render("Notifications:"), cfg.Notifications.Type))
	} else {
		lines = append(lines, StyleLabel.Render("Notifications:")+" disabled")
	}
	return lines
}

func showSummary(cfg *config.Config) (bool, error) {
	fmt.Println()
	fmt.Println(StyleHeader.Render("Configuration Summary"))
	for _, line := range summaryLines(cfg) {
		fmt.Println("  " + line)
	}
	fmt.Println()

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save this configuration?").
				Affirmative("Save").
				Negative("Cancel").
				Value(&confirmed),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return false, err
	}

	return confirmed, nil
}
