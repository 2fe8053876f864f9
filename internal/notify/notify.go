package notify

import (
	"fmt"
	"os/exec"

	"github.com/fieldvoice/fieldvoice/internal/logging"
)

const appName = "FieldVoice"

type Notifier interface {
	RecordingChanged(on bool)
	ConnectionChanged(connected bool)
	SessionEnded(audioURL string)
	Error(msg string)
	Notify(title, message string)
}

// New picks a notifier by its config name. Unknown names notify nothing.
func New(kind string) Notifier {
	switch kind {
	case "desktop":
		return Desktop{}
	case "log":
		return Log{}
	default:
		return Nop{}
	}
}

// execCommand is swapped in tests.
var execCommand = exec.Command

// Desktop sends notifications through notify-send.
type Desktop struct{}

func (d Desktop) RecordingChanged(on bool) {
	d.Notify(appName, recordingMessage(on))
}

func (d Desktop) ConnectionChanged(connected bool) {
	if connected {
		d.Notify(appName, "Connected to transcription service")
		return
	}
	d.Notify(appName, "Connection lost, reconnecting")
}

func (d Desktop) SessionEnded(audioURL string) {
	d.Notify(appName, "Session ended")
}

func (Desktop) Error(msg string) {
	cmd := execCommand("notify-send", "-a", appName, "-u", "critical", appName+": "+msg)
	if err := cmd.Run(); err != nil {
		log := logging.WithComponent("notify")
		log.Warn().Err(err).Msg("failed to send error notification")
	}
}

func (Desktop) Notify(title, message string) {
	cmd := execCommand("notify-send", "-a", appName, title, message)
	if err := cmd.Run(); err != nil {
		log := logging.WithComponent("notify")
		log.Warn().Err(err).Msg("failed to send notification")
	}
}

// Log writes notifications to the process logger.
type Log struct{}

func (l Log) RecordingChanged(on bool) {
	l.Notify(appName, recordingMessage(on))
}

func (Log) ConnectionChanged(connected bool) {
	log := logging.WithComponent("notify")
	log.Info().Bool("connected", connected).Msg(appName + ": connection changed")
}

func (Log) SessionEnded(audioURL string) {
	log := logging.WithComponent("notify")
	log.Info().Str("audioUrl", audioURL).Msg(appName + ": Session Ended")
}

func (Log) Error(msg string) {
	log := logging.WithComponent("notify")
	log.Error().Msg(appName + ": " + msg)
}

func (Log) Notify(title, message string) {
	log := logging.WithComponent("notify")
	log.Info().Msg(fmt.Sprintf("%s: %s", title, message))
}

// Nop is a Notifier that does absolutely nothing.
// Useful in unit tests or headless builds.
type Nop struct{}

func (Nop) RecordingChanged(on bool)         {}
func (Nop) ConnectionChanged(connected bool) {}
func (Nop) SessionEnded(audioURL string)     {}
func (Nop) Error(msg string)                 {}
func (Nop) Notify(title, message string)     {}

func recordingMessage(on bool) string {
	if on {
		return "Recording Started"
	}
	return "Recording Stopped"
}
