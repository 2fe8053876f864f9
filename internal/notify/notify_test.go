package notify

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/fieldvoice/fieldvoice/internal/logging"
)

// stubExec records notify-send invocations and runs "true" instead.
func stubExec(t *testing.T) func() [][]string {
	t.Helper()
	var mu sync.Mutex
	var calls [][]string
	execCommand = func(name string, args ...string) *exec.Cmd {
		mu.Lock()
		calls = append(calls, append([]string{name}, args...))
		mu.Unlock()
		return exec.Command("true")
	}
	t.Cleanup(func() { execCommand = exec.Command })
	return func() [][]string {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { logging.Init(logging.DefaultConfig()) })
	return &buf
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind string
		want Notifier
	}{
		{"desktop", Desktop{}},
		{"log", Log{}},
		{"none", Nop{}},
		{"", Nop{}},
		{"bogus", Nop{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if got := New(tt.kind); got != tt.want {
				t.Errorf("New(%q) = %T, want %T", tt.kind, got, tt.want)
			}
		})
	}
}

func TestDesktopNotifier(t *testing.T) {
	calls := stubExec(t)
	d := Desktop{}

	d.RecordingChanged(true)
	d.RecordingChanged(false)
	d.ConnectionChanged(false)
	d.SessionEnded("https://x/a.wav")
	d.Error("microphone permission denied")

	got := calls()
	if len(got) != 5 {
		t.Fatalf("expected 5 notify-send calls, got %d", len(got))
	}
	for _, c := range got {
		if c[0] != "notify-send" {
			t.Errorf("unexpected command %v", c)
		}
	}
	if last := got[0][len(got[0])-1]; last != "Recording Started" {
		t.Errorf("first message = %q", last)
	}
	if last := got[1][len(got[1])-1]; last != "Recording Stopped" {
		t.Errorf("second message = %q", last)
	}

	errCall := strings.Join(got[4], " ")
	if !strings.Contains(errCall, "-u critical") || !strings.Contains(errCall, "microphone permission denied") {
		t.Errorf("error notification = %q", errCall)
	}
}

func TestLogNotifier(t *testing.T) {
	l := Log{}

	tests := []struct {
		name     string
		call     func()
		expected []string
	}{
		{"recording started", func() { l.RecordingChanged(true) }, []string{appName, "Recording Started"}},
		{"recording stopped", func() { l.RecordingChanged(false) }, []string{"Recording Stopped"}},
		{"connection", func() { l.ConnectionChanged(true) }, []string{"connection changed", `"connected":true`}},
		{"session ended", func() { l.SessionEnded("https://x/a.wav") }, []string{"Session Ended", "https://x/a.wav"}},
		{"error", func() { l.Error("boom") }, []string{`"level":"error"`, "boom"}},
		{"notify", func() { l.Notify("Title", "Message") }, []string{"Title: Message"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			tt.call()
			out := buf.String()
			for _, want := range tt.expected {
				if !strings.Contains(out, want) {
					t.Errorf("log output should contain %q, got: %s", want, out)
				}
			}
		})
	}
}

func TestNopNotifier(t *testing.T) {
	calls := stubExec(t)
	buf := captureLog(t)

	n := Nop{}
	n.RecordingChanged(true)
	n.ConnectionChanged(false)
	n.SessionEnded("")
	n.Error("ignored")
	n.Notify("title", "message")

	if len(calls()) != 0 || buf.Len() != 0 {
		t.Error("Nop notifier produced output")
	}
}

func TestDesktopLogsFailedSend(t *testing.T) {
	execCommand = func(name string, args ...string) *exec.Cmd {
		return exec.Command("false")
	}
	t.Cleanup(func() { execCommand = exec.Command })
	buf := captureLog(t)

	d := Desktop{}
	d.Notify("FieldVoice", "hello")
	d.Error("boom")

	out := buf.String()
	if !strings.Contains(out, "failed to send notification") {
		t.Errorf("plain notification failure not logged: %s", out)
	}
	if !strings.Contains(out, "failed to send error notification") {
		t.Errorf("error notification failure not logged: %s", out)
	}
	if strings.Count(out, `"component":"notify"`) != 2 {
		t.Errorf("expected two notify component lines: %s", out)
	}
}
