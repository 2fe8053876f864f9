package daemon

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldvoice/fieldvoice/internal/bus"
	"github.com/fieldvoice/fieldvoice/internal/notify"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/recorder"
	"github.com/fieldvoice/fieldvoice/internal/session"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

type fakeRecorder struct {
	mu       sync.Mutex
	ref      protocol.SessionRef
	calls    []string
	startErr error
	active   bool
	paused   bool
	stops    int
}

func (f *fakeRecorder) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeRecorder) Start(ctx context.Context, ref protocol.SessionRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if f.startErr != nil {
		return f.startErr
	}
	f.ref = ref
	f.active = true
	return nil
}

func (f *fakeRecorder) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	if !f.active {
		return recorder.ErrNotStarted
	}
	f.paused = true
	return nil
}

func (f *fakeRecorder) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume")
	f.paused = false
	return nil
}

func (f *fakeRecorder) End(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("end")
	f.active = false
	return nil
}

func (f *fakeRecorder) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("cancel")
	if !f.active {
		return recorder.ErrNotStarted
	}
	f.active = false
	return nil
}

func (f *fakeRecorder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeRecorder) Background() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("background")
}

func (f *fakeRecorder) Foreground() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("foreground")
	return true
}

func (f *fakeRecorder) Status() recorder.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := recorder.Status{
		Ref:        f.ref,
		Active:     f.active,
		Recording:  f.active,
		Paused:     f.paused,
		Turns:      2,
		TurnSource: turns.SourceStreamed,
	}
	if f.active {
		st.Connection.State = session.StateReady
	}
	return st
}

func startDaemon(t *testing.T, rec *fakeRecorder) (*Daemon, bus.Paths) {
	t.Helper()
	dir, err := os.MkdirTemp("", "fvd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	paths := bus.Paths{Dir: dir}

	d := New(rec, "c1", notify.Nop{}, paths)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(context.Background())
	}()

	// Wait for daemon to be ready by trying to connect
	maxAttempts := 50
	for i := range maxAttempts {
		if _, err := paths.SendCommand(bus.CmdVersion); err == nil {
			break
		}
		if i == maxAttempts-1 {
			t.Fatal("daemon failed to start within timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		paths.SendCommand(bus.CmdQuit)
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run() error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("daemon did not exit within timeout")
		}
	})
	return d, paths
}

func send(t *testing.T, paths bus.Paths, cmd byte, args ...string) string {
	t.Helper()
	out, err := paths.SendCommand(cmd, args...)
	if err != nil {
		t.Fatalf("command %c failed: %v", cmd, err)
	}
	return out
}

func TestRecordingLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	_, paths := startDaemon(t, rec)

	tests := []struct {
		cmd  byte
		args []string
		want string
	}{
		{bus.CmdStart, []string{"v1", "t1"}, "OK started\n"},
		{bus.CmdPause, nil, "OK paused\n"},
		{bus.CmdResume, nil, "OK resumed\n"},
		{bus.CmdBackground, nil, "OK background\n"},
		{bus.CmdForeground, nil, "OK foreground reconnecting=true\n"},
		{bus.CmdEnd, nil, "OK ended\n"},
		{bus.CmdCancel, nil, "ERR not_started\n"},
	}
	for _, tt := range tests {
		if got := send(t, paths, tt.cmd, tt.args...); got != tt.want {
			t.Errorf("command %c: got %q, want %q", tt.cmd, got, tt.want)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := protocol.SessionRef{CompanyID: "c1", VisitSessionID: "v1", TranscriptionSessionID: "t1"}
	if rec.ref != want {
		t.Errorf("ref = %+v, want %+v", rec.ref, want)
	}
	if got := strings.Join(rec.calls, ","); got != "start,pause,resume,background,foreground,end,cancel" {
		t.Errorf("calls = %s", got)
	}
}

func TestStatusReply(t *testing.T) {
	rec := &fakeRecorder{}
	_, paths := startDaemon(t, rec)

	idle := send(t, paths, bus.CmdStatus)
	if !strings.HasPrefix(idle, "STATUS active=false recording=false") {
		t.Errorf("idle status = %q", idle)
	}

	send(t, paths, bus.CmdStart, "v9")
	got := send(t, paths, bus.CmdStatus)
	for _, want := range []string{"active=true", "connection=ready", "turns=2", "source=streamed", "visit=v9"} {
		if !strings.Contains(got, want) {
			t.Errorf("status %q missing %q", got, want)
		}
	}
}

func TestCommandErrors(t *testing.T) {
	rec := &fakeRecorder{startErr: errors.New("backend unreachable\nretry later")}
	_, paths := startDaemon(t, rec)

	tests := []struct {
		name string
		cmd  byte
		args []string
		want string
	}{
		{"start without visit", bus.CmdStart, nil, "ERR usage: r <visitSessionId> [transcriptionSessionId]\n"},
		{"start failure is one line", bus.CmdStart, []string{"v1"}, "ERR start: backend unreachable retry later\n"},
		{"pause before start", bus.CmdPause, nil, "ERR not_started\n"},
		{"unknown", 'x', nil, "ERR unknown='x'\n"},
		{"version", bus.CmdVersion, nil, "STATUS proto=" + bus.ProtoVer + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := send(t, paths, tt.cmd, tt.args...); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuitStopsRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	dir, err := os.MkdirTemp("", "fvd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	paths := bus.Paths{Dir: dir}

	d := New(rec, "c1", nil, paths)
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()

	var out string
	for i := 0; i < 50; i++ {
		if out, err = paths.SendCommand(bus.CmdQuit); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if out != "OK quitting\n" {
		t.Fatalf("quit reply = %q (%v)", out, err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not exit")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.stops != 1 {
		t.Errorf("recorder stopped %d times, want 1", rec.stops)
	}
	if _, err := os.Stat(paths.Pid()); !os.IsNotExist(err) {
		t.Error("PID file left behind")
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	_, paths := startDaemon(t, &fakeRecorder{})

	other := New(&fakeRecorder{}, "c1", nil, paths)
	if err := other.Run(context.Background()); err == nil {
		t.Fatal("second daemon should refuse to start")
	}
}

type recordingNotifier struct {
	notify.Nop
	mu   sync.Mutex
	seen []string
}

func (n *recordingNotifier) add(s string) {
	n.mu.Lock()
	n.seen = append(n.seen, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) RecordingChanged(on bool) {
	if on {
		n.add("recording")
	} else {
		n.add("stopped")
	}
}

func (n *recordingNotifier) SessionEnded(string) { n.add("ended") }
func (n *recordingNotifier) Error(msg string)    { n.add("error:" + msg) }

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

func TestNotifyCallbacks(t *testing.T) {
	n := &recordingNotifier{}
	cb := NotifyCallbacks(n)

	cb.OnRecordingStateChanged(true)
	cb.OnSessionEnded("https://x/a.wav")
	cb.OnError(errors.New("mic gone"))
	cb.OnConnectionStateChange(false)

	deadline := time.Now().Add(time.Second)
	for n.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	got := strings.Join(n.seen, ",")
	for _, want := range []string{"recording", "ended", "error:mic gone"} {
		if !strings.Contains(got, want) {
			t.Errorf("notifications %q missing %q", got, want)
		}
	}
}
