package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"github.com/fieldvoice/fieldvoice/internal/metrics"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, m := range w.msgs {
		out = append(out, string(m.Key))
	}
	return out
}

var ref = protocol.SessionRef{CompanyID: "c1", VisitSessionID: "v1", TranscriptionSessionID: "t1"}

func enabledPublisher(w *fakeWriter, m *metrics.Metrics) *Publisher {
	p := New(Config{}, m)
	p.writer = w
	p.enabled = true
	p.topic = "fieldvoice.turns"
	return p
}

func snapshot(partial ...bool) []turns.DialogueTurn {
	out := make([]turns.DialogueTurn, len(partial))
	for i, isPartial := range partial {
		out[i] = turns.DialogueTurn{
			Key:       "result:r" + string(rune('a'+i)),
			Index:     int64(i),
			Speaker:   protocol.SpeakerTechnician,
			Text:      "text",
			IsPartial: isPartial,
		}
	}
	return out
}

func TestNewDisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"disabled", Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", Config{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, nil)
			if p.Enabled() {
				t.Error("expected publisher to be disabled")
			}
			if p.writer != nil {
				t.Error("expected nil writer when disabled")
			}
			if err := p.PublishLifecycle(context.Background(), ref, KindStarted, ""); err != nil {
				t.Errorf("expected no error when disabled, got %v", err)
			}
			if err := p.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}

func TestNewEnabled(t *testing.T) {
	p := New(Config{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "fieldvoice.events"}, nil)
	defer p.Close()
	if !p.Enabled() {
		t.Fatal("expected enabled publisher")
	}
	w, ok := p.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("writer is %T", p.writer)
	}
	if w.Topic != "fieldvoice.events" {
		t.Errorf("topic = %q", w.Topic)
	}
}

func TestPublishTurnsOnlyNewFinals(t *testing.T) {
	w := &fakeWriter{}
	m := metrics.New(prometheus.NewRegistry())
	p := enabledPublisher(w, m)
	ctx := context.Background()

	n, err := p.PublishTurns(ctx, ref, snapshot(false, true))
	if err != nil || n != 1 {
		t.Fatalf("first publish: n=%d err=%v", n, err)
	}

	// the partial became final and a new partial arrived
	n, err = p.PublishTurns(ctx, ref, snapshot(false, false, true))
	if err != nil || n != 1 {
		t.Fatalf("second publish: n=%d err=%v", n, err)
	}

	keys := w.keys()
	if len(keys) != 2 || keys[0] != "result:ra" || keys[1] != "result:rb" {
		t.Errorf("keys = %v", keys)
	}
	if got := promtest.ToFloat64(m.EventsPublished.WithLabelValues(string(KindTurnFinal), "success")); got != 2 {
		t.Errorf("published metric = %v, want 2", got)
	}
}

func TestPublishTurnsRetriesAfterFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := enabledPublisher(w, nil)
	ctx := context.Background()

	if _, err := p.PublishTurns(ctx, ref, snapshot(false)); err == nil {
		t.Fatal("expected error")
	}

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()

	n, err := p.PublishTurns(ctx, ref, snapshot(false))
	if err != nil || n != 1 {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}
}

func TestPublishTurnsPayload(t *testing.T) {
	w := &fakeWriter{}
	p := enabledPublisher(w, nil)

	if _, err := p.PublishTurns(context.Background(), ref, snapshot(false)); err != nil {
		t.Fatal(err)
	}

	var ev TurnEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Type != KindTurnFinal || ev.VisitSessionID != "v1" || ev.TurnKey != "result:ra" {
		t.Errorf("unexpected event %+v", ev)
	}
	if string(w.msgs[0].Headers[0].Value) != string(KindTurnFinal) {
		t.Errorf("eventType header = %q", w.msgs[0].Headers[0].Value)
	}
}

func TestForgetAllowsReexport(t *testing.T) {
	w := &fakeWriter{}
	p := enabledPublisher(w, nil)
	ctx := context.Background()

	p.PublishTurns(ctx, ref, snapshot(false))
	p.Forget(ref)
	n, _ := p.PublishTurns(ctx, ref, snapshot(false))
	if n != 1 {
		t.Errorf("expected re-export after Forget, got %d", n)
	}
}

func TestPublishLifecycleKeyedByVisit(t *testing.T) {
	w := &fakeWriter{}
	p := enabledPublisher(w, nil)

	if err := p.PublishLifecycle(context.Background(), ref, KindEnded, "manual"); err != nil {
		t.Fatal(err)
	}
	if keys := w.keys(); len(keys) != 1 || keys[0] != "v1" {
		t.Errorf("keys = %v", keys)
	}
	var ev LifecycleEvent
	json.Unmarshal(w.msgs[0].Value, &ev)
	if ev.Type != KindEnded || ev.Detail != "manual" {
		t.Errorf("unexpected event %+v", ev)
	}

	p.Close()
	if !w.closed {
		t.Error("writer not closed")
	}
}
