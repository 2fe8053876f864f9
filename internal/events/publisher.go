// Package events exports finalized turns and session lifecycle changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/metrics"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

type Kind string

const (
	KindTurnFinal Kind = "turn.final"
	KindStarted   Kind = "session.started"
	KindPaused    Kind = "session.paused"
	KindResumed   Kind = "session.resumed"
	KindEnded     Kind = "session.ended"
	KindCancelled Kind = "session.cancelled"
	KindFailed    Kind = "session.failed"
)

type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// TurnEvent carries one final turn.
type TurnEvent struct {
	Type                   Kind             `json:"type"`
	CompanyID              string           `json:"companyId"`
	VisitSessionID         string           `json:"visitSessionId"`
	TranscriptionSessionID string           `json:"transcriptionSessionId,omitempty"`
	TurnKey                string           `json:"turnKey"`
	TurnIndex              int64            `json:"turnIndex"`
	Speaker                protocol.Speaker `json:"speaker"`
	Text                   string           `json:"text"`
	StartSec               float64          `json:"startSec"`
	EndSec                 float64          `json:"endSec"`
	PublishedAt            time.Time        `json:"publishedAt"`
}

type LifecycleEvent struct {
	Type                   Kind      `json:"type"`
	CompanyID              string    `json:"companyId"`
	VisitSessionID         string    `json:"visitSessionId"`
	TranscriptionSessionID string    `json:"transcriptionSessionId,omitempty"`
	Detail                 string    `json:"detail,omitempty"`
	At                     time.Time `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON events keyed by visit session (lifecycle) or turn key
// (turns). When disabled it only logs.
type Publisher struct {
	writer  messageWriter
	topic   string
	enabled bool
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	exported map[string]struct{}
}

func New(cfg Config, m *metrics.Metrics) *Publisher {
	log := logging.WithComponent("events")
	p := &Publisher{
		topic:    cfg.Topic,
		metrics:  m,
		log:      log,
		exported: make(map[string]struct{}),
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka publisher initialized")
	return p
}

func (p *Publisher) Enabled() bool {
	return p.enabled
}

// PublishTurns exports the final turns of a snapshot that were not exported
// before. A turn is remembered only once its write succeeded, so a failed
// batch is retried with the next snapshot.
func (p *Publisher) PublishTurns(ctx context.Context, ref protocol.SessionRef, snapshot []turns.DialogueTurn) (int, error) {
	now := time.Now()

	p.mu.Lock()
	var pending []turns.DialogueTurn
	for _, t := range snapshot {
		if t.IsPartial {
			continue
		}
		if _, done := p.exported[exportKey(ref, t.Key)]; done {
			continue
		}
		pending = append(pending, t)
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(pending))
	for _, t := range pending {
		msg, err := p.message(string(KindTurnFinal), t.Key, TurnEvent{
			Type:                   KindTurnFinal,
			CompanyID:              ref.CompanyID,
			VisitSessionID:         ref.VisitSessionID,
			TranscriptionSessionID: ref.TranscriptionSessionID,
			TurnKey:                t.Key,
			TurnIndex:              t.Index,
			Speaker:                t.Speaker,
			Text:                   t.Text,
			StartSec:               t.StartSec,
			EndSec:                 t.EndSec,
			PublishedAt:            now,
		})
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, msg)
	}

	if err := p.write(ctx, KindTurnFinal, msgs...); err != nil {
		return 0, err
	}

	p.mu.Lock()
	for _, t := range pending {
		p.exported[exportKey(ref, t.Key)] = struct{}{}
	}
	p.mu.Unlock()
	return len(pending), nil
}

func (p *Publisher) PublishLifecycle(ctx context.Context, ref protocol.SessionRef, kind Kind, detail string) error {
	msg, err := p.message(string(kind), ref.VisitSessionID, LifecycleEvent{
		Type:                   kind,
		CompanyID:              ref.CompanyID,
		VisitSessionID:         ref.VisitSessionID,
		TranscriptionSessionID: ref.TranscriptionSessionID,
		Detail:                 detail,
		At:                     time.Now(),
	})
	if err != nil {
		return err
	}
	return p.write(ctx, kind, msg)
}

func (p *Publisher) message(eventType, key string, event any) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	p.log.Debug().
		Str("topic", p.topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("publishing event")

	return kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
		},
	}, nil
}

func (p *Publisher) write(ctx context.Context, kind Kind, msgs ...kafka.Message) error {
	if !p.enabled || p.writer == nil {
		for range msgs {
			p.metrics.EventPublished(string(kind), nil)
		}
		return nil
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	for range msgs {
		p.metrics.EventPublished(string(kind), err)
	}
	if err != nil {
		p.log.Error().Err(err).Str("topic", p.topic).Str("type", string(kind)).Msg("failed to write to kafka")
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// Forget drops the export history of one visit so a new recording of the same
// visit starts clean.
func (p *Publisher) Forget(ref protocol.SessionRef) {
	prefix := ref.VisitSessionID + "/"
	p.mu.Lock()
	for k := range p.exported {
		if strings.HasPrefix(k, prefix) {
			delete(p.exported, k)
		}
	}
	p.mu.Unlock()
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.log.Error().Err(err).Msg("error closing kafka writer")
		return err
	}
	return nil
}

func exportKey(ref protocol.SessionRef, turnKey string) string {
	return ref.VisitSessionID + "/" + turnKey
}
