// Package turns keeps the ordered, deduplicated view of dialogue turns shared
// by the recorder and the viewer.
//
// Every update re-derives a complete snapshot which is published through an
// atomic pointer. Readers never observe a partially applied update and never
// need a lock.
package turns

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldvoice/fieldvoice/internal/metrics"
	"github.com/fieldvoice/fieldvoice/internal/protocol"
)

// Source tells where the current snapshot came from.
type Source string

const (
	SourceNone      Source = "none"
	SourceStreamed  Source = "streamed"
	SourcePersisted Source = "persisted"
)

// DialogueTurn is the client-facing projection used by both recorder and viewer.
type DialogueTurn struct {
	Key              string
	TurnID           *int64
	ProviderResultID string
	Index            int64
	Speaker          protocol.Speaker
	Text             string
	StartSec         float64
	EndSec           float64
	Words            []protocol.WordTimestamp
	IsPartial        bool
	UpdatedAt        time.Time
}

// PersistedTurn is a committed turn as returned by the turns-by-session lookup.
type PersistedTurn struct {
	ID                     int64                    `json:"id"`
	VisitSessionID         string                   `json:"visit_session_id"`
	TranscriptionSessionID string                   `json:"transcription_session_id"`
	ProviderResultID       string                   `json:"provider_result_id"`
	TurnIndex              int64                    `json:"turn_index"`
	Speaker                string                   `json:"speaker"`
	Text                   string                   `json:"text"`
	StartSec               float64                  `json:"start_sec"`
	EndSec                 float64                  `json:"end_sec"`
	WordTimestamps         []protocol.WordTimestamp `json:"word_timestamps"`
	UpdatedAt              time.Time                `json:"updated_at"`
}

type snapshot struct {
	turns  []DialogueTurn
	source Source
}

// Cache reconciles streamed snapshots with persisted turns.
//
// While the session is active the streamed snapshot wins whenever one exists;
// persisted turns only fill the view before streaming data arrives. Once the
// session is marked completed, persisted turns win because they carry the
// backend's committed speaker attribution and word timings.
type Cache struct {
	mu        sync.Mutex // serialises writers
	streamed  []DialogueTurn
	hasStream bool
	persisted []DialogueTurn
	completed bool

	current atomic.Pointer[snapshot]

	notifyMu sync.Mutex
	subs     map[int]func([]DialogueTurn)
	nextSub  int

	metrics *metrics.Metrics
}

func NewCache(m *metrics.Metrics) *Cache {
	c := &Cache{
		subs:    make(map[int]func([]DialogueTurn)),
		metrics: m,
	}
	c.current.Store(&snapshot{source: SourceNone})
	return c
}

// ApplyStreamedSnapshot replaces the streamed view with turns. The previous
// streamed snapshot is discarded, never merged, so stale partials cannot
// resurface.
func (c *Cache) ApplyStreamedSnapshot(turns []protocol.WireTurn) []DialogueTurn {
	// a provider result that has been persisted may briefly appear twice;
	// the entry carrying the turn id supersedes the provisional one
	byResult := make(map[string]DialogueTurn, len(turns))
	for _, t := range turns {
		if !t.Valid() {
			continue
		}
		dt := fromWire(t)
		if prev, ok := byResult[dt.ProviderResultID]; ok && !supersedes(dt, prev) {
			continue
		}
		byResult[dt.ProviderResultID] = dt
	}

	byKey := make(map[string]DialogueTurn, len(byResult))
	for _, dt := range byResult {
		if prev, ok := byKey[dt.Key]; ok && !supersedes(dt, prev) {
			continue
		}
		byKey[dt.Key] = dt
	}

	next := make([]DialogueTurn, 0, len(byKey))
	for _, dt := range byKey {
		next = append(next, dt)
	}
	sortTurns(next)

	c.mu.Lock()
	c.streamed = next
	c.hasStream = true
	c.publishLocked()
	c.mu.Unlock()

	return c.notify()
}

// ApplyPersistedTurns installs the committed turns of a session.
func (c *Cache) ApplyPersistedTurns(turns []PersistedTurn) []DialogueTurn {
	next := make([]DialogueTurn, 0, len(turns))
	for _, t := range turns {
		next = append(next, fromPersisted(t))
	}
	sortTurns(next)

	c.mu.Lock()
	c.persisted = next
	c.publishLocked()
	c.mu.Unlock()

	return c.notify()
}

// MarkCompleted records that the session has ended; persisted turns take
// precedence from now on.
func (c *Cache) MarkCompleted() {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	changed := c.publishLocked()
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// Completed reports whether MarkCompleted has been called since the last Reset.
func (c *Cache) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Reset clears all state for a new session.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.streamed = nil
	c.hasStream = false
	c.persisted = nil
	c.completed = false
	c.current.Store(&snapshot{source: SourceNone})
	c.mu.Unlock()
}

// CurrentTurns returns the current ordered snapshot. The slice is shared and
// must be treated as read-only.
func (c *Cache) CurrentTurns() []DialogueTurn {
	return c.current.Load().turns
}

// Source returns where the current snapshot came from.
func (c *Cache) Source() Source {
	return c.current.Load().source
}

// FinalTurns returns the non-partial turns of the current snapshot.
func (c *Cache) FinalTurns() []DialogueTurn {
	all := c.CurrentTurns()
	out := make([]DialogueTurn, 0, len(all))
	for _, t := range all {
		if !t.IsPartial {
			out = append(out, t)
		}
	}
	return out
}

// Subscribe registers fn to receive every published snapshot. fn runs on the
// writer's goroutine and must not block. The returned func unregisters it.
func (c *Cache) Subscribe(fn func([]DialogueTurn)) func() {
	c.notifyMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.notifyMu.Unlock()

	return func() {
		c.notifyMu.Lock()
		delete(c.subs, id)
		c.notifyMu.Unlock()
	}
}

// publishLocked derives and stores the effective snapshot. It reports whether
// the published slice changed. Must be called with mu held.
func (c *Cache) publishLocked() bool {
	var next *snapshot
	switch {
	case c.completed && len(c.persisted) > 0:
		next = &snapshot{turns: c.persisted, source: SourcePersisted}
	case c.hasStream:
		next = &snapshot{turns: c.streamed, source: SourceStreamed}
	case len(c.persisted) > 0:
		next = &snapshot{turns: c.persisted, source: SourcePersisted}
	default:
		next = &snapshot{source: SourceNone}
	}

	prev := c.current.Load()
	c.current.Store(next)
	c.metrics.SnapshotApplied(len(next.turns))
	return prev.source != next.source || len(prev.turns) != len(next.turns) ||
		(len(next.turns) > 0 && &prev.turns[0] != &next.turns[0])
}

// notify delivers the latest snapshot, loaded under notifyMu so subscribers
// never see an older snapshot after a newer one.
func (c *Cache) notify() []DialogueTurn {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	turns := c.current.Load().turns
	for _, fn := range c.subs {
		fn(turns)
	}
	return turns
}

// supersedes reports whether candidate should replace prev for the same identity.
func supersedes(candidate, prev DialogueTurn) bool {
	if (candidate.TurnID != nil) != (prev.TurnID != nil) {
		return candidate.TurnID != nil
	}
	return !prev.UpdatedAt.After(candidate.UpdatedAt)
}

func sortTurns(ts []DialogueTurn) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Index != ts[j].Index {
			return ts[i].Index < ts[j].Index
		}
		return ts[i].Key < ts[j].Key
	})
}

func fromWire(t protocol.WireTurn) DialogueTurn {
	var updated time.Time
	if t.UpdatedAtMs > 0 {
		updated = time.UnixMilli(t.UpdatedAtMs)
	}
	return DialogueTurn{
		Key:              t.Key(),
		TurnID:           t.TurnID,
		ProviderResultID: t.ProviderResultID,
		Index:            t.TurnIndex,
		Speaker:          protocol.NormalizeSpeaker(string(t.Speaker)),
		Text:             t.Text,
		StartSec:         t.StartSec,
		EndSec:           t.EndSec,
		Words:            t.WordTimestamps,
		IsPartial:        !t.IsFinal,
		UpdatedAt:        updated,
	}
}

func fromPersisted(t PersistedTurn) DialogueTurn {
	id := t.ID
	return DialogueTurn{
		Key:              "turn:" + strconv.FormatInt(t.ID, 10),
		TurnID:           &id,
		ProviderResultID: t.ProviderResultID,
		Index:            t.TurnIndex,
		Speaker:          protocol.NormalizeSpeaker(t.Speaker),
		Text:             t.Text,
		StartSec:         t.StartSec,
		EndSec:           t.EndSec,
		Words:            t.WordTimestamps,
		IsPartial:        false,
		UpdatedAt:        t.UpdatedAt,
	}
}
