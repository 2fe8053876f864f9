package turns

import (
	"strconv"
	"sync"
	"testing"

	"github.com/fieldvoice/fieldvoice/internal/protocol"
)

func wire(index int64, resultID, text string, final bool) protocol.WireTurn {
	return protocol.WireTurn{
		ProviderResultID: resultID,
		TurnIndex:        index,
		IsFinal:          final,
		Speaker:          protocol.SpeakerTechnician,
		Text:             text,
	}
}

func indexes(ts []DialogueTurn) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = t.Index
	}
	return out
}

func TestApplyStreamedSnapshotSortsByTurnIndex(t *testing.T) {
	c := NewCache(nil)

	got := c.ApplyStreamedSnapshot([]protocol.WireTurn{
		wire(2, "r2", "two", true),
		wire(0, "r0", "zero", true),
		wire(1, "r1", "one", false),
	})

	want := []int64{0, 1, 2}
	if idx := indexes(got); len(idx) != 3 || idx[0] != want[0] || idx[1] != want[1] || idx[2] != want[2] {
		t.Fatalf("order = %v, want %v", idx, want)
	}
	if !c.CurrentTurns()[1].IsPartial {
		t.Error("turn 1 should be partial")
	}
	if c.Source() != SourceStreamed {
		t.Errorf("source = %s, want streamed", c.Source())
	}
}

func TestApplyStreamedSnapshotDropsInvalid(t *testing.T) {
	c := NewCache(nil)

	got := c.ApplyStreamedSnapshot([]protocol.WireTurn{
		wire(0, "", "no id", true),
		wire(1, "r1", "", true),
		wire(2, "r2", "ok", true),
	})

	if len(got) != 1 || got[0].ProviderResultID != "r2" {
		t.Fatalf("got %+v, want only r2", got)
	}
	for _, turn := range c.CurrentTurns() {
		if turn.Text == "" {
			t.Error("snapshot contains an empty text turn")
		}
	}
}

func TestApplyStreamedSnapshotReplacesInsteadOfMerging(t *testing.T) {
	c := NewCache(nil)

	c.ApplyStreamedSnapshot([]protocol.WireTurn{
		wire(0, "r0", "hello", true),
		wire(1, "r1", "partial guess", false),
	})
	c.ApplyStreamedSnapshot([]protocol.WireTurn{
		wire(0, "r0", "hello", true),
		wire(1, "r1b", "the final words", true),
	})

	got := c.CurrentTurns()
	if len(got) != 2 {
		t.Fatalf("got %d turns, want 2", len(got))
	}
	for _, turn := range got {
		if turn.ProviderResultID == "r1" {
			t.Error("stale partial resurrected from previous snapshot")
		}
	}
}

func TestApplyStreamedSnapshotTurnIDSupersedesResultID(t *testing.T) {
	c := NewCache(nil)
	id := int64(77)

	persisted := wire(3, "r3", "final text", true)
	persisted.TurnID = &id

	got := c.ApplyStreamedSnapshot([]protocol.WireTurn{
		wire(3, "r3", "provisional", false),
		persisted,
	})

	if len(got) != 1 {
		t.Fatalf("got %d turns, want 1: %+v", len(got), got)
	}
	if got[0].Key != "turn:77" || got[0].Text != "final text" {
		t.Errorf("turn = %+v", got[0])
	}
}

func TestApplyStreamedSnapshotKeepsLatestDuplicate(t *testing.T) {
	c := NewCache(nil)

	older := wire(0, "r0", "old", false)
	older.UpdatedAtMs = 1000
	newer := wire(0, "r0", "new", true)
	newer.UpdatedAtMs = 2000

	got := c.ApplyStreamedSnapshot([]protocol.WireTurn{newer, older})
	if len(got) != 1 || got[0].Text != "new" {
		t.Fatalf("got %+v, want the newer duplicate", got)
	}
}

func TestReconciliationPriority(t *testing.T) {
	c := NewCache(nil)

	persisted := []PersistedTurn{
		{ID: 1, ProviderResultID: "r0", TurnIndex: 0, Speaker: "customer", Text: "committed zero"},
		{ID: 2, ProviderResultID: "r1", TurnIndex: 1, Speaker: "technician", Text: "committed one"},
	}

	t.Run("persisted fills before streaming", func(t *testing.T) {
		c.ApplyPersistedTurns(persisted)
		if c.Source() != SourcePersisted {
			t.Fatalf("source = %s, want persisted", c.Source())
		}
		if c.CurrentTurns()[0].IsPartial {
			t.Error("persisted turns are never partial")
		}
	})

	t.Run("streamed wins while active", func(t *testing.T) {
		c.ApplyStreamedSnapshot([]protocol.WireTurn{wire(0, "r0", "live zero", false)})
		if c.Source() != SourceStreamed {
			t.Fatalf("source = %s, want streamed", c.Source())
		}
		c.ApplyPersistedTurns(persisted)
		if c.Source() != SourceStreamed {
			t.Errorf("a late persisted fetch must not replace live data while active")
		}
	})

	t.Run("persisted wins once completed", func(t *testing.T) {
		c.MarkCompleted()
		if c.Source() != SourcePersisted {
			t.Fatalf("source = %s, want persisted", c.Source())
		}
		c.ApplyStreamedSnapshot([]protocol.WireTurn{wire(0, "r0", "late partial", false)})
		got := c.CurrentTurns()
		if len(got) != 2 || got[0].Text != "committed zero" {
			t.Errorf("got %+v, want persisted turns", got)
		}
	})

	t.Run("reset", func(t *testing.T) {
		c.Reset()
		if c.Source() != SourceNone || len(c.CurrentTurns()) != 0 || c.Completed() {
			t.Error("reset should clear all state")
		}
	})
}

func TestCompletedWithoutPersistedKeepsStream(t *testing.T) {
	c := NewCache(nil)
	c.ApplyStreamedSnapshot([]protocol.WireTurn{wire(0, "r0", "only live", true)})
	c.MarkCompleted()

	if c.Source() != SourceStreamed || len(c.CurrentTurns()) != 1 {
		t.Errorf("completed session without persisted turns should keep streamed data")
	}
}

func TestFinalTurns(t *testing.T) {
	c := NewCache(nil)
	c.ApplyStreamedSnapshot([]protocol.WireTurn{
		wire(0, "r0", "done", true),
		wire(1, "r1", "typing", false),
	})

	finals := c.FinalTurns()
	if len(finals) != 1 || finals[0].ProviderResultID != "r0" {
		t.Errorf("FinalTurns() = %+v", finals)
	}
}

func TestSubscribe(t *testing.T) {
	c := NewCache(nil)

	var mu sync.Mutex
	var seen [][]DialogueTurn
	unsubscribe := c.Subscribe(func(ts []DialogueTurn) {
		mu.Lock()
		seen = append(seen, ts)
		mu.Unlock()
	})

	c.ApplyStreamedSnapshot([]protocol.WireTurn{wire(0, "r0", "a", true)})
	c.ApplyStreamedSnapshot([]protocol.WireTurn{wire(0, "r0", "a", true), wire(1, "r1", "b", true)})
	unsubscribe()
	c.ApplyStreamedSnapshot(nil)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("got %d notifications, want 2", len(seen))
	}
	if len(seen[1]) != 2 {
		t.Errorf("second snapshot has %d turns, want 2", len(seen[1]))
	}
}

func TestConcurrentReadersSeeCompleteSnapshots(t *testing.T) {
	c := NewCache(nil)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 200; i++ {
			batch := make([]protocol.WireTurn, 0, i+1)
			for j := i; j >= 0; j-- {
				batch = append(batch, wire(j, "r"+strconv.FormatInt(j, 10), "x", true))
			}
			c.ApplyStreamedSnapshot(batch)
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		snap := c.CurrentTurns()
		for i := 1; i < len(snap); i++ {
			if snap[i-1].Index > snap[i].Index {
				t.Fatalf("snapshot out of order at %d", i)
			}
		}
	}
}
