package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fieldvoice/fieldvoice/internal/tui"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

// turnPrinter writes each turn once, when it becomes final. Partial turns are
// only shown in the closing transcript.
type turnPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]string
}

func newTurnPrinter(out io.Writer) *turnPrinter {
	return &turnPrinter{out: out, printed: make(map[string]string)}
}

func (p *turnPrinter) Update(ts []turns.DialogueTurn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range ts {
		if t.IsPartial {
			continue
		}
		// a persisted turn may replace the streamed one with the same text
		if prev, ok := p.printed[t.Key]; ok && prev == t.Text {
			continue
		}
		p.printed[t.Key] = t.Text
		fmt.Fprintln(p.out, tui.FormatTurn(t))
	}
}

func (p *turnPrinter) Connection(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, tui.FormatConnection(connected))
}

// Transcript prints the full snapshot under a header.
func (p *turnPrinter) Transcript(title string, ts []turns.DialogueTurn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, tui.StyleHeader.Render(title))
	fmt.Fprintln(p.out, tui.FormatTranscript(ts))
}
