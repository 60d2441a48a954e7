package stream

import (
	"context"
	"sync"
	"time"
)

const DefaultTypewriterStep = 3

// Typewriter reveals an accumulator's text a few runes per tick. It is purely
// cosmetic: once the reply is terminal the full text is visible immediately.
type Typewriter struct {
	acc  *Accumulator
	step int

	mu       sync.Mutex
	revealed int
}

func NewTypewriter(acc *Accumulator, step int) *Typewriter {
	if step <= 0 {
		step = DefaultTypewriterStep
	}
	return &Typewriter{acc: acc, step: step}
}

// Tick advances the reveal and reports whether more text remains hidden.
func (t *Typewriter) Tick() bool {
	total := len([]rune(t.acc.DisplayText()))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.revealed < total {
		t.revealed += t.step
		if t.revealed > total {
			t.revealed = total
		}
	}
	return t.revealed < total
}

// Visible returns the currently revealed prefix.
func (t *Typewriter) Visible() string {
	text := t.acc.DisplayText()
	if t.acc.State().Terminal() {
		return text
	}

	runes := []rune(text)
	t.mu.Lock()
	n := t.revealed
	t.mu.Unlock()
	if n >= len(runes) {
		return text
	}
	return string(runes[:n])
}

// Done reports whether the reply is terminal.
func (t *Typewriter) Done() bool {
	return t.acc.State().Terminal()
}

// Run ticks every interval, calling onFrame with the visible text, until the
// context is cancelled or the reply is terminal.
func (t *Typewriter) Run(ctx context.Context, interval time.Duration, onFrame func(string)) {
	if interval <= 0 {
		interval = 30 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
			if onFrame != nil {
				onFrame(t.Visible())
			}
			if t.Done() {
				return
			}
		}
	}
}
