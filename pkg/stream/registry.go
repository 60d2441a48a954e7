package stream

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"chatsync/pkg/normalize"
)

// Update describes what one envelope changed.
type Update struct {
	Snapshot  Snapshot
	Applied   int
	Late      int
	Started   bool
	Completed bool
	Failed    bool
}

// Registry keeps one Accumulator per message code for a single conversation.
type Registry struct {
	log *slog.Logger

	mu    sync.Mutex
	order []string
	accs  map[string]*Accumulator
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:  log,
		accs: make(map[string]*Accumulator),
	}
}

// Apply folds a stream envelope into the matching accumulator. Envelopes may
// carry the cumulative chunk list or only the new chunks; a recognisable
// re-send of chunks the accumulator already holds is not applied twice.
func (r *Registry) Apply(env normalize.StreamEnvelope) Update {
	code := strings.TrimSpace(env.MessageCode)

	r.mu.Lock()
	acc, ok := r.accs[code]
	if !ok {
		acc = NewAccumulator(env.ChatCode, code, r.log)
		if env.StartTime != "" {
			acc.startTime = env.StartTime
		}
		r.accs[code] = acc
		r.order = append(r.order, code)
	}
	r.mu.Unlock()

	wasStarted := acc.State() != StateIdle
	update := Update{}

	for _, chunk := range unseenChunks(acc.Chunks(), env.Chunks) {
		if acc.AddChunk(chunk) {
			update.Applied++
		} else {
			update.Late++
		}
	}

	switch {
	case env.HasError:
		update.Failed = acc.Fail(env.ErrorMessage)
	case env.IsComplete:
		update.Completed = acc.Complete("")
	}

	update.Started = !wasStarted && acc.State() != StateIdle
	update.Snapshot = acc.Snapshot()
	return update
}

// Get returns the accumulator for a message code.
func (r *Registry) Get(messageCode string) (*Accumulator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accs[strings.TrimSpace(messageCode)]
	return acc, ok
}

func (r *Registry) Snapshot(messageCode string) (Snapshot, bool) {
	acc, ok := r.Get(messageCode)
	if !ok {
		return Snapshot{}, false
	}
	return acc.Snapshot(), true
}

// Snapshots returns every stream in first-seen order.
func (r *Registry) Snapshots() []Snapshot {
	accs := r.accumulators()
	out := make([]Snapshot, 0, len(accs))
	for _, acc := range accs {
		out = append(out, acc.Snapshot())
	}
	return out
}

// Envelopes re-emits every stream as a cumulative envelope, ready to merge.
func (r *Registry) Envelopes() []normalize.StreamEnvelope {
	accs := r.accumulators()
	out := make([]normalize.StreamEnvelope, 0, len(accs))
	for _, acc := range accs {
		out = append(out, acc.Envelope())
	}
	return out
}

// Active lists message codes that are still streaming, sorted.
func (r *Registry) Active() []string {
	var out []string
	for _, acc := range r.accumulators() {
		if acc.State() == StateStreaming {
			out = append(out, acc.MessageCode())
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Remove(messageCode string) {
	code := strings.TrimSpace(messageCode)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accs[code]; !ok {
		return
	}
	delete(r.accs, code)
	for i, existing := range r.order {
		if existing == code {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.accs = make(map[string]*Accumulator)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accs)
}

func (r *Registry) accumulators() []*Accumulator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Accumulator, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.accs[code])
	}
	return out
}

// unseenChunks drops the prefix of incoming that the accumulator already
// holds. A longer list sharing that prefix is cumulative. A list of the same
// length is a re-send only when it can be told apart from a fresh delta: more
// than one chunk, or chunks stamped with a timestamp or completeText. A single
// bare chunk equal to the one held is a repeated fragment and is applied.
func unseenChunks(seen []normalize.StreamChunk, incoming []normalize.StreamChunk) []normalize.StreamChunk {
	if len(seen) == 0 || len(incoming) < len(seen) {
		return incoming
	}
	for i := range seen {
		if seen[i] != incoming[i] {
			return incoming
		}
	}
	if len(incoming) > len(seen) {
		return incoming[len(seen):]
	}
	if len(incoming) > 1 || stamped(incoming) {
		return nil
	}
	return incoming
}

func stamped(chunks []normalize.StreamChunk) bool {
	for _, chunk := range chunks {
		if chunk.Timestamp != "" || chunk.CompleteText != "" {
			return true
		}
	}
	return false
}
