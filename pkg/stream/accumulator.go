package stream

import (
	"log/slog"
	"strings"
	"sync"

	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
)

// State is the lifecycle state of one in-flight assistant reply.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateComplete
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further input changes the reply.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateErrored
}

// Snapshot is the per-stream state exposed to renderers.
type Snapshot struct {
	MessageCode  string `json:"messageCode"`
	ChatCode     string `json:"chatCode"`
	State        string `json:"state"`
	DisplayText  string `json:"displayText"`
	IsTyping     bool   `json:"isTyping"`
	IsComplete   bool   `json:"isComplete"`
	HasError     bool   `json:"hasError"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ChunkCount   int    `json:"chunkCount"`
}

// Accumulator assembles one assistant reply from ordered chunks.
//
// Display text is the concatenation of chunk fragments, except that the most
// recent server-supplied running snapshot (CompleteText) replaces everything
// received before it. Complete and Errored are terminal: later input is
// ignored and only logged.
type Accumulator struct {
	chatCode    string
	messageCode string
	startTime   string
	log         *slog.Logger

	mu       sync.RWMutex
	state    State
	chunks   []normalize.StreamChunk
	base     string
	tail     strings.Builder
	errorMsg string
	ignored  int
}

func NewAccumulator(chatCode string, messageCode string, log *slog.Logger) *Accumulator {
	if log == nil {
		log = slog.Default()
	}
	return &Accumulator{
		chatCode:    strings.TrimSpace(chatCode),
		messageCode: strings.TrimSpace(messageCode),
		log:         log.With("component", "stream.accumulator", "message_code", strings.TrimSpace(messageCode)),
	}
}

// AddChunk appends one chunk. It reports whether the chunk was applied.
func (a *Accumulator) AddChunk(chunk normalize.StreamChunk) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Terminal() {
		a.ignored++
		a.log.Debug("Ignoring chunk after terminal state", "state", a.state.String(), "chunk_length", len(chunk.Chunk))
		return false
	}

	if a.state == StateIdle {
		a.state = StateStreaming
		if a.startTime == "" {
			a.startTime = chunk.Timestamp
		}
	}

	a.chunks = append(a.chunks, chunk)
	if chunk.CompleteText != "" {
		a.base = chunk.CompleteText
		a.tail.Reset()
		return true
	}
	a.tail.WriteString(chunk.Chunk)
	return true
}

// Complete moves the reply to its terminal complete state. A non-empty
// completeText becomes the final display text.
func (a *Accumulator) Complete(completeText string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Terminal() {
		a.ignored++
		a.log.Debug("Ignoring completion after terminal state", "state", a.state.String())
		return false
	}

	if completeText != "" {
		a.base = completeText
		a.tail.Reset()
	}
	a.state = StateComplete
	return true
}

// Fail moves the reply to its terminal error state.
func (a *Accumulator) Fail(errorMessage string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Terminal() {
		a.ignored++
		a.log.Debug("Ignoring error after terminal state", "state", a.state.String())
		return false
	}

	a.errorMsg = strings.TrimSpace(errorMessage)
	if a.errorMsg == "" {
		a.errorMsg = "response failed"
	}
	a.state = StateErrored
	return true
}

// DisplayText returns the current best text of the reply.
func (a *Accumulator) DisplayText() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.displayTextLocked()
}

func (a *Accumulator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Accumulator) MessageCode() string { return a.messageCode }

func (a *Accumulator) ChatCode() string { return a.chatCode }

// Ignored counts inputs dropped because the reply was already terminal.
func (a *Accumulator) Ignored() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ignored
}

// Chunks returns the received chunks in arrival order.
func (a *Accumulator) Chunks() []normalize.StreamChunk {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]normalize.StreamChunk(nil), a.chunks...)
}

func (a *Accumulator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Snapshot{
		MessageCode:  a.messageCode,
		ChatCode:     a.chatCode,
		State:        a.state.String(),
		DisplayText:  a.displayTextLocked(),
		IsTyping:     a.state == StateStreaming,
		IsComplete:   a.state == StateComplete,
		HasError:     a.state == StateErrored,
		ErrorMessage: a.errorMsg,
		ChunkCount:   len(a.chunks),
	}
}

// Envelope renders the accumulated state as a cumulative stream envelope.
func (a *Accumulator) Envelope() normalize.StreamEnvelope {
	a.mu.RLock()
	defer a.mu.RUnlock()

	chunks := append([]normalize.StreamChunk(nil), a.chunks...)
	if a.state == StateComplete {
		text := a.displayTextLocked()
		if normalize.StreamText(chunks) != text {
			chunks = append(chunks, normalize.StreamChunk{CompleteText: text})
		}
	}

	return normalize.StreamEnvelope{
		ChatCode:     a.chatCode,
		MessageCode:  a.messageCode,
		Chunks:       chunks,
		IsStreaming:  a.state == StateStreaming,
		IsComplete:   a.state == StateComplete,
		HasError:     a.state == StateErrored,
		ErrorMessage: a.errorMsg,
		StartTime:    a.startTime,
	}
}

// Message renders the reply as a normalized message.
func (a *Accumulator) Message() message.NormalizedMessage {
	return normalize.FromStream(a.Envelope())
}

func (a *Accumulator) displayTextLocked() string {
	return a.base + a.tail.String()
}
