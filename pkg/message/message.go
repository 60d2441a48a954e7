package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderUser   SenderKind = "user"
	SenderBot    SenderKind = "bot"
	SenderSystem SenderKind = "system"
)

// Status is the delivery state of a message as seen by the local client.
type Status string

const (
	StatusSent    Status = "sent"
	StatusPending Status = "pending"
	StatusError   Status = "error"
)

// ID is a message identifier as delivered by the server or assigned locally.
// Server ids are numeric; temporary and streaming ids are not. The zero value
// means the id has not been assigned yet.
type ID string

// NumericID builds an ID from a server-assigned integer.
func NumericID(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// Numeric reports the integer value of a server-persisted id.
func (id ID) Numeric() (int64, bool) {
	raw := strings.TrimSpace(string(id))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// UnmarshalJSON accepts ids encoded as JSON numbers, strings, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Attachment is one file attached to a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// NormalizedMessage is the canonical record the reconciliation pipeline works on.
type NormalizedMessage struct {
	ID           ID           `json:"id"`
	ChatCode     string       `json:"chatCode"`
	Text         string       `json:"text"`
	IsOutbound   bool         `json:"isOutbound"`
	CreatedAtISO string       `json:"createdAtIso,omitempty"`
	SortKey      int64        `json:"sortKey"`
	SenderKind   SenderKind   `json:"senderKind"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	ReplyToID    ID           `json:"replyToId,omitempty"`
	Status       Status       `json:"status"`

	IsStreaming  bool   `json:"isStreaming,omitempty"`
	IsComplete   bool   `json:"isComplete,omitempty"`
	HasError     bool   `json:"hasError,omitempty"`
	PartialText  string `json:"partialText,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// IsActiveStream reports whether the message is an assistant reply that is
// still being generated.
func (m NormalizedMessage) IsActiveStream() bool {
	return m.IsStreaming && !m.IsComplete && !m.HasError
}

// IsTransient reports whether the message only exists on this client so far.
func (m NormalizedMessage) IsTransient() bool {
	_, numeric := m.ID.Numeric()
	return !numeric
}

// ParseSenderKind maps server sender labels onto a SenderKind.
func ParseSenderKind(raw string) SenderKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "customer", "human", "me":
		return SenderUser
	case "bot", "assistant", "ai", "agent":
		return SenderBot
	default:
		return SenderSystem
	}
}

// ParseStatus maps server status labels onto a Status. Server records without
// a status are treated as sent.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "sending", "queued":
		return StatusPending
	case "error", "failed", "fail":
		return StatusError
	default:
		return StatusSent
	}
}

// Clone returns a copy that shares no slices with m.
func (m NormalizedMessage) Clone() NormalizedMessage {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}
