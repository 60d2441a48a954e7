package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind is returned when a tagged record names no known wire shape.
var ErrUnknownKind = errors.New("unknown record kind")

// taggedRecord is the on-disk and on-wire framing of a Record.
type taggedRecord struct {
	Kind   Kind            `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// DecodeRecord decodes one tagged record, e.g.
// {"kind":"live","record":{"id":1,"chatCode":"c1","messageText":"hi"}}.
func DecodeRecord(data []byte) (Record, error) {
	var tagged taggedRecord
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("decode tagged record: %w", err)
	}
	if len(tagged.Record) == 0 {
		return nil, errors.New("tagged record has no payload")
	}

	switch Kind(strings.ToLower(strings.TrimSpace(string(tagged.Kind)))) {
	case KindHistory:
		var rec HistoryRecord
		if err := json.Unmarshal(tagged.Record, &rec); err != nil {
			return nil, fmt.Errorf("decode history record: %w", err)
		}
		return rec, nil
	case KindLive:
		var env LiveEnvelope
		if err := json.Unmarshal(tagged.Record, &env); err != nil {
			return nil, fmt.Errorf("decode live envelope: %w", err)
		}
		return env, nil
	case KindStream:
		var env StreamEnvelope
		if err := json.Unmarshal(tagged.Record, &env); err != nil {
			return nil, fmt.Errorf("decode stream envelope: %w", err)
		}
		return env, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tagged.Kind)
	}
}

// EncodeRecord frames rec as a single tagged JSON document.
func EncodeRecord(rec Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("record is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", rec.Kind(), err)
	}
	return json.Marshal(taggedRecord{Kind: rec.Kind(), Record: payload})
}

// DecodeHistoryPage decodes a REST history page. Both a bare array and an
// object with a "messages" array are accepted.
func DecodeHistoryPage(data []byte) ([]HistoryRecord, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var page []HistoryRecord
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode history page: %w", err)
		}
		return page, nil
	}

	var wrapped struct {
		Messages []HistoryRecord `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}
	return wrapped.Messages, nil
}
