package normalize

import "chatsync/pkg/message"

// Kind tags the wire shape a Record was decoded from.
type Kind string

const (
	KindHistory Kind = "history"
	KindLive    Kind = "live"
	KindStream  Kind = "stream"
)

// Record is one raw message record delivered by a history fetch or by the
// live connection. It is implemented by HistoryRecord, LiveEnvelope and
// StreamEnvelope only.
type Record interface {
	Kind() Kind
	ChatKey() string
}

// AttachmentRecord is the raw attachment shape. Servers have used both
// url/name and fileUrl/fileName spellings.
type AttachmentRecord struct {
	URL      string `json:"url,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	Name     string `json:"name,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Type     string `json:"type,omitempty"`
}

// HistoryRecord is one message from a REST history page.
type HistoryRecord struct {
	ID               message.ID         `json:"id"`
	ChatCode         string             `json:"chatCode"`
	MessageText      string             `json:"messageText"`
	SenderType       string             `json:"senderType"`
	CreateDate       string             `json:"createDate"`
	ChatAttachments  []AttachmentRecord `json:"chatAttachments,omitempty"`
	ReplyToMessageID message.ID         `json:"replyToMessageId,omitempty"`
	Status           string             `json:"status,omitempty"`
	ChatInfoID       message.ID         `json:"chatInfoId,omitempty"`
}

func (HistoryRecord) Kind() Kind { return KindHistory }

func (r HistoryRecord) ChatKey() string { return r.ChatCode }

// LiveEnvelope is a message pushed over the live connection. It has the
// history shape and may embed the server's echo of the local user's own
// message.
type LiveEnvelope struct {
	HistoryRecord
	UserChatMessage *HistoryRecord `json:"userChatMessage,omitempty"`
}

func (LiveEnvelope) Kind() Kind { return KindLive }

func (e LiveEnvelope) ChatKey() string {
	if e.ChatCode == "" && e.UserChatMessage != nil {
		return e.UserChatMessage.ChatCode
	}
	return e.ChatCode
}

// StreamChunk is one incremental fragment of an assistant reply. CompleteText,
// when present, is the server's running snapshot of the whole reply so far.
type StreamChunk struct {
	Chunk        string `json:"chunk"`
	CompleteText string `json:"completeText,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// StreamEnvelope carries the progress of one in-flight assistant reply.
type StreamEnvelope struct {
	ChatCode     string        `json:"chatCode"`
	MessageCode  string        `json:"messageCode"`
	Chunks       []StreamChunk `json:"chunks"`
	IsStreaming  bool          `json:"isStreaming"`
	IsComplete   bool          `json:"isComplete"`
	HasError     bool          `json:"hasError"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	StartTime    string        `json:"startTime,omitempty"`
}

func (StreamEnvelope) Kind() Kind { return KindStream }

func (e StreamEnvelope) ChatKey() string { return e.ChatCode }

// Submission is a message typed by the local user before any server round-trip.
type Submission struct {
	Text        string               `json:"text"`
	Attachments []message.Attachment `json:"attachments,omitempty"`
}
