package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/channel"
	"chatsync/pkg/conversation"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
	"chatsync/pkg/pending"
	"chatsync/pkg/stream"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ingestSource = "gateway"
	maxBodyBytes = 4 << 20
)

type viewResponse struct {
	ChatCode string                      `json:"chatCode"`
	Revision uint64                      `json:"revision"`
	Messages []message.NormalizedMessage `json:"messages"`
	Streams  []stream.Snapshot           `json:"streams"`
}

type submitRequest struct {
	Text        string               `json:"text"`
	Attachments []message.Attachment `json:"attachments,omitempty"`
	// Source names the transport that delivers the message. Empty keeps it
	// local to the gateway.
	Source string `json:"source,omitempty"`
	// Reply asks the configured assistant to answer the message.
	Reply bool `json:"reply,omitempty"`
}

type submitResponse struct {
	Message message.NormalizedMessage `json:"message"`
	Error   string                    `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the gateway HTTP routes.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/chats", s.listChats).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{chatCode}", s.closeChat).Methods(http.MethodDelete)
	v1.HandleFunc("/chats/{chatCode}/messages", s.getMessages).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{chatCode}/messages", s.postMessage).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{chatCode}/messages/{id}/retry", s.retryMessage).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{chatCode}/messages/{id}", s.cancelMessage).Methods(http.MethodDelete)
	v1.HandleFunc("/chats/{chatCode}/events", s.postEvents).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{chatCode}/streams/{messageCode}", s.getStream).Methods(http.MethodGet)
	return r
}

func (s *Service) listChats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"chats": s.manager.ChatCodes()})
}

func (s *Service) closeChat(w http.ResponseWriter, r *http.Request) {
	chatCode := mux.Vars(r)["chatCode"]
	if !s.manager.Close(chatCode) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", conversation.ErrUnknownChat, chatCode))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) getMessages(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Lookup(mux.Vars(r)["chatCode"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view(session))
}

func (s *Service) postMessage(w http.ResponseWriter, r *http.Request) {
	chatCode := mux.Vars(r)["chatCode"]

	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub := normalize.Submission{Text: req.Text, Attachments: req.Attachments}
	msg, err := s.worker.Submit(r.Context(), strings.TrimSpace(req.Source), chatCode, sub)
	if msg.ID.IsZero() && err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err != nil {
		if session, ok := s.manager.Get(chatCode); ok {
			msg = pendingByID(session, msg)
		}
		writeJSON(w, http.StatusBadGateway, submitResponse{Message: msg, Error: err.Error()})
		return
	}

	if req.Reply && s.assistant != nil {
		s.reply(msg.ChatCode, msg.Text)
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Message: msg})
}

func (s *Service) retryMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	source := strings.TrimSpace(r.URL.Query().Get("source"))

	msg, err := s.worker.Retry(r.Context(), source, vars["chatCode"], message.ID(vars["id"]))
	if msg.ID.IsZero() && err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, submitResponse{Message: msg, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Message: msg})
}

func (s *Service) cancelMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, err := s.manager.Lookup(vars["chatCode"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := session.Cancel(message.ID(vars["id"])); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view(session))
}

// postEvents ingests one tagged record or a JSON array of them.
func (s *Service) postEvents(w http.ResponseWriter, r *http.Request) {
	chatCode := mux.Vars(r)["chatCode"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	records, err := decodeRecords(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	for i, rec := range records {
		err := s.worker.Apply(r.Context(), bus.InboundRecord{
			Source:     ingestSource,
			ChatCode:   chatCode,
			Record:     rec,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			writeError(w, statusFor(err), fmt.Errorf("record %d: %w", i, err))
			return
		}
	}

	session, err := s.manager.Lookup(chatCode)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view(session))
}

func (s *Service) getStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, err := s.manager.Lookup(vars["chatCode"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snapshot, ok := session.StreamState(vars["messageCode"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream %q not found", vars["messageCode"]))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// reply streams an assistant answer into the chat through the bus.
func (s *Service) reply(chatCode string, prompt string) {
	sink := channel.BusSink(s.bus, assistantSource)
	s.replies.Add(1)
	go func() {
		defer s.replies.Done()
		ctx := s.lifetime
		_, err := s.assistant.Stream(ctx, chatCode, prompt, func(env normalize.StreamEnvelope) error {
			return sink(ctx, env)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("Assistant reply failed", "chat_code", chatCode, "error", err)
		}
	}()
}

func view(session *conversation.Session) viewResponse {
	messages, streams, revision := session.Snapshot()
	if messages == nil {
		messages = []message.NormalizedMessage{}
	}
	if streams == nil {
		streams = []stream.Snapshot{}
	}
	return viewResponse{
		ChatCode: session.ChatCode(),
		Revision: revision,
		Messages: messages,
		Streams:  streams,
	}
}

// pendingByID returns the tracked state of msg, which may have been marked
// failed after it was returned.
func pendingByID(session *conversation.Session, msg message.NormalizedMessage) message.NormalizedMessage {
	for _, entry := range session.Pending() {
		if entry.ID == msg.ID {
			return entry
		}
	}
	return msg
}

func decodeRecords(body []byte) ([]normalize.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("request body is empty")
	}

	if trimmed[0] != '[' {
		rec, err := normalize.DecodeRecord(trimmed)
		if err != nil {
			return nil, err
		}
		return []normalize.Record{rec}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	records := make([]normalize.Record, 0, len(raw))
	for i, item := range raw {
		rec, err := normalize.DecodeRecord(item)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrUnknownChat), errors.Is(err, pending.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrWrongChat):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrEmptySubmission), errors.Is(err, conversation.ErrNoChat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
