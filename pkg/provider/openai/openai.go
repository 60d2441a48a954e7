// Package openai produces assistant replies as stream envelopes using the
// OpenAI Responses streaming API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"chatsync/pkg/config"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"

	"github.com/google/uuid"
	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const defaultModel = "gpt-5-mini"

// EmitFunc receives every envelope produced while a reply streams. Returning
// an error aborts the stream.
type EmitFunc func(normalize.StreamEnvelope) error

// Streamer turns one prompt into a sequence of cumulative stream envelopes.
type Streamer struct {
	client         osdk.Client
	model          string
	instructions   string
	requestTimeout time.Duration
	now            func() time.Time
	newCode        func() string
	log            *slog.Logger
}

func New(cfg *config.Config, log *slog.Logger) (*Streamer, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := normalizeModel(providerCfg.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	if log == nil {
		log = slog.Default()
	}

	return &Streamer{
		client:         osdk.NewClient(opts...),
		model:          model,
		instructions:   strings.TrimSpace(providerCfg.Instructions),
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
		now:            time.Now,
		newCode:        newMessageCode,
		log:            log.With("component", "provider.openai"),
	}, nil
}

// Stream sends prompt and emits one envelope per text delta, each carrying
// the running completeText, followed by a terminal complete or error
// envelope. The terminal envelope is also returned. Provider failures are
// reported through the error envelope; the returned error is non-nil only
// when emit fails or the arguments are invalid.
func (s *Streamer) Stream(ctx context.Context, chatCode string, prompt string, emit EmitFunc) (normalize.StreamEnvelope, error) {
	chatCode = strings.TrimSpace(chatCode)
	if chatCode == "" {
		return normalize.StreamEnvelope{}, errors.New("chat code is required")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return normalize.StreamEnvelope{}, errors.New("prompt is required")
	}
	if emit == nil {
		emit = func(normalize.StreamEnvelope) error { return nil }
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b := newEnvelopeBuilder(chatCode, s.newCode(), s.now)
	log := s.log.With("chat_code", chatCode, "message_code", b.env.MessageCode)
	startedAt := time.Now()
	log.Debug("provider request started", "model", s.model, "prompt_length", len(prompt))

	params := responses.ResponseNewParams{
		Model: s.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
	}
	if s.instructions != "" {
		params.Instructions = osdk.String(s.instructions)
	}

	stream := s.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.AsResponseOutputTextDelta().Delta
			if delta == "" {
				continue
			}
			if err := emit(b.chunk(delta)); err != nil {
				return b.fail("stream aborted"), fmt.Errorf("emit chunk: %w", err)
			}
		case "response.completed":
			log.Debug("provider request completed",
				"duration_ms", time.Since(startedAt).Milliseconds(),
				"response_id", strings.TrimSpace(event.Response.ID),
				"response_length", len(b.text.String()),
			)
			return s.finish(b.complete(), emit)
		case "response.failed", "response.incomplete":
			msg := strings.TrimSpace(event.Response.Error.Message)
			if msg == "" {
				msg = "response " + strings.TrimPrefix(event.Type, "response.")
			}
			log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", msg)
			return s.finish(b.fail(msg), emit)
		case "error":
			msg := strings.TrimSpace(event.AsError().Message)
			log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", msg)
			return s.finish(b.fail(msg), emit)
		}
	}

	if err := stream.Err(); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return s.finish(b.fail(err.Error()), emit)
	}

	// The server closed the stream without a terminal event.
	log.Warn("provider stream ended without completion", "response_length", len(b.text.String()))
	return s.finish(b.complete(), emit)
}

func (s *Streamer) finish(env normalize.StreamEnvelope, emit EmitFunc) (normalize.StreamEnvelope, error) {
	if err := emit(env); err != nil {
		return env, fmt.Errorf("emit terminal envelope: %w", err)
	}
	return env, nil
}

func (s *Streamer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.requestTimeout)
}

// envelopeBuilder accumulates deltas into cumulative envelopes.
type envelopeBuilder struct {
	env  normalize.StreamEnvelope
	text strings.Builder
	now  func() time.Time
}

func newEnvelopeBuilder(chatCode string, messageCode string, now func() time.Time) *envelopeBuilder {
	return &envelopeBuilder{
		env: normalize.StreamEnvelope{
			ChatCode:    chatCode,
			MessageCode: messageCode,
			IsStreaming: true,
			StartTime:   message.FormatTimestamp(now()),
		},
		now: now,
	}
}

func (b *envelopeBuilder) chunk(delta string) normalize.StreamEnvelope {
	b.text.WriteString(delta)
	b.env.Chunks = append(b.env.Chunks, normalize.StreamChunk{
		Chunk:        delta,
		CompleteText: b.text.String(),
		Timestamp:    message.FormatTimestamp(b.now()),
	})
	return b.snapshot()
}

func (b *envelopeBuilder) complete() normalize.StreamEnvelope {
	b.env.IsStreaming = false
	b.env.IsComplete = true
	return b.snapshot()
}

func (b *envelopeBuilder) fail(msg string) normalize.StreamEnvelope {
	if strings.TrimSpace(msg) == "" {
		msg = "response failed"
	}
	b.env.IsStreaming = false
	b.env.HasError = true
	b.env.ErrorMessage = msg
	return b.snapshot()
}

func (b *envelopeBuilder) snapshot() normalize.StreamEnvelope {
	out := b.env
	out.Chunks = append([]normalize.StreamChunk(nil), b.env.Chunks...)
	return out
}

func newMessageCode() string {
	return "oa-" + uuid.NewString()
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return defaultModel, nil
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
