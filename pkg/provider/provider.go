// Package provider selects the assistant that streams replies to local
// submissions.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatsync/pkg/config"
	"chatsync/pkg/normalize"
	"chatsync/pkg/provider/openai"
)

// Assistant streams one reply as cumulative stream envelopes.
type Assistant interface {
	Stream(ctx context.Context, chatCode string, prompt string, emit openai.EmitFunc) (normalize.StreamEnvelope, error)
}

// New returns the enabled assistant, or a nil Assistant when no provider is
// enabled.
func New(cfg *config.Config, log *slog.Logger) (Assistant, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	enabled := cfg.Providers.OpenAI.Enabled
	log.With("component", "provider.factory").Debug("Resolving assistant provider", "openai", enabled)
	if !enabled {
		return nil, nil
	}

	streamer, err := openai.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure openai provider: %w", err)
	}
	return streamer, nil
}
