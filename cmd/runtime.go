package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/pkg/channel"
	"chatsync/pkg/channel/replay"
	"chatsync/pkg/channel/telegram"
	"chatsync/pkg/config"
	"chatsync/pkg/conversation"
	"chatsync/pkg/history"
)

const (
	telegramSourceName = "telegram"
	replaySourceName   = "replay"
)

// historyCache is the opened history store plus its retention scheduler.
// Both are nil when history caching is disabled.
type historyCache struct {
	store     *history.Store
	retention *history.Retention
}

// Cache returns the store as a HistoryCache, or a nil interface when caching
// is off.
func (h historyCache) Cache() conversation.HistoryCache {
	if h.store == nil {
		return nil
	}
	return h.store
}

func (h historyCache) Close() error {
	return h.store.Close()
}

func openHistory(cfg config.HistoryConfig, log *slog.Logger) (historyCache, error) {
	if !cfg.Enabled {
		return historyCache{}, nil
	}

	path, err := history.ResolvePath(cfg.Path)
	if err != nil {
		return historyCache{}, err
	}
	store, err := history.Open(path)
	if err != nil {
		return historyCache{}, fmt.Errorf("open history cache: %w", err)
	}

	var retention *history.Retention
	if maxAge := cfg.MaxAge(); maxAge > 0 {
		retention, err = history.NewRetention(store, cfg.PruneCron, maxAge, log)
		if err != nil {
			_ = store.Close()
			return historyCache{}, err
		}
	}

	return historyCache{store: store, retention: retention}, nil
}

func enabledSources(cfg *config.Config, log *slog.Logger) ([]channel.Source, error) {
	sources := make([]channel.Source, 0, 2)

	if cfg.Channels.Telegram.Enabled {
		source, err := telegram.NewSource(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s source: %w", telegramSourceName, err)
		}
		sources = append(sources, source)
	}

	if cfg.Channels.Replay.Enabled {
		delay := time.Duration(cfg.Channels.Replay.DelayMS) * time.Millisecond
		source, err := replay.NewFileSource(cfg.Channels.Replay.Path, replay.WithDelay(delay), replay.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("configure %s source: %w", replaySourceName, err)
		}
		sources = append(sources, source)
	}

	return sources, nil
}

func sourceNames(sources []channel.Source) string {
	if len(sources) == 0 {
		return "none"
	}
	names := make([]string, 0, len(sources))
	for _, source := range sources {
		names = append(names, source.Name())
	}

	return strings.Join(names, ",")
}
