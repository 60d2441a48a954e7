package conversation

import (
	"fmt"
	"log/slog"

	"chatsync/pkg/config"
	"chatsync/pkg/merge"
	"chatsync/pkg/metrics"
)

// OptionsFromConfig builds session options for the configured ordering and
// confirmation window. cache may be nil.
func OptionsFromConfig(cfg config.ChatConfig, rec *metrics.Recorder, cache HistoryCache, log *slog.Logger) ([]Option, error) {
	ordering, err := merge.ParseOrdering(cfg.Ordering)
	if err != nil {
		return nil, fmt.Errorf("chat.ordering: %w", err)
	}

	engine := merge.New(
		merge.WithLogger(log),
		merge.WithMetrics(rec),
		merge.WithOrdering(ordering),
		merge.WithClockSkew(cfg.ClockSkew()),
	)

	opts := []Option{WithEngine(engine), WithMetrics(rec)}
	if cache != nil {
		opts = append(opts, WithCache(cache))
	}
	return opts, nil
}
