package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/channel/replay"
	"chatsync/pkg/config"
	"chatsync/pkg/conversation"
	"chatsync/pkg/logger"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
	"chatsync/pkg/stream"

	"github.com/spf13/cobra"
)

const (
	outputText = "text"
	outputJSON = "json"
)

var (
	replayFormat  string
	replayChat    string
	replayOrder   string
	replayDelayMS int
)

var replayCmd = &cobra.Command{
	Use:   "replay <file.jsonl>",
	Short: "Replay a recorded session and print the merged view",
	Long:  "Feeds a JSONL recording of history pages, live events, stream envelopes and local submissions through the reconciler and prints each resulting conversation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if replayOrder != "" {
			cfg.Chat.Ordering = replayOrder
		}

		appLogger, err := logger.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		views, err := replayFile(ctx, cfg, args[0], time.Duration(replayDelayMS)*time.Millisecond, appLogger)
		if err != nil {
			return err
		}
		if replayChat != "" {
			views = slices.DeleteFunc(views, func(v chatView) bool { return v.ChatCode != replayChat })
		}
		return printViews(cmd.OutOrStdout(), views, replayFormat)
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", outputText, "output format: text or json")
	replayCmd.Flags().StringVar(&replayChat, "chat", "", "only print this chat code")
	replayCmd.Flags().StringVar(&replayOrder, "order", "", "merge ordering: id or chronological")
	replayCmd.Flags().IntVar(&replayDelayMS, "delay-ms", 0, "pause between records")
	rootCmd.AddCommand(replayCmd)
}

// chatView is the printed state of one conversation.
type chatView struct {
	ChatCode string                      `json:"chatCode"`
	Revision uint64                      `json:"revision"`
	Messages []message.NormalizedMessage `json:"messages"`
	Streams  []stream.Snapshot           `json:"streams"`
}

// replayFile applies every record of the recording in order and returns the
// final view of each chat it touched, sorted by chat code.
func replayFile(ctx context.Context, cfg *config.Config, path string, delay time.Duration, log *slog.Logger) ([]chatView, error) {
	log = log.With("component", "cmd.replay")

	opts, err := conversation.OptionsFromConfig(cfg.Chat, nil, nil, log)
	if err != nil {
		return nil, err
	}

	messageBus := bus.NewMessageBus()
	defer messageBus.Close()
	manager := conversation.NewManager(log, opts...)
	worker := conversation.NewWorker(messageBus, manager, log)

	submit := func(ctx context.Context, chatCode string, sub normalize.Submission) error {
		if _, err := worker.Submit(ctx, replaySourceName, chatCode, sub); err != nil {
			log.Warn("Skipped recorded submission", "chat_code", chatCode, "error", err)
		}
		return nil
	}

	source, err := replay.NewFileSource(path, replay.WithDelay(delay), replay.WithSubmit(submit), replay.WithLogger(log))
	if err != nil {
		return nil, err
	}

	applied := 0
	err = source.Run(ctx, func(ctx context.Context, rec normalize.Record) error {
		inbound := bus.InboundRecord{
			Source:     replaySourceName,
			ChatCode:   rec.ChatKey(),
			Record:     rec,
			ReceivedAt: time.Now().UTC(),
		}
		if err := worker.Apply(ctx, inbound); err != nil {
			log.Warn("Skipped recorded record", "kind", rec.Kind(), "chat_code", inbound.ChatCode, "error", err)
			return nil
		}
		applied++
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug("Replay finished", "path", path, "applied", applied)

	codes := manager.ChatCodes()
	slices.Sort(codes)
	views := make([]chatView, 0, len(codes))
	for _, code := range codes {
		session, ok := manager.Get(code)
		if !ok {
			continue
		}
		messages, streams, revision := session.Snapshot()
		if messages == nil {
			messages = []message.NormalizedMessage{}
		}
		if streams == nil {
			streams = []stream.Snapshot{}
		}
		views = append(views, chatView{ChatCode: code, Revision: revision, Messages: messages, Streams: streams})
	}
	return views, nil
}

func printViews(w io.Writer, views []chatView, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "", outputText:
		return printText(w, views)
	default:
		return fmt.Errorf("unknown output format %q (want %s or %s)", format, outputText, outputJSON)
	}
}

func printText(w io.Writer, views []chatView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "no conversations")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, view := range views {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "== %s (revision %d, %d messages)\n", view.ChatCode, view.Revision, len(view.Messages))
		for _, msg := range view.Messages {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", msg.ID, msg.SenderKind, messageState(msg), displayTime(msg.CreatedAtISO), messageBody(msg))
		}
	}
	return tw.Flush()
}

func messageState(msg message.NormalizedMessage) string {
	switch {
	case msg.IsActiveStream():
		return "streaming"
	case msg.HasError && msg.ErrorMessage != "":
		return "error: " + msg.ErrorMessage
	case msg.HasError:
		return "error"
	}
	return string(msg.Status)
}

func messageBody(msg message.NormalizedMessage) string {
	text := msg.Text
	if text == "" {
		text = msg.PartialText
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if n := len(msg.Attachments); n > 0 {
		text = strings.TrimSpace(fmt.Sprintf("%s [%d attachment(s)]", text, n))
	}
	return text
}

func displayTime(iso string) string {
	if iso == "" {
		return "-"
	}
	return iso
}
