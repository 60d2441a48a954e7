package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"chatsync/pkg/bus"
	"chatsync/pkg/channel"
	"chatsync/pkg/channel/loopback"
	"chatsync/pkg/channel/telegram"
	"chatsync/pkg/config"
	"chatsync/pkg/conversation"
	"chatsync/pkg/logger"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
	"chatsync/pkg/provider"
	"chatsync/pkg/stream"
	chatui "chatsync/pkg/ui/chat"

	"github.com/spf13/cobra"
)

const (
	localSourceName = "local"
	replySourceName = "openai"
)

var (
	chatOpen    string
	chatSource  string
	chatLogFile string
	chatNoReply bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the terminal chat",
	Long:  "Opens a terminal chat on one conversation with optimistic sends, retry of failed messages and streamed assistant replies.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		appLogger, closeLog, err := chatLogger(cfg.Logging, chatLogFile)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer closeLog()
		log := appLogger.With("component", "cmd.chat")

		source, err := chatTransport(cfg, chatSource, chatOpen, appLogger)
		if err != nil {
			return err
		}

		var replier provider.Assistant
		if !chatNoReply {
			replier, err = provider.New(cfg, appLogger)
			if err != nil {
				return err
			}
		}

		cache, err := openHistory(cfg.History, appLogger)
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				log.Warn("Failed to close history cache", "error", err)
			}
		}()

		opts, err := conversation.OptionsFromConfig(cfg.Chat, nil, cache.Cache(), appLogger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		messageBus := bus.NewMessageBus()
		defer messageBus.Close()
		manager := conversation.NewManager(appLogger, opts...)
		worker := conversation.NewWorker(messageBus, manager, appLogger)

		if sender, ok := source.(channel.Sender); ok {
			messageBus.RegisterSender(source.Name(), sender.Send)
		}

		go worker.Run(runCtx)
		go conversation.ObserveEvents(runCtx, messageBus, appLogger)
		go func() {
			err := source.Run(runCtx, channel.BusSink(messageBus, source.Name()))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Source stopped", "source", source.Name(), "error", err)
			}
		}()
		if cache.retention != nil {
			go cache.retention.Run(runCtx)
		}

		if lb, ok := source.(*loopback.Source); ok {
			<-lb.Started()
		}

		backend := newChatBackend(runCtx, messageBus, manager, worker, chatOpen, source.Name(), replier, appLogger)
		if err := backend.open(runCtx); err != nil {
			return err
		}
		defer backend.wait()
		defer cancel()

		info := chatui.Info{ChatCode: chatOpen, Source: source.Name()}
		if replier != nil {
			info.Model = cfg.Providers.OpenAI.Model
		}
		typing := chatui.Typing{Interval: cfg.Chat.TypingInterval(), Step: cfg.Chat.TypingStep}

		log.Info("Chat opened", "chat_code", chatOpen, "source", source.Name(), "assistant", replier != nil)
		return chatui.Run(runCtx, backend, info, typing)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatOpen, "chat", "local", "chat code to open")
	chatCmd.Flags().StringVar(&chatSource, "source", localSourceName, "transport for local sends: local or telegram")
	chatCmd.Flags().StringVar(&chatLogFile, "log-file", "", "write logs to this file instead of discarding them")
	chatCmd.Flags().BoolVar(&chatNoReply, "no-reply", false, "do not stream assistant replies")
	rootCmd.AddCommand(chatCmd)
}

// chatLogger keeps logs off the terminal while the chat screen owns it.
func chatLogger(cfg config.LoggingConfig, path string) (*slog.Logger, func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return logger.Discard(), func() {}, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	log, err := logger.NewWithWriter(cfg, file)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return log, func() { _ = file.Close() }, nil
}

func chatTransport(cfg *config.Config, name string, chatCode string, log *slog.Logger) (channel.Source, error) {
	if strings.TrimSpace(chatCode) == "" {
		return nil, errors.New("--chat is required")
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", localSourceName:
		return loopback.NewSource(loopback.WithLogger(log)), nil
	case telegramSourceName:
		if _, err := telegram.ChatID(chatCode); err != nil {
			return nil, fmt.Errorf("telegram chats are addressed as %s: %w", telegram.ChatCode(123456789), err)
		}
		source, err := telegram.NewSource(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, err
		}
		return source, nil
	default:
		return nil, fmt.Errorf("unknown chat source %q", name)
	}
}

// chatBackend drives one conversation for the chat screen.
type chatBackend struct {
	lifetime  context.Context
	bus       *bus.MessageBus
	manager   *conversation.Manager
	worker    *conversation.Worker
	chatCode  string
	source    string
	assistant provider.Assistant
	log       *slog.Logger

	replies sync.WaitGroup
}

func newChatBackend(lifetime context.Context, messageBus *bus.MessageBus, manager *conversation.Manager, worker *conversation.Worker, chatCode string, source string, replier provider.Assistant, log *slog.Logger) *chatBackend {
	if log == nil {
		log = slog.Default()
	}
	return &chatBackend{
		lifetime:  lifetime,
		bus:       messageBus,
		manager:   manager,
		worker:    worker,
		chatCode:  chatCode,
		source:    source,
		assistant: replier,
		log:       log.With("component", "cmd.chat.backend"),
	}
}

// open loads the conversation and publishes its first view.
func (b *chatBackend) open(ctx context.Context) error {
	session, err := b.manager.Session(ctx, b.chatCode)
	if err != nil {
		return fmt.Errorf("open chat %s: %w", b.chatCode, err)
	}
	messages, streams, revision := session.Snapshot()
	b.bus.PublishView(ctx, bus.ViewUpdate{
		ChatCode: b.chatCode,
		Messages: messages,
		Streams:  streams,
		Revision: revision,
	})
	return nil
}

func (b *chatBackend) Submit(ctx context.Context, text string) error {
	if _, err := b.worker.Submit(ctx, b.source, b.chatCode, normalize.Submission{Text: text}); err != nil {
		return err
	}
	b.reply(text)
	return nil
}

func (b *chatBackend) Retry(ctx context.Context, id message.ID) error {
	_, err := b.worker.Retry(ctx, b.source, b.chatCode, id)
	return err
}

func (b *chatBackend) NextView(ctx context.Context) (bus.ViewUpdate, bool) {
	for {
		update, ok := b.bus.ConsumeView(ctx)
		if !ok {
			return bus.ViewUpdate{}, false
		}
		if update.ChatCode == b.chatCode {
			return update, true
		}
	}
}

func (b *chatBackend) Stream(messageCode string) (*stream.Accumulator, bool) {
	session, ok := b.manager.Get(b.chatCode)
	if !ok {
		return nil, false
	}
	return session.Stream(messageCode)
}

func (b *chatBackend) reply(prompt string) {
	if b.assistant == nil {
		return
	}
	sink := channel.BusSink(b.bus, replySourceName)
	b.replies.Add(1)
	go func() {
		defer b.replies.Done()
		ctx := b.lifetime
		_, err := b.assistant.Stream(ctx, b.chatCode, prompt, func(env normalize.StreamEnvelope) error {
			return sink(ctx, env)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn("Assistant reply failed", "chat_code", b.chatCode, "error", err)
		}
	}()
}

func (b *chatBackend) wait() {
	b.replies.Wait()
}
