package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/channel"
	"chatsync/pkg/channel/loopback"
	"chatsync/pkg/config"
	"chatsync/pkg/conversation"
	"chatsync/pkg/logger"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
	"chatsync/pkg/provider"
	"chatsync/pkg/provider/openai"

	"github.com/stretchr/testify/require"
)

type echoAssistant struct{}

func (echoAssistant) Stream(_ context.Context, chatCode string, prompt string, emit openai.EmitFunc) (normalize.StreamEnvelope, error) {
	env := normalize.StreamEnvelope{
		ChatCode:    chatCode,
		MessageCode: "reply-1",
		Chunks:      []normalize.StreamChunk{{Chunk: "you said ", CompleteText: "you said "}},
		IsStreaming: true,
	}
	if err := emit(env); err != nil {
		return env, err
	}
	env.Chunks = append(env.Chunks, normalize.StreamChunk{Chunk: prompt, CompleteText: "you said " + prompt})
	env.IsStreaming = false
	env.IsComplete = true
	return env, emit(env)
}

type chatHarness struct {
	backend *chatBackend
	manager *conversation.Manager
}

func newChatHarness(t *testing.T, replier *echoAssistant) chatHarness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := logger.Discard()
	messageBus := bus.NewMessageBus()
	t.Cleanup(messageBus.Close)
	manager := conversation.NewManager(log)
	worker := conversation.NewWorker(messageBus, manager, log)

	source := loopback.NewSource(loopback.WithFirstID(100), loopback.WithLogger(log))
	messageBus.RegisterSender(source.Name(), source.Send)
	go worker.Run(ctx)
	go func() { _ = source.Run(ctx, channel.BusSink(messageBus, source.Name())) }()
	select {
	case <-source.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("loopback source did not start")
	}

	var assistant provider.Assistant
	if replier != nil {
		assistant = replier
	}
	backend := newChatBackend(ctx, messageBus, manager, worker, "local", source.Name(), assistant, log)
	t.Cleanup(backend.wait)
	require.NoError(t, backend.open(ctx))

	return chatHarness{backend: backend, manager: manager}
}

// nextView waits for a view of the backend's chat that satisfies cond.
func (h chatHarness) nextView(t *testing.T, cond func(bus.ViewUpdate) bool) bus.ViewUpdate {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		update, ok := h.backend.NextView(ctx)
		require.True(t, ok, "timed out waiting for view")
		if cond(update) {
			return update
		}
	}
}

func TestChatBackendPublishesInitialView(t *testing.T) {
	h := newChatHarness(t, nil)

	update := h.nextView(t, func(bus.ViewUpdate) bool { return true })
	require.Equal(t, "local", update.ChatCode)
	require.Empty(t, update.Messages)
}

func TestChatBackendSubmitIsConfirmedByEcho(t *testing.T) {
	h := newChatHarness(t, nil)

	require.NoError(t, h.backend.Submit(context.Background(), "hello"))

	update := h.nextView(t, func(u bus.ViewUpdate) bool {
		return len(u.Messages) == 1 && u.Messages[0].ID == message.NumericID(100)
	})
	require.Equal(t, "hello", update.Messages[0].Text)
	require.Equal(t, message.StatusSent, update.Messages[0].Status)

	session, ok := h.manager.Get("local")
	require.True(t, ok)
	require.Empty(t, session.Pending())
}

func TestChatBackendStreamsAssistantReply(t *testing.T) {
	h := newChatHarness(t, &echoAssistant{})

	require.NoError(t, h.backend.Submit(context.Background(), "ping"))

	update := h.nextView(t, func(u bus.ViewUpdate) bool {
		for _, msg := range u.Messages {
			if msg.ID == "reply-1" && msg.IsComplete {
				return true
			}
		}
		return false
	})

	var reply message.NormalizedMessage
	for _, msg := range update.Messages {
		if msg.ID == "reply-1" {
			reply = msg
		}
	}
	require.Equal(t, "you said ping", reply.Text)

	acc, ok := h.backend.Stream("reply-1")
	require.True(t, ok)
	require.Equal(t, "you said ping", acc.Snapshot().DisplayText)
}

func TestChatBackendRejectsEmptySubmit(t *testing.T) {
	h := newChatHarness(t, nil)

	err := h.backend.Submit(context.Background(), "   ")
	require.True(t, errors.Is(err, conversation.ErrEmptySubmission), "error = %v", err)
}

func TestChatBackendIgnoresOtherChats(t *testing.T) {
	h := newChatHarness(t, nil)
	h.nextView(t, func(bus.ViewUpdate) bool { return true })

	h.backend.bus.PublishView(context.Background(), bus.ViewUpdate{ChatCode: "elsewhere", Revision: 9})
	h.backend.bus.PublishView(context.Background(), bus.ViewUpdate{ChatCode: "local", Revision: 10})

	update := h.nextView(t, func(bus.ViewUpdate) bool { return true })
	require.Equal(t, "local", update.ChatCode)
	require.Equal(t, uint64(10), update.Revision)
}

func TestChatTransport(t *testing.T) {
	cfg := &config.Config{}

	source, err := chatTransport(cfg, "", "local", nil)
	require.NoError(t, err)
	require.Equal(t, "local", source.Name())

	_, err = chatTransport(cfg, "telegram", "local", nil)
	require.Error(t, err)

	cfg.Channels.Telegram.Token = "123:abc"
	source, err = chatTransport(cfg, "telegram", "telegram:42", nil)
	require.NoError(t, err)
	require.Equal(t, "telegram", source.Name())

	_, err = chatTransport(cfg, "carrier-pigeon", "local", nil)
	require.Error(t, err)

	_, err = chatTransport(cfg, "local", " ", nil)
	require.Error(t, err)
}
