// Package chat is the terminal chat screen. It renders merged conversation
// views and types streamed replies out as they arrive.
package chat

import (
	"context"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/message"
	"chatsync/pkg/stream"

	tea "github.com/charmbracelet/bubbletea"
)

// Backend connects the screen to one conversation.
type Backend interface {
	// Submit sends a local message. Delivery failures are reflected in the
	// view; the returned error is shown in the status line.
	Submit(ctx context.Context, text string) error
	Retry(ctx context.Context, id message.ID) error
	// NextView blocks until the conversation publishes a new view.
	NextView(ctx context.Context) (bus.ViewUpdate, bool)
	Stream(messageCode string) (*stream.Accumulator, bool)
}

// Info is shown in the header.
type Info struct {
	ChatCode string
	Source   string
	Model    string
}

// Typing controls the typewriter effect for streamed replies.
type Typing struct {
	Interval time.Duration
	Step     int
}

func Run(ctx context.Context, backend Backend, info Info, typing Typing) error {
	program := tea.NewProgram(newModel(ctx, backend, info, typing), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := program.Run()
	return err
}
