// Package replay plays back a recorded session from a JSONL file of tagged
// records.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"chatsync/pkg/channel"
	"chatsync/pkg/normalize"
)

const (
	sourceName = "replay"
	kindSubmit = "submit"
	maxLine    = 4 << 20
)

// SubmitFunc receives local submissions recorded in the session.
type SubmitFunc func(ctx context.Context, chatCode string, sub normalize.Submission) error

type submitLine struct {
	Kind   string `json:"kind"`
	Record struct {
		ChatCode string `json:"chatCode"`
		normalize.Submission
	} `json:"record"`
}

// Source replays records in file order. Lines that are blank or start with
// '#' are ignored.
type Source struct {
	open     func() (io.ReadCloser, error)
	delay    time.Duration
	onSubmit SubmitFunc
	log      *slog.Logger
}

type Option func(*Source)

// WithDelay pauses between records.
func WithDelay(delay time.Duration) Option {
	return func(s *Source) {
		s.delay = delay
	}
}

// WithSubmit handles "submit" lines. Without it they are skipped.
func WithSubmit(fn SubmitFunc) Option {
	return func(s *Source) {
		s.onSubmit = fn
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Source) {
		if log != nil {
			s.log = log
		}
	}
}

// NewFileSource replays the file at path.
func NewFileSource(path string, opts ...Option) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("replay path is required")
	}
	return newSource(func() (io.ReadCloser, error) { return os.Open(path) }, opts...), nil
}

// NewReaderSource replays r once.
func NewReaderSource(r io.Reader, opts ...Option) *Source {
	return newSource(func() (io.ReadCloser, error) { return io.NopCloser(r), nil }, opts...)
}

func newSource(open func() (io.ReadCloser, error), opts ...Option) *Source {
	s := &Source{open: open, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "channel.replay")
	return s
}

func (s *Source) Name() string {
	return sourceName
}

// Run emits every record to sink and returns when the file is exhausted.
func (s *Source) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	rc, err := s.open()
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	lineNo := 0
	emitted := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if emitted > 0 && s.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.delay):
			}
		}

		if err := s.emit(ctx, []byte(line), sink); err != nil {
			return fmt.Errorf("replay line %d: %w", lineNo, err)
		}
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read replay: %w", err)
	}

	s.log.Debug("Replay finished", "records", emitted)
	return nil
}

func (s *Source) emit(ctx context.Context, line []byte, sink channel.Sink) error {
	var peek struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		return fmt.Errorf("decode line: %w", err)
	}

	if strings.EqualFold(strings.TrimSpace(peek.Kind), kindSubmit) {
		var sub submitLine
		if err := json.Unmarshal(line, &sub); err != nil {
			return fmt.Errorf("decode submission: %w", err)
		}
		if s.onSubmit == nil {
			s.log.Debug("Skipping recorded submission", "chat_code", sub.Record.ChatCode)
			return nil
		}
		return s.onSubmit(ctx, sub.Record.ChatCode, sub.Record.Submission)
	}

	rec, err := normalize.DecodeRecord(line)
	if err != nil {
		return err
	}
	return sink(ctx, rec)
}
