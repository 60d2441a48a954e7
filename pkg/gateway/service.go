// Package gateway serves merged conversation views over HTTP and runs the
// configured sources.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/channel"
	"chatsync/pkg/config"
	"chatsync/pkg/conversation"
	"chatsync/pkg/history"
	"chatsync/pkg/metrics"
	"chatsync/pkg/provider"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 18790

	assistantSource = "openai"
)

// Deps are the optional collaborators of a Service.
type Deps struct {
	Sources   []channel.Source
	Assistant provider.Assistant
	// Cache must be a nil interface when history caching is off.
	Cache     conversation.HistoryCache
	Retention *history.Retention
	Registry  *prometheus.Registry
}

type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	bus       *bus.MessageBus
	manager   *conversation.Manager
	worker    *conversation.Worker
	sources   []channel.Source
	assistant provider.Assistant
	retention *history.Retention
	registry  *prometheus.Registry

	lifetime context.Context
	stop     context.CancelFunc
	replies  sync.WaitGroup

	mu            sync.RWMutex
	startedAt     time.Time
	workerRunning bool
	sourceStates  map[string]sourceState
}

type sourceState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Chats         int                    `json:"chats"`
	Sources       map[string]sourceState `json:"sources"`
}

func NewService(cfg *config.Config, deps Deps, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	recorder := metrics.New(registry)

	opts, err := conversation.OptionsFromConfig(cfg.Chat, recorder, deps.Cache, log)
	if err != nil {
		return nil, err
	}

	messageBus := bus.NewMessageBus()
	manager := conversation.NewManager(log, opts...)

	states := make(map[string]sourceState, len(deps.Sources))
	for _, source := range deps.Sources {
		states[source.Name()] = sourceState{}
		if sender, ok := source.(channel.Sender); ok {
			messageBus.RegisterSender(source.Name(), sender.Send)
		}
	}

	lifetime, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:          cfg,
		log:          log.With("component", "gateway.service"),
		bus:          messageBus,
		manager:      manager,
		worker:       conversation.NewWorker(messageBus, manager, log),
		sources:      deps.Sources,
		assistant:    deps.Assistant,
		retention:    deps.Retention,
		registry:     registry,
		lifetime:     lifetime,
		stop:         stop,
		sourceStates: states,
	}, nil
}

// Run starts the worker, the sources and the HTTP server, and blocks until
// ctx is done or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.shutdown()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.Start(ctx)

	serverErrors := make(chan error, 1)
	go s.serve(ctx, serverErrors)

	errCh := make(chan error, len(s.sources))
	for _, source := range s.sources {
		s.setSourceState(source.Name(), sourceState{Running: true})

		go func() {
			err := source.Run(ctx, channel.BusSink(s.bus, source.Name()))
			s.setSourceState(source.Name(), sourceState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s source: %w", source.Name(), err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-errCh:
		return err
	}
}

// Start runs the background workers without the HTTP server. It is used by
// Run and by tests that drive Handler directly.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.startedAt.IsZero() {
		s.startedAt = time.Now().UTC()
	}
	s.workerRunning = true
	s.mu.Unlock()

	go func() {
		s.worker.Run(ctx)
		s.mu.Lock()
		s.workerRunning = false
		s.mu.Unlock()
	}()
	go conversation.ObserveEvents(ctx, s.bus, s.log)
	if s.retention != nil {
		go s.retention.Run(ctx)
	}
}

func (s *Service) shutdown() {
	s.stop()
	s.replies.Wait()
	s.bus.Close()
}

func (s *Service) serve(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(s.currentStatus(status)); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	sources := make(map[string]sourceState, len(s.sourceStates))
	for name, state := range s.sourceStates {
		sources[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Chats:         len(s.manager.ChatCodes()),
		Sources:       sources,
	}
}

// isReady requires a running worker and, when sources are configured, at
// least one running source.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.workerRunning {
		return false
	}
	if len(s.sourceStates) == 0 {
		return true
	}
	for _, state := range s.sourceStates {
		if state.Running {
			return true
		}
	}
	return false
}

func (s *Service) setSourceState(name string, state sourceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
