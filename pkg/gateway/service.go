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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaygate/pkg/bus"
	"relaygate/pkg/config"
	"relaygate/pkg/logger"
	"relaygate/pkg/provider"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	providerHealthInterval = 30 * time.Second
	shutdownTimeout        = 10 * time.Second
)

// Service wires the bus, the channel manager, the reply processor and the
// status server into one runnable gateway.
type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	bus       *bus.MessageBus
	provider  provider.Client
	manager   *Manager
	processor *Processor
	metrics   *Metrics

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelErrors    map[string]string
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type busState struct {
	InboundTotal  int64 `json:"inbound_total"`
	OutboundTotal int64 `json:"outbound_total"`
	InboundQueue  int   `json:"inbound_queue"`
	OutboundQueue int   `json:"outbound_queue"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
	Bus              busState                `json:"bus"`
}

// NewService builds the gateway from configuration using the default
// channel registry.
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	log = logger.OrDiscard(log)

	client, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	mb := bus.NewMessageBusWithCapacity(cfg.Bus.Capacity)
	metrics := NewMetrics(mb)
	manager := NewManager(cfg.Channels, mb, DefaultRegistry(), metrics, log)
	if len(manager.EnabledChannels()) == 0 {
		mb.Close()
		return nil, errors.New("at least one channel must be enabled")
	}

	return newService(cfg, mb, client, manager, metrics, log), nil
}

func newService(cfg *config.Config, mb *bus.MessageBus, client provider.Client, manager *Manager, metrics *Metrics, log *slog.Logger) *Service {
	log = logger.OrDiscard(log)
	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		bus:           mb,
		provider:      client,
		manager:       manager,
		processor:     NewProcessor(mb, client, cfg.Agents.Defaults.Model, log),
		metrics:       metrics,
		channelErrors: make(map[string]string),
	}
}

// Run serves until ctx is cancelled, the status server fails, or every
// channel task has exited. On the way out it stops the channels, drains
// whatever is still queued and closes the bus.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := s.bus.SubscribeEvents(runCtx, 0)
	defer unsubscribe()
	go s.trackEvents(events)

	serverErrors := make(chan error, 1)
	go s.runHealthServer(runCtx, serverErrors)
	go s.monitorProvider(runCtx)

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := s.processor.Run(runCtx); err != nil {
			s.log.Error("Processor stopped", "error", err)
		}
	}()

	managerDone := make(chan error, 1)
	go func() {
		managerDone <- s.manager.StartAll(runCtx)
	}()

	s.log.Info("Gateway started", "channels", s.manager.EnabledChannels())

	var (
		runErr  error
		pending <-chan error = managerDone
	)
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case err := <-managerDone:
		pending = nil
		if err != nil {
			runErr = err
		} else {
			s.log.Warn("All channel tasks exited")
		}
	}

	s.shutdown(cancel, pending)
	<-processorDone

	return runErr
}

// shutdown stops the channels and waits for StartAll to return before the bus
// is drained and closed. managerDone is nil when StartAll already returned.
func (s *Service) shutdown(cancel context.CancelFunc, managerDone <-chan error) {
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := s.manager.StopAll(shutdownCtx); err != nil {
		s.log.Error("Failed to stop channels cleanly", "error", err)
	}
	cancel()

	if managerDone != nil {
		select {
		case err := <-managerDone:
			if err != nil {
				s.log.Warn("Channel tasks ended with errors", "error", err)
			}
		case <-shutdownCtx.Done():
			s.log.Warn("Timed out waiting for channel tasks", "error", shutdownCtx.Err())
		}
	}

	if dropped := s.bus.Drain(); dropped > 0 {
		s.log.Warn("Discarded undelivered messages", "count", dropped)
	}
	s.bus.Close()
	s.log.Info("Gateway stopped")
}

func (s *Service) trackEvents(events <-chan bus.Event) {
	for event := range events {
		switch event.Type {
		case bus.EventChannelStarted:
			s.setChannelError(event.Channel, "")
		case bus.EventChannelStopped:
			s.setChannelError(event.Channel, event.Error)
		}
	}
}

func (s *Service) monitorProvider(ctx context.Context) {
	ticker := time.NewTicker(providerHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("Provider health check failed", "error", err)
			}
		}
	}
}

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
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

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}
	s.respondStatus(w, http.StatusOK, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	running := s.manager.Status()

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(running))
	for name, state := range running {
		channels[name] = channelState{Running: state.Running, Error: s.channelErrors[name]}
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Channels:         channels,
		Bus: busState{
			InboundTotal:  s.bus.TotalMessages(bus.Inbound),
			OutboundTotal: s.bus.TotalMessages(bus.Outbound),
			InboundQueue:  s.bus.InboundSize(),
			OutboundQueue: s.bus.OutboundSize(),
		},
	}
}

// isReady requires at least one running channel and a passing provider check.
func (s *Service) isReady() bool {
	anyRunning := false
	for _, state := range s.manager.Status() {
		if state.Running {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.providerLastOKAt.IsZero() && s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setChannelError(name, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelErrors[name] = errText
}
