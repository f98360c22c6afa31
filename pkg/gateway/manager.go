package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relaygate/pkg/bus"
	"relaygate/pkg/channel"
	"relaygate/pkg/channel/discord"
	"relaygate/pkg/channel/telegram"
	"relaygate/pkg/channel/whatsapp"
	"relaygate/pkg/config"
	"relaygate/pkg/logger"
)

const defaultRouterPoll = 2 * time.Second

// Factory builds one channel adapter from its configuration.
type Factory func(cfg config.ChannelConfig, mb *bus.MessageBus, log *slog.Logger) (channel.Channel, error)

// Registration binds a channel name to its constructor.
type Registration struct {
	Name string
	New  Factory
}

// DefaultRegistry lists every adapter compiled into the gateway.
func DefaultRegistry() []Registration {
	return []Registration{
		{Name: "telegram", New: func(cfg config.ChannelConfig, mb *bus.MessageBus, log *slog.Logger) (channel.Channel, error) {
			adapter, err := telegram.New(cfg, mb, log)
			if err != nil {
				return nil, err
			}
			return adapter, nil
		}},
		{Name: "discord", New: func(cfg config.ChannelConfig, mb *bus.MessageBus, log *slog.Logger) (channel.Channel, error) {
			adapter, err := discord.New(cfg, mb, log)
			if err != nil {
				return nil, err
			}
			return adapter, nil
		}},
		{Name: "whatsapp", New: func(cfg config.ChannelConfig, mb *bus.MessageBus, log *slog.Logger) (channel.Channel, error) {
			adapter, err := whatsapp.New(cfg, mb, log)
			if err != nil {
				return nil, err
			}
			return adapter, nil
		}},
	}
}

// ChannelStatus is the externally visible state of one adapter.
type ChannelStatus struct {
	Running bool `json:"running"`
}

// Manager supervises the enabled adapters and routes outbound messages to them.
type Manager struct {
	bus        *bus.MessageBus
	log        *slog.Logger
	metrics    *Metrics
	routerPoll time.Duration

	channels map[string]channel.Channel
	names    []string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewManager instantiates every enabled channel in registry. A channel whose
// constructor fails is skipped with a warning.
func NewManager(cfg config.ChannelsConfig, mb *bus.MessageBus, registry []Registration, metrics *Metrics, log *slog.Logger) *Manager {
	log = logger.OrDiscard(log)

	m := &Manager{
		bus:        mb,
		log:        log.With("component", "gateway.manager"),
		metrics:    metrics,
		routerPoll: defaultRouterPoll,
		channels:   make(map[string]channel.Channel),
	}

	for _, reg := range registry {
		chCfg, ok := cfg.ByName(reg.Name)
		if !ok || !chCfg.Enabled {
			continue
		}

		ch, err := reg.New(chCfg, mb, log)
		if err != nil {
			m.log.Warn("Channel could not be loaded, skipping", "channel", reg.Name, "error", err)
			continue
		}

		m.channels[reg.Name] = ch
		m.names = append(m.names, reg.Name)
		m.log.Info("Channel enabled", "channel", reg.Name)
	}
	sort.Strings(m.names)

	return m
}

// EnabledChannels returns the names of the loaded channels, sorted.
func (m *Manager) EnabledChannels() []string {
	return append([]string(nil), m.names...)
}

// Channel returns the adapter registered under name.
func (m *Manager) Channel(name string) (channel.Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) Status() map[string]ChannelStatus {
	status := make(map[string]ChannelStatus, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ChannelStatus{Running: ch.IsRunning()}
	}
	return status
}

// StartAll runs every adapter and the outbound router, each in its own
// goroutine, and returns once all of them have exited. Adapter failures are
// joined into the returned error; they never stop the other adapters.
// StartAll after StopAll returns nil without starting anything.
func (m *Manager) StartAll(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.log.Info("Channels already stopped, not starting")
		return nil
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("channels already started")
	}
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()
	defer close(done)

	if len(m.channels) == 0 {
		m.log.Warn("No channels enabled")
	}

	var (
		errMu   sync.Mutex
		errs    []error
		tasks   sync.WaitGroup
		running sync.WaitGroup
	)

	for _, name := range m.names {
		ch := m.channels[name]
		tasks.Add(1)
		running.Add(1)
		go func() {
			defer tasks.Done()
			defer running.Done()

			m.bus.PublishEvent(runCtx, bus.Event{Type: bus.EventChannelStarted, Channel: name})
			err := runChannel(runCtx, ch)
			if err != nil && runCtx.Err() == nil {
				m.log.Error("Channel exited", "channel", name, "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("run %s channel: %w", name, err))
				errMu.Unlock()
			}
			m.bus.PublishEvent(context.Background(), bus.Event{Type: bus.EventChannelStopped, Channel: name, Error: errorString(err)})
		}()
	}

	tasks.Add(1)
	go func() {
		defer tasks.Done()
		m.routeOutbound(runCtx)
	}()

	// The router has nothing to deliver to once every channel task is gone.
	running.Wait()
	cancel()
	tasks.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	return errors.Join(errs...)
}

// StopAll cancels every task, waits for them, then stops each adapter in
// turn. Stop failures are collected so one adapter cannot block the rest.
// It is safe in any state and keeps a later StartAll from starting.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			m.log.Warn("Timed out waiting for channel tasks", "error", ctx.Err())
		}
	}

	var errs []error
	for _, name := range m.names {
		if err := stopChannel(ctx, m.channels[name]); err != nil {
			m.log.Error("Failed to stop channel", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s channel: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// routeOutbound waits for bus activity and sweeps the outbound queue. It also
// sweeps after every poll timeout so nothing waits on a missed signal.
func (m *Manager) routeOutbound(ctx context.Context) {
	m.log.Debug("Outbound router started")
	defer m.log.Debug("Outbound router stopped")

	for {
		m.bus.WaitForActivity(ctx, m.routerPoll)

		select {
		case <-ctx.Done():
			return
		case <-m.bus.Done():
			return
		default:
		}

		m.dispatchPending(ctx)
	}
}

// dispatchPending delivers every message currently in the outbound queue and
// returns how many it took.
func (m *Manager) dispatchPending(ctx context.Context) int {
	count := 0
	for {
		msg, ok := m.bus.TryConsumeOutbound()
		if !ok {
			return count
		}
		count++
		m.dispatch(ctx, msg)
	}
}

func (m *Manager) dispatch(ctx context.Context, msg bus.OutboundMessage) {
	ch, ok := m.channels[msg.Channel]
	if !ok {
		m.log.Warn("Dropping message for unknown channel", "channel", msg.Channel, "recipient", msg.Recipient)
		m.metrics.ObserveDelivery(msg.Channel, deliveryDropped)
		m.bus.PublishEvent(ctx, bus.Event{
			Type:      bus.EventMessageDropped,
			Channel:   msg.Channel,
			Recipient: msg.Recipient,
			Error:     channel.ErrNoChannel.Error(),
		})
		return
	}

	if err := ch.Send(ctx, msg); err != nil {
		m.log.Error("Delivery failed", "channel", msg.Channel, "recipient", msg.Recipient, "error", err)
		m.metrics.ObserveDelivery(msg.Channel, deliveryFailed)
		m.bus.PublishEvent(ctx, bus.Event{
			Type:      bus.EventDeliveryFailed,
			Channel:   msg.Channel,
			Recipient: msg.Recipient,
			Error:     err.Error(),
		})
		return
	}

	m.log.Debug("Delivered message", "channel", msg.Channel, "recipient", msg.Recipient)
	m.metrics.ObserveDelivery(msg.Channel, deliveryDelivered)
	m.bus.PublishEvent(ctx, bus.Event{Type: bus.EventMessageDelivered, Channel: msg.Channel, Recipient: msg.Recipient})
}

// runChannel converts a panic in an adapter into an error so it only ends
// that adapter's task.
func runChannel(ctx context.Context, ch channel.Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	return ch.Start(ctx)
}

func stopChannel(ctx context.Context, ch channel.Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked on stop: %v", r)
		}
	}()
	return ch.Stop(ctx)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
