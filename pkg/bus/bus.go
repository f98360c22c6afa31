package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by bus operations after Close.
var ErrClosed = errors.New("message bus closed")

// MessageBus is the hand-off point between channel adapters and the consumer.
//
// It holds two independent FIFO queues plus a coalescing activity signal that
// is raised on every publish in either direction.
type MessageBus struct {
	inbound  *queue[InboundMessage]
	outbound *queue[OutboundMessage]

	inboundTotal  atomic.Int64
	outboundTotal atomic.Int64

	activityMu  sync.Mutex
	activity    chan struct{}
	activitySet bool

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewMessageBus returns a bus with unbounded queues.
func NewMessageBus() *MessageBus {
	return NewMessageBusWithCapacity(0)
}

// NewMessageBusWithCapacity returns a bus whose queues each hold at most
// capacity items. Publishers block while a queue is full. Zero means unbounded.
func NewMessageBusWithCapacity(capacity int) *MessageBus {
	return &MessageBus{
		inbound:          newQueue[InboundMessage](capacity),
		outbound:         newQueue[OutboundMessage](capacity),
		activity:         make(chan struct{}),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if mb.closed(ctx) {
		return false
	}

	if err := mb.inbound.push(ctx, mb.done, msg); err != nil {
		return false
	}
	mb.inboundTotal.Add(1)
	mb.signalActivity()

	return true
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	msg, err := mb.inbound.pop(ctx, mb.done)
	return msg, err == nil
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if mb.closed(ctx) {
		return false
	}

	if err := mb.outbound.push(ctx, mb.done, msg); err != nil {
		return false
	}
	mb.outboundTotal.Add(1)
	mb.signalActivity()

	return true
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	msg, err := mb.outbound.pop(ctx, mb.done)
	return msg, err == nil
}

// TryConsumeOutbound dequeues one outbound message without waiting.
func (mb *MessageBus) TryConsumeOutbound() (OutboundMessage, bool) {
	return mb.outbound.tryPop()
}

func (mb *MessageBus) InboundSize() int {
	return mb.inbound.len()
}

func (mb *MessageBus) OutboundSize() int {
	return mb.outbound.len()
}

// TotalMessages returns how many messages were ever published in direction.
// The count is never decremented by consumption or Drain.
func (mb *MessageBus) TotalMessages(direction Direction) int64 {
	switch direction {
	case Inbound:
		return mb.inboundTotal.Load()
	case Outbound:
		return mb.outboundTotal.Load()
	default:
		return 0
	}
}

// WaitForActivity suspends until the next publish in either direction or
// until timeout elapses. It reports whether activity was observed.
//
// The signal coalesces: one publish wakes every current waiter, and the first
// of them to return clears it, so waiters arriving afterwards need a fresh
// publish. A non-positive timeout waits until ctx is done.
func (mb *MessageBus) WaitForActivity(ctx context.Context, timeout time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	mb.activityMu.Lock()
	if mb.activitySet {
		mb.clearActivityLocked()
		mb.activityMu.Unlock()
		return true
	}
	signal := mb.activity
	mb.activityMu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-signal:
		mb.activityMu.Lock()
		if mb.activitySet && mb.activity == signal {
			mb.clearActivityLocked()
		}
		mb.activityMu.Unlock()
		return true
	case <-timer:
		return false
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	}
}

// Drain discards every queued message in both directions and returns how many
// were removed. Drained messages are lost.
func (mb *MessageBus) Drain() int {
	return mb.inbound.clear() + mb.outbound.clear()
}

// Done is closed when the bus is closed.
func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}

func (mb *MessageBus) signalActivity() {
	mb.activityMu.Lock()
	defer mb.activityMu.Unlock()

	if mb.activitySet {
		return
	}
	mb.activitySet = true
	close(mb.activity)
}

// clearActivityLocked must be called with activityMu held.
func (mb *MessageBus) clearActivityLocked() {
	mb.activitySet = false
	mb.activity = make(chan struct{})
}

func (mb *MessageBus) closed(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-mb.done:
		return true
	default:
		return false
	}
}
