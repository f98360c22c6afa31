package channel

import (
	"context"
	"errors"

	"relaygate/pkg/bus"
)

var (
	// ErrNotConnected is returned by Send when the adapter has no live connection.
	ErrNotConnected = errors.New("channel not connected")
	// ErrNoChannel is returned when a message names a channel that is not registered.
	ErrNoChannel = errors.New("no such channel")
	// ErrNotRunning is returned by Send before Start or after Stop.
	ErrNotRunning = errors.New("channel not running")
)

// Channel bridges one external chat network into the message bus.
//
// Start blocks until ctx is cancelled or the adapter fails fatally. Stop is
// idempotent and releases every connection the adapter owns. Send makes a
// single best-effort delivery attempt.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}
