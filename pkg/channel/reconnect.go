package channel

import (
	"context"
	"log/slog"
	"time"

	"relaygate/pkg/logger"
)

// DefaultReconnectDelay is the fixed pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// RunWithReconnect calls connect until ctx is done, sleeping delay between
// attempts. Every return from connect, clean or not, is treated as a dropped
// connection. It returns nil once ctx is cancelled.
func RunWithReconnect(ctx context.Context, delay time.Duration, log *slog.Logger, connect func(context.Context) error) error {
	log = logger.OrDiscard(log)
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	for attempt := 1; ; attempt++ {
		err := connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			log.Warn("Connection lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		} else {
			log.Warn("Connection closed, reconnecting", "attempt", attempt, "delay", delay)
		}

		if !Sleep(ctx, delay) {
			return nil
		}
	}
}

// Sleep pauses for d and reports false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
