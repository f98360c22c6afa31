package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaygate/pkg/bus"
	"relaygate/pkg/channel"
)

const (
	maxErrorBody      = 4 << 10
	defaultRetryAfter = time.Second
)

// APIError is a non-2xx response from the Discord REST API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api returned %d: %s", e.StatusCode, e.Body)
}

// Send posts msg to the channel named by msg.Recipient. A 429 response is
// retried once after the server-provided retry_after.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	recipient := strings.TrimSpace(msg.Recipient)
	if recipient == "" {
		return errors.New("send discord message: empty recipient")
	}

	body := createMessageRequest{Content: msg.Text}
	if replyTo := strings.TrimSpace(msg.ReplyTo); replyTo != "" {
		body.MessageReference = &messageReference{MessageID: replyTo}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode discord message: %w", err)
	}

	endpoint := a.apiBase + "/channels/" + url.PathEscape(recipient) + "/messages"

	for attempt := 1; ; attempt++ {
		status, respBody, err := a.post(ctx, endpoint, payload)
		if err != nil {
			a.log.Error("Failed to send discord message", "channel_id", recipient, "error", err)
			return fmt.Errorf("send discord message: %w", err)
		}

		if status == http.StatusTooManyRequests && attempt == 1 {
			wait := retryAfter(respBody)
			a.log.Warn("Rate limited, retrying once", "channel_id", recipient, "retry_after", wait)
			if !channel.Sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		if status >= 200 && status < 300 {
			return nil
		}

		apiErr := &APIError{StatusCode: status, Body: string(respBody)}
		a.log.Error("Failed to send discord message", "channel_id", recipient, "status", status, "attempts", attempt)
		return apiErr
	}
}

func (a *Adapter) post(ctx context.Context, endpoint string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// retryAfter reads the float seconds value from a 429 body.
func retryAfter(body []byte) time.Duration {
	var parsed rateLimitResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.RetryAfter < 0 {
		return defaultRetryAfter
	}
	return time.Duration(parsed.RetryAfter * float64(time.Second))
}
