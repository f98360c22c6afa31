package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Snapshot mirrors the gateway's /status payload.
type Snapshot struct {
	Status           string                     `json:"status"`
	UptimeSeconds    int64                      `json:"uptime_seconds"`
	ProviderLastOKAt string                     `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                     `json:"provider_last_error,omitempty"`
	Channels         map[string]ChannelSnapshot `json:"channels"`
	Bus              BusSnapshot                `json:"bus"`
}

type ChannelSnapshot struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type BusSnapshot struct {
	InboundTotal  int64 `json:"inbound_total"`
	OutboundTotal int64 `json:"outbound_total"`
	InboundQueue  int   `json:"inbound_queue"`
	OutboundQueue int   `json:"outbound_queue"`
}

// FetchFunc loads one snapshot. The model only depends on this, so tests can
// feed it canned snapshots.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// HTTPFetcher polls baseURL/status with a short per-request timeout.
func HTTPFetcher(client *http.Client, baseURL string) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	statusURL := strings.TrimRight(baseURL, "/") + "/status"

	return func(ctx context.Context) (Snapshot, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return Snapshot{}, fmt.Errorf("build status request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return Snapshot{}, fmt.Errorf("fetch status: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return Snapshot{}, fmt.Errorf("fetch status: unexpected status %d", resp.StatusCode)
		}

		var snapshot Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
			return Snapshot{}, fmt.Errorf("decode status: %w", err)
		}
		return snapshot, nil
	}
}
