// Package echo is an offline provider that replies with the prompt text. It
// lets the gateway run end to end without model credentials.
package echo

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	providertypes "relaygate/pkg/provider/types"
)

const providerID = "echo"

type Client struct {
	sessions atomic.Int64
}

func New() *Client {
	return &Client{}
}

func (c *Client) Health(context.Context) error {
	return nil
}

func (c *Client) CreateSession(_ context.Context, title string) (string, error) {
	id := c.sessions.Add(1)
	return providerID + "-" + strconv.FormatInt(id, 10), nil
}

func (c *Client) Prompt(ctx context.Context, sessionID string, prompt string, model string) (providertypes.PromptResult, error) {
	if err := ctx.Err(); err != nil {
		return providertypes.PromptResult{}, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return providertypes.PromptResult{}, errors.New("session id is required")
	}

	return providertypes.PromptResult{
		Text: strings.TrimSpace(prompt),
		Metadata: providertypes.PromptMetadata{
			Provider: providerID,
			Model:    model,
		},
	}, nil
}
