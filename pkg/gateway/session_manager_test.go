package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	providertypes "relaygate/pkg/provider/types"
)

type fakeProviderClient struct {
	mu                 sync.Mutex
	createSessionCount int
	promptCount        int
	prompts            []string
	sessionIDs         []string
	promptErr          error
	reply              func(prompt string) string
}

func (f *fakeProviderClient) Health(context.Context) error {
	return nil
}

func (f *fakeProviderClient) CreateSession(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createSessionCount++
	return fmt.Sprintf("session-%d", f.createSessionCount), nil
}

func (f *fakeProviderClient) Prompt(_ context.Context, sessionID string, prompt string, _ string) (providertypes.PromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptCount++
	f.prompts = append(f.prompts, prompt)
	f.sessionIDs = append(f.sessionIDs, sessionID)
	if f.promptErr != nil {
		return providertypes.PromptResult{}, f.promptErr
	}
	if f.reply != nil {
		return providertypes.PromptResult{Text: f.reply(prompt)}, nil
	}
	return providertypes.PromptResult{Text: "ok:" + prompt}, nil
}

func (f *fakeProviderClient) snapshot() (int, []string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createSessionCount, append([]string(nil), f.sessionIDs...), append([]string(nil), f.prompts...)
}

func TestSessionManagerReusesSession(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{}
	manager := newSessionManager(fakeClient, "openai/gpt-5-nano", nil)
	t.Cleanup(manager.Close)

	if _, err := manager.Prompt(context.Background(), "telegram:100", "one"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if _, err := manager.Prompt(context.Background(), "telegram:100", "two"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}

	created, sessionIDs, _ := fakeClient.snapshot()
	if created != 1 {
		t.Fatalf("createSessionCount = %d, want 1", created)
	}
	if len(sessionIDs) != 2 || sessionIDs[0] != sessionIDs[1] {
		t.Fatalf("session ids = %v, want one reused id", sessionIDs)
	}
}

func TestSessionManagerCreatesSessionPerSessionKey(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{}
	manager := newSessionManager(fakeClient, "", nil)
	t.Cleanup(manager.Close)

	if _, err := manager.Prompt(context.Background(), "telegram:100", "one"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if _, err := manager.Prompt(context.Background(), "discord:100", "two"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}

	if created, _, _ := fakeClient.snapshot(); created != 2 {
		t.Fatalf("createSessionCount = %d, want 2", created)
	}
	if manager.Len() != 2 {
		t.Fatalf("Len = %d, want 2", manager.Len())
	}
}

func TestSessionManagerPropagatesPromptError(t *testing.T) {
	t.Parallel()

	manager := newSessionManager(&fakeProviderClient{promptErr: errors.New("boom")}, "", nil)
	if _, err := manager.Prompt(context.Background(), "telegram:1", "x"); err == nil {
		t.Fatal("expected prompt error")
	}
}
