package echo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPromptEchoesInput(t *testing.T) {
	client := New()
	ctx := context.Background()

	first, err := client.CreateSession(ctx, "telegram:1")
	require.NoError(t, err)
	second, err := client.CreateSession(ctx, "telegram:2")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	result, err := client.Prompt(ctx, first, "  hello  ", "m")
	require.NoError(t, err)
	require.Equal(t, "hello", result.Text)
	require.Equal(t, "echo", result.Metadata.Provider)
}

func TestPromptRequiresSession(t *testing.T) {
	_, err := New().Prompt(context.Background(), "", "hi", "")
	require.Error(t, err)
}
