package monitor

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const DefaultInterval = 2 * time.Second

// Run draws the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, fetch FetchFunc, target string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}

	program := tea.NewProgram(newModel(ctx, fetch, target, interval), tea.WithAltScreen())
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			program.Quit()
		case <-done:
		}
	}()

	_, err := program.Run()
	return err
}
