package monitor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxLogLines = 200

type snapshotMsg struct {
	snapshot Snapshot
	err      error
	at       time.Time
}

type pollMsg struct{}

type model struct {
	ctx      context.Context
	fetch    FetchFunc
	interval time.Duration
	target   string

	theme    theme
	spinner  spinner.Model
	viewport viewport.Model

	snapshot  Snapshot
	hasData   bool
	loading   bool
	lastErr   string
	lastPoll  time.Time
	logLines  []string
	followLog bool
	width     int
	height    int
}

func newModel(ctx context.Context, fetch FetchFunc, target string, interval time.Duration) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))

	return &model{
		ctx:       ctx,
		fetch:     fetch,
		interval:  interval,
		target:    target,
		theme:     defaultTheme(),
		spinner:   spin,
		viewport:  viewport.New(80, 8),
		loading:   true,
		followLog: true,
		width:     100,
		height:    30,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "r":
			if m.loading {
				return m, nil
			}
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
		}
		m.handleViewportKey(typed)
		return m, nil
	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case pollMsg:
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
	case snapshotMsg:
		m.applySnapshot(typed)
		return m, pollCmd(m.interval)
	}

	return m, nil
}

func (m *model) applySnapshot(msg snapshotMsg) {
	m.loading = false
	m.lastPoll = msg.at

	if msg.err != nil {
		if m.lastErr != msg.err.Error() {
			m.appendLog(msg.at, "gateway unreachable: "+msg.err.Error())
		}
		m.lastErr = msg.err.Error()
		return
	}

	if m.lastErr != "" {
		m.appendLog(msg.at, "gateway reachable again")
	}
	m.lastErr = ""

	if m.hasData {
		for _, line := range transitions(m.snapshot, msg.snapshot) {
			m.appendLog(msg.at, line)
		}
	} else {
		m.appendLog(msg.at, fmt.Sprintf("connected, status %s", msg.snapshot.Status))
	}

	m.snapshot = msg.snapshot
	m.hasData = true
}

func (m *model) appendLog(at time.Time, line string) {
	m.logLines = append(m.logLines, at.Format("15:04:05")+"  "+line)
	if overflow := len(m.logLines) - maxLogLines; overflow > 0 {
		m.logLines = m.logLines[overflow:]
	}

	m.viewport.SetContent(strings.Join(m.logLines, "\n"))
	if m.followLog {
		m.viewport.GotoBottom()
	}
}

func (m *model) View() string {
	width := max(40, m.width-2)
	header := m.theme.header.Width(width).Render("RelayGate Monitor")
	meta := m.theme.headerMeta.Render(fmt.Sprintf("target:%s · every %s", m.target, m.interval))
	line := m.theme.divider.Render(strings.Repeat("═", width))

	parts := []string{header, meta, line}
	if m.hasData {
		parts = append(parts,
			lipgloss.JoinHorizontal(lipgloss.Top,
				m.theme.panel.Render(m.channelsView()),
				" ",
				m.theme.panel.Render(m.gatewayView()),
			),
		)
	}

	parts = append(parts, m.theme.log.Width(width).Render(m.viewport.View()), m.statusLine())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) channelsView() string {
	names := make([]string, 0, len(m.snapshot.Channels))
	for name := range m.snapshot.Channels {
		names = append(names, name)
	}
	slices.Sort(names)

	rows := []string{m.theme.label.Render("Channels")}
	if len(names) == 0 {
		rows = append(rows, m.theme.hint.Render("none enabled"))
	}
	for _, name := range names {
		state := m.snapshot.Channels[name]
		marker := m.theme.running.Render("● running")
		if !state.Running {
			marker = m.theme.stopped.Render("○ stopped")
		}
		row := fmt.Sprintf("%-9s %s", name, marker)
		if state.Error != "" {
			row += " " + m.theme.errText.Render(state.Error)
		}
		rows = append(rows, row)
	}

	return strings.Join(rows, "\n")
}

func (m *model) gatewayView() string {
	bus := m.snapshot.Bus
	status := m.theme.running.Render(m.snapshot.Status)
	if m.snapshot.Status != "ready" {
		status = m.theme.stopped.Render(m.snapshot.Status)
	}

	rows := []string{
		m.theme.label.Render("Gateway"),
		"status    " + status,
		"uptime    " + (time.Duration(m.snapshot.UptimeSeconds) * time.Second).String(),
		fmt.Sprintf("inbound   %d total, %d queued", bus.InboundTotal, bus.InboundQueue),
		fmt.Sprintf("outbound  %d total, %d queued", bus.OutboundTotal, bus.OutboundQueue),
	}
	if m.snapshot.ProviderLastErr != "" {
		rows = append(rows, "provider  "+m.theme.errText.Render(m.snapshot.ProviderLastErr))
	}

	return strings.Join(rows, "\n")
}

func (m *model) statusLine() string {
	switch {
	case m.loading:
		return m.theme.status.Render(m.spinner.View() + " polling...")
	case m.lastErr != "":
		return m.theme.statusErr.Render("gateway unreachable, retrying") + "  " + m.theme.hint.Render("r refresh · q quit")
	default:
		return m.theme.hint.Render("r refresh · PgUp/PgDn scroll · q quit")
	}
}

func (m *model) resizeComponents() {
	m.viewport.Width = max(36, m.width-6)
	m.viewport.Height = max(4, m.height-16)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) {
	switch msg.String() {
	case "pgup", "ctrl+b":
		m.viewport.PageUp()
		m.followLog = false
	case "pgdown", "ctrl+f":
		m.viewport.PageDown()
		m.followLog = m.viewport.AtBottom()
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
	}
}

// transitions describes what changed between two polls in log-line form.
func transitions(prev, next Snapshot) []string {
	var lines []string
	if prev.Status != next.Status {
		lines = append(lines, fmt.Sprintf("gateway %s -> %s", prev.Status, next.Status))
	}
	if next.UptimeSeconds < prev.UptimeSeconds {
		lines = append(lines, "gateway restarted")
	}

	names := make([]string, 0, len(next.Channels))
	for name := range next.Channels {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		before, seen := prev.Channels[name]
		after := next.Channels[name]
		switch {
		case !seen || before.Running != after.Running:
			if after.Running {
				lines = append(lines, name+" started")
			} else if after.Error != "" {
				lines = append(lines, name+" stopped: "+after.Error)
			} else {
				lines = append(lines, name+" stopped")
			}
		case before.Error != after.Error && after.Error != "":
			lines = append(lines, name+" error: "+after.Error)
		}
	}

	if prev.ProviderLastErr != next.ProviderLastErr {
		if next.ProviderLastErr == "" {
			lines = append(lines, "provider recovered")
		} else {
			lines = append(lines, "provider failing: "+next.ProviderLastErr)
		}
	}

	return lines
}

func fetchCmd(ctx context.Context, fetch FetchFunc) tea.Cmd {
	return func() tea.Msg {
		snapshot, err := fetch(ctx)
		return snapshotMsg{snapshot: snapshot, err: err, at: time.Now()}
	}
}

func pollCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}
