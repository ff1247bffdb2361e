package sim

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"bridgesim/internal/config"
	"bridgesim/internal/event"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// logMsg carries a log line for the event viewport.
type logMsg struct{ line string }

// findingMsg carries a probe verdict or violation line.
type findingMsg struct{ line string }

// statusMsg carries a runner status refresh.
type statusMsg struct{ Status }

const (
	maxLogLines         = 1000
	maxSectionHeightPct = 0.2
)

// TUIWriter renders event rows using a bubbletea TUI.
type TUIWriter struct {
	program    teaProgram
	done       chan struct{}
	sendSignal atomic.Bool
}

// NewTUIWriter starts a bubbletea program and returns a TUIWriter. Quitting
// the program interrupts the process unless Close was called first.
func NewTUIWriter(cfg *config.SimulationConfig) *TUIWriter {
	w := &TUIWriter{done: make(chan struct{})}
	w.sendSignal.Store(true)
	p := tea.NewProgram(newTUIModel(cfg), tea.WithAltScreen())
	w.program = p
	go func() {
		_, _ = p.Run()
		close(w.done)
		if w.sendSignal.Load() {
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()
	return w
}

// Write implements EventWriter. Block rows are not shown.
func (w *TUIWriter) Write(row event.Row) error {
	if row.Kind == event.KindBlock {
		return nil
	}
	line := formatRow(row)
	if row.Kind == event.KindFinding {
		w.program.Send(findingMsg{line: line})
		return nil
	}
	w.program.Send(logMsg{line: line})
	return nil
}

// WriteBatch outputs multiple rows.
func (w *TUIWriter) WriteBatch(rows []event.Row) error {
	for _, r := range rows {
		_ = w.Write(r)
	}
	return nil
}

// SetStatus refreshes the bridge table and footer.
func (w *TUIWriter) SetStatus(st Status) {
	w.program.Send(statusMsg{st})
}

// Close shuts down the TUI program and waits for cleanup.
func (w *TUIWriter) Close() error {
	w.sendSignal.Store(false)
	if w.program != nil {
		w.program.Send(tea.Quit())
	}
	if w.done != nil {
		<-w.done
	}
	return nil
}

type tuiModel struct {
	cfg          *config.SimulationConfig
	table        table.Model
	vp           viewport.Model
	findVP       viewport.Model
	logs         []string
	findings     []string
	status       Status
	filter       string
	filterInput  textinput.Model
	filterDialog bool
	wrap         bool
	autoscroll   bool
	summary      bool
	help         bool
	showChains   bool
	header       string
	headerHeight int
	height       int
}

func newTUIModel(cfg *config.SimulationConfig) tuiModel {
	cols := []table.Column{
		{Title: "Bridge", Width: 10},
		{Title: "Type", Width: 18},
		{Title: "Route", Width: 12},
		{Title: "Status", Width: 9},
		{Title: "Validators", Width: 10},
		{Title: "In flight", Width: 9},
	}
	rows := make([]table.Row, 0, len(cfg.Bridges))
	for _, b := range cfg.Bridges {
		rows = append(rows, table.Row{b.ID, b.Type, b.Source + " -> " + b.Destination, "active",
			fmt.Sprintf("%d/%d", b.Validators, b.Validators), "0"})
	}
	t := table.New(table.WithColumns(cols), table.WithRows(rows), table.WithHeight(len(rows)+1))
	return tuiModel{
		cfg:        cfg,
		table:      t,
		vp:         viewport.New(0, 0),
		findVP:     viewport.New(0, 0),
		autoscroll: true,
		showChains: true,
	}
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.vp.Width = msg.Width
		m.findVP.Width = msg.Width
		m.height = msg.Height
		m.refreshHeader()
		m.updateViewportHeight()
		m.refreshViewport()
		m.refreshFindings()
	case tea.KeyMsg:
		if m.filterDialog {
			switch msg.Type {
			case tea.KeyEnter:
				m.filter = strings.TrimSpace(m.filterInput.Value())
				m.filterDialog = false
				m.updateViewportHeight()
				m.refreshViewport()
			case tea.KeyEsc:
				m.filterDialog = false
				m.updateViewportHeight()
			default:
				var cmd tea.Cmd
				m.filterInput, cmd = m.filterInput.Update(msg)
				return m, cmd
			}
			return m, nil
		}
		if m.help {
			switch msg.String() {
			case "?", "h", "esc":
				m.help = false
			}
			return m, nil
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "w":
			m.wrap = !m.wrap
			m.refreshViewport()
			m.refreshHeader()
			m.updateViewportHeight()
			return m, nil
		case "s":
			m.autoscroll = !m.autoscroll
			if m.autoscroll {
				m.vp.GotoBottom()
				m.findVP.GotoBottom()
			}
			return m, nil
		case "/":
			m.filterInput = textinput.New()
			m.filterInput.Placeholder = "bridge, transfer id or kind"
			m.filterInput.SetValue(m.filter)
			m.filterInput.CursorEnd()
			m.filterInput.Focus()
			m.filterDialog = true
			m.updateViewportHeight()
			return m, nil
		case "c":
			m.showChains = !m.showChains
			m.refreshHeader()
			m.updateViewportHeight()
			return m, nil
		case "t":
			m.summary = !m.summary
			m.updateViewportHeight()
			return m, nil
		case "h", "?":
			m.help = !m.help
			return m, nil
		}
		if !m.autoscroll {
			switch msg.String() {
			case "j", "down":
				m.vp.LineDown(1)
			case "k", "up":
				m.vp.LineUp(1)
			case "pgdown", "ctrl+n":
				m.vp.LineDown(10)
			case "pgup", "ctrl+p":
				m.vp.LineUp(10)
			default:
				var cmd tea.Cmd
				m.vp, cmd = m.vp.Update(msg)
				return m, cmd
			}
		}
		return m, nil
	case logMsg:
		m.logs = appendCapped(m.logs, msg.line)
		m.refreshViewport()
	case findingMsg:
		m.findings = appendCapped(m.findings, msg.line)
		m.updateViewportHeight()
		m.refreshFindings()
		m.refreshViewport()
	case statusMsg:
		m.status = msg.Status
		m.table.SetRows(bridgeRows(msg.Status))
		m.refreshHeader()
		m.updateViewportHeight()
	}
	return m, nil
}

func appendCapped(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	return lines
}

func bridgeRows(st Status) []table.Row {
	rows := make([]table.Row, 0, len(st.Bridges))
	for _, b := range st.Bridges {
		status := string(b.Status)
		if b.Fatal {
			status = "fatal"
		}
		rows = append(rows, table.Row{b.ID, string(b.Kind), b.Source + " -> " + b.Destination, status,
			fmt.Sprintf("%d/%d", b.Validators-b.Failed, b.Validators), fmt.Sprint(b.InFlight)})
	}
	return rows
}

func (m *tuiModel) refreshHeader() {
	m.header = m.renderHeader()
	m.headerHeight = lipgloss.Height(m.header)
}

func (m *tuiModel) updateViewportHeight() {
	bottomHeight := lipgloss.Height(m.renderBottom())
	findLines := len(m.findings)
	if findLines == 0 {
		findLines = 1
	}
	if maxLines := m.maxSectionLines(); findLines > maxLines {
		findLines = maxLines
	}
	m.findVP.Height = findLines
	dialog := 0
	if m.filterDialog {
		dialog = 2
	}
	h := m.height - m.headerHeight - bottomHeight - (1 + m.findVP.Height) - dialog - 3
	if h < 0 {
		h = 0
	}
	m.vp.Height = h
	if m.autoscroll {
		m.findVP.GotoBottom()
		m.vp.GotoBottom()
	}
}

func (m *tuiModel) refreshViewport() {
	var lines []string
	for _, l := range m.logs {
		if m.filter != "" && !strings.Contains(l, m.filter) {
			continue
		}
		if m.wrap {
			lines = append(lines, wordwrap.String(l, m.vp.Width))
		} else {
			lines = append(lines, l)
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m *tuiModel) refreshFindings() {
	content := "none"
	if len(m.findings) > 0 {
		content = strings.Join(m.findings, "\n")
	}
	m.findVP.SetContent(content)
	if m.autoscroll {
		m.findVP.GotoBottom()
	}
}

func (m tuiModel) maxSectionLines() int {
	h := int(float64(m.height) * maxSectionHeightPct)
	if h < 1 {
		h = 1
	}
	return h
}

func (m tuiModel) View() string {
	if m.help {
		return m.renderHelp()
	}
	divider := strings.Repeat("─", m.vp.Width)
	sections := []string{
		m.header,
		divider,
		m.vp.View(),
		divider,
		"Findings:",
		m.findVP.View(),
	}
	if m.filterDialog {
		sections = append(sections, divider, "Filter: "+m.filterInput.View())
	}
	sections = append(sections, divider, m.renderBottom())
	return strings.Join(sections, "\n")
}

func (m tuiModel) renderHeader() string {
	tableView := m.table.View()
	if !m.showChains {
		return tableView
	}
	width := m.vp.Width - lipgloss.Width(tableView) - 1
	chains := renderChainTree(m.cfg, m.status, m.wrap, width)
	sep := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("│")
	return lipgloss.JoinHorizontal(lipgloss.Top, tableView, sep, chains)
}

func renderChainTree(cfg *config.SimulationConfig, st Status, wrap bool, width int) string {
	heights := make(map[string]string, len(st.Chains))
	for _, c := range st.Chains {
		h := fmt.Sprintf("h=%d conf=%d fin=%d", c.Height, c.ConfirmedHeight, c.FinalizedHeight)
		if c.Halted {
			h += " " + colorRed + "halted" + colorReset
		}
		heights[c.ID] = h
	}
	var b strings.Builder
	b.WriteString("Chains\n")
	for i, c := range cfg.Chains {
		prefix := "├─"
		if i == len(cfg.Chains)-1 {
			prefix = "└─"
		}
		line := fmt.Sprintf("%s %s%s%s confirmations=%d finality=%d %s", prefix, colorCyan, c.ID, colorReset,
			c.Confirmations, c.FinalityBlocks, heights[c.ID])
		if width > 0 {
			if wrap {
				line = wordwrap.String(line, width)
			} else {
				line = truncate.String(line, uint(width))
			}
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m tuiModel) renderSummary() string {
	s := m.status.Metrics
	var parts []string
	for _, b := range s.Bridges {
		parts = append(parts, fmt.Sprintf("%s%s%s=%d/%d p50=%.0fs", colorBlue, b.Bridge, colorReset,
			b.Completed, b.Initiated, b.Latency.P50))
	}
	summary := fmt.Sprintf("%sSUMMARY%s %sswaps=%d%s %sfindings=%d%s %svulnerable=%d%s %sfailures=%d%s",
		colorBlue, colorReset,
		colorMagenta, s.Swaps.Proposed, colorReset,
		colorYellow, s.Findings, colorReset,
		colorRed, s.Vulnerabilities, colorReset,
		colorCyan, s.FailuresApplied, colorReset)
	if len(parts) > 0 {
		summary += " " + strings.Join(parts, " ")
	}
	return summary
}

func indicator(on bool) string {
	c := lipgloss.Color("9")
	if on {
		c = lipgloss.Color("10")
	}
	return lipgloss.NewStyle().Foreground(c).Render("●")
}

func (m tuiModel) renderBottom() string {
	state := "running"
	switch {
	case m.status.Aborted:
		state = colorRed + "aborted" + colorReset
	case m.status.Done:
		state = colorGreen + "done" + colorReset
	}
	line := fmt.Sprintf("%sTICK%s %d %s%s%s active_failures=%d | Wrap %s | Scroll %s | Summary %s | Chains %s",
		colorBlue, colorReset, m.status.Tick, colorGray, m.status.RunID, colorReset, len(m.status.Active),
		indicator(m.wrap), indicator(m.autoscroll), indicator(m.summary), indicator(m.showChains))
	line = state + " " + line
	if m.filter != "" {
		line += fmt.Sprintf(" | filter=%q", m.filter)
	}
	if m.summary {
		return fmt.Sprintf("%s\n%s", m.renderSummary(), line)
	}
	return line
}

func (m tuiModel) renderHelp() string {
	lines := []string{
		"Key Bindings:",
		" q  quit",
		" w  toggle wrap",
		" s  toggle auto-scroll",
		" /  filter event lines",
		" t  toggle summary footer",
		" c  toggle chain tree",
		" h/? toggle this help view",
		"",
		"When auto-scroll is disabled:",
		" j/k or up/down    scroll one line",
		" pgdown/pgup       scroll a page",
	}
	return strings.Join(lines, "\n")
}
