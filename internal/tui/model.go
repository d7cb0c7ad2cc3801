// Package tui implements the Bubble Tea interface for driving one or more
// swarms interactively (SPEC_FULL §6).
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mindsgn-studio/swarmline/internal/swarm"
)

// View types
type viewType int

const (
	viewMain viewType = iota
	viewDetails
	viewSettings
)

// SwarmState is a point-in-time snapshot of one attached swarm, refreshed
// on every tick from its live accessor methods.
type SwarmState struct {
	Swarm      *swarm.Swarm
	Name       string
	Progress   float64
	Downloaded int64
	NumPieces  int
	Peers      int
	Status     string // "downloading", "complete"
}

// Model is the main TUI model.
type Model struct {
	currentView viewType

	swarms      []*SwarmState
	selectedIdx int

	mainTable   table.Model
	progressBar progress.Model

	width  int
	height int

	styles Styles
}

// Styles contains all lipgloss styles.
type Styles struct {
	Title       lipgloss.Style
	Subtitle    lipgloss.Style
	StatusBar   lipgloss.Style
	ProgressBar lipgloss.Style
	Table       lipgloss.Style
	Selected    lipgloss.Style
	Help        lipgloss.Style
}

func defaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			MarginBottom(1),
		Subtitle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")),
		StatusBar: lipgloss.NewStyle().
			Background(lipgloss.Color("#7D56F4")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1),
		ProgressBar: lipgloss.NewStyle().
			MarginTop(1).
			MarginBottom(1),
		Table: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")),
		Selected: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")),
		Help: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1),
	}
}

// NewModel creates a new TUI model with no swarms attached yet; callers add
// them via AddSwarm before starting the program.
func NewModel() Model {
	columns := []table.Column{
		{Title: "Name", Width: 32},
		{Title: "Progress", Width: 12},
		{Title: "Down", Width: 12},
		{Title: "Pieces", Width: 12},
		{Title: "Peers", Width: 8},
		{Title: "Status", Width: 14},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#7D56F4")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#7D56F4")).
		Bold(false)
	t.SetStyles(s)

	prog := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)

	return Model{
		currentView: viewMain,
		swarms:      make([]*SwarmState, 0),
		mainTable:   t,
		progressBar: prog,
		styles:      defaultStyles(),
	}
}

// AddSwarm attaches a swarm to the model before the program starts.
func (m *Model) AddSwarm(name string, s *swarm.Swarm) {
	m.swarms = append(m.swarms, &SwarmState{
		Swarm:  s,
		Name:   name,
		Status: "downloading",
	})
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tickMsg:
		m.updateSwarmStats()
		return m, tickCmd()
	}

	switch m.currentView {
	case viewMain:
		var cmd tea.Cmd
		m.mainTable, cmd = m.mainTable.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the UI.
func (m Model) View() string {
	switch m.currentView {
	case viewMain:
		return m.renderMainView()
	case viewDetails:
		return m.renderDetailsView()
	case viewSettings:
		return m.renderSettingsView()
	}
	return ""
}

func (m Model) renderMainView() string {
	title := m.styles.Title.Render("swarmline")
	subtitle := m.styles.Subtitle.Render(fmt.Sprintf("Active swarms: %d", len(m.swarms)))

	rows := make([]table.Row, len(m.swarms))
	for i, s := range m.swarms {
		rows[i] = table.Row{
			s.Name,
			fmt.Sprintf("%.1f%%", s.Progress*100),
			formatBytes(s.Downloaded),
			fmt.Sprintf("%d / %d", int(s.Progress*float64(s.NumPieces)), s.NumPieces),
			fmt.Sprintf("%d", s.Peers),
			s.Status,
		}
	}
	m.mainTable.SetRows(rows)

	tableView := m.styles.Table.Render(m.mainTable.View())

	help := m.styles.Help.Render(
		"[d] Details  [s] Settings  [q] Quit",
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		subtitle,
		"",
		tableView,
		help,
	)
}

func (m Model) renderDetailsView() string {
	if m.selectedIdx >= len(m.swarms) {
		return "No swarm selected"
	}

	s := m.swarms[m.selectedIdx]
	title := m.styles.Title.Render(s.Name)

	info := lipgloss.JoinVertical(
		lipgloss.Left,
		fmt.Sprintf("Progress: %s", m.progressBar.ViewAs(s.Progress)),
		fmt.Sprintf("Downloaded: %s", formatBytes(s.Downloaded)),
		fmt.Sprintf("Peers: %d", s.Peers),
		fmt.Sprintf("Pieces: %d / %d", int(s.Progress*float64(s.NumPieces)), s.NumPieces),
		fmt.Sprintf("Status: %s", s.Status),
	)

	help := m.styles.Help.Render("[esc] Back")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		"",
		info,
		"",
		help,
	)
}

func (m Model) renderSettingsView() string {
	title := m.styles.Title.Render("Settings")

	settings := lipgloss.JoinVertical(
		lipgloss.Left,
		"Download Directory: ./downloads",
		"Max Peers: 40",
	)

	help := m.styles.Help.Render("[esc] Back")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		"",
		settings,
		"",
		help,
	)
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "d":
		if m.currentView == viewMain {
			m.currentView = viewDetails
			m.selectedIdx = m.mainTable.Cursor()
		}
		return m, nil

	case "s":
		if m.currentView == viewMain {
			m.currentView = viewSettings
		}
		return m, nil

	case "esc":
		m.currentView = viewMain
		return m, nil
	}

	return m, nil
}

// updateSwarmStats refreshes each row's snapshot from its live swarm.
func (m *Model) updateSwarmStats() {
	for _, s := range m.swarms {
		if s.Swarm == nil {
			continue
		}
		s.Progress = s.Swarm.Progress()
		s.Downloaded = s.Swarm.Downloaded()
		s.Peers = s.Swarm.PeerCount()
		s.NumPieces = s.Swarm.NumPieces()
		if s.Progress >= 1.0 {
			s.Status = "complete"
		}
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
