// Package tui provides the terminal conflict picker used by the manual
// conflict policy.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"todosync/backend"
	"todosync/internal/conflict"
)

// ErrAborted is returned when the user quits the picker without choosing.
// It aborts the sync cycle, leaving local state untouched.
var ErrAborted = errors.New("conflict resolution aborted")

// Choice is the version the user kept.
type Choice int

const (
	ChoiceNone Choice = iota
	ChoiceLocal
	ChoiceRemote
)

func (c Choice) String() string {
	switch c {
	case ChoiceLocal:
		return "local"
	case ChoiceRemote:
		return "remote"
	}
	return "none"
}

type keyMap struct {
	Local  key.Binding
	Remote key.Binding
	Left   key.Binding
	Right  key.Binding
	Choose key.Binding
	Help   key.Binding
	Quit   key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Local, k.Remote, k.Choose, k.Quit, k.Help}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Local, k.Remote},
		{k.Left, k.Right, k.Choose},
		{k.Help, k.Quit},
	}
}

func defaultKeys() keyMap {
	return keyMap{
		Local:  key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "keep local")),
		Remote: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "keep remote")),
		Left:   key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "local pane")),
		Right:  key.NewBinding(key.WithKeys("right", "tab"), key.WithHelp("→/tab", "remote pane")),
		Choose: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "keep highlighted")),
		Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more keys")),
		Quit:   key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "abort sync")),
	}
}

// Model is the bubbletea model for one conflict.
type Model struct {
	conflict conflict.Conflict
	number   int

	cursor  Choice
	choice  Choice
	aborted bool

	keys keyMap
	help help.Model

	width  int
	height int

	paneStyle     lipgloss.Style
	selectedStyle lipgloss.Style
	titleStyle    lipgloss.Style
	labelStyle    lipgloss.Style
	changedStyle  lipgloss.Style
	helpStyle     lipgloss.Style
}

// New creates a picker model for the number-th conflict of a cycle.
func New(c conflict.Conflict, number int) *Model {
	return &Model{
		conflict: c,
		number:   number,
		cursor:   ChoiceLocal,
		keys:     defaultKeys(),
		help:     help.New(),
		width:    80,
		paneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		selectedStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("212")).
			Padding(0, 1),
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		changedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),
		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
	}
}

// Choice returns the kept version, ChoiceNone when the user aborted.
func (m *Model) Choice() Choice {
	return m.choice
}

// Aborted reports whether the user quit without choosing.
func (m *Model) Aborted() bool {
	return m.aborted
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.aborted = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Local):
			m.choice = ChoiceLocal
			return m, tea.Quit
		case key.Matches(msg, m.keys.Remote):
			m.choice = ChoiceRemote
			return m, tea.Quit
		case key.Matches(msg, m.keys.Left):
			m.cursor = ChoiceLocal
		case key.Matches(msg, m.keys.Right):
			m.cursor = ChoiceRemote
		case key.Matches(msg, m.keys.Choose):
			m.choice = m.cursor
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	peer := m.conflict.PeerDevice.Name
	if peer == "" {
		peer = m.conflict.PeerDevice.ID
	}
	if peer == "" {
		peer = "unknown device"
	}
	b.WriteString(m.titleStyle.Render(fmt.Sprintf("Conflict %d: %s", m.number, m.conflict.ItemID)))
	b.WriteString("\n")
	b.WriteString(m.labelStyle.Render("Edited here and on " + peer))
	b.WriteString("\n\n")

	rows := fieldRows(m.conflict.Local, m.conflict.Remote)
	paneWidth := (m.width - 6) / 2
	if paneWidth < 20 {
		paneWidth = 20
	}
	local := m.pane("This device", rows, true, m.cursor == ChoiceLocal, paneWidth)
	remote := m.pane(peer, rows, false, m.cursor == ChoiceRemote, paneWidth)
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, local, " ", remote))
	b.WriteString("\n")
	b.WriteString(m.helpStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func (m *Model) pane(title string, rows []fieldRow, local, selected bool, width int) string {
	lines := []string{m.titleStyle.Render(title)}
	for _, r := range rows {
		value := r.remote
		if local {
			value = r.local
		}
		if value == "" {
			value = "-"
		}
		line := m.labelStyle.Render(fmt.Sprintf("%-11s", r.name+":")) + " "
		if r.changed() {
			line += m.changedStyle.Render(value)
		} else {
			line += value
		}
		lines = append(lines, line)
	}

	style := m.paneStyle
	if selected {
		style = m.selectedStyle
	}
	return style.Width(width).Render(strings.Join(lines, "\n"))
}

type fieldRow struct {
	name   string
	local  string
	remote string
}

func (r fieldRow) changed() bool {
	return r.local != r.remote
}

func fieldRows(local, remote backend.Task) []fieldRow {
	row := func(name string, get func(backend.Task) string) fieldRow {
		return fieldRow{name: name, local: get(local), remote: get(remote)}
	}
	return []fieldRow{
		row("Summary", func(t backend.Task) string { return t.Summary }),
		row("Notes", func(t backend.Task) string { return t.Description }),
		row("Status", func(t backend.Task) string { return string(t.Status) }),
		row("Priority", func(t backend.Task) string {
			if t.Priority == 0 {
				return ""
			}
			return strconv.Itoa(t.Priority)
		}),
		row("Due", func(t backend.Task) string { return formatDate(t.DueDate) }),
		row("Tags", func(t backend.Task) string { return t.Categories }),
		row("Updated", func(t backend.Task) string { return t.Modified.Local().Format("2006-01-02 15:04:05") }),
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// Picker resolves manual conflicts by running one picker program per
// conflict. Its Resolve method is a conflict.Callback.
type Picker struct {
	opts []tea.ProgramOption

	mu    sync.Mutex
	count int
}

// NewPicker creates a picker; opts are passed to every tea.Program.
func NewPicker(opts ...tea.ProgramOption) *Picker {
	return &Picker{opts: opts}
}

// Resolve asks the user which version of c to keep.
func (p *Picker) Resolve(ctx context.Context, c conflict.Conflict) (backend.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++

	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, p.opts...)
	final, err := tea.NewProgram(New(c, p.count), opts...).Run()
	if err != nil {
		return backend.Task{}, fmt.Errorf("conflict picker: %w", err)
	}

	m, ok := final.(*Model)
	if !ok {
		return backend.Task{}, fmt.Errorf("conflict picker: unexpected model %T", final)
	}
	switch m.Choice() {
	case ChoiceLocal:
		return c.Local, nil
	case ChoiceRemote:
		return c.Remote, nil
	}
	return backend.Task{}, ErrAborted
}
