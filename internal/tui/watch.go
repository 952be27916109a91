package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// Loader fetches the current tree.
type Loader func(ctx context.Context) (*Node, error)

type treeMsg struct {
	root *Node
	err  error
}

type refreshMsg struct{}

// WatchApp follows a run hierarchy until every run is terminal.
type WatchApp struct {
	load     Loader
	interval time.Duration
	spinner  spinner.Model

	root     *Node
	err      error
	width    int
	settled  bool
	quitting bool

	headerStyle lipgloss.Style
	footerStyle lipgloss.Style
}

// NewWatchApp creates a WatchApp that reloads every interval.
func NewWatchApp(load Loader, interval time.Duration) *WatchApp {
	if interval <= 0 {
		interval = time.Second
	}
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	return &WatchApp{
		load:     load,
		interval: interval,
		spinner:  s,
		width:    80,
		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),
		footerStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Root returns the last loaded tree.
func (a *WatchApp) Root() *Node {
	return a.root
}

// Settled reports whether the watched hierarchy finished.
func (a *WatchApp) Settled() bool {
	return a.settled
}

func (a *WatchApp) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		root, err := a.load(ctx)
		return treeMsg{root: root, err: err}
	}
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetch())
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			a.quitting = true
			return a, tea.Quit
		case "r":
			return a, a.fetch()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case treeMsg:
		a.err = msg.err
		if msg.err == nil {
			a.root = msg.root
			if a.root.Settled() {
				a.settled = true
				return a, tea.Quit
			}
		}
		return a, tea.Tick(a.interval, func(time.Time) tea.Msg { return refreshMsg{} })

	case refreshMsg:
		return a, a.fetch()
	}
	return a, nil
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.root == nil {
		if a.err != nil {
			return errorStyle.Render("error: "+a.err.Error()) + "\n"
		}
		return a.spinner.View() + " loading...\n"
	}

	var b strings.Builder
	b.WriteString(a.headerStyle.Width(a.width).Render("cairn · " + a.root.Run.ID))
	b.WriteString("\n")
	b.WriteString(RenderTree(a.root, a.spinner.View()))
	b.WriteString("\n\n")
	b.WriteString(a.footerStyle.Render(summary(a.root.Count())))
	if a.err != nil {
		b.WriteString("\n" + errorStyle.Render("refresh failed: "+a.err.Error()))
	}
	if !a.settled && !a.quitting {
		b.WriteString("\n" + a.footerStyle.Render("r refresh · q quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func summary(counts map[models.Status]int) string {
	var parts []string
	total := 0
	for _, st := range []models.Status{
		models.StatusQueued, models.StatusRunning, models.StatusSubtasksGenerated,
		models.StatusSubtasksRunning, models.StatusWaitingForInput,
		models.StatusDone, models.StatusFailed, models.StatusCancelled,
	} {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
			total += n
		}
	}
	return fmt.Sprintf("%d runs: %s", total, strings.Join(parts, ", "))
}
