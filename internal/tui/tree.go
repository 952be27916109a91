package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// Node is a run together with its materialized children.
type Node struct {
	Run      *models.Run
	Children []*Node
}

// Settled reports whether every run in the tree is terminal.
func (n *Node) Settled() bool {
	if !n.Run.Status.Terminal() {
		return false
	}
	for _, c := range n.Children {
		if !c.Settled() {
			return false
		}
	}
	return true
}

// Count returns the number of runs in the tree by status.
func (n *Node) Count() map[models.Status]int {
	out := make(map[models.Status]int)
	var walk func(*Node)
	walk = func(x *Node) {
		out[x.Run.Status]++
		for _, c := range x.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}

// LoadTree reads rootID and all of its descendants.
func LoadTree(ctx context.Context, s store.RunStore, rootID string) (*Node, error) {
	run, err := s.GetRun(ctx, rootID)
	if err != nil {
		return nil, err
	}
	node := &Node{Run: run}
	if !run.AgentType.Composite() {
		return node, nil
	}
	children, err := store.Children(ctx, s, rootID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", rootID, err)
	}
	for _, child := range children {
		sub, err := LoadTree(ctx, s, child.ID)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, sub)
	}
	return node, nil
}

var (
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	agentStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	urlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Underline(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyles = map[models.Status]lipgloss.Style{
		models.StatusQueued:            lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		models.StatusRunning:           lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusSubtasksGenerated: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusSubtasksRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("205")),
		models.StatusWaitingForInput:   lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
		models.StatusDone:              lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		models.StatusFailed:            lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StatusCancelled:         lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

var statusGlyphs = map[models.Status]string{
	models.StatusQueued:          "○",
	models.StatusWaitingForInput: "?",
	models.StatusDone:            "✓",
	models.StatusFailed:          "✗",
	models.StatusCancelled:       "-",
}

// RenderTree renders the hierarchy one run per line. active replaces the
// glyph of runs that are executing or composing.
func RenderTree(root *Node, active string) string {
	var b strings.Builder
	renderNode(&b, root, "", "", active)
	return strings.TrimRight(b.String(), "\n")
}

func renderNode(b *strings.Builder, n *Node, prefix, branch, active string) {
	run := n.Run
	glyph, ok := statusGlyphs[run.Status]
	if !ok {
		glyph = active
		if glyph == "" {
			glyph = "•"
		}
	}
	style := statusStyles[run.Status]

	b.WriteString(prefix + branch)
	b.WriteString(style.Render(glyph + " " + string(run.Status)))
	b.WriteString(" ")
	b.WriteString(agentStyle.Render(string(run.AgentType)))
	b.WriteString(" ")
	b.WriteString(idStyle.Render(shortID(run.ID)))
	if title := runTitle(run); title != "" {
		b.WriteString(" " + title)
	}
	if res := run.Result; res != nil {
		switch {
		case res.PRURL != "":
			b.WriteString(" " + urlStyle.Render(res.PRURL))
		case res.Error != "" && run.Status != models.StatusDone:
			b.WriteString(" " + errorStyle.Render(firstLine(res.Error)))
		}
	}
	b.WriteString("\n")

	childPrefix := prefix
	switch branch {
	case "├─ ":
		childPrefix += "│  "
	case "└─ ":
		childPrefix += "   "
	}
	for i, c := range n.Children {
		next := "├─ "
		if i == len(n.Children)-1 {
			next = "└─ "
		}
		renderNode(b, c, childPrefix, next, active)
	}
}

func runTitle(run *models.Run) string {
	if run.Payload.Title != "" {
		return run.Payload.Title
	}
	title := firstLine(run.Payload.Description)
	if len(title) > 60 {
		title = title[:57] + "..."
	}
	return title
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
