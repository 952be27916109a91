package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

func buildTree(t *testing.T) (*store.Memory, string, []string) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	root, err := s.CreateRun(ctx, store.CreateRequest{
		AgentType: models.AgentPM,
		Payload:   models.Payload{Title: "users", Description: "users feature", Repos: []string{"acme/api"}},
	})
	require.NoError(t, err)

	var kids []string
	for i, title := range []string{"model", "handler"} {
		idx := i
		id, err := s.CreateRun(ctx, store.CreateRequest{
			AgentType:    models.AgentSWE,
			Payload:      models.Payload{Title: title, Description: title},
			ParentRunID:  root,
			SubtaskIndex: &idx,
		})
		require.NoError(t, err)
		kids = append(kids, id)
	}
	return s, root, kids
}

func TestLoadTree(t *testing.T) {
	s, root, kids := buildTree(t)

	tree, err := LoadTree(context.Background(), s, root)
	require.NoError(t, err)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, kids[0], tree.Children[0].Run.ID)
	assert.False(t, tree.Settled())
	assert.Equal(t, 3, tree.Count()[models.StatusQueued])

	_, err = LoadTree(context.Background(), s, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNode_Settled(t *testing.T) {
	done := func(children ...*Node) *Node {
		return &Node{Run: &models.Run{Status: models.StatusDone}, Children: children}
	}
	running := &Node{Run: &models.Run{Status: models.StatusRunning}}

	assert.True(t, done(done(), done()).Settled())
	assert.False(t, done(done(), running).Settled())
	assert.False(t, (&Node{Run: &models.Run{Status: models.StatusWaitingForInput}}).Settled())
}

func TestRenderTree(t *testing.T) {
	root := &Node{
		Run: &models.Run{ID: "0123456789", AgentType: models.AgentPM, Status: models.StatusSubtasksRunning,
			Payload: models.Payload{Description: "users feature\nmore detail"}},
		Children: []*Node{
			{Run: &models.Run{ID: "aaaaaaaaaa", AgentType: models.AgentSWE, Status: models.StatusDone,
				Payload: models.Payload{Title: "model"}, Result: &models.Result{PRURL: "https://example.com/pr/1"}}},
			{Run: &models.Run{ID: "bbbbbbbbbb", AgentType: models.AgentSWE, Status: models.StatusFailed,
				Payload: models.Payload{Title: "handler"}, Result: &models.Result{Error: "boom\ntrace"}}},
		},
	}

	out := RenderTree(root, "*")
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "* SubtasksRunning")
	assert.Contains(t, lines[0], "01234567")
	assert.Contains(t, lines[0], "users feature")
	assert.NotContains(t, lines[0], "more detail")
	assert.Contains(t, lines[1], "├─ ")
	assert.Contains(t, lines[1], "https://example.com/pr/1")
	assert.Contains(t, lines[2], "└─ ")
	assert.Contains(t, lines[2], "boom")
	assert.NotContains(t, lines[2], "trace")
}

func TestWatchApp_QuitsWhenSettled(t *testing.T) {
	settled := &Node{Run: &models.Run{ID: "r1", AgentType: models.AgentSWE, Status: models.StatusDone}}
	app := NewWatchApp(func(context.Context) (*Node, error) { return settled, nil }, 0)

	msg := app.fetch()()
	_, cmd := app.Update(msg)
	require.NotNil(t, cmd)
	assert.True(t, app.Settled())
	assert.Equal(t, tea.Quit(), cmd())
	assert.Contains(t, app.View(), "1 runs: 1 Done")
}

func TestWatchApp_KeepsPollingActiveTree(t *testing.T) {
	active := &Node{Run: &models.Run{ID: "r1", AgentType: models.AgentSWE, Status: models.StatusRunning}}
	app := NewWatchApp(func(context.Context) (*Node, error) { return active, nil }, 0)

	_, cmd := app.Update(app.fetch()())
	require.NotNil(t, cmd)
	assert.False(t, app.Settled())
	assert.Contains(t, app.View(), "q quit")
}

func TestWatchApp_LoadError(t *testing.T) {
	app := NewWatchApp(func(context.Context) (*Node, error) { return nil, errors.New("db locked") }, 0)
	app.Update(app.fetch()())
	assert.Nil(t, app.Root())
	assert.Contains(t, app.View(), "db locked")
}

func TestWatchApp_QuitKey(t *testing.T) {
	app := NewWatchApp(func(context.Context) (*Node, error) { return nil, nil }, 0)
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
