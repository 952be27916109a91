package workspace

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/cairn/internal/exec"
	"github.com/ShayCichocki/cairn/internal/policy"
	"github.com/ShayCichocki/cairn/internal/scm"
)

func newWorkspace(t *testing.T, fake *exec.Fake) *Workspace {
	t.Helper()
	engine, err := policy.Load(context.Background(), "")
	require.NoError(t, err)
	client := scm.New(fake, scm.Options{Workdir: t.TempDir()})
	return New(client, engine, Options{RunID: "run-1", AgentType: "SWE", Repos: []string{"acme/api"}})
}

func TestWriteReadList(t *testing.T) {
	ws := newWorkspace(t, exec.NewFake())
	ctx := context.Background()

	require.NoError(t, ws.WriteFile(ctx, "acme/api", "pkg/util/strings.go", "package util\n"))
	content, err := ws.ReadFile(ctx, "acme/api", "pkg/util/strings.go")
	require.NoError(t, err)
	assert.Equal(t, "package util\n", content)

	files, err := ws.ListFiles(ctx, "acme/api", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/util/strings.go"}, files)
	assert.Equal(t, "cairn/run-1", ws.Branch())
}

func TestScopeEnforced(t *testing.T) {
	fake := exec.NewFake()
	ws := newWorkspace(t, fake)
	ctx := context.Background()

	err := ws.WriteFile(ctx, "acme/web", "main.go", "x")
	assert.ErrorIs(t, err, ErrDenied)

	err = ws.WriteFile(ctx, "acme/api", ".git/config", "x")
	assert.ErrorIs(t, err, ErrDenied)

	for _, p := range []string{"../escape.go", "/etc/passwd", "a/../../b", ""} {
		_, err := ws.ReadFile(ctx, "acme/api", p)
		assert.ErrorIs(t, err, ErrPath, p)
	}

	for _, cmd := range fake.Commands() {
		assert.False(t, strings.Contains(cmd, "acme/web"), "out-of-scope repo must not be cloned: %s", cmd)
	}
}

func TestPublish(t *testing.T) {
	fake := exec.NewFake().
		On("git status", exec.Response{Output: " M main.go\x00"}).
		On("gh pr create", exec.Response{Output: "https://github.com/acme/api/pull/3\n"})
	ws := newWorkspace(t, fake)
	ctx := context.Background()

	require.NoError(t, ws.WriteFile(ctx, "acme/api", "main.go", "package main\n"))
	pubs, err := ws.Publish(ctx, "Add main", "body")
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, "https://github.com/acme/api/pull/3", pubs[0].PRURL)
	assert.Equal(t, []string{"main.go"}, pubs[0].Files)
	assert.Contains(t, fake.Commands(), "git push -u origin cairn/run-1")
}

func TestPublishNothingCheckedOut(t *testing.T) {
	ws := newWorkspace(t, exec.NewFake())
	pubs, err := ws.Publish(context.Background(), "t", "b")
	require.NoError(t, err)
	assert.Empty(t, pubs)
}
