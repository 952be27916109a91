package scm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/cairn/internal/exec"
)

func newTestClient(t *testing.T, fake *exec.Fake) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	return New(fake, Options{Workdir: dir, Owner: "acme"}), dir
}

func TestCheckoutClonesThenFetches(t *testing.T) {
	fake := exec.NewFake()
	c, workdir := newTestClient(t, fake)

	co, err := c.Checkout(context.Background(), "api", "cairn/run-1", "run-1")
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	wantDir := filepath.Join(workdir, "acme_api", "run-1")
	if co.Dir != wantDir {
		t.Errorf("Dir = %q, want %q", co.Dir, wantDir)
	}
	cmds := fake.Commands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %v", cmds)
	}
	if cmds[0] != "git clone https://github.com/acme/api.git "+wantDir {
		t.Errorf("clone = %q", cmds[0])
	}
	if cmds[1] != "git checkout -B cairn/run-1" {
		t.Errorf("checkout = %q", cmds[1])
	}

	if err := os.MkdirAll(filepath.Join(wantDir, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Checkout(context.Background(), "api", "cairn/run-1", "run-1"); err != nil {
		t.Fatalf("second Checkout failed: %v", err)
	}
	if got := fake.Commands()[2]; got != "git fetch origin" {
		t.Errorf("expected fetch on existing clone, got %q", got)
	}
}

func TestCommit(t *testing.T) {
	fake := exec.NewFake().On("git status", exec.Response{Output: " M main.go\x00?? docs/new.md\x00"})
	c, _ := newTestClient(t, fake)
	co := &Checkout{Repo: "api", Branch: "b", Dir: t.TempDir()}

	files, err := c.Commit(context.Background(), co, "change")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if strings.Join(files, ",") != "main.go,docs/new.md" {
		t.Errorf("files = %v", files)
	}
	cmds := fake.Commands()
	if cmds[len(cmds)-1] != "git commit -m change" {
		t.Errorf("last command = %q", cmds[len(cmds)-1])
	}
}

func TestParsePorcelainZ(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want []string
	}{
		{"empty", "", nil},
		{"unstaged first entry", " M main.go\x00", []string{"main.go"}},
		{"staged and untracked", "M  go.mod\x00?? a b.txt\x00", []string{"go.mod", "a b.txt"}},
		{"rename skips source", "R  new.go\x00old.go\x00 D gone.go\x00", []string{"new.go", "gone.go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePorcelainZ(tt.out)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("parsePorcelainZ(%q) = %q, want %q", tt.out, got, tt.want)
			}
		})
	}
}

func TestCommitCleanTree(t *testing.T) {
	fake := exec.NewFake()
	c, _ := newTestClient(t, fake)
	files, err := c.Commit(context.Background(), &Checkout{Dir: t.TempDir()}, "noop")
	if err != nil || files != nil {
		t.Fatalf("files=%v err=%v", files, err)
	}
	if len(fake.Commands()) != 1 {
		t.Errorf("clean tree should only run status, got %v", fake.Commands())
	}
}

func TestOpenPullRequest(t *testing.T) {
	fake := exec.NewFake().On("gh pr create", exec.Response{Output: "Creating pull request\nhttps://github.com/acme/api/pull/7\n"})
	c, _ := newTestClient(t, fake)

	url, err := c.OpenPullRequest(context.Background(), &Checkout{Repo: "api", Branch: "b"}, "t", "body")
	if err != nil {
		t.Fatalf("OpenPullRequest failed: %v", err)
	}
	if url != "https://github.com/acme/api/pull/7" {
		t.Errorf("url = %q", url)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   error
	}{
		{"auth", "remote: Permission denied to bot.", ErrAuth},
		{"conflict", " ! [rejected] b -> b (non-fast-forward)", ErrConflict},
		{"pr exists", "a pull request for branch \"b\" already exists", ErrConflict},
		{"transient", "fatal: unable to access: Could not resolve host: github.com", ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := exec.NewFake().On("git push", exec.Response{Output: tt.output, ExitCode: 128})
			c, _ := newTestClient(t, fake)
			err := c.Push(context.Background(), &Checkout{Branch: "b", Dir: "/tmp"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want class %v", err, tt.want)
			}
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				t.Error("underlying exit error should stay reachable")
			}
		})
	}

	fake := exec.NewFake().On("git push", exec.Response{Output: "weird", ExitCode: 1})
	c, _ := newTestClient(t, fake)
	err := c.Push(context.Background(), &Checkout{Branch: "b"})
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrConflict) || Retryable(err) {
		t.Errorf("unclassified output should have no class: %v", err)
	}
}

func TestFullName(t *testing.T) {
	c := New(exec.NewFake(), Options{Owner: "acme"})
	if got := c.FullName("other/repo"); got != "other/repo" {
		t.Errorf("FullName = %q", got)
	}
	if got := c.FullName("repo"); got != "acme/repo" {
		t.Errorf("FullName = %q", got)
	}
}
