// Package scm clones repositories, commits agent changes, and opens pull
// requests using the git and gh command line tools.
package scm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/cairn/internal/exec"
)

// Options configures a Client.
type Options struct {
	// Workdir holds one checkout per (repository, run).
	Workdir string
	// RemoteBase is the clone URL prefix, e.g. https://github.com.
	RemoteBase string
	// Owner qualifies bare repository names.
	Owner string
}

// Checkout is a working copy of a repository on a run branch.
type Checkout struct {
	Repo   string
	Branch string
	Dir    string
}

// Client performs source-control operations.
type Client struct {
	runner exec.Runner
	opts   Options
}

// New creates a Client.
func New(runner exec.Runner, opts Options) *Client {
	if opts.RemoteBase == "" {
		opts.RemoteBase = "https://github.com"
	}
	return &Client{runner: runner, opts: opts}
}

// FullName qualifies repo with the configured owner when it has none.
func (c *Client) FullName(repo string) string {
	if strings.Contains(repo, "/") || c.opts.Owner == "" {
		return repo
	}
	return c.opts.Owner + "/" + repo
}

func (c *Client) remoteURL(repo string) string {
	base := strings.TrimSuffix(c.opts.RemoteBase, "/")
	if strings.HasPrefix(base, "/") || strings.HasPrefix(base, "file://") {
		return base + "/" + c.FullName(repo)
	}
	return base + "/" + c.FullName(repo) + ".git"
}

// Checkout clones repo (or refreshes an existing clone) into a directory
// keyed by key, and switches to branch.
func (c *Client) Checkout(ctx context.Context, repo, branch, key string) (*Checkout, error) {
	if repo == "" {
		return nil, &Error{Op: "checkout", Err: errors.New("repository is empty")}
	}
	dir := filepath.Join(c.opts.Workdir, strings.ReplaceAll(c.FullName(repo), "/", "_"), key)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if _, err := c.git(ctx, dir, "fetch", "origin"); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return nil, &Error{Op: "checkout", Err: err}
		}
		if _, err := c.git(ctx, "", "clone", c.remoteURL(repo), dir); err != nil {
			return nil, err
		}
	}

	if _, err := c.git(ctx, dir, "checkout", "-B", branch); err != nil {
		return nil, err
	}
	return &Checkout{Repo: repo, Branch: branch, Dir: dir}, nil
}

// Changes lists paths with uncommitted changes. Renames report the new path.
func (c *Client) Changes(ctx context.Context, co *Checkout) ([]string, error) {
	out, err := c.git(ctx, co.Dir, "status", "--porcelain", "-z")
	if err != nil {
		return nil, err
	}
	return parsePorcelainZ(out), nil
}

// parsePorcelainZ reads NUL-separated "XY path" entries. A rename or copy
// entry is followed by its source path, which is skipped.
func parsePorcelainZ(out string) []string {
	var files []string
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		files = append(files, entry[3:])
		if entry[0] == 'R' || entry[0] == 'C' {
			i++
		}
	}
	return files
}

// Commit stages everything and commits it. It returns the committed paths,
// or none when the tree is clean.
func (c *Client) Commit(ctx context.Context, co *Checkout, message string) ([]string, error) {
	files, err := c.Changes(ctx, co)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	if _, err := c.git(ctx, co.Dir, "add", "-A"); err != nil {
		return nil, err
	}
	if _, err := c.git(ctx, co.Dir, "commit", "-m", message); err != nil {
		return nil, err
	}
	return files, nil
}

// Push publishes the checkout branch to origin.
func (c *Client) Push(ctx context.Context, co *Checkout) error {
	_, err := c.git(ctx, co.Dir, "push", "-u", "origin", co.Branch)
	return err
}

// OpenPullRequest opens a pull request for the checkout branch and returns
// its URL.
func (c *Client) OpenPullRequest(ctx context.Context, co *Checkout, title, body string) (string, error) {
	out, err := c.run(ctx, "open pull request", exec.Command{
		Dir:  co.Dir,
		Name: "gh",
		Args: []string{"pr", "create",
			"--repo", c.FullName(co.Repo),
			"--head", co.Branch,
			"--title", title,
			"--body", body,
		},
	})
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "https://") || strings.HasPrefix(line, "http://") {
			return line, nil
		}
	}
	return "", &Error{Op: "open pull request", Err: fmt.Errorf("no pull request URL in output: %q", out)}
}

func (c *Client) git(ctx context.Context, dir string, args ...string) (string, error) {
	return c.run(ctx, "git "+args[0], exec.Command{Dir: dir, Name: "git", Args: args})
}

// run returns the command output untouched; porcelain formats depend on
// leading whitespace.
func (c *Client) run(ctx context.Context, op string, cmd exec.Command) (string, error) {
	out, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return "", &Error{Op: op, Class: classify(string(out) + " " + err.Error()), Err: err}
	}
	return string(out), nil
}
