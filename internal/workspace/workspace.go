// Package workspace gives an agent scoped read/write access to the
// repositories named in its run payload.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/cairn/internal/policy"
	"github.com/ShayCichocki/cairn/internal/scm"
)

var (
	// ErrDenied is returned when the policy rejects an access.
	ErrDenied = errors.New("workspace access denied")
	// ErrPath is returned for paths that escape the repository root.
	ErrPath = errors.New("invalid workspace path")
)

const maxListEntries = 500

// Options scopes a Workspace to one run.
type Options struct {
	RunID     string
	AgentType string
	Branch    string
	Repos     []string
}

// Publication is the published state of one repository.
type Publication struct {
	Repo  string
	Files []string
	PRURL string
}

// Workspace lazily checks out the run's repositories on a run branch.
type Workspace struct {
	scm    *scm.Client
	policy *policy.Engine
	opts   Options

	mu        sync.Mutex
	checkouts map[string]*scm.Checkout
}

// New creates a Workspace. An empty branch selects cairn/<run id>.
func New(client *scm.Client, engine *policy.Engine, opts Options) *Workspace {
	if opts.Branch == "" {
		opts.Branch = "cairn/" + opts.RunID
	}
	return &Workspace{
		scm:       client,
		policy:    engine,
		opts:      opts,
		checkouts: make(map[string]*scm.Checkout),
	}
}

// Repos returns the repositories in scope.
func (w *Workspace) Repos() []string {
	return append([]string(nil), w.opts.Repos...)
}

// Branch returns the run branch.
func (w *Workspace) Branch() string {
	return w.opts.Branch
}

// ReadFile returns the content of path in repo.
func (w *Workspace) ReadFile(ctx context.Context, repo, path string) (string, error) {
	full, err := w.resolve(ctx, policy.ActionRead, repo, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile replaces the content of path in repo, creating parents.
func (w *Workspace) WriteFile(ctx context.Context, repo, path, content string) error {
	full, err := w.resolve(ctx, policy.ActionWrite, repo, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ListFiles lists files under dir in repo, relative to the repository root.
func (w *Workspace) ListFiles(ctx context.Context, repo, dir string) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	full, err := w.resolve(ctx, policy.ActionRead, repo, dir)
	if err != nil {
		return nil, err
	}
	co, err := w.checkout(ctx, repo)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(co.Dir, p)
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= maxListEntries {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return files, nil
}

// Publish commits changes in every checked-out repository, pushes the run
// branch and opens a pull request. Repositories without changes are
// skipped.
func (w *Workspace) Publish(ctx context.Context, title, body string) ([]Publication, error) {
	w.mu.Lock()
	cos := make([]*scm.Checkout, 0, len(w.checkouts))
	for _, co := range w.checkouts {
		cos = append(cos, co)
	}
	w.mu.Unlock()
	sort.Slice(cos, func(i, j int) bool { return cos[i].Repo < cos[j].Repo })

	var pubs []Publication
	for _, co := range cos {
		repo := co.Repo
		files, err := w.scm.Commit(ctx, co, title)
		if err != nil {
			return pubs, fmt.Errorf("publish %s: %w", repo, err)
		}
		if len(files) == 0 {
			continue
		}
		if err := w.scm.Push(ctx, co); err != nil {
			return pubs, fmt.Errorf("publish %s: %w", repo, err)
		}
		url, err := w.scm.OpenPullRequest(ctx, co, title, body)
		if err != nil {
			return pubs, fmt.Errorf("publish %s: %w", repo, err)
		}
		pubs = append(pubs, Publication{Repo: repo, Files: files, PRURL: url})
	}
	return pubs, nil
}

func (w *Workspace) resolve(ctx context.Context, action policy.Action, repo, path string) (string, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	decision, err := w.policy.Evaluate(ctx, policy.Input{
		Action:       action,
		Repo:         repo,
		Path:         clean,
		AgentType:    w.opts.AgentType,
		AllowedRepos: w.opts.Repos,
	})
	if err != nil {
		return "", err
	}
	if !decision.Allow {
		return "", fmt.Errorf("%w: %s %s:%s: %s", ErrDenied, action, repo, clean, decision.Reason)
	}
	co, err := w.checkout(ctx, repo)
	if err != nil {
		return "", err
	}
	return filepath.Join(co.Dir, filepath.FromSlash(clean)), nil
}

func (w *Workspace) checkout(ctx context.Context, repo string) (*scm.Checkout, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if co, ok := w.checkouts[repo]; ok {
		return co, nil
	}
	co, err := w.scm.Checkout(ctx, repo, w.opts.Branch, w.opts.RunID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(co.Dir, 0755); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", repo, err)
	}
	w.checkouts[repo] = co
	return co, nil
}

func cleanPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty", ErrPath)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: %s is absolute", ErrPath, path)
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s escapes the repository", ErrPath, path)
	}
	return clean, nil
}
