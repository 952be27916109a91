package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/cairn/internal/model"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// SWEOutput is the structured result of an SWE run.
type SWEOutput struct {
	Summary       string   `json:"summary"`
	FilesModified []string `json:"files_modified"`
	Verification  string   `json:"verification,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	PRURLs        []string `json:"pr_urls,omitempty"`
}

// SWE edits code through a tool loop and opens a pull request with the
// result.
type SWE struct{}

// Run executes the tool loop, then publishes changes.
func (s *SWE) Run(ctx context.Context, env *Env) (Outcome, error) {
	if len(env.Run.Payload.Repos) == 0 {
		return Outcome{}, fmt.Errorf("swe run %s names no repository", env.Run.ID)
	}

	exec, err := newSWEExecutor(ctx, env)
	if err != nil {
		return Outcome{}, err
	}
	loop := model.NewLoop(env.Model, exec, env.Settings.MaxIterations)
	loop.OnTurn(func(t *model.Turn) {
		if t.Text != "" {
			env.Logf(ctx, "model: %s", firstLine(t.Text))
		}
	})

	res, err := loop.Run(ctx, sweSystemPrompt, buildSWEPrompt(env.Run), sweTools)
	if err != nil {
		return Outcome{}, fmt.Errorf("swe loop: %w", err)
	}
	env.Logf(ctx, "loop finished after %d iterations, %d tool calls", res.Iterations, res.ToolCalls)

	if exec.question != "" {
		return Outcome{
			Kind:   OutcomeWaiting,
			Result: &models.Result{Summary: "waiting for input", Question: exec.question},
		}, nil
	}

	summary := exec.summary
	if summary == "" {
		summary = strings.TrimSpace(res.Output)
	}
	title := env.Run.Payload.Title
	if title == "" {
		title = firstLine(env.Run.Payload.Description)
	}

	if err := env.StillRunning(ctx); err != nil {
		return Outcome{}, err
	}
	pubs, err := env.Workspace.Publish(ctx, title, summary)
	if err != nil {
		return Outcome{}, err
	}

	out := SWEOutput{
		Summary:      summary,
		Verification: exec.verification,
		Errors:       exec.errors,
	}
	for _, p := range pubs {
		out.FilesModified = append(out.FilesModified, p.Files...)
		out.PRURLs = append(out.PRURLs, p.PRURL)
		env.Logf(ctx, "opened pull request %s", p.PRURL)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal swe output: %w", err)
	}

	result := &models.Result{
		Summary:       summary,
		FilesModified: out.FilesModified,
		Output:        data,
	}
	if len(out.PRURLs) > 0 {
		result.PRURL = out.PRURLs[0]
	}
	return Outcome{Kind: OutcomeDone, Result: result}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
