package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/cairn/internal/a2a"
	"github.com/ShayCichocki/cairn/internal/model"
	"github.com/ShayCichocki/cairn/pkg/models"
)

const siblingLogPage = 50

// sweTools are the tools offered to the SWE model.
var sweTools = []model.Tool{
	{
		Name:        "read_file",
		Description: "Read a file from a repository in scope.",
		Properties: map[string]any{
			"repo": map[string]any{"type": "string", "description": "Repository; defaults to the first in scope"},
			"path": map[string]any{"type": "string", "description": "Path relative to the repository root"},
		},
		Required: []string{"path"},
	},
	{
		Name:        "write_file",
		Description: "Create or replace a file in a repository in scope.",
		Properties: map[string]any{
			"repo":    map[string]any{"type": "string"},
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string", "description": "Full new file content"},
		},
		Required: []string{"path", "content"},
	},
	{
		Name:        "list_files",
		Description: "List files under a directory of a repository in scope.",
		Properties: map[string]any{
			"repo": map[string]any{"type": "string"},
			"dir":  map[string]any{"type": "string", "description": "Directory; defaults to the root"},
		},
	},
	{
		Name:        "post_fact",
		Description: "Publish key/value facts to sibling tasks, such as an endpoint path or field names.",
		Properties: map[string]any{
			"facts": map[string]any{"type": "object", "description": "Facts to publish"},
		},
		Required: []string{"facts"},
	},
	{
		Name:        "read_facts",
		Description: "Read facts published by sibling tasks since the last read.",
		Properties:  map[string]any{},
	},
	{
		Name:        "wait_for_fact",
		Description: "Wait a bounded time for a sibling to publish a fact with the given key.",
		Properties: map[string]any{
			"key": map[string]any{"type": "string"},
		},
		Required: []string{"key"},
	},
	{
		Name:        "read_sibling_logs",
		Description: "Read the activity log of a sibling task.",
		Properties: map[string]any{
			"run_id": map[string]any{"type": "string"},
			"after":  map[string]any{"type": "integer", "description": "Return entries after this id"},
		},
		Required: []string{"run_id"},
	},
	{
		Name:        "ask_human",
		Description: "Stop and ask a human a question that blocks the task.",
		Properties: map[string]any{
			"question": map[string]any{"type": "string"},
		},
		Required: []string{"question"},
	},
	{
		Name:        "finish",
		Description: "Complete the task.",
		Properties: map[string]any{
			"summary":      map[string]any{"type": "string"},
			"verification": map[string]any{"type": "string", "description": "How the change was verified"},
		},
		Required: []string{"summary"},
	},
}

type toolInput struct {
	Repo         string      `json:"repo"`
	Path         string      `json:"path"`
	Dir          string      `json:"dir"`
	Content      string      `json:"content"`
	Facts        models.Fact `json:"facts"`
	Key          string      `json:"key"`
	RunID        string      `json:"run_id"`
	After        int64       `json:"after"`
	Question     string      `json:"question"`
	Summary      string      `json:"summary"`
	Verification string      `json:"verification"`
}

// sweExecutor runs SWE tool calls against the agent environment.
type sweExecutor struct {
	env *Env
	// groups are the a2a groups the run belongs to, nearest first. Facts
	// are posted to the outermost one so every related run sees them.
	groups  []string
	cursors []*a2a.Cursor

	question     string
	summary      string
	verification string
	finished     bool
	errors       []string
}

func newSWEExecutor(ctx context.Context, env *Env) (*sweExecutor, error) {
	groups, err := env.A2A.Groups(ctx, env.Run.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve a2a groups: %w", err)
	}
	ex := &sweExecutor{env: env, groups: groups}
	for _, g := range groups {
		ex.cursors = append(ex.cursors, env.A2A.Cursor(g, 0))
	}
	return ex, nil
}

func (x *sweExecutor) Execute(ctx context.Context, call model.ToolCall) model.ToolResult {
	var in toolInput
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return x.fail(call.Name, fmt.Errorf("invalid input: %w", err))
		}
	}
	x.env.Logf(ctx, "tool %s %s", call.Name, summarizeInput(in))

	switch call.Name {
	case "read_file":
		content, err := x.env.Workspace.ReadFile(ctx, x.repo(in.Repo), in.Path)
		if err != nil {
			return x.fail(call.Name, err)
		}
		return model.ToolResult{Content: content}

	case "write_file":
		if err := x.env.Workspace.WriteFile(ctx, x.repo(in.Repo), in.Path, in.Content); err != nil {
			return x.fail(call.Name, err)
		}
		return model.ToolResult{Content: "wrote " + in.Path}

	case "list_files":
		files, err := x.env.Workspace.ListFiles(ctx, x.repo(in.Repo), in.Dir)
		if err != nil {
			return x.fail(call.Name, err)
		}
		return model.ToolResult{Content: strings.Join(files, "\n")}

	case "post_fact":
		if len(x.groups) == 0 {
			return model.ToolResult{Content: "no sibling group; nothing published"}
		}
		id, err := x.env.A2A.Post(ctx, x.env.Run.ID, x.groups[len(x.groups)-1], in.Facts)
		if err != nil {
			return x.fail(call.Name, err)
		}
		return model.ToolResult{Content: fmt.Sprintf("published fact %d", id)}

	case "read_facts":
		msgs := []models.Message{}
		for _, cur := range x.cursors {
			next, err := cur.Next(ctx)
			if err != nil {
				return x.fail(call.Name, err)
			}
			msgs = append(msgs, next...)
		}
		return jsonResult(msgs)

	case "wait_for_fact":
		if len(x.groups) == 0 {
			return model.ToolResult{Content: "no sibling group; decide the value yourself"}
		}
		msg, err := x.env.A2A.WaitForAny(ctx, x.groups, a2a.HasKey(in.Key))
		if errors.Is(err, a2a.ErrWaitTimeout) {
			return model.ToolResult{Content: fmt.Sprintf(
				"no sibling published %q in time; choose a value yourself and publish it with post_fact", in.Key)}
		}
		if err != nil {
			return x.fail(call.Name, err)
		}
		return jsonResult(msg)

	case "read_sibling_logs":
		if err := x.checkSibling(ctx, in.RunID); err != nil {
			return x.fail(call.Name, err)
		}
		entries, err := x.env.Store.ListLogs(ctx, in.RunID, in.After, siblingLogPage)
		if err != nil {
			return x.fail(call.Name, err)
		}
		return jsonResult(entries)

	case "ask_human":
		x.question = in.Question
		return model.ToolResult{Content: "question recorded", Stop: true}

	case "finish":
		x.finished = true
		x.summary = in.Summary
		x.verification = in.Verification
		return model.ToolResult{Content: "finished", Stop: true}
	}

	return x.fail(call.Name, fmt.Errorf("unknown tool %q", call.Name))
}

// checkSibling accepts any other child of the run's parent, including
// children materialized after this run started.
func (x *sweExecutor) checkSibling(ctx context.Context, runID string) error {
	if runID == x.env.Run.ID || x.env.Run.ParentRunID == "" {
		return fmt.Errorf("run %s is not a sibling", runID)
	}
	other, err := x.env.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if other.ParentRunID != x.env.Run.ParentRunID {
		return fmt.Errorf("run %s is not a sibling", runID)
	}
	return nil
}

func (x *sweExecutor) repo(name string) string {
	if name != "" {
		return name
	}
	if len(x.env.Run.Payload.Repos) > 0 {
		return x.env.Run.Payload.Repos[0]
	}
	return ""
}

func (x *sweExecutor) fail(tool string, err error) model.ToolResult {
	x.errors = append(x.errors, fmt.Sprintf("%s: %v", tool, err))
	return model.ToolResult{Content: "error: " + err.Error(), IsError: true}
}

func jsonResult(v any) model.ToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return model.ToolResult{Content: "error: " + err.Error(), IsError: true}
	}
	return model.ToolResult{Content: string(data)}
}

func summarizeInput(in toolInput) string {
	var parts []string
	for _, s := range []string{in.Repo, in.Path, in.Dir, in.Key, in.RunID} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
