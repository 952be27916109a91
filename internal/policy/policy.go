// Package policy decides which repository operations an agent may perform,
// using an OPA Rego policy.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Action is the kind of repository access.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Input is the document a policy is evaluated against.
type Input struct {
	Action       Action   `json:"action"`
	Repo         string   `json:"repo"`
	Path         string   `json:"path"`
	AgentType    string   `json:"agent_type"`
	AllowedRepos []string `json:"allowed_repos"`
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Engine evaluates a prepared Rego query.
type Engine struct {
	query rego.PreparedEvalQuery
}

// New prepares an engine from policy source. Policies define
// data.cairn.workspace.decision as an object with allow and reason.
func New(ctx context.Context, source string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.cairn.workspace.decision"),
		rego.Module("workspace.rego", source),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// Load prepares an engine from a file, or the built-in policy when path is
// empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return New(ctx, DefaultPolicy)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return New(ctx, string(src))
}

// Evaluate decides whether in is permitted. A policy that yields no
// decision denies.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reason: "no policy decision"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("evaluate policy: unexpected decision type %T", results[0].Expressions[0].Value)
	}
	d := Decision{}
	d.Allow, _ = obj["allow"].(bool)
	d.Reason, _ = obj["reason"].(string)
	return d, nil
}

// DefaultPolicy confines agents to the repositories of their run and keeps
// them out of git metadata.
const DefaultPolicy = `
package cairn.workspace

default decision = {"allow": false, "reason": "repository is outside the run scope"}

decision = {"allow": true, "reason": ""} {
	repo_allowed
	not protected
}

decision = {"allow": false, "reason": "path is protected"} {
	repo_allowed
	protected
}

repo_allowed {
	input.allowed_repos[_] == input.repo
}

protected {
	input.path == ".git"
}

protected {
	startswith(input.path, ".git/")
}

protected {
	input.action == "write"
	input.path == ".github/CODEOWNERS"
}
`
