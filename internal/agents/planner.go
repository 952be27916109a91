package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/cairn/internal/decompose"
	"github.com/ShayCichocki/cairn/internal/model"
	"github.com/ShayCichocki/cairn/pkg/models"
)

type planKind int

const (
	planPM planKind = iota
	planFullstack
)

const (
	plannerSystemPrompt = "You plan software work for a team of agents. You reply with JSON only."
	maxListedFiles      = 200
)

// PlanOutput is the structured result of a planning run.
type PlanOutput struct {
	Summary  string               `json:"summary"`
	Subtasks []models.SubtaskSpec `json:"subtasks"`
}

// Planner decomposes a run into subtasks. PM plans inside one repository
// and delegates to SWE children; FullstackPlanner splits across
// repositories and delegates to PM children.
type Planner struct {
	kind planKind
}

// Run asks the model for a plan and validates it.
func (p *Planner) Run(ctx context.Context, env *Env) (Outcome, error) {
	payload := env.Run.Payload
	if len(payload.Repos) == 0 {
		return Outcome{}, fmt.Errorf("%w: run %s names no repository", decompose.ErrInvalidPlan, env.Run.ID)
	}

	var prompt string
	opts := decompose.ParseOptions{
		AllowedRepos: payload.Repos,
		MaxSubtasks:  env.Settings.MaxSubtasks,
	}
	switch p.kind {
	case planPM:
		repo := payload.Repos[0]
		files, err := env.Workspace.ListFiles(ctx, repo, "")
		if err != nil {
			env.Logf(ctx, "list files failed, planning without listing: %v", err)
		}
		if len(files) > maxListedFiles {
			files = files[:maxListedFiles]
		}
		opts.DefaultRepo = repo
		opts.CoalesceManifests = true
		prompt = buildPMPrompt(payload, repo, files, groupFacts(ctx, env), env.Settings.MaxSubtasks)
	case planFullstack:
		if len(payload.Repos) == 1 {
			opts.DefaultRepo = payload.Repos[0]
		}
		prompt = buildFullstackPrompt(payload, env.Settings.MaxSubtasks)
	}

	env.Logf(ctx, "requesting plan")
	response, err := model.Complete(ctx, env.Model, plannerSystemPrompt, prompt)
	if err != nil {
		return Outcome{}, fmt.Errorf("plan: %w", err)
	}

	plan, err := decompose.ParseResponse(response, opts)
	if err != nil {
		return Outcome{}, err
	}
	env.Logf(ctx, "plan has %d subtasks", len(plan.Subtasks))

	data, err := json.Marshal(PlanOutput{Summary: plan.Summary, Subtasks: plan.Subtasks})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal plan: %w", err)
	}
	return Outcome{
		Kind: OutcomeSubtasks,
		Result: &models.Result{
			Summary:  plan.Summary,
			Subtasks: plan.Subtasks,
			Output:   data,
		},
	}, nil
}

// groupFacts collects the facts already published in the run's a2a groups,
// oldest first. Read failures only cost the planner context.
func groupFacts(ctx context.Context, env *Env) []models.Fact {
	if env.A2A == nil {
		return nil
	}
	groups, err := env.A2A.Groups(ctx, env.Run.ID)
	if err != nil {
		env.Logf(ctx, "resolve a2a groups failed: %v", err)
		return nil
	}
	var facts []models.Fact
	for _, g := range groups {
		msgs, err := env.A2A.Read(ctx, g, 0)
		if err != nil {
			env.Logf(ctx, "read facts of %s failed: %v", g, err)
			continue
		}
		for _, m := range msgs {
			facts = append(facts, m.Content)
		}
	}
	return facts
}
