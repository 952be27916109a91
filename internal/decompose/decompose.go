// Package decompose turns planner output into subtask specs, materializes
// specs into child runs and composes finished children into a parent result.
package decompose

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ShayCichocki/cairn/internal/graph"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// ErrInvalidPlan marks planner output that cannot be turned into subtasks.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is a validated decomposition.
type Plan struct {
	Summary  string
	Subtasks []models.SubtaskSpec
}

// ParseOptions constrains what a plan may contain.
type ParseOptions struct {
	// DefaultRepo fills subtasks that name no repository.
	DefaultRepo string
	// AllowedRepos, when set, restricts subtask repositories.
	AllowedRepos []string
	// MaxSubtasks caps the plan size. Zero means no cap.
	MaxSubtasks int
	// CoalesceManifests merges subtasks that would edit the same manifest.
	CoalesceManifests bool
}

// plannedSubtask is the JSON structure a planner returns for one subtask.
type plannedSubtask struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Approach       string   `json:"approach"`
	Repo           string   `json:"repo"`
	Assignment     string   `json:"assignment"`
	Difficulty     string   `json:"difficulty"`
	DependsOn      []any    `json:"depends_on"`
	Resources      []string `json:"resources"`
	FileBoundaries []string `json:"file_boundaries"`
}

type plannedResponse struct {
	Summary  string           `json:"summary"`
	Subtasks []plannedSubtask `json:"subtasks"`
}

// ParseResponse extracts and validates a plan from model output. The output
// may be a JSON object with a "subtasks" array or a bare array, optionally
// surrounded by prose.
func ParseResponse(response string, opts ParseOptions) (*Plan, error) {
	raw, err := extractJSON(response)
	if err != nil {
		return nil, err
	}

	var planned plannedResponse
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &planned.Subtasks); err != nil {
			return nil, fmt.Errorf("%w: unmarshal JSON: %v", ErrInvalidPlan, err)
		}
	} else if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		return nil, fmt.Errorf("%w: unmarshal JSON: %v", ErrInvalidPlan, err)
	}

	if len(planned.Subtasks) == 0 {
		return nil, fmt.Errorf("%w: empty subtask list returned", ErrInvalidPlan)
	}
	if opts.MaxSubtasks > 0 && len(planned.Subtasks) > opts.MaxSubtasks {
		return nil, fmt.Errorf("%w: %d subtasks exceeds limit of %d", ErrInvalidPlan, len(planned.Subtasks), opts.MaxSubtasks)
	}

	titleToIndex := make(map[string]int, len(planned.Subtasks))
	for i, st := range planned.Subtasks {
		titleToIndex[strings.TrimSpace(st.Title)] = i
	}

	specs := make([]models.SubtaskSpec, len(planned.Subtasks))
	for i, st := range planned.Subtasks {
		spec, err := toSpec(i, st, titleToIndex, opts)
		if err != nil {
			return nil, err
		}
		specs[i] = spec
	}

	if err := ValidateNoCycles(specs); err != nil {
		return nil, err
	}
	if opts.CoalesceManifests {
		specs = Coalesce(specs)
		if err := ValidateNoCycles(specs); err != nil {
			return nil, err
		}
	}
	return &Plan{Summary: planned.Summary, Subtasks: specs}, nil
}

func toSpec(index int, st plannedSubtask, titleToIndex map[string]int, opts ParseOptions) (models.SubtaskSpec, error) {
	title := strings.TrimSpace(st.Title)
	if title == "" {
		return models.SubtaskSpec{}, fmt.Errorf("%w: subtask %d has no title", ErrInvalidPlan, index)
	}

	desc := strings.TrimSpace(st.Description)
	if st.Approach != "" {
		if desc != "" {
			desc += "\n\n"
		}
		desc += "Approach: " + strings.TrimSpace(st.Approach)
	}
	if desc == "" {
		desc = title
	}

	repo := strings.TrimSpace(st.Repo)
	if repo == "" {
		repo = opts.DefaultRepo
	}
	if repo == "" {
		return models.SubtaskSpec{}, fmt.Errorf("%w: subtask %q names no repository", ErrInvalidPlan, title)
	}
	if len(opts.AllowedRepos) > 0 && !slices.Contains(opts.AllowedRepos, repo) {
		return models.SubtaskSpec{}, fmt.Errorf("%w: subtask %q targets repository %s outside %v", ErrInvalidPlan, title, repo, opts.AllowedRepos)
	}

	assignment := strings.ToLower(strings.TrimSpace(st.Assignment))
	switch assignment {
	case "", models.AssignAgent:
		assignment = models.AssignAgent
	case models.AssignHuman:
	default:
		return models.SubtaskSpec{}, fmt.Errorf("%w: subtask %q has unknown assignment %q", ErrInvalidPlan, title, st.Assignment)
	}

	var deps []int
	for _, d := range st.DependsOn {
		dep, err := resolveDependency(d, titleToIndex)
		if err != nil {
			return models.SubtaskSpec{}, fmt.Errorf("%w: subtask %q: %v", ErrInvalidPlan, title, err)
		}
		if !slices.Contains(deps, dep) {
			deps = append(deps, dep)
		}
	}

	resources := st.Resources
	if len(resources) == 0 {
		resources = st.FileBoundaries
	}

	return models.SubtaskSpec{
		Index:       index,
		Title:       title,
		Description: desc,
		Repo:        repo,
		Assignment:  assignment,
		Difficulty:  st.Difficulty,
		DependsOn:   deps,
		Resources:   resources,
	}, nil
}

// resolveDependency accepts a subtask index or title.
func resolveDependency(d any, titleToIndex map[string]int) (int, error) {
	switch v := d.(type) {
	case float64:
		idx := int(v)
		if float64(idx) != v || idx < 0 || idx >= len(titleToIndex) {
			return 0, fmt.Errorf("dependency index %v out of range", v)
		}
		return idx, nil
	case string:
		idx, ok := titleToIndex[strings.TrimSpace(v)]
		if !ok {
			return 0, fmt.Errorf("unknown dependency %q", v)
		}
		return idx, nil
	default:
		return 0, fmt.Errorf("unsupported dependency %v", d)
	}
}

// extractJSON returns the outermost JSON object or array in s.
func extractJSON(s string) (string, error) {
	objStart := strings.Index(s, "{")
	arrStart := strings.Index(s, "[")

	open, closer := "{", "}"
	start := objStart
	if start == -1 || (arrStart != -1 && arrStart < objStart) {
		open, closer = "[", "]"
		start = arrStart
	}
	end := strings.LastIndex(s, closer)
	if start == -1 || end <= start {
		preview := s
		if len(preview) > 500 {
			preview = preview[:500] + "... (truncated)"
		}
		return "", fmt.Errorf("%w: no JSON %s found in response (got %d chars): %q", ErrInvalidPlan, open, len(s), preview)
	}
	return s[start : end+1], nil
}

// ValidateNoCycles checks dependencies among specs, including the ordering
// implied by shared resources.
func ValidateNoCycles(specs []models.SubtaskSpec) error {
	if err := graph.New().Build(specs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return nil
}
