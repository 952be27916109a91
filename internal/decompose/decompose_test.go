package decompose

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/ShayCichocki/cairn/pkg/models"
)

func TestParseResponse_Object(t *testing.T) {
	response := `Here is the plan:
{
  "summary": "Add a users endpoint end to end",
  "subtasks": [
    {"title": "Schema", "description": "Add users table", "repo": "acme/api", "difficulty": "easy", "resources": ["db/schema.sql"]},
    {"title": "Handler", "approach": "echo handler", "repo": "acme/api", "depends_on": ["Schema"]},
    {"title": "UI", "description": "List page", "repo": "acme/web", "assignment": "Human", "depends_on": [1]}
  ]
}
Let me know.`

	plan, err := ParseResponse(response, ParseOptions{})
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if plan.Summary != "Add a users endpoint end to end" {
		t.Errorf("Summary = %q", plan.Summary)
	}
	if len(plan.Subtasks) != 3 {
		t.Fatalf("len(Subtasks) = %d, want 3", len(plan.Subtasks))
	}

	for i, st := range plan.Subtasks {
		if st.Index != i {
			t.Errorf("subtask %d has index %d", i, st.Index)
		}
	}
	if got := plan.Subtasks[1].DependsOn; !slices.Equal(got, []int{0}) {
		t.Errorf("Handler DependsOn = %v, want [0]", got)
	}
	if got := plan.Subtasks[2].DependsOn; !slices.Equal(got, []int{1}) {
		t.Errorf("UI DependsOn = %v, want [1]", got)
	}
	if plan.Subtasks[2].Assignment != models.AssignHuman {
		t.Errorf("UI assignment = %q, want human", plan.Subtasks[2].Assignment)
	}
	if plan.Subtasks[0].Assignment != models.AssignAgent {
		t.Errorf("default assignment = %q, want agent", plan.Subtasks[0].Assignment)
	}
	if !strings.Contains(plan.Subtasks[1].Description, "Approach: echo handler") {
		t.Errorf("approach not folded into description: %q", plan.Subtasks[1].Description)
	}
}

func TestParseResponse_BareArrayWithDefaultRepo(t *testing.T) {
	response := `[{"title": "Fix bug", "description": "nil check", "file_boundaries": ["main.go"]}]`

	plan, err := ParseResponse(response, ParseOptions{DefaultRepo: "acme/api"})
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	st := plan.Subtasks[0]
	if st.Repo != "acme/api" {
		t.Errorf("Repo = %q, want acme/api", st.Repo)
	}
	if !slices.Equal(st.Resources, []string{"main.go"}) {
		t.Errorf("Resources = %v", st.Resources)
	}
}

func TestParseResponse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		opts     ParseOptions
		wantSub  string
	}{
		{"no JSON", "I could not plan this.", ParseOptions{}, "no JSON"},
		{"malformed", `{"subtasks": [ {"title": }`, ParseOptions{}, "unmarshal"},
		{"empty", `{"subtasks": []}`, ParseOptions{}, "empty subtask list"},
		{"missing title", `[{"description": "x", "repo": "a/b"}]`, ParseOptions{}, "no title"},
		{"missing repo", `[{"title": "x"}]`, ParseOptions{}, "no repository"},
		{"repo not allowed", `[{"title": "x", "repo": "evil/repo"}]`, ParseOptions{AllowedRepos: []string{"acme/api"}}, "outside"},
		{"bad assignment", `[{"title": "x", "repo": "a/b", "assignment": "robot"}]`, ParseOptions{}, "unknown assignment"},
		{"unknown dependency", `[{"title": "x", "repo": "a/b", "depends_on": ["y"]}]`, ParseOptions{}, "unknown dependency"},
		{"index out of range", `[{"title": "x", "repo": "a/b", "depends_on": [3]}]`, ParseOptions{}, "out of range"},
		{"cycle", `[{"title": "a", "repo": "r/r", "depends_on": ["b"]}, {"title": "b", "repo": "r/r", "depends_on": ["a"]}]`, ParseOptions{}, "circular"},
		{"too many", `[{"title": "a", "repo": "r/r"}, {"title": "b", "repo": "r/r"}]`, ParseOptions{MaxSubtasks: 1}, "exceeds limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse(tt.response, tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("expected ErrInvalidPlan, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	idx := func(i int) *int { return &i }
	specs := []models.SubtaskSpec{{Index: 0}, {Index: 1}, {Index: 2}, {Index: 3}}
	children := []*models.Run{
		{ID: "a", SubtaskIndex: idx(0), Status: models.StatusDone},
		{ID: "b", SubtaskIndex: idx(1), Status: models.StatusRunning},
		{ID: "c", SubtaskIndex: idx(2), Status: models.StatusCancelled},
		{ID: "stray", Status: models.StatusDone},
	}

	p := Evaluate(specs, children)
	if !slices.Equal(p.Done, []int{0}) || !slices.Equal(p.Active, []int{1}) ||
		!slices.Equal(p.Failed, []int{2}) || !slices.Equal(p.Unmaterialized, []int{3}) {
		t.Errorf("unexpected progress %+v", p)
	}
	if p.Complete() || !p.AnyFailed() || p.Idle() {
		t.Errorf("Complete=%v AnyFailed=%v Idle=%v", p.Complete(), p.AnyFailed(), p.Idle())
	}
	if !p.StartedSet()[2] || p.DoneSet()[1] {
		t.Error("unexpected started/done sets")
	}
}
