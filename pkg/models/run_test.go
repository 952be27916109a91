package models

import "testing"

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusSubtasksGenerated, false},
		{StatusSubtasksRunning, false},
		{StatusWaitingForInput, false},
		{StatusDone, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Status(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to Status
		want     bool
	}{
		{"dispatch", StatusQueued, StatusRunning, true},
		{"queued cannot finish directly", StatusQueued, StatusDone, false},
		{"leaf finishes", StatusRunning, StatusDone, true},
		{"planner emits specs", StatusRunning, StatusSubtasksGenerated, true},
		{"specs wait for materialization", StatusSubtasksGenerated, StatusWaitingForInput, true},
		{"first child created", StatusSubtasksGenerated, StatusSubtasksRunning, true},
		{"external materialization resumes", StatusWaitingForInput, StatusSubtasksRunning, true},
		{"composition done", StatusSubtasksRunning, StatusDone, true},
		{"children finished before all specs materialized", StatusSubtasksRunning, StatusWaitingForInput, true},
		{"crash from any live state", StatusSubtasksRunning, StatusFailed, true},
		{"cancel queued", StatusQueued, StatusCancelled, true},
		{"no resurrection", StatusFailed, StatusRunning, false},
		{"done is final", StatusDone, StatusFailed, false},
		{"cancelled is final", StatusCancelled, StatusFailed, false},
		{"unknown target", StatusRunning, Status("Paused"), false},
		{"no self loop", StatusRunning, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseAgentType(t *testing.T) {
	tests := []struct {
		in      string
		want    AgentType
		wantErr bool
	}{
		{"SWE", AgentSWE, false},
		{"swe", AgentSWE, false},
		{"PM", AgentPM, false},
		{"FullstackPlanner", AgentFullstackPlanner, false},
		{"Fullstack Planner", AgentFullstackPlanner, false},
		{"fullstack-planner", AgentFullstackPlanner, false},
		{"reviewer", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAgentType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAgentType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAgentType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAgentType_ChildType(t *testing.T) {
	if got := AgentFullstackPlanner.ChildType(); got != AgentPM {
		t.Errorf("FullstackPlanner child = %q, want PM", got)
	}
	if got := AgentPM.ChildType(); got != AgentSWE {
		t.Errorf("PM child = %q, want SWE", got)
	}
	if got := AgentSWE.ChildType(); got != "" {
		t.Errorf("SWE child = %q, want empty", got)
	}
	if AgentSWE.Composite() {
		t.Error("SWE should not be composite")
	}
}

func TestSubtaskSpec_Payload(t *testing.T) {
	parent := Payload{
		Description:   "build X",
		Repos:         []string{"web", "api"},
		Owner:         "acme",
		ModelProvider: "anthropic",
		ModelName:     "claude-sonnet-4-5",
	}
	spec := SubtaskSpec{Index: 1, Title: "Users endpoint", Description: "Add GET /users", Repo: "api", Assignment: AssignAgent}

	p := spec.Payload(parent)

	if p.Repo() != "api" {
		t.Errorf("Repo() = %q, want api", p.Repo())
	}
	if p.Owner != "acme" || p.ModelName != "claude-sonnet-4-5" || p.ModelProvider != "anthropic" {
		t.Errorf("child did not inherit parent settings: %+v", p)
	}
	if p.Description != "Users endpoint\n\nAdd GET /users" {
		t.Errorf("Description = %q", p.Description)
	}
}
