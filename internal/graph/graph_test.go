package graph

import (
	"errors"
	"slices"
	"testing"

	"github.com/ShayCichocki/cairn/pkg/models"
)

func spec(index int, deps ...int) models.SubtaskSpec {
	return models.SubtaskSpec{Index: index, Title: "t", DependsOn: deps}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		specs   []models.SubtaskSpec
		isCycle bool
	}{
		{"unknown dependency", []models.SubtaskSpec{spec(0, 5)}, false},
		{"duplicate index", []models.SubtaskSpec{spec(0), spec(0)}, false},
		{"self dependency", []models.SubtaskSpec{spec(0, 0)}, true},
		{"two node cycle", []models.SubtaskSpec{spec(0, 1), spec(1, 0)}, true},
		{"three node cycle", []models.SubtaskSpec{spec(0, 2), spec(1, 0), spec(2, 1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Build(tt.specs)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrCycleDetected); got != tt.isCycle {
				t.Errorf("errors.Is(ErrCycleDetected) = %v, want %v (err=%v)", got, tt.isCycle, err)
			}
		})
	}
}

func TestTopologicalSort(t *testing.T) {
	g := New()
	if err := g.Build([]models.SubtaskSpec{spec(0, 2), spec(1), spec(2, 1)}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort failed: %v", err)
	}
	if want := []int{1, 2, 0}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestReady(t *testing.T) {
	g := New()
	specs := []models.SubtaskSpec{spec(0), spec(1, 0), spec(2), spec(3, 1, 2)}
	if err := g.Build(specs); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tests := []struct {
		name    string
		done    map[int]bool
		started map[int]bool
		want    []int
	}{
		{"initial", nil, nil, []int{0, 2}},
		{"roots started", nil, map[int]bool{0: true, 2: true}, nil},
		{"first done", map[int]bool{0: true}, map[int]bool{2: true}, []int{1}},
		{"join waits for both", map[int]bool{0: true, 1: true}, map[int]bool{2: true}, nil},
		{"join ready", map[int]bool{0: true, 1: true, 2: true}, nil, []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Ready(tt.done, tt.started); !slices.Equal(got, tt.want) {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuild_SharedResourceSerializes(t *testing.T) {
	g := New()
	specs := []models.SubtaskSpec{
		{Index: 0, Resources: []string{"db/schema.sql"}},
		{Index: 1, Resources: []string{"db/schema.sql"}},
		{Index: 2},
	}
	if err := g.Build(specs); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := g.Ready(nil, nil); !slices.Equal(got, []int{0, 2}) {
		t.Errorf("Ready() = %v, want [0 2]", got)
	}
	if got := g.Dependencies(1); !slices.Equal(got, []int{0}) {
		t.Errorf("Dependencies(1) = %v, want [0]", got)
	}
	if got := g.Dependents(0); !slices.Equal(got, []int{1}) {
		t.Errorf("Dependents(0) = %v, want [1]", got)
	}
}

func TestSpecAndSize(t *testing.T) {
	g := New()
	if err := g.Build([]models.SubtaskSpec{{Index: 4, Title: "four"}}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if g.Size() != 1 {
		t.Errorf("Size() = %d, want 1", g.Size())
	}
	if s, ok := g.Spec(4); !ok || s.Title != "four" {
		t.Errorf("Spec(4) = %+v, %v", s, ok)
	}
	if _, ok := g.Spec(0); ok {
		t.Error("Spec(0) should not exist")
	}
}
