package decompose

import (
	"slices"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// Progress summarizes a composite run's children against its specs.
type Progress struct {
	Specs []models.SubtaskSpec
	// Children maps subtask index to the materialized child.
	Children map[int]*models.Run
	// Unmaterialized lists spec indices with no child yet.
	Unmaterialized []int
	Active         []int
	Done           []int
	Failed         []int
}

// Evaluate matches children to specs by subtask index.
func Evaluate(specs []models.SubtaskSpec, children []*models.Run) *Progress {
	p := &Progress{
		Specs:    specs,
		Children: make(map[int]*models.Run, len(children)),
	}
	for _, child := range children {
		if child.SubtaskIndex != nil {
			p.Children[*child.SubtaskIndex] = child
		}
	}
	for _, spec := range specs {
		child, ok := p.Children[spec.Index]
		if !ok {
			p.Unmaterialized = append(p.Unmaterialized, spec.Index)
			continue
		}
		switch child.Status {
		case models.StatusDone:
			p.Done = append(p.Done, spec.Index)
		case models.StatusFailed, models.StatusCancelled:
			p.Failed = append(p.Failed, spec.Index)
		default:
			p.Active = append(p.Active, spec.Index)
		}
	}
	return p
}

// AllMaterialized reports whether every spec has a child.
func (p *Progress) AllMaterialized() bool {
	return len(p.Unmaterialized) == 0
}

// Complete reports whether every spec has a child and all children are Done.
func (p *Progress) Complete() bool {
	return p.AllMaterialized() && len(p.Done) == len(p.Specs)
}

// AnyFailed reports whether a materialized child failed or was cancelled.
func (p *Progress) AnyFailed() bool {
	return len(p.Failed) > 0
}

// Idle reports whether nothing is in flight: no active children while some
// specs still await materialization.
func (p *Progress) Idle() bool {
	return len(p.Active) == 0 && !p.AllMaterialized()
}

// DoneSet returns the indices of Done children.
func (p *Progress) DoneSet() map[int]bool {
	m := make(map[int]bool, len(p.Done))
	for _, i := range p.Done {
		m[i] = true
	}
	return m
}

// StartedSet returns the indices that have a child in any status.
func (p *Progress) StartedSet() map[int]bool {
	m := make(map[int]bool, len(p.Children))
	for i := range p.Children {
		m[i] = true
	}
	return m
}

// IsDone reports whether the child at index is Done.
func (p *Progress) IsDone(index int) bool {
	return slices.Contains(p.Done, index)
}
