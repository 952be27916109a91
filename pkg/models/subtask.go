package models

// Assignment hints emitted by planners.
const (
	AssignAgent = "agent"
	AssignHuman = "human"
)

// SubtaskSpec describes one unit of work produced by decomposition.
// Specs are stored on the parent's result; they become runs only when materialized.
type SubtaskSpec struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Repo        string `json:"repo"`
	// Assignment is "agent" or "human".
	Assignment string `json:"assignment,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	// DependsOn lists indices of specs that must be Done before this one is enqueued.
	DependsOn []int `json:"depends_on,omitempty"`
	// Resources lists files or other shared resources the subtask touches.
	Resources []string `json:"resources,omitempty"`
}

// Payload builds the child payload for this spec, inheriting model
// selection and owner from the parent.
func (s SubtaskSpec) Payload(parent Payload) Payload {
	desc := s.Description
	if s.Title != "" {
		desc = s.Title + "\n\n" + s.Description
	}
	return Payload{
		Title:          s.Title,
		Description:    desc,
		Repos:          []string{s.Repo},
		Owner:          parent.Owner,
		ModelProvider:  parent.ModelProvider,
		ModelName:      parent.ModelName,
		AssignmentHint: s.Assignment,
	}
}
