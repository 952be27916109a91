package decompose

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// childOutcome is the per-child record kept in a composed result's output.
type childOutcome struct {
	Index   int    `json:"index"`
	RunID   string `json:"run_id"`
	Title   string `json:"title"`
	Repo    string `json:"repo"`
	Summary string `json:"summary,omitempty"`
	PRURL   string `json:"pr_url,omitempty"`
}

// Compose builds the parent's final result from its Done children. The
// specs stay on the result so the plan remains inspectable.
func Compose(parent *models.Run, p *Progress) *models.Result {
	var (
		outcomes []childOutcome
		files    []string
		lines    []string
	)
	for _, spec := range p.Specs {
		child := p.Children[spec.Index]
		if child == nil {
			continue
		}
		out := childOutcome{
			Index: spec.Index,
			RunID: child.ID,
			Title: spec.Title,
			Repo:  spec.Repo,
		}
		if child.Result != nil {
			out.Summary = child.Result.Summary
			out.PRURL = child.Result.PRURL
			for _, f := range child.Result.FilesModified {
				if !slices.Contains(files, f) {
					files = append(files, f)
				}
			}
		}
		outcomes = append(outcomes, out)

		line := fmt.Sprintf("- [%d] %s (%s)", spec.Index, spec.Title, spec.Repo)
		if out.PRURL != "" {
			line += ": " + out.PRURL
		}
		if out.Summary != "" {
			line += "\n  " + strings.ReplaceAll(out.Summary, "\n", "\n  ")
		}
		lines = append(lines, line)
	}

	summary := fmt.Sprintf("Completed %d subtasks", len(outcomes))
	if parent.Result != nil && parent.Result.Summary != "" {
		summary = parent.Result.Summary + "\n\n" + summary
	}
	if len(lines) > 0 {
		summary += ":\n" + strings.Join(lines, "\n")
	}

	output, _ := json.Marshal(map[string]any{"children": outcomes})
	res := &models.Result{
		Summary:       summary,
		FilesModified: files,
		Output:        output,
		Subtasks:      p.Specs,
	}
	// A single pull request covering every child is the parent's own.
	var urls []string
	for _, o := range outcomes {
		if o.PRURL != "" && !slices.Contains(urls, o.PRURL) {
			urls = append(urls, o.PRURL)
		}
	}
	if len(urls) == 1 {
		res.PRURL = urls[0]
	}
	return res
}

// ChildFailure builds the parent's result when a child failed.
func ChildFailure(parent *models.Run, p *Progress) *models.Result {
	var reasons []string
	for _, idx := range p.Failed {
		child := p.Children[idx]
		reason := string(child.Status)
		if child.Result != nil && child.Result.Error != "" {
			reason = child.Result.Error
		}
		reasons = append(reasons, fmt.Sprintf("subtask %d (%s): %s", idx, child.ID, reason))
	}
	res := &models.Result{
		Error:     "child run failed: " + strings.Join(reasons, "; "),
		ErrorKind: models.ErrorKindChildFailed,
		Subtasks:  p.Specs,
	}
	if parent.Result != nil {
		res.Summary = parent.Result.Summary
	}
	return res
}
