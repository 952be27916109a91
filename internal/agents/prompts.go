package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/cairn/pkg/models"
)

const sweSystemPrompt = `You are a software engineer working on one task in a checked-out repository.

Use the tools to inspect and edit files. Keep changes focused on the task.
Other engineers may be working on sibling tasks at the same time:
- publish interface decisions other tasks depend on with post_fact (short key/value facts such as endpoint paths, field names, function signatures)
- check read_facts before inventing a shared interface
- use wait_for_fact only when you cannot continue without a sibling's decision
- read_sibling_logs shows what a sibling is doing

If the task is ambiguous and cannot be completed without a human decision, call ask_human.
When the change is complete, call finish with a summary and how you verified it.`

// pmPrompt is the planning prompt for a single-repository change.
const pmPrompt = `Break this change to repository %s into subtasks for software engineers. Each subtask should be sized for a single engineer to complete.

Task:
%s

Files in the repository:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "summary": "One paragraph restating the problem and the recommended approach",
  "subtasks": [
    {
      "title": "Short task title",
      "description": "Detailed task description",
      "approach": "How to implement it",
      "difficulty": "easy|medium|hard",
      "assignment": "agent|human",
      "file_boundaries": ["src/auth/", "server/routes/api.ts"],
      "depends_on": ["title of dependency"]
    }
  ]
}

File Boundary Rules:
- file_boundaries MUST list all files/directories the subtask will modify
- Two subtasks with overlapping file_boundaries will run one after another
- Subtasks with no overlap run in parallel

Guidelines:
- Only add depends_on when one subtask truly needs another finished first
- Use "human" assignment only for work an agent cannot do (credentials, product decisions)
- Produce at most %d subtasks`

// fullstackPrompt is the planning prompt for a cross-repository task.
const fullstackPrompt = `Split this task into one subtask per repository that must change. Each subtask is handed to a project manager who plans the work inside that repository.

Task:
%s

Repositories: %s

Return ONLY a JSON object with this exact structure (no other text):
{
  "summary": "One paragraph restating the problem",
  "subtasks": [
    {
      "title": "Short task title",
      "description": "What must change in this repository, including the interface it exposes to or consumes from the other repositories",
      "repo": "one of the repositories above",
      "difficulty": "easy|medium|hard",
      "assignment": "agent|human",
      "depends_on": ["title of dependency"]
    }
  ]
}

Guidelines:
- State shared interfaces (endpoints, payload fields, event names) identically in every subtask that touches them
- Subtasks run in parallel; add depends_on only when a repository cannot start before another finishes
- Produce at most %d subtasks`

func buildPMPrompt(p models.Payload, repo string, files []string, facts []models.Fact, maxSubtasks int) string {
	listing := "(unavailable)"
	if len(files) > 0 {
		listing = strings.Join(files, "\n")
	}
	prompt := fmt.Sprintf(pmPrompt, repo, taskText(p), listing, maxSubtasks)
	if len(facts) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nDecisions already published by tasks in other repositories. Subtask descriptions must follow them:\n")
	for _, f := range facts {
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		sb.WriteString("- ")
		sb.Write(data)
		sb.WriteString("\n")
	}
	return sb.String()
}

func buildFullstackPrompt(p models.Payload, maxSubtasks int) string {
	return fmt.Sprintf(fullstackPrompt, taskText(p), strings.Join(p.Repos, ", "), maxSubtasks)
}

func buildSWEPrompt(run *models.Run) string {
	var sb strings.Builder
	sb.WriteString("Task:\n")
	sb.WriteString(taskText(run.Payload))
	sb.WriteString("\n\nRepositories: ")
	sb.WriteString(strings.Join(run.Payload.Repos, ", "))
	if run.ParentRunID != "" && len(run.SiblingIDs) > 0 {
		sb.WriteString("\n\nSibling runs working in parallel: ")
		sb.WriteString(strings.Join(run.SiblingIDs, ", "))
	}
	return sb.String()
}

func taskText(p models.Payload) string {
	if p.Title != "" && !strings.HasPrefix(p.Description, p.Title) {
		return p.Title + "\n\n" + p.Description
	}
	return p.Description
}
