package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// render writes v in the selected output format. text prints the human
// readable form.
func render(v any, text func(w io.Writer)) error {
	return renderTo(os.Stdout, outputFormat, v, text)
}

func renderTo(w io.Writer, format string, v any, text func(w io.Writer)) error {
	switch format {
	case "", "text":
		text(w)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return writeYAML(w, v)
	}
	return fmt.Errorf("unknown output format %q (want text, yaml or json)", format)
}

// writeYAML encodes v with its JSON field names and order.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("convert to yaml: %w", err)
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func statusColor(s models.Status) *color.Color {
	switch s {
	case models.StatusDone:
		return color.New(color.FgGreen)
	case models.StatusFailed:
		return color.New(color.FgRed)
	case models.StatusCancelled:
		return color.New(color.Faint)
	case models.StatusWaitingForInput:
		return color.New(color.FgYellow)
	case models.StatusQueued:
		return color.New(color.FgWhite)
	default:
		return color.New(color.FgCyan)
	}
}

func printRunLine(w io.Writer, run *models.Run) {
	title := run.Payload.Title
	if title == "" {
		title = strings.SplitN(run.Payload.Description, "\n", 2)[0]
	}
	if len(title) > 60 {
		title = title[:57] + "..."
	}
	fmt.Fprintf(w, "%s  %s  %-16s  %s\n",
		run.ID,
		statusColor(run.Status).Sprintf("%-18s", run.Status),
		run.AgentType,
		title)
}

func printRun(w io.Writer, run *models.Run) {
	bold := color.New(color.Bold)
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("Run"), run.ID)
	fmt.Fprintf(w, "  Agent:    %s\n", run.AgentType)
	fmt.Fprintf(w, "  Status:   %s\n", statusColor(run.Status).Sprint(run.Status))
	if run.ParentRunID != "" {
		fmt.Fprintf(w, "  Parent:   %s", run.ParentRunID)
		if run.SubtaskIndex != nil {
			fmt.Fprintf(w, " (subtask %d)", *run.SubtaskIndex)
		}
		fmt.Fprintln(w)
	}
	if len(run.SiblingIDs) > 0 {
		fmt.Fprintf(w, "  Siblings: %s\n", strings.Join(run.SiblingIDs, ", "))
	}
	if len(run.Payload.Repos) > 0 {
		fmt.Fprintf(w, "  Repos:    %s\n", strings.Join(run.Payload.Repos, ", "))
	}
	fmt.Fprintf(w, "  Created:  %s\n", run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Updated:  %s\n", run.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "\n%s\n%s\n", bold.Sprint("Task"), indent(run.Payload.Description))

	res := run.Result
	if res == nil {
		return
	}
	fmt.Fprintf(w, "\n%s\n", bold.Sprint("Result"))
	if res.Summary != "" {
		fmt.Fprintf(w, "%s\n", indent(res.Summary))
	}
	if res.PRURL != "" {
		fmt.Fprintf(w, "  PR: %s\n", res.PRURL)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", color.RedString("Error (%s):", res.ErrorKind), res.Error)
	}
	if len(res.Subtasks) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold.Sprint("Subtasks"))
		for _, st := range res.Subtasks {
			fmt.Fprintf(w, "  [%d] %s (%s, %s)", st.Index, st.Title, st.Repo, st.Assignment)
			if len(st.DependsOn) > 0 {
				fmt.Fprintf(w, " after %v", st.DependsOn)
			}
			fmt.Fprintln(w)
		}
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
