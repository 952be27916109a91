package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cairn/internal/decompose"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/internal/tui"
	"github.com/ShayCichocki/cairn/pkg/models"
)

var (
	createAgent       string
	createTitle       string
	createRepos       []string
	createOwner       string
	createBranch      string
	createProvider    string
	createModel       string
	createIdempotency string
)

var createCmd = &cobra.Command{
	Use:   "create <description>",
	Short: "Create a run",
	Long: `Create a Queued run. A running 'cairn serve' picks it up.

Examples:
  cairn create --agent SWE --repo acme/api "Fix the login redirect loop"
  cairn create --agent FullstackPlanner --repo acme/api --repo acme/web \
    "Add a users page backed by a /users endpoint"

With --idempotency-key, repeating the command returns the original run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentType, err := models.ParseAgentType(createAgent)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		req := store.CreateRequest{
			AgentType: agentType,
			Payload: models.Payload{
				Title:          createTitle,
				Description:    strings.Join(args, " "),
				Repos:          createRepos,
				Owner:          createOwner,
				Branch:         createBranch,
				ModelProvider:  createProvider,
				ModelName:      createModel,
				IdempotencyKey: createIdempotency,
			},
		}
		if createOwner == "" {
			req.Payload.Owner = a.cfg.SCM.Owner
		}

		id, err := a.store.CreateRun(cmd.Context(), req)
		duplicate := errors.Is(err, store.ErrDuplicate)
		if err != nil && !duplicate {
			return err
		}
		out := map[string]any{"run_id": id, "duplicate": duplicate}
		return render(out, func(w io.Writer) {
			if duplicate {
				fmt.Fprintf(w, "%s existing run %s\n", color.YellowString("="), id)
				return
			}
			fmt.Fprintf(w, "%s created run %s\n", color.GreenString("✓"), id)
		})
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs",
}

var (
	listStatuses []string
	listParent   string
	listAgent    string
	listLimit    int
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.RunFilter{ParentRunID: listParent, Limit: listLimit}
		for _, s := range listStatuses {
			st := models.Status(s)
			if !st.Valid() {
				return fmt.Errorf("unknown status %q", s)
			}
			filter.Statuses = append(filter.Statuses, st)
		}
		if listAgent != "" {
			at, err := models.ParseAgentType(listAgent)
			if err != nil {
				return err
			}
			filter.AgentType = at
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		runs := []*models.Run{}
		for run, err := range a.store.ListRuns(cmd.Context(), filter) {
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return render(runs, func(w io.Writer) {
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs.")
				return
			}
			for _, run := range runs {
				printRunLine(w, run)
			}
		})
	},
}

var getTree bool

var runsGetCmd = &cobra.Command{
	Use:   "get <run_id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if getTree {
			root, err := tui.LoadTree(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			fmt.Println(tui.RenderTree(root, ""))
			return nil
		}
		run, err := a.store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(run, func(w io.Writer) { printRun(w, run) })
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <run_id>",
	Short: "Create a new run with the payload of an existing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		payload := run.Payload
		payload.IdempotencyKey = ""
		id, err := a.store.CreateRun(cmd.Context(), store.CreateRequest{AgentType: run.AgentType, Payload: payload})
		if err != nil {
			return err
		}
		return render(map[string]string{"run_id": id, "rerun_of": run.ID}, func(w io.Writer) {
			fmt.Fprintf(w, "%s created run %s from %s\n", color.GreenString("✓"), id, run.ID)
		})
	},
}

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <run_id>",
	Short: "Cancel a run",
	Long: `Move a non-terminal run to Cancelled.

The cancellation is recorded in the store immediately. The serving process
terminates the run's unit on its next scheduling pass, and a unit still
working cannot overwrite the cancellation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := store.Cancel(cmd.Context(), a.store, args[0], cancelReason); err != nil {
			return err
		}
		fmt.Printf("%s cancelled %s\n", color.GreenString("✓"), args[0])
		return nil
	},
}

var (
	materializeAll   bool
	materializeHuman bool
)

var materializeCmd = &cobra.Command{
	Use:   "materialize <parent_run_id> [index]",
	Short: "Create child runs from a parent's subtasks",
	Long: `Create the child run for one subtask index of a planned run, or with
--all for every subtask that has no child yet. Repeating the command never
creates a second child for the same index.

Human-assigned subtasks are skipped by --all unless --include-human is set.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if materializeAll == (len(args) == 2) {
			return errors.New("give either a subtask index or --all")
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		m := decompose.NewMaterializer(a.store, logNotifier)
		var out []decompose.Materialized
		if materializeAll {
			out, err = m.MaterializeAll(cmd.Context(), args[0], materializeHuman)
		} else {
			index, perr := strconv.Atoi(args[1])
			if perr != nil {
				return fmt.Errorf("invalid subtask index %q", args[1])
			}
			var res decompose.Materialized
			res, err = m.Materialize(cmd.Context(), args[0], index)
			out = append(out, res)
		}
		if err != nil {
			return err
		}
		return render(out, func(w io.Writer) {
			for _, res := range out {
				mark := color.YellowString("=")
				if res.Created {
					mark = color.GreenString("+")
				}
				fmt.Fprintf(w, "%s [%d] %s\n", mark, res.Index, res.RunID)
			}
		})
	},
}

var composeCmd = &cobra.Command{
	Use:   "compose <run_id>",
	Short: "Wait for a composite run's children and aggregate their results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		disp, err := a.dispatcher(cmd.Context(), logNotifier)
		if err != nil {
			return err
		}
		status, err := disp.AwaitComposition(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", args[0], statusColor(status).Sprint(status))
		return nil
	},
}

func init() {
	createCmd.Flags().StringVarP(&createAgent, "agent", "a", "SWE", "Agent type: SWE, PM or FullstackPlanner")
	createCmd.Flags().StringVar(&createTitle, "title", "", "Short task title")
	createCmd.Flags().StringSliceVarP(&createRepos, "repo", "r", nil, "Target repository (repeatable)")
	createCmd.Flags().StringVar(&createOwner, "owner", "", "Owner for bare repository names (default scm.owner)")
	createCmd.Flags().StringVar(&createBranch, "branch", "", "Working branch (default cairn/<run id>)")
	createCmd.Flags().StringVar(&createProvider, "provider", "", "Model provider: anthropic or bedrock")
	createCmd.Flags().StringVar(&createModel, "model", "", "Model name (default anthropic.model)")
	createCmd.Flags().StringVar(&createIdempotency, "idempotency-key", "", "Return the existing run when the key was used before")

	runsListCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by status (repeatable)")
	runsListCmd.Flags().StringVar(&listParent, "parent", "", "Only children of this run")
	runsListCmd.Flags().StringVar(&listAgent, "agent", "", "Filter by agent type")
	runsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum runs to list")
	runsGetCmd.Flags().BoolVar(&getTree, "tree", false, "Show the run with all descendants")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Reason recorded on the run")

	materializeCmd.Flags().BoolVar(&materializeAll, "all", false, "Materialize every subtask without a child")
	materializeCmd.Flags().BoolVar(&materializeHuman, "include-human", false, "Include human-assigned subtasks with --all")
}
