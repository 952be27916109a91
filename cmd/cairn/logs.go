package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

var (
	logsAfter    int64
	logsLimit    int
	logsFollow   bool
	logsInterval time.Duration
)

var logsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Print a run's log",
	Long: `Print the observability log of a run, oldest first.

With --follow, keep polling for new entries until the run reaches a
terminal status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return printLogs(cmd.Context(), cmd.OutOrStdout(), a.store, args[0])
	},
}

func printLogs(ctx context.Context, w io.Writer, s store.Store, runID string) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	after := logsAfter
	for {
		entries, err := s.ListLogs(ctx, runID, after, logsLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s %s %s\n",
				color.New(color.Faint).Sprint(e.CreatedAt.Local().Format("15:04:05")),
				color.New(color.Faint).Sprintf("#%d", e.ID),
				e.Content)
			after = e.ID
		}
		if len(entries) > 0 && len(entries) == logsLimit {
			continue
		}
		if !logsFollow {
			return nil
		}
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			fmt.Fprintf(w, "-- run %s %s\n", runID, statusColor(run.Status).Sprint(run.Status))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(logsInterval):
		}
	}
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read or post a2a facts of a sibling group",
	Long: `Siblings (children of the same parent) share facts through an
append-only message log. The group id is the parent run id.`,
}

var messagesSince int64

var messagesReadCmd = &cobra.Command{
	Use:   "read <group_id>",
	Short: "Print facts posted to a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.channel().Read(cmd.Context(), args[0], messagesSince)
		if err != nil {
			return err
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		return render(msgs, func(w io.Writer) {
			for _, m := range msgs {
				content, _ := json.Marshal(m.Content)
				fmt.Fprintf(w, "#%d %s %s\n", m.ID, color.CyanString(m.SenderRunID), content)
			}
		})
	},
}

var messagesSender string

var messagesPostCmd = &cobra.Command{
	Use:   "post <group_id> key=value...",
	Short: "Post a fact on behalf of a group member",
	Long: `Post a fact to a group. Values that parse as JSON keep their type;
anything else is stored as a string.

Example:
  cairn messages post $PARENT --sender $CHILD endpoint=/users version=2`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fact, err := parseFact(args[1:])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.channel().Post(cmd.Context(), messagesSender, args[0], fact)
		if err != nil {
			return err
		}
		fmt.Printf("%s posted #%d\n", color.GreenString("✓"), id)
		return nil
	},
}

// parseFact turns key=value pairs into a fact.
func parseFact(pairs []string) (models.Fact, error) {
	fact := models.Fact{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid fact %q, want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fact[key] = v
	}
	return fact, nil
}

func init() {
	logsCmd.Flags().Int64Var(&logsAfter, "after", 0, "Only entries with a greater id")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 200, "Entries fetched per page")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Poll for new entries until the run finishes")
	logsCmd.Flags().DurationVar(&logsInterval, "interval", 2*time.Second, "Polling interval with --follow")

	messagesReadCmd.Flags().Int64Var(&messagesSince, "since", 0, "Only messages with a greater id")
	messagesPostCmd.Flags().StringVar(&messagesSender, "sender", "", "Posting run id (must belong to the group)")
	_ = messagesPostCmd.MarkFlagRequired("sender")
	messagesCmd.AddCommand(messagesReadCmd)
	messagesCmd.AddCommand(messagesPostCmd)
}
