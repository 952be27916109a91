package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cairn/internal/tui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <run_id>",
	Short: "Follow a run and its descendants live",
	Long: `Show the run hierarchy rooted at run_id and refresh it until every run
is terminal. Press r to refresh now, q to quit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rootID := args[0]
		load := func(ctx context.Context) (*tui.Node, error) {
			return tui.LoadTree(ctx, a.store, rootID)
		}
		if _, err := load(cmd.Context()); err != nil {
			return err
		}
		_, err = tea.NewProgram(tui.NewWatchApp(load, watchInterval)).Run()
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Refresh interval")
}
