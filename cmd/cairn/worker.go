package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cairn/internal/dispatch"
	"github.com/ShayCichocki/cairn/internal/logger"
)

var workerCmd = &cobra.Command{
	Use:    "worker <run_id>",
	Short:  "Execute one run (started by the supervisor)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		disp, err := a.dispatcher(ctx, logNotifier)
		if err != nil {
			return err
		}
		runID := args[0]
		if err := disp.Execute(ctx, runID); err != nil {
			if errors.Is(err, dispatch.ErrClaimLost) {
				return nil
			}
			logger.Error("[worker] unit failed", "run_id", runID, "error", err)
			return err
		}
		return nil
	},
}
