package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session or one of its instances",
	Long: `Drop a cancellation marker for the session. The agent running the
session stops its collector or analyzer and records the instance as timed
out. Without --target every unfinished instance is cancelled.

Examples:
  fleetdiag cancel 240304_100000123 --reason "wrong tool"
  fleetdiag cancel 240304_100000123 --target web-2`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var (
	cancelTarget string
	cancelReason string
)

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().StringVarP(&cancelTarget, "target", "T", "", "Cancel only this instance")
	cancelCmd.Flags().StringVarP(&cancelReason, "reason", "r", "", "Reason recorded with the cancellation")
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := args[0]
	if cancelTarget != "" {
		err = rt.manager.CancelInstance(ctx, id, cancelTarget, cancelReason)
	} else {
		err = rt.manager.CancelSession(ctx, id, cancelReason)
	}
	if err != nil {
		return describeError(err)
	}
	rt.logger.WithSession(id).Info("cancellation requested", "target", cancelTarget, "reason", cancelReason)

	if cancelTarget != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s on %s\n", id, cancelTarget)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", id)
	}
	return nil
}
