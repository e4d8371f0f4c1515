package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/service/session"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Start a diagnostic session",
	Long: `Write a new active session to shared storage. Agents on the named
instances pick it up on their next poll.

Examples:
  # Collect a trace on two instances
  fleetdiag submit --tool trace --target web-1 --target web-2

  # Collect and analyze a time window
  fleetdiag submit --tool eventlogs --mode CollectAndAnalyze \
      --target web-1 --start 2024-03-04T09:00:00Z --end 2024-03-04T10:00:00Z`,
	RunE: runSubmit,
}

var (
	submitTool        string
	submitInstances   []string
	submitMode        string
	submitDescription string
	submitInvoker     string
	submitStart       string
	submitEnd         string
	submitOutput      string
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitTool, "tool", "t", "", "Diagnoser to run")
	submitCmd.Flags().StringSliceVarP(&submitInstances, "target", "T", nil, "Target instance (repeatable)")
	submitCmd.Flags().StringVarP(&submitMode, "mode", "m", string(core.ModeCollect),
		"Session mode (Collect, CollectAndAnalyze, CollectKillAndAnalyze)")
	submitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "Free-form description")
	submitCmd.Flags().StringVar(&submitInvoker, "invoker", string(core.InvokerInteractive),
		"Who is submitting (Interactive, Automation)")
	submitCmd.Flags().StringVar(&submitStart, "start", "", "Range start (RFC 3339)")
	submitCmd.Flags().StringVar(&submitEnd, "end", "", "Range end (RFC 3339)")
	submitCmd.Flags().StringVarP(&submitOutput, "output", "o", "", "Output mode (plain, json)")
	_ = submitCmd.MarkFlagRequired("tool")
	_ = submitCmd.MarkFlagRequired("target")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	mode, err := core.ParseMode(submitMode)
	if err != nil {
		return describeError(err)
	}
	req := session.SubmitRequest{
		Tool:        submitTool,
		Mode:        mode,
		Instances:   submitInstances,
		Description: submitDescription,
		Invoker:     core.Invoker(submitInvoker),
	}
	if submitStart != "" || submitEnd != "" {
		tr, err := parseTimeRange(submitStart, submitEnd)
		if err != nil {
			return err
		}
		req.TimeRange = tr
	}

	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.manager.Submit(cmd.Context(), req)
	if err != nil {
		return describeError(err)
	}
	rt.logger.WithSession(s.SessionID).WithDiagnoser(s.Tool).
		Info("session submitted", "mode", s.Mode, "instances", len(s.Instances))

	out := cmd.OutOrStdout()
	if submitOutput == "json" {
		return printJSON(out, s)
	}
	fmt.Fprintf(out, "Session %s submitted (%s, %s) for %d instance(s)\n",
		s.SessionID, s.Tool, s.Mode, len(s.Instances))
	return nil
}

func parseTimeRange(start, end string) (*core.TimeRange, error) {
	if start == "" || end == "" {
		return nil, fmt.Errorf("--start and --end must be given together")
	}
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return nil, fmt.Errorf("parsing --start: %w", err)
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return nil, fmt.Errorf("parsing --end: %w", err)
	}
	return &core.TimeRange{Start: from.UTC(), End: to.UTC()}, nil
}
