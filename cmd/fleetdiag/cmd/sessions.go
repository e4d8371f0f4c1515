package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and inspect diagnostic sessions",
	Long: `List active and completed sessions, show one session with its
per-instance progress, or delete a session with its artifacts.`,
	RunE: runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session, its logs and reports",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var (
	sessionsOutput string
	sessionsStatus string
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsShowCmd, sessionsDeleteCmd)

	sessionsCmd.PersistentFlags().StringVarP(&sessionsOutput, "output", "o", "", "Output mode (plain, json)")
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status (active, completed)")
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var sessions []*core.Session
	switch strings.ToLower(sessionsStatus) {
	case "":
		sessions, err = rt.manager.ListSessions(ctx)
	case "active":
		sessions, err = rt.manager.ListActiveSessions(ctx)
	case "completed":
		sessions, err = rt.manager.ListCompletedSessions(ctx)
	default:
		return fmt.Errorf("unknown status filter %q", sessionsStatus)
	}
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if sessionsOutput == "json" {
		if sessions == nil {
			sessions = []*core.Session{}
		}
		return printJSON(out, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOOL\tMODE\tSTATUS\tSTARTED\tINSTANCES")
	fmt.Fprintln(w, "--\t----\t----\t------\t-------\t---------")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.Tool, s.Mode, s.Status,
			formatTime(s.StartTime), progress(s))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.manager.GetSession(ctx, args[0])
	if err != nil {
		return describeError(err)
	}

	out := cmd.OutOrStdout()
	if sessionsOutput == "json" {
		return printJSON(out, s)
	}

	fmt.Fprintf(out, "Session:  %s\n", s.SessionID)
	fmt.Fprintf(out, "Tool:     %s (%s)\n", s.Tool, s.Mode)
	fmt.Fprintf(out, "Status:   %s\n", s.Status)
	fmt.Fprintf(out, "Started:  %s\n", formatTime(s.StartTime))
	if s.EndTime != nil {
		fmt.Fprintf(out, "Ended:    %s\n", formatTime(*s.EndTime))
	}
	if s.Description != "" {
		fmt.Fprintf(out, "Note:     %s\n", s.Description)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tSTATUS\tLOGS\tREPORTS\tERRORS")
	for _, name := range s.Instances {
		ai := s.ActiveInstance(name)
		if ai == nil {
			fmt.Fprintf(w, "%s\tpending\t-\t-\t-\n", name)
			continue
		}
		reports := 0
		for _, l := range ai.Logs {
			reports += len(l.Reports)
		}
		errs := append(append([]string{}, ai.CollectorErrors...), ai.AnalyzerErrors...)
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", ai.Name, ai.Status, len(ai.Logs), reports,
			truncateString(strings.Join(errs, "; "), 60))
	}
	return w.Flush()
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.manager.DeleteSession(ctx, args[0]); err != nil {
		return describeError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
	return nil
}

// progress renders "finished/requested".
func progress(s *core.Session) string {
	done := 0
	for _, ai := range s.ActiveInstances {
		if ai.Status.IsTerminal() {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(s.Instances))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
