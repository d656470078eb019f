package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// undo command
var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Reverse recorded operations",
}

var undoOpCmd = &cobra.Command{
	Use:   "op OPERATION_ID",
	Short: "Reverse a single operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid operation id %q", args[0])
		}

		a, err := newApp(cmd, "UndoOperation", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		rev, err := a.UndoOperation(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Undone: %s %s -> %s (operation %d)\n", rev.Type, rev.SourcePath, rev.DestinationPath, rev.ID)
		return nil
	},
}

var undoSessionCmd = &cobra.Command{
	Use:   "session SESSION_ID",
	Short: "Reverse every completed operation of a session, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "UndoSession", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		watchProgress(a.Events())
		report, err := a.UndoSession(cmd.Context(), args[0])
		if report != nil {
			printUndo(report)
		}
		return err
	},
}

// sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect execution sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "ListSessions", "")
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.ListSessions(limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		printSessions(os.Stdout, sessions)
		return nil
	},
}

var sessionsLogCmd = &cobra.Command{
	Use:   "log SESSION_ID",
	Short: "Print the activity log of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ExportSessionLog", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		return a.ExportSessionLog(args[0], os.Stdout)
	},
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished sessions older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("older-than")
		age, err := parseAge(raw)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "CleanupSessions", raw)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.CleanupSessions(age)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d session(s)\n", n)
		return nil
	},
}

// parseAge accepts time.ParseDuration syntax plus a whole-day form such as "30d".
func parseAge(raw string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid age %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid age %q", raw)
	}
	return d, nil
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Deal with sessions left unfinished by a crash or interrupt",
}

var recoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incomplete sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListIncompleteSessions", "")
		if err != nil {
			return err
		}
		defer a.Close()

		incomplete, err := a.ListIncompleteSessions()
		if err != nil {
			return err
		}
		if len(incomplete) == 0 {
			fmt.Println("No incomplete sessions.")
			return nil
		}
		tw := newTable(os.Stdout)
		fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tDONE\tPENDING\tFAILED\tSKIPPED")
		for _, in := range incomplete {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", in.Session.ID, in.Session.StartedAt.Local().Format(timeFormat),
				in.Session.Status, in.Completed, in.Pending, in.Failed, in.Skipped)
		}
		return tw.Flush()
	},
}

var recoverResumeCmd = &cobra.Command{
	Use:   "resume SESSION_ID",
	Short: "Continue an incomplete session from its first pending operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ResumeSession", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		watchProgress(a.Events())
		report, err := a.ResumeSession(cmd.Context(), args[0])
		if report != nil {
			printExecution(report)
		}
		return err
	},
}

var recoverRollbackCmd = &cobra.Command{
	Use:   "rollback SESSION_ID",
	Short: "Undo whatever an incomplete session already changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RollbackSession", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		watchProgress(a.Events())
		report, err := a.RollbackSession(cmd.Context(), args[0])
		if report != nil {
			printUndo(report)
		}
		return err
	},
}

var recoverDiscardCmd = &cobra.Command{
	Use:   "discard SESSION_ID",
	Short: "Abandon an incomplete session, leaving completed moves in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "DiscardSession", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DiscardSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Discarded session %s\n", args[0])
		return nil
	},
}

func init() {
	undoCmd.AddCommand(undoOpCmd)
	undoCmd.AddCommand(undoSessionCmd)

	sessionsListCmd.Flags().Int("limit", 20, "Number of sessions to list")
	sessionsCleanupCmd.Flags().String("older-than", "30d", "Age cutoff, e.g. 30d or 720h")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsLogCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)

	recoverCmd.AddCommand(recoverListCmd)
	recoverCmd.AddCommand(recoverResumeCmd)
	recoverCmd.AddCommand(recoverRollbackCmd)
	recoverCmd.AddCommand(recoverDiscardCmd)

	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(recoverCmd)
}
