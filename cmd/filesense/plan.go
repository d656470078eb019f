package main

import (
	"fmt"
	"os"
	"strings"

	"filesense/internal/organizer"

	"github.com/spf13/cobra"
)

// plan command
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate and review organization plans",
}

var planGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Build a plan from the classified files",
	Long: `Build a plan from the classified files.

Styles: life_areas (alias simple), timeline, relationships (alias smart_groups).
Depths: flat, moderate, detailed.
Clarifications pin files matching a glob to a category, e.g.
  --clarify '*/scans/*.pdf=Money/Receipts'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := organizer.PlanRequest{}
		req.Style, _ = cmd.Flags().GetString("style")
		req.Depth, _ = cmd.Flags().GetString("depth")
		if cmd.Flags().Changed("threshold") {
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			req.Threshold = &threshold
		}
		req.Exclusions, _ = cmd.Flags().GetStringSlice("exclude")
		req.ExcludeIDs, _ = cmd.Flags().GetInt64Slice("exclude-id")
		req.IncludePending, _ = cmd.Flags().GetBool("include-pending")
		clarify, _ := cmd.Flags().GetStringArray("clarify")
		for _, raw := range clarify {
			c, err := organizer.ParseClarification(raw)
			if err != nil {
				return err
			}
			req.Clarifications = append(req.Clarifications, c)
		}

		a, err := newApp(cmd, "GeneratePlan", fmt.Sprintf("style=%s depth=%s", req.Style, req.Depth))
		if err != nil {
			return err
		}
		defer a.Close()

		plan, err := a.GeneratePlan(cmd.Context(), req)
		if err != nil {
			return err
		}
		printPlanSummary(plan)
		fmt.Printf("\nReview with 'filesense plan show %s', then run 'filesense execute %s --test'.\n", plan.ID, plan.ID)
		return nil
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show PLAN_ID",
	Short: "Show a plan and its planned moves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output != "table" && output != "yaml" {
			return fmt.Errorf("unknown output format %q (want table or yaml)", output)
		}

		a, err := newApp(cmd, "ReviewPlan", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		plan, err := a.ShowPlan(args[0])
		if err != nil {
			return err
		}
		if output == "yaml" {
			return writePlanYAML(os.Stdout, plan)
		}
		printPlanSummary(plan)
		fmt.Println()
		printPlanItems(os.Stdout, plan)
		if plan.Summary.ReviewCount > 0 {
			fmt.Println("\n* requires review")
		}
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "ListPlans", "")
		if err != nil {
			return err
		}
		defer a.Close()

		plans, err := a.ListPlans(limit)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			fmt.Println("No plans.")
			return nil
		}
		tw := newTable(os.Stdout)
		fmt.Fprintln(tw, "ID\tCREATED\tSTYLE\tFILES\tREVIEW")
		for _, p := range plans {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", p.ID, p.CreatedAt.Local().Format(timeFormat),
				strings.Join([]string{p.Style, p.Depth}, "/"), p.Summary.TotalFiles, p.Summary.ReviewCount)
		}
		return tw.Flush()
	},
}

// execute command
var executeCmd = &cobra.Command{
	Use:   "execute PLAN_ID",
	Short: "Apply a plan, recording every change in the ledger",
	Long: `Apply a plan. Every move and folder creation is recorded before it
happens so it can be undone. With --test the ledger is written but
nothing on disk changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		test, _ := cmd.Flags().GetBool("test")

		a, err := newApp(cmd, "ExecutePlan", fmt.Sprintf("%s test=%t", args[0], test))
		if err != nil {
			return err
		}
		defer a.Close()

		watchProgress(a.Events())
		report, err := a.ExecutePlan(cmd.Context(), args[0], test)
		if report != nil {
			printExecution(report)
		}
		if err != nil {
			if report != nil && organizer.IsKind(err, organizer.ErrCancelled) {
				fmt.Printf("Interrupted; resume with 'filesense recover resume %s'.\n", report.SessionID)
			}
			return err
		}
		return nil
	},
}

func init() {
	planGenerateCmd.Flags().String("style", "", "Organization style (default from config)")
	planGenerateCmd.Flags().String("depth", "", "Folder depth (default from config)")
	planGenerateCmd.Flags().Float64("threshold", 0, "Confidence below which files go to review, 0 to 1 (default from config)")
	planGenerateCmd.Flags().StringSlice("exclude", nil, "Glob of files to leave in place (repeatable)")
	planGenerateCmd.Flags().Int64Slice("exclude-id", nil, "File id to leave in place (repeatable)")
	planGenerateCmd.Flags().StringArray("clarify", nil, "GLOB=Category[/Subcategory] override (repeatable)")
	planGenerateCmd.Flags().Bool("include-pending", false, "Route never-classified files to review")
	planShowCmd.Flags().StringP("output", "o", "table", "Output format: table or yaml")
	planListCmd.Flags().Int("limit", 20, "Number of plans to list")
	executeCmd.Flags().Bool("test", false, "Record the session without touching the disk")

	planCmd.AddCommand(planGenerateCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planListCmd)

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(executeCmd)
}
