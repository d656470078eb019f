package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"filesense/internal/model"
	"filesense/internal/organizer"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const timeFormat = "2006-01-02 15:04:05"

// readPassphrase prompts on stderr and reads without echo. With confirm the
// passphrase must be entered twice.
func readPassphrase(prompt string, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("a passphrase is required and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", errors.New("passphrase must not be empty")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passphrases do not match")
		}
	}
	return string(first), nil
}

// detachedContext returns a context that survives the first interrupt.
// Commands that stop cooperatively cancel it themselves.
func detachedContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(cmd.Context()))
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printStatus(r *organizer.StatusReport) {
	fmt.Printf("Phase: %s\n\n", r.Phase)
	fmt.Println("Files:")
	for _, s := range []model.FileStatus{model.FileStatusPending, model.FileStatusClassified, model.FileStatusUnclassified} {
		fmt.Printf("  %-13s %d\n", s, r.Files[s])
	}
	if len(r.Categories) > 0 {
		fmt.Println()
		fmt.Println("Categories:")
		for _, c := range r.Categories {
			fmt.Printf("  %-13s %d\n", c.Category, c.Count)
		}
	}
	if len(r.Incomplete) > 0 {
		fmt.Println()
		fmt.Println("Incomplete sessions (see 'filesense recover list'):")
		for _, in := range r.Incomplete {
			fmt.Printf("  %s  %s  %d done, %d pending\n", in.Session.ID, in.Session.Status, in.Completed, in.Pending)
		}
	}
	if len(r.Recent) > 0 {
		fmt.Println()
		fmt.Println("Recent transitions:")
		tw := newTable(os.Stdout)
		for _, tr := range r.Recent {
			fmt.Fprintf(tw, "  %s\t%s -> %s\t%s\t%s\n", tr.At.Local().Format(timeFormat), tr.From, tr.To, tr.Event, tr.SessionID)
		}
		tw.Flush()
	}
}

func printPlanSummary(p *model.Plan) {
	s := p.Summary
	fmt.Printf("Plan %s (%s)\n", p.ID, p.Name)
	fmt.Printf("  style:        %s/%s, review below %.2f\n", p.Style, p.Depth, p.Threshold)
	fmt.Printf("  destination:  %s\n", p.BaseDir)
	fmt.Printf("  files:        %d (%d confident, %d low confidence)\n", s.TotalFiles, s.HighConfidence, s.LowConfidence)
	fmt.Printf("  review:       %d (%d unclassified)\n", s.ReviewCount, s.UnclassifiedCount)
	fmt.Printf("  excluded:     %d\n", s.ExcludedCount)
	fmt.Printf("  duplicates:   %d\n", s.DuplicatesFound)
	fmt.Printf("  new folders:  %d\n", len(s.FoldersToCreate))
}

func printPlanItems(w io.Writer, p *model.Plan) {
	tw := newTable(w)
	fmt.Fprintln(tw, "#\tCONF\tCATEGORY\tSOURCE\tDESTINATION")
	for _, item := range p.Items {
		mark := ""
		if item.RequiresReview {
			mark = " *"
		}
		fmt.Fprintf(tw, "%d\t%.2f%s\t%s\t%s\t%s\n", item.Position+1, item.Confidence, mark, item.Category, item.SourcePath, item.DestinationPath)
	}
	tw.Flush()
}

// planView is the yaml rendering of a plan.
type planView struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Style     string         `yaml:"style"`
	Depth     string         `yaml:"depth"`
	Threshold float64        `yaml:"threshold"`
	BaseDir   string         `yaml:"base_dir"`
	CreatedAt time.Time      `yaml:"created_at"`
	Summary   planSummary    `yaml:"summary"`
	Items     []planItemView `yaml:"items"`
}

type planSummary struct {
	TotalFiles        int      `yaml:"total_files"`
	HighConfidence    int      `yaml:"high_confidence"`
	LowConfidence     int      `yaml:"low_confidence"`
	ReviewCount       int      `yaml:"review_count"`
	UnclassifiedCount int      `yaml:"unclassified_count"`
	ExcludedCount     int      `yaml:"excluded_count"`
	DuplicatesFound   int      `yaml:"duplicates_found"`
	FoldersToCreate   []string `yaml:"folders_to_create,omitempty"`
}

type planItemView struct {
	FileID         int64   `yaml:"file_id"`
	Source         string  `yaml:"source"`
	Destination    string  `yaml:"destination"`
	Category       string  `yaml:"category"`
	Confidence     float64 `yaml:"confidence"`
	Reason         string  `yaml:"reason,omitempty"`
	RequiresReview bool    `yaml:"requires_review,omitempty"`
}

func writePlanYAML(w io.Writer, p *model.Plan) error {
	view := planView{
		ID: p.ID, Name: p.Name, Style: p.Style, Depth: p.Depth,
		Threshold: p.Threshold, BaseDir: p.BaseDir, CreatedAt: p.CreatedAt,
		Summary: planSummary(p.Summary),
	}
	for _, item := range p.Items {
		view.Items = append(view.Items, planItemView{
			FileID:         item.FileID,
			Source:         item.SourcePath,
			Destination:    item.DestinationPath,
			Category:       item.Category,
			Confidence:     item.Confidence,
			Reason:         item.Reason,
			RequiresReview: item.RequiresReview,
		})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	return enc.Close()
}

func printExecution(r *organizer.ExecutionReport) {
	mode := ""
	if r.TestMode {
		mode = " (test mode, nothing moved)"
	}
	fmt.Printf("Session %s: %s%s\n", r.SessionID, r.Status, mode)
	fmt.Printf("  operations: %d\n", r.Total)
	fmt.Printf("  completed:  %d\n", r.Completed)
	fmt.Printf("  failed:     %d\n", r.Failed)
	fmt.Printf("  skipped:    %d\n", r.Skipped)
	if r.Undone > 0 || r.UndoFailed > 0 {
		fmt.Printf("  rolled back: %d (%d could not be undone)\n", r.Undone, r.UndoFailed)
	}
	if len(r.Failures) > 0 {
		fmt.Println("Failures:")
		tw := newTable(os.Stdout)
		for _, f := range r.Failures {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", f.Index, f.Code, f.Path, f.Message)
		}
		tw.Flush()
	}
}

func printUndo(r *organizer.UndoReport) {
	fmt.Printf("Session %s: %s\n", r.SessionID, r.Status)
	fmt.Printf("  undone: %d\n", r.Undone)
	fmt.Printf("  failed: %d\n", r.Failed)
	for _, f := range r.Failures {
		fmt.Printf("    operation %d %s: %v\n", f.OperationID, f.Path, f.Err)
	}
}

func printSessions(w io.Writer, sessions []*model.Session) {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tSTYLE\tOPS\tOK\tFAILED\tTEST")
	for _, s := range sessions {
		test := ""
		if s.TestMode {
			test = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n", s.ID, s.StartedAt.Local().Format(timeFormat),
			s.Status, s.Style, s.TotalOperations, s.SuccessfulOperations, s.FailedOperations, test)
	}
	tw.Flush()
}

// watchProgress prints engine progress when stderr is a terminal.
func watchProgress(bus *organizer.EventBus) {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bus.SubscribeAll(progressPrinter)
	}
}

func progressPrinter(e organizer.Event) {
	switch e.Type {
	case organizer.EventOperationProgress:
		fmt.Fprintf(os.Stderr, "[%v/%v] %v %v %v\n", e.Data["index"], e.Data["total"], e.Data["status"], e.Data["type"], e.Data["source"])
	case organizer.EventRollbackProgress:
		fmt.Fprintf(os.Stderr, "undone %v %v\n", e.Data["type"], e.Data["path"])
	case organizer.EventSessionError:
		if cause, ok := e.Data["error"]; ok {
			fmt.Fprintf(os.Stderr, "session %s %v: %v\n", e.SessionID, e.Data["status"], cause)
		} else {
			fmt.Fprintf(os.Stderr, "session %s interrupted\n", e.SessionID)
		}
	}
}
