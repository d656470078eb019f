package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"filesense/internal/app"
	"filesense/internal/organizer"

	"github.com/spf13/cobra"
)

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan [ROOT...]",
	Short: "Discover files under the given roots, or the configured roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Scan", strings.Join(args, " "), args...)
		if err != nil {
			return err
		}
		defer a.Close()

		a.Events().Subscribe(organizer.EventFilesFound, func(e organizer.Event) {
			fmt.Fprintf(os.Stderr, "found %v files\n", e.Data["count"])
		})

		result, err := a.Scan(cmd.Context(), args)
		if err != nil {
			return err
		}

		fmt.Printf("Scanned %s\n", strings.Join(result.Roots, ", "))
		fmt.Printf("  found:     %d\n", result.Found)
		fmt.Printf("  new:       %d\n", result.New)
		fmt.Printf("  changed:   %d\n", result.Changed)
		fmt.Printf("  unchanged: %d\n", result.Unchanged)
		fmt.Printf("  absent:    %d\n", result.Absent)
		if len(result.Errors) > 0 {
			fmt.Printf("  errors:    %d\n", len(result.Errors))
			for _, e := range result.Errors {
				fmt.Printf("    %s\n", e.Error())
			}
		}
		return nil
	},
}

// classify command
var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify pending files",
	Long: `Classify the next batch of pending files, or every batch with --all.
The first interrupt stops after the batch in flight; a second one aborts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		retry, _ := cmd.Flags().GetBool("retry-unclassified")

		a, err := newApp(cmd, "Classify", fmt.Sprintf("all=%t retry_unclassified=%t", all, retry))
		if err != nil {
			return err
		}
		defer a.Close()

		a.Events().Subscribe(organizer.EventBatchClassified, func(e organizer.Event) {
			fmt.Fprintf(os.Stderr, "batch: %v classified, %v unclassified, %v remaining\n",
				e.Data["classified"], e.Data["unclassified"], e.Data["remaining"])
		})

		// The command context is only cancelled by the second interrupt so
		// that the batch in flight can finish after the first.
		token := organizer.NewCancelToken()
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		ctx, cancel := detachedContext(cmd)
		defer cancel()
		go func() {
			if _, ok := <-sig; !ok {
				return
			}
			fmt.Fprintln(os.Stderr, "stopping after the current batch (interrupt again to abort)")
			token.Cancel()
			if _, ok := <-sig; ok {
				cancel()
			}
		}()

		outcome, err := a.Classify(ctx, token, app.ClassifyOptions{All: all, RetryUnclassified: retry})
		if outcome != nil {
			if outcome.Retried > 0 {
				fmt.Printf("Returned %d unclassified file(s) to the queue\n", outcome.Retried)
			}
			if outcome.Cache != nil {
				fmt.Printf("Cache: %d hit(s), %d miss(es)\n", outcome.Cache.Hits, outcome.Cache.Misses)
			}
			s := outcome.Summary
			fmt.Printf("Classified %d file(s) in %d batch(es) with %d call(s); %d unclassified\n",
				s.Classified, s.Batches, s.Calls, s.Unclassified)
		}
		if errors.Is(err, organizer.ErrCancelled) {
			fmt.Println("Stopped; run classify again to continue.")
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().Bool("all", false, "Classify until the queue is empty")
	classifyCmd.Flags().Bool("retry-unclassified", false, "Return files that failed classification to the queue first")
}
