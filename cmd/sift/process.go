package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/siftlabs/sift/internal/ingest"
	"github.com/siftlabs/sift/internal/jobs"
	"github.com/siftlabs/sift/internal/metrics"
)

var (
	processUser   string
	processModel  string
	processOutput string
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Extract sentences from a document",
	Long: `Load a document (PDF or plain text), submit it as a job, and run it to
completion. Credits are reserved up front from the user's monthly balance and
settled against actual token usage when the job finishes.

Examples:
  sift process book.pdf --user alice
  sift process notes.txt --user alice --model gpt-4o --out sentences.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := ingest.Load(args[0], a.cfg.Ingest.LinesPerPage)
		if err != nil {
			return err
		}
		a.logger.Info("document loaded", "path", doc.Path, "pages", doc.PageCount)

		job, err := a.orchestrator.Submit(ctx, jobs.SubmitRequest{
			UserID: processUser,
			Model:  processModel,
			Pages:  doc.Pages,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "job %s submitted (%d chunks, %.0f credits reserved)\n",
			job.ID, job.TotalChunks, job.EstimatedCredits)

		job, err = a.orchestrator.Run(ctx, job.ID)
		if err != nil {
			return err
		}
		if job.ErrorCode != "" {
			return fmt.Errorf("job %s: %s: %s", job.ID, job.ErrorCode, job.ErrorMessage)
		}

		out := os.Stdout
		if processOutput != "" {
			f, err := os.Create(processOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(job.Result); err != nil {
			return err
		}

		actual := 0.0
		if job.ActualCredits != nil {
			actual = *job.ActualCredits
		}
		fmt.Fprintf(os.Stderr, "job %s %s: %d sentences, %.2f credits consumed\n",
			job.ID, job.Status, len(job.Result), actual)

		usage := a.recorder.Summarize(metrics.Filter{JobID: job.ID})
		fmt.Fprintf(os.Stderr, "  %d calls (%d ok, %d failed), %d tokens, %s total\n",
			usage.Count, usage.SuccessCount, usage.ErrorCount, usage.TotalTokens,
			usage.TotalTime.Round(time.Millisecond))
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processUser, "user", "", "user ID to bill (required)")
	processCmd.Flags().StringVar(&processModel, "model", "", "model to use (default from config)")
	processCmd.Flags().StringVar(&processOutput, "out", "", "write sentences to file instead of stdout")
	processCmd.MarkFlagRequired("user")
}
