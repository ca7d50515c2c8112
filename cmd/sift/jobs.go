package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/siftlabs/sift/internal/store"
	"github.com/siftlabs/sift/internal/types"
)

var (
	jobsListUser   string
	jobsListStatus string
	jobsListLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		jobList, err := a.store.ListJobs(cmd.Context(), store.JobFilter{
			UserID: jobsListUser,
			Status: types.JobStatus(jobsListStatus),
			Limit:  jobsListLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tSTATUS\tPROGRESS\tCHUNKS\tCREDITS\tCREATED")
		for _, j := range jobList {
			actual := "-"
			if j.ActualCredits != nil {
				actual = fmt.Sprintf("%.2f", *j.ActualCredits)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%d/%d\t%s\t%s\n",
				j.ID, j.UserID, j.Status, j.ProgressPercent,
				j.ProcessedChunks, j.TotalChunks, actual,
				j.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's full state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.store.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Request cancellation of a job. A pending job is cancelled immediately with
a full refund. A processing job stops dispatching new chunks and settles for
the work already done; in-flight chunks are allowed to finish.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.orchestrator.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if job.Status == types.JobCancelled {
			fmt.Printf("job %s cancelled\n", job.ID)
		} else {
			fmt.Printf("job %s cancellation requested (status: %s)\n", job.ID, job.Status)
		}
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run or resume a job",
	Long: `Run a pending job, or resume a job interrupted mid-processing. Chunks that
already reached a terminal state are not re-executed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.orchestrator.Run(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("job %s finished with status %s\n", job.ID, job.Status)
		if job.ErrorCode != "" {
			fmt.Printf("  error: %s: %s\n", job.ErrorCode, job.ErrorMessage)
		}
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListUser, "user", "", "filter by user ID")
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "filter by status")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "max jobs to list")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRunCmd)
}
