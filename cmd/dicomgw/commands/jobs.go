package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openimagery/dicomgw/internal/cli/output"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/config"
	"github.com/openimagery/dicomgw/pkg/queue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage forward jobs",
}

var (
	jobsListStatus      string
	jobsListDestination string
	jobsListLimit       int
	jobsListOutput      string
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List forward jobs",
	Long: `List forward jobs, newest first.

Examples:
  # Most recent jobs
  dicomgw jobs list

  # Dead-lettered jobs for one destination
  dicomgw jobs list --status dead_letter --destination PACS1

  # As JSON
  dicomgw jobs list -o json`,
	RunE: runJobsList,
}

var jobsRetryDestination string

var jobsRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Release dead-lettered jobs back to pending",
	Long: `Release a dead-lettered job back to the pending state so workers pick
it up again. With --destination, releases every dead-lettered job for
that destination.

Examples:
  dicomgw jobs retry 1042
  dicomgw jobs retry --destination PACS1`,
	RunE: runJobsRetry,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or in-progress job",
	Long: `Cancel a forward job. Pending jobs are canceled immediately; in-progress
jobs are flagged and stop at the worker's next heartbeat.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var jobsReplayCmd = &cobra.Command{
	Use:   "replay <study-uid> <destination>",
	Short: "Queue every instance of a study for re-delivery",
	Long: `Create fresh forward jobs for all cataloged instances of a study toward
the given destination. Instances that already have a live job are skipped.`,
	Args: cobra.ExactArgs(2),
	RunE: runJobsReplay,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Filter by status (pending, in_progress, succeeded, dead_letter, canceled)")
	jobsListCmd.Flags().StringVar(&jobsListDestination, "destination", "", "Filter by destination name")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 100, "Maximum rows to return")
	jobsListCmd.Flags().StringVarP(&jobsListOutput, "output", "o", "table", "Output format (table, json, yaml)")

	jobsRetryCmd.Flags().StringVar(&jobsRetryDestination, "destination", "", "Retry all dead-lettered jobs for this destination")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsReplayCmd)
}

// openQueue connects to the catalog for an operator command.
func openQueue(ctx context.Context) (*queue.Queue, *catalog.Catalog, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, nil, err
	}
	// Operator commands keep log noise down unless asked for more.
	cfg.Logging.Level = "WARN"
	if err := InitLogger(cfg); err != nil {
		return nil, nil, err
	}

	cat, err := catalog.New(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}
	return queue.New(cat.Pool(), cfg.Backoff), cat, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(jobsListOutput)
	if err != nil {
		return err
	}

	ctx := context.Background()
	q, cat, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer cat.Close()

	jobs, err := q.List(ctx, queue.ListFilter{
		Status:      catalog.JobStatus(jobsListStatus),
		Destination: jobsListDestination,
		Limit:       jobsListLimit,
	})
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, jobs)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	tbl := output.NewTable("ID", "DESTINATION", "SOP INSTANCE UID", "STATUS", "ATTEMPTS", "NEXT ELIGIBLE", "LAST ERROR")
	for _, j := range jobs {
		lastErr := j.LastErrorKind
		if lastErr != "" && j.LastErrorDetail != "" {
			lastErr = fmt.Sprintf("%s: %s", j.LastErrorKind, truncate(j.LastErrorDetail, 48))
		}
		tbl.AddRow(
			strconv.FormatInt(j.ID, 10),
			j.DestinationName,
			j.SOPInstanceUID,
			string(j.Status),
			strconv.Itoa(j.Attempts),
			formatEligible(j),
			lastErr,
		)
	}
	return tbl.Render(os.Stdout)
}

func formatEligible(j catalog.ForwardJob) string {
	if j.Status.Terminal() {
		return "-"
	}
	if until := time.Until(j.NextEligibleAt); until > time.Second {
		return fmt.Sprintf("in %s", until.Round(time.Second))
	}
	return "now"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (jobsRetryDestination == "") {
		return fmt.Errorf("specify either a job id or --destination")
	}

	ctx := context.Background()
	q, cat, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer cat.Close()

	if jobsRetryDestination != "" {
		n, err := q.RetryDestination(ctx, jobsRetryDestination)
		if err != nil {
			return err
		}
		fmt.Printf("Released %d job(s) for %s\n", n, jobsRetryDestination)
		return nil
	}

	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id: %s", args[0])
	}
	if err := q.Retry(ctx, jobID); err != nil {
		return err
	}
	fmt.Printf("Job %d released back to pending\n", jobID)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id: %s", args[0])
	}

	ctx := context.Background()
	q, cat, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer cat.Close()

	immediate, err := q.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if immediate {
		fmt.Printf("Job %d canceled\n", jobID)
	} else {
		fmt.Printf("Job %d is in progress; cancellation requested\n", jobID)
	}
	return nil
}

func runJobsReplay(cmd *cobra.Command, args []string) error {
	studyUID, destination := args[0], args[1]

	ctx := context.Background()
	q, cat, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer cat.Close()

	n, err := q.Replay(ctx, studyUID, destination)
	if err != nil {
		return err
	}
	fmt.Printf("Queued %d instance(s) of study %s for %s\n", n, studyUID, destination)
	return nil
}
