package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/server"
)

var (
	jobListStatus string
	jobListKind   string
	jobListLimit  int
	jobListJSON   bool
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and manage background jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, ok := constants.ParseJobStatus(jobListStatus)
		if !ok {
			return fmt.Errorf("unknown status %q (pending|running|succeeded|failed)", jobListStatus)
		}
		filter := repository.JobFilter{Status: st, Limit: jobListLimit}
		if jobListKind != "" {
			kind, ok := constants.ParseJobKind(jobListKind)
			if !ok {
				return fmt.Errorf("unknown kind %q", jobListKind)
			}
			filter.TaskName = string(kind)
		}
		jobs, err := svc.Queue.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if jobListJSON {
			views := make([]*server.JobView, 0, len(jobs))
			for _, j := range jobs {
				views = append(views, server.NewJobView(j))
			}
			return printJSON(views)
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-18s  %-9s  %s\n", j.Key, j.TaskName, j.Status(), j.Created.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <key>",
	Short: "Show one job with its return value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := svc.Queue.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(server.NewJobView(job))
	},
}

var jobAckCmd = &cobra.Command{
	Use:   "ack <key>",
	Short: "Acknowledge the result of a succeeded job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.Queue.Acknowledge(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("acknowledged", args[0])
		return nil
	},
}

var jobResubmitCmd = &cobra.Command{
	Use:   "resubmit <key>",
	Short: "Enqueue a copy of a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := svc.Queue.Resubmit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run <key>",
	Short: "Claim and run one pending job in this process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHere(cmd, args[0])
	},
}

// submit enqueues args and, when inline is set, runs the job in this
// process instead of waiting for a worker.
func submit(cmd *cobra.Command, args queue.Args, inline bool) error {
	key, err := svc.Queue.Enqueue(cmd.Context(), args)
	if err != nil {
		return err
	}
	if !inline {
		fmt.Println(key)
		return nil
	}
	return runHere(cmd, key)
}

func runHere(cmd *cobra.Command, key string) error {
	ctx := cmd.Context()
	ran, err := svc.NewWorker().RunKey(ctx, key)
	if err != nil {
		return err
	}
	if !ran {
		return fmt.Errorf("job %s was already claimed", key)
	}
	job, err := svc.Queue.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := printJSON(server.NewJobView(job)); err != nil {
		return err
	}
	if job.Status() == constants.JobStatusFailed {
		return fmt.Errorf("job %s failed", key)
	}
	return nil
}

func init() {
	jobListCmd.Flags().StringVar(&jobListStatus, "status", "", "Filter by status (pending|running|succeeded|failed)")
	jobListCmd.Flags().StringVar(&jobListKind, "kind", "", "Filter by kind ("+fmt.Sprint(constants.JobKinds())+")")
	jobListCmd.Flags().IntVar(&jobListLimit, "limit", 50, "Max rows")
	jobListCmd.Flags().BoolVar(&jobListJSON, "json", false, "JSON output")
	jobCmd.AddCommand(jobListCmd, jobStatusCmd, jobAckCmd, jobResubmitCmd, jobRunCmd)
	rootCmd.AddCommand(jobCmd)
}
