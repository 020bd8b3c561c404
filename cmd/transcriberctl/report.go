package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/progress"
	"github.com/joseph-ayodele/transcriber/internal/queue"
)

var (
	progressReviewer string
	imagesStatus     string
	reportJSON       bool
	exportOut        string
	exportInline     bool
)

var progressCmd = &cobra.Command{
	Use:   "progress [slug]",
	Short: "Show document and review progress for one or all tasks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var list []*progress.Progress
		if len(args) == 0 {
			all, err := svc.Progress.Overview(ctx)
			if err != nil {
				return err
			}
			list = all
		} else {
			task, err := svc.Tasks.Get(ctx, args[0])
			if err != nil {
				return err
			}
			p, err := svc.Progress.ForTask(ctx, task)
			if err != nil {
				return err
			}
			list = append(list, p)
			if progressReviewer != "" {
				rp, err := svc.Progress.ForReviewer(ctx, task, progressReviewer)
				if err != nil {
					return err
				}
				if reportJSON {
					return printJSON(map[string]any{"progress": p, "reviewer": rp})
				}
				defer fmt.Printf("reviewer %s: %d of %d documents (%d%%)\n", rp.Reviewer, rp.Submissions, rp.DocsTotal, rp.Pct)
			}
		}
		if reportJSON {
			return printJSON(list)
		}
		for _, p := range list {
			fmt.Printf("%s: %d documents  done %d%%  in progress %d%%  conflicted %d%%  unseen %d%%  reviews %d/%d (%d%%)\n",
				p.TaskSlug, p.DocsTotal,
				p.DocsDonePct, p.DocsInProgressPct, p.DocsConflictedPct, p.DocsUnseenPct,
				p.ReviewsDone, p.ReviewsTotal, p.ReviewsDonePct)
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <slug>",
	Short: "List documents whose reviewers disagree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		task, err := svc.Tasks.Get(ctx, args[0])
		if err != nil {
			return err
		}
		list, err := svc.Conflicts.TaskConflicts(ctx, task)
		if err != nil {
			return err
		}
		if reportJSON {
			return printJSON(list)
		}
		for _, c := range list {
			fmt.Printf("image %d\n", c.ImageID)
			for _, slug := range task.FieldSlugs() {
				values, ok := c.Fields[slug]
				if !ok {
					continue
				}
				parts := make([]string, len(values))
				for i, v := range values {
					if v == nil {
						parts[i] = "(blank)"
					} else {
						parts[i] = fmt.Sprintf("%q", *v)
					}
				}
				fmt.Printf("  %-20s %s\n", slug, strings.Join(parts, " | "))
			}
		}
		fmt.Printf("%d conflicted documents\n", len(list))
		return nil
	},
}

var imagesCmd = &cobra.Command{
	Use:   "images <slug>",
	Short: "List a task's documents with their review state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		status, ok := constants.ParseImageStatus(imagesStatus)
		if !ok {
			return fmt.Errorf("unknown status %q (done, conflicted, in_progress, unseen)", imagesStatus)
		}
		task, err := svc.Tasks.Get(ctx, args[0])
		if err != nil {
			return err
		}
		list, err := svc.Progress.Images(ctx, task, status)
		if err != nil {
			return err
		}
		if reportJSON {
			return printJSON(list)
		}
		for _, img := range list {
			fmt.Printf("image %-8d %-12s views=%d\n", img.ImageID, img.Status, img.ViewCount)
		}
		return nil
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity <reviewer>",
	Short: "List a reviewer's submissions across active tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := svc.Review.Activity(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if reportJSON {
			return printJSON(list)
		}
		for _, ta := range list {
			fmt.Printf("%s (%s)\n", ta.TaskSlug, ta.TaskName)
			for _, it := range ta.Items {
				fmt.Printf("  #%-8d image %-8d %s  %s\n", it.Submission.ID, it.Submission.ImageID,
					it.Submission.DateAdded.Format("2006-01-02 15:04"), it.FetchURL)
			}
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <slug>",
	Short: "Write the task workbook (final records, progress, conflicts) to the export directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, queue.ExportTaskArgs{Task: args[0], Path: exportOut}, exportInline)
	},
}

func init() {
	progressCmd.Flags().StringVar(&progressReviewer, "reviewer", "", "Also report one reviewer's share")
	imagesCmd.Flags().StringVar(&imagesStatus, "status", "", "Only documents in this state")
	for _, c := range []*cobra.Command{progressCmd, conflictsCmd, imagesCmd, activityCmd} {
		c.Flags().BoolVar(&reportJSON, "json", false, "JSON output")
	}
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "File name inside the export directory (default <task>-<timestamp>.xlsx)")
	exportCmd.Flags().BoolVar(&exportInline, "inline", false, "Run the job here instead of enqueueing it")
	rootCmd.AddCommand(progressCmd, conflictsCmd, imagesCmd, activityCmd, exportCmd)
}
