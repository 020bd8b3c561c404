package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/tasks"
)

var (
	taskFile       string
	taskSync       bool
	taskAll        bool
	taskProject    string
	taskJSON       bool
	taskSyncInline bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := repository.Migrate(cmd.Context(), db, logger); err != nil {
			return err
		}
		fmt.Printf("schema up to date (%s)\n", db.Dialect())
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect transcription tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create -f task.yaml",
	Short: "Create a task from a YAML definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskFile == "" {
			return fmt.Errorf("--file is required")
		}
		def, err := tasks.LoadDefinitionFile(taskFile)
		if err != nil {
			return err
		}
		task, err := svc.Tasks.Create(cmd.Context(), def)
		if err != nil {
			return err
		}
		fmt.Printf("created task %s (id %d, %d fields)\n", task.Slug, task.ID, len(task.Fields))
		if taskSync {
			n, err := svc.Tasks.SyncAssignments(cmd.Context(), task.Slug)
			if err != nil {
				return err
			}
			fmt.Printf("created %d assignments\n", n)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			list []*entity.Task
			err  error
		)
		if taskProject != "" {
			list, err = svc.Tasks.ListByProject(cmd.Context(), taskProject)
		} else {
			list, err = svc.Tasks.List(cmd.Context(), taskAll)
		}
		if err != nil {
			return err
		}
		if taskJSON {
			return printJSON(list)
		}
		for _, t := range list {
			fmt.Printf("%-24s  %-16s  quota=%d  fields=%s  %s\n",
				t.Slug, t.Project, t.ReviewerQuota, strings.Join(t.FieldSlugs(), ","), t.Status)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <slug>",
	Short: "Print a task as a YAML definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := svc.Tasks.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := tasks.DefinitionOf(task).YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <slug>",
	Short: "Mark a task deleted; its submissions are kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.Tasks.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

var taskSyncCmd = &cobra.Command{
	Use:   "sync <slug>",
	Short: "Create missing assignments for a task's documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, queue.SyncAssignmentsArgs{Task: args[0]}, taskSyncInline)
	},
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskFile, "file", "f", "", "YAML task definition")
	taskCreateCmd.Flags().BoolVar(&taskSync, "sync", false, "Create assignments for existing documents right away")
	taskListCmd.Flags().BoolVar(&taskAll, "all", false, "Include deleted tasks")
	taskListCmd.Flags().StringVar(&taskProject, "project", "", "Only tasks of this project")
	taskListCmd.Flags().BoolVar(&taskJSON, "json", false, "JSON output")
	taskSyncCmd.Flags().BoolVar(&taskSyncInline, "inline", false, "Run the job here instead of enqueueing it")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskDeleteCmd, taskSyncCmd)
	rootCmd.AddCommand(migrateCmd, taskCmd)
}
