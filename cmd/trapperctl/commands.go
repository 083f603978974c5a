package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/ingest"
	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/workers"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [definition.yaml]",
		Short: "Check a collection definition file before uploading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := ingest.ParseDefinition(data)
			if err != nil {
				return err
			}
			for _, c := range def.Collections {
				n := len(c.Resources)
				for _, d := range c.Deployments {
					n += len(d.Resources)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v: %d deployments, %d resources\n", c.Name, len(c.Deployments), n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "definition is valid, %d resources in total\n", def.ResourceCount())
			return nil
		},
	}
}

func workerCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background tasks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDb()
			if err != nil {
				return err
			}
			store, external, err := opts.stores()
			if err != nil {
				return err
			}
			settings, err := opts.settings()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			worker := workers.NewWorker(db, workers.NewRegistry(db, store, external, settings), settings)
			worker.Start(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "running %d workers\n", settings.WorkerCount)
			worker.Wait()
			return nil
		},
	}
}

func tasksCommand(opts *options) *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and cancel background tasks",
	}

	var states string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of every user",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDb()
			if err != nil {
				return err
			}
			var filter []string
			if states != "" {
				filter = strings.Split(states, ",")
			}
			tasks, err := jobs.ListTasks(db, nil, filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATE\tPROGRESS\tCREATED")
			for _, t := range tasks {
				fmt.Fprintf(w, "%v\t%v\t%v\t%d/%d\t%v\n", t.Id, t.Kind, t.State, t.Progress, t.Total, t.CreatedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&states, "state", "", "Comma separated states to show")

	cancelCmd := &cobra.Command{
		Use:   "cancel [task id]",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskId, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}
			db, err := opts.openDb()
			if err != nil {
				return err
			}
			task, err := jobs.Cancel(db, taskId)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %v is %v\n", task.Id, task.State)
			return nil
		},
	}

	tasksCmd.AddCommand(listCmd, cancelCmd)
	return tasksCmd
}

func thumbnailsCommand(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "regenerate-thumbnails",
		Short: "Queue regeneration of thumbnails and previews",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDb()
			if err != nil {
				return err
			}
			task, err := jobs.Enqueue(db, ingest.KindRegenerateThumbnails, nil, ingest.RegenerateArgs{All: all})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued task %v\n", task.Id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Regenerate every resource instead of only those missing files")
	return cmd
}

func sequencesCommand(opts *options) *cobra.Command {
	var gap time.Duration
	var collections []string
	cmd := &cobra.Command{
		Use:   "build-sequences [classification project id]",
		Short: "Queue rebuilding of the sequences of a classification project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectId, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}
			collectionIds := make([]uuid.UUID, 0, len(collections))
			for _, c := range collections {
				id, err := uuid.Parse(c)
				if err != nil {
					return fmt.Errorf("invalid collection id '%v': %w", c, err)
				}
				collectionIds = append(collectionIds, id)
			}

			db, err := opts.openDb()
			if err != nil {
				return err
			}
			task, err := jobs.Enqueue(db, classification.KindBuildSequences, nil, classification.BuildSequencesArgs{
				ProjectId:     projectId,
				CollectionIds: collectionIds,
				Gap:           gap,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued task %v\n", task.Id)
			return nil
		},
	}
	cmd.Flags().DurationVar(&gap, "gap", 0, "Maximum gap between resources of one sequence, defaults to SEQUENCE_GAP")
	cmd.Flags().StringSliceVar(&collections, "collection", nil, "Project collection ids to rebuild, all when omitted")
	return cmd
}

func speciesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import-species [species.csv]",
		Short: "Create or update the species list used by classification forms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			db, err := opts.openDb()
			if err != nil {
				return err
			}
			result, err := classify.ImportSpecies(db, f)
			if err != nil {
				return err
			}
			for _, e := range result.Errors {
				fmt.Fprintln(cmd.ErrOrStderr(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d species\n", result.Created, result.Updated)
			return nil
		},
	}
}

