package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-swarm/internal/persistence"
)

var (
	statusFilter string
	statusLimit  int
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show collaborative tasks",
	Long: `Without arguments, list recent tasks from the store. With a task id, show
that task's subtask graph.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		color := !statusJSON && stdoutIsTerminal()
		if len(args) == 1 {
			return showTask(cmd.Context(), store, out, args[0], statusJSON, color)
		}
		return listTasks(cmd.Context(), store, out, statusFilter, statusLimit, statusJSON, color)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only tasks in this status (ACTIVE, COMPLETED, FAILED)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum tasks to list")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
}

func listTasks(ctx context.Context, store *persistence.Store, out io.Writer, status string, limit int, asJSON, color bool) error {
	graphs, err := store.ListGraphs(ctx, strings.ToUpper(status), limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, graphs)
	}
	if len(graphs) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	now := time.Now()
	tw := newTable(out)
	fmt.Fprintln(tw, "TASK\tSTATUS\tCOORDINATOR\tREQUESTER\tUPDATED\tDESCRIPTION")
	for _, g := range graphs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", g.TaskID, paint(g.Status, color), g.CoordinatorID, g.RequesterID, ago(g.UpdatedAt, now), truncate(g.Description, 50))
	}
	return tw.Flush()
}

func showTask(ctx context.Context, store *persistence.Store, out io.Writer, taskID string, asJSON, color bool) error {
	snap, err := store.LoadGraph(ctx, taskID)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	if asJSON {
		return writeJSON(out, snap)
	}
	printGraph(out, *snap, color)
	return nil
}
