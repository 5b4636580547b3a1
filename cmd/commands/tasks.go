package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/tether/internal/protocol"
	"github.com/dohr-michael/tether/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect long-running tasks of a running gateway",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "scope", Usage: "Only tasks of this configuration scope"},
					&cli.BoolFlag{Name: "all", Usage: "Include finished tasks"},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
		},
		DefaultCommand: "list",
	}
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	var res protocol.TaskListResult
	params := protocol.TaskListParams{ConfigScopeID: cmd.String("scope"), IncludeTerminal: cmd.Bool("all")}
	if err := c.Call(ctx, protocol.MethodTaskList, params, &res); err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	// Piped output stays machine readable.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return json.NewEncoder(os.Stdout).Encode(res.Tasks)
	}

	if len(res.Tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSCOPE\tMETHOD")
	for _, t := range res.Tasks {
		progress := "-"
		if t.Progress.Percentage != nil {
			progress = fmt.Sprintf("%d%%", *t.Progress.Percentage)
		} else if t.Status == tasks.TaskCompleted {
			progress = "100%"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			progress,
			t.ScopeID,
			t.Method,
		)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: tether tasks show <task_id>")
	}

	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	var t tasks.Snapshot
	if err := c.Call(ctx, protocol.MethodTaskStatus, protocol.TaskStatusParams{TaskID: taskID}, &t); err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Method:      %s\n", t.Method)
	fmt.Printf("Status:      %s\n", t.Status)
	if t.ScopeID != "" {
		fmt.Printf("Scope:       %s\n", t.ScopeID)
	}
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if t.Progress.Percentage != nil || t.Progress.Message != "" {
		fmt.Printf("Progress:    ")
		if t.Progress.Percentage != nil {
			fmt.Printf("%d%% ", *t.Progress.Percentage)
		}
		fmt.Println(t.Progress.Message)
	}
	if t.Error != "" {
		fmt.Printf("\nError: %s\n", t.Error)
	}
	return nil
}

// NewCancelCommand returns the cancel subcommand.
func NewCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a task, or every task of a scope",
		ArgsUsage: "[task_id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scope", Usage: "Cancel every task of this configuration scope"},
		},
		Action: runCancel,
	}
}

func runCancel(ctx context.Context, cmd *cli.Command) error {
	params := protocol.CancelTaskParams{TaskID: cmd.Args().First(), ConfigScopeID: cmd.String("scope")}
	if params.TaskID == "" && params.ConfigScopeID == "" {
		return fmt.Errorf("usage: tether cancel [--scope <scope>] [task_id]")
	}

	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	var res protocol.CancelTaskResult
	if err := c.Call(ctx, protocol.MethodCancelTask, params, &res); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	switch {
	case res.Cancelled == 0:
		fmt.Println("Nothing to cancel.")
	case params.TaskID != "":
		fmt.Printf("Task %s cancelled.\n", params.TaskID)
	default:
		fmt.Printf("%d task(s) in scope %s cancelled.\n", res.Cancelled, params.ConfigScopeID)
	}
	return nil
}
