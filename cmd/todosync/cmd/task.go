package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"todosync/backend"
	"todosync/internal/cli/prompt"
	"todosync/internal/utils"
)

// newTaskCmd creates the 'task' subcommand for editing the local task set
func newTaskCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Edit the local task set",
		Long:  "Add, edit, list and delete local tasks. Edits are staged and sent with the next sync.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	taskCmd.AddCommand(newTaskAddCmd(stdout, cfg))
	taskCmd.AddCommand(newTaskEditCmd(stdout, cfg))
	taskCmd.AddCommand(newTaskListCmd(stdout, cfg))
	taskCmd.AddCommand(newTaskDeleteCmd(stdout, cfg))

	return taskCmd
}

// parseStatus maps user-facing status names to task status values
func parseStatus(s string) (backend.TaskStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TODO", "NEEDS-ACTION":
		return backend.StatusNeedsAction, nil
	case "DONE", "COMPLETED":
		return backend.StatusCompleted, nil
	case "IN-PROGRESS", "PROGRESS":
		return backend.StatusInProgress, nil
	case "CANCELLED", "CANCELED":
		return backend.StatusCancelled, nil
	}
	return "", utils.WrapWithSuggestion(
		fmt.Errorf("invalid status: %s", s),
		"Valid statuses: TODO, IN-PROGRESS, DONE, CANCELLED")
}

// joinTags normalizes a tag list into the comma-separated categories field
func joinTags(tags []string) string {
	var out []string
	for _, t := range tags {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return strings.Join(out, ",")
}

// stageTask stages t and stores the stamped result in the local set.
func stageTask(ctx context.Context, a *app, t backend.Task) (backend.Task, error) {
	staged, err := a.coord.Stage(ctx, t)
	if err != nil {
		return backend.Task{}, err
	}
	if err := a.records.Upsert(ctx, staged); err != nil {
		return backend.Task{}, err
	}
	return staged, nil
}

// newTaskAddCmd creates the 'task add' subcommand
func newTaskAddCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [summary]",
		Short: "Add a task",
		Long:  "Add a task. Without a summary the fields are asked for interactively.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			priority, _ := cmd.Flags().GetInt("priority")
			due, _ := cmd.Flags().GetString("due-date")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				var summary string
				if len(args) == 1 {
					summary = args[0]
				} else {
					adder := &prompt.InteractiveAdder{Reader: a.stdin, Writer: stdout, NoPrompt: cfg.NoPrompt}
					fields, err := adder.Run()
					if errors.Is(err, prompt.ErrNoPromptMode) {
						return utils.WrapWithSuggestion(errors.New("task summary is required"), "Pass the summary as an argument")
					}
					if err != nil {
						return err
					}
					summary, description, priority, due = fields.Summary, fields.Description, fields.Priority, fields.DueDate
					tags = []string{fields.Tags}
				}

				summary, err := utils.ValidateSummary(summary)
				if err != nil {
					return err
				}
				if err := utils.ValidatePriority(priority); err != nil {
					return err
				}
				dueDate, err := utils.ParseDateFlag(due)
				if err != nil {
					return err
				}

				t, err := stageTask(ctx, a, backend.Task{
					Summary:     summary,
					Description: description,
					Status:      backend.StatusNeedsAction,
					Priority:    priority,
					DueDate:     dueDate,
					Created:     time.Now().UTC(),
					Categories:  joinTags(tags),
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(stdout, t)
				}
				_, _ = fmt.Fprintf(stdout, "Added task %s: %s\n", t.ID, t.Summary)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("description", "d", "", "Task description")
	cmd.Flags().IntP("priority", "p", 0, "Task priority (0-9)")
	cmd.Flags().String("due-date", "", "Due date (YYYY-MM-DD, today, tomorrow, +Nd, +Nw, +Nm)")
	cmd.Flags().StringSlice("tag", nil, "Tag (can be specified multiple times or comma-separated)")
	return cmd
}

// findTask resolves a reference by exact id, unique id prefix or exact
// summary. An empty reference opens the task selector.
func findTask(a *app, tasks []backend.Task, ref string, cfg *Config, w io.Writer) (backend.Task, error) {
	if ref == "" {
		sel := &prompt.TaskSelector{Tasks: tasks, Prompt: "Select a task", Reader: a.stdin, Writer: w, NoPrompt: cfg.NoPrompt}
		t, err := sel.Run()
		if err != nil {
			return backend.Task{}, err
		}
		return *t, nil
	}

	var matches []backend.Task
	for _, t := range tasks {
		if t.ID == ref {
			return t, nil
		}
		if strings.HasPrefix(t.ID, ref) || strings.EqualFold(t.Summary, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return backend.Task{}, utils.WrapWithSuggestion(
			fmt.Errorf("task not found: %s", ref),
			"Use 'todosync task list' to see task ids")
	case 1:
		return matches[0], nil
	}
	return backend.Task{}, utils.WrapWithSuggestion(
		fmt.Errorf("%q matches %d tasks", ref, len(matches)),
		"Use a longer id prefix")
}

// newTaskEditCmd creates the 'task edit' subcommand
func newTaskEditCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit [task]",
		Short: "Edit a task",
		Long:  "Change fields of a task given by id, id prefix or summary. Only the flags given are changed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				tasks, err := a.records.Load(ctx)
				if err != nil {
					return err
				}
				ref := ""
				if len(args) == 1 {
					ref = args[0]
				}
				t, err := findTask(a, tasks, ref, cfg, stdout)
				if err != nil {
					return err
				}

				if flags.Changed("summary") {
					summary, _ := flags.GetString("summary")
					if t.Summary, err = utils.ValidateSummary(summary); err != nil {
						return err
					}
				}
				if flags.Changed("description") {
					t.Description, _ = flags.GetString("description")
				}
				if flags.Changed("priority") {
					t.Priority, _ = flags.GetInt("priority")
					if err := utils.ValidatePriority(t.Priority); err != nil {
						return err
					}
				}
				if flags.Changed("due-date") {
					due, _ := flags.GetString("due-date")
					if t.DueDate, err = utils.ParseDateFlag(due); err != nil {
						return err
					}
				}
				if flags.Changed("tag") {
					tags, _ := flags.GetStringSlice("tag")
					t.Categories = joinTags(tags)
				}
				if flags.Changed("status") {
					s, _ := flags.GetString("status")
					if t.Status, err = parseStatus(s); err != nil {
						return err
					}
					if t.Status == backend.StatusCompleted {
						now := time.Now().UTC()
						t.Completed = &now
					} else {
						t.Completed = nil
					}
				}

				t.Modified = time.Time{}
				t, err = stageTask(ctx, a, t)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Updated task %s: %s\n", t.ID, t.Summary)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("summary", "", "New task summary")
	cmd.Flags().StringP("description", "d", "", "New task description")
	cmd.Flags().IntP("priority", "p", 0, "Task priority (0-9)")
	cmd.Flags().String("due-date", "", "Due date (use \"\" to clear)")
	cmd.Flags().StringP("status", "s", "", "Task status (TODO, IN-PROGRESS, DONE, CANCELLED)")
	cmd.Flags().StringSlice("tag", nil, "Replace tags (can be specified multiple times or comma-separated)")
	return cmd
}

// newTaskListCmd creates the 'task list' subcommand
func newTaskListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local tasks",
		Long:  "List the local task set. Tasks with unsynced edits are marked with *.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				tasks, err := a.records.Load(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(stdout, tasks)
				}
				if len(tasks) == 0 {
					_, _ = fmt.Fprintln(stdout, "No tasks.")
					printResult(stdout, cfg, ResultInfoOnly)
					return nil
				}

				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "\tID\tSTATUS\tPRI\tDUE\tSUMMARY")
				for _, t := range tasks {
					mark := ""
					if _, staged := a.pending.Get(t.ID); staged {
						mark = "*"
					}
					due := ""
					if t.DueDate != nil {
						due = t.DueDate.Local().Format("2006-01-02")
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", mark, shortID(t.ID), t.Status, t.Priority, due, t.Summary)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				printResult(stdout, cfg, ResultInfoOnly)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// shortID abbreviates a uuid for table output
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// newTaskDeleteCmd creates the 'task delete' subcommand
func newTaskDeleteCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [task]",
		Short: "Delete a task",
		Long:  "Delete a task locally. The deletion reaches other devices with the next sync.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				tasks, err := a.records.Load(ctx)
				if err != nil {
					return err
				}
				ref := ""
				if len(args) == 1 {
					ref = args[0]
				}
				t, err := findTask(a, tasks, ref, cfg, stdout)
				if err != nil {
					return err
				}

				ok, err := prompt.Confirm(a.stdin, stdout, cfg.NoPrompt, fmt.Sprintf("Delete task %q?", t.Summary))
				if err != nil {
					return err
				}
				if !ok {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}

				if _, err := a.coord.Remove(ctx, t.ID); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Deleted task %s: %s\n", t.ID, t.Summary)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
