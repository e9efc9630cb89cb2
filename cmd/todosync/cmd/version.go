package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"todosync/backend"
	"todosync/internal/cli/prompt"
	"todosync/internal/version"
)

// newVersionCmd creates the 'version' subcommand for task-set checkpoints
func newVersionCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Manage task-set checkpoints",
		Long:  "Create, compare and roll back to checkpoints of the local task set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd.AddCommand(newVersionListCmd(stdout, cfg))
	versionCmd.AddCommand(newVersionCreateCmd(stdout, cfg))
	versionCmd.AddCommand(newVersionDiffCmd(stdout, cfg))
	versionCmd.AddCommand(newVersionRollbackCmd(stdout, cfg))
	versionCmd.AddCommand(newVersionCleanupCmd(stdout, cfg))
	versionCmd.AddCommand(newVersionConfigCmd(stdout, cfg))

	return versionCmd
}

// versionJSON is the JSON shape of a version summary
type versionJSON struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
	Changes     int    `json:"changes"`
	Tasks       int    `json:"tasks"`
}

func toVersionJSON(v version.Version) versionJSON {
	return versionJSON{
		ID:          v.ID,
		Timestamp:   v.Timestamp.UTC().Format(time.RFC3339Nano),
		Description: v.Description,
		Changes:     len(v.Changes),
		Tasks:       len(v.Snapshot),
	}
}

// checkpoint records the current local set, diffed against the newest version.
func checkpoint(ctx context.Context, a *app, description string) (version.Version, error) {
	current, err := a.records.Load(ctx)
	if err != nil {
		return version.Version{}, err
	}
	var previous []backend.Task
	if vs := a.versions.Versions(); len(vs) > 0 {
		previous = vs[0].Snapshot
	}
	return a.versions.CreateVersion(ctx, description, version.Diff(previous, current), current)
}

// newVersionListCmd creates the 'version list' subcommand
func newVersionListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				versions := a.versions.Versions()
				if jsonOutput {
					out := make([]versionJSON, 0, len(versions))
					for _, v := range versions {
						out = append(out, toVersionJSON(v))
					}
					return writeJSON(stdout, out)
				}
				if len(versions) == 0 {
					_, _ = fmt.Fprintln(stdout, "No versions.")
					printResult(stdout, cfg, ResultInfoOnly)
					return nil
				}

				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tCREATED\tTASKS\tCHANGES\tDESCRIPTION")
				for _, v := range versions {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
						v.ID, v.Timestamp.Local().Format("2006-01-02 15:04:05"), len(v.Snapshot), len(v.Changes), v.Description)
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

// newVersionCreateCmd creates the 'version create' subcommand
func newVersionCreateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "create [description]",
		Short: "Checkpoint the local task set",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			description := "manual checkpoint"
			if len(args) == 1 {
				description = args[0]
			}
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				v, err := checkpoint(ctx, a, description)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(stdout, toVersionJSON(v))
				}
				_, _ = fmt.Fprintf(stdout, "Created version %s (%d tasks, %d changes)\n", v.ID, len(v.Snapshot), len(v.Changes))
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newVersionDiffCmd creates the 'version diff' subcommand
func newVersionDiffCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "diff [from-id] [to-id]",
		Short: "Show the changes between two checkpoints",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				changes, err := a.versions.CompareVersions(args[0], args[1])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(stdout, changes)
				}
				if len(changes) == 0 {
					_, _ = fmt.Fprintln(stdout, "No changes.")
				}
				for _, c := range changes {
					_, _ = fmt.Fprintln(stdout, version.DescribeChange(c))
				}
				printResult(stdout, cfg, ResultInfoOnly)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newVersionRollbackCmd creates the 'version rollback' subcommand
func newVersionRollbackCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback [version-id]",
		Short: "Restore the local task set from a checkpoint",
		Long: "Restore the local task set from a checkpoint. The current set is checkpointed first, " +
			"and the restored tasks are staged so the next sync sends them to other devices.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				snapshot, err := a.versions.RollbackToVersion(args[0])
				if err != nil {
					return err
				}

				ok, err := prompt.Confirm(a.stdin, stdout, cfg.NoPrompt,
					fmt.Sprintf("Replace the local task set with version %s (%d tasks)?", args[0], len(snapshot)))
				if err != nil {
					return err
				}
				if !ok {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}

				undo, err := checkpoint(ctx, a, "before rollback to "+args[0])
				if err != nil {
					return err
				}
				restored, err := restore(ctx, a, undo.Snapshot, snapshot)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Rolled back to version %s (%d tasks restored). Undo with 'todosync version rollback %s'\n",
					args[0], restored, undo.ID)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// restore installs snapshot as the local set. Restored tasks that differ
// from current are staged with a fresh timestamp so they win the next cycle;
// tasks absent from snapshot are unstaged so the cycle deletes them.
func restore(ctx context.Context, a *app, current, snapshot []backend.Task) (int, error) {
	byID := backend.IndexByID(current)
	next := make([]backend.Task, 0, len(snapshot))
	restored := 0
	for _, t := range snapshot {
		if cur, ok := byID[t.ID]; ok && cur.Equal(t) {
			next = append(next, t)
			continue
		}
		t.Modified = time.Time{}
		staged, err := a.coord.Stage(ctx, t)
		if err != nil {
			return 0, err
		}
		next = append(next, staged)
		restored++
	}

	keep := backend.IndexByID(snapshot)
	for _, t := range current {
		if _, ok := keep[t.ID]; ok {
			continue
		}
		if err := a.coord.Unstage(ctx, t.ID); err != nil {
			return 0, err
		}
	}
	return restored, a.records.Replace(ctx, next)
}

// newVersionCleanupCmd creates the 'version cleanup' subcommand
func newVersionCleanupCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply checkpoint retention now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				removed, err := a.versions.Cleanup(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Removed %d versions\n", removed)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newVersionConfigCmd creates the 'version config' subcommand
func newVersionConfigCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change checkpoint retention",
		Long:  "Show the retention settings, or change them with flags. A limit of 0 disables that rule.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			flags := cmd.Flags()
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				vc := a.versions.Config()
				changed := false
				if flags.Changed("max-versions") {
					vc.MaxVersions, _ = flags.GetInt("max-versions")
					changed = true
				}
				if flags.Changed("retention-days") {
					vc.RetentionDays, _ = flags.GetInt("retention-days")
					changed = true
				}
				if flags.Changed("auto-cleanup") {
					vc.AutoCleanup, _ = flags.GetBool("auto-cleanup")
					changed = true
				}
				if changed {
					if err := a.versions.SetConfig(ctx, vc); err != nil {
						return err
					}
				}

				if jsonOutput {
					return writeJSON(stdout, vc)
				}
				_, _ = fmt.Fprintf(stdout, "Max versions:   %d\n", vc.MaxVersions)
				_, _ = fmt.Fprintf(stdout, "Retention days: %d\n", vc.RetentionDays)
				_, _ = fmt.Fprintf(stdout, "Auto cleanup:   %t\n", vc.AutoCleanup)
				if changed {
					printResult(stdout, cfg, ResultActionCompleted)
				} else {
					printResult(stdout, cfg, ResultInfoOnly)
				}
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Int("max-versions", 0, "Checkpoints kept (0 disables the count limit)")
	cmd.Flags().Int("retention-days", 0, "Age in days after which checkpoints are pruned (0 disables)")
	cmd.Flags().Bool("auto-cleanup", true, "Apply retention after every new checkpoint")
	return cmd
}
