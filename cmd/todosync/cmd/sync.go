package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"todosync/backend"
	"todosync/internal/conflict"
	"todosync/internal/history"
	"todosync/internal/syncer"
	"todosync/internal/utils"
	"todosync/internal/version"
)

// newSyncCmd creates the 'sync' subcommand
func newSyncCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Configure and run synchronization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	syncCmd.AddCommand(newSyncEnableCmd(stdout, cfg))
	syncCmd.AddCommand(newSyncDisableCmd(stdout, cfg))
	syncCmd.AddCommand(newSyncNowCmd(stdout, cfg))
	syncCmd.AddCommand(newSyncStatusCmd(stdout, cfg))
	syncCmd.AddCommand(newSyncAutoCmd(stdout, cfg))
	syncCmd.AddCommand(newSyncIntervalCmd(stdout, cfg))
	syncCmd.AddCommand(newSyncPolicyCmd(stdout, cfg))
	syncCmd.AddCommand(newSyncHistoryCmd(stdout, cfg))

	return syncCmd
}

// newSyncEnableCmd creates the 'sync enable' subcommand
func newSyncEnableCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "enable [provider]",
		Short: "Enable sync with a provider",
		Long:  "Connect to a provider configured under sync.providers and make it the active one. Defaults to sync.provider.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				name := a.cfg.Sync.Provider
				if len(args) == 1 {
					name = args[0]
				}
				if err := a.coord.Enable(ctx, a.providerConfig(name)); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Sync enabled with provider %s\n", name)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newSyncDisableCmd creates the 'sync disable' subcommand
func newSyncDisableCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable sync",
		Long:  "Stop syncing. Paired devices and staged changes are kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				if err := a.coord.Disable(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, "Sync disabled")
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// resultJSON is the JSON shape of a cycle result
type resultJSON struct {
	Provider   string `json:"provider"`
	Downloaded int    `json:"downloaded"`
	Uploaded   int    `json:"uploaded"`
	Pulled     int    `json:"pulled"`
	Removed    int    `json:"removed"`
	Conflicts  int    `json:"conflicts"`
	DurationMs int64  `json:"duration_ms"`
	Version    string `json:"version,omitempty"`
}

// newSyncNowCmd creates the 'sync now' subcommand
func newSyncNowCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "now",
		Short: "Run one sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			checkpoint, _ := cmd.Flags().GetBool("checkpoint")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				if _, err := a.activate(ctx); err != nil {
					return err
				}

				before, err := a.records.Load(ctx)
				if err != nil {
					return err
				}
				res, err := a.coord.SyncOnce(ctx)
				if res == nil {
					return err
				}
				if err != nil {
					utils.Warnf("%v", err)
				}

				out := resultJSON{
					Provider:   res.Provider,
					Downloaded: res.Downloaded,
					Uploaded:   res.Uploaded,
					Pulled:     res.Pulled,
					Removed:    res.Removed,
					Conflicts:  res.Conflicts,
					DurationMs: res.Duration().Milliseconds(),
				}
				if checkpoint {
					v, created, err := checkpointAfterSync(ctx, a, before, res.Provider)
					if err != nil {
						return err
					}
					if created {
						out.Version = v.ID
					}
				}

				if jsonOutput {
					return writeJSON(stdout, out)
				}
				_, _ = fmt.Fprintf(stdout, "Synced with %s: %d downloaded, %d uploaded, %d pulled, %d removed, %d conflicts\n",
					out.Provider, out.Downloaded, out.Uploaded, out.Pulled, out.Removed, out.Conflicts)
				for _, r := range res.Resolutions {
					_, _ = fmt.Fprintf(stdout, "  conflict %s: kept %s version\n", r.ItemID, r.Side)
				}
				if out.Version != "" {
					_, _ = fmt.Fprintf(stdout, "Created version %s\n", out.Version)
				}
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("checkpoint", false, "Create a version when the cycle changed the local task set")
	return cmd
}

// checkpointAfterSync records the local set as a version when a cycle changed it.
func checkpointAfterSync(ctx context.Context, a *app, before []backend.Task, provider string) (version.Version, bool, error) {
	after, err := a.records.Load(ctx)
	if err != nil {
		return version.Version{}, false, err
	}
	changes := version.Diff(before, after)
	if len(changes) == 0 {
		return version.Version{}, false, nil
	}
	v, err := a.versions.CreateVersion(ctx, "sync with "+provider, changes, after)
	if err != nil {
		return version.Version{}, false, err
	}
	return v, true, nil
}

// lastSyncTime reads a provider's last successful cycle from the local store.
func lastSyncTime(ctx context.Context, a *app, provider string) (*time.Time, error) {
	return backend.NewLastSyncTracker(provider, a.store).LastSyncTime(ctx)
}

// statusJSON is the JSON shape of 'sync status'
type statusJSON struct {
	State               string      `json:"state"`
	Enabled             bool        `json:"enabled"`
	Provider            string      `json:"provider,omitempty"`
	AutoSync            bool        `json:"auto_sync"`
	SyncIntervalMinutes int         `json:"sync_interval_minutes"`
	ConflictPolicy      string      `json:"conflict_policy"`
	DevicePriorityOrder []string    `json:"device_priority_order,omitempty"`
	Pending             int         `json:"pending"`
	LastSyncTime        string      `json:"last_sync_time,omitempty"`
	LastResult          *resultJSON `json:"last_result,omitempty"`
	Breaker             string      `json:"breaker,omitempty"`
}

func toStatusJSON(st syncer.Status) statusJSON {
	out := statusJSON{
		State:               string(st.State),
		Enabled:             st.Sync.Enabled,
		Provider:            st.Sync.Provider,
		AutoSync:            st.Sync.AutoSync,
		SyncIntervalMinutes: st.Sync.SyncIntervalMinutes,
		ConflictPolicy:      string(st.Sync.ConflictPolicy),
		DevicePriorityOrder: st.Sync.DevicePriorityOrder,
		Pending:             st.Pending,
		Breaker:             st.Breaker,
	}
	if st.LastSyncTime != nil {
		out.LastSyncTime = st.LastSyncTime.UTC().Format(time.RFC3339)
	}
	if r := st.LastResult; r != nil {
		out.LastResult = &resultJSON{
			Provider:   r.Provider,
			Downloaded: r.Downloaded,
			Uploaded:   r.Uploaded,
			Pulled:     r.Pulled,
			Removed:    r.Removed,
			Conflicts:  r.Conflicts,
			DurationMs: r.Duration().Milliseconds(),
		}
	}
	return out
}

// newSyncStatusCmd creates the 'sync status' subcommand
func newSyncStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync configuration and state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				st := toStatusJSON(a.coord.Status(ctx))
				if st.Enabled && st.LastSyncTime == "" {
					// The provider is not connected in a fresh process; read its
					// timestamp from the store directly.
					if t, err := lastSyncTime(ctx, a, st.Provider); err == nil && t != nil {
						st.LastSyncTime = t.UTC().Format(time.RFC3339)
					}
				}
				if jsonOutput {
					return writeJSON(stdout, st)
				}

				enabled := "disabled"
				if st.Enabled {
					enabled = "enabled (" + st.Provider + ")"
				}
				auto := "off"
				if st.AutoSync {
					auto = fmt.Sprintf("every %d minutes", st.SyncIntervalMinutes)
				}
				last := "never"
				if st.LastSyncTime != "" {
					last = st.LastSyncTime
				}
				_, _ = fmt.Fprintf(stdout, "Sync:      %s\n", enabled)
				_, _ = fmt.Fprintf(stdout, "Auto-sync: %s\n", auto)
				_, _ = fmt.Fprintf(stdout, "Policy:    %s\n", st.ConflictPolicy)
				if len(st.DevicePriorityOrder) > 0 {
					_, _ = fmt.Fprintf(stdout, "Priority:  %s\n", strings.Join(st.DevicePriorityOrder, ", "))
				}
				_, _ = fmt.Fprintf(stdout, "Pending:   %d\n", st.Pending)
				_, _ = fmt.Fprintf(stdout, "Last sync: %s\n", last)
				printResult(stdout, cfg, ResultInfoOnly)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newSyncHistoryCmd creates the 'sync history' subcommand
func newSyncHistoryCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")
			clearAll, _ := cmd.Flags().GetBool("clear")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				if clearAll {
					n, err := a.history.Clear(ctx)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(stdout, "Cleared %d history entries\n", n)
					printResult(stdout, cfg, ResultActionCompleted)
					return nil
				}

				entries, err := a.history.List(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					if entries == nil {
						entries = []history.Entry{}
					}
					return writeJSON(stdout, entries)
				}
				if len(entries) == 0 {
					_, _ = fmt.Fprintln(stdout, "No sync history.")
					printResult(stdout, cfg, ResultInfoOnly)
					return nil
				}

				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "TIME\tPROVIDER\tRESULT\tPULLED\tREMOVED\tUPLOADED\tCONFLICTS")
				for _, e := range entries {
					outcome := "ok"
					switch {
					case !e.Committed:
						outcome = "failed (" + e.ErrorKind + ")"
					case e.ErrorKind != "":
						outcome = "partial (" + e.ErrorKind + ")"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
						e.Time.Local().Format("2006-01-02 15:04:05"), e.Provider, outcome,
						e.Pulled, e.Removed, e.Uploaded, e.Conflicts)
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

	cmd.Flags().Int("limit", 20, "Entries shown (0 shows all)")
	cmd.Flags().Bool("clear", false, "Delete the recorded history")
	return cmd
}

// newSyncAutoCmd creates the 'sync auto' subcommand
func newSyncAutoCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:       "auto [on|off]",
		Short:     "Turn periodic syncing on or off",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch strings.ToLower(args[0]) {
			case "on", "true":
				on = true
			case "off", "false":
				on = false
			default:
				return utils.WrapWithSuggestion(fmt.Errorf("invalid value: %s", args[0]), "Use 'on' or 'off'")
			}
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				if err := a.coord.SetAutoSync(ctx, on); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Auto-sync %s\n", map[bool]string{true: "on", false: "off"}[on])
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newSyncIntervalCmd creates the 'sync interval' subcommand
func newSyncIntervalCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "interval [minutes]",
		Short: "Set the auto-sync interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil {
				return utils.WrapWithSuggestion(fmt.Errorf("invalid interval: %s", args[0]), "Give the interval in whole minutes")
			}
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				if err := a.coord.SetSyncInterval(ctx, minutes); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Sync interval set to %d minutes\n", minutes)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newSyncPolicyCmd creates the 'sync policy' subcommand
func newSyncPolicyCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy [manual|lastModified|devicePriority]",
		Short: "Show or set the conflict policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				current := a.coord.SyncState()
				if len(args) == 0 {
					for _, p := range conflict.Policies() {
						marker := " "
						if p == current.ConflictPolicy {
							marker = "*"
						}
						_, _ = fmt.Fprintf(stdout, "%s %-15s %s\n", marker, p, p.Description())
					}
					printResult(stdout, cfg, ResultInfoOnly)
					return nil
				}

				policy, err := conflict.ParsePolicy(args[0])
				if err != nil {
					return err
				}
				order := current.DevicePriorityOrder
				if cmd.Flags().Changed("priority") {
					order, _ = cmd.Flags().GetStringSlice("priority")
				}
				if err := a.coord.SetConflictPolicy(ctx, policy, order); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Conflict policy set to %s\n", policy)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringSlice("priority", nil, "Device ids for devicePriority, highest first (comma-separated)")
	return cmd
}
