package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"todosync/backend/file"
	"todosync/internal/config"
	"todosync/internal/notification"
	"todosync/internal/shutdown"
	"todosync/internal/syncer"
	"todosync/internal/utils"
	"todosync/internal/watcher"
)

// shutdownTimeout bounds the cleanups run when the loop stops.
const shutdownTimeout = 10 * time.Second

// newRunCmd creates the 'run' subcommand: a foreground auto-sync loop
func newRunCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep syncing in the foreground",
		Long: "Enable the active provider, sync once and keep syncing on the auto-sync interval " +
			"and, for the file provider, whenever the shared file changes. Stops on SIGINT or SIGTERM.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitAfter, _ := cmd.Flags().GetDuration("exit-after")
			return runLoop(cfg, stdout, stderr, exitAfter)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Duration("exit-after", 0, "Stop after this long (0 runs until interrupted)")
	return cmd
}

// newBackgroundLogger opens the rotated run log, or a disabled one.
func newBackgroundLogger(appCfg *config.Config) *utils.BackgroundLogger {
	if !appCfg.IsBackgroundLoggingEnabled() {
		bl, _ := utils.NewBackgroundLoggerWithEnabled(false)
		return bl
	}
	bl, err := utils.NewBackgroundLoggerWithConfig(utils.BackgroundLogConfig{
		Path:       appCfg.GetBackgroundLogPath(),
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxBackups: appCfg.Logging.MaxBackups,
		MaxAgeDays: appCfg.Logging.MaxAgeDays,
	})
	if err != nil {
		utils.Warnf("Background log disabled: %v", err)
	}
	return bl
}

// newNotifier builds the desktop and log notifications for the loop
func newNotifier(appCfg *config.Config) *notification.Notifier {
	nc := appCfg.Notify
	return notification.New(notification.Config{
		Desktop: notification.DesktopConfig{
			Enabled:     nc.Desktop.Enabled,
			OnSync:      nc.Desktop.OnSync,
			OnConflicts: nc.Desktop.OnConflicts,
			OnFailure:   nc.Desktop.OnFailure,
		},
		Log: notification.LogConfig{
			Enabled:    nc.Log.Enabled,
			Path:       appCfg.GetNotificationLogPath(),
			MaxSizeMB:  appCfg.Logging.MaxSizeMB,
			MaxBackups: appCfg.Logging.MaxBackups,
		},
	})
}

func runLoop(cfg *Config, stdout, stderr io.Writer, exitAfter time.Duration) error {
	m := shutdown.NewManager(context.Background())
	stopSignals := m.ListenForSignals()
	defer stopSignals()
	ctx := m.Context()

	stop := func(cause error) error {
		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		m.ShutdownWithReason("startup failed")
		return errors.Join(cause, m.Wait(waitCtx))
	}

	a, err := openApp(ctx, cfg, stdout)
	if err != nil {
		return err
	}

	bl := newBackgroundLogger(a.cfg)
	prev := utils.SetOutput(io.MultiWriter(stderr, bl.Writer()))
	m.RegisterCleanup("logger", func(context.Context) error {
		utils.SetOutput(prev)
		bl.Close()
		return nil
	})
	m.RegisterCleanup("store", func(context.Context) error { return a.store.Close() })

	notifier := newNotifier(a.cfg)
	m.RegisterCleanup("notifier", func(context.Context) error { return notifier.Close() })
	m.RegisterCleanup("coordinator", func(context.Context) error { return a.coord.Close() })

	name, err := a.activate(ctx)
	if err != nil {
		return stop(err)
	}
	if name == "" {
		name = a.cfg.Sync.Provider
		if err := a.coord.Enable(ctx, a.providerConfig(name)); err != nil {
			return stop(err)
		}
	}
	bl.Printf("run started with provider %s", name)
	a.coord.OnCycle(func(res *syncer.Result, err error) {
		notifier.SendAsync(notification.FromCycle(name, res, err, time.Now())...)
	})

	if res, err := a.coord.SyncOnce(ctx); err != nil {
		utils.Warnf("Initial sync failed: %v", err)
	} else {
		bl.Printf("initial sync: %d down, %d up, %d conflicts", res.Downloaded, res.Uploaded, res.Conflicts)
	}

	if path, ok := a.cfg.ProviderOptions(name)["path"].(string); ok && name == file.ProviderName && a.cfg.IsWatchEnabled() {
		w, err := startWatcher(ctx, a, bl, path)
		if err != nil {
			utils.Warnf("File watcher disabled: %v", err)
		} else {
			m.RegisterCleanup("watcher", func(context.Context) error {
				w.Stop()
				return nil
			})
		}
	}

	state := a.coord.SyncState()
	if state.AutoSync {
		_, _ = fmt.Fprintf(stdout, "Syncing with %s every %d minutes. Press Ctrl+C to stop.\n", name, state.SyncIntervalMinutes)
	} else {
		_, _ = fmt.Fprintf(stdout, "Auto-sync is off; syncing with %s on file changes only. Press Ctrl+C to stop.\n", name)
	}

	if exitAfter > 0 {
		go func() {
			select {
			case <-time.After(exitAfter):
				m.ShutdownWithReason("exit-after elapsed")
			case <-m.Done():
			}
		}()
	}
	<-m.Done()

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = m.Wait(waitCtx)
	_, _ = fmt.Fprintf(stdout, "Stopped: %s\n", m.Reason())
	return err
}

// startWatcher syncs whenever the file provider's shared file changes. The
// file is acknowledged after each cycle so our own upload does not retrigger.
func startWatcher(ctx context.Context, a *app, bl *utils.BackgroundLogger, path string) (*watcher.Watcher, error) {
	var w *watcher.Watcher
	onChange := func() {
		res, err := a.coord.SyncOnce(ctx)
		switch {
		case errors.Is(err, utils.ErrSyncInProgress):
			utils.Debugf("File changed during a running sync")
		case err != nil:
			utils.Warnf("Sync after file change failed: %v", err)
		default:
			bl.Printf("file change sync: %d down, %d up, %d conflicts", res.Downloaded, res.Uploaded, res.Conflicts)
		}
		w.Acknowledge()
	}

	w, err := watcher.New(&watcher.Config{
		Paths:            []string{path},
		DebounceDuration: a.cfg.GetWatchDebounce(),
		QuietPeriod:      a.cfg.GetWatchQuietPeriod(),
		OnChange:         onChange,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}
