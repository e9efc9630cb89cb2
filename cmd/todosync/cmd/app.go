package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/term"
	"todosync/backend"
	_ "todosync/backend/docstore"
	_ "todosync/backend/file"
	_ "todosync/backend/memory"
	_ "todosync/backend/webdav"
	"todosync/internal/cli/prompt"
	"todosync/internal/config"
	"todosync/internal/credentials"
	"todosync/internal/device"
	"todosync/internal/history"
	"todosync/internal/kvstore"
	"todosync/internal/pending"
	"todosync/internal/syncer"
	"todosync/internal/tui"
	"todosync/internal/utils"
	"todosync/internal/version"
)

// app holds the components one command invocation works with.
type app struct {
	cfg      *config.Config
	store    *kvstore.SQLite
	records  *syncer.KVRecords
	devices  *device.Registry
	pending  *pending.Buffer
	coord    *syncer.Coordinator
	versions *version.Store
	history  *history.Log
	secrets  *credentials.Manager
	stdin    io.Reader
}

// loadConfig reads and validates the config file, applying test overrides.
func loadConfig(cfg *Config) (*config.Config, error) {
	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath != "" {
		appCfg.Store.Path = cfg.DBPath
	}
	appCfg.ApplyFlags(cfg.NoPrompt, "")
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}
	return appCfg, nil
}

// newSecrets builds the credential manager, honoring injected keyring and env.
func newSecrets(cfg *Config) *credentials.Manager {
	var opts []credentials.ManagerOption
	if cfg.Keyring != nil {
		opts = append(opts, credentials.WithKeyring(cfg.Keyring))
	}
	if cfg.Getenv != nil {
		opts = append(opts, credentials.WithEnv(cfg.Getenv))
	}
	return credentials.NewManager(opts...)
}

func stdinOf(cfg *Config) io.Reader {
	if cfg.Stdin != nil {
		return cfg.Stdin
	}
	return os.Stdin
}

// openApp opens the local store and loads every component from it.
func openApp(ctx context.Context, cfg *Config, stdout io.Writer) (*app, error) {
	appCfg, err := loadConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := kvstore.OpenSQLite(appCfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     appCfg,
		store:   store,
		records: syncer.NewKVRecords(store),
		devices: device.NewRegistry(store,
			device.WithName(appCfg.GetDeviceName()),
			device.WithPlatform(appCfg.GetDevicePlatform())),
		pending: pending.New(store),
		versions: version.NewStore(store, version.WithConfig(version.Config{
			MaxVersions:   appCfg.GetMaxVersions(),
			RetentionDays: appCfg.GetVersionRetentionDays(),
			AutoCleanup:   appCfg.IsVersionAutoCleanupEnabled(),
		})),
		secrets: newSecrets(cfg),
		stdin:   stdinOf(cfg),
	}

	defaults := syncer.SyncState{
		AutoSync:            appCfg.IsAutoSyncEnabled(),
		SyncIntervalMinutes: appCfg.GetSyncIntervalMinutes(),
		ConflictPolicy:      appCfg.GetConflictPolicy(),
		DevicePriorityOrder: appCfg.Sync.DevicePriority,
		Provider:            appCfg.Sync.Provider,
	}
	a.coord = syncer.New(syncer.Config{
		Store:            store,
		Records:          a.records,
		Devices:          a.devices,
		Pending:          a.pending,
		Secrets:          a.secrets,
		Defaults:         &defaults,
		BreakerThreshold: appCfg.GetBreakerThreshold(),
		BreakerCooldown:  appCfg.GetBreakerCooldown(),
		CycleTimeout:     appCfg.GetCycleTimeout(),
	})

	if err := a.load(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.registerConflictHandler(stdout)
	a.coord.OnCycle(a.recordCycle)
	return a, nil
}

// recordCycle appends a cycle outcome to the sync history.
func (a *app) recordCycle(res *syncer.Result, err error) {
	provider := a.coord.SyncState().Provider
	if rerr := a.history.Record(context.Background(), history.FromCycle(provider, res, err, time.Now())); rerr != nil {
		utils.Warnf("Sync history not updated: %v", rerr)
	}
}

func (a *app) load(ctx context.Context) error {
	if _, err := a.devices.Register(ctx); err != nil {
		return err
	}
	if err := a.pending.Load(ctx); err != nil {
		return err
	}
	if err := a.coord.Load(ctx); err != nil {
		return err
	}
	h, err := history.Open(ctx, a.store.DB())
	if err != nil {
		return err
	}
	a.history = h
	return a.versions.Load(ctx)
}

// registerConflictHandler installs the manual-policy callback: the terminal
// picker on a TTY, a line prompt otherwise. In no-prompt mode none is
// registered and manual conflicts keep the local version.
func (a *app) registerConflictHandler(stdout io.Writer) {
	if a.cfg.NoPrompt {
		return
	}
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		a.coord.Resolver().OnConflict(tui.NewPicker().Resolve)
		return
	}
	p := &prompt.ConflictPrompt{Reader: a.stdin, Writer: stdout}
	a.coord.Resolver().OnConflict(p.Resolve)
}

// providerConfig builds the enable request for a configured provider.
func (a *app) providerConfig(name string) backend.ProviderConfig {
	return backend.ProviderConfig{
		Name:    name,
		Options: a.cfg.ProviderOptions(name),
		Store:   a.store,
		Secrets: a.secrets,
	}
}

// activate enables the provider persisted as active, if any. It returns
// the provider name, or "" when sync is disabled.
func (a *app) activate(ctx context.Context) (string, error) {
	name, ok := a.coord.ShouldResume()
	if !ok {
		return "", nil
	}
	if err := a.coord.Enable(ctx, a.providerConfig(name)); err != nil {
		return "", err
	}
	return name, nil
}

// close stops the coordinator and closes the store.
func (a *app) close() error {
	return errors.Join(a.coord.Close(), a.store.Close())
}

// withApp opens the app, runs fn and closes it.
func withApp(cfg *Config, stdout io.Writer, fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := openApp(ctx, cfg, stdout)
	if err != nil {
		return err
	}
	err = fn(ctx, a)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}
