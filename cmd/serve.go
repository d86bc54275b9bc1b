package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/methings/agentd/internal/bootstrap"
	"github.com/methings/agentd/internal/brain"
	"github.com/methings/agentd/internal/bus"
	"github.com/methings/agentd/internal/config"
	"github.com/methings/agentd/internal/gateway"
	"github.com/methings/agentd/internal/journal"
	"github.com/methings/agentd/internal/maintenance"
	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/internal/providers"
	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/internal/store/pg"
	"github.com/methings/agentd/internal/telemetry"
	"github.com/methings/agentd/internal/tools"
	"github.com/methings/agentd/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap := cfg.Snapshot()

	shutdownTrace, err := telemetry.Setup(ctx, snap.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			shutdownTrace(sctx)
		}()
	}

	raw, err := store.Open(filepath.Join(cfg.StateDir(), "agentd.db"))
	if err != nil {
		return err
	}
	defer raw.Close()

	events := bus.New()
	var s store.Store = store.WithEvents(raw, func(e protocol.AuditEvent) {
		events.Broadcast(bus.Event{Name: e.Event, Payload: e})
	})

	if cfg.FleetMode() {
		mirror, err := pg.NewMirror(ctx, snap.Database.PostgresDSN, deviceID(snap))
		if err != nil {
			slog.Warn("postgres mirror unavailable, running standalone", "error", err)
		} else {
			defer mirror.Close()
			s = store.WithMirror(s, mirror)
		}
	}

	broker := permits.New(s)
	jrnl := journal.New(s)

	// fs_scope "user" confines file tools to <base>/user; "app" (runtime
	// config) widens them to the base itself.
	appRoot, err := tools.NewUserRoot(cfg.UserRootBase())
	if err != nil {
		return err
	}
	userRoot, err := tools.NewUserRoot(filepath.Join(cfg.UserRootBase(), "user"))
	if err != nil {
		return err
	}
	if created, err := bootstrap.EnsureUserRootFiles(userRoot.Dir()); err != nil {
		slog.Warn("user root seed failed", "error", err)
	} else if len(created) > 0 {
		slog.Info("user root seeded", "files", created)
	}

	fsTool := tools.NewFilesystemTool(userRoot)
	shellTool := tools.NewShellTool(userRoot)
	deviceTool := tools.NewDeviceAPITool(snap.Device.BaseURL, snap.Device.Identity)
	cloudTool := tools.NewCloudRequestTool(snap.Cloud.BaseURL, snap.Device.Identity)

	registry := tools.NewRegistry()
	registry.Register(fsTool)
	registry.Register(shellTool)
	registry.Register(deviceTool)
	registry.Register(cloudTool)
	dispatcher := tools.NewDispatcher(registry, broker, s)

	brain.SeedConfig(s, brainSeed(snap.Brain))
	rt := brain.New(brain.Deps{
		Store:   s,
		Journal: jrnl,
		Broker:  broker,
		Client:  providers.NewClient(),
		FS:      fsTool,
		FSApp:   tools.NewFilesystemTool(appRoot),
		Shell:   shellTool,
		Device:  deviceTool,
		Cloud:   cloudTool,
		Search:  tools.NewWebSearcher(),
	})
	rt.MaybeAutostart()
	defer rt.Shutdown()

	sweeper, err := maintenance.New(s, snap.Maintenance.Schedule)
	if err != nil {
		return err
	}

	if err := config.Watch(ctx, cfgPath, cfg, nil); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	srv := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Store:      s,
		Broker:     broker,
		Dispatcher: dispatcher,
		Journal:    jrnl,
		Brain:      rt,
		Events:     events,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.Start(ctx) })

	slog.Info("agentd running", "version", Version, "state_dir", cfg.StateDir())
	return g.Wait()
}

// brainSeed maps the bootstrap section of config.json onto the persisted
// runtime config used for a fresh install.
func brainSeed(bc config.BrainConfig) brain.Config {
	seed := brain.DefaultConfig()
	seed.Enabled = bc.Enabled
	seed.AutoStart = bc.AutoStart
	if bc.ProviderURL != "" {
		seed.ProviderURL = bc.ProviderURL
	}
	if bc.Model != "" {
		seed.Model = bc.Model
	}
	if bc.APIKeyCredential != "" {
		seed.APIKeyCredential = bc.APIKeyCredential
	}
	if bc.APIKeyEnv != "" {
		seed.APIKeyEnv = bc.APIKeyEnv
	}
	if bc.ToolPolicy != "" {
		seed.ToolPolicy = bc.ToolPolicy
	}
	if bc.FsScope != "" {
		seed.FsScope = bc.FsScope
	}
	if bc.SystemPrompt != "" {
		seed.SystemPrompt = bc.SystemPrompt
	}
	if bc.Temperature > 0 {
		seed.Temperature = bc.Temperature
	}
	if bc.MaxActions > 0 {
		seed.MaxActions = bc.MaxActions
	}
	if bc.MaxToolRounds > 0 {
		seed.MaxToolRounds = bc.MaxToolRounds
	}
	if bc.IdleSleepMs > 0 {
		seed.IdleSleepMS = bc.IdleSleepMs
	}
	return seed
}

func deviceID(snap config.Config) string {
	if snap.Device.Identity != "" {
		return snap.Device.Identity
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "agentd"
}
