package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChamsBouzaiene/codabra/internal/chat"
	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/history"
	"github.com/ChamsBouzaiene/codabra/internal/kv"
	"github.com/ChamsBouzaiene/codabra/internal/lifecycle"
	"github.com/ChamsBouzaiene/codabra/internal/lock"
	"github.com/ChamsBouzaiene/codabra/internal/logging"
	"github.com/ChamsBouzaiene/codabra/internal/providers"
	"github.com/ChamsBouzaiene/codabra/internal/usage"
)

type runtimeEnv struct {
	Logger    *slog.Logger
	Config    *config.Manager
	Store     *chat.Store
	Locks     *lock.Manager
	Source    *providers.Source
	Counter   *usage.Counter
	Index     *history.Index
	resources *lifecycle.Registry
}

func (r *runtimeEnv) Close() {
	if err := r.resources.CloseAll(); err != nil {
		r.Logger.Error("shutdown finished with errors", "error", err)
	}
}

func prepareRuntimeEnv(ctx context.Context, opts options) (*runtimeEnv, error) {
	logger, closeLog, err := logging.Setup(opts.log)
	if err != nil {
		return nil, err
	}
	resources := lifecycle.NewRegistry(logger)
	resources.Add("log output", closeLog)

	env := &runtimeEnv{Logger: logger, resources: resources}
	if err := env.init(ctx, opts); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (r *runtimeEnv) init(ctx context.Context, opts options) error {
	if opts.configDir != "" {
		r.Config = config.NewManagerAt(opts.configDir)
	} else {
		m, err := config.NewManager()
		if err != nil {
			return err
		}
		r.Config = m
	}

	settings, err := r.Config.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	r.Logger.Info("settings loaded", "path", r.Config.GetConfigPath(), "exists", r.Config.Exists())

	dataDir := opts.dataDir
	if dataDir == "" {
		dataDir = r.Config.Dir()
	}
	backing, err := kv.Open(ctx, opts.storage, dataDir)
	if err != nil {
		return fmt.Errorf("failed to open chat storage: %w", err)
	}
	lifecycle.Register(r.resources, "chat storage", backing)
	r.Store = chat.NewStore(backing)

	r.Locks = lock.New(r.Logger)
	r.resources.AddFunc("lock manager", r.Locks.Close)

	r.Source = providers.NewSource(settings, r.Logger)
	r.Counter = usage.NewCounter(r.Store, r.Source, usage.WithLogger(r.Logger))
	r.Config.OnChange(func(s config.Settings) {
		r.Source.Update(s)
		r.Counter.Purge()
	})

	r.Index, err = history.NewIndex()
	if err != nil {
		return err
	}
	lifecycle.Register(r.resources, "history index", r.Index)

	if opts.watch {
		watcher, err := config.NewWatcher(r.Config, r.Logger)
		if err != nil {
			return fmt.Errorf("failed to create settings watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			r.Logger.Warn("settings watcher disabled", "error", err)
			_ = watcher.Close()
		} else {
			lifecycle.Register(r.resources, "settings watcher", watcher)
		}
	}
	return nil
}
