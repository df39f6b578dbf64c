package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattjoyce/pixeldispatch/internal/config"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/lock"
	"github.com/mattjoyce/pixeldispatch/internal/log"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
	"github.com/mattjoyce/pixeldispatch/internal/storage"
)

// offlineState is direct access to the persisted store for CLI commands that
// run without the service.
type offlineState struct {
	cfg    *config.Config
	store  storage.Store
	lock   *lock.PIDLock
	logger *slog.Logger
}

// openState opens the configured store. With mutate set it first takes the
// PID lock, so a running service and an offline edit never write the same
// records.
func openState(ctx context.Context, cfg *config.Config, mutate bool) (*offlineState, error) {
	// Tool output owns stdout; only warnings reach stderr.
	log.SetupWriter(os.Stderr, "warn")
	st := &offlineState{cfg: cfg, logger: log.WithComponent("cli")}

	if mutate {
		l, err := lock.Acquire(lock.PathFor(cfg.State))
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return nil, fmt.Errorf("%w; use the HTTP API of the running service", err)
			}
			return nil, err
		}
		st.lock = l
	}

	store, err := storage.Open(ctx, cfg.State)
	if err != nil {
		_ = st.lock.Release()
		return nil, err
	}
	st.store = store
	return st, nil
}

// load builds a queue and interceptor over the store and restores both.
func (s *offlineState) load(ctx context.Context) (*queue.Queue, *intercept.Interceptor, error) {
	q := queue.New(s.store, queue.Options{
		MaxRetries:       s.cfg.Queue.MaxRetries,
		CompletedHistory: s.cfg.Queue.CompletedHistory,
		Logger:           s.logger,
	})
	if err := q.Load(ctx); err != nil {
		return nil, nil, err
	}
	ic := intercept.New(s.store, intercept.Options{
		DefaultMode:   intercept.Mode(s.cfg.Interceptor.ModeDefault),
		SensitiveKeys: s.cfg.Interceptor.SensitiveKeys,
		Logger:        s.logger,
	})
	if err := ic.Load(ctx); err != nil {
		return nil, nil, err
	}
	return q, ic, nil
}

func (s *offlineState) Close() {
	if s.store != nil {
		_ = s.store.Close()
	}
	_ = s.lock.Release()
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	return loadConfigForToolWithDir(configPath, "")
}

func loadConfigForToolWithDir(configPath, configDir string) (*config.Config, error) {
	if configPath != "" && configDir != "" {
		return nil, fmt.Errorf("use only one of --config or --config-dir")
	}
	if configDir != "" {
		configPath = configDir
	}
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// withState loads config, opens state and runs fn. It owns error reporting
// for the shared steps.
func withState(configPath string, mutate bool, fn func(ctx context.Context, st *offlineState, q *queue.Queue, ic *intercept.Interceptor) int) int {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	st, err := openState(ctx, cfg, mutate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer st.Close()

	q, ic, err := st.load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read state: %v\n", err)
		return 1
	}
	return fn(ctx, st, q, ic)
}
