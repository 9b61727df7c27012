// Package inferd is the composition root (spec §4.5, Component E): it
// builds the Model Store and Instance Pool from config, registers the
// builtin engines, and exposes one ProcessXTask method per task kind
// that acquires a lease, dispatches, and releases.
package inferd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/inferd/internal/audit"
	"github.com/basket/inferd/internal/bus"
	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/engines/echo"
	"github.com/basket/inferd/internal/engines/ggufstub"
	"github.com/basket/inferd/internal/modelstore"
	"github.com/basket/inferd/internal/policy"
	"github.com/basket/inferd/internal/pool"
)

// Server is the single entry point a transport layer (CLI, future HTTP
// surface) drives. It owns the Store and Pool for their whole lifetime.
type Server struct {
	cfg    config.Config
	store  *modelstore.Store
	pool   *pool.Pool
	bus    *bus.Bus
	logger *slog.Logger
}

// New constructs a Server from a loaded Config. It does not prepare or
// load any model; call Start for that.
func New(cfg config.Config) (*Server, error) {
	logger := newLogger(cfg.LogLevel)

	pol := policy.Policy{
		AllowHosts:    cfg.DownloadPolicy.AllowHosts,
		AllowPaths:    cfg.DownloadPolicy.AllowPaths,
		AllowLoopback: cfg.DownloadPolicy.AllowLoopback,
	}

	eventBus := bus.NewWithLogger(logger)
	engines := buildEngines(cfg, pol)

	store, err := modelstore.New(modelstore.Options{
		CachePath:          cfg.CachePath,
		Models:             cfg.Models,
		Engines:            engines,
		Policy:             pol,
		Bus:                eventBus,
		Logger:             logger,
		PrepareConcurrency: cfg.PrepareConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("inferd: build model store: %w", err)
	}

	p := pool.New(pool.Options{
		Concurrency: cfg.Concurrency,
		Models:      cfg.Models,
		Engines:     engines,
		Store:       store,
		Bus:         eventBus,
		Logger:      logger,
	})

	return &Server{cfg: cfg, store: store, pool: p, bus: eventBus, logger: logger}, nil
}

// buildEngines constructs exactly one engine instance per distinct
// engine name referenced by cfg.Models, shared across every model
// configured to use it (spec §4.1: "one instance per engine type, not
// per model").
func buildEngines(cfg config.Config, pol policy.Policy) map[string]engineapi.Engine {
	engines := make(map[string]engineapi.Engine)
	for _, m := range cfg.Models {
		if _, ok := engines[m.Engine]; ok {
			continue
		}
		switch m.Engine {
		case "echo":
			engines[m.Engine] = echo.New()
		case "ggufstub":
			engines[m.Engine] = ggufstub.New(ggufstub.Options{
				CachePath: cfg.CachePath,
				Models:    cfg.Models,
				Policy:    pol,
			})
		}
	}
	return engines
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Start preallocates MinInstances for every configured model (spec
// §4.4 Init). A blocking model whose preparation fails makes Start
// return an error; a failure while preallocating a model's instances
// degrades that model only, and peers continue serving.
func (s *Server) Start(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("inferd: store init: %w", err)
	}
	s.pool.Init(ctx)
	return nil
}

// Stop rejects queued requests, disposes every instance, and closes the
// Store and audit log; tasks already running are not cancelled by it.
// Safe to call once during shutdown.
func (s *Server) Stop() error {
	s.pool.Dispose()
	if err := s.store.Dispose(); err != nil {
		return fmt.Errorf("inferd: store dispose: %w", err)
	}
	if err := audit.Close(); err != nil {
		return fmt.Errorf("inferd: close audit log: %w", err)
	}
	return nil
}

// Status returns the Store and Pool's combined view, the read path for
// the CLI's list/show subcommands.
type Status struct {
	Models map[string]modelstore.StoredModel
	Pool   pool.Status
}

func (s *Server) Status() Status {
	st := Status{Models: make(map[string]modelstore.StoredModel), Pool: s.pool.GetStatus()}
	for id := range s.cfg.Models {
		if sm, ok := s.store.Status(id); ok {
			st.Models[id] = sm
		}
	}
	return st
}

// Config returns the configuration the Server was built from, for the
// CLI's read-only inspection commands.
func (s *Server) Config() config.Config { return s.cfg }

// PrepareModel exposes the Store's preparation step directly, for the
// CLI's `prepare` subcommand (which wants a synchronous call with a
// progress callback rather than going through the task-dispatch path).
func (s *Server) PrepareModel(ctx context.Context, id string, onProgress func(engineapi.PrepareProgress)) (*modelstore.StoredModel, error) {
	return s.store.PrepareModel(ctx, id, onProgress)
}

// RemoveModel deletes the on-disk artifact for a model, refusing if any
// live instance is currently serving it (spec §4.5's `remove`
// subcommand contract).
func (s *Server) RemoveModel(id string) error {
	cfg, ok := s.cfg.Models[id]
	if !ok {
		return fmt.Errorf("%w: unknown model %q", engineapi.ErrConfigInvalid, id)
	}
	for _, entry := range s.pool.GetStatus().Instances {
		if entry.ModelID == id {
			return fmt.Errorf("%w: model %q has a live instance %q, dispose it first", engineapi.ErrConfigInvalid, id, entry.InstanceID)
		}
	}
	path, err := modelstore.ArtifactPath(s.cfg.CachePath, cfg)
	if err != nil {
		return fmt.Errorf("inferd: resolve artifact path for %q: %w", id, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("inferd: remove artifact for %q: %w", id, err)
	}
	return nil
}

// modelForTask resolves req's model config and confirms it is actually
// configured for the requested task kind (spec §3: ModelConfig.Task
// names the one task kind a model serves).
func (s *Server) modelForTask(model string, kind engineapi.TaskKind) (config.ModelConfig, error) {
	cfg, ok := s.cfg.Models[model]
	if !ok {
		return config.ModelConfig{}, fmt.Errorf("%w: unknown model %q", engineapi.ErrConfigInvalid, model)
	}
	if cfg.Task != string(kind) {
		return config.ModelConfig{}, fmt.Errorf("%w: model %q is configured for task %q, not %q", engineapi.ErrConfigInvalid, model, cfg.Task, kind)
	}
	return cfg, nil
}
