package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/harlowe/hearth/internal/config"
	"github.com/harlowe/hearth/internal/logger"
	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/pkg/coretools"
	"github.com/harlowe/hearth/pkg/dispatch"
	"github.com/harlowe/hearth/pkg/memory"
	"github.com/harlowe/hearth/pkg/runtime"
	"github.com/harlowe/hearth/pkg/session"
)

// app holds the wired runtime collaborators a command needs. Not every
// command uses every field; Close tears down whatever was built.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	sessions  *session.Manager
	executor  *dispatch.Executor
	store     *memory.Store
	refresher *memory.Refresher
	servers   []*dispatch.MCPServerAdapter
}

// newApp loads config and builds the shared collaborators: logger,
// session manager, tool executor, and (when enabled) the memory store
// with its tools registered
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, err
	}

	if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
		log.Warn().Err(err).Msg("Audit trail disabled")
	}

	a := &app{cfg: cfg, log: log}

	a.sessions, err = session.New(cfg.SessionsDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open sessions: %w", err)
	}

	a.executor = dispatch.New()

	workspace, err := os.Getwd()
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := coretools.Register(a.executor, coretools.Options{WorkspaceRoot: workspace}); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Memory.Enabled {
		if err := a.openMemory(); err != nil {
			a.Close()
			return nil, err
		}
	}

	for _, server := range cfg.MCPServers {
		adapter := dispatch.NewMCPServerAdapter(server.ID, server.Command, server.Args)
		if err := adapter.Start(ctx); err != nil {
			log.Warn().Err(err).Str("server", server.ID).Msg("MCP server failed to start, skipping")
			continue
		}
		if err := adapter.RegisterAll(ctx, a.executor); err != nil {
			log.Warn().Err(err).Str("server", server.ID).Msg("MCP tool registration failed")
			adapter.Stop()
			continue
		}
		a.servers = append(a.servers, adapter)
	}

	return a, nil
}

func (a *app) openMemory() error {
	dir, err := memory.EnsureDir(a.cfg.Memory.Dir)
	if err != nil {
		return fmt.Errorf("failed to prepare memory workspace: %w", err)
	}

	a.store, err = memory.NewStore(memory.StoreConfig{
		Dir:        dir,
		DBPath:     a.cfg.Memory.DBPath,
		Logger:     a.log.GetZerolog(),
		Embeddings: memory.NewEmbeddingProvider(a.cfg.Memory.Embedding),
		Watch:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	if err := a.store.RegisterTools(a.executor); err != nil {
		return err
	}

	if a.cfg.Memory.ReindexCron != "" {
		a.refresher, err = memory.NewRefresher(a.store, a.cfg.Memory.ReindexCron, a.log.GetZerolog())
		if err != nil {
			return fmt.Errorf("invalid reindex schedule: %w", err)
		}
		a.refresher.Start()
	}

	return nil
}

// newRunner validates the config and builds a turn runner on top of the
// app's collaborators
func (a *app) newRunner() (*runtime.Runner, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config is not runnable: %w (run 'hearth configure' first)", err)
	}

	return runtime.NewRunner(runtime.Config{
		Sessions: a.sessions,
		Executor: a.executor,
		Config:   a.cfg,
		Audit:    observability.GetAuditLogger(),
		Logger:   a.log.GetZerolog(),
	})
}

func (a *app) Close() {
	for _, server := range a.servers {
		server.Stop()
	}
	if a.refresher != nil {
		a.refresher.Stop()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}
