// Package conductor is an agent run orchestration engine. It accepts user
// messages on conversation branches, plans and runs tools through a
// planning and synthesis pipeline, gates mutations behind approval
// decisions, and streams process events over HTTP and MCP.
//
// Create an App with New and serve it with Run:
//
//	app, err := conductor.New(conductor.WithVersion("1.0.0"))
//	if err != nil { ... }
//	err = app.Run(ctx)
package conductor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/conductor/internal/auth"
	"github.com/ashita-ai/conductor/internal/config"
	"github.com/ashita-ai/conductor/internal/eventbus"
	"github.com/ashita-ai/conductor/internal/guard"
	"github.com/ashita-ai/conductor/internal/mcp"
	"github.com/ashita-ai/conductor/internal/mutation"
	"github.com/ashita-ai/conductor/internal/ratelimit"
	"github.com/ashita-ai/conductor/internal/server"
	"github.com/ashita-ai/conductor/internal/service/branches"
	"github.com/ashita-ai/conductor/internal/service/engine"
	"github.com/ashita-ai/conductor/internal/service/generation"
	"github.com/ashita-ai/conductor/internal/service/pipeline"
	"github.com/ashita-ai/conductor/internal/storage"
	"github.com/ashita-ai/conductor/internal/storage/memstore"
	"github.com/ashita-ai/conductor/internal/telemetry"
	"github.com/ashita-ai/conductor/internal/tools"
	"github.com/ashita-ai/conductor/internal/tools/builtin"
	"github.com/ashita-ai/conductor/internal/workspace"
	"github.com/ashita-ai/conductor/migrations"
)

// App is a wired conductor instance.
type App struct {
	cfg          config.Config
	store        storage.Store
	records      *mutation.Service
	engine       *engine.Engine
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens storage and wires every subsystem.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.recordsPath != "" {
		cfg.RecordsPath = o.recordsPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	logger := o.logger
	if logger == nil {
		logger = cfg.NewLogger(os.Stdout)
	}

	logger.Info("conductor starting", "version", version, "port", cfg.Port)

	a := &App{cfg: cfg, logger: logger, version: version}
	ctx := context.Background()
	if err := a.wire(ctx, o); err != nil {
		a.closeResources(ctx)
		return nil, err
	}
	return a, nil
}

// wire builds the subsystems in dependency order. On error the caller
// releases whatever was opened.
func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	var err error
	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     a.version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = db
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		logger.Info("storage: postgres")
	} else {
		a.store = memstore.New()
		logger.Warn("storage: in-memory (no DATABASE_URL); runs are lost on restart")
	}

	secret := []byte(cfg.MutationSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("mutation secret: %w", err)
		}
		logger.Warn("mutation: using an ephemeral token secret; confirm and undo tokens do not survive restarts")
	}
	catalog := workspace.DefaultCatalog()
	a.records, err = mutation.Open(ctx, cfg.RecordsPath, secret, catalog, logger)
	if err != nil {
		return fmt.Errorf("records: %w", err)
	}

	var worker *builtin.WorkerClient
	if cfg.ToolWorkerURL != "" {
		worker = builtin.NewWorkerClient(cfg.ToolWorkerURL)
		logger.Info("tools: remote worker enabled", "url", cfg.ToolWorkerURL)
	} else {
		logger.Info("tools: remote worker disabled (no CONDUCTOR_TOOL_WORKER_URL)")
	}
	registry, err := tools.NewRegistry(builtin.All(a.records, worker)...)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	for _, t := range o.tools {
		if err := registry.Register(adaptTool(t)); err != nil {
			return fmt.Errorf("tools: register %q: %w", t.Name, err)
		}
	}

	gen := newGenerationProvider(cfg, o.generation, logger)
	bus := eventbus.New(logger)
	a.engine = engine.New(engine.Config{
		Store:                 a.store,
		Bus:                   bus,
		Executor:              tools.NewExecutor(registry, guard.New(catalog), logger),
		Pipeline:              pipeline.New(gen, cfg.StageTimeout, logger),
		Assembler:             workspace.NewAssembler(catalog, a.records, a.store, logger),
		Logger:                logger,
		PreemptScheduledLoops: cfg.PreemptScheduledLoops,
		AppendTrace:           cfg.AppendTrace,
	})
	branchSvc := branches.New(a.store, logger)

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if jwtMgr.Disabled() {
		logger.Warn("auth: disabled (no CONDUCTOR_JWT_SECRET); every request runs as the dev actor")
	}

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.srv = server.New(server.ServerConfig{
		Engine:              a.engine,
		Branches:            branchSvc,
		Store:               a.store,
		Bus:                 bus,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             a.limiter,
		MCPServer:           mcp.New(a.engine, branchSvc, logger, a.version).MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SSEKeepalive:        cfg.SSEKeepalive,
	})
	return nil
}

// Handler returns the root HTTP handler, for embedding conductor in
// another server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// down: HTTP first, then in-flight runs, then storage, then telemetry.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	a.logger.Info("conductor shutting down")
	a.shutdown()
	a.logger.Info("conductor stopped")
	return runErr
}

// shutdown gives each phase its own timeout so early completion doesn't
// steal budget from later phases.
func (a *App) shutdown() {
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout)
	if err := a.engine.Drain(drainCtx); err != nil {
		a.logger.Warn("engine drain cut short; remaining runs were interrupted", "error", err)
	}
	drainCancel()

	a.closeResources(context.Background())
}

// closeResources releases storage and telemetry. Safe on a partially
// wired App.
func (a *App) closeResources(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			a.logger.Warn("records close error", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close(ctx)
	}
	if a.otelShutdown != nil {
		otelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.otelShutdown(otelCtx); err != nil {
			a.logger.Warn("telemetry shutdown error", "error", err)
		}
		cancel()
	}
}

// newGenerationProvider picks the generation backend: an explicit provider
// wins, then OpenAI when a key is configured, else no backend (every stage
// uses its fallback).
func newGenerationProvider(cfg config.Config, p GenerationProvider, logger *slog.Logger) generation.Provider {
	if p != nil {
		logger.Info("generation: custom provider", "name", p.Name())
		return generationAdapter{p: p}
	}
	if cfg.OpenAIAPIKey != "" {
		logger.Info("generation: openai", "model", cfg.GenerationModel)
		return generation.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GenerationModel, cfg.GenerationBaseURL)
	}
	logger.Warn("generation: no backend (no OPENAI_API_KEY); pipeline stages use deterministic fallbacks")
	return generation.NoopProvider{}
}

type generationAdapter struct {
	p GenerationProvider
}

func (g generationAdapter) Name() string { return g.p.Name() }

func (g generationAdapter) Generate(ctx context.Context, req generation.Request) (string, error) {
	return g.p.Generate(ctx, GenerationRequest{
		Stage:     req.Stage,
		System:    req.System,
		Prompt:    req.Prompt,
		JSON:      req.JSON,
		MaxTokens: req.MaxTokens,
	})
}

func adaptTool(t Tool) tools.Tool {
	h := t.Handler
	var exec tools.Handler
	if h != nil {
		exec = func(ctx context.Context, tc tools.Context, args map[string]any) (any, error) {
			return h(ctx, ToolCall{
				WorkspaceID: tc.WorkspaceID,
				BranchID:    tc.BranchID.String(),
				RunID:       tc.RunID.String(),
				ActorID:     tc.Actor.ID,
				Approved:    tc.Approved,
				Args:        args,
			})
		}
	}
	return tools.Tool{
		Name:        t.Name,
		Description: t.Description,
		ArgsSchema:  t.ArgsSchema,
		Mutate:      t.Mutate,
		Timeout:     t.Timeout,
		Execute:     exec,
	}
}
