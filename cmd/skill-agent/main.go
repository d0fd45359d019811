// Command skill-agent runs the agent HTTP server: blocking and streaming
// agent runs, team runs, and run-log listing.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	skillagent "github.com/alleneee/skill-agent"
	"github.com/alleneee/skill-agent/internal/config"
	"github.com/alleneee/skill-agent/internal/httpapi"
	"github.com/alleneee/skill-agent/observer"
	"github.com/alleneee/skill-agent/provider/anthropic"
	"github.com/alleneee/skill-agent/provider/openaicompat"
	filestore "github.com/alleneee/skill-agent/store/file"
	"github.com/alleneee/skill-agent/store/postgres"
	redisstore "github.com/alleneee/skill-agent/store/redis"
	sqlitestore "github.com/alleneee/skill-agent/store/sqlite"
	filetool "github.com/alleneee/skill-agent/tools/file"
	"github.com/alleneee/skill-agent/tools/note"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("SKILLAGENT_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability
	var tracer skillagent.Tracer
	if cfg.Observer.Enabled {
		_, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutCtx)
		}()
		tracer = observer.NewTracer()
	}

	// 3. LLM client
	client, err := buildLLMClient(cfg, logger)
	if err != nil {
		log.Fatalf("llm client: %v", err)
	}
	client = skillagent.WithRetry(client, skillagent.RetryLogger(logger))

	// 4. Session storage
	store, err := buildSessionStore(ctx, cfg)
	if err != nil {
		log.Fatalf("session store: %v", err)
	}
	defer store.Close()
	sessions := skillagent.NewAgentSessionManager(store, logger)
	teamSessions := skillagent.NewTeamSessionManager(store, logger)

	// 5. Run-log sink
	runLog, runLogDir, err := buildRunLogger(cfg, logger)
	if err != nil {
		log.Fatalf("run logger: %v", err)
	}
	defer runLog.Close()

	// 6. Token manager (compression)
	tokens := skillagent.NewTokenManager(client,
		skillagent.WithCompressionThresholds(cfg.Agent.MaxUserRounds, cfg.Agent.TokenLimit),
		skillagent.WithTokenManagerLogger(logger))

	// 7. Tool pool
	tools := filetool.Tools(cfg.Agent.WorkspacePath)
	tools = append(tools, note.Tools(cfg.Agent.WorkspacePath)...)

	// 8. HTTP server
	server := httpapi.New(client,
		httpapi.WithSessions(sessions),
		httpapi.WithTeamSessions(teamSessions),
		httpapi.WithRunLogger(runLog),
		httpapi.WithRunLogDir(runLogDir),
		httpapi.WithTracer(tracer),
		httpapi.WithTokenManager(tokens),
		httpapi.WithLogger(logger),
		httpapi.WithWorkspace(cfg.Agent.WorkspacePath),
		httpapi.WithMaxSteps(cfg.Agent.MaxSteps),
		httpapi.WithSpawnMaxDepth(cfg.Spawn.MaxDepth),
		httpapi.WithTools(tools...),
	)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutCtx)
	}()

	logger.Info("server listening", "addr", cfg.Server.Addr, "provider", client.Name())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}

func buildLLMClient(cfg config.Config, logger *slog.Logger) (skillagent.LLMClient, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithLogger(logger)}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.LLM.BaseURL))
		}
		if cfg.LLM.MaxTokensCeiling > 0 {
			opts = append(opts, anthropic.WithMaxTokensCeiling(cfg.LLM.MaxTokensCeiling))
		}
		return anthropic.New(cfg.LLM.APIKey, cfg.LLM.Model, opts...)
	case "openai":
		baseURL := cfg.LLM.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		opts := []openaicompat.Option{openaicompat.WithLogger(logger)}
		if cfg.LLM.MaxTokensCeiling > 0 {
			opts = append(opts, openaicompat.WithMaxTokensCeiling(cfg.LLM.MaxTokensCeiling))
		}
		return openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, baseURL, opts...)
	default:
		return nil, errors.New("unknown llm provider: " + cfg.LLM.Provider)
	}
}

func buildSessionStore(ctx context.Context, cfg config.Config) (skillagent.SessionStore, error) {
	switch cfg.Session.Backend {
	case "file":
		return filestore.New(cfg.Session.Dir)
	case "sqlite":
		store := sqlitestore.New(cfg.Session.DBPath)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Session.PostgresURL)
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.New("unknown session backend: " + cfg.Session.Backend)
	}
}

func buildRunLogger(cfg config.Config, logger *slog.Logger) (skillagent.RunLogger, string, error) {
	switch cfg.RunLog.Sink {
	case "none", "":
		return skillagent.NopRunLogger{}, "", nil
	case "file":
		rl, err := skillagent.NewFileRunLogger(cfg.RunLog.Dir)
		if err != nil {
			return nil, "", err
		}
		return rl, cfg.RunLog.Dir, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RunLog.RedisAddr,
			Password: cfg.RunLog.RedisPassword,
		})
		retention := time.Duration(cfg.RunLog.RetentionDays) * 24 * time.Hour
		return redisstore.NewRunLogger(client,
			redisstore.WithRetention(retention),
			redisstore.WithLogger(logger)), "", nil
	default:
		return nil, "", errors.New("unknown run log sink: " + cfg.RunLog.Sink)
	}
}
