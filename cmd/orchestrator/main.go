package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/llmcopilot/orchestrator/internal/agent"
	"github.com/llmcopilot/orchestrator/internal/config"
	"github.com/llmcopilot/orchestrator/internal/events"
	"github.com/llmcopilot/orchestrator/internal/provider"
	"github.com/llmcopilot/orchestrator/internal/service"
	pgstore "github.com/llmcopilot/orchestrator/internal/store"
	"github.com/llmcopilot/orchestrator/internal/tool"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if len(os.Args) < 4 || (os.Args[1] != "agent" && os.Args[1] != "team") {
		fmt.Fprintln(os.Stderr, "usage: orchestrator agent <agent-id> <input>")
		fmt.Fprintln(os.Stderr, "       orchestrator team <team-id> <input>")
		os.Exit(2)
	}
	mode, targetID, input := os.Args[1], os.Args[2], os.Args[3]

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/orchestrator.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIInvoker(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicInvoker(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Initialize PostgreSQL store
	if cfg.Database.Postgres.DSN == "" {
		logger.Fatal("database.postgres.dsn is required")
	}
	store, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	defer store.Close()

	migrationsDir := cfg.Server.MigrationsDir
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	if err := store.Migrate(context.Background(), migrationsDir); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Bind persisted agents to their configured providers.
	agents, err := store.ListAgents(context.Background())
	if err != nil {
		logger.Warn("failed to load agents from DB", zap.Error(err))
	}
	for _, a := range agents {
		if a.Model.Provider != "" {
			router.Bind(a.ID, a.Model.Provider)
		}
	}
	logger.Info("Loaded agents from DB", zap.Int("count", len(agents)))

	// Initialize event sink
	var sink events.Sink = events.NopSink{}
	if cfg.Database.Redis.URL != "" {
		rs, rErr := events.NewRedisSink(cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(rErr))
		} else {
			sink = rs
			defer rs.Close()
		}
	}

	// Initialize tool registry with builtins
	registry := tool.NewRegistry()
	registry.Register(
		provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        "current_time",
				Description: "Returns the current time in RFC 3339 format.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			},
		},
		func(context.Context, string) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
		tool.Policy{},
	)

	executor := agent.NewExecutor(router, registry, logger)
	svc := service.New(store, executor, sink, logger)

	// SIGINT cancels the run cooperatively.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result any
	switch mode {
	case "agent":
		result, err = svc.ExecuteAgent(ctx, targetID, input)
	case "team":
		result, err = svc.ExecuteTeam(ctx, targetID, input)
	}
	if err != nil {
		logger.Error("execution failed", zap.Error(err))
	}

	out, marshalErr := json.MarshalIndent(result, "", "  ")
	if marshalErr != nil {
		logger.Fatal("encode result", zap.Error(marshalErr))
	}
	fmt.Println(string(out))
	if err != nil {
		os.Exit(1)
	}
}
