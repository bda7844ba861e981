package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/llmcopilot/orchestrator/internal/provider"
	pgstore "github.com/llmcopilot/orchestrator/internal/store"
)

// Package-level shared state — set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("orchestrator_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

func requireInfra(t *testing.T) {
	t.Helper()
	if testPGStore == nil {
		t.Skip("e2e tests need Docker")
	}
}

// scriptedInvoker is a deterministic stand-in for a real LLM provider.
// Responses are keyed by the model name the agent requests.
type scriptedInvoker struct {
	mu        sync.Mutex
	id        string
	responses map[string][]string
	position  map[string]int
}

func newScriptedInvoker(id string) *scriptedInvoker {
	return &scriptedInvoker{
		id:        id,
		responses: make(map[string][]string),
		position:  make(map[string]int),
	}
}

func (s *scriptedInvoker) script(model string, responses ...string) {
	s.responses[model] = responses
}

func (s *scriptedInvoker) ID() string   { return s.id }
func (s *scriptedInvoker) Name() string { return s.id }

func (s *scriptedInvoker) Invoke(_ context.Context, req *provider.InvokeRequest) (*provider.InvokeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	script := s.responses[req.Model]
	pos := s.position[req.Model]
	content := "ok"
	if pos < len(script) {
		content = script[pos]
		s.position[req.Model] = pos + 1
	} else if n := len(script); n > 0 {
		content = script[n-1]
	}
	return &provider.InvokeResponse{
		ID:           "scripted",
		Model:        req.Model,
		Content:      content,
		FinishReason: "stop",
		Usage:        provider.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}, nil
}

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger = zap.NewNop()

	dsn, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		// No Docker available; tests skip through requireInfra.
		fmt.Fprintf(os.Stderr, "e2e: %v\n", err)
		os.Exit(m.Run())
	}
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		pgCleanup()
		fmt.Fprintf(os.Stderr, "e2e: %v\n", err)
		os.Exit(m.Run())
	}
	testRedisURL = redisURL

	testPGStore, err = pgstore.New(dsn, testLogger)
	if err != nil {
		redisCleanup()
		pgCleanup()
		fmt.Fprintf(os.Stderr, "e2e: connect postgres: %v\n", err)
		os.Exit(1)
	}
	if err := testPGStore.Migrate(ctx, filepath.Join("..", "..", "migrations")); err != nil {
		testPGStore.Close()
		redisCleanup()
		pgCleanup()
		fmt.Fprintf(os.Stderr, "e2e: migrate: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testPGStore.Close()
	redisCleanup()
	pgCleanup()
	os.Exit(code)
}
