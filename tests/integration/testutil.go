//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tidwall/gjson"

	"github.com/finly-app/gateway/internal/api"
	"github.com/finly-app/gateway/internal/chat"
	"github.com/finly-app/gateway/internal/config"
	"github.com/finly-app/gateway/internal/identity"
	"github.com/finly-app/gateway/internal/memory"
	"github.com/finly-app/gateway/internal/quota"
	"github.com/finly-app/gateway/internal/relay"
)

type TestEnv struct {
	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Server      *httptest.Server
	Store       *quota.PostgresStore
}

var (
	testEnv *TestEnv
	seq     atomic.Int64
)

func uniqueID() int64 {
	return time.Now().UnixNano() + seq.Add(1)
}

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "gateway_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/gateway_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	m, err := migrate.New(fmt.Sprintf("file://%s", getMigrationsPath()), dsn)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	// Stub completion upstream echoing the last user message.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		msgs := gjson.GetBytes(body, "messages").Array()
		last := msgs[len(msgs)-1].Get("content").String()
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", "Echo: "+last)
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(upstream.Close)

	quotaCfg := config.QuotaConfig{
		TrialDays:     7,
		TrialTotalCap: 10,
		DailyCap:      50,
		RateMax:       100,
		RateWindow:    60 * time.Second,
	}
	chatCfg := config.ChatConfig{
		SystemPrompt:  "You are FINLY Coach, a professional finance coach.",
		HistoryLimit:  6,
		HistoryTTL:    time.Hour,
		MaxMessageLen: 4000,
	}

	store := quota.NewPostgresStore(pool)
	svc := chat.NewService(
		identity.NewResolver(nil),
		quota.NewRateLimiter(redisClient, quotaCfg),
		quota.NewEngine(store, quotaCfg),
		memory.NewStore(redisClient, chatCfg.HistoryLimit, chatCfg.HistoryTTL),
		relay.NewClient(config.UpstreamConfig{
			APIKey:      "test-key",
			BaseURL:     upstream.URL,
			Model:       "gpt-4o-mini",
			MaxTokens:   400,
			Temperature: 0.7,
			Timeout:     10 * time.Second,
		}),
		nil,
		chatCfg,
	)
	handler := chat.NewHandler(svc, false)

	router := api.NewRouter(pool, redisClient, api.RouterConfig{}, api.HandlerSet{
		Chat:  handler.Chat,
		Quota: handler.Quota,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() { server.Close() })

	testEnv = &TestEnv{
		Pool:        pool,
		RedisClient: redisClient,
		Server:      server,
		Store:       store,
	}
	return testEnv
}

func getMigrationsPath() string {
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

func DoChat(t *testing.T, env *TestEnv, deviceID, message string) *http.Response {
	t.Helper()
	b, _ := json.Marshal(map[string]string{"message": message})
	req, err := http.NewRequest(http.MethodPost, env.Server.URL+"/api/v1/chat", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.DeviceHeader, deviceID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func DoQuota(t *testing.T, env *TestEnv, deviceID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.Server.URL+"/api/v1/quota", nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set(identity.DeviceHeader, deviceID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return string(b)
}
