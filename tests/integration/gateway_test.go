//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/finly-app/gateway/internal/quota"
)

func TestGateway_ChatCommitsUsage(t *testing.T) {
	env := SetupTestEnv(t)
	device := fmt.Sprintf("it-device-%d", uniqueID())

	resp := DoChat(t, env, device, "How do I build an emergency fund?")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := ParseBody(t, resp)
	assert.Equal(t, "Echo: How do I build an emergency fund?", gjson.Get(body, "reply").String())

	rec, err := env.Store.Get(context.Background(), device)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, quota.TierTrial, rec.Tier)
	assert.Equal(t, 1, rec.UsedTotal)
	assert.Equal(t, 0, rec.UsedToday)
}

func TestGateway_TrialExhaustionAcrossRequests(t *testing.T) {
	env := SetupTestEnv(t)
	device := fmt.Sprintf("it-device-%d", uniqueID())

	for i := 0; i < 10; i++ {
		resp := DoChat(t, env, device, "Hello")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := DoChat(t, env, device, "Hello")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := ParseBody(t, resp)
	assert.Contains(t, gjson.Get(body, "reply").String(), "Upgrade to premium")

	rec, err := env.Store.Get(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.UsedTotal, "the denied request must not count")
}

func TestGateway_DenialPersistsViolation(t *testing.T) {
	env := SetupTestEnv(t)
	device := fmt.Sprintf("it-device-%d", uniqueID())
	ctx := context.Background()

	require.NoError(t, env.Store.Create(ctx, &quota.UsageRecord{
		Identity:    device,
		Tier:        quota.TierNone,
		LastResetAt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}))

	resp := DoChat(t, env, device, "Hello")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	var violations string
	err := env.Pool.QueryRow(ctx,
		`SELECT violations::text FROM ai_usage WHERE identity = $1`, device,
	).Scan(&violations)
	require.NoError(t, err)
	assert.Equal(t, "locked", gjson.Get(violations, "0.reason").String())
}

func TestGateway_QuotaEndpoint(t *testing.T) {
	env := SetupTestEnv(t)
	device := fmt.Sprintf("it-device-%d", uniqueID())

	resp := DoChat(t, env, device, "Hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = DoQuota(t, env, device)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := ParseBody(t, resp)
	assert.Equal(t, "trial", gjson.Get(body, "data.tier").String())
	assert.Equal(t, int64(1), gjson.Get(body, "data.used_total").Int())
	assert.Equal(t, int64(10), gjson.Get(body, "data.trial_total_cap").Int())
	assert.Equal(t, int64(50), gjson.Get(body, "data.daily_cap").Int())
	assert.NotEmpty(t, gjson.Get(body, "data.trial_ends_at").String())
}

func TestGateway_ConversationMemoryFlowsUpstream(t *testing.T) {
	env := SetupTestEnv(t)
	device := fmt.Sprintf("it-device-%d", uniqueID())

	resp := DoChat(t, env, device, "first message")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// After the first exchange the history key exists in Redis.
	n, err := env.RedisClient.LLen(context.Background(), "conv:"+device).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGateway_PostgresStoreRoundTrip(t *testing.T) {
	env := SetupTestEnv(t)
	device := fmt.Sprintf("it-store-%d", uniqueID())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, env.Store.Create(ctx, &quota.UsageRecord{
		Identity:    device,
		Tier:        quota.TierMonthly,
		LastResetAt: now,
		CreatedAt:   now,
	}))

	require.NoError(t, env.Store.Increment(ctx, device, true))
	require.NoError(t, env.Store.Increment(ctx, device, false))

	rec, err := env.Store.Get(ctx, device)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, quota.TierMonthly, rec.Tier)
	assert.Equal(t, 2, rec.UsedTotal)
	assert.Equal(t, 1, rec.UsedToday)

	resetAt := now.Add(24 * time.Hour)
	require.NoError(t, env.Store.ResetDaily(ctx, device, resetAt))

	rec, err = env.Store.Get(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.UsedToday)
	assert.Equal(t, 2, rec.UsedTotal)
	assert.WithinDuration(t, resetAt, rec.LastResetAt, time.Second)
}

func TestGateway_CreateIsIdempotent(t *testing.T) {
	env := SetupTestEnv(t)
	device := fmt.Sprintf("it-store-%d", uniqueID())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, env.Store.Create(ctx, &quota.UsageRecord{
		Identity: device, Tier: quota.TierTrial, LastResetAt: now, CreatedAt: now,
	}))
	require.NoError(t, env.Store.Increment(ctx, device, false))
	require.NoError(t, env.Store.Create(ctx, &quota.UsageRecord{
		Identity: device, Tier: quota.TierTrial, LastResetAt: now, CreatedAt: now,
	}))

	rec, err := env.Store.Get(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UsedTotal)
}

func TestGateway_MissingIdentityRejected(t *testing.T) {
	env := SetupTestEnv(t)

	resp := DoChat(t, env, "", "Hello")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGateway_HealthProbes(t *testing.T) {
	env := SetupTestEnv(t)

	resp, err := http.Get(env.Server.URL + "/health/live")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.Server.URL + "/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := ParseBody(t, resp)
	assert.Equal(t, "healthy", gjson.Get(body, "data.status").String())
}
