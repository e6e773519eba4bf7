package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/finly-app/gateway/internal/config"
	"github.com/finly-app/gateway/internal/identity"
	"github.com/finly-app/gateway/internal/memory"
	"github.com/finly-app/gateway/internal/quota"
	"github.com/finly-app/gateway/internal/relay"
)

// upstream is a scripted completion endpoint capturing request bodies.
type upstream struct {
	srv    *httptest.Server
	status int
	frames []string

	mu     sync.Mutex
	bodies []string
}

func newUpstream(t *testing.T, status int, frames ...string) *upstream {
	t.Helper()
	up := &upstream{status: status, frames: frames}
	up.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		up.mu.Lock()
		up.bodies = append(up.bodies, string(body))
		up.mu.Unlock()

		if up.status != http.StatusOK {
			http.Error(w, "upstream failure", up.status)
			return
		}
		flusher := w.(http.Flusher)
		for _, frame := range up.frames {
			fmt.Fprintf(w, "%s\n\n", frame)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(up.srv.Close)
	return up
}

func (u *upstream) lastBody(t *testing.T) string {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.bodies, "no upstream request was made")
	return u.bodies[len(u.bodies)-1]
}

func frame(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, content)
}

type fixture struct {
	svc     *Service
	usage   *quota.MemoryStore
	history *memory.Store
}

func newFixture(t *testing.T, up *upstream, rateMax int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	quotaCfg := config.QuotaConfig{
		TrialDays:     7,
		TrialTotalCap: 10,
		DailyCap:      50,
		RateMax:       rateMax,
		RateWindow:    60 * time.Second,
	}
	chatCfg := config.ChatConfig{
		SystemPrompt:  "You are FINLY Coach, a professional finance coach.",
		HistoryLimit:  6,
		HistoryTTL:    time.Hour,
		MaxMessageLen: 100,
	}

	usage := quota.NewMemoryStore()
	history := memory.NewStore(client, chatCfg.HistoryLimit, chatCfg.HistoryTTL)
	relayClient := relay.NewClient(config.UpstreamConfig{
		APIKey:      "test-key",
		BaseURL:     up.srv.URL,
		Model:       "gpt-4o-mini",
		MaxTokens:   400,
		Temperature: 0.7,
		Timeout:     5 * time.Second,
	})

	svc := NewService(
		identity.NewResolver(nil),
		quota.NewRateLimiter(client, quotaCfg),
		quota.NewEngine(usage, quotaCfg),
		history,
		relayClient,
		nil,
		chatCfg,
	)
	return &fixture{svc: svc, usage: usage, history: history}
}

func chatRequest(deviceID string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	if deviceID != "" {
		r.Header.Set(identity.DeviceHeader, deviceID)
	}
	return r
}

func collect(chunks *[]string) func(string) error {
	return func(d string) error {
		*chunks = append(*chunks, d)
		return nil
	}
}

func TestService_SuccessfulExchange(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("Hi "), frame("there!"))
	f := newFixture(t, up, 20)
	ctx := context.Background()

	var chunks []string
	full, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: "Hello"}, collect(&chunks))
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", full)
	assert.Equal(t, []string{"Hi ", "there!"}, chunks)

	rec, err := f.usage.Get(ctx, "device-abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, quota.TierTrial, rec.Tier)
	assert.Equal(t, 1, rec.UsedTotal)

	turns, err := f.history.Recent(ctx, "device-abc")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "Hello", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "Hi there!", turns[1].Content)
}

func TestService_FailedRelayCommitsNothing(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("Hi "), frame("there!"))
	f := newFixture(t, up, 20)
	ctx := context.Background()

	// The downstream sink dies after the first delta.
	sinkErr := errors.New("client disconnected")
	var calls int
	_, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: "Hello"}, func(string) error {
		calls++
		return sinkErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	rec, err := f.usage.Get(ctx, "device-abc")
	require.NoError(t, err)
	require.NotNil(t, rec, "the trial record is created on admit")
	assert.Equal(t, 0, rec.UsedTotal, "a failed relay must not count")

	turns, err := f.history.Recent(ctx, "device-abc")
	require.NoError(t, err)
	assert.Empty(t, turns, "a failed relay must not be remembered")
}

func TestService_UpstreamFailureCommitsNothing(t *testing.T) {
	up := newUpstream(t, http.StatusInternalServerError)
	f := newFixture(t, up, 20)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: "Hello"}, func(string) error { return nil })
	assert.ErrorIs(t, err, relay.ErrUpstreamUnavailable)

	rec, err := f.usage.Get(ctx, "device-abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 0, rec.UsedTotal)
}

func TestService_RateLimitExhaustion(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("ok"))
	f := newFixture(t, up, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: "Hello"}, func(string) error { return nil })
		require.NoError(t, err)
	}

	_, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: "Hello"}, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestService_RejectsInvalidMessage(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("ok"))
	f := newFixture(t, up, 20)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: ""}, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidMessage)

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: string(long)}, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestService_RejectsMissingIdentity(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("ok"))
	f := newFixture(t, up, 20)

	_, err := f.svc.Process(context.Background(), chatRequest(""), Request{Message: "Hello"}, func(string) error { return nil })
	assert.ErrorIs(t, err, identity.ErrMissing)
}

func TestService_BodyIdentityFallback(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("ok"))
	f := newFixture(t, up, 20)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, chatRequest(""), Request{Message: "Hello", DeviceID: "device-body"}, func(string) error { return nil })
	require.NoError(t, err)

	rec, err := f.usage.Get(ctx, "device-body")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.UsedTotal)
}

func TestService_QuotaDenialSurfacesReason(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("ok"))
	f := newFixture(t, up, 20)
	ctx := context.Background()

	require.NoError(t, f.usage.Create(ctx, &quota.UsageRecord{
		Identity:    "device-abc",
		Tier:        quota.TierNone,
		LastResetAt: time.Now(),
		CreatedAt:   time.Now(),
	}))

	_, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: "Hello"}, func(string) error { return nil })
	var deny *quota.DenyError
	require.ErrorAs(t, err, &deny)
	assert.Equal(t, quota.ReasonLocked, deny.Reason)
}

func TestService_HistoryFlowsIntoUpstreamContext(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("Index funds."))
	f := newFixture(t, up, 20)
	ctx := context.Background()

	require.NoError(t, f.history.AppendExchange(ctx, "device-abc", "How do I start investing?", "Start with a budget."))

	_, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: "What should I buy first?"}, func(string) error { return nil })
	require.NoError(t, err)

	msgs := gjson.Get(up.lastBody(t), "messages").Array()
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "You are FINLY Coach, a professional finance coach.", msgs[0].Get("content").String())
	assert.Equal(t, "user", msgs[1].Get("role").String())
	assert.Equal(t, "How do I start investing?", msgs[1].Get("content").String())
	assert.Equal(t, "assistant", msgs[2].Get("role").String())
	assert.Equal(t, "user", msgs[3].Get("role").String())
	assert.Equal(t, "What should I buy first?", msgs[3].Get("content").String())
}

func TestService_QuotaStatus(t *testing.T) {
	up := newUpstream(t, http.StatusOK, frame("ok"))
	f := newFixture(t, up, 20)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Process(ctx, chatRequest("device-abc"), Request{Message: "Hello"}, func(string) error { return nil })
		require.NoError(t, err)
	}

	status, err := f.svc.QuotaStatus(ctx, chatRequest("device-abc"))
	require.NoError(t, err)
	assert.Equal(t, quota.TierTrial, status.Tier)
	assert.Equal(t, 3, status.UsedTotal)
	assert.Equal(t, 10, status.TrialTotalCap)
	assert.Equal(t, 50, status.DailyCap)
	assert.Equal(t, 20, status.WindowMax)
	assert.Equal(t, 3, status.WindowUsed)
	assert.False(t, status.TrialEndsAt.IsZero())
}

func TestService_QuotaStatusMissingIdentity(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	f := newFixture(t, up, 20)

	_, err := f.svc.QuotaStatus(context.Background(), chatRequest(""))
	assert.ErrorIs(t, err, identity.ErrMissing)
}
