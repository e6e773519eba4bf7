// Package chat orchestrates a metered completion request: resolve
// identity, rate-limit, check quota, relay the upstream stream, and
// commit usage only after a successful relay.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/finly-app/gateway/internal/config"
	"github.com/finly-app/gateway/internal/events"
	"github.com/finly-app/gateway/internal/identity"
	"github.com/finly-app/gateway/internal/memory"
	"github.com/finly-app/gateway/internal/metrics"
	"github.com/finly-app/gateway/internal/quota"
	"github.com/finly-app/gateway/internal/relay"
)

var (
	// ErrInvalidMessage means the message field is missing, empty, or too long.
	ErrInvalidMessage = errors.New("missing or invalid message")
	// ErrRateLimited means the identity exceeded its request-frequency window.
	ErrRateLimited = errors.New("rate limited")
)

// Request is the inbound chat body.
type Request struct {
	Message          string `json:"message"`
	DeviceID         string `json:"deviceId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	SubscriptionType string `json:"subscriptionType,omitempty"`
}

// Service sequences the request pipeline. All components except the
// usage store and rate window are stateless given their inputs.
type Service struct {
	resolver  *identity.Resolver
	limiter   *quota.RateLimiter
	engine    *quota.Engine
	history   *memory.Store
	relay     *relay.Client
	publisher *events.Publisher
	cfg       config.ChatConfig
	validate  *validator.Validate
}

func NewService(
	resolver *identity.Resolver,
	limiter *quota.RateLimiter,
	engine *quota.Engine,
	history *memory.Store,
	relayClient *relay.Client,
	publisher *events.Publisher,
	cfg config.ChatConfig,
) *Service {
	return &Service{
		resolver:  resolver,
		limiter:   limiter,
		engine:    engine,
		history:   history,
		relay:     relayClient,
		publisher: publisher,
		cfg:       cfg,
		validate:  validator.New(),
	}
}

// Process runs the full pipeline for one chat request, forwarding content
// deltas through onDelta as they arrive. On success it returns the full
// accumulated reply; the usage increment and memory append have been
// committed (best-effort) by then. On failure nothing is committed.
func (s *Service) Process(ctx context.Context, httpReq *http.Request, req Request, onDelta func(string) error) (string, error) {
	id, err := s.resolver.Resolve(httpReq, identity.BodyIDs{DeviceID: req.DeviceID, UserID: req.UserID})
	if err != nil {
		return "", err
	}

	if err := s.validate.Var(req.Message, fmt.Sprintf("required,max=%d", s.cfg.MaxMessageLen)); err != nil {
		return "", ErrInvalidMessage
	}

	// Rate limiting runs before quota so abusive callers are throttled
	// regardless of subscription state. Redis trouble fails open.
	allowed, err := s.limiter.Allow(ctx, id)
	if err != nil {
		slog.Warn("chat: rate limiter unavailable, allowing request", "error", err, "identity", id)
	} else if !allowed {
		metrics.RateLimitedTotal.Inc()
		return "", ErrRateLimited
	}

	lease, err := s.engine.Admit(ctx, id, time.Now())
	if err != nil {
		var deny *quota.DenyError
		if errors.As(err, &deny) {
			s.publisher.QuotaDenied(events.UsageEvent{
				Identity:  id,
				Reason:    string(deny.Reason),
				Timestamp: time.Now().UTC(),
			})
		}
		return "", err
	}

	full, err := s.relay.Stream(ctx, s.buildMessages(ctx, id, req.Message), onDelta)
	if err != nil {
		lease.Release()
		return "", err
	}

	s.commit(ctx, id, lease, req.Message, full)
	return full, nil
}

// QuotaStatus reports the caller's current usage against its limits.
// Identity comes from headers only; there is no body on this endpoint.
func (s *Service) QuotaStatus(ctx context.Context, httpReq *http.Request) (*quota.Status, error) {
	id, err := s.resolver.Resolve(httpReq, identity.BodyIDs{})
	if err != nil {
		return nil, err
	}

	rec, err := s.engine.Describe(ctx, id, time.Now())
	if err != nil {
		return nil, err
	}

	limits := s.engine.Limits()
	status := &quota.Status{
		Tier:          rec.Tier,
		UsedTotal:     rec.UsedTotal,
		UsedToday:     rec.UsedToday,
		TrialTotalCap: limits.TrialTotalCap,
		DailyCap:      limits.DailyCap,
		WindowMax:     limits.RateMax,
	}
	if rec.Tier == quota.TierTrial {
		status.TrialEndsAt = rec.CreatedAt.Add(time.Duration(limits.TrialDays) * 24 * time.Hour)
	}

	used, err := s.limiter.Usage(ctx, id)
	if err != nil {
		slog.Warn("chat: reading window usage failed", "error", err, "identity", id)
	} else {
		status.WindowUsed = used
	}
	return status, nil
}

func (s *Service) buildMessages(ctx context.Context, id, userMsg string) []relay.Message {
	msgs := make([]relay.Message, 0, s.cfg.HistoryLimit+2)
	msgs = append(msgs, relay.Message{Role: "system", Content: s.cfg.SystemPrompt})

	turns, err := s.history.Recent(ctx, id)
	if err != nil {
		slog.Warn("chat: loading history failed, continuing without context", "error", err, "identity", id)
	}
	for _, t := range turns {
		msgs = append(msgs, relay.Message{Role: t.Role, Content: t.Content})
	}

	return append(msgs, relay.Message{Role: "user", Content: userMsg})
}

// commit runs after the caller already received the streamed reply, so its
// failures are logged, never surfaced as request failures. It is detached
// from request cancellation for the same reason.
func (s *Service) commit(ctx context.Context, id string, lease *quota.Lease, userMsg, full string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := lease.Commit(ctx); err != nil {
		slog.Error("chat: usage commit failed after delivered reply", "error", err, "identity", id)
	}
	if err := s.history.AppendExchange(ctx, id, userMsg, full); err != nil {
		slog.Error("chat: memory append failed", "error", err, "identity", id)
	}
	s.publisher.UsageCommitted(events.UsageEvent{
		Identity:  id,
		Tier:      string(lease.Tier()),
		Timestamp: time.Now().UTC(),
	})
}
