// Package events publishes usage events to NATS for external consumers
// (billing reconciliation, abuse analytics). Publishing is fire-and-forget:
// an unreachable broker never affects request handling.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/finly-app/gateway/internal/config"
)

const (
	SubjectUsageCommitted = "gateway.usage.committed"
	SubjectQuotaDenied    = "gateway.quota.denied"
)

// UsageEvent describes one accounting-relevant outcome.
type UsageEvent struct {
	Identity  string    `json:"identity"`
	Tier      string    `json:"tier"`
	Reason    string    `json:"reason,omitempty"`
	UsedTotal int       `json:"used_total,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes usage events. A nil Publisher is valid and drops
// every event, so callers never branch on whether NATS is configured.
type Publisher struct {
	conn *nats.Conn
}

// Connect dials NATS. Returns nil without error when no URL is configured.
func Connect(cfg config.NATSConfig) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	slog.Info("connected to NATS", "url", cfg.URL)
	return &Publisher{conn: nc}, nil
}

// UsageCommitted publishes a successful completion commit.
func (p *Publisher) UsageCommitted(ev UsageEvent) {
	p.publish(SubjectUsageCommitted, ev)
}

// QuotaDenied publishes a quota denial with its reason code.
func (p *Publisher) QuotaDenied(ev UsageEvent) {
	p.publish(SubjectQuotaDenied, ev)
}

func (p *Publisher) publish(subject string, ev UsageEvent) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("marshaling usage event", "error", err, "subject", subject)
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		slog.Warn("publishing usage event", "error", err, "subject", subject)
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
