package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists usage records in the ai_usage table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, identity string) (*UsageRecord, error) {
	var rec UsageRecord
	var tier string
	err := s.pool.QueryRow(ctx,
		`SELECT identity, used_total, used_today, tier, last_reset_at, created_at
		 FROM ai_usage WHERE identity = $1`, identity,
	).Scan(&rec.Identity, &rec.UsedTotal, &rec.UsedToday, &tier, &rec.LastResetAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching usage record: %w", err)
	}
	rec.Tier = ParseTier(tier)
	return &rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_usage (identity, used_total, used_today, tier, last_reset_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (identity) DO NOTHING`,
		rec.Identity, rec.UsedTotal, rec.UsedToday, string(rec.Tier), rec.LastResetAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetDaily(ctx context.Context, identity string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ai_usage
		 SET used_today = 0,
		     last_reset_at = $2,
		     updated_at = NOW()
		 WHERE identity = $1`, identity, now)
	if err != nil {
		return fmt.Errorf("resetting daily counter: %w", err)
	}
	return nil
}

func (s *PostgresStore) Increment(ctx context.Context, identity string, includeToday bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ai_usage
		 SET used_total = used_total + 1,
		     used_today = used_today + CASE WHEN $2 THEN 1 ELSE 0 END,
		     updated_at = NOW()
		 WHERE identity = $1`, identity, includeToday)
	if err != nil {
		return fmt.Errorf("incrementing usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordViolation(ctx context.Context, identity, reason string) error {
	entry := map[string]any{
		"reason":    reason,
		"timestamp": time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling violation: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE ai_usage
		 SET violations = violations || $2::jsonb,
		     updated_at = NOW()
		 WHERE identity = $1`, identity, string(data))
	if err != nil {
		return fmt.Errorf("recording violation: %w", err)
	}
	return nil
}
