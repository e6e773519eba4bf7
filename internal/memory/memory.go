// Package memory keeps a bounded recent-turn conversation history per
// identity in Redis lists, fed back into upstream requests to preserve
// short-term context.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Turn is one side of a conversation exchange.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store manages per-identity conversation history in Redis lists.
type Store struct {
	client   redis.Cmdable
	maxTurns int
	ttl      time.Duration
}

func NewStore(client redis.Cmdable, maxTurns int, ttl time.Duration) *Store {
	return &Store{client: client, maxTurns: maxTurns, ttl: ttl}
}

func convKey(identity string) string {
	return "conv:" + identity
}

// Recent returns up to maxTurns most recent turns for the identity,
// oldest first. Malformed entries are skipped.
func (s *Store) Recent(ctx context.Context, identity string) ([]Turn, error) {
	key := convKey(identity)

	// LRANGE key -limit -1 returns the last `limit` elements
	vals, err := s.client.LRange(ctx, key, int64(-s.maxTurns), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}

	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var turn Turn
		if err := json.Unmarshal([]byte(v), &turn); err != nil {
			continue // skip malformed entries
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Append pushes a turn onto the identity's history, trims to the bound,
// and refreshes the TTL.
func (s *Store) Append(ctx context.Context, identity string, turn Turn) error {
	key := convKey(identity)

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// AppendExchange records a completed user/assistant exchange. Called only
// after a successful relay; failed requests never alter history.
func (s *Store) AppendExchange(ctx context.Context, identity, userMsg, assistantMsg string) error {
	now := time.Now()

	if err := s.Append(ctx, identity, Turn{Role: "user", Content: userMsg, Timestamp: now}); err != nil {
		return fmt.Errorf("appending user turn: %w", err)
	}
	if err := s.Append(ctx, identity, Turn{Role: "assistant", Content: assistantMsg, Timestamp: now}); err != nil {
		return fmt.Errorf("appending assistant turn: %w", err)
	}
	return nil
}

// Clear deletes the identity's conversation history.
func (s *Store) Clear(ctx context.Context, identity string) error {
	return s.client.Del(ctx, convKey(identity)).Err()
}
