package quota

import (
	"context"
	"sync"
	"time"
)

// Store persists usage records. Implementations must make each method
// atomic on its own; the engine serializes the read-evaluate-reserve
// sequence per identity above this layer.
type Store interface {
	// Get returns the record for the identity, or nil when absent.
	Get(ctx context.Context, identity string) (*UsageRecord, error)
	// Create inserts a new record. Inserting an existing identity is a no-op.
	Create(ctx context.Context, rec *UsageRecord) error
	// ResetDaily zeroes the daily counter and stamps the reset time.
	ResetDaily(ctx context.Context, identity string, now time.Time) error
	// Increment adds one successful completion, to the daily counter too
	// when includeToday is set.
	Increment(ctx context.Context, identity string, includeToday bool) error
	// RecordViolation appends a denial entry to the identity's audit trail.
	RecordViolation(ctx context.Context, identity, reason string) error
}

// MemoryStore is a mutex-guarded in-process Store. It backs tests and the
// zero-dependency deployment mode; counters do not survive a restart.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]*UsageRecord
	violations map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*UsageRecord),
		violations: make(map[string][]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, identity string) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) Create(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.Identity]; ok {
		return nil
	}
	clone := *rec
	s.records[rec.Identity] = &clone
	return nil
}

func (s *MemoryStore) ResetDaily(_ context.Context, identity string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[identity]; ok {
		rec.UsedToday = 0
		rec.LastResetAt = now
	}
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, identity string, includeToday bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[identity]; ok {
		rec.UsedTotal++
		if includeToday {
			rec.UsedToday++
		}
	}
	return nil
}

func (s *MemoryStore) RecordViolation(_ context.Context, identity, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.violations[identity] = append(s.violations[identity], reason)
	return nil
}
