package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/finly-app/gateway/internal/config"
	"github.com/finly-app/gateway/internal/metrics"
)

// Engine decides whether an identity may consume the upstream model.
//
// Two concurrent requests from one identity must not both slip past a cap
// boundary, so Admit serializes the fetch-reset-evaluate sequence per
// identity and counts admitted-but-uncommitted requests as in-flight
// reservations. A reservation is settled by Lease.Commit after a
// successful relay, or dropped by Lease.Release on failure.
type Engine struct {
	store Store
	cfg   config.QuotaConfig

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

type inflightEntry struct {
	gate    sync.Mutex // serializes same-identity admissions across store I/O
	total   int
	today   int
	holders int
}

func NewEngine(store Store, cfg config.QuotaConfig) *Engine {
	return &Engine{
		store:    store,
		cfg:      cfg,
		inflight: make(map[string]*inflightEntry),
	}
}

// Lease is an admitted slot awaiting its outcome.
type Lease struct {
	engine   *Engine
	identity string
	tier     Tier
	done     bool
}

// Admit fetches (creating lazily) the identity's usage record, applies the
// daily reset if stale, and evaluates the tier rules. On success the
// returned lease holds a reservation against the identity's caps.
func (e *Engine) Admit(ctx context.Context, identity string, now time.Time) (*Lease, error) {
	ent := e.acquire(identity)
	ent.gate.Lock()

	rec, err := e.loadOrCreate(ctx, identity, now)
	if err != nil {
		ent.gate.Unlock()
		e.releaseHolder(identity, ent)
		return nil, err
	}

	if err := e.resetDailyIfStale(ctx, rec, now); err != nil {
		ent.gate.Unlock()
		e.releaseHolder(identity, ent)
		return nil, err
	}

	e.mu.Lock()
	resTotal, resToday := ent.total, ent.today
	e.mu.Unlock()

	if reason, ok := e.evaluate(rec, resTotal, resToday, now); !ok {
		ent.gate.Unlock()
		e.releaseHolder(identity, ent)

		metrics.QuotaDenialsTotal.WithLabelValues(string(reason)).Inc()
		if err := e.store.RecordViolation(ctx, identity, string(reason)); err != nil {
			slog.Warn("quota: recording violation failed", "error", err, "identity", identity)
		}
		return nil, &DenyError{Reason: reason}
	}

	e.mu.Lock()
	ent.total++
	if rec.Tier.CountsDaily() {
		ent.today++
	}
	e.mu.Unlock()
	ent.gate.Unlock()

	return &Lease{engine: e, identity: identity, tier: rec.Tier}, nil
}

// Commit converts the lease's reservation into a durable usage increment.
// The daily counter moves only for tiers with a daily quota window.
func (l *Lease) Commit(ctx context.Context) error {
	if l.done {
		return nil
	}
	err := l.engine.store.Increment(ctx, l.identity, l.tier.CountsDaily())
	l.engine.settle(l)
	if err != nil {
		return fmt.Errorf("committing usage: %w", err)
	}
	return nil
}

// Release drops the reservation without counting usage. Used when the
// relay fails after admission.
func (l *Lease) Release() {
	l.engine.settle(l)
}

// Tier is the subscription tier the lease was admitted under.
func (l *Lease) Tier() Tier {
	return l.tier
}

// Describe returns the identity's record with the daily reset applied,
// creating the record lazily like Admit does.
func (e *Engine) Describe(ctx context.Context, identity string, now time.Time) (*UsageRecord, error) {
	ent := e.acquire(identity)
	ent.gate.Lock()
	defer func() {
		ent.gate.Unlock()
		e.releaseHolder(identity, ent)
	}()

	rec, err := e.loadOrCreate(ctx, identity, now)
	if err != nil {
		return nil, err
	}
	if err := e.resetDailyIfStale(ctx, rec, now); err != nil {
		return nil, err
	}
	return rec, nil
}

// Limits exposes the configured caps for status reporting.
func (e *Engine) Limits() config.QuotaConfig {
	return e.cfg
}

func (e *Engine) loadOrCreate(ctx context.Context, identity string, now time.Time) (*UsageRecord, error) {
	rec, err := e.store.Get(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("loading usage record: %w", err)
	}
	if rec != nil {
		return rec, nil
	}

	// First request from this identity: counters at zero, tier trial.
	rec = &UsageRecord{
		Identity:    identity,
		Tier:        TierTrial,
		LastResetAt: now,
		CreatedAt:   now,
	}
	if err := e.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating usage record: %w", err)
	}
	return rec, nil
}

// resetDailyIfStale zeroes the daily counter when the last reset happened
// on a different UTC calendar day. The write is persisted before
// evaluation, unconditionally of the admit/deny outcome.
func (e *Engine) resetDailyIfStale(ctx context.Context, rec *UsageRecord, now time.Time) error {
	if sameUTCDay(rec.LastResetAt, now) {
		return nil
	}
	if err := e.store.ResetDaily(ctx, rec.Identity, now); err != nil {
		return fmt.Errorf("persisting daily reset: %w", err)
	}
	rec.UsedToday = 0
	rec.LastResetAt = now
	return nil
}

func (e *Engine) evaluate(rec *UsageRecord, resTotal, resToday int, now time.Time) (Reason, bool) {
	switch rec.Tier {
	case TierTrial:
		trialWindow := time.Duration(e.cfg.TrialDays) * 24 * time.Hour
		if now.Sub(rec.CreatedAt) > trialWindow {
			return ReasonTrialExpired, false
		}
		if rec.UsedTotal+resTotal >= e.cfg.TrialTotalCap {
			return ReasonTrialLimit, false
		}
	case TierMonthly, TierYearly:
		if rec.UsedToday+resToday >= e.cfg.DailyCap {
			return ReasonDailyLimit, false
		}
	default:
		return ReasonLocked, false
	}
	return "", true
}

func (e *Engine) acquire(identity string) *inflightEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.inflight[identity]
	if !ok {
		ent = &inflightEntry{}
		e.inflight[identity] = ent
	}
	ent.holders++
	return ent
}

func (e *Engine) releaseHolder(identity string, ent *inflightEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent.holders--
	if ent.holders == 0 {
		delete(e.inflight, identity)
	}
}

func (e *Engine) settle(l *Lease) {
	if l.done {
		return
	}
	l.done = true

	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.inflight[l.identity]
	if !ok {
		return
	}
	ent.total--
	if l.tier.CountsDaily() {
		ent.today--
	}
	ent.holders--
	if ent.holders == 0 {
		delete(e.inflight, l.identity)
	}
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
