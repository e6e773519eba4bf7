package quota

import "time"

// Tier is the subscription class governing quota policy.
type Tier string

const (
	TierTrial   Tier = "trial"
	TierMonthly Tier = "monthly"
	TierYearly  Tier = "yearly"
	TierNone    Tier = "none"
)

// ParseTier maps a stored tier string to a Tier. Unknown values are
// treated as none, which the engine denies unconditionally.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierTrial, TierMonthly, TierYearly:
		return Tier(s)
	default:
		return TierNone
	}
}

// CountsDaily reports whether the tier's quota window is the daily counter.
// Trial tracks lifetime usage only.
func (t Tier) CountsDaily() bool {
	return t == TierMonthly || t == TierYearly
}

// UsageRecord is the per-identity consumption record, the single source
// of truth for quota decisions.
type UsageRecord struct {
	Identity    string    `json:"identity"`
	UsedTotal   int       `json:"used_total"`
	UsedToday   int       `json:"used_today"`
	Tier        Tier      `json:"tier"`
	LastResetAt time.Time `json:"last_reset_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reason is the tier-specific rule that triggered a denial.
type Reason string

const (
	ReasonLocked       Reason = "locked"
	ReasonTrialExpired Reason = "trial_expired"
	ReasonTrialLimit   Reason = "trial_limit"
	ReasonDailyLimit   Reason = "daily_limit"
)

// DenyError is returned by the engine when a request is not admitted.
type DenyError struct {
	Reason Reason
}

func (e *DenyError) Error() string {
	return "quota denied: " + string(e.Reason)
}

// Status is the API response showing current usage against the caller's limits.
type Status struct {
	Tier          Tier      `json:"tier"`
	UsedTotal     int       `json:"used_total"`
	UsedToday     int       `json:"used_today"`
	TrialTotalCap int       `json:"trial_total_cap"`
	DailyCap      int       `json:"daily_cap"`
	TrialEndsAt   time.Time `json:"trial_ends_at,omitzero"`
	WindowUsed    int       `json:"window_used"`
	WindowMax     int       `json:"window_max"`
}
