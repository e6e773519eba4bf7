package relay

import "errors"

// Upstream failures are distinguished internally for diagnostics and
// status mapping; their bodies are logged, never surfaced to callers.
var (
	// ErrUpstreamAuth means the upstream rejected our credentials (401/403).
	ErrUpstreamAuth = errors.New("upstream authentication failed")
	// ErrUpstreamBusy means the upstream rate-limited us (429).
	ErrUpstreamBusy = errors.New("upstream rate limited")
	// ErrUpstreamUnavailable covers upstream 5xx responses.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamFailed covers any other non-2xx response.
	ErrUpstreamFailed = errors.New("upstream request failed")
	// ErrTimeout means the overall relay deadline elapsed.
	ErrTimeout = errors.New("upstream request timed out")
)
