// Package relay issues streaming completion requests against the upstream
// model API and forwards content deltas to the caller as they arrive.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/finly-app/gateway/internal/config"
	"github.com/finly-app/gateway/internal/metrics"
)

const (
	eventPrefix  = "data: "
	doneSentinel = "[DONE]"
	deltaPath    = "choices.0.delta.content"
)

// Message is one entry of the upstream message list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
	Messages    []Message `json:"messages"`
}

// Client relays streamed completions from the upstream API.
type Client struct {
	cfg        config.UpstreamConfig
	httpClient *http.Client
}

func NewClient(cfg config.UpstreamConfig) *Client {
	return &Client{
		cfg: cfg,
		// The overall deadline is enforced per request via context so a
		// caller disconnect cancels the upstream call immediately.
		httpClient: &http.Client{},
	}
}

// Stream sends the message list upstream and relays content deltas through
// onDelta as they arrive, returning the accumulated full reply on success.
// The relay ends at the [DONE] sentinel or transport end-of-stream,
// whichever comes first. Malformed frames are skipped, not fatal.
// An onDelta error (downstream gone) aborts the upstream call.
func (c *Client) Stream(ctx context.Context, messages []Message, onDelta func(string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(completionRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      true,
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("transport_error").Inc()
		return "", classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamRequestsTotal.WithLabelValues(fmt.Sprintf("status_%d", resp.StatusCode)).Inc()
		return "", classifyStatus(resp)
	}

	full, err := c.scanStream(ctx, resp.Body, onDelta)
	metrics.UpstreamRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("stream_error").Inc()
		return "", err
	}

	metrics.UpstreamRequestsTotal.WithLabelValues("ok").Inc()
	return full, nil
}

func (c *Client) scanStream(ctx context.Context, body io.Reader, onDelta func(string) error) (string, error) {
	var full strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, eventPrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, eventPrefix)
		if payload == doneSentinel {
			return full.String(), nil
		}

		// gjson returns a non-existent result on unparseable payloads,
		// so one corrupt frame never aborts the stream.
		delta := gjson.Get(payload, deltaPath)
		if !delta.Exists() || delta.String() == "" {
			continue
		}

		full.WriteString(delta.String())
		if err := onDelta(delta.String()); err != nil {
			return "", fmt.Errorf("forwarding delta: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return "", classifyTransportErr(ctx, err)
	}

	// Transport end-of-stream without the sentinel also ends the relay.
	return full.String(), nil
}

func classifyStatus(resp *http.Response) error {
	// Log the upstream body internally; it must never reach the caller.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	slog.Error("upstream error response", "status", resp.StatusCode, "body", string(raw))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUpstreamAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrUpstreamBusy
	case resp.StatusCode >= 500:
		return ErrUpstreamUnavailable
	default:
		return ErrUpstreamFailed
	}
}

func classifyTransportErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
}
