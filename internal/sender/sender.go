package sender

import (
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

	"github.com/sony/gobreaker/v2"

	"github.com/deliveryhero/asya/asya-notifier/internal/payload"
)

// OutcomeKind classifies a send attempt
type OutcomeKind int

const (
	// Delivered means the API accepted the request (2xx)
	Delivered OutcomeKind = iota + 1
	// Rejected means the API refused the request as invalid (4xx); retrying will not help
	Rejected
	// TransportFailure covers network errors, timeouts, 408/429 and 5xx; may succeed later
	TransportFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case TransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of a single call to the notification API
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Response   json.RawMessage // decoded response body on Delivered, when it is JSON
	Detail     string          // remote error detail on Rejected or TransportFailure with a response
	Err        error
}

// ErrUnavailable marks a send short-circuited by the open circuit breaker; no HTTP call was made
var ErrUnavailable = errors.New("notification API unavailable")

const (
	maxResponseBytes = 1 << 20
	maxDetailLen     = 500
)

// sendRequest is the body posted to the notification API
type sendRequest struct {
	Numbers []string `json:"numbers"`
	Content string   `json:"content"`
}

// Config configures the client
type Config struct {
	BaseURL            string
	Path               string
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	UserAgent          string
}

// Client posts validated notifications to the notification API.
// It performs exactly one HTTP call per Send and never retries.
type Client struct {
	endpoint   string
	timeout    time.Duration
	userAgent  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBreaker replaces the default circuit breaker
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// NewClient creates a notification API client
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}

	c := &Client{
		endpoint:  strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}

	maxFailures := cfg.BreakerMaxFailures
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "notification-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint returns the full URL notifications are posted to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send posts n to the notification API and classifies the result
func (c *Client) Send(ctx context.Context, n payload.Notification) Outcome {
	body, err := json.Marshal(sendRequest{Numbers: n.Numbers, Content: n.Content})
	if err != nil {
		return Outcome{Kind: TransportFailure, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: TransportFailure, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", n.APIKey)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if isRetryableStatus(r.StatusCode) {
			return r, fmt.Errorf("notification API returned %d", r.StatusCode)
		}
		return r, nil
	})

	if err != nil {
		if resp == nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return Outcome{Kind: TransportFailure, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
			}
			return Outcome{Kind: TransportFailure, Err: fmt.Errorf("failed to call notification API: %w", err)}
		}

		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return Outcome{
			Kind:       TransportFailure,
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(data),
			Err:        err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{
			Kind:       TransportFailure,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to read response body: %w", err),
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out := Outcome{Kind: Delivered, StatusCode: resp.StatusCode}
		if json.Valid(data) {
			out.Response = json.RawMessage(data)
		}
		return out
	}

	return Outcome{
		Kind:       Rejected,
		StatusCode: resp.StatusCode,
		Detail:     extractDetail(data),
		Err:        fmt.Errorf("notification API rejected request with status %d", resp.StatusCode),
	}
}

// isRetryableStatus reports statuses that may succeed on another delivery attempt
func isRetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// extractDetail pulls a human-readable error out of a response body
func extractDetail(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.Message != "" && body.Error != "":
			return body.Error + ": " + body.Message
		case body.Message != "":
			return body.Message
		case body.Error != "":
			return body.Error
		}
	}

	detail := strings.TrimSpace(string(data))
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	return detail
}
