package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/deliveryhero/asya/asya-notifier/internal/payload"
)

var testNotification = payload.Notification{
	Numbers: []string{"628123", "628456"},
	Content: "hi",
	APIKey:  "k",
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL: serverURL,
		Path:    "/send-message",
		Timeout: 2 * time.Second,
	})
}

func TestNewClient_Endpoint(t *testing.T) {
	tests := []struct {
		baseURL string
		path    string
		want    string
	}{
		{"http://api:3000", "/send-message", "http://api:3000/send-message"},
		{"http://api:3000/", "/send-message", "http://api:3000/send-message"},
		{"http://api:3000/v1", "messages", "http://api:3000/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			c := NewClient(Config{BaseURL: tt.baseURL, Path: tt.path})
			if c.Endpoint() != tt.want {
				t.Errorf("Endpoint() = %q, want %q", c.Endpoint(), tt.want)
			}
		})
	}
}

func TestSend_Delivered(t *testing.T) {
	var received sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %v, want POST", r.Method)
		}
		if r.URL.Path != "/send-message" {
			t.Errorf("Path = %v, want /send-message", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %v, want application/json", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("x-api-key = %v, want k", r.Header.Get("x-api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	out := newTestClient(t, server.URL).Send(context.Background(), testNotification)

	if out.Kind != Delivered {
		t.Fatalf("Kind = %v, want delivered (err=%v)", out.Kind, out.Err)
	}
	if string(out.Response) != `{"success":true}` {
		t.Errorf("Response = %s", out.Response)
	}
	if len(received.Numbers) != 2 || received.Numbers[0] != "628123" || received.Content != "hi" {
		t.Errorf("unexpected request body: %+v", received)
	}
}

func TestSend_DeliveredNonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))
	defer server.Close()

	out := newTestClient(t, server.URL).Send(context.Background(), testNotification)

	if out.Kind != Delivered {
		t.Fatalf("Kind = %v, want delivered", out.Kind)
	}
	if out.Response != nil {
		t.Errorf("Response = %s, want nil for non-JSON body", out.Response)
	}
}

func TestSend_Classification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   OutcomeKind
		wantDetail string
	}{
		{"bad request", http.StatusBadRequest, `{"message":"invalid number"}`, Rejected, "invalid number"},
		{"unauthorized", http.StatusUnauthorized, `{"error":"Unauthorized","message":"bad api key"}`, Rejected, "Unauthorized: bad api key"},
		{"unprocessable plain text", http.StatusUnprocessableEntity, "content too long", Rejected, "content too long"},
		{"request timeout", http.StatusRequestTimeout, "", TransportFailure, ""},
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, TransportFailure, "slow down"},
		{"internal error", http.StatusInternalServerError, `{"message":"db down"}`, TransportFailure, "db down"},
		{"bad gateway", http.StatusBadGateway, "", TransportFailure, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			out := newTestClient(t, server.URL).Send(context.Background(), testNotification)

			if out.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", out.Kind, tt.wantKind)
			}
			if out.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", out.StatusCode, tt.status)
			}
			if out.Detail != tt.wantDetail {
				t.Errorf("Detail = %q, want %q", out.Detail, tt.wantDetail)
			}
			if out.Err == nil {
				t.Error("Err is nil for a failed outcome")
			}
		})
	}
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: server.URL, Path: "/send-message", Timeout: 100 * time.Millisecond})
	out := c.Send(context.Background(), testNotification)

	if out.Kind != TransportFailure {
		t.Fatalf("Kind = %v, want transport_failure", out.Kind)
	}
	if out.Err == nil {
		t.Error("Err is nil on timeout")
	}
}

func TestSend_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	out := newTestClient(t, url).Send(context.Background(), testNotification)

	if out.Kind != TransportFailure {
		t.Fatalf("Kind = %v, want transport_failure", out.Kind)
	}
}

func TestSend_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "test-breaker",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})
	c := NewClient(Config{BaseURL: server.URL, Path: "/send-message", Timeout: time.Second}, WithBreaker(cb))

	for i := 0; i < 2; i++ {
		if out := c.Send(context.Background(), testNotification); out.Kind != TransportFailure {
			t.Fatalf("call %d: Kind = %v, want transport_failure", i, out.Kind)
		}
	}

	out := c.Send(context.Background(), testNotification)
	if out.Kind != TransportFailure {
		t.Fatalf("Kind = %v, want transport_failure while breaker is open", out.Kind)
	}
	if !errors.Is(out.Err, gobreaker.ErrOpenState) {
		t.Errorf("Err = %v, want gobreaker.ErrOpenState", out.Err)
	}
	if !errors.Is(out.Err, ErrUnavailable) {
		t.Errorf("Err = %v, want ErrUnavailable", out.Err)
	}
	if calls.Load() != 2 {
		t.Errorf("server received %d calls, want 2 (third must be short-circuited)", calls.Load())
	}
}

func TestSend_RejectionDoesNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Path: "/", Timeout: time.Second, BreakerMaxFailures: 1})

	for i := 0; i < 3; i++ {
		out := c.Send(context.Background(), testNotification)
		if out.Kind != Rejected {
			t.Fatalf("call %d: Kind = %v, want rejected", i, out.Kind)
		}
	}
}

func TestOutcomeKind_String(t *testing.T) {
	tests := map[OutcomeKind]string{
		Delivered:        "delivered",
		Rejected:         "rejected",
		TransportFailure: "transport_failure",
		OutcomeKind(0):   "unknown",
	}
	for kind, want := range tests {
		if kind.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(kind), kind.String(), want)
		}
	}
}

func TestExtractDetail_Truncates(t *testing.T) {
	long := make([]byte, 2*maxDetailLen)
	for i := range long {
		long[i] = 'x'
	}
	if got := extractDetail(long); len(got) != maxDetailLen {
		t.Errorf("len(detail) = %d, want %d", len(got), maxDetailLen)
	}
}
