package consumer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-notifier/internal/broker"
	"github.com/deliveryhero/asya/asya-notifier/internal/payload"
	"github.com/deliveryhero/asya/asya-notifier/internal/sender"
	notifiertest "github.com/deliveryhero/asya/asya-notifier/pkg/testing"
)

func runPoller(t *testing.T, p *Poller) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- p.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Error("poller did not stop")
		}
	})
	return cancel, done
}

func TestPoller_AcksDeliveredAndDropped(t *testing.T) {
	s := &mockSender{}
	s.On("Send", mock.Anything, mock.Anything).Return(sender.Outcome{Kind: sender.Delivered, StatusCode: 200})

	tr := notifiertest.NewMockTransport()
	p := NewPoller(tr, newTestProcessor(s, nil), testQueue, PollerConfig{MaxFailures: 3}, quietLogger())

	good := tr.Enqueue(testQueue, []byte(`{"numbers":["1"],"content":"hi","api_key":"k"}`))
	bad := tr.Enqueue(testQueue, []byte(`{"numbers":[],"content":"hi","api_key":"k"}`))

	runPoller(t, p)

	require.Eventually(t, func() bool { return len(tr.Acked()) == 2 }, time.Second, 5*time.Millisecond)
	acked := tr.Acked()
	assert.Equal(t, good, acked[0].ID)
	assert.Equal(t, bad, acked[1].ID)
	assert.Empty(t, tr.Nacked())
	s.AssertNumberOfCalls(t, "Send", 1)
}

func TestPoller_TransportFailureNacks(t *testing.T) {
	s := &mockSender{}
	s.On("Send", mock.Anything, mock.Anything).Return(sender.Outcome{Kind: sender.TransportFailure, StatusCode: 502}).Once()
	s.On("Send", mock.Anything, mock.Anything).Return(sender.Outcome{Kind: sender.Delivered, StatusCode: 200})

	tr := notifiertest.NewMockTransport()
	p := NewPoller(tr, newTestProcessor(s, nil), testQueue, PollerConfig{MaxFailures: 3}, quietLogger())
	id := tr.Enqueue(testQueue, []byte(`{"numbers":["1"],"content":"hi","api_key":"k"}`))

	runPoller(t, p)

	// Nacked once, redelivered, then acked
	require.Eventually(t, func() bool { return len(tr.Acked()) == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, tr.Nacked(), 1)
	assert.Equal(t, id, tr.Nacked()[0].ID)
	assert.Equal(t, id, tr.Acked()[0].ID)
}

func TestPoller_ReceiveFailuresBecomeFatal(t *testing.T) {
	tr := notifiertest.NewMockTransport()
	throttled := errors.New("throttled")
	tr.SetReceiveErr(throttled)

	p := NewPoller(tr, newTestProcessor(&mockSender{}, nil), testQueue,
		PollerConfig{MaxFailures: 3, RetryDelay: time.Millisecond}, quietLogger())

	_, done := runPoller(t, p)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, broker.ErrFatalSupervision)
		assert.ErrorIs(t, err, throttled)

		var fatal *broker.FatalError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, 3, fatal.Attempts)
	case <-time.After(time.Second):
		t.Fatal("expected fatal error")
	}
}

func TestPoller_StopsOnCancel(t *testing.T) {
	tr := notifiertest.NewMockTransport()
	p := NewPoller(tr, newTestProcessor(&mockSender{}, nil), testQueue, PollerConfig{}, quietLogger())

	cancel, done := runPoller(t, p)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_OpenBreakerBoundsRequeueRate(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := sender.NewClient(sender.Config{
		BaseURL:            server.URL,
		Path:               "/send-message",
		Timeout:            time.Second,
		BreakerMaxFailures: 2,
		BreakerOpenTimeout: time.Minute,
	})
	processor := NewProcessor(payload.NewValidator(""), client, testQueue,
		WithLogger(quietLogger()),
		WithUnavailableBackoff(50*time.Millisecond))

	tr := notifiertest.NewMockTransport()
	tr.Enqueue(testQueue, []byte(`{"numbers":["1"],"content":"hi","api_key":"k"}`))

	cancel, done := runPoller(t, NewPoller(tr, processor, testQueue, PollerConfig{MaxFailures: 3}, quietLogger()))
	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	// Two real calls trip the breaker; afterwards each redelivery is held for the backoff
	assert.Equal(t, int32(2), calls.Load())
	requeues := len(tr.Nacked())
	assert.GreaterOrEqual(t, requeues, 3)
	assert.LessOrEqual(t, requeues, 12)
	assert.Empty(t, tr.Acked())
}

// unavailableSender reports every send as short-circuited and signals each call
type unavailableSender struct {
	sent chan struct{}
}

func (s unavailableSender) Send(context.Context, payload.Notification) sender.Outcome {
	select {
	case s.sent <- struct{}{}:
	default:
	}
	return sender.Outcome{Kind: sender.TransportFailure, Err: sender.ErrUnavailable}
}

func TestPoller_ShutdownCutsBackoffShort(t *testing.T) {
	s := unavailableSender{sent: make(chan struct{}, 1)}

	processor := NewProcessor(payload.NewValidator(""), s, testQueue,
		WithLogger(quietLogger()),
		WithUnavailableBackoff(time.Minute))

	tr := notifiertest.NewMockTransport()
	id := tr.Enqueue(testQueue, []byte(`{"numbers":["1"],"content":"hi","api_key":"k"}`))

	cancel, done := runPoller(t, NewPoller(tr, processor, testQueue, PollerConfig{}, quietLogger()))
	select {
	case <-s.sent:
	case <-time.After(time.Second):
		t.Fatal("message was never sent")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller stayed in backoff after cancel")
	}
	require.Len(t, tr.Nacked(), 1)
	assert.Equal(t, id, tr.Nacked()[0].ID)
}
