// Command notifier consumes "send message" requests from a queue and delivers
// them to the notification HTTP API.
//
// Startup:
//  1. Load configuration from the environment (exit 1 on error).
//  2. Set up structured logging and the health (and optional metrics) server.
//  3. Build the validator, API client and message processor.
//  4. For RabbitMQ: wait for the broker, start the connection supervisor and
//     consume under it. For SQS: long-poll the queue.
//  5. Block until SIGINT/SIGTERM (graceful shutdown, exit 0) or an
//     unrecoverable broker failure (exit 1).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deliveryhero/asya/asya-notifier/internal/broker"
	"github.com/deliveryhero/asya/asya-notifier/internal/config"
	"github.com/deliveryhero/asya/asya-notifier/internal/consumer"
	"github.com/deliveryhero/asya/asya-notifier/internal/logging"
	"github.com/deliveryhero/asya/asya-notifier/internal/metrics"
	"github.com/deliveryhero/asya/asya-notifier/internal/payload"
	"github.com/deliveryhero/asya/asya-notifier/internal/sender"
	"github.com/deliveryhero/asya/asya-notifier/internal/supervisor"
	"github.com/deliveryhero/asya/asya-notifier/internal/transport"
)

const (
	connectionName    = "asya-notifier"
	brokerPollPeriod  = 500 * time.Millisecond
	brokerDialTimeout = 2 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	logger, closeLogs := logging.Setup(cfg.Logging())
	defer closeLogs()

	logger.Info("Starting notifier",
		"transport", cfg.Transport,
		"queue", cfg.QueueName,
		"api_url", cfg.NotifyAPIURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.NewMetrics("asya_notifier")
	}

	client := sender.NewClient(sender.Config{
		BaseURL:            cfg.NotifyAPIURL,
		Path:               cfg.NotifyAPIPath,
		Timeout:            cfg.NotifyTimeout,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
		UserAgent:          connectionName,
	})
	logger.Info("Notification API client ready", "endpoint", client.Endpoint())

	processor := consumer.NewProcessor(
		payload.NewValidator(cfg.NotifyAPIKey),
		client,
		cfg.QueueName,
		consumer.WithMetrics(m),
		consumer.WithLogger(logger),
		consumer.WithTransportName(cfg.Transport),
		consumer.WithUnavailableBackoff(min(cfg.ReconnectDelay, cfg.BreakerOpenTimeout)),
	)

	if cfg.Transport == config.TransportSQS {
		return runSQS(ctx, cfg, processor, m, logger)
	}
	return runRabbitMQ(ctx, cfg, processor, m, logger)
}

func runRabbitMQ(ctx context.Context, cfg *config.Config, processor *consumer.Processor, m *metrics.Metrics, logger *slog.Logger) int {
	addr, err := broker.Address(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("Invalid broker URL", "url", cfg.RedactedBrokerURL(), "error", err)
		return 1
	}

	if cfg.BrokerWaitTimeout > 0 {
		logger.Info("Waiting for broker", "url", cfg.RedactedBrokerURL(), "timeout", cfg.BrokerWaitTimeout)
		if err := waitForBroker(ctx, addr, cfg.BrokerWaitTimeout); err != nil {
			if ctx.Err() != nil {
				logger.Info("Shutdown requested while waiting for broker")
				return 0
			}
			// The supervisor keeps retrying, so this is not fatal on its own
			logger.Warn("Broker not reachable yet", "address", addr, "error", err)
		}
	}

	sup := supervisor.New(broker.NewAMQPDialer(connectionName), supervisor.Config{
		URL:            cfg.RabbitMQURL,
		Queue:          cfg.QueueName,
		Prefetch:       cfg.Prefetch,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		ReconnectDelay: cfg.ReconnectDelay,
		HealthInterval: cfg.HealthCheckInterval,
		ShutdownGrace:  cfg.ShutdownGrace,
	}, supervisor.WithLogger(logger), supervisor.WithMetrics(m))

	cons := consumer.New(sup, processor, cfg.QueueName, logger)
	sup.OnConnected(cons.StartConsuming)

	srv := startHTTPServer(cfg.MetricsAddr, m, sup.IsConnected, logger)
	defer stopHTTPServer(srv, logger)

	if err := sup.Start(ctx); err != nil {
		logger.Error("Failed to start broker supervisor", "error", err)
		_ = sup.Close()
		return 1
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		if err := sup.Shutdown(context.Background()); err != nil {
			logger.Warn("Broker connection closed with errors", "error", err)
		}
		cons.Wait()
		logger.Info("Notifier stopped")
		return 0

	case err := <-sup.Fatal():
		logger.Error("Broker connection could not be restored", "error", err)
		_ = sup.Close()
		return 1
	}
}

func runSQS(ctx context.Context, cfg *config.Config, processor *consumer.Processor, m *metrics.Metrics, logger *slog.Logger) int {
	tr, err := transport.NewSQSTransport(ctx, transport.SQSConfig{
		Region:            cfg.SQSRegion,
		Endpoint:          cfg.SQSEndpoint,
		VisibilityTimeout: cfg.SQSVisibilityTimeout,
		WaitTimeSeconds:   cfg.SQSWaitTimeSeconds,
	})
	if err != nil {
		logger.Error("Failed to create SQS transport", "error", err)
		return 1
	}
	defer func() { _ = tr.Close() }()

	srv := startHTTPServer(cfg.MetricsAddr, m, func() bool { return true }, logger)
	defer stopHTTPServer(srv, logger)

	poller := consumer.NewPoller(tr, processor, cfg.QueueName, consumer.PollerConfig{
		MaxFailures: cfg.ReconnectMaxAttempts,
		RetryDelay:  cfg.ReconnectDelay,
	}, logger)

	if err := poller.Run(ctx); err != nil {
		logger.Error("SQS polling failed", "error", err)
		return 1
	}

	logger.Info("Notifier stopped")
	return 0
}

// waitForBroker polls addr until it accepts TCP connections or timeout elapses
func waitForBroker(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(brokerPollPeriod)
	defer ticker.Stop()

	for {
		err := verifyBrokerConnection(ctx, addr)
		if err == nil {
			slog.Info("Broker is reachable", "address", addr)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("broker at %s not reachable within %v: %w", addr, timeout, err)
		case <-ticker.C:
			slog.Debug("Broker not reachable yet", "address", addr, "error", err)
		}
	}
}

// verifyBrokerConnection checks that something is listening on addr
func verifyBrokerConnection(ctx context.Context, addr string) error {
	dialer := &net.Dialer{Timeout: brokerDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	_ = conn.Close()
	return nil
}

// newServeMux always serves /healthz; /metrics only when metrics are enabled
func newServeMux(m *metrics.Metrics, healthy func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(healthy))
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	return mux
}

func startHTTPServer(addr string, m *metrics.Metrics, healthy func() bool, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newServeMux(m, healthy),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "address", addr, "metrics", m != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return srv
}

func stopHTTPServer(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Failed to stop HTTP server", "error", err)
	}
}

// healthHandler answers 200 while healthy reports true, 503 otherwise
func healthHandler(healthy func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("broker disconnected\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}
}
