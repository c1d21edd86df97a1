package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/stats"
	"qms/queue-engine/internal/telemetry"
)

const serviceName = "queue-service"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and realtime server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("port", "8080", "HTTP server port")
	serveCmd.Flags().String("redis-addr", "", "Redis address for position allocation (host:port); empty uses the item store")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers for lifecycle events; empty logs events instead")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP gRPC endpoint for tracing; empty disables tracing")

	bindFlag("port", serveCmd.Flags(), "port")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, telemetry.TracingOptions{
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
	}, logger)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutCtx)
	}()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	agg := stats.New(be.store, be.store, stats.Options{Location: cfg.Location(), Logger: logger})
	notifier := notify.New(notify.NewStoreSource(be.store), notify.Options{
		MaxPending: cfg.NotifyMaxPending,
		Logger:     logger,
	})
	defer notifier.Close()

	var sink engine.EventSink = events.LogSink{Logger: logger}
	var relay *events.Relay
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewKafkaProducer(cfg.KafkaBrokers)
		defer func() { _ = producer.Close() }()
		relay = events.NewRelay(producer, events.RelayOptions{
			Topic:      cfg.KafkaTopic,
			BufferSize: cfg.EventBufferSize,
			MaxTries:   uint(max(cfg.EventPublishMaxTries, 0)),
			Logger:     logger,
		})
		go relay.Run(relayCtx)
		sink = relay
	}

	eng := engine.New(be.store, be.allocator, notifier, agg, sink, engine.Options{
		MaxCallAttempts: cfg.CallNextMaxAttempts,
		Logger:          logger,
	})

	scheduler, err := stats.NewScheduler(agg, be.store, be.leader, cfg.StatsRebuildCron, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("schedule statistics rebuild: %w", err)
	}

	var auth *httpapi.Authenticator
	if len(cfg.OperatorTokens) > 0 {
		auth, err = httpapi.NewAuthenticator(cfg.OperatorTokens)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no operator tokens configured, operator routes are open")
	}
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		QueuePerMinute: cfg.QueueRateLimitPerMin,
		QueueBurst:     cfg.QueueRateLimitBurst,
	})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	bridge := httpapi.NewRealtimeBridge(notifier, eng, logger)
	handler := httpapi.NewHandler(eng, agg, httpapi.Options{
		Auth:     auth,
		Limiter:  limiter,
		Realtime: bridge.Handler(),
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Infof("%s listening", serviceName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	if relay != nil {
		stopRelay()
		<-relay.Done()
	}
	logger.Info("stopped")
	return nil
}
