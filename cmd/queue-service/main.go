package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicqueue/internal/archive"
	"clinicqueue/internal/backend"
	"clinicqueue/internal/config"
	"clinicqueue/internal/httpapi"
	"clinicqueue/internal/notify"
	"clinicqueue/internal/queue"
	"clinicqueue/internal/report"
	"clinicqueue/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	backends, err := backend.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open backends: %v", err)
	}
	defer backends.Close()

	hub := notify.New()
	defer hub.Close()

	var publisher notify.Publisher = hub
	switch cfg.ChangeFeed {
	case "local":
	case "nats":
		conn, err := notify.ConnectNATS(cfg.NATSURL, "queue-service")
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		feed := notify.NewNATSFeed(conn, hub)
		if err := feed.Start(); err != nil {
			log.Fatalf("nats subscribe: %v", err)
		}
		defer func() {
			if err := feed.Close(); err != nil {
				log.Printf("nats close error: %v", err)
			}
		}()
		publisher = feed
	case "outbox":
		poller := notify.NewOutboxPoller(backends.Outbox, hub, notify.OutboxConfig{
			BatchSize: cfg.OutboxBatchSize,
			Retention: cfg.OutboxRetention,
			Lookback:  cfg.OutboxLookback,
		})
		poller.Start(ctx, cfg.OutboxPollInterval)
		publisher = notify.Discard{}
	default:
		log.Fatalf("unknown CHANGE_FEED %q", cfg.ChangeFeed)
	}

	if cfg.PubNubEnabled() {
		pn := notify.NewPubNubClient(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, "queue-service")
		notify.NewPubNubForwarder(pn, cfg.PubNubChannel).Attach(hub)
		log.Printf("forwarding changes to pubnub channel %s", cfg.PubNubChannel)
	}

	service := queue.NewService(backends.Queue, publisher, queue.Options{
		Location:        cfg.Location(),
		ConflictRetries: cfg.ConflictRetries,
	})
	if _, err := service.Settings(ctx); err != nil {
		log.Printf("load settings: %v", err)
	}

	archiver := archive.New(backends.Queue, backends.Archive, archive.Config{
		BatchSize: cfg.ArchiveBatchSize,
		Location:  cfg.Location(),
	})
	if cfg.ArchiveInterval > 0 {
		go archive.Start(ctx, cfg.ArchiveInterval, archiver)
	}

	handler := httpapi.NewHandler(service, httpapi.Options{
		Reports:  report.NewReporter(backends.Queue, backends.Archive),
		Archiver: archiver,
		Hub:      hub,
		Auth:     httpapi.NewAuthenticator(cfg.StaffJWTSecret),
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	// No WriteTimeout: /realtime and /api/changes/stream hold responses open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(httpapi.RequestIDMiddleware(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes()))), "queue-service"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("queue-service listening on %s store=%s feed=%s archive=%s", server.Addr, cfg.StoreBackend, cfg.ChangeFeed, cfg.ArchiveBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
