package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"finitefield.org/market-web/internal/checkout"
	"finitefield.org/market-web/internal/middleware"
	"finitefield.org/market-web/internal/payments"
	"finitefield.org/market-web/internal/platform/config"
	"finitefield.org/market-web/internal/platform/events"
	"finitefield.org/market-web/internal/platform/observability"
	"finitefield.org/market-web/internal/platform/secrets"
)

const draftSweepInterval = 10 * time.Minute

func main() {
	ctx := context.Background()

	lookup, err := config.Lookup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment: %v\n", err)
		os.Exit(1)
	}
	level, _ := lookup("LOG_LEVEL")
	baseLogger, err := observability.NewLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("web")

	var loadOpts []config.Option
	if project := secretProjectID(lookup); project != "" {
		resolver, err := secrets.NewResolver(ctx, project, []secrets.Option{secrets.WithLogger(logger.Named("secrets"))})
		if err != nil {
			logger.Fatal("failed to initialise secret resolver", zap.Error(err))
		}
		defer func() {
			if err := resolver.Close(); err != nil {
				logger.Warn("secret resolver close error", zap.Error(err))
			}
		}()
		loadOpts = append(loadOpts, config.WithSecretResolver(resolver))
	}

	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	publisher, closePublisher, err := newPublisher(ctx, cfg.Events)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	defer closePublisher()

	sessions, err := middleware.NewSessionManager(middleware.SessionConfig{
		CookieName: cfg.Session.CookieName,
		HashKey:    cfg.Session.HashKey,
		Secure:     cfg.Session.Secure,
		TTL:        cfg.Session.TTL,
	}, logger.Named("session"))
	if err != nil {
		logger.Fatal("failed to initialise sessions", zap.Error(err))
	}

	if cfg.Backend.BaseURL == "" {
		logger.Warn("MARKET_WEB_API_BASE_URL not set; serving the in-memory demo catalog")
	}
	client := checkout.NewClient(cfg.Backend.BaseURL,
		checkout.WithTimeout(cfg.Backend.Timeout),
		checkout.WithTokenSource(checkout.TokenSourceFunc(middleware.SessionToken)),
	)

	eventLogger := observability.EventLogger(logger)
	submitter, err := checkout.NewSubmitter(checkout.SubmitterDeps{
		Orders: client,
		Events: publisher,
		Logger: eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise submitter", zap.Error(err))
	}

	verifier, err := payments.NewManager(payments.ManagerDeps{
		Verifiers: map[string]payments.Verifier{
			payments.ProviderGateway: payments.NewGatewaySignatureVerifier(cfg.Payments.GatewaySecret),
			payments.ProviderStripe:  payments.NewStripeSignatureVerifier(cfg.Payments.StripeWebhookSecret),
		},
		Logger: eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment verifiers", zap.Error(err))
	}

	drafts := checkout.NewMemoryDraftStore(cfg.Session.DraftTTL)
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		ticker := time.NewTicker(draftSweepInterval)
		defer ticker.Stop()
		sweepLogger := logger.Named("drafts")
		for {
			select {
			case <-ticker.C:
				if removed := drafts.Sweep(); removed > 0 {
					sweepLogger.Info("expired drafts removed", zap.Int("count", removed))
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	router := newRouter(routerDeps{
		Logger:          logger.Named("http"),
		TraceProjectID:  cfg.Trace.ProjectID,
		Sessions:        sessions,
		SecureCookies:   cfg.Session.Secure,
		Backend:         client,
		Submitter:       submitter,
		Drafts:          drafts,
		Verifier:        verifier,
		Events:          publisher,
		DisplayCurrency: cfg.DisplayCurrency,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", httpServer.Addr), zap.String("env", cfg.Environment))
	go func() {
		serverLogger.Info("market web listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func secretProjectID(lookup func(string) (string, bool)) string {
	for _, key := range []string{"MARKET_WEB_SECRET_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"} {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// newPublisher returns a Pub/Sub publisher, or a no-op one when no project is configured.
func newPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, func(), error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return events.NopPublisher{}, func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	topic := client.Topic(cfg.Topic)
	publisher, err := events.NewPubSubPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return publisher, func() {
		topic.Stop()
		_ = client.Close()
	}, nil
}
