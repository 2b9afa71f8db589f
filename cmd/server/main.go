// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command server boots the claims intake and dispatch pipeline: it
// wires together credential resolution, rate limiting, idempotency,
// capability URL issuance, the durable session queue, the ordered
// worker pools, the webhook dispatcher, the blob-event reactor, and
// the HTTP gateway, then runs them under a supervision tree until an
// interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/claimsplatform/intake/internal/apierr"
	"github.com/claimsplatform/intake/internal/authz"
	"github.com/claimsplatform/intake/internal/capability"
	"github.com/claimsplatform/intake/internal/config"
	"github.com/claimsplatform/intake/internal/credstore"
	"github.com/claimsplatform/intake/internal/gateway"
	"github.com/claimsplatform/intake/internal/health"
	"github.com/claimsplatform/intake/internal/idempotency"
	"github.com/claimsplatform/intake/internal/logging"
	"github.com/claimsplatform/intake/internal/queue"
	"github.com/claimsplatform/intake/internal/ratelimit"
	"github.com/claimsplatform/intake/internal/reactor"
	"github.com/claimsplatform/intake/internal/store"
	"github.com/claimsplatform/intake/internal/supervisor"
	"github.com/claimsplatform/intake/internal/webhook"
	"github.com/claimsplatform/intake/internal/worker"
)

// memorySentinel selects the in-process implementation of a backing
// store instead of dialing a real one, for local development and
// single-instance deployments that don't need durability.
const memorySentinel = "memory"

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.Logger()
	log.Info().Str("environment", cfg.Environment).Msg("starting claims intake plane")

	submissionStore, credentialStore, capabilityStore, pendingLister, deliveryStore, closeStore, err := buildStores(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open relational store")
	}
	defer closeStore()

	rateLimitStore, closeRateLimit, err := buildRateLimitStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open rate limit store")
	}
	defer closeRateLimit()

	q, closeQueue, err := buildQueue(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable session queue")
	}
	defer closeQueue()

	enforcer, err := authz.NewEnforcer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load authorization policy")
	}

	credentials := credstore.New(credentialStore, cfg.Security.CredentialPrefix)
	limiter := ratelimit.New(rateLimitStore)
	idem := idempotency.New(idempotency.DefaultWindow)
	objectStore := capability.NewMemoryObjectStore(cfg.ObjectStore.URL)
	issuer := capability.New(capabilityStore, objectStore, capability.DefaultTTL)
	dispatcher := webhook.NewDispatcher(&http.Client{Timeout: 10 * time.Second}, cfg.WebhookSecretFor, cfg.WebhookURLFor, deliveryStore, q)

	queueTopics := []queue.Topic{queue.TopicDemographicsFIFO, queue.TopicWebhooksFIFO, queue.TopicDocuments, queue.TopicDeadLetter}

	checker := health.NewChecker(
		health.Dependency{Name: "queue", Check: func(ctx context.Context) error {
			_, err := q.Stats(ctx, queue.TopicDemographicsFIFO)
			return err
		}},
		health.Dependency{Name: "rate_limit_store", Check: rateLimitStore.Ping},
		health.Dependency{Name: "credential_store", Check: func(ctx context.Context) error {
			_, err := credentialStore.ListCredentialsByTenant(ctx, "")
			return err
		}},
	)

	gw := &gateway.Gateway{
		Credentials:          credentials,
		Idempotency:          idem,
		Capability:           issuer,
		Queue:                q,
		Submissions:          submissionStore,
		Health:               checker,
		QueueTopics:          queueTopics,
		AdminBootstrapSecret: cfg.Security.AdminBootstrapJWTSecret,
	}

	router := gateway.NewRouter(gw, limiter, enforcer)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	demographicsPool := worker.New(q, queue.TopicDemographicsFIFO, cfg.Worker.PoolSize, func(ctx context.Context, msg queue.Message) error {
		submissionID := msg.Attributes["submission_id"]
		correlationID := msg.Attributes["correlation_id"]
		if err := submissionStore.UpdateSubmissionStatus(ctx, submissionID, store.SubmissionProcessing, ""); err != nil {
			return apierr.NewRetryableError("mark submission processing", err)
		}

		event, err := webhook.NewEvent("demographics.processed", msg.SessionID, correlationID, map[string]string{"submission_id": submissionID})
		if err != nil {
			return apierr.NewPermanentError("encode webhook event", err)
		}
		body, err := json.Marshal(event)
		if err != nil {
			return apierr.NewPermanentError("encode webhook event", err)
		}
		if err := q.Send(ctx, queue.TopicWebhooksFIFO, msg.SessionID, body, map[string]string{
			"submission_id": submissionID,
		}, queue.SendOptions{}); err != nil {
			return apierr.NewRetryableError("enqueue webhook event", err)
		}
		return submissionStore.UpdateSubmissionStatus(ctx, submissionID, store.SubmissionDelivered, "")
	})
	webhookPool := worker.New(q, queue.TopicWebhooksFIFO, cfg.Worker.PoolSize, dispatcher.HandleMessage)

	documentsPool := worker.New(q, queue.TopicDocuments, cfg.Worker.PoolSize, func(ctx context.Context, msg queue.Message) error {
		outcome := msg.Attributes["outcome"]
		correlationID := msg.Attributes["correlation_id"]
		eventType := "document.uploaded"
		if outcome == "validation_failed" {
			eventType = "document.validation_failed"
		}
		event, err := webhook.NewEvent(eventType, msg.SessionID, correlationID, json.RawMessage(msg.Body))
		if err != nil {
			return apierr.NewPermanentError("encode document webhook event", err)
		}
		body, err := json.Marshal(event)
		if err != nil {
			return apierr.NewPermanentError("encode webhook event", err)
		}
		if err := q.Send(ctx, queue.TopicWebhooksFIFO, msg.SessionID, body, nil, queue.SendOptions{}); err != nil {
			return apierr.NewRetryableError("enqueue document webhook event", err)
		}
		return nil
	})

	deadLetterPool := worker.New(q, queue.TopicDeadLetter, cfg.Worker.PoolSize, func(ctx context.Context, msg queue.Message) error {
		originalTopic := msg.Attributes["original_topic"]
		if originalTopic != string(queue.TopicDemographicsFIFO) {
			return nil
		}
		submissionID := msg.Attributes["submission_id"]
		correlationID := msg.Attributes["correlation_id"]
		if submissionID != "" {
			_ = submissionStore.UpdateSubmissionStatus(ctx, submissionID, store.SubmissionFailed, msg.Attributes["reason"])
		}
		event, err := webhook.NewEvent("demographics.failed", msg.SessionID, correlationID, map[string]string{
			"submission_id": submissionID, "reason": msg.Attributes["reason"],
		})
		if err != nil {
			return apierr.NewPermanentError("encode webhook event", err)
		}
		body, err := json.Marshal(event)
		if err != nil {
			return apierr.NewPermanentError("encode webhook event", err)
		}
		return q.Send(ctx, queue.TopicWebhooksFIFO, msg.SessionID, body, nil, queue.SendOptions{})
	})

	blobReactor := reactor.New(issuer, pendingLister, q, reactor.DefaultPollInterval)

	slogLogger := logging.NewSlogLoggerWithLevel(cfg.Logging.Level)
	tree := supervisor.New("claims-intake", slogLogger, supervisor.DefaultTreeConfig())
	tree.AddIngestService(supervisor.NewRunnableService("demographics-worker-pool", demographicsPool))
	tree.AddIngestService(supervisor.NewRunnableService("documents-worker-pool", documentsPool))
	tree.AddIngestService(supervisor.NewRunnableService("dead-letter-worker-pool", deadLetterPool))
	tree.AddIngestService(supervisor.NewRunnableService("webhook-worker-pool", webhookPool))
	tree.AddReactorService(supervisor.NewRunnableService("blob-event-reactor", blobReactor))
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.ShutdownGracePeriod))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", httpServer.Addr).Msg("serving")
	errCh := tree.ServeBackground(ctx)
	if err := <-errCh; err != nil {
		log.Error().Err(err).Msg("supervision tree exited with error")
	}

	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		log.Warn().Int("count", len(unstopped)).Msg("services did not stop within the shutdown timeout")
	}
	log.Info().Msg("shutdown complete")
}

// buildStores selects the relational store implementation per
// config.DatabaseConfig's "memory" sentinel. The same *MemoryStore or
// *store.DuckDBStore instance backs all four store interfaces, matching
// how a single relational database would in production.
func buildStores(cfg *config.Config) (store.SubmissionStore, credstore.Store, store.CapabilityStore, reactor.PendingLister, store.DeliveryAttemptStore, func(), error) {
	if cfg.Database.URL == memorySentinel {
		s := store.NewMemoryStore()
		return s, s, s, s, s, func() {}, nil
	}

	s, err := store.NewDuckDBStore(cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, nil, nil, func() {}, err
	}
	return s, s, s, s, s, func() { s.Close() }, nil
}

// buildRateLimitStore selects between the in-memory counter store and
// the badger-backed one per config.RateLimitStoreConfig.URL.
func buildRateLimitStore(cfg *config.Config) (ratelimit.Store, func(), error) {
	if cfg.RateLimitStore.URL == "" || cfg.RateLimitStore.URL == memorySentinel {
		return ratelimit.NewMemoryStore(), func() {}, nil
	}

	s, err := ratelimit.NewBadgerStore(cfg.RateLimitStore.URL)
	if err != nil {
		return nil, func() {}, err
	}
	return s, func() { s.Close() }, nil
}

// buildQueue selects between the in-memory durable session queue mock
// and the NATS JetStream implementation per config.BrokerConfig.URL.
func buildQueue(cfg *config.Config) (queue.DurableSessionQueue, func(), error) {
	if cfg.Broker.URL == memorySentinel {
		q := queue.NewMemory()
		return q, func() { q.Close() }, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := queue.NewNATS(ctx, queue.NATSConfig{URL: cfg.Broker.URL, StreamPrefix: cfg.Broker.StreamPrefix})
	if err != nil {
		return nil, func() {}, err
	}
	return q, func() { q.Close() }, nil
}
