package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/broccoli-judge/judge-core/internal/blobstore"
	"github.com/broccoli-judge/judge-core/internal/broker"
	"github.com/broccoli-judge/judge-core/internal/config"
	"github.com/broccoli-judge/judge-core/internal/db"
	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/broccoli-judge/judge-core/internal/hooks"
	"github.com/broccoli-judge/judge-core/internal/httpapi"
	"github.com/broccoli-judge/judge-core/internal/judge"
	"github.com/broccoli-judge/judge-core/internal/retry"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	gdb := db.Connect(cfg.DBDSN, &judge.Submission{}, &judge.TestCaseResult{}, &dlq.DeadLetterMessage{},
		&blobstore.BlobObject{}, &blobstore.BlobRef{})

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	store := dlq.NewStore(cache)
	registry := buildHooks()

	blobs, err := blobstore.NewFilesystemStore(cfg.Submission.BlobBasePath, cfg.Submission.MaxSize)
	if err != nil {
		log.Fatalf("server: blob store init: %v", err)
	}
	blobRefs := blobstore.NewRefRepo(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dispatcher *judge.Dispatcher
	if cfg.MQ.Enabled {
		dispatcher = startConsumers(ctx, gdb, cfg, store, registry)
	} else {
		log.Printf("server: mq.enabled=false, submission dispatch and background consumers are disabled")
	}

	runHTTP(ctx, gdb, cfg, dispatcher, store, registry, blobs, blobRefs)
}

func buildHooks() *hooks.Registry {
	registry := hooks.NewRegistry()
	registry.Add(hooks.TopicResultIngested, func(ctx context.Context, ev hooks.Event) (hooks.Action, hooks.Event, error) {
		ri := ev.(hooks.ResultIngested)
		log.Printf("server: submission=%d judged status=%s verdict=%s", ri.SubmissionID, ri.Status, ri.Verdict)
		return hooks.Pass, ev, nil
	})
	registry.Add(hooks.TopicSubmissionStuck, func(ctx context.Context, ev hooks.Event) (hooks.Action, hooks.Event, error) {
		su := ev.(hooks.SubmissionStuck)
		log.Printf("server: submission=%d stuck since %s", su.SubmissionID, su.PendingSince)
		return hooks.Pass, ev, nil
	})
	registry.Add(hooks.TopicMessageDeadLettered, func(ctx context.Context, ev hooks.Event) (hooks.Action, hooks.Event, error) {
		md := ev.(hooks.MessageDeadLettered)
		log.Printf("server: message=%s type=%s dead-lettered error_code=%s", md.MessageID, md.MessageType, md.ErrorCode)
		return hooks.Pass, ev, nil
	})
	return registry
}

// startConsumers dials three independent broker connections (one per
// long-lived consumer loop, so a slow handler on one queue never starves
// another's Qos-bounded prefetch), declares the jobs topology, and
// starts the result consumer, worker-DLQ consumer, stuck-job detector,
// and retry-tracker cleanup goroutine, all tied to ctx. It returns a
// Dispatcher the HTTP layer uses to publish new jobs.
func startConsumers(ctx context.Context, gdb *gorm.DB, cfg config.Config, store *dlq.Store, registry *hooks.Registry) *judge.Dispatcher {
	jobBroker, err := broker.Dial(cfg.MQ.URL)
	if err != nil {
		log.Fatalf("server: broker dial (jobs): %v", err)
	}
	resultBroker, err := broker.Dial(cfg.MQ.URL)
	if err != nil {
		log.Fatalf("server: broker dial (results): %v", err)
	}
	dlqBroker, err := broker.Dial(cfg.MQ.URL)
	if err != nil {
		log.Fatalf("server: broker dial (worker dlq): %v", err)
	}

	if err := jobBroker.DeclareTopology(cfg.MQ.QueueName); err != nil {
		log.Fatalf("server: declare jobs topology: %v", err)
	}
	dispatcher := judge.NewDispatcher(jobBroker, cfg.MQ.QueueName)

	resultConsumer := judge.NewResultConsumer(gdb, resultBroker, store, registry, judge.ResultConsumerConfig{
		QueueName:   cfg.MQ.ResultQueueName,
		Concurrency: 1,
		Prefetch:    cfg.MQ.PoolSize,
		MaxRetries:  cfg.MQ.Dlq.MaxRetries,
		BaseDelay:   cfg.MQ.Dlq.BaseDelay(),
		MaxDelay:    cfg.MQ.Dlq.MaxDelay(),
	})
	workerDlqConsumer := judge.NewWorkerDlqConsumer(gdb, dlqBroker, store, registry, judge.WorkerDlqConsumerConfig{
		QueueName:   cfg.MQ.DlqQueueName,
		Concurrency: cfg.MQ.PoolSize,
		Prefetch:    cfg.MQ.PoolSize,
	})
	stuckDetector := judge.NewStuckJobDetector(gdb, store, registry, judge.StuckJobDetectorConfig{
		ScanInterval: cfg.MQ.Dlq.StuckJobScanInterval(),
		Timeout:      cfg.MQ.Dlq.StuckJobTimeout(),
	})

	cleanupGuard := retry.StartCleanup(ctx, resultConsumer.Tracker(), cfg.MQ.Dlq.RetryCleanupInterval(), cfg.MQ.Dlq.RetryMaxAge())

	go func() {
		if err := resultConsumer.Run(ctx); err != nil {
			log.Printf("server: result consumer stopped: %v", err)
		}
	}()
	go func() {
		if err := workerDlqConsumer.Run(ctx); err != nil {
			log.Printf("server: worker dlq consumer stopped: %v", err)
		}
	}()
	go stuckDetector.Run(ctx)

	go func() {
		<-ctx.Done()
		cleanupGuard.Close()
		_ = jobBroker.Close()
		_ = resultBroker.Close()
		_ = dlqBroker.Close()
	}()

	return dispatcher
}

// runHTTP serves the router until ctx is canceled, then drains
// in-flight requests for up to 10s before returning. Grounded on the
// teacher's cmd/worker/main.go shutdown idiom (signal.NotifyContext +
// drain loop), adapted from a worker pool drain to an http.Server
// graceful shutdown.
func runHTTP(ctx context.Context, gdb *gorm.DB, cfg config.Config, dispatcher *judge.Dispatcher, store *dlq.Store, registry *hooks.Registry, blobs *blobstore.FilesystemStore, blobRefs *blobstore.RefRepo) {
	router := httpapi.NewRouter(gdb, cfg, dispatcher, store, registry, blobs, blobRefs)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Printf("server: http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: http serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: http shutdown: %v", err)
	}
}
