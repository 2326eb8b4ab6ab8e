package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/ttsjobs/internal/api"
	"github.com/bobarin/ttsjobs/internal/config"
	"github.com/bobarin/ttsjobs/internal/db"
	"github.com/bobarin/ttsjobs/internal/jobs"
	"github.com/bobarin/ttsjobs/internal/metrics"
	"github.com/bobarin/ttsjobs/internal/queue"
	"github.com/bobarin/ttsjobs/internal/services"
	"github.com/bobarin/ttsjobs/internal/storage"
	"github.com/bobarin/ttsjobs/internal/webhook"
	"github.com/bobarin/ttsjobs/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Println("Starting TTS jobs API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer store.Close()

	q, err := openQueue(cfg)
	if err != nil {
		log.Fatalf("Failed to open job queue: %v", err)
	}
	defer q.Close()

	artifacts, closeArtifacts, err := openArtifacts(cfg)
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}
	defer closeArtifacts()

	rec := metrics.NewPrometheus()

	sender := webhook.NewSender(webhook.Options{
		Secret:      cfg.WebhookSecret,
		MaxAttempts: cfg.WebhookMaxAttempts,
		BaseDelay:   cfg.WebhookBaseDelay,
		Timeout:     cfg.WebhookTimeout,
	}, rec)
	dispatcher := webhook.NewDispatcher(sender, store, cfg.PublicBaseURL, cfg.WebhookWorkers, cfg.QueueCapacity)

	svc := jobs.NewService(store, q, artifacts, dispatcher, rec, jobs.Options{
		MaxPending:      cfg.MaxPendingJobs,
		MaxTextLength:   cfg.MaxTextLength,
		DefaultLanguage: cfg.DefaultLanguage,
		PublicBaseURL:   cfg.PublicBaseURL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })

	// Start worker if enabled
	var workerStatus api.WorkerStatus
	if cfg.WorkerEnabled {
		ttsSvc, err := newTTSService(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to initialize TTS provider: %v", err)
		}

		w := worker.New(store, q, artifacts, ttsSvc, dispatcher, rec, worker.Options{
			Concurrency:      cfg.MaxConcurrentJobs,
			SynthesisTimeout: cfg.SynthesisTimeout,
			StuckTimeout:     cfg.StuckJobTimeout,
			SweepInterval:    cfg.StuckSweepInterval,
			Retention:        cfg.ArtifactRetention,
			ReclaimInterval:  cfg.ReclaimInterval,
		})
		workerStatus = w
		g.Go(func() error { return w.Start(gctx) })
	} else {
		log.Println("Worker disabled, this process only admits and serves jobs")
	}

	router := api.NewRouter(api.NewHandler(svc, workerStatus), api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitPerHour:   cfg.RateLimitPerHour,
		Metrics:            rec,
		MetricsHandler:     rec.Handler(),
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Stopped with error: %v", err)
	}
	log.Println("Server exited")
}

func openStore(cfg *config.Config) (db.Store, error) {
	if cfg.StoreBackend == config.BackendPostgres {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Println("Connected to Postgres job store")
		return database, nil
	}

	log.Println("Using in-memory job store (jobs are lost on restart)")
	return db.NewMemoryStore(), nil
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.BackendRedis:
		q, err := queue.NewRedisQueue(cfg.RedisURL, cfg.RedisQueueKey, cfg.QueueCapacity)
		if err != nil {
			return nil, err
		}
		log.Printf("Connected to Redis queue (key=%s)", cfg.RedisQueueKey)
		return q, nil
	case config.BackendRabbitMQ:
		q, err := queue.NewRabbitQueue(cfg.RabbitURL, cfg.RabbitQueue, cfg.QueueCapacity)
		if err != nil {
			return nil, err
		}
		log.Printf("Connected to RabbitMQ queue (queue=%s)", cfg.RabbitQueue)
		return q, nil
	default:
		log.Printf("Using in-memory queue (capacity=%d)", cfg.QueueCapacity)
		return queue.NewMemoryQueue(cfg.QueueCapacity), nil
	}
}

func openArtifacts(cfg *config.Config) (storage.ArtifactStore, func(), error) {
	if cfg.ArtifactBackend == config.BackendNATS {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("ttsjobs"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to open JetStream: %w", err)
		}
		store, err := storage.NewNatsStore(js, cfg.NatsBucket)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		log.Printf("Using NATS object store for artifacts (bucket=%s)", cfg.NatsBucket)
		return store, func() { nc.Drain() }, nil
	}

	store, err := storage.NewDiskStore(cfg.ArtifactDir)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Using disk artifact store (dir=%s)", cfg.ArtifactDir)
	return store, func() {}, nil
}

// newTTSService builds the provider chosen by config.ResolveProvider.
func newTTSService(ctx context.Context, cfg *config.Config) (services.TTSService, error) {
	switch cfg.TTSProvider {
	case config.ProviderOpenAI:
		log.Printf("TTS provider: OpenAI (model: %s, voice: %s)", orDefault(cfg.OpenAITTSModel, "tts-1"), orDefault(cfg.OpenAITTSVoice, "alloy"))
		return services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAITTSModel, cfg.OpenAITTSVoice), nil
	case config.ProviderGemini:
		log.Println("TTS provider: Gemini")
		return services.NewGeminiService(ctx, services.GeminiOptions{
			APIKey: cfg.GeminiKey,
			Model:  cfg.GeminiTTSModel,
			Voice:  cfg.GeminiTTSVoice,
		})
	case config.ProviderElevenLabs:
		log.Printf("TTS provider: ElevenLabs (voice: %s, model: eleven_flash_v2_5)", cfg.ElevenLabsVoiceID)
		return services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID), nil
	case config.ProviderCartesia:
		log.Printf("TTS provider: Cartesia (voice: %s)", cfg.CartesiaVoiceID)
		return services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, cfg.CartesiaVoiceID), nil
	default:
		return nil, fmt.Errorf("unknown TTS provider %q", cfg.TTSProvider)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
