package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
	BackendDisk     = "disk"
	BackendNATS     = "nats"
)

// TTS providers. ProviderAuto picks the first one with an API key in the
// order OpenAI, Gemini, ElevenLabs, Cartesia.
const (
	ProviderAuto       = "auto"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderElevenLabs = "elevenlabs"
	ProviderCartesia   = "cartesia"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	PublicBaseURL      string // Prefix of audio_url in job responses and webhooks

	// Rate limiting, per API key or client IP
	RateLimitPerMinute int
	RateLimitPerHour   int

	// Job table
	StoreBackend string
	DatabaseURL  string

	// Job queue
	QueueBackend  string
	QueueCapacity int
	RedisURL      string
	RedisQueueKey string
	RabbitURL     string
	RabbitQueue   string

	// Artifacts
	ArtifactBackend   string
	ArtifactDir       string
	NatsURL           string
	NatsBucket        string
	ArtifactRetention time.Duration
	ReclaimInterval   time.Duration

	// Admission
	MaxPendingJobs  int
	MaxTextLength   int
	DefaultLanguage string

	// Worker
	WorkerEnabled      bool
	MaxConcurrentJobs  int
	SynthesisTimeout   time.Duration
	StuckJobTimeout    time.Duration
	StuckSweepInterval time.Duration

	// Webhooks
	WebhookSecret      string
	WebhookMaxAttempts int
	WebhookBaseDelay   time.Duration
	WebhookTimeout     time.Duration
	WebhookWorkers     int

	// Speech synthesis
	TTSProvider       string
	OpenAIKey         string
	OpenAITTSModel    string
	OpenAITTSVoice    string
	GeminiKey         string
	GeminiTTSModel    string
	GeminiTTSVoice    string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	CartesiaKey       string
	CartesiaURL       string
	CartesiaVoiceID   string
}

// Load reads configuration from the environment, a .env file if present, and
// the TOML file named by TTS_CONFIG_FILE. Environment variables win over the file.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	src, err := newSource(os.Getenv("TTS_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIPort:            src.getEnv("API_PORT", "8080"),
		BackendAPIKey:      src.getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: src.getEnv("CORS_ALLOWED_ORIGINS", ""),
		RateLimitPerMinute: src.getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitPerHour:   src.getEnvInt("RATE_LIMIT_PER_HOUR", 1000),

		StoreBackend: src.getEnv("STORE_BACKEND", BackendMemory),
		DatabaseURL:  src.getEnv("DATABASE_URL", ""),

		QueueBackend:  src.getEnv("QUEUE_BACKEND", BackendMemory),
		QueueCapacity: src.getEnvInt("QUEUE_CAPACITY", 1000),
		RedisURL:      src.getEnv("REDIS_URL", ""),
		RedisQueueKey: src.getEnv("REDIS_QUEUE_KEY", "queue:tts_jobs"),
		RabbitURL:     src.getEnv("RABBIT_URL", ""),
		RabbitQueue:   src.getEnv("RABBIT_QUEUE", "tts_jobs"),

		ArtifactBackend:   src.getEnv("ARTIFACT_BACKEND", BackendDisk),
		ArtifactDir:       src.getEnv("ARTIFACT_DIR", "async_audio"),
		NatsURL:           src.getEnv("NATS_URL", ""),
		NatsBucket:        src.getEnv("NATS_ARTIFACT_BUCKET", "TTS_AUDIO"),
		ArtifactRetention: src.getEnvDuration("ARTIFACT_RETENTION", 24*time.Hour),
		ReclaimInterval:   src.getEnvDuration("RECLAIM_INTERVAL", time.Hour),

		MaxPendingJobs:  src.getEnvInt("MAX_PENDING_JOBS", 100),
		MaxTextLength:   src.getEnvInt("MAX_TEXT_LENGTH", 50000),
		DefaultLanguage: src.getEnv("DEFAULT_LANGUAGE", "oromo"),

		WorkerEnabled:      src.getEnvBool("WORKER_ENABLED", true),
		MaxConcurrentJobs:  src.getEnvInt("MAX_CONCURRENT_JOBS", 1),
		SynthesisTimeout:   src.getEnvDuration("SYNTHESIS_TIMEOUT", 5*time.Minute),
		StuckJobTimeout:    src.getEnvDuration("STUCK_JOB_TIMEOUT", 10*time.Minute),
		StuckSweepInterval: src.getEnvDuration("STUCK_SWEEP_INTERVAL", 5*time.Minute),

		WebhookSecret:      src.getEnv("WEBHOOK_SECRET", ""),
		WebhookMaxAttempts: src.getEnvInt("WEBHOOK_MAX_ATTEMPTS", 3),
		WebhookBaseDelay:   src.getEnvDuration("WEBHOOK_BASE_DELAY", 2*time.Second),
		WebhookTimeout:     src.getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookWorkers:     src.getEnvInt("WEBHOOK_WORKERS", 4),

		TTSProvider:       strings.ToLower(src.getEnv("TTS_PROVIDER", ProviderAuto)),
		OpenAIKey:         src.getEnv("OPENAI_API_KEY", ""),
		OpenAITTSModel:    src.getEnv("OPENAI_TTS_MODEL", ""),
		OpenAITTSVoice:    src.getEnv("OPENAI_TTS_VOICE", ""),
		GeminiKey:         src.getEnv("GEMINI_API_KEY", ""),
		GeminiTTSModel:    src.getEnv("GEMINI_TTS_MODEL", ""),
		GeminiTTSVoice:    src.getEnv("GEMINI_TTS_VOICE", ""),
		ElevenLabsKey:     src.getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: src.getEnv("ELEVENLABS_VOICE_ID", ""),
		CartesiaKey:       src.getEnv("CARTESIA_API_KEY", ""),
		CartesiaURL:       src.getEnv("CARTESIA_API_URL", "https://api.cartesia.ai"),
		CartesiaVoiceID:   src.getEnv("CARTESIA_VOICE_ID", ""),
	}
	cfg.PublicBaseURL = src.getEnv("PUBLIC_BASE_URL", "http://localhost:"+cfg.APIPort)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.WebhookSecret == "" {
		log.Println("WARNING: No WEBHOOK_SECRET set — webhooks are signed with an empty key (dev mode)")
	}
	return cfg, nil
}

// Validate checks backend names and the settings each backend requires.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory or postgres)", c.StoreBackend)
	}

	switch c.QueueBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_BACKEND=redis")
		}
	case BackendRabbitMQ:
		if c.RabbitURL == "" {
			return fmt.Errorf("RABBIT_URL is required when QUEUE_BACKEND=rabbitmq")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q (want memory, redis or rabbitmq)", c.QueueBackend)
	}

	switch c.ArtifactBackend {
	case BackendDisk:
		if c.ArtifactDir == "" {
			return fmt.Errorf("ARTIFACT_DIR is required when ARTIFACT_BACKEND=disk")
		}
	case BackendNATS:
		if c.NatsURL == "" {
			return fmt.Errorf("NATS_URL is required when ARTIFACT_BACKEND=nats")
		}
	default:
		return fmt.Errorf("unknown ARTIFACT_BACKEND %q (want disk or nats)", c.ArtifactBackend)
	}

	if c.QueueCapacity < 1 || c.MaxPendingJobs < 1 || c.MaxConcurrentJobs < 1 || c.WebhookWorkers < 1 {
		return fmt.Errorf("QUEUE_CAPACITY, MAX_PENDING_JOBS, MAX_CONCURRENT_JOBS and WEBHOOK_WORKERS must be positive")
	}

	if c.WorkerEnabled {
		provider, err := c.ResolveProvider()
		if err != nil {
			return err
		}
		c.TTSProvider = provider
	}
	return nil
}

// ResolveProvider returns the concrete TTS provider, checking that its key is set.
func (c *Config) ResolveProvider() (string, error) {
	keys := map[string]string{
		ProviderOpenAI:     c.OpenAIKey,
		ProviderGemini:     c.GeminiKey,
		ProviderElevenLabs: c.ElevenLabsKey,
		ProviderCartesia:   c.CartesiaKey,
	}

	if c.TTSProvider == "" || c.TTSProvider == ProviderAuto {
		for _, p := range []string{ProviderOpenAI, ProviderGemini, ProviderElevenLabs, ProviderCartesia} {
			if keys[p] != "" {
				return p, nil
			}
		}
		return "", fmt.Errorf("one of OPENAI_API_KEY, GEMINI_API_KEY, ELEVENLABS_API_KEY or CARTESIA_API_KEY is required for TTS")
	}

	key, known := keys[c.TTSProvider]
	if !known {
		return "", fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}
	if key == "" {
		return "", fmt.Errorf("TTS_PROVIDER=%s but its API key is not set", c.TTSProvider)
	}
	return c.TTSProvider, nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func newSource(path string) (*source, error) {
	src := &source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for k, v := range raw {
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return nil, fmt.Errorf("config file %s: key %s must be a plain value", path, k)
		}
		src.file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return src, nil
}

func (s *source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

func (s *source) getEnv(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s *source) getEnvBool(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func (s *source) getEnvInt(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "10m") or a bare number of seconds.
func (s *source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := s.lookup(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
