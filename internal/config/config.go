package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port string

	// Secrets
	WebhookSecret string
	AzureKey      string
	OpenAIKey     string

	// Engine endpoints
	AzureEndpoint string
	OpenAIBaseURL string
	VisionModel   string

	// Payload limits
	MaxJSONBodyBytes int64
	MaxDocumentBytes int64
	MaxPages         int
	MinImagePixels   int

	// Azure read polling
	PollInterval    time.Duration
	PollTimeout     time.Duration
	PollMaxAttempts int
	RetryMaxWait    time.Duration

	// Preslicing / rasterization
	PresliceEnabled        bool
	PresliceDPI            int
	PresliceMaxPages       int
	PresliceMaxOutputBytes int64
	SoftPageLimit          bool

	// Vision engine
	VisionTimeout     time.Duration
	VisionPageWorkers int

	// Concurrency
	MaxConcurrentRequests int64
	MaxOCRConcurrent      int64

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ExtractTimeout    time.Duration

	// rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int

	// housekeeping
	CleanupInterval time.Duration

	// health
	HealthDegradeRatio float64

	// http
	MaxHeaderBytes int
}

func Load() Config {
	return Config{
		Port: envStr("PORT", "8080"),

		WebhookSecret: envStr("WEBHOOK_SECRET", ""),
		AzureKey:      envStr("AZURE_OCR_KEY", ""),
		OpenAIKey:     envStr("OPENAI_API_KEY", ""),

		AzureEndpoint: strings.TrimRight(envStr("AZURE_OCR_ENDPOINT", ""), "/"),
		OpenAIBaseURL: strings.TrimRight(envStr("OPENAI_BASE_URL", "https://api.openai.com"), "/"),
		VisionModel:   envStr("OPENAI_VISION_MODEL", "gpt-4o-mini"),

		MaxJSONBodyBytes: int64(envInt("MAX_JSON_BODY_BYTES", 40<<20)),
		MaxDocumentBytes: int64(envInt("MAX_DOCUMENT_BYTES", 25<<20)),
		MaxPages:         envInt("MAX_PAGES", 20),
		MinImagePixels:   envIntAllowZero("MIN_IMAGE_PIXELS", 0),

		PollInterval:    envDur("POLL_INTERVAL", 1500*time.Millisecond),
		PollTimeout:     envDur("POLL_TIMEOUT", 90*time.Second),
		PollMaxAttempts: envInt("POLL_MAX_ATTEMPTS", 30),
		RetryMaxWait:    envDur("RETRY_MAX_WAIT", 10*time.Second),

		PresliceEnabled:        envBool("PRESLICE_ENABLED", false),
		PresliceDPI:            envInt("PRESLICE_DPI", 144),
		PresliceMaxPages:       envInt("PRESLICE_MAX_PAGES", 8),
		PresliceMaxOutputBytes: int64(envInt("PRESLICE_MAX_OUTPUT_BYTES", 40<<20)),
		SoftPageLimit:          envBool("SOFT_PAGE_LIMIT", false),

		VisionTimeout:     envDur("VISION_TIMEOUT", 45*time.Second),
		VisionPageWorkers: envInt("VISION_PAGE_WORKERS", 3),

		MaxConcurrentRequests: int64(envInt("MAX_CONCURRENT_REQUESTS", 15)),
		MaxOCRConcurrent:      int64(envInt("MAX_OCR_CONCURRENT", 3)),

		ReadHeaderTimeout: envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 180*time.Second),
		IdleTimeout:       envDur("IDLE_TIMEOUT", 60*time.Second),
		ExtractTimeout:    envDur("EXTRACT_TIMEOUT", 160*time.Second),

		RateLimitEvery: envDur("RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),

		CleanupInterval: envDur("CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: envFloat("HEALTH_DEGRADE_RATIO", 0.9),

		MaxHeaderBytes: envInt("MAX_HEADER_BYTES", 1<<20),
	}
}

func (c Config) Validate() error {
	if (c.AzureEndpoint == "") != (c.AzureKey == "") {
		return fmt.Errorf("AZURE_OCR_ENDPOINT and AZURE_OCR_KEY must be set together")
	}
	if c.MaxDocumentBytes <= 0 {
		return fmt.Errorf("MAX_DOCUMENT_BYTES must be positive")
	}
	if c.PollMaxAttempts < 1 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be at least 1")
	}
	if s := c.WebhookSecret; s != "" && len(strings.TrimSpace(s)) < 16 {
		return fmt.Errorf("WEBHOOK_SECRET must be at least 16 characters when set")
	}
	return nil
}

// AzureConfigured reports whether the cloud read engine can be used.
func (c Config) AzureConfigured() bool {
	return c.AzureEndpoint != "" && c.AzureKey != ""
}

// VisionConfigured reports whether the vision-LLM engine can be used.
func (c Config) VisionConfigured() bool {
	return c.OpenAIKey != ""
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// envIntAllowZero is for knobs where zero is a meaningful "disabled" value.
func envIntAllowZero(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
