package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Store      StoreConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Groq       GroqConfig
	TTS        ServiceConfig
	Visual     ServiceConfig
	Composer   ServiceConfig
	R2         R2Config
	Resources  ResourceConfig
	Jobs       JobsConfig
	Queue      QueueConfig
	Cache      CacheConfig
	Resilience ResilienceConfig
}

type ServerConfig struct {
	Port     string `validate:"required"`
	Env      string `validate:"required,oneof=development staging production test"`
	LogLevel string `validate:"required,oneof=debug info warn error"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"min=0"`
}

// StoreConfig selects the durable side-channel. "redis" falls back to
// in-memory-only state when Redis is unreachable at startup.
type StoreConfig struct {
	Driver    string `validate:"required,oneof=redis memory none"`
	KeyPrefix string
}

type JWTConfig struct {
	Secret     string `validate:"required"`
	Expiration int    // hours
}

type RateLimitConfig struct {
	SubmitPerHour int `validate:"min=1"`
}

type GroqConfig struct {
	APIKey  string
	BaseURL string `validate:"required,url"`
	Model   string `validate:"required"`
}

// ServiceConfig describes an HTTP collaborator. An empty URL selects the
// mock implementation.
type ServiceConfig struct {
	URL     string `validate:"omitempty,url"`
	Timeout int    `validate:"min=1"` // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ResourceConfig struct {
	MaxConcurrentJobs    int64         `validate:"min=1"`
	MaxAudioTasks        int64         `validate:"min=1"`
	MaxVisualTasks       int64         `validate:"min=1"`
	MaxCPUPercent        float64       `validate:"gt=0,lte=100"`
	MaxMemoryPercent     float64       `validate:"gt=0,lte=100"`
	CleanupMemoryPercent float64       `validate:"gt=0,lte=100"`
	CleanupInterval      time.Duration `validate:"gt=0"`
}

type JobsConfig struct {
	Retention        time.Duration `validate:"gt=0"`
	SnapshotInterval time.Duration `validate:"gt=0"`
	SweepInterval    time.Duration `validate:"gt=0"`
	DefaultRetries   int           `validate:"min=0"`
}

type QueueConfig struct {
	PollInterval       time.Duration `validate:"gt=0"`
	ShutdownTimeout    time.Duration `validate:"gt=0"`
	ComposeConcurrency int           `validate:"min=1"`
}

type CacheConfig struct {
	SweepInterval time.Duration `validate:"gt=0"`
	ScriptTTL     time.Duration `validate:"gt=0"`
	AudioTTL      time.Duration `validate:"gt=0"`
	VisualTTL     time.Duration `validate:"gt=0"`
}

// PolicyConfig configures retry and circuit breaking for one collaborator class.
type PolicyConfig struct {
	MaxRetries       int           `validate:"min=0"`
	BaseDelay        time.Duration `validate:"gte=0"`
	MaxDelay         time.Duration `validate:"gte=0"`
	Timeout          time.Duration `validate:"gt=0"`
	FailureThreshold int           `validate:"min=1"`
	RecoveryTimeout  time.Duration `validate:"gt=0"`
}

type ResilienceConfig struct {
	Script   PolicyConfig
	Audio    PolicyConfig
	Visual   PolicyConfig
	Composer PolicyConfig
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("GROQ_API_KEY")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = v.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = v.BindEnv("groq.model", "GROQ_MODEL")
	_ = v.BindEnv("tts.url", "TTS_SERVICE_URL")
	_ = v.BindEnv("visual.url", "VISUAL_SERVICE_URL")
	_ = v.BindEnv("composer.url", "COMPOSER_SERVICE_URL")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("resources.max_concurrent_jobs", "MAX_CONCURRENT_JOBS")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver:    v.GetString("store.driver"),
			KeyPrefix: v.GetString("store.key_prefix"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
		Groq: GroqConfig{
			APIKey:  v.GetString("groq.api_key"),
			BaseURL: v.GetString("groq.base_url"),
			Model:   v.GetString("groq.model"),
		},
		TTS:      serviceConfig(v, "tts"),
		Visual:   serviceConfig(v, "visual"),
		Composer: serviceConfig(v, "composer"),
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Resources: ResourceConfig{
			MaxConcurrentJobs:    v.GetInt64("resources.max_concurrent_jobs"),
			MaxAudioTasks:        v.GetInt64("resources.max_audio_tasks"),
			MaxVisualTasks:       v.GetInt64("resources.max_visual_tasks"),
			MaxCPUPercent:        v.GetFloat64("resources.max_cpu_percent"),
			MaxMemoryPercent:     v.GetFloat64("resources.max_memory_percent"),
			CleanupMemoryPercent: v.GetFloat64("resources.cleanup_memory_percent"),
			CleanupInterval:      v.GetDuration("resources.cleanup_interval"),
		},
		Jobs: JobsConfig{
			Retention:        v.GetDuration("jobs.retention"),
			SnapshotInterval: v.GetDuration("jobs.snapshot_interval"),
			SweepInterval:    v.GetDuration("jobs.sweep_interval"),
			DefaultRetries:   v.GetInt("jobs.default_retries"),
		},
		Queue: QueueConfig{
			PollInterval:       v.GetDuration("queue.poll_interval"),
			ShutdownTimeout:    v.GetDuration("queue.shutdown_timeout"),
			ComposeConcurrency: v.GetInt("queue.compose_concurrency"),
		},
		Cache: CacheConfig{
			SweepInterval: v.GetDuration("cache.sweep_interval"),
			ScriptTTL:     v.GetDuration("cache.script_ttl"),
			AudioTTL:      v.GetDuration("cache.audio_ttl"),
			VisualTTL:     v.GetDuration("cache.visual_ttl"),
		},
		Resilience: ResilienceConfig{
			Script:   policyConfig(v, "resilience.script"),
			Audio:    policyConfig(v, "resilience.audio"),
			Visual:   policyConfig(v, "resilience.visual"),
			Composer: policyConfig(v, "resilience.composer"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.key_prefix", "makeavideo:")
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.submit_per_hour", 20)

	// Groq defaults
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")

	// Collaborator services
	v.SetDefault("tts.timeout", 60)
	v.SetDefault("visual.timeout", 120)
	v.SetDefault("composer.timeout", 300)

	// Resource governance
	v.SetDefault("resources.max_concurrent_jobs", 2)
	v.SetDefault("resources.max_audio_tasks", 4)
	v.SetDefault("resources.max_visual_tasks", 3)
	v.SetDefault("resources.max_cpu_percent", 90.0)
	v.SetDefault("resources.max_memory_percent", 90.0)
	v.SetDefault("resources.cleanup_memory_percent", 80.0)
	v.SetDefault("resources.cleanup_interval", "1m")

	// Job lifecycle
	v.SetDefault("jobs.retention", "24h")
	v.SetDefault("jobs.snapshot_interval", "30s")
	v.SetDefault("jobs.sweep_interval", "10m")
	v.SetDefault("jobs.default_retries", 2)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.shutdown_timeout", "30s")
	v.SetDefault("queue.compose_concurrency", 2)

	// Cache
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.script_ttl", "24h")
	v.SetDefault("cache.audio_ttl", "6h")
	v.SetDefault("cache.visual_ttl", "6h")

	// Retry / circuit breaker per collaborator class
	for _, class := range []string{"script", "audio", "visual", "composer"} {
		prefix := "resilience." + class
		v.SetDefault(prefix+".max_retries", 3)
		v.SetDefault(prefix+".base_delay", "1s")
		v.SetDefault(prefix+".max_delay", "30s")
		v.SetDefault(prefix+".failure_threshold", 5)
		v.SetDefault(prefix+".recovery_timeout", "60s")
	}
	v.SetDefault("resilience.script.timeout", "90s")
	v.SetDefault("resilience.audio.timeout", "60s")
	v.SetDefault("resilience.visual.timeout", "120s")
	v.SetDefault("resilience.composer.timeout", "300s")
	v.SetDefault("resilience.composer.max_retries", 1)
}

func serviceConfig(v *viper.Viper, prefix string) ServiceConfig {
	return ServiceConfig{
		URL:     v.GetString(prefix + ".url"),
		Timeout: v.GetInt(prefix + ".timeout"),
	}
}

func policyConfig(v *viper.Viper, prefix string) PolicyConfig {
	return PolicyConfig{
		MaxRetries:       v.GetInt(prefix + ".max_retries"),
		BaseDelay:        v.GetDuration(prefix + ".base_delay"),
		MaxDelay:         v.GetDuration(prefix + ".max_delay"),
		Timeout:          v.GetDuration(prefix + ".timeout"),
		FailureThreshold: v.GetInt(prefix + ".failure_threshold"),
		RecoveryTimeout:  v.GetDuration(prefix + ".recovery_timeout"),
	}
}
