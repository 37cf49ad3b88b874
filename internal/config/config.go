package config

import (
	"fmt"
	"os"
	"strings"
	"time"

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

const (
	SubmitModeAsync = "async"
	SubmitModeSync  = "sync"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"

	StorageLocal = "local"
	StorageS3    = "s3"

	SchedulerLocal = "local"
	SchedulerAsynq = "asynq"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
	Pipeline  PipelineConfig
	Health    HealthConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	LogLevel        string
	LogFormat       string
	BodyLimitMB     int
	SubmitMode      string
	SyncTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Backend       string
	SQLitePath    string
	Retention     time.Duration
	SweepInterval time.Duration
}

type StorageConfig struct {
	Backend   string
	LocalRoot string
	S3        S3Config
}

// S3Config covers AWS as well as R2 and MinIO through Endpoint.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type SchedulerConfig struct {
	Backend    string
	Capacity   int
	QueueSize  int
	JobTimeout time.Duration
}

type PipelineConfig struct {
	FFmpegPath  string
	FFprobePath string
	FontFile    string
	WorkDir     string
}

type HealthConfig struct {
	Interval      time.Duration
	SampleTimeout time.Duration
}

type RateLimitConfig struct {
	SubmitPerHour int // 0 disables
}

type AuthConfig struct {
	JWTSecret string // empty disables
}

var envBindings = map[string]string{
	"server.port":               "SERVER_PORT",
	"server.env":                "SERVER_ENV",
	"server.log_level":          "LOG_LEVEL",
	"server.log_format":         "LOG_FORMAT",
	"server.body_limit_mb":      "BODY_LIMIT_MB",
	"server.submit_mode":        "SUBMIT_MODE",
	"server.sync_timeout":       "SYNC_TIMEOUT",
	"server.shutdown_timeout":   "SHUTDOWN_TIMEOUT",
	"redis.addr":                "REDIS_ADDR",
	"redis.password":            "REDIS_PASSWORD",
	"redis.db":                  "REDIS_DB",
	"store.backend":             "STORE_BACKEND",
	"store.sqlite_path":         "STORE_SQLITE_PATH",
	"store.retention":           "STORE_RETENTION",
	"store.sweep_interval":      "STORE_SWEEP_INTERVAL",
	"storage.backend":           "STORAGE_BACKEND",
	"storage.local_root":        "STORAGE_LOCAL_ROOT",
	"storage.s3.endpoint":       "S3_ENDPOINT",
	"storage.s3.region":         "S3_REGION",
	"storage.s3.bucket":         "S3_BUCKET",
	"storage.s3.prefix":         "S3_PREFIX",
	"storage.s3.access_key":     "S3_ACCESS_KEY_ID",
	"storage.s3.secret_key":     "S3_SECRET_ACCESS_KEY",
	"storage.s3.path_style":     "S3_USE_PATH_STYLE",
	"scheduler.backend":         "SCHEDULER_BACKEND",
	"scheduler.capacity":        "SCHEDULER_CAPACITY",
	"scheduler.queue_size":      "SCHEDULER_QUEUE_SIZE",
	"scheduler.job_timeout":     "JOB_TIMEOUT",
	"pipeline.ffmpeg_path":      "FFMPEG_PATH",
	"pipeline.ffprobe_path":     "FFPROBE_PATH",
	"pipeline.font_file":        "FONT_FILE",
	"pipeline.work_dir":         "PIPELINE_WORK_DIR",
	"health.interval":           "HEALTH_INTERVAL",
	"health.sample_timeout":     "HEALTH_SAMPLE_TIMEOUT",
	"ratelimit.submit_per_hour": "RATELIMIT_SUBMIT_PER_HOUR",
	"auth.jwt_secret":           "AUTH_JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.body_limit_mb", 512)
	v.SetDefault("server.submit_mode", SubmitModeAsync)
	v.SetDefault("server.sync_timeout", 10*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.sqlite_path", "vidshift.db")
	v.SetDefault("store.retention", 24*time.Hour)
	v.SetDefault("store.sweep_interval", 10*time.Minute)

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.local_root", "data")
	v.SetDefault("storage.s3.region", "auto")

	v.SetDefault("scheduler.backend", SchedulerLocal)
	v.SetDefault("scheduler.capacity", 2)
	v.SetDefault("scheduler.queue_size", 64)
	v.SetDefault("scheduler.job_timeout", 30*time.Minute)

	v.SetDefault("pipeline.ffmpeg_path", "ffmpeg")
	v.SetDefault("pipeline.ffprobe_path", "ffprobe")
	v.SetDefault("pipeline.work_dir", os.TempDir())

	v.SetDefault("health.interval", 5*time.Second)
	v.SetDefault("health.sample_timeout", 2*time.Second)

	v.SetDefault("ratelimit.submit_per_hour", 0)
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")
	readSecret("AUTH_JWT_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	setDefaults(v)

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			Env:             v.GetString("server.env"),
			LogLevel:        v.GetString("server.log_level"),
			LogFormat:       v.GetString("server.log_format"),
			BodyLimitMB:     v.GetInt("server.body_limit_mb"),
			SubmitMode:      strings.ToLower(v.GetString("server.submit_mode")),
			SyncTimeout:     v.GetDuration("server.sync_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(v.GetString("store.backend")),
			SQLitePath:    v.GetString("store.sqlite_path"),
			Retention:     v.GetDuration("store.retention"),
			SweepInterval: v.GetDuration("store.sweep_interval"),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(v.GetString("storage.backend")),
			LocalRoot: v.GetString("storage.local_root"),
			S3: S3Config{
				Endpoint:        v.GetString("storage.s3.endpoint"),
				Region:          v.GetString("storage.s3.region"),
				Bucket:          v.GetString("storage.s3.bucket"),
				Prefix:          strings.Trim(v.GetString("storage.s3.prefix"), "/"),
				AccessKeyID:     v.GetString("storage.s3.access_key"),
				SecretAccessKey: v.GetString("storage.s3.secret_key"),
				UsePathStyle:    v.GetBool("storage.s3.path_style"),
			},
		},
		Scheduler: SchedulerConfig{
			Backend:    strings.ToLower(v.GetString("scheduler.backend")),
			Capacity:   v.GetInt("scheduler.capacity"),
			QueueSize:  v.GetInt("scheduler.queue_size"),
			JobTimeout: v.GetDuration("scheduler.job_timeout"),
		},
		Pipeline: PipelineConfig{
			FFmpegPath:  v.GetString("pipeline.ffmpeg_path"),
			FFprobePath: v.GetString("pipeline.ffprobe_path"),
			FontFile:    v.GetString("pipeline.font_file"),
			WorkDir:     v.GetString("pipeline.work_dir"),
		},
		Health: HealthConfig{
			Interval:      v.GetDuration("health.interval"),
			SampleTimeout: v.GetDuration("health.sample_timeout"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var problems []string
	oneOf := func(name, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		problems = append(problems, fmt.Sprintf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), val))
	}

	oneOf("server.submit_mode", c.Server.SubmitMode, SubmitModeAsync, SubmitModeSync)
	oneOf("store.backend", c.Store.Backend, StoreMemory, StoreSQLite, StoreRedis)
	oneOf("storage.backend", c.Storage.Backend, StorageLocal, StorageS3)
	oneOf("scheduler.backend", c.Scheduler.Backend, SchedulerLocal, SchedulerAsynq)

	if c.Scheduler.Capacity < 1 {
		problems = append(problems, "scheduler.capacity must be at least 1")
	}
	if c.Scheduler.Backend == SchedulerLocal && c.Scheduler.QueueSize < 1 {
		problems = append(problems, "scheduler.queue_size must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"scheduler.job_timeout": c.Scheduler.JobTimeout,
		"server.sync_timeout":   c.Server.SyncTimeout,
		"store.sweep_interval":  c.Store.SweepInterval,
		"health.interval":       c.Health.Interval,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Server.BodyLimitMB < 1 {
		problems = append(problems, "server.body_limit_mb must be at least 1")
	}
	// Workers of the asynq backend may run in another process, so job
	// state has to live somewhere they can all reach.
	if c.Scheduler.Backend == SchedulerAsynq && c.Store.Backend == StoreMemory {
		problems = append(problems, "scheduler.backend=asynq needs a shared store (sqlite or redis)")
	}
	if c.Storage.Backend == StorageS3 && c.Storage.S3.Bucket == "" {
		problems = append(problems, "storage.s3.bucket is required for the s3 backend")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
