package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the visionq server and worker.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Detector DetectorConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	AllowedOrigins  []string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	DataDir        string
	MaxUploadBytes int64
}

type DetectorConfig struct {
	Provider      string
	ObjectWeights string
	PoseWeights   string
	InferTimeout  time.Duration
	Remote        RemoteConfig
}

type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
}

type WorkerConfig struct {
	IdleInterval time.Duration
	LoopDelay    time.Duration
}

var validProviders = map[string]bool{
	"mock":   true,
	"remote": true,
}

// WeightsFor returns the configured weights name for a task type.
func (c DetectorConfig) WeightsFor(taskType string) string {
	if taskType == "pose" {
		return c.PoseWeights
	}
	return c.ObjectWeights
}

// InputsDir is where validated upload images live, one per job id.
func (c StorageConfig) InputsDir() string {
	return c.DataDir + "/inputs"
}

// OutputsDir holds one directory per job id with its result artifacts.
func (c StorageConfig) OutputsDir() string {
	return c.DataDir + "/outputs"
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("VISIONQ_PORT", 8080),
			Env:             envString("VISIONQ_ENV", "development"),
			AllowedOrigins:  envList("VISIONQ_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
			RateLimitPerMin: envInt("VISIONQ_RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			DataDir:        envString("VISIONQ_DATA_DIR", "data"),
			MaxUploadBytes: envInt64("VISIONQ_MAX_UPLOAD_BYTES", 100*1024*1024),
		},
		Detector: DetectorConfig{
			Provider:      envString("DETECTOR_PROVIDER", "mock"),
			ObjectWeights: envString("OBJECT_MODEL_WEIGHTS", "yolo11s.pt"),
			PoseWeights:   envString("POSE_MODEL_WEIGHTS", "yolo11s-pose.pt"),
			InferTimeout:  envDuration("DETECTOR_INFER_TIMEOUT", 30*time.Second),
			Remote: RemoteConfig{
				BaseURL: envString("DETECTOR_REMOTE_BASE_URL", "http://localhost:9090"),
				Timeout: envDuration("DETECTOR_REMOTE_TIMEOUT", 60*time.Second),
			},
		},
		Worker: WorkerConfig{
			IdleInterval: envDuration("WORKER_IDLE_INTERVAL", time.Second),
			LoopDelay:    envDuration("WORKER_LOOP_DELAY", 100*time.Millisecond),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("VISIONQ_MAX_UPLOAD_BYTES must be positive, got %d", c.Storage.MaxUploadBytes)
	}

	if !validProviders[c.Detector.Provider] {
		return fmt.Errorf("DETECTOR_PROVIDER must be one of mock, remote; got %q", c.Detector.Provider)
	}
	if c.Detector.Provider == "remote" {
		u := c.Detector.Remote.BaseURL
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("DETECTOR_REMOTE_BASE_URL must start with http:// or https://, got %q", u)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
