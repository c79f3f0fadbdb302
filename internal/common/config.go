package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Upload   UploadConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	OCR      OCRConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr          string
	MaxUploadSize int64
}

// UploadConfig holds upload storage configuration
type UploadConfig struct {
	Dir string
}

// QueueConfig holds durable-queue configuration
type QueueConfig struct {
	Path        string
	MaxAttempts int
	BackoffBase time.Duration
	Retention   time.Duration
}

// WorkerConfig holds job execution configuration
type WorkerConfig struct {
	Concurrency  int
	RateCount    int
	RateWindow   time.Duration
	PollInterval time.Duration
}

// OCRConfig holds recognition engine configuration
type OCRConfig struct {
	TessdataDir string
	Language    string
	Timeout     time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", ""),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			Addr:          getEnv("HTTP_ADDR", ":8080"),
			MaxUploadSize: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 10<<20)),
		},
		Upload: UploadConfig{
			Dir: getEnv("UPLOAD_DIR", "./uploads"),
		},
		Queue: QueueConfig{
			Path:        getEnv("QUEUE_PATH", "./data"),
			MaxAttempts: getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
			BackoffBase: getEnvAsDuration("JOB_BACKOFF_BASE", 5*time.Second),
			Retention:   getEnvAsDuration("JOB_RETENTION", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:  getEnvAsInt("WORKER_CONCURRENCY", 2),
			RateCount:    getEnvAsInt("RATE_LIMIT_COUNT", 5),
			RateWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
		},
		OCR: OCRConfig{
			TessdataDir: getEnv("TESSDATA_PREFIX", ""),
			Language:    getEnv("OCR_LANGUAGE", "eng"),
			Timeout:     getEnvAsDuration("OCR_TIMEOUT", 30*time.Second),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Queue.Path == "" {
		return NewAppError("CONFIG_ERROR", "QUEUE_PATH is required", ErrInvalidInput)
	}
	if c.Queue.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "JOB_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	if c.Worker.Concurrency < 1 {
		return NewAppError("CONFIG_ERROR", "WORKER_CONCURRENCY must be at least 1", ErrInvalidInput)
	}
	return nil
}
