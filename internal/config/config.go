package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	JWT       JWTConfig
	ComfyUI   ComfyUIConfig
	Feishu    FeishuConfig
	MongoDB   MongoDBConfig
	S3        S3Config
	InfluxDB  InfluxDBConfig
	Worker    WorkerConfig
	Retention RetentionConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host string
	Port string
}

// JWTConfig holds JWT-related configuration. An empty secret disables auth.
type JWTConfig struct {
	Secret string
}

// ComfyUIConfig holds ComfyUI connection details
type ComfyUIConfig struct {
	Host         string
	Port         string
	WaitStrategy string // "poll" or "push"
	WaitTimeout  time.Duration
}

// HTTPURL returns the base HTTP URL of the ComfyUI instance
func (c ComfyUIConfig) HTTPURL() string {
	return fmt.Sprintf("http://%s:%s", c.Host, c.Port)
}

// WSURL returns the websocket URL of the ComfyUI instance
func (c ComfyUIConfig) WSURL() string {
	return fmt.Sprintf("ws://%s:%s/ws", c.Host, c.Port)
}

// FeishuConfig holds Feishu open-platform app credentials
type FeishuConfig struct {
	AppID     string
	AppSecret string
	BaseURL   string
}

// MongoDBConfig holds MongoDB connection details
type MongoDBConfig struct {
	URI        string
	Host       string
	Port       string
	Database   string
	Username   string
	Password   string
	AuthSource string
}

// S3Config holds optional S3 artifact-archive details.
// An empty bucket disables archiving.
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // Optional: for S3-compatible services like MinIO
}

// InfluxDBConfig holds optional InfluxDB connection details for task metrics.
// An empty URL disables metrics.
type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// WorkerConfig holds background dispatcher settings
type WorkerConfig struct {
	PollInterval time.Duration
}

// RetentionConfig holds terminal-task retention settings.
// An empty schedule disables the sweeper.
type RetentionConfig struct {
	Schedule string // cron spec with seconds field
	MaxAge   time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8000"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		ComfyUI: ComfyUIConfig{
			Host:         getEnv("COMFYUI_HOST", "127.0.0.1"),
			Port:         getEnv("COMFYUI_PORT", "8188"),
			WaitStrategy: getEnv("COMFYUI_WAIT_STRATEGY", "poll"),
			WaitTimeout:  getEnvDuration("COMFYUI_WAIT_TIMEOUT_SECONDS", 600*time.Second),
		},
		Feishu: FeishuConfig{
			AppID:     getEnv("FEISHU_APP_ID", ""),
			AppSecret: getEnv("FEISHU_APP_SECRET", ""),
			BaseURL:   getEnv("FEISHU_BASE_URL", "https://open.feishu.cn"),
		},
		MongoDB: MongoDBConfig{
			URI:        getEnv("MONGODB_URI", ""),
			Host:       getEnv("MONGODB_HOST", "localhost"),
			Port:       getEnv("MONGODB_PORT", "27017"),
			Database:   getEnv("MONGODB_DATABASE", "comfy_proxy"),
			Username:   getEnv("MONGODB_USERNAME", ""),
			Password:   getEnv("MONGODB_PASSWORD", ""),
			AuthSource: getEnv("MONGODB_AUTH_SOURCE", "admin"),
		},
		S3: S3Config{
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""), // Optional for MinIO/custom S3
		},
		InfluxDB: InfluxDBConfig{
			URL:    getEnv("INFLUXDB2_URL", ""),
			Token:  getEnv("INFLUXDB2_TOKEN", ""),
			Org:    getEnv("INFLUXDB2_ORG", ""),
			Bucket: getEnv("INFLUXDB2_BUCKET", ""),
		},
		Worker: WorkerConfig{
			PollInterval: getEnvDuration("WORKER_POLL_INTERVAL_SECONDS", 2*time.Second),
		},
		Retention: RetentionConfig{
			Schedule: getEnv("RETENTION_SCHEDULE", ""),
			MaxAge:   getEnvDuration("RETENTION_MAX_AGE_SECONDS", 7*24*time.Hour),
		},
	}

	// Validate required fields
	if cfg.Feishu.AppID == "" {
		return nil, fmt.Errorf("FEISHU_APP_ID is required")
	}
	if cfg.Feishu.AppSecret == "" {
		return nil, fmt.Errorf("FEISHU_APP_SECRET is required")
	}
	if cfg.ComfyUI.WaitStrategy != "poll" && cfg.ComfyUI.WaitStrategy != "push" {
		return nil, fmt.Errorf("COMFYUI_WAIT_STRATEGY must be \"poll\" or \"push\", got %q", cfg.ComfyUI.WaitStrategy)
	}
	if cfg.S3.Bucket != "" {
		if cfg.S3.AccessKeyID == "" {
			return nil, fmt.Errorf("S3_ACCESS_KEY_ID is required when S3_BUCKET is set")
		}
		if cfg.S3.SecretAccessKey == "" {
			return nil, fmt.Errorf("S3_SECRET_ACCESS_KEY is required when S3_BUCKET is set")
		}
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves an environment variable holding a number of seconds
// or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}
