// Package config defines the server and client configuration and its loader.
package config

import (
	"fmt"
	"time"
)

// Config contains process configuration shared by the server and the batch client.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	Server ServerConfig `koanf:"server"`
	Client ClientConfig `koanf:"client"`
}

// ServerConfig configures the scoring service.
type ServerConfig struct {
	// Addr configures the HTTP listen address, e.g. ":2503".
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// MaxUploadBytes caps the multipart body of one batch request.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`

	// DefaultModel is used when a request carries no model_name.
	DefaultModel string `koanf:"default_model"`
	// UseConfidence is the default for requests that do not set use_confidence.
	UseConfidence bool `koanf:"use_confidence"`

	// Device and DeviceIDs select the accelerators the model backend may use.
	Device    string `koanf:"device"`
	DeviceIDs []int  `koanf:"device_ids"`

	// DatabaseDSN enables batch log persistence when set.
	DatabaseDSN string `koanf:"database_dsn"`
	// RedisAddr enables the result cache when set.
	RedisAddr string        `koanf:"redis_addr"`
	ResultTTL time.Duration `koanf:"result_ttl"`

	// JWTSecret enables bearer-token auth on the scoring routes when set.
	JWTSecret   string `koanf:"jwt_secret"`
	JWTAudience string `koanf:"jwt_audience"`

	// Model backends. A backend without an address or key stays unavailable.
	BLIPAddr      string `koanf:"blip_addr"`
	OpenAIKey     string `koanf:"openai_api_key"`
	OpenAIModel   string `koanf:"openai_model"`
	OpenAIBaseURL string `koanf:"openai_base_url"`
	GeminiKey     string `koanf:"gemini_api_key"`
	GeminiModel   string `koanf:"gemini_model"`
}

// ClientConfig configures the batch client.
type ClientConfig struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	ImageDir  string `koanf:"image_dir"`
	OutputDir string `koanf:"output_dir"`
	BatchSize int    `koanf:"batch_size"`
	// TotalImages restricts a run to the first N sorted images; <= 0 means all.
	TotalImages int           `koanf:"total_images"`
	Timeout     time.Duration `koanf:"timeout"`
	// Token is sent as a bearer token. JWTSecret mints one when Token is empty.
	Token     string `koanf:"token"`
	JWTSecret string `koanf:"jwt_secret"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":2503",
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  512 << 20,
			DefaultModel:    "blip-vqa-capfilt-large",
			Device:          "cuda",
			DeviceIDs:       []int{0, 1, 2, 3},
			ResultTTL:       30 * time.Minute,
			BLIPAddr:        "blip-service:50051",
			OpenAIModel:     "gpt-4o-mini",
			GeminiModel:     "gemini-2.5-flash",
		},
		Client: ClientConfig{
			Host:        "localhost",
			Port:        2503,
			ImageDir:    "./imgs",
			OutputDir:   "./outputs",
			BatchSize:   100,
			TotalImages: -1,
			Timeout:     10 * time.Minute,
		},
	}
}

// Validate rejects values the server and client cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.Server.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidConfig)
	case c.Server.MaxUploadBytes <= 0:
		return fmt.Errorf("%w: max_upload_bytes must be positive", ErrInvalidConfig)
	case c.Client.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	}
	return nil
}

// BaseURL returns the scoring service URL the client talks to.
func (c ClientConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}
