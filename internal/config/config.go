package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "QUICKSHARE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "quickshare.db"
	defaultUploadsDir     = "uploads"
	defaultMaxUploadBytes = 100 << 20
	defaultStreamBuffer   = 64
	defaultLogLevel       = "info"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	UploadsDir     string
	MaxUploadBytes int64
	StreamBuffer   int
	LogLevel       string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("uploads.dir", defaultUploadsDir)
	configViper.SetDefault("upload.max_bytes", int64(defaultMaxUploadBytes))
	configViper.SetDefault("stream.buffer", defaultStreamBuffer)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		UploadsDir:     configViper.GetString("uploads.dir"),
		MaxUploadBytes: configViper.GetInt64("upload.max_bytes"),
		StreamBuffer:   configViper.GetInt("stream.buffer"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.UploadsDir) == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if c.StreamBuffer <= 0 {
		return fmt.Errorf("stream.buffer must be positive")
	}
	return nil
}
