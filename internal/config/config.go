// Package config loads service configuration from defaults, an optional JSON
// config file under the user config dir, and WORKNOTES_* environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Index   IndexConfig
	Storage StorageConfig
	Retry   RetryConfig
	Ingest  IngestConfig
	Log     LogConfig
	DevMode bool
}

type ServerConfig struct {
	Port  int
	Token string
}

type OllamaConfig struct {
	BaseURL    string
	DraftModel string
	EmbedModel string
}

type IndexConfig struct {
	BaseURL  string
	APIKey   string
	TopK     int
	MinScore float64
}

type StorageConfig struct {
	DataDir string
}

type RetryConfig struct {
	MaxAttempts   int
	BackoffBase   float64
	BatchSize     int
	SweepInterval string
}

type IngestConfig struct {
	MaxUploadBytes int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			DraftModel: "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Index: IndexConfig{
			BaseURL:  "http://localhost:7700",
			TopK:     5,
			MinScore: 0.7,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retry: RetryConfig{
			MaxAttempts:   5,
			BackoffBase:   2,
			BatchSize:     25,
			SweepInterval: "5s",
		},
		Ingest: IngestConfig{
			MaxUploadBytes: 10 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".worknotes"
	}
	return filepath.Join(home, ".local", "share", "worknotes")
}

// ConfigFilePath returns the location of the optional JSON config file.
func ConfigFilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "worknotes", "config.json")
}

// Load builds the effective configuration. The API token and index key are
// secrets and only come from the environment, never the config file.
func Load() (Config, error) {
	return loadWith(ConfigFilePath(), os.Getenv)
}

func loadWith(filePath string, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if err := applyFile(&cfg, filePath); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg, getenv)

	if cfg.Server.Token == "" {
		return Config{}, fmt.Errorf("missing required config: API token. Set it via environment variable WORKNOTES_API_TOKEN")
	}
	return cfg, nil
}
