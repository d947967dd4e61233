package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	apply  func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "WORKNOTES_SERVER_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		key: "server.token", typ: kString, env: "WORKNOTES_API_TOKEN", secret: true,
		apply: func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
	},
	{
		key: "ollama.base_url", typ: kString, env: "WORKNOTES_OLLAMA_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
	},
	{
		key: "ollama.draft_model", typ: kString, env: "WORKNOTES_OLLAMA_DRAFT_MODEL",
		apply: func(cfg *Config, v any) { cfg.Ollama.DraftModel = v.(string) },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "WORKNOTES_OLLAMA_EMBED_MODEL",
		apply: func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
	},
	{
		key: "index.base_url", typ: kString, env: "WORKNOTES_INDEX_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.Index.BaseURL = v.(string) },
	},
	{
		key: "index.api_key", typ: kString, env: "WORKNOTES_INDEX_API_KEY", secret: true,
		apply: func(cfg *Config, v any) { cfg.Index.APIKey = v.(string) },
	},
	{
		key: "index.top_k", typ: kInt, env: "WORKNOTES_INDEX_TOP_K",
		apply: func(cfg *Config, v any) { cfg.Index.TopK = v.(int) },
	},
	{
		key: "index.min_score", typ: kFloat, env: "WORKNOTES_INDEX_MIN_SCORE",
		apply: func(cfg *Config, v any) { cfg.Index.MinScore = v.(float64) },
	},
	{
		key: "storage.data_dir", typ: kString, env: "WORKNOTES_STORAGE_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "WORKNOTES_RETRY_MAX_ATTEMPTS",
		apply: func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
	},
	{
		key: "retry.backoff_base", typ: kFloat, env: "WORKNOTES_RETRY_BACKOFF_BASE",
		apply: func(cfg *Config, v any) { cfg.Retry.BackoffBase = v.(float64) },
	},
	{
		key: "retry.batch_size", typ: kInt, env: "WORKNOTES_RETRY_BATCH_SIZE",
		apply: func(cfg *Config, v any) { cfg.Retry.BatchSize = v.(int) },
	},
	{
		key: "retry.sweep_interval", typ: kString, env: "WORKNOTES_RETRY_SWEEP_INTERVAL",
		apply: func(cfg *Config, v any) { cfg.Retry.SweepInterval = v.(string) },
	},
	{
		key: "ingest.max_upload_bytes", typ: kInt, env: "WORKNOTES_INGEST_MAX_UPLOAD_BYTES",
		apply: func(cfg *Config, v any) { cfg.Ingest.MaxUploadBytes = v.(int) },
	},
	{
		key: "log.level", typ: kString, env: "WORKNOTES_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
	{
		key: "dev_mode", typ: kBool, env: "WORKNOTES_DEV_MODE",
		apply: func(cfg *Config, v any) { cfg.DevMode = v.(bool) },
	},
}

// applyFile overlays values from a flat JSON object keyed by config key.
// A missing file is not an error.
func applyFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := values[s.key]
		if !ok {
			continue
		}
		switch s.typ {
		case kString:
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("config key %s: %w", s.key, err)
			}
			s.apply(cfg, v)
		case kInt:
			var v int
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("config key %s: %w", s.key, err)
			}
			s.apply(cfg, v)
		case kBool:
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("config key %s: %w", s.key, err)
			}
			s.apply(cfg, v)
		case kFloat:
			var v float64
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("config key %s: %w", s.key, err)
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
