// Package config loads runtime settings: defaults, then a TOML file, then
// SMARTMEETOS_* environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Calendar  CalendarConfig  `toml:"calendar"`
	Notetaker NotetakerConfig `toml:"notetaker"`
	LLM       LLMConfig       `toml:"llm"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Database  DatabaseConfig  `toml:"database"`
	State     StateConfig     `toml:"state"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Observer  ObserverConfig  `toml:"observer"`
}

type CalendarConfig struct {
	ClientSecretPath string `toml:"client_secret_path"`
	TokenPath        string `toml:"token_path"`
	CalendarID       string `toml:"calendar_id"`
}

type NotetakerConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	GrantID        string `toml:"grant_id"`
	BotName        string `toml:"bot_name"`
	Transcription  bool   `toml:"transcription"`
	AudioRecording bool   `toml:"audio_recording"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type PipelineConfig struct {
	MaxChunkChars    int `toml:"max_chunk_chars"`
	OverlapChars     int `toml:"overlap_chars"`
	ExtractWorkers   int `toml:"extract_workers"`
	AggregateWorkers int `toml:"aggregate_workers"`
}

type RateLimitConfig struct {
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type DatabaseConfig struct {
	// Driver selects the row store: "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type StateConfig struct {
	Dir string `toml:"dir"`
}

type SchedulerConfig struct {
	PollSeconds     int `toml:"poll_seconds"`
	WindowMinutes   int `toml:"window_minutes"`
	LookbackMinutes int `toml:"lookback_minutes"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Calendar: CalendarConfig{
			ClientSecretPath: "client_secret.json",
			TokenPath:        "token.json",
			CalendarID:       "primary",
		},
		Notetaker: NotetakerConfig{
			BotName:        "SmartMeetOS Notetaker",
			Transcription:  true,
			AudioRecording: true,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Pipeline: PipelineConfig{
			MaxChunkChars:    2000,
			OverlapChars:     200,
			ExtractWorkers:   4,
			AggregateWorkers: 4,
		},
		RateLimit: RateLimitConfig{RPM: 30, TPM: 100000},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "smartmeetos.db"},
		State:     StateConfig{Dir: "state"},
		Scheduler: SchedulerConfig{
			PollSeconds:     15,
			WindowMinutes:   120,
			LookbackMinutes: 120,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "smartmeetos.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("SMARTMEETOS_NOTETAKER_API_KEY"); v != "" {
		cfg.Notetaker.APIKey = v
	}
	if v := os.Getenv("SMARTMEETOS_NOTETAKER_BASE_URL"); v != "" {
		cfg.Notetaker.BaseURL = v
	}
	if v := os.Getenv("SMARTMEETOS_NOTETAKER_GRANT_ID"); v != "" {
		cfg.Notetaker.GrantID = v
	}
	if v := os.Getenv("SMARTMEETOS_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SMARTMEETOS_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SMARTMEETOS_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SMARTMEETOS_POSTGRES_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("SMARTMEETOS_STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv("SMARTMEETOS_CALENDAR_ID"); v != "" {
		cfg.Calendar.CalendarID = v
	}
	if v := os.Getenv("SMARTMEETOS_RATELIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.RPM = n
		}
	}
	if v := os.Getenv("SMARTMEETOS_RATELIMIT_TPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.TPM = n
		}
	}
	if v := os.Getenv("SMARTMEETOS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("SMARTMEETOS_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}

	return cfg
}
