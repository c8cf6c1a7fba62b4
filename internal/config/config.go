package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	StoryStore  StoryStoreConfig `yaml:"story_store"`
	Generation  GenerationConfig `yaml:"generation"`
	Narration   NarrationConfig  `yaml:"narration"`
	STT         STTConfig        `yaml:"stt"`
	Engine      EngineConfig     `yaml:"engine"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoryStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	MaxStoryAgeMS int    `yaml:"max_story_age_ms"`
	MaxChunks     int    `yaml:"max_chunks"`
	CacheSize     int    `yaml:"cache_size"`
}

type GenerationConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Mode           string  `yaml:"mode"` // mock, http, exec
	Endpoint       string  `yaml:"endpoint"`
	Command        string  `yaml:"command"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TargetWords    int     `yaml:"target_words"`
	MaxIterations  int     `yaml:"max_iterations"`
	CallTimeoutMS  int     `yaml:"call_timeout_ms"`
	DeadlineMS     int     `yaml:"deadline_ms"`
	RetryAttempts  int     `yaml:"retry_attempts"`
	RetryBackoffMS int     `yaml:"retry_backoff_ms"`
}

type NarrationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	Voice          string `yaml:"voice"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	ChunkThreshold int    `yaml:"chunk_threshold_chars"`
	Concurrency    int    `yaml:"max_concurrency"`
	ChunkTimeoutMS int    `yaml:"chunk_timeout_ms"`
}

type STTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type EngineConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DefaultVoice    string `yaml:"default_voice"`
	DefaultLanguage string `yaml:"default_language"`
	DefaultAge      int    `yaml:"default_age"`
}

func Default() Config {
	return Config{
		RuntimeName: "hearth-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		StoryStore: StoryStoreConfig{
			Path:          "./data/hearth-stories.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			MaxStoryAgeMS: 30 * 60 * 1000,
			MaxChunks:     24,
			CacheSize:     512,
		},
		Generation: GenerationConfig{
			Enabled:        false,
			Mode:           "mock",
			Endpoint:       "http://localhost:11434",
			Model:          "llama3.2:latest",
			MaxTokens:      256,
			Temperature:    0.7,
			TargetWords:    300,
			MaxIterations:  6,
			CallTimeoutMS:  15000,
			DeadlineMS:     60000,
			RetryAttempts:  3,
			RetryBackoffMS: 250,
		},
		Narration: NarrationConfig{
			Enabled:        false,
			Mode:           "mock",
			Voice:          "ember",
			SampleRate:     22050,
			Channels:       1,
			ChunkThreshold: 280,
			Concurrency:    3,
			ChunkTimeoutMS: 20000,
		},
		STT: STTConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
		},
		Engine: EngineConfig{
			Enabled:         true,
			DefaultVoice:    "ember",
			DefaultLanguage: "en-US",
			DefaultAge:      7,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "HEARTH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "HEARTH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HEARTH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HEARTH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HEARTH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HEARTH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HEARTH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "HEARTH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "HEARTH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HEARTH_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "HEARTH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HEARTH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HEARTH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HEARTH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "HEARTH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "HEARTH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.StoryStore.Path, "HEARTH_STORY_STORE_PATH")
	overrideString(&cfg.StoryStore.RetentionMode, "HEARTH_STORY_STORE_RETENTION_MODE")
	overrideInt(&cfg.StoryStore.RetentionDays, "HEARTH_STORY_STORE_RETENTION_DAYS")
	overrideInt(&cfg.StoryStore.MaxSessions, "HEARTH_STORY_STORE_MAX_SESSIONS")
	overrideBool(&cfg.StoryStore.VacuumOnStart, "HEARTH_STORY_STORE_VACUUM_ON_START")
	overrideInt(&cfg.StoryStore.MaxStoryAgeMS, "HEARTH_STORY_STORE_MAX_STORY_AGE_MS")
	overrideInt(&cfg.StoryStore.MaxChunks, "HEARTH_STORY_STORE_MAX_CHUNKS")
	overrideInt(&cfg.StoryStore.CacheSize, "HEARTH_STORY_STORE_CACHE_SIZE")
	overrideBool(&cfg.Generation.Enabled, "HEARTH_GENERATION_ENABLED")
	overrideString(&cfg.Generation.Mode, "HEARTH_GENERATION_MODE")
	overrideString(&cfg.Generation.Endpoint, "HEARTH_GENERATION_ENDPOINT")
	overrideString(&cfg.Generation.Command, "HEARTH_GENERATION_COMMAND")
	overrideString(&cfg.Generation.Model, "HEARTH_GENERATION_MODEL")
	overrideInt(&cfg.Generation.MaxTokens, "HEARTH_GENERATION_MAX_TOKENS")
	overrideFloat(&cfg.Generation.Temperature, "HEARTH_GENERATION_TEMPERATURE")
	overrideInt(&cfg.Generation.TargetWords, "HEARTH_GENERATION_TARGET_WORDS")
	overrideInt(&cfg.Generation.MaxIterations, "HEARTH_GENERATION_MAX_ITERATIONS")
	overrideInt(&cfg.Generation.CallTimeoutMS, "HEARTH_GENERATION_CALL_TIMEOUT_MS")
	overrideInt(&cfg.Generation.DeadlineMS, "HEARTH_GENERATION_DEADLINE_MS")
	overrideInt(&cfg.Generation.RetryAttempts, "HEARTH_GENERATION_RETRY_ATTEMPTS")
	overrideInt(&cfg.Generation.RetryBackoffMS, "HEARTH_GENERATION_RETRY_BACKOFF_MS")
	overrideBool(&cfg.Narration.Enabled, "HEARTH_NARRATION_ENABLED")
	overrideString(&cfg.Narration.Mode, "HEARTH_NARRATION_MODE")
	overrideString(&cfg.Narration.Command, "HEARTH_NARRATION_COMMAND")
	overrideString(&cfg.Narration.Voice, "HEARTH_NARRATION_VOICE")
	overrideInt(&cfg.Narration.SampleRate, "HEARTH_NARRATION_SAMPLE_RATE")
	overrideInt(&cfg.Narration.Channels, "HEARTH_NARRATION_CHANNELS")
	overrideInt(&cfg.Narration.ChunkThreshold, "HEARTH_NARRATION_CHUNK_THRESHOLD_CHARS")
	overrideInt(&cfg.Narration.Concurrency, "HEARTH_NARRATION_MAX_CONCURRENCY")
	overrideInt(&cfg.Narration.ChunkTimeoutMS, "HEARTH_NARRATION_CHUNK_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "HEARTH_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "HEARTH_STT_MODE")
	overrideString(&cfg.STT.Command, "HEARTH_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "HEARTH_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "HEARTH_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "HEARTH_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "HEARTH_STT_CHANNELS")
	overrideBool(&cfg.Engine.Enabled, "HEARTH_ENGINE_ENABLED")
	overrideString(&cfg.Engine.DefaultVoice, "HEARTH_ENGINE_DEFAULT_VOICE")
	overrideString(&cfg.Engine.DefaultLanguage, "HEARTH_ENGINE_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Engine.DefaultAge, "HEARTH_ENGINE_DEFAULT_AGE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.StoryStore.Path == "" {
		return errors.New("story_store.path must not be empty")
	}
	switch cfg.StoryStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("story_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.StoryStore.RetentionDays < 0 {
		return errors.New("story_store.retention_days must be >= 0")
	}
	if cfg.StoryStore.MaxStoryAgeMS <= 0 {
		return errors.New("story_store.max_story_age_ms must be positive")
	}
	if cfg.StoryStore.MaxChunks <= 0 {
		return errors.New("story_store.max_chunks must be positive")
	}
	if cfg.StoryStore.CacheSize <= 0 {
		return errors.New("story_store.cache_size must be positive")
	}
	if cfg.Generation.Enabled {
		switch cfg.Generation.Mode {
		case "mock", "http", "exec":
		default:
			return errors.New("generation.mode must be one of mock|http|exec")
		}
		if cfg.Generation.Mode == "http" && cfg.Generation.Endpoint == "" {
			return errors.New("generation.endpoint must be set when mode=http")
		}
		if cfg.Generation.Mode == "exec" && cfg.Generation.Command == "" {
			return errors.New("generation.command must be set when mode=exec")
		}
		if cfg.Generation.MaxTokens < 0 {
			return errors.New("generation.max_tokens must be >= 0")
		}
		if cfg.Generation.TargetWords <= 0 {
			return errors.New("generation.target_words must be positive")
		}
		if cfg.Generation.MaxIterations <= 0 {
			return errors.New("generation.max_iterations must be positive")
		}
		if cfg.Generation.CallTimeoutMS <= 0 || cfg.Generation.DeadlineMS <= 0 {
			return errors.New("generation timeouts must be positive")
		}
		if cfg.Generation.RetryAttempts < 0 {
			return errors.New("generation.retry_attempts must be >= 0")
		}
	}
	if cfg.Narration.Enabled {
		switch cfg.Narration.Mode {
		case "mock", "exec":
		default:
			return errors.New("narration.mode must be one of mock|exec")
		}
		if cfg.Narration.Mode == "exec" && cfg.Narration.Command == "" {
			return errors.New("narration.command must be set when mode=exec")
		}
		if cfg.Narration.SampleRate <= 0 {
			return errors.New("narration.sample_rate must be positive")
		}
		if cfg.Narration.Channels <= 0 {
			return errors.New("narration.channels must be positive")
		}
		if cfg.Narration.ChunkThreshold <= 0 {
			return errors.New("narration.chunk_threshold_chars must be positive")
		}
		if cfg.Narration.Concurrency <= 0 {
			return errors.New("narration.max_concurrency must be >= 1")
		}
		if cfg.Narration.ChunkTimeoutMS <= 0 {
			return errors.New("narration.chunk_timeout_ms must be positive")
		}
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.Engine.Enabled {
		if cfg.Engine.DefaultAge < 3 || cfg.Engine.DefaultAge > 12 {
			return errors.New("engine.default_age must be between 3 and 12")
		}
		if cfg.Engine.DefaultVoice == "" {
			return errors.New("engine.default_voice must not be empty")
		}
	}
	return nil
}
