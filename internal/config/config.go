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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	Speech      SpeechConfig    `yaml:"speech"`
	Timing      TimingConfig    `yaml:"timing"`
	Sync        SyncConfig      `yaml:"sync"`
	Narration   NarrationConfig `yaml:"narration"`
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

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig selects and parameterizes the synthesis backend.
type SpeechConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	Voice          string `yaml:"voice"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	SynthTimeoutMS int    `yaml:"synth_timeout_ms"`
}

// TimingConfig parameterizes estimated word timings used when a
// backend provides no speech marks.
type TimingConfig struct {
	TargetWPM int `yaml:"target_wpm"`
}

// SyncConfig parameterizes the playback synchronizer.
type SyncConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms"`
	MaxNullReads   int `yaml:"max_null_reads"`
}

type NarrationConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DefaultVoice string `yaml:"default_voice"`
}

func Default() Config {
	return Config{
		RuntimeName: "narrate-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/narrate-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Mode:           "mock",
			SampleRate:     22050,
			Channels:       1,
			SynthTimeoutMS: 30000,
		},
		Timing: TimingConfig{
			TargetWPM: 150,
		},
		Sync: SyncConfig{
			TickIntervalMS: 50,
			MaxNullReads:   3,
		},
		Narration: NarrationConfig{
			Enabled:      true,
			DefaultVoice: "en-US",
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
	overrideString(&cfg.RuntimeName, "NARRATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "NARRATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "NARRATE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "NARRATE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "NARRATE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "NARRATE_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "NARRATE_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Speech.Mode, "NARRATE_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "NARRATE_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Voice, "NARRATE_SPEECH_VOICE")
	overrideInt(&cfg.Speech.SampleRate, "NARRATE_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "NARRATE_SPEECH_CHANNELS")
	overrideInt(&cfg.Speech.SynthTimeoutMS, "NARRATE_SPEECH_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Timing.TargetWPM, "NARRATE_TIMING_TARGET_WPM")
	overrideInt(&cfg.Sync.TickIntervalMS, "NARRATE_SYNC_TICK_INTERVAL_MS")
	overrideInt(&cfg.Sync.MaxNullReads, "NARRATE_SYNC_MAX_NULL_READS")
	overrideBool(&cfg.Narration.Enabled, "NARRATE_NARRATION_ENABLED")
	overrideString(&cfg.Narration.DefaultVoice, "NARRATE_NARRATION_DEFAULT_VOICE")
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
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	switch cfg.Speech.Mode {
	case "mock", "exec":
	default:
		return errors.New("speech.mode must be one of mock|exec")
	}
	if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when mode=exec")
	}
	if cfg.Speech.SampleRate <= 0 {
		return errors.New("speech.sample_rate must be positive")
	}
	if cfg.Speech.Channels <= 0 {
		return errors.New("speech.channels must be positive")
	}
	if cfg.Speech.SynthTimeoutMS <= 0 {
		return errors.New("speech.synth_timeout_ms must be positive")
	}
	if cfg.Timing.TargetWPM <= 0 {
		return errors.New("timing.target_wpm must be positive")
	}
	if cfg.Sync.TickIntervalMS <= 0 {
		return errors.New("sync.tick_interval_ms must be positive")
	}
	if cfg.Sync.MaxNullReads <= 0 {
		return errors.New("sync.max_null_reads must be positive")
	}
	if cfg.Narration.Enabled && cfg.Narration.DefaultVoice == "" {
		return errors.New("narration.default_voice must not be empty when narration is enabled")
	}
	return nil
}
