package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Audio       AudioConfig      `yaml:"audio"`
	Model       ModelConfig      `yaml:"model"`
	Clipboard   ClipboardConfig  `yaml:"clipboard"`
	Notify      NotifyConfig     `yaml:"notify"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type AudioConfig struct {
	Backend         string `yaml:"backend"` // portaudio, synthetic
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	MaxDurationMS   int    `yaml:"max_duration_ms"`
}

type ModelConfig struct {
	Name             string  `yaml:"name"`
	Backend          string  `yaml:"backend"` // whispercpp, exec, mock
	CacheDir         string  `yaml:"cache_dir"`
	BaseURL          string  `yaml:"base_url"`
	Command          string  `yaml:"command"`
	Language         string  `yaml:"language"`
	Threads          int     `yaml:"threads"`
	// TimeoutMS bounds one transcription. The whispercpp backend can only
	// abort before the encoder starts, so a decode in flight still finishes
	// before the timeout is reported.
	TimeoutMS        int     `yaml:"timeout_ms"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	MinDurationMS    int     `yaml:"min_duration_ms"`
	DownloadAttempts int     `yaml:"download_attempts"`
}

type ClipboardConfig struct {
	Mode    string `yaml:"mode"` // system, exec, memory
	Command string `yaml:"command"`
}

type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Title   string `yaml:"title"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SupportedModels lists the model names accepted by model.name, smallest first.
var SupportedModels = []string{"base", "small", "medium", "large"}

func Default() Config {
	return Config{
		RuntimeName: "loqa-clip",
		Environment: "desktop",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Audio: AudioConfig{
			Backend:         "portaudio",
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 1024,
		},
		Model: ModelConfig{
			Name:             SupportedModels[0],
			Backend:          "whispercpp",
			CacheDir:         "./model",
			BaseURL:          "https://huggingface.co/ggerganov/whisper.cpp/resolve/main",
			TimeoutMS:        120000,
			SilenceThreshold: 0.0005,
			MinDurationMS:    100,
			DownloadAttempts: 4,
		},
		Clipboard: ClipboardConfig{
			Mode: "system",
		},
		Notify: NotifyConfig{
			Enabled: false,
			Title:   "loqa-clip",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4223,
			Servers:        []string{"nats://127.0.0.1:4223"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-clip.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file, any
// .env files and the process environment, in that order.
func Load(path string, envFiles ...string) (Config, error) {
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

	if err := loadEnvFiles(envFiles); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadEnvFiles feeds .env style files into the process environment without
// overwriting variables that are already set. Missing files are skipped.
func loadEnvFiles(files []string) error {
	var present []string
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		present = append(present, f)
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_CLIP_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_CLIP_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_CLIP_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_CLIP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_CLIP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_CLIP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_CLIP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_CLIP_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_CLIP_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Audio.Backend, "LOQA_CLIP_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_CLIP_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_CLIP_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FramesPerBuffer, "LOQA_CLIP_AUDIO_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Audio.MaxDurationMS, "LOQA_CLIP_AUDIO_MAX_DURATION_MS")
	overrideString(&cfg.Model.Name, "WHISPER_MODEL")
	overrideString(&cfg.Model.Name, "LOQA_CLIP_MODEL_NAME")
	overrideString(&cfg.Model.Backend, "LOQA_CLIP_MODEL_BACKEND")
	overrideString(&cfg.Model.CacheDir, "LOQA_CLIP_MODEL_CACHE_DIR")
	overrideString(&cfg.Model.BaseURL, "LOQA_CLIP_MODEL_BASE_URL")
	overrideString(&cfg.Model.Command, "LOQA_CLIP_MODEL_COMMAND")
	overrideString(&cfg.Model.Language, "LOQA_CLIP_MODEL_LANGUAGE")
	overrideInt(&cfg.Model.Threads, "LOQA_CLIP_MODEL_THREADS")
	overrideInt(&cfg.Model.TimeoutMS, "LOQA_CLIP_MODEL_TIMEOUT_MS")
	overrideFloat(&cfg.Model.SilenceThreshold, "LOQA_CLIP_MODEL_SILENCE_THRESHOLD")
	overrideInt(&cfg.Model.MinDurationMS, "LOQA_CLIP_MODEL_MIN_DURATION_MS")
	overrideInt(&cfg.Model.DownloadAttempts, "LOQA_CLIP_MODEL_DOWNLOAD_ATTEMPTS")
	overrideString(&cfg.Clipboard.Mode, "LOQA_CLIP_CLIPBOARD_MODE")
	overrideString(&cfg.Clipboard.Command, "LOQA_CLIP_CLIPBOARD_COMMAND")
	overrideBool(&cfg.Notify.Enabled, "LOQA_CLIP_NOTIFY_ENABLED")
	overrideString(&cfg.Notify.Title, "LOQA_CLIP_NOTIFY_TITLE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_CLIP_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_CLIP_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_CLIP_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_CLIP_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_CLIP_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_CLIP_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_CLIP_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_CLIP_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_CLIP_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_CLIP_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_CLIP_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_CLIP_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_CLIP_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_CLIP_EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
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
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			*target = parsed
		}
	}
}

// IsSupportedModel reports whether name is one of SupportedModels.
func IsSupportedModel(name string) bool {
	for _, m := range SupportedModels {
		if m == name {
			return true
		}
	}
	return false
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}

	switch cfg.Audio.Backend {
	case "portaudio", "synthetic":
	default:
		return errors.New("audio.backend must be one of portaudio|synthetic")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1 (mono)")
	}
	if cfg.Audio.FramesPerBuffer <= 0 {
		return errors.New("audio.frames_per_buffer must be positive")
	}
	if cfg.Audio.MaxDurationMS < 0 {
		return errors.New("audio.max_duration_ms must be >= 0")
	}

	if !IsSupportedModel(cfg.Model.Name) {
		return fmt.Errorf("model.name %q is not supported (want one of %s)", cfg.Model.Name, strings.Join(SupportedModels, "|"))
	}
	switch cfg.Model.Backend {
	case "whispercpp", "mock":
	case "exec":
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when backend=exec")
		}
	default:
		return errors.New("model.backend must be one of whispercpp|exec|mock")
	}
	if cfg.Model.Backend == "whispercpp" && cfg.Audio.SampleRate != 16000 {
		return errors.New("audio.sample_rate must be 16000 when model.backend=whispercpp")
	}
	if cfg.Model.CacheDir == "" {
		return errors.New("model.cache_dir must not be empty")
	}
	if cfg.Model.Threads < 0 {
		return errors.New("model.threads must be >= 0")
	}
	if cfg.Model.TimeoutMS < 0 {
		return errors.New("model.timeout_ms must be >= 0")
	}
	if cfg.Model.SilenceThreshold < 0 {
		return errors.New("model.silence_threshold must be >= 0")
	}
	if cfg.Model.DownloadAttempts <= 0 {
		return errors.New("model.download_attempts must be >= 1")
	}

	switch cfg.Clipboard.Mode {
	case "system", "memory":
	case "exec":
		if cfg.Clipboard.Command == "" {
			return errors.New("clipboard.command must be set when mode=exec")
		}
	default:
		return errors.New("clipboard.mode must be one of system|exec|memory")
	}

	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}

	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
