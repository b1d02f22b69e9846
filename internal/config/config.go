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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	VAD         VADConfig        `yaml:"vad"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Decode      DecodeConfig     `yaml:"decode"`
	STT         STTConfig        `yaml:"stt"`
	Ingest      IngestConfig     `yaml:"ingest"`
	Keywords    KeywordsConfig   `yaml:"keywords"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig describes the live input used by the streaming quiz.
type CaptureConfig struct {
	Mode            string `yaml:"mode"` // exec, stdin, portaudio
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type VADConfig struct {
	Mode           string  `yaml:"mode"` // energy, webrtc
	Aggressiveness int     `yaml:"aggressiveness"`
	Threshold      float64 `yaml:"threshold"`
}

type SegmenterConfig struct {
	WindowFrames int     `yaml:"window_frames"`
	Ratio        float64 `yaml:"ratio"`
	QueueSize    int     `yaml:"queue_size"`
	QueuePolicy  string  `yaml:"queue_policy"` // block, drop_oldest
}

type DecodeConfig struct {
	Command       string `yaml:"command"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	MinChunkBytes int    `yaml:"min_chunk_bytes"`
}

type STTConfig struct {
	Mode          string `yaml:"mode"` // mock, exec, whisper
	Command       string `yaml:"command"`
	ModelPath     string `yaml:"model_path"`
	Language      string `yaml:"language"`
	BeamSize      int    `yaml:"beam_size"`
	VoiceFilter   bool   `yaml:"voice_filter"`
	InitialPrompt string `yaml:"initial_prompt"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

type IngestConfig struct {
	SessionTTLSeconds    int   `yaml:"session_ttl_seconds"`
	SweepIntervalSeconds int   `yaml:"sweep_interval_seconds"`
	MaxUploadBytes       int64 `yaml:"max_upload_bytes"`
}

type KeywordsConfig struct {
	Path string `yaml:"path"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-fluency",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/fluency-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Mode:            "exec",
			Command:         "arecord -q -t raw -f S16_LE -c 1 -r 16000",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 30,
		},
		VAD: VADConfig{
			Mode:           "energy",
			Aggressiveness: 1,
		},
		Segmenter: SegmenterConfig{
			WindowFrames: 30,
			Ratio:        0.5,
			QueueSize:    16,
			QueuePolicy:  "block",
		},
		Decode: DecodeConfig{
			Command:       "ffmpeg -hide_banner -loglevel error -i pipe:0 -f f32le -ac 1 -ar 16000 pipe:1",
			TimeoutMS:     30000,
			MinChunkBytes: 1024,
		},
		STT: STTConfig{
			Mode:        "mock",
			Language:    "zh",
			BeamSize:    5,
			VoiceFilter: true,
			TimeoutMS:   120000,
		},
		Ingest: IngestConfig{
			SessionTTLSeconds:    1800,
			SweepIntervalSeconds: 60,
			MaxUploadBytes:       32 << 20,
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
	overrideString(&cfg.RuntimeName, "FLUENCY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "FLUENCY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "FLUENCY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FLUENCY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FLUENCY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FLUENCY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FLUENCY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "FLUENCY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "FLUENCY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "FLUENCY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FLUENCY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "FLUENCY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "FLUENCY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FLUENCY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FLUENCY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FLUENCY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FLUENCY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FLUENCY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "FLUENCY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "FLUENCY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "FLUENCY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "FLUENCY_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "FLUENCY_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "FLUENCY_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "FLUENCY_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "FLUENCY_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "FLUENCY_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "FLUENCY_CAPTURE_FRAME_DURATION_MS")
	overrideString(&cfg.VAD.Mode, "FLUENCY_VAD_MODE")
	overrideInt(&cfg.VAD.Aggressiveness, "FLUENCY_VAD_AGGRESSIVENESS")
	overrideFloat(&cfg.VAD.Threshold, "FLUENCY_VAD_THRESHOLD")
	overrideInt(&cfg.Segmenter.WindowFrames, "FLUENCY_SEGMENTER_WINDOW_FRAMES")
	overrideFloat(&cfg.Segmenter.Ratio, "FLUENCY_SEGMENTER_RATIO")
	overrideInt(&cfg.Segmenter.QueueSize, "FLUENCY_SEGMENTER_QUEUE_SIZE")
	overrideString(&cfg.Segmenter.QueuePolicy, "FLUENCY_SEGMENTER_QUEUE_POLICY")
	overrideString(&cfg.Decode.Command, "FLUENCY_DECODE_COMMAND")
	overrideInt(&cfg.Decode.TimeoutMS, "FLUENCY_DECODE_TIMEOUT_MS")
	overrideInt(&cfg.Decode.MinChunkBytes, "FLUENCY_DECODE_MIN_CHUNK_BYTES")
	overrideString(&cfg.STT.Mode, "FLUENCY_STT_MODE")
	overrideString(&cfg.STT.Command, "FLUENCY_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "FLUENCY_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "FLUENCY_STT_LANGUAGE")
	overrideInt(&cfg.STT.BeamSize, "FLUENCY_STT_BEAM_SIZE")
	overrideBool(&cfg.STT.VoiceFilter, "FLUENCY_STT_VOICE_FILTER")
	overrideString(&cfg.STT.InitialPrompt, "FLUENCY_STT_INITIAL_PROMPT")
	overrideInt(&cfg.STT.TimeoutMS, "FLUENCY_STT_TIMEOUT_MS")
	overrideInt(&cfg.Ingest.SessionTTLSeconds, "FLUENCY_INGEST_SESSION_TTL_SECONDS")
	overrideInt(&cfg.Ingest.SweepIntervalSeconds, "FLUENCY_INGEST_SWEEP_INTERVAL_SECONDS")
	overrideInt64(&cfg.Ingest.MaxUploadBytes, "FLUENCY_INGEST_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Keywords.Path, "FLUENCY_KEYWORDS_PATH")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Mode {
	case "exec", "stdin", "portaudio":
	default:
		return errors.New("capture.mode must be one of exec|stdin|portaudio")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels != 1 {
		return errors.New("capture.channels must be 1")
	}
	switch cfg.Capture.FrameDurationMS {
	case 10, 20, 30:
	default:
		return errors.New("capture.frame_duration_ms must be one of 10|20|30")
	}
	switch cfg.VAD.Mode {
	case "energy", "webrtc":
	default:
		return errors.New("vad.mode must be one of energy|webrtc")
	}
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		return errors.New("vad.aggressiveness must be between 0 and 3")
	}
	if cfg.VAD.Threshold < 0 {
		return errors.New("vad.threshold must be >= 0")
	}
	if cfg.Segmenter.WindowFrames <= 0 {
		return errors.New("segmenter.window_frames must be positive")
	}
	if cfg.Segmenter.Ratio <= 0 || cfg.Segmenter.Ratio >= 1 {
		return errors.New("segmenter.ratio must be between 0 and 1 (exclusive)")
	}
	if cfg.Segmenter.QueueSize <= 0 {
		return errors.New("segmenter.queue_size must be positive")
	}
	switch cfg.Segmenter.QueuePolicy {
	case "block", "drop_oldest":
	default:
		return errors.New("segmenter.queue_policy must be one of block|drop_oldest")
	}
	if cfg.Decode.Command == "" {
		return errors.New("decode.command must not be empty")
	}
	if cfg.Decode.TimeoutMS <= 0 {
		return errors.New("decode.timeout_ms must be positive")
	}
	if cfg.Decode.MinChunkBytes < 0 {
		return errors.New("decode.min_chunk_bytes must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	if cfg.STT.BeamSize < 0 {
		return errors.New("stt.beam_size must be >= 0")
	}
	if cfg.Ingest.SessionTTLSeconds < 0 {
		return errors.New("ingest.session_ttl_seconds must be >= 0")
	}
	if cfg.Ingest.SessionTTLSeconds > 0 && cfg.Ingest.SweepIntervalSeconds <= 0 {
		return errors.New("ingest.sweep_interval_seconds must be positive when a session ttl is set")
	}
	if cfg.Ingest.MaxUploadBytes <= 0 {
		return errors.New("ingest.max_upload_bytes must be positive")
	}
	return nil
}
