package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Server      ServerConfig     `yaml:"server"`
	Capture     CaptureConfig    `yaml:"capture"`
	Assembler   AssemblerConfig  `yaml:"assembler"`
	Network     NetworkConfig    `yaml:"network"`
	Status      StatusConfig     `yaml:"status"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// ServerConfig describes the recognition service connection.
type ServerConfig struct {
	URL                 string            `yaml:"url"`
	Mode                string            `yaml:"mode"` // offline, online, 2pass
	WavName             string            `yaml:"wav_name"`
	ConnectTimeoutMS    int               `yaml:"connect_timeout_ms"`
	HeartbeatIntervalMS int               `yaml:"heartbeat_interval_ms"`
	ReconnectAttempts   int               `yaml:"reconnect_attempts"`
	ReconnectDelayMS    int               `yaml:"reconnect_delay_ms"`
	QueueCapacity       int               `yaml:"queue_capacity"`
	ITN                 bool              `yaml:"itn"`
	Hotwords            map[string]int    `yaml:"hotwords"`
	ChunkSize           []int             `yaml:"chunk_size"`
	ChunkInterval       int               `yaml:"chunk_interval"`
	Headers             map[string]string `yaml:"headers"`
	Params              map[string]string `yaml:"params"`
	TLSInsecure         bool              `yaml:"tls_insecure"`
	FinalGraceMS        int               `yaml:"final_grace_ms"`
}

// CaptureConfig selects and tunes the audio source.
type CaptureConfig struct {
	Backend          string `yaml:"backend"` // portaudio, command, wav
	Device           string `yaml:"device"`
	Command          string `yaml:"command"`
	File             string `yaml:"file"`
	Realtime         bool   `yaml:"realtime"`
	NativeSampleRate int    `yaml:"native_sample_rate"`
	SampleRate       int    `yaml:"sample_rate"`
	FrameDurationMS  int    `yaml:"frame_duration_ms"`
	MaxDurationSec   int    `yaml:"max_duration_sec"`
	BufferSeconds    int    `yaml:"buffer_seconds"`
	AutoStart        bool   `yaml:"auto_start"`
}

type AssemblerConfig struct {
	MaxSegments int `yaml:"max_segments"`
	MaxResults  int `yaml:"max_results"`
}

type NetworkConfig struct {
	ProbeEnabled    bool   `yaml:"probe_enabled"`
	// ProbeTarget is a host:port that stands for general connectivity. When
	// empty the recognition server itself is probed, so a server outage
	// reads as offline.
	ProbeTarget     string `yaml:"probe_target"`
	ProbeIntervalMS int    `yaml:"probe_interval_ms"`
	ProbeTimeoutMS  int    `yaml:"probe_timeout_ms"`
}

type StatusConfig struct {
	DebounceMS      int `yaml:"debounce_ms"`
	ErrorSuppressMS int `yaml:"error_suppress_ms"`
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
	Stream         string   `yaml:"stream"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Server: ServerConfig{
			URL:                 "ws://127.0.0.1:10095",
			Mode:                "2pass",
			WavName:             "microphone",
			ConnectTimeoutMS:    10000,
			HeartbeatIntervalMS: 30000,
			ReconnectAttempts:   3,
			ReconnectDelayMS:    3000,
			QueueCapacity:       100,
			ITN:                 true,
			ChunkSize:           []int{5, 10, 5},
			ChunkInterval:       10,
			FinalGraceMS:        3000,
		},
		Capture: CaptureConfig{
			Backend:          "portaudio",
			Realtime:         true,
			NativeSampleRate: 48000,
			SampleRate:       16000,
			FrameDurationMS:  100,
			MaxDurationSec:   60,
			BufferSeconds:    300,
		},
		Assembler: AssemblerConfig{
			MaxSegments: 500,
			MaxResults:  1000,
		},
		Network: NetworkConfig{
			ProbeEnabled:    true,
			ProbeIntervalMS: 5000,
			ProbeTimeoutMS:  2000,
		},
		Status: StatusConfig{
			DebounceMS:      100,
			ErrorSuppressMS: 5000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Stream:         "ASR_TRANSCRIPTS",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-asr.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Server.URL, "LOQA_SERVER_URL")
	overrideString(&cfg.Server.Mode, "LOQA_SERVER_MODE")
	overrideString(&cfg.Server.WavName, "LOQA_SERVER_WAV_NAME")
	overrideInt(&cfg.Server.ConnectTimeoutMS, "LOQA_SERVER_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Server.HeartbeatIntervalMS, "LOQA_SERVER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Server.ReconnectAttempts, "LOQA_SERVER_RECONNECT_ATTEMPTS")
	overrideInt(&cfg.Server.ReconnectDelayMS, "LOQA_SERVER_RECONNECT_DELAY_MS")
	overrideInt(&cfg.Server.QueueCapacity, "LOQA_SERVER_QUEUE_CAPACITY")
	overrideBool(&cfg.Server.ITN, "LOQA_SERVER_ITN")
	overrideIntSlice(&cfg.Server.ChunkSize, "LOQA_SERVER_CHUNK_SIZE")
	overrideInt(&cfg.Server.ChunkInterval, "LOQA_SERVER_CHUNK_INTERVAL")
	overrideBool(&cfg.Server.TLSInsecure, "LOQA_SERVER_TLS_INSECURE")
	overrideInt(&cfg.Server.FinalGraceMS, "LOQA_SERVER_FINAL_GRACE_MS")
	overrideString(&cfg.Capture.Backend, "LOQA_CAPTURE_BACKEND")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.File, "LOQA_CAPTURE_FILE")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideInt(&cfg.Capture.NativeSampleRate, "LOQA_CAPTURE_NATIVE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_CAPTURE_FRAME_DURATION_MS")
	overrideInt(&cfg.Capture.MaxDurationSec, "LOQA_CAPTURE_MAX_DURATION_SEC")
	overrideInt(&cfg.Capture.BufferSeconds, "LOQA_CAPTURE_BUFFER_SECONDS")
	overrideBool(&cfg.Capture.AutoStart, "LOQA_CAPTURE_AUTO_START")
	overrideInt(&cfg.Assembler.MaxSegments, "LOQA_ASSEMBLER_MAX_SEGMENTS")
	overrideInt(&cfg.Assembler.MaxResults, "LOQA_ASSEMBLER_MAX_RESULTS")
	overrideBool(&cfg.Network.ProbeEnabled, "LOQA_NETWORK_PROBE_ENABLED")
	overrideString(&cfg.Network.ProbeTarget, "LOQA_NETWORK_PROBE_TARGET")
	overrideInt(&cfg.Network.ProbeIntervalMS, "LOQA_NETWORK_PROBE_INTERVAL_MS")
	overrideInt(&cfg.Network.ProbeTimeoutMS, "LOQA_NETWORK_PROBE_TIMEOUT_MS")
	overrideInt(&cfg.Status.DebounceMS, "LOQA_STATUS_DEBOUNCE_MS")
	overrideInt(&cfg.Status.ErrorSuppressMS, "LOQA_STATUS_ERROR_SUPPRESS_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Stream, "LOQA_BUS_STREAM")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
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
		if trimmed := splitList(value); len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideIntSlice(target *[]int, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var parsed []int
	for _, part := range splitList(value) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return
		}
		parsed = append(parsed, n)
	}
	if len(parsed) > 0 {
		*target = parsed
	}
}

func splitList(value string) []string {
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateCapture(cfg.Capture); err != nil {
		return err
	}
	if cfg.Assembler.MaxSegments <= 0 || cfg.Assembler.MaxResults <= 0 {
		return errors.New("assembler.max_segments and assembler.max_results must be positive")
	}
	if cfg.Network.ProbeEnabled && cfg.Network.ProbeIntervalMS <= 0 {
		return errors.New("network.probe_interval_ms must be positive when probing is enabled")
	}
	if target := cfg.Network.ProbeTarget; target != "" {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return fmt.Errorf("network.probe_target must be host:port: %w", err)
		}
	}
	if cfg.Status.DebounceMS < 0 || cfg.Status.ErrorSuppressMS < 0 {
		return errors.New("status durations must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if (cfg.Bus.Port <= 0 && cfg.Bus.Port != -1) || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}

func validateServer(s ServerConfig) error {
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return errors.New("server.url must be an absolute ws:// or wss:// url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("server.url must use the ws or wss scheme")
	}
	switch s.Mode {
	case "offline", "online", "2pass":
	default:
		return errors.New("server.mode must be one of offline|online|2pass")
	}
	if s.ConnectTimeoutMS <= 0 {
		return errors.New("server.connect_timeout_ms must be positive")
	}
	if s.HeartbeatIntervalMS <= 0 {
		return errors.New("server.heartbeat_interval_ms must be positive")
	}
	if s.ReconnectAttempts < 0 {
		return errors.New("server.reconnect_attempts must be >= 0")
	}
	if s.ReconnectDelayMS < 0 {
		return errors.New("server.reconnect_delay_ms must be >= 0")
	}
	if s.QueueCapacity <= 0 {
		return errors.New("server.queue_capacity must be >= 1")
	}
	if len(s.ChunkSize) != 3 {
		return errors.New("server.chunk_size must have exactly three entries")
	}
	return nil
}

func validateCapture(c CaptureConfig) error {
	switch c.Backend {
	case "portaudio":
	case "command":
		if c.Command == "" {
			return errors.New("capture.command must be set when backend=command")
		}
	case "wav":
		if c.File == "" {
			return errors.New("capture.file must be set when backend=wav")
		}
	default:
		return errors.New("capture.backend must be one of portaudio|command|wav")
	}
	if c.SampleRate <= 0 || c.NativeSampleRate <= 0 {
		return errors.New("capture sample rates must be positive")
	}
	if c.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if c.MaxDurationSec <= 0 || c.MaxDurationSec > 600 {
		return errors.New("capture.max_duration_sec must be between 1 and 600")
	}
	if c.BufferSeconds < c.FrameDurationMS/1000+1 {
		return errors.New("capture.buffer_seconds must hold at least one frame")
	}
	return nil
}
