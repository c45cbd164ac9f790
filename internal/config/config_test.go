package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.URL != "ws://127.0.0.1:10095" {
		t.Fatalf("expected default server, got %v", cfg.Server.URL)
	}
	if cfg.Server.QueueCapacity != 100 || cfg.Server.ReconnectAttempts != 3 {
		t.Fatalf("unexpected connection defaults: %+v", cfg.Server)
	}
	if cfg.Capture.FrameDurationMS != 100 || cfg.Capture.SampleRate != 16000 {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-asr.yaml")
	data := []byte(`
server:
  url: wss://asr.example.com:10095
  mode: online
  hotwords:
    loqa: 30
  headers:
    X-Api-Key: abc
capture:
  backend: wav
  file: ./fixtures/hello.wav
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Mode != "online" || cfg.Server.Hotwords["loqa"] != 30 {
		t.Fatalf("expected file values, got %+v", cfg.Server)
	}
	if cfg.Server.Headers["X-Api-Key"] != "abc" {
		t.Fatalf("expected headers, got %v", cfg.Server.Headers)
	}
	if cfg.Server.HeartbeatIntervalMS != 30000 {
		t.Fatalf("expected defaults retained, got %d", cfg.Server.HeartbeatIntervalMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_SERVER_URL", "ws://asr.internal:10095")
	t.Setenv("LOQA_SERVER_MODE", "offline")
	t.Setenv("LOQA_SERVER_RECONNECT_ATTEMPTS", "5")
	t.Setenv("LOQA_SERVER_CHUNK_SIZE", "8, 8, 4")
	t.Setenv("LOQA_CAPTURE_BACKEND", "command")
	t.Setenv("LOQA_CAPTURE_COMMAND", "ffmpeg -f pulse -i default -ac 1 -ar 48000 -f f32le -")
	t.Setenv("LOQA_CAPTURE_MAX_DURATION_SEC", "120")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_NETWORK_PROBE_TARGET", "1.1.1.1:53")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.URL != "ws://asr.internal:10095" || cfg.Server.Mode != "offline" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Server.ReconnectAttempts != 5 {
		t.Fatalf("expected reconnect attempts 5, got %d", cfg.Server.ReconnectAttempts)
	}
	if len(cfg.Server.ChunkSize) != 3 || cfg.Server.ChunkSize[0] != 8 || cfg.Server.ChunkSize[2] != 4 {
		t.Fatalf("expected chunk size override, got %v", cfg.Server.ChunkSize)
	}
	if cfg.Capture.Backend != "command" || cfg.Capture.MaxDurationSec != 120 {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides")
	}
	if cfg.Network.ProbeTarget != "1.1.1.1:53" {
		t.Fatalf("expected probe target override, got %q", cfg.Network.ProbeTarget)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad scheme":      func(c *Config) { c.Server.URL = "http://localhost:10095" },
		"bad mode":        func(c *Config) { c.Server.Mode = "batch" },
		"zero queue":      func(c *Config) { c.Server.QueueCapacity = 0 },
		"chunk geometry":  func(c *Config) { c.Server.ChunkSize = []int{5, 10} },
		"command missing": func(c *Config) { c.Capture.Backend = "command" },
		"max duration":    func(c *Config) { c.Capture.MaxDurationSec = 601 },
		"retention mode":  func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"probe target":    func(c *Config) { c.Network.ProbeTarget = "gateway.local" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
