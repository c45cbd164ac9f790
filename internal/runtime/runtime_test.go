package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-asr/internal/capture"
	"github.com/loqalabs/loqa-asr/internal/capture/padevice"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/mockserver"
	"github.com/loqalabs/loqa-asr/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewDeviceBackends(t *testing.T) {
	log := newLogger()

	dev, err := newDevice(config.CaptureConfig{Backend: "portaudio", Device: "USB"}, log)
	if err != nil {
		t.Fatalf("portaudio backend: %v", err)
	}
	if pa, ok := dev.(*padevice.Device); !ok || pa.Name != "USB" {
		t.Fatalf("unexpected portaudio device %#v", dev)
	}

	dev, err = newDevice(config.CaptureConfig{Backend: "wav", File: "speech.wav", Realtime: true}, log)
	if err != nil {
		t.Fatalf("wav backend: %v", err)
	}
	if w, ok := dev.(*capture.WAVDevice); !ok || w.Path != "speech.wav" || !w.Realtime {
		t.Fatalf("unexpected wav device %#v", dev)
	}

	if _, err := newDevice(config.CaptureConfig{Backend: "command", Command: "ffmpeg -f alsa -i default -f f32le -", NativeSampleRate: 48000}, log); err != nil {
		t.Fatalf("command backend: %v", err)
	}
	if _, err := newDevice(config.CaptureConfig{Backend: "wav"}, log); err == nil {
		t.Fatal("expected error for wav backend without a file")
	}
	if _, err := newDevice(config.CaptureConfig{Backend: "carrier-pigeon"}, log); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestClientOptionsMapping(t *testing.T) {
	cfg := config.Default().Server
	cfg.Headers = map[string]string{"x-api-key": "secret"}
	cfg.ReconnectAttempts = 0

	opts := clientOptions(cfg, newLogger())
	if opts.ReconnectAttempts >= 0 {
		t.Fatalf("reconnect_attempts 0 must disable reconnection, got %d", opts.ReconnectAttempts)
	}
	if got := opts.Headers.Get("X-Api-Key"); got != "secret" {
		t.Fatalf("expected header forwarded, got %q", got)
	}
	if opts.ConnectTimeout != 10*time.Second || opts.HeartbeatInterval != 30*time.Second {
		t.Fatalf("unexpected timeouts %s / %s", opts.ConnectTimeout, opts.HeartbeatInterval)
	}

	cfg.ReconnectAttempts = 5
	if got := clientOptions(cfg, newLogger()).ReconnectAttempts; got != 5 {
		t.Fatalf("expected 5 attempts, got %d", got)
	}
}

func TestRecordingEndpointsRequirePost(t *testing.T) {
	r := New(config.Default(), newLogger())
	mux := r.routes(nil)
	for _, path := range []string{"/recording/start", "/recording/stop"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", path, rec.Code)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeSilence(t *testing.T, path string, samples int) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	enc := wav.NewEncoder(file, 16000, 16, 1, 1)
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:   make([]int, samples),
	}
	if err := enc.Write(buffer); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if v != nil {
		_ = json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func TestRuntimeRecordsOverHTTP(t *testing.T) {
	mock := mockserver.New(mockserver.Options{
		Logger: newLogger(),
		NewRecognizer: func() mockserver.Recognizer {
			return &mockserver.ScriptedRecognizer{Partials: []string{"他", "好"}, Final: "你好"}
		},
	})
	hs := httptest.NewServer(mock)
	t.Cleanup(func() {
		mock.DropAll()
		hs.Close()
	})

	dir := t.TempDir()
	wavPath := filepath.Join(dir, "speech.wav")
	writeSilence(t, wavPath, 4*1600)

	cfg := config.Default()
	cfg.HTTP.Port = freePort(t)
	cfg.Server.URL = "ws" + strings.TrimPrefix(hs.URL, "http")
	cfg.Server.ChunkInterval = 2
	cfg.Server.FinalGraceMS = 2000
	cfg.Capture.Backend = "wav"
	cfg.Capture.File = wavPath
	cfg.Capture.Realtime = false
	cfg.Network.ProbeEnabled = false
	cfg.Status.DebounceMS = 0
	cfg.EventStore.RetentionMode = "persistent"
	cfg.EventStore.Path = filepath.Join(dir, "asr.db")

	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	deadline := time.Now().Add(5 * time.Second)
	for getJSON(t, base+"/readyz", nil) != http.StatusOK {
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(base+"/recording/start", "application/json", nil)
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}
	var started map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || started["session_id"] == "" {
		t.Fatalf("unexpected start response %d %v", resp.StatusCode, started)
	}
	id := started["session_id"]

	var st session.Status
	deadline = time.Now().Add(5 * time.Second)
	for {
		st = session.Status{}
		getJSON(t, base+"/status", &st)
		if st.Last != nil && st.Last.SessionID == id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recording never finished, status %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st.Last.Text != "你好" || !st.Last.Finalized || st.Connection != "open" {
		t.Fatalf("unexpected status %+v", st)
	}

	var entries []eventstore.Entry
	if code := getJSON(t, base+"/sessions?id="+id, &entries); code != http.StatusOK {
		t.Fatalf("sessions endpoint returned %d", code)
	}
	var finals int
	for _, e := range entries {
		if e.Kind == eventstore.KindFinal && e.Text == "你好" {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("expected one stored final, got %+v", entries)
	}

	resp, err = http.Post(base+"/recording/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stop without a recording should conflict, got %d", resp.StatusCode)
	}
}

func TestSpanExporterSelection(t *testing.T) {
	ctx := context.Background()
	exp, kind, err := spanExporter(ctx, config.TelemetryConfig{})
	if err != nil || exp != nil || kind != "none" {
		t.Fatalf("expected no exporter, got %v %q %v", exp, kind, err)
	}
	exp, kind, err = spanExporter(ctx, config.TelemetryConfig{TraceStdout: true})
	if err != nil || exp == nil || kind != "stderr" {
		t.Fatalf("expected stderr exporter, got %v %q %v", exp, kind, err)
	}
	_ = exp.Shutdown(ctx)
}

func TestMetricsHandlerServesRuntimeCollectors(t *testing.T) {
	shutdown, handler, err := setupTelemetry(config.Default(), newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer shutdown(context.Background())
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}
