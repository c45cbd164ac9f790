package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-asr/internal/capture"
	"github.com/loqalabs/loqa-asr/internal/capture/padevice"
	"github.com/loqalabs/loqa-asr/internal/client"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func newDevice(cfg config.CaptureConfig, log *slog.Logger) (capture.Device, error) {
	switch cfg.Backend {
	case "portaudio":
		return padevice.New(cfg.Device, log), nil
	case "command":
		dev, err := capture.NewCommandDevice(cfg.Command, cfg.NativeSampleRate, log)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case "wav":
		if cfg.File == "" {
			return nil, errors.New("capture.file is required for the wav backend")
		}
		return capture.NewWAVDevice(cfg.File, cfg.Realtime), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}

func pipelineOptions(cfg config.CaptureConfig, log *slog.Logger) capture.Options {
	return capture.Options{
		SampleRate:     cfg.SampleRate,
		FrameDuration:  ms(cfg.FrameDurationMS),
		MaxDuration:    time.Duration(cfg.MaxDurationSec) * time.Second,
		BufferDuration: time.Duration(cfg.BufferSeconds) * time.Second,
		Logger:         log,
	}
}

func clientOptions(cfg config.ServerConfig, log *slog.Logger) client.Options {
	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	// zero in config disables reconnection; the client reads zero as default
	attempts := cfg.ReconnectAttempts
	if attempts == 0 {
		attempts = -1
	}
	connectTimeout := ms(cfg.ConnectTimeoutMS)
	return client.Options{
		URL:               cfg.URL,
		Headers:           headers,
		ConnectTimeout:    connectTimeout,
		HeartbeatInterval: ms(cfg.HeartbeatIntervalMS),
		ReconnectAttempts: attempts,
		ReconnectDelay:    ms(cfg.ReconnectDelayMS),
		QueueCapacity:     cfg.QueueCapacity,
		Dialer: client.WebsocketDialer{
			Params:           cfg.Params,
			TLSInsecure:      cfg.TLSInsecure,
			HandshakeTimeout: connectTimeout,
		},
		Logger: log,
	}
}

func handshakeParams(server config.ServerConfig, audio config.CaptureConfig) protocol.HandshakeParams {
	return protocol.HandshakeParams{
		Mode:          server.Mode,
		WavName:       server.WavName,
		SampleRate:    audio.SampleRate,
		ChunkSize:     server.ChunkSize,
		ChunkInterval: server.ChunkInterval,
		ITN:           server.ITN,
		Hotwords:      server.Hotwords,
	}
}
