// Package natsserver runs an in-process NATS broker so transcripts can be
// published without a separately deployed server.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	defaultStoreDir = "./data/nats"
	readyTimeout    = 5 * time.Second
)

// EmbeddedServer is a loopback-only broker with JetStream for the final
// transcript stream.
type EmbeddedServer struct {
	srv *server.Server
	log *slog.Logger
}

// Start boots the broker when the bus is configured as embedded and returns
// nil otherwise. Port -1 lets the server choose a free port; use ClientURL to
// find it.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	dir := cfg.StoreDir
	if dir == "" {
		dir = defaultStoreDir
	}
	srv, err := server.NewServer(&server.Options{
		ServerName: "loqa-asr-embedded",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   dir,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("natsserver: configure: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("natsserver: not accepting connections after %s", readyTimeout)
	}

	log = log.With(slog.String("component", "natsserver"))
	log.Info("embedded broker listening",
		slog.String("url", srv.ClientURL()),
		slog.String("store_dir", dir))
	return &EmbeddedServer{srv: srv, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the broker and waits for JetStream to flush. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.srv == nil {
		return
	}
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
	e.log.Info("embedded broker stopped")
}
