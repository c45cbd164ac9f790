// Package bus publishes recognition output on NATS: partial transcripts and
// state changes on core subjects, final transcripts through JetStream.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/nats-io/nats.go"
)

// Client owns one NATS connection and its JetStream context.
type Client struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *slog.Logger
}

// Connect dials the configured servers. name identifies this recognizer in
// the server's connection list.
func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log = log.With(slog.String("component", "bus"))

	servers := strings.Join(cfg.Servers, ",")
	nc, err := nats.Connect(servers, natsOptions(cfg, name, log)...)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", servers, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}
	log.Info("bus connected", slog.String("servers", servers), slog.String("client_name", name))
	return &Client{nc: nc, js: js, log: log}, nil
}

func natsOptions(cfg config.BusConfig, name string, log *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		// transcripts keep flowing to the console while the broker is away
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus link lost", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus link restored", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}

// Close drains pending publishes before closing. Safe on a nil client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.log.Debug("bus drain", slog.String("error", err.Error()))
	}
	c.nc.Close()
	c.log.Info("bus closed")
}

// Healthy reports whether the link to the broker is currently up.
func (c *Client) Healthy() bool {
	return c != nil && c.nc != nil && c.nc.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.nc
}
