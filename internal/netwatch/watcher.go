// Package netwatch probes a reachability target, by default the recognition
// service host, and reports online/offline transitions.
package netwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/loqalabs/loqa-asr/internal/clock"
)

// Probe returns nil when the network path is usable.
type Probe func(ctx context.Context) error

// TCPProbe dials address and closes the connection straight away.
func TCPProbe(address string) Probe {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// ProbeForURL builds a TCPProbe for the host of a ws or wss URL.
func ProbeForURL(rawURL string) (Probe, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("server url %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return TCPProbe(net.JoinHostPort(host, port)), nil
}

// ProbeFor probes target when it is set and the host of serverURL otherwise.
func ProbeFor(target, serverURL string) (Probe, error) {
	if target == "" {
		return ProbeForURL(serverURL)
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, fmt.Errorf("probe target %q: %w", target, err)
	}
	return TCPProbe(target), nil
}

type Options struct {
	Probe    Probe
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Watcher struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{opts: opts, log: opts.Logger.With(slog.String("component", "netwatch"))}
}

// Run probes every interval until ctx is done and calls onChange on each
// transition. The network is assumed online when Run starts.
func (w *Watcher) Run(ctx context.Context, onChange func(online bool)) error {
	tick := make(chan struct{}, 1)
	schedule := func() clock.Timer {
		return w.opts.Clock.AfterFunc(w.opts.Interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	online := true
	timer := schedule()
	defer func() { timer.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		}

		probeCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
		err := w.opts.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := err == nil
		if now != online {
			online = now
			if online {
				w.log.Info("network reachable")
			} else {
				w.log.Warn("network unreachable", slog.String("error", err.Error()))
			}
			onChange(online)
		}
		timer = schedule()
	}
}
