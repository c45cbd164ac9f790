package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/assembler"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/capture"
	"github.com/loqalabs/loqa-asr/internal/client"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/faults"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/netwatch"
	"github.com/loqalabs/loqa-asr/internal/session"
	"github.com/loqalabs/loqa-asr/internal/status"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	tracker    *status.Tracker
	faults     *faults.Reporter
	client     *client.Client
	pipeline   *capture.Pipeline
	controller *session.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	if r.cfg.Network.ProbeEnabled {
		probe, err := netwatch.ProbeFor(r.cfg.Network.ProbeTarget, r.cfg.Server.URL)
		if err != nil {
			r.logger.Warn("network probe disabled", slog.String("error", err.Error()))
		} else {
			watcher := netwatch.New(netwatch.Options{
				Probe:    probe,
				Interval: ms(r.cfg.Network.ProbeIntervalMS),
				Timeout:  ms(r.cfg.Network.ProbeTimeoutMS),
				Logger:   r.logger,
			})
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				_ = watcher.Run(ctx, r.client.SetOnline)
			}()
		}
	}

	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.routes(metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.httpServer, "http")
	} else if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.tracker.SetAppState("ready")
	r.logger.Info("runtime started",
		slog.String("server_url", r.cfg.Server.URL),
		slog.String("mode", r.cfg.Server.Mode),
		slog.String("capture_backend", r.cfg.Capture.Backend))

	if r.cfg.Capture.AutoStart {
		if id, err := r.controller.Start(ctx); err != nil {
			r.logger.Error("auto start recording failed", slog.String("error", err.Error()))
		} else {
			r.logger.Info("recording auto-started", slog.String("session_id", id))
		}
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.tracker.SetAppState("stopping")

	grace := ms(r.cfg.Server.FinalGraceMS)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second+grace)
	defer cancelShutdown()
	r.teardown(shutdownCtx)
	return nil
}

// build creates every component in dependency order. Anything created before
// a failure is released by teardown.
func (r *Runtime) build(ctx context.Context) error {
	log := r.logger
	r.tracker = status.New(status.Options{Debounce: ms(r.cfg.Status.DebounceMS), Logger: log})
	r.faults = faults.New(faults.Options{SuppressWindow: ms(r.cfg.Status.ErrorSuppressMS), Logger: log})

	store, err := eventstore.Open(ctx, r.cfg.EventStore, log.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	sinks := []session.Sink{session.NewConsoleSink(os.Stdout, r.cfg.Server.Mode == "online")}
	if r.cfg.Bus.Enabled {
		publisher, err := r.startBus(ctx)
		if err != nil {
			return err
		}
		sinks = append(sinks, publisher)
	}

	device, err := newDevice(r.cfg.Capture, log)
	if err != nil {
		return fmt.Errorf("create capture device: %w", err)
	}
	r.pipeline = capture.NewPipeline(device, pipelineOptions(r.cfg.Capture, log))
	r.client = client.New(clientOptions(r.cfg.Server, log))

	r.controller = session.New(session.Options{
		Client:   r.client,
		Pipeline: r.pipeline,
		Assembler: assembler.New(assembler.Options{
			MaxSegments: r.cfg.Assembler.MaxSegments,
			MaxResults:  r.cfg.Assembler.MaxResults,
		}),
		Tracker:    r.tracker,
		Faults:     r.faults,
		Store:      store,
		Sinks:      sinks,
		Handshake:  handshakeParams(r.cfg.Server, r.cfg.Capture),
		ServerURL:  r.cfg.Server.URL,
		FinalGrace: ms(r.cfg.Server.FinalGraceMS),
		Logger:     log,
	})
	return nil
}

func (r *Runtime) startBus(ctx context.Context) (*bus.Publisher, error) {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return nil, err
	}
	r.bus = busClient

	publisher := bus.NewPublisher(busClient, busCfg.Stream)
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := publisher.EnsureStream(maxAge); err != nil {
		return nil, err
	}
	return publisher, nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Info(name+" server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// teardown stops recording first so the end signal and the final pass get
// through before the connection and sinks go away.
func (r *Runtime) teardown(ctx context.Context) {
	if r.controller != nil {
		if err := r.controller.Close(ctx); err != nil {
			r.logger.Warn("stop recording on shutdown", slog.String("error", err.Error()))
		}
	}
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.client != nil {
		r.client.Destroy()
	}
	if r.pipeline != nil {
		r.pipeline.Destroy()
	}
	r.wg.Wait()

	if r.tracker != nil {
		r.tracker.Close()
	}
	if r.faults != nil {
		r.faults.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
