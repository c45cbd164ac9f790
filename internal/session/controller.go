// Package session runs recording sessions: it feeds captured frames to the
// recognition client, assembles the results and fans transcripts, state
// changes and faults out to the configured sinks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr/internal/assembler"
	"github.com/loqalabs/loqa-asr/internal/capture"
	"github.com/loqalabs/loqa-asr/internal/client"
	"github.com/loqalabs/loqa-asr/internal/clock"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/faults"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/status"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrClosed           = errors.New("session controller closed")
)

// Sink receives transcript and state updates. Implementations must not
// block for long; they run on the event dispatch goroutines.
type Sink interface {
	PublishTranscript(protocol.Transcript) error
	PublishState(protocol.StateChange) error
}

type Options struct {
	Client    *client.Client
	Pipeline  *capture.Pipeline
	Assembler *assembler.Assembler
	Tracker   *status.Tracker
	Faults    *faults.Reporter
	Store     *eventstore.Store
	Sinks     []Sink

	Handshake protocol.HandshakeParams
	ServerURL string
	// FinalGrace bounds the wait for the final pass after the end signal.
	FinalGrace time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Summary describes a finished recording.
type Summary struct {
	SessionID string        `json:"session_id"`
	Frames    int           `json:"frames"`
	Audio     time.Duration `json:"audio_ns"`
	Text      string        `json:"text"`
	Finalized bool          `json:"finalized"`
}

// Status is the point-in-time view served to operators.
type Status struct {
	SessionID   string          `json:"session_id,omitempty"`
	Recording   bool            `json:"recording"`
	Connection  string          `json:"connection"`
	Online      bool            `json:"online"`
	QueueDepth  int             `json:"queue_depth"`
	Reconnects  int             `json:"reconnect_attempts"`
	Level       float64         `json:"level"`
	DisplayText string          `json:"display_text"`
	Segments    int             `json:"segments"`
	States      status.Snapshot `json:"states"`
	Last        *Summary        `json:"last,omitempty"`
}

type recording struct {
	id        string
	startedAt time.Time
	span      trace.Span
	final     chan struct{}
	done      chan struct{}
	aborted   atomic.Bool

	// linked is closed once Start has settled the connection.
	linked chan struct{}
	// ending is set just before the end signal goes out. Finals produced
	// by mid-stream endpoints before that do not end the wait.
	ending atomic.Bool

	// owned by the pump goroutine until done is closed
	frames    int
	audio     time.Duration
	finalized bool
	summary   Summary
}

type Controller struct {
	client    *client.Client
	pipeline  *capture.Pipeline
	assembler *assembler.Assembler
	tracker   *status.Tracker
	faults    *faults.Reporter
	store     *eventstore.Store
	sinks     []Sink
	params    protocol.HandshakeParams
	serverURL string
	grace     time.Duration
	clock     clock.Clock
	log       *slog.Logger
	tracer    trace.Tracer

	level  atomic.Uint64
	unsubs []func()

	mu     sync.Mutex
	rec    *recording
	last   *Summary
	closed bool
}

func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/loqalabs/loqa-asr/session")
	}
	if opts.Assembler == nil {
		opts.Assembler = assembler.New(assembler.Options{})
	}
	if opts.Tracker == nil {
		opts.Tracker = status.New(status.Options{Clock: opts.Clock, Logger: opts.Logger})
	}
	if opts.Faults == nil {
		opts.Faults = faults.New(faults.Options{Clock: opts.Clock, Logger: opts.Logger})
	}
	if opts.Handshake.Mode == "" {
		opts.Handshake.Mode = protocol.ModeTwoPass
	}
	c := &Controller{
		client:    opts.Client,
		pipeline:  opts.Pipeline,
		assembler: opts.Assembler,
		tracker:   opts.Tracker,
		faults:    opts.Faults,
		store:     opts.Store,
		sinks:     opts.Sinks,
		params:    opts.Handshake,
		serverURL: opts.ServerURL,
		grace:     opts.FinalGrace,
		clock:     opts.Clock,
		log:       opts.Logger.With(slog.String("component", "session")),
		tracer:    opts.Tracer,
	}
	c.unsubs = []func(){
		c.client.Subscribe(c.onClientEvent),
		c.pipeline.Subscribe(c.onCaptureEvent),
		c.tracker.Subscribe(c.onStateChange),
		c.faults.Subscribe(c.onFault),
	}
	return c
}

// Start begins a recording session and returns its id. Capture starts first
// so audio produced while the link is still connecting waits in the client's
// outbound queue. A failed explicit connect aborts the session.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return "", ErrClosed
	case c.rec != nil:
		c.mu.Unlock()
		return "", ErrAlreadyRecording
	}
	rec := &recording{
		id:        uuid.NewString(),
		startedAt: c.clock.Now(),
		final:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		linked:    make(chan struct{}),
	}
	c.rec = rec
	c.mu.Unlock()

	_, rec.span = c.tracer.Start(context.WithoutCancel(ctx), "asr.recording",
		trace.WithAttributes(
			attribute.String("session.id", rec.id),
			attribute.String("asr.mode", c.params.Mode),
		))
	log := c.log.With(slog.String("session_id", rec.id))

	c.assembler.Reset()
	if st := c.client.State(); st != client.StateOpen {
		if n := c.client.ClearQueue(); n > 0 {
			log.Debug("discarded stale queued frames", slog.Int("frames", n))
		}
	}

	frames, err := c.pipeline.Start(ctx)
	if err != nil {
		return "", c.abort(rec, fmt.Errorf("start capture: %w", err))
	}
	if err := c.store.StartSession(ctx, eventstore.Session{
		ID:        rec.id,
		Mode:      c.params.Mode,
		ServerURL: c.serverURL,
		StartedAt: rec.startedAt.UTC(),
	}); err != nil {
		log.Warn("persist session start failed", slogError(err))
	}
	c.tracker.SetRecordingState("recording")
	go c.pump(rec, frames, log)

	if st := c.client.State(); st == client.StateClosed || st == client.StateClosing {
		connectCtx := trace.ContextWithSpan(ctx, rec.span)
		if err := c.client.Connect(connectCtx, c.params); err != nil {
			rec.aborted.Store(true)
			rec.span.RecordError(err)
			rec.span.SetStatus(codes.Error, err.Error())
			close(rec.linked)
			if _, stopErr := c.pipeline.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				log.Debug("stop capture after connect failure", slogError(stopErr))
			}
			<-rec.done
			return "", fmt.Errorf("connect: %w", err)
		}
	}
	close(rec.linked)

	log.Info("recording started", slog.String("mode", c.params.Mode))
	return rec.id, nil
}

// Stop ends capture, sends the end signal and waits, bounded by the final
// grace period, for the final pass before returning the session summary.
func (c *Controller) Stop(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	if rec == nil {
		return Summary{}, ErrNotRecording
	}
	if _, err := c.pipeline.Stop(ctx); err != nil {
		c.log.Warn("stop capture", slogError(err))
	}
	select {
	case <-rec.done:
		return rec.summary, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// Wait blocks until the current recording finishes on its own (source
// exhausted or max duration) and returns its summary. With no recording in
// progress it returns the previous summary.
func (c *Controller) Wait(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	rec, last := c.rec, c.last
	c.mu.Unlock()
	if rec == nil {
		if last == nil {
			return Summary{}, ErrNotRecording
		}
		return *last, nil
	}
	select {
	case <-rec.done:
		return rec.summary, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec != nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{Recording: c.rec != nil}
	if c.rec != nil {
		st.SessionID = c.rec.id
	}
	if c.last != nil {
		last := *c.last
		st.Last = &last
	}
	c.mu.Unlock()

	st.Connection = c.client.State().String()
	st.Online = c.client.Online()
	st.QueueDepth = c.client.QueueLen()
	st.Reconnects = c.client.ReconnectCount()
	st.Level = math.Float64frombits(c.level.Load())
	st.DisplayText = c.assembler.DisplayText()
	st.Segments = len(c.assembler.Segments())
	st.States = c.tracker.Snapshot()
	return st
}

// Close stops an active recording and detaches from the components. The
// components themselves stay owned by the caller.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	recording := c.rec != nil
	c.mu.Unlock()

	var err error
	if recording {
		_, err = c.Stop(ctx)
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	return err
}

func (c *Controller) abort(rec *recording, err error) error {
	rec.span.RecordError(err)
	rec.span.SetStatus(codes.Error, err.Error())
	rec.span.End()
	c.mu.Lock()
	if c.rec == rec {
		c.rec = nil
	}
	c.mu.Unlock()
	c.tracker.SetRecordingState("error")
	return err
}

func (c *Controller) pump(rec *recording, frames <-chan capture.Frame, log *slog.Logger) {
	defer close(rec.done)
	for frame := range frames {
		c.client.SendAudio(frame.PCM())
		rec.frames++
		rec.audio += frame.Duration()
	}
	// the end signal must not race the handshake of the session's own connect
	<-rec.linked

	if rec.aborted.Load() {
		c.client.ClearQueue()
	} else {
		c.tracker.SetRecordingState("finalizing")
		rec.ending.Store(true)
		if err := c.client.SendEndSignal(); err != nil {
			log.Warn("end signal not delivered", slogError(err))
			c.faults.Report(fmt.Errorf("send end signal: %w", err), faults.Scope{Source: "client", Phase: client.PhaseSend})
		} else {
			rec.finalized = c.awaitFinal(rec)
		}
	}
	c.finish(rec, log)
}

func (c *Controller) awaitFinal(rec *recording) bool {
	if c.grace <= 0 {
		return false
	}
	expired := make(chan struct{})
	timer := c.clock.AfterFunc(c.grace, func() { close(expired) })
	defer timer.Stop()
	select {
	case <-rec.final:
		return true
	case <-expired:
		return false
	}
}

func (c *Controller) finish(rec *recording, log *slog.Logger) {
	text := c.assembler.DisplayText()
	if err := c.store.EndSession(context.Background(), rec.id, text, rec.audio); err != nil {
		log.Warn("persist session end failed", slogError(err))
	}

	state := "idle"
	if rec.aborted.Load() || c.pipeline.State() == capture.StateError {
		state = "error"
	}
	c.tracker.SetRecordingState(state)

	rec.summary = Summary{
		SessionID: rec.id,
		Frames:    rec.frames,
		Audio:     rec.audio,
		Text:      text,
		Finalized: rec.finalized,
	}
	rec.span.SetAttributes(
		attribute.Int("asr.frames", rec.frames),
		attribute.Bool("asr.finalized", rec.finalized))
	rec.span.End()

	c.mu.Lock()
	if c.rec == rec {
		c.rec = nil
	}
	summary := rec.summary
	c.last = &summary
	c.mu.Unlock()

	log.Info("recording finished",
		slog.Int("frames", rec.frames),
		slog.Duration("audio", rec.audio),
		slog.Bool("finalized", rec.finalized),
		slog.Int("text_len", len(text)))
}

func (c *Controller) current() *recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func (c *Controller) onClientEvent(e client.Event) {
	switch e.Kind {
	case client.EventStateChange:
		c.tracker.SetConnectionState(e.State.String())
		if e.State == client.StateOpen {
			c.tracker.SetAppState("ready")
		}
	case client.EventResult:
		c.onResult(e.Result)
	case client.EventError:
		c.faults.Report(e.Err, faults.Scope{Source: "client", Phase: e.Phase})
	case client.EventReconnectScheduled:
		c.log.Info("reconnect scheduled", slog.Int("attempt", e.Attempt), slog.Duration("delay", e.Delay))
	case client.EventReconnectExhausted:
		c.log.Warn("reconnect attempts exhausted", slog.Int("attempts", e.Attempt))
		c.tracker.SetAppState("degraded")
	case client.EventNetwork:
		c.log.Info("network availability changed", slog.Bool("online", e.Online))
	case client.EventMessage:
		c.log.Debug("unhandled server message", slog.Int("fields", len(e.Fields)))
	}
}

func (c *Controller) onResult(res protocol.Result) {
	up := c.assembler.OnMessage(res, c.params.Mode)
	rec := c.current()
	// empty text changes nothing but the unchanged display still goes out
	empty := res.Text == ""
	offline := c.params.Mode == protocol.ModeOffline
	transcript := protocol.Transcript{
		Mode:        res.Mode,
		Text:        res.Text,
		DisplayText: up.DisplayText,
		Partial:     empty || (up.Finalized == nil && !offline),
		Timestamp:   res.ReceivedAt,
	}
	if rec != nil {
		transcript.SessionID = rec.id
	}
	if up.Finalized != nil {
		transcript.Segment = up.Finalized.Index
	}

	if rec != nil && !empty {
		kind := eventstore.KindPartial
		if !transcript.Partial {
			kind = eventstore.KindFinal
		}
		payload, _ := json.Marshal(res)
		if err := c.store.AppendEntry(context.Background(), eventstore.Entry{
			SessionID: rec.id,
			Kind:      kind,
			Mode:      res.Mode,
			Text:      res.Text,
			IsFinal:   res.IsFinal,
			Payload:   payload,
		}); err != nil {
			c.log.Warn("persist transcript failed", slogError(err))
		}
	}
	for _, sink := range c.sinks {
		if err := sink.PublishTranscript(transcript); err != nil {
			c.faults.Report(fmt.Errorf("publish transcript: %w", err), faults.Scope{Source: "sink", Phase: "publish"})
		}
	}
	if rec != nil && !transcript.Partial && rec.ending.Load() {
		select {
		case rec.final <- struct{}{}:
		default:
		}
	}
}

func (c *Controller) onCaptureEvent(e capture.Event) {
	switch e.Kind {
	case capture.EventLevel:
		c.level.Store(math.Float64bits(e.Level))
	case capture.EventError:
		c.faults.Report(e.Err, faults.Scope{Source: "capture", Phase: "device"})
	case capture.EventMaxDurationReached:
		c.log.Info("max recording duration reached", slog.Duration("max_duration", e.Duration))
	}
}

func (c *Controller) onStateChange(ch status.Change) {
	change := protocol.StateChange{Scope: string(ch.Scope), State: ch.State, Timestamp: ch.At}
	if rec := c.current(); rec != nil {
		change.SessionID = rec.id
		if err := c.store.AppendEntry(context.Background(), eventstore.Entry{
			SessionID: rec.id,
			Kind:      eventstore.KindState,
			Mode:      string(ch.Scope),
			Text:      ch.State,
			CreatedAt: ch.At.UTC(),
		}); err != nil {
			c.log.Warn("persist state change failed", slogError(err))
		}
	}
	for _, sink := range c.sinks {
		if err := sink.PublishState(change); err != nil {
			c.log.Debug("publish state change failed", slogError(err))
		}
	}
}

func (c *Controller) onFault(f faults.Fault) {
	rec := c.current()
	if rec == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"source":     f.Scope.Source,
		"phase":      f.Scope.Phase,
		"category":   f.Category,
		"retryable":  f.Retryable,
		"suppressed": f.Suppressed,
	})
	if err := c.store.AppendEntry(context.Background(), eventstore.Entry{
		SessionID: rec.id,
		Kind:      eventstore.KindFault,
		Text:      f.Message,
		Payload:   payload,
		CreatedAt: f.At.UTC(),
	}); err != nil {
		c.log.Warn("persist fault failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
