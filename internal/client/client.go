// Package client maintains the websocket session with the recognition
// service: handshake, audio framing, heartbeat, reconnection and the
// outbound queue used while the link is down.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-asr/internal/clock"
	"github.com/loqalabs/loqa-asr/internal/events"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotOpen          = errors.New("connection not open")
	ErrConnectTimeout   = errors.New("connect timed out")
	ErrConnectAborted   = errors.New("connect aborted: connection closed while connecting")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrOffline          = errors.New("network offline")
	ErrClientClosed     = errors.New("client destroyed")
	ErrQueueFull        = errors.New("outbound queue full")
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventStateChange        EventKind = "state"
	EventResult             EventKind = "result"
	EventMessage            EventKind = "message"
	EventError              EventKind = "error"
	EventReconnectScheduled EventKind = "reconnectScheduled"
	EventReconnectExhausted EventKind = "reconnectExhausted"
	EventNetwork            EventKind = "network"
)

// Phases reported with error events.
const (
	PhaseConnect   = "connect"
	PhaseSend      = "send"
	PhaseReceive   = "receive"
	PhaseHeartbeat = "heartbeat"
)

// Event is published to subscribers in the order it happened.
type Event struct {
	Kind     EventKind
	State    State
	Previous State
	Result   protocol.Result
	Fields   map[string]json.RawMessage
	Err      error
	Phase    string
	Attempt  int
	Delay    time.Duration
	Online   bool
}

type Options struct {
	URL               string
	Headers           http.Header
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	QueueCapacity     int
	WriteTimeout      time.Duration
	Dialer            Dialer
	Clock             clock.Clock
	Logger            *slog.Logger
	Meter             metric.Meter
	Tracer            trace.Tracer
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	// negative disables automatic reconnection
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = 3
	} else if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Meter == nil {
		o.Meter = otel.Meter("github.com/loqalabs/loqa-asr/client")
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/loqalabs/loqa-asr/client")
	}
}

// Client owns a single logical connection. At most one transport handle is
// live at a time; every new attempt tears the previous one down first.
type Client struct {
	opts  Options
	log   *slog.Logger
	clock clock.Clock
	feed  *events.Feed[Event]

	// sendMu orders every outbound audio and control write.
	sendMu  sync.Mutex
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            uint64
	params         protocol.HandshakeParams
	hasParams      bool
	cancelDial     context.CancelCauseFunc
	connectTimer   clock.Timer
	heartbeat      clock.Timer
	reconnectTimer clock.Timer
	reconnectCount int
	manualClose    bool
	online         bool
	destroyed      bool
	lastPingAt     time.Time
	lastPongAt     time.Time
	queue          *Queue
	queueFull      bool

	sentCounter      metric.Int64Counter
	queuedCounter    metric.Int64Counter
	droppedCounter   metric.Int64Counter
	reconnectCounter metric.Int64Counter
	decodeErrCounter metric.Int64Counter
}

func New(opts Options) *Client {
	opts.setDefaults()
	c := &Client{
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "asr-client")),
		clock:  opts.Clock,
		feed:   events.NewFeed[Event](),
		online: true,
		queue:  NewQueue(opts.QueueCapacity),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
		c.sentCounter = noop.Int64Counter{}
		c.queuedCounter = noop.Int64Counter{}
		c.droppedCounter = noop.Int64Counter{}
		c.reconnectCounter = noop.Int64Counter{}
		c.decodeErrCounter = noop.Int64Counter{}
	}
	return c
}

func (c *Client) initMetrics() error {
	meter := c.opts.Meter
	var err error
	if c.sentCounter, err = meter.Int64Counter("loqa.asr.client.frames_sent", metric.WithDescription("Audio frames written to the service")); err != nil {
		return err
	}
	if c.queuedCounter, err = meter.Int64Counter("loqa.asr.client.frames_queued", metric.WithDescription("Audio frames parked while the link was unavailable")); err != nil {
		return err
	}
	if c.droppedCounter, err = meter.Int64Counter("loqa.asr.client.frames_dropped", metric.WithDescription("Audio frames rejected by a full outbound queue")); err != nil {
		return err
	}
	if c.reconnectCounter, err = meter.Int64Counter("loqa.asr.client.reconnects", metric.WithDescription("Scheduled reconnect attempts")); err != nil {
		return err
	}
	if c.decodeErrCounter, err = meter.Int64Counter("loqa.asr.client.decode_errors", metric.WithDescription("Server messages discarded as malformed")); err != nil {
		return err
	}
	depth, err := meter.Int64ObservableGauge("loqa.asr.client.queue_depth", metric.WithDescription("Frames waiting in the outbound queue"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(c.QueueLen()))
		return nil
	}, depth)
	return err
}

// Subscribe registers fn for client events.
func (c *Client) Subscribe(fn func(Event)) func() {
	return c.feed.Subscribe(fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

func (c *Client) ReconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectCount
}

func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Heartbeat returns the last ping send time and last pong receive time.
func (c *Client) Heartbeat() (lastPing, lastPong time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPingAt, c.lastPongAt
}

// Connect opens a new connection with params, replacing any existing one,
// and blocks until the transport is open or the attempt fails. An explicit
// Connect re-arms automatic reconnection.
func (c *Client) Connect(ctx context.Context, params protocol.HandshakeParams) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.manualClose = false
	c.reconnectCount = 0
	c.stopReconnectLocked()
	c.mu.Unlock()
	return c.connect(ctx, params, 0)
}

func (c *Client) connect(ctx context.Context, params protocol.HandshakeParams, attempt int) error {
	handshake, err := params.Handshake()
	if err != nil {
		return fmt.Errorf("build handshake: %w", err)
	}
	payload, err := json.Marshal(handshake)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}

	ctx, span := c.opts.Tracer.Start(ctx, "asr.connect", trace.WithAttributes(
		attribute.String("asr.mode", handshake.Mode),
		attribute.Int("asr.reconnect_attempt", attempt),
	))
	defer span.End()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	old := c.detachLocked(errors.New("superseded by a new connection"))
	c.gen++
	gen := c.gen
	c.params = params
	c.hasParams = true
	dialCtx, cancel := context.WithCancelCause(ctx)
	c.cancelDial = cancel
	c.connectTimer = c.clock.AfterFunc(c.opts.ConnectTimeout, func() {
		cancel(fmt.Errorf("%w after %s", ErrConnectTimeout, c.opts.ConnectTimeout))
	})
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.log.Info("connecting", slog.String("url", c.opts.URL), slog.String("mode", handshake.Mode), slog.Int("attempt", attempt))
	conn, dialErr := c.opts.Dialer.Dial(dialCtx, c.opts.URL, c.opts.Headers.Clone())
	if dialErr != nil {
		if cause := context.Cause(dialCtx); cause != nil {
			dialErr = cause
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect, an offline notice or a newer Connect took over.
		c.mu.Unlock()
		cancel(nil)
		if conn != nil {
			_ = conn.Close()
		}
		cause := context.Cause(dialCtx)
		if cause == nil || errors.Is(cause, context.Canceled) {
			cause = ErrConnectAborted
		}
		failure := fmt.Errorf("connect %s: %w", c.opts.URL, cause)
		span.RecordError(failure)
		span.SetStatus(codes.Error, "aborted")
		return failure
	}
	c.cancelDial = nil
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	cancel(nil)
	if dialErr != nil {
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		failure := fmt.Errorf("connect %s: %w", c.opts.URL, dialErr)
		c.log.Warn("connect failed", slogError(failure), slog.Int("attempt", attempt))
		c.feed.Publish(Event{Kind: EventError, Err: failure, Phase: PhaseConnect, Attempt: attempt})
		span.RecordError(failure)
		span.SetStatus(codes.Error, "dial failed")
		if attempt > 0 {
			c.scheduleReconnect()
		}
		return failure
	}

	c.conn = conn
	c.reconnectCount = 0
	c.lastPingAt = time.Time{}
	c.lastPongAt = c.clock.Now()
	c.setStateLocked(StateOpen)
	c.heartbeat = c.clock.AfterFunc(c.opts.HeartbeatInterval, func() { c.beat(gen) })
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	if err := c.write(conn, websocket.TextMessage, payload); err != nil {
		failure := fmt.Errorf("send handshake: %w", err)
		c.feed.Publish(Event{Kind: EventError, Err: failure, Phase: PhaseSend})
		_ = conn.Close()
		span.RecordError(failure)
		span.SetStatus(codes.Error, "handshake failed")
		return failure
	}
	c.log.Info("connected", slog.String("url", c.opts.URL), slog.Int("queued_frames", c.QueueLen()))
	c.drainLocked()
	return nil
}

// Disconnect closes the connection and disables automatic reconnection
// until the next Connect. A Connect blocked in the dial fails with
// ErrConnectAborted. Queued frames are kept.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	c.stopReconnectLocked()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	conn := c.detachLocked(ErrConnectAborted)
	c.gen++
	gen := c.gen
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	if conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		if err := c.write(conn, websocket.CloseMessage, closeMsg); err != nil {
			c.log.Debug("close frame not sent", slogError(err))
		}
		_ = conn.Close()
	}

	c.mu.Lock()
	if c.gen == gen {
		c.setStateLocked(StateClosed)
	}
	c.mu.Unlock()
	c.log.Info("disconnected")
}

// Destroy disconnects, discards queued frames and stops event delivery.
func (c *Client) Destroy() {
	c.Disconnect()
	c.mu.Lock()
	c.destroyed = true
	if n := c.queue.Clear(); n > 0 {
		c.log.Debug("discarded queued frames", slog.Int("frames", n))
	}
	c.mu.Unlock()
	c.feed.Close()
}

// SetOnline feeds network reachability into the client. Going offline tears
// the transport down at once; coming back online reconnects immediately when
// the session is closed and was not closed on purpose.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.online = online
	c.feed.Publish(Event{Kind: EventNetwork, Online: online})
	if !online {
		c.stopReconnectLocked()
		c.mu.Unlock()
		c.log.Warn("network offline")
		c.forceClose(ErrOffline, PhaseConnect, false)
		return
	}
	resume := c.state == StateClosed && c.hasParams && !c.manualClose
	params := c.params
	c.mu.Unlock()

	c.log.Info("network online", slog.Bool("reconnecting", resume))
	if resume {
		go func() {
			if err := c.connect(context.Background(), params, 1); err != nil {
				c.log.Debug("reconnect after online failed", slogError(err))
			}
		}()
	}
}

// SendAudio transmits one PCM frame, or parks it in the outbound queue when
// the link is not open or the write fails. Frames leave in capture order.
func (c *Client) SendAudio(frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil || c.queue.Len() > 0 {
		c.enqueueLocked(frame)
		c.mu.Unlock()
		c.drainLocked()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, websocket.BinaryMessage, frame); err != nil {
		c.mu.Lock()
		c.enqueueLocked(frame)
		c.mu.Unlock()
		c.feed.Publish(Event{Kind: EventError, Err: fmt.Errorf("send audio: %w", err), Phase: PhaseSend})
		return
	}
	c.sentCounter.Add(context.Background(), 1)
	c.drainLocked()
}

// ClearQueue discards frames still waiting for the link and reports how many
// were dropped.
func (c *Client) ClearQueue() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueFull = false
	return c.queue.Clear()
}

// SendControl writes a JSON control message. It is never queued: when the
// link is not open the message is dropped and ErrNotOpen returned.
func (c *Client) SendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn, open := c.conn, c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}
	if err := c.write(conn, websocket.TextMessage, data); err != nil {
		failure := fmt.Errorf("send control message: %w", err)
		c.feed.Publish(Event{Kind: EventError, Err: failure, Phase: PhaseSend})
		return failure
	}
	return nil
}

// SendEndSignal tells the service no more speech follows so it emits the
// final-pass result.
func (c *Client) SendEndSignal() error {
	return c.SendControl(protocol.EndOfSpeech{IsSpeaking: false})
}

// drainLocked replays queued frames in order while the link stays open.
// Callers hold sendMu.
func (c *Client) drainLocked() {
	for {
		c.mu.Lock()
		if c.state != StateOpen || c.conn == nil {
			c.mu.Unlock()
			return
		}
		frame, ok := c.queue.Peek()
		if !ok {
			c.queueFull = false
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.mu.Unlock()

		if err := c.write(conn, websocket.BinaryMessage, frame); err != nil {
			c.feed.Publish(Event{Kind: EventError, Err: fmt.Errorf("replay queued audio: %w", err), Phase: PhaseSend})
			return
		}
		c.sentCounter.Add(context.Background(), 1)
		c.mu.Lock()
		c.queue.Pop()
		c.mu.Unlock()
	}
}

func (c *Client) enqueueLocked(frame []byte) {
	if c.queue.Push(frame) {
		c.queuedCounter.Add(context.Background(), 1)
		return
	}
	c.droppedCounter.Add(context.Background(), 1)
	if !c.queueFull {
		c.queueFull = true
		c.log.Warn("outbound queue full, dropping new frames", slog.Int("capacity", c.queue.Cap()))
		c.feed.Publish(Event{Kind: EventError, Err: ErrQueueFull, Phase: PhaseSend})
	}
}

func (c *Client) write(conn Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debug("ignoring non-text message", slog.Int("type", messageType))
			continue
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	now := c.clock.Now()
	in, err := protocol.Decode(data, now)
	if err != nil {
		c.decodeErrCounter.Add(context.Background(), 1)
		c.log.Warn("discarding server message", slogError(err))
		c.feed.Publish(Event{Kind: EventError, Err: err, Phase: PhaseReceive})
		return
	}
	switch in.Kind {
	case protocol.InboundPong:
		c.mu.Lock()
		c.lastPongAt = now
		c.mu.Unlock()
	case protocol.InboundResult:
		c.feed.Publish(Event{Kind: EventResult, Result: in.Result})
	default:
		c.feed.Publish(Event{Kind: EventMessage, Fields: in.Fields})
	}
}

// handleClose runs when the read side of connection gen fails. Closes of
// superseded connections are ignored.
func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	conn := c.detachLocked(err)
	c.gen++
	c.setStateLocked(StateClosing)
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	failure := fmt.Errorf("connection closed: %w", err)
	c.log.Warn("connection lost", slogError(err))
	c.feed.Publish(Event{Kind: EventError, Err: failure, Phase: PhaseReceive})
	c.scheduleReconnect()
}

// forceClose drops the transport without waiting for a close handshake.
func (c *Client) forceClose(reason error, phase string, reconnect bool) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	conn := c.detachLocked(reason)
	c.gen++
	if c.state == StateOpen {
		c.setStateLocked(StateClosing)
	}
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.feed.Publish(Event{Kind: EventError, Err: reason, Phase: phase})
	if reconnect {
		c.scheduleReconnect()
	}
}

// detachLocked cancels connection timers and any dial in flight, and hands
// back the live transport for the caller to close outside the lock.
func (c *Client) detachLocked(cause error) Conn {
	if c.cancelDial != nil {
		c.cancelDial(cause)
		c.cancelDial = nil
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Client) beat(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	silence := now.Sub(c.lastPongAt)
	if silence > 2*c.opts.HeartbeatInterval {
		c.heartbeat = nil
		c.mu.Unlock()
		c.log.Warn("heartbeat timeout, closing connection", slog.Duration("since_pong", silence))
		c.forceClose(fmt.Errorf("%w: no pong for %s", ErrHeartbeatTimeout, silence), PhaseHeartbeat, true)
		return
	}
	conn := c.conn
	c.lastPingAt = now
	c.heartbeat = c.clock.AfterFunc(c.opts.HeartbeatInterval, func() { c.beat(gen) })
	c.mu.Unlock()

	ping, _ := json.Marshal(protocol.Ping{Type: protocol.TypePing})
	if err := c.write(conn, websocket.TextMessage, ping); err != nil {
		c.feed.Publish(Event{Kind: EventError, Err: fmt.Errorf("send ping: %w", err), Phase: PhaseHeartbeat})
	}
}

// scheduleReconnect arms one reconnect attempt unless the session was
// closed on purpose, the network is offline or the attempt bound is spent.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.manualClose || !c.online || !c.hasParams || c.reconnectTimer != nil {
		return
	}
	if c.reconnectCount >= c.opts.ReconnectAttempts {
		c.log.Warn("reconnect attempts exhausted", slog.Int("attempts", c.reconnectCount))
		c.feed.Publish(Event{Kind: EventReconnectExhausted, Attempt: c.reconnectCount})
		return
	}
	c.reconnectCount++
	attempt := c.reconnectCount
	params := c.params
	delay := c.opts.ReconnectDelay
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		skip := c.destroyed || c.manualClose || !c.online || c.state != StateClosed
		c.mu.Unlock()
		if skip {
			return
		}
		go func() {
			if err := c.connect(context.Background(), params, attempt); err != nil {
				c.log.Debug("reconnect attempt failed", slogError(err), slog.Int("attempt", attempt))
			}
		}()
	})
	c.reconnectCounter.Add(context.Background(), 1)
	c.log.Info("reconnect scheduled", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	c.feed.Publish(Event{Kind: EventReconnectScheduled, Attempt: attempt, Delay: delay})
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.feed.Publish(Event{Kind: EventStateChange, State: s, Previous: prev})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
