// Package faults classifies errors raised by the recognition components and
// fans them out to subscribers with repeated errors suppressed.
package faults

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-asr/internal/capture"
	"github.com/loqalabs/loqa-asr/internal/client"
	"github.com/loqalabs/loqa-asr/internal/clock"
	"github.com/loqalabs/loqa-asr/internal/events"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

type Category string

const (
	CategoryTransport Category = "transport"
	CategoryDevice    Category = "device"
	CategoryProtocol  Category = "protocol"
	CategoryCapacity  Category = "capacity"
	CategoryUnknown   Category = "unknown"
)

// Scope tags where a fault was caught.
type Scope struct {
	Source string `json:"source"`
	Phase  string `json:"phase"`
}

type Fault struct {
	Err       error
	Message   string
	Scope     Scope
	Category  Category
	Retryable bool
	At        time.Time
	// Suppressed counts identical faults swallowed since the previous report.
	Suppressed int
}

type Options struct {
	SuppressWindow time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

type Reporter struct {
	window time.Duration
	clock  clock.Clock
	log    *slog.Logger
	feed   *events.Feed[Fault]

	mu   sync.Mutex
	seen map[string]*seenFault
}

type seenFault struct {
	last       time.Time
	suppressed int
}

func New(opts Options) *Reporter {
	if opts.SuppressWindow < 0 {
		opts.SuppressWindow = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reporter{
		window: opts.SuppressWindow,
		clock:  opts.Clock,
		log:    opts.Logger.With(slog.String("component", "faults")),
		feed:   events.NewFeed[Fault](),
		seen:   make(map[string]*seenFault),
	}
}

// Subscribe registers fn for reported faults.
func (r *Reporter) Subscribe(fn func(Fault)) func() {
	return r.feed.Subscribe(fn)
}

// Report classifies err and publishes it. It returns false when an identical
// fault from the same scope was already reported inside the suppression
// window.
func (r *Reporter) Report(err error, scope Scope) (Fault, bool) {
	if err == nil {
		return Fault{}, false
	}
	category, retryable := Classify(err)
	now := r.clock.Now()
	fault := Fault{
		Err:       err,
		Message:   err.Error(),
		Scope:     scope,
		Category:  category,
		Retryable: retryable,
		At:        now,
	}

	key := scope.Source + "|" + scope.Phase + "|" + fault.Message
	r.mu.Lock()
	entry, ok := r.seen[key]
	if ok && r.window > 0 && now.Sub(entry.last) < r.window {
		entry.suppressed++
		r.mu.Unlock()
		return fault, false
	}
	if ok {
		fault.Suppressed = entry.suppressed
	}
	r.seen[key] = &seenFault{last: now}
	r.pruneLocked(now)
	r.mu.Unlock()

	level := slog.LevelWarn
	if category == CategoryDevice || category == CategoryUnknown {
		level = slog.LevelError
	}
	r.log.Log(context.Background(), level, "fault",
		slog.String("source", scope.Source),
		slog.String("phase", scope.Phase),
		slog.String("category", string(category)),
		slog.Bool("retryable", retryable),
		slog.Int("suppressed", fault.Suppressed),
		slog.String("error", fault.Message))
	r.feed.Publish(fault)
	return fault, true
}

func (r *Reporter) Close() {
	r.feed.Close()
}

func (r *Reporter) pruneLocked(now time.Time) {
	if len(r.seen) < 256 {
		return
	}
	for key, entry := range r.seen {
		if now.Sub(entry.last) >= r.window {
			delete(r.seen, key)
		}
	}
}

// Classify maps an error onto the fault taxonomy and reports whether the
// operation that raised it may succeed if retried.
func Classify(err error) (Category, bool) {
	var netErr net.Error
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, capture.ErrPermissionDenied),
		errors.Is(err, capture.ErrDeviceNotFound),
		errors.Is(err, capture.ErrDeviceInUse),
		errors.Is(err, capture.ErrNeedsInit):
		return CategoryDevice, false
	case errors.Is(err, client.ErrQueueFull):
		return CategoryCapacity, false
	case errors.Is(err, protocol.ErrMalformed):
		return CategoryProtocol, false
	case errors.Is(err, client.ErrConnectAborted),
		errors.Is(err, client.ErrClientClosed):
		return CategoryTransport, false
	case errors.Is(err, client.ErrConnectTimeout),
		errors.Is(err, client.ErrHeartbeatTimeout),
		errors.Is(err, client.ErrOffline),
		errors.Is(err, client.ErrNotOpen),
		errors.Is(err, websocket.ErrBadHandshake),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &closeErr),
		errors.As(err, &netErr):
		return CategoryTransport, true
	}
	return CategoryUnknown, false
}
