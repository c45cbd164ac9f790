// Package status tracks coarse connection, recording and application states
// and notifies subscribers with debounced change events.
package status

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/clock"
	"github.com/loqalabs/loqa-asr/internal/events"
)

type Scope string

const (
	ScopeConnection Scope = "connection"
	ScopeRecording  Scope = "recording"
	ScopeApp        Scope = "app"
)

// Snapshot is the latest state of every scope. It is updated immediately;
// only notifications are debounced.
type Snapshot struct {
	Connection string    `json:"connection"`
	Recording  string    `json:"recording"`
	App        string    `json:"app"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Change struct {
	Scope    Scope
	State    string
	Previous string
	At       time.Time
}

type Options struct {
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Tracker struct {
	debounce time.Duration
	clock    clock.Clock
	log      *slog.Logger
	feed     *events.Feed[Change]

	mu      sync.Mutex
	snap    Snapshot
	pending map[Scope]*Change
	order   []Scope
	timer   clock.Timer
}

func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		debounce: opts.Debounce,
		clock:    opts.Clock,
		log:      opts.Logger.With(slog.String("component", "status")),
		feed:     events.NewFeed[Change](),
		snap:     Snapshot{Connection: "closed", Recording: "idle", App: "starting", UpdatedAt: opts.Clock.Now()},
		pending:  make(map[Scope]*Change),
	}
}

func (t *Tracker) SetConnectionState(state string) { t.set(ScopeConnection, state) }

func (t *Tracker) SetRecordingState(state string) { t.set(ScopeRecording, state) }

func (t *Tracker) SetAppState(state string) { t.set(ScopeApp, state) }

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Subscribe registers fn for state changes.
func (t *Tracker) Subscribe(fn func(Change)) func() {
	return t.feed.Subscribe(fn)
}

// Flush delivers pending notifications without waiting for the debounce.
func (t *Tracker) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.flushLocked()
	t.mu.Unlock()
}

// Close flushes pending notifications and stops delivery.
func (t *Tracker) Close() {
	t.Flush()
	t.feed.Close()
}

func (t *Tracker) set(scope Scope, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	field := t.fieldLocked(scope)
	if *field == state {
		return
	}
	prev := *field
	*field = state
	now := t.clock.Now()
	t.snap.UpdatedAt = now
	t.log.Debug("state changed", slog.String("scope", string(scope)), slog.String("from", prev), slog.String("to", state))

	if t.debounce <= 0 {
		t.feed.Publish(Change{Scope: scope, State: state, Previous: prev, At: now})
		return
	}

	if pending, ok := t.pending[scope]; ok {
		pending.State = state
		pending.At = now
		if pending.State == pending.Previous {
			delete(t.pending, scope)
			t.order = removeScope(t.order, scope)
		}
	} else {
		t.pending[scope] = &Change{Scope: scope, State: state, Previous: prev, At: now}
		t.order = append(t.order, scope)
	}
	if t.timer == nil && len(t.pending) > 0 {
		t.timer = t.clock.AfterFunc(t.debounce, t.Flush)
	}
}

func (t *Tracker) flushLocked() {
	t.timer = nil
	for _, scope := range t.order {
		if change, ok := t.pending[scope]; ok {
			t.feed.Publish(*change)
		}
	}
	t.pending = make(map[Scope]*Change)
	t.order = nil
}

func (t *Tracker) fieldLocked(scope Scope) *string {
	switch scope {
	case ScopeConnection:
		return &t.snap.Connection
	case ScopeRecording:
		return &t.snap.Recording
	default:
		return &t.snap.App
	}
}

func removeScope(order []Scope, scope Scope) []Scope {
	out := order[:0]
	for _, s := range order {
		if s != scope {
			out = append(out, s)
		}
	}
	return out
}
