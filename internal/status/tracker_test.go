package status

import (
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/clock"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestDebounceCoalescesChanges(t *testing.T) {
	t.Parallel()

	clk := clock.NewSimulated(time.Unix(0, 0))
	tr := New(Options{Debounce: 200 * time.Millisecond, Clock: clk})
	rec := &recorder{}
	tr.Subscribe(rec.add)

	tr.SetConnectionState("connecting")
	tr.SetConnectionState("open")
	tr.SetRecordingState("recording")
	if snap := tr.Snapshot(); snap.Connection != "open" || snap.Recording != "recording" {
		t.Fatalf("snapshot must not be debounced: %+v", snap)
	}

	clk.Advance(199 * time.Millisecond)
	tr.feed.Close()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("notified before debounce elapsed: %+v", got)
	}
}

func TestDebounceDeliversNetChange(t *testing.T) {
	t.Parallel()

	clk := clock.NewSimulated(time.Unix(0, 0))
	tr := New(Options{Debounce: 200 * time.Millisecond, Clock: clk})
	rec := &recorder{}
	tr.Subscribe(rec.add)

	tr.SetConnectionState("connecting")
	tr.SetConnectionState("open")
	tr.SetRecordingState("recording")
	clk.Advance(200 * time.Millisecond)
	tr.Close()

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 coalesced changes, got %+v", got)
	}
	if got[0].Scope != ScopeConnection || got[0].Previous != "closed" || got[0].State != "open" {
		t.Fatalf("unexpected connection change %+v", got[0])
	}
	if got[1].Scope != ScopeRecording || got[1].State != "recording" {
		t.Fatalf("unexpected recording change %+v", got[1])
	}
}

func TestFlapWithinWindowIsSilent(t *testing.T) {
	t.Parallel()

	clk := clock.NewSimulated(time.Unix(0, 0))
	tr := New(Options{Debounce: time.Second, Clock: clk})
	rec := &recorder{}
	tr.Subscribe(rec.add)

	tr.SetAppState("degraded")
	tr.SetAppState("starting")
	clk.Advance(2 * time.Second)
	tr.Close()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no notification for a flap, got %+v", got)
	}
}

func TestNoDebouncePublishesEachChange(t *testing.T) {
	t.Parallel()

	tr := New(Options{})
	rec := &recorder{}
	tr.Subscribe(rec.add)

	tr.SetConnectionState("connecting")
	tr.SetConnectionState("connecting")
	tr.SetConnectionState("open")
	tr.Close()
	if got := rec.snapshot(); len(got) != 2 || got[1].Previous != "connecting" {
		t.Fatalf("unexpected changes %+v", got)
	}
}
