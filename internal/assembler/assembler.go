// Package assembler turns the stream of recognition results into display
// text, finalizing one segment per utterance in streaming and two-pass modes.
package assembler

import (
	"strings"
	"sync"

	"github.com/loqalabs/loqa-asr/internal/protocol"
)

const (
	DefaultMaxSegments = 500
	DefaultMaxResults  = 1000
)

// Segment is the finalized text of one utterance.
type Segment struct {
	Index int
	Text  string
}

// Update is returned for every message, including no-op ones.
type Update struct {
	DisplayText string
	Result      protocol.Result
	Finalized   *Segment
}

// Options bounds retained history. Zero values pick the defaults.
type Options struct {
	MaxSegments int
	MaxResults  int
}

// Assembler holds the running text of one recording session.
type Assembler struct {
	mu          sync.RWMutex
	maxSegments int
	maxResults  int
	completed   []string
	active      strings.Builder
	history     []protocol.Result
	finalized   int
}

func New(opts Options) *Assembler {
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = DefaultMaxSegments
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	return &Assembler{maxSegments: opts.MaxSegments, maxResults: opts.MaxResults}
}

// Reset clears all segments and history ahead of a new recording session.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = nil
	a.active.Reset()
	a.history = nil
	a.finalized = 0
}

// OnMessage applies result under the session's negotiated mode.
//
// Offline sessions replace the text with every message. Streaming and two-pass
// sessions append deltas to the active segment until a 2pass-offline result
// arrives, whose text replaces the accumulated partials and becomes a
// completed segment. Empty text changes nothing but still yields an Update.
func (a *Assembler) OnMessage(result protocol.Result, mode string) Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	if result.Text == "" {
		return Update{DisplayText: a.displayLocked(), Result: result}
	}
	a.recordLocked(result)

	if mode == protocol.ModeOffline {
		a.completed = nil
		a.active.Reset()
		a.active.WriteString(result.Text)
		return Update{DisplayText: result.Text, Result: result}
	}

	if !result.Finalizes() {
		a.active.WriteString(result.Text)
		return Update{DisplayText: a.displayLocked(), Result: result}
	}

	a.active.Reset()
	a.completed = append(a.completed, result.Text)
	if over := len(a.completed) - a.maxSegments; over > 0 {
		a.completed = append([]string(nil), a.completed[over:]...)
	}
	a.finalized++
	return Update{
		DisplayText: a.displayLocked(),
		Result:      result,
		Finalized:   &Segment{Index: a.finalized, Text: result.Text},
	}
}

func (a *Assembler) recordLocked(result protocol.Result) {
	a.history = append(a.history, result)
	if over := len(a.history) - a.maxResults; over > 0 {
		a.history = append([]protocol.Result(nil), a.history[over:]...)
	}
}

func (a *Assembler) displayLocked() string {
	return strings.Join(a.completed, "") + a.active.String()
}

// DisplayText returns completed segments followed by the active segment.
func (a *Assembler) DisplayText() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.displayLocked()
}

// Segments returns a copy of the retained completed segments, oldest first.
func (a *Assembler) Segments() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.completed...)
}

func (a *Assembler) ActiveSegment() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active.String()
}

// History returns a copy of the retained non-empty results, oldest first.
func (a *Assembler) History() []protocol.Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]protocol.Result(nil), a.history...)
}
