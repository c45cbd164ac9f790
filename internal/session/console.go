package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/loqalabs/loqa-asr/internal/protocol"
)

// ConsoleSink prints transcripts as lines of text. Partials are printed only
// when Verbose is set; finals always are. Updates without new text are
// skipped.
type ConsoleSink struct {
	Verbose bool

	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSink(w io.Writer, verbose bool) *ConsoleSink {
	return &ConsoleSink{w: w, Verbose: verbose}
}

func (s *ConsoleSink) PublishTranscript(t protocol.Transcript) error {
	if t.Text == "" || (t.Partial && !s.Verbose) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	switch {
	case t.Partial:
		_, err = fmt.Fprintf(s.w, "… %s\n", t.DisplayText)
	case t.Segment > 0:
		_, err = fmt.Fprintf(s.w, "[%d] %s\n", t.Segment, t.Text)
	default:
		_, err = fmt.Fprintln(s.w, t.DisplayText)
	}
	return err
}

func (s *ConsoleSink) PublishState(protocol.StateChange) error {
	return nil
}
