package session

import (
	"bytes"
	"testing"

	"github.com/loqalabs/loqa-asr/internal/protocol"
)

func TestConsoleSinkFormatsTranscripts(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, false)

	_ = sink.PublishTranscript(protocol.Transcript{Text: "他", DisplayText: "他", Partial: true})
	_ = sink.PublishTranscript(protocol.Transcript{Text: "你好", DisplayText: "你好", Segment: 1})
	_ = sink.PublishTranscript(protocol.Transcript{Text: "整句", DisplayText: "整句"})

	if got, want := buf.String(), "[1] 你好\n整句\n"; got != want {
		t.Fatalf("quiet output %q want %q", got, want)
	}

	buf.Reset()
	sink.Verbose = true
	_ = sink.PublishTranscript(protocol.Transcript{Text: "好", DisplayText: "他好", Partial: true})
	_ = sink.PublishTranscript(protocol.Transcript{DisplayText: "他好", Partial: true})
	if got := buf.String(); got != "… 他好\n" {
		t.Fatalf("verbose output %q", got)
	}
}
