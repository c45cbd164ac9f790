package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Publisher broadcasts transcripts and state changes. Partial transcripts
// are fire-and-forget; finals go through JetStream when a stream is set so
// late subscribers can replay them.
type Publisher struct {
	client *Client
	stream string
	log    *slog.Logger
}

func NewPublisher(client *Client, stream string) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		log:    client.log.With(slog.String("component", "publisher")),
	}
}

// EnsureStream creates the transcript stream if it does not exist yet.
func (p *Publisher) EnsureStream(maxAge time.Duration) error {
	if p.stream == "" {
		return nil
	}
	js := p.client.JetStream()
	_, err := js.StreamInfo(p.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", p.stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     p.stream,
		Subjects: []string{protocol.SubjectTranscriptFinal},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", p.stream, err)
	}
	p.log.Info("transcript stream created", slog.String("stream", p.stream))
	return nil
}

func (p *Publisher) PublishTranscript(t protocol.Transcript) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if t.Partial {
		return p.client.Conn().Publish(protocol.SubjectTranscriptPartial, data)
	}
	if p.stream == "" {
		return p.client.Conn().Publish(protocol.SubjectTranscriptFinal, data)
	}
	if _, err := p.client.JetStream().Publish(protocol.SubjectTranscriptFinal, data); err != nil {
		return fmt.Errorf("publish final transcript: %w", err)
	}
	return nil
}

func (p *Publisher) PublishState(s protocol.StateChange) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state change: %w", err)
	}
	return p.client.Conn().Publish(protocol.SubjectStatePrefix+"."+s.Scope, data)
}
