// Package protocol defines the recognition service wire format and the
// messages this runtime publishes on the bus.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Recognition modes requested in the handshake and reported on results.
const (
	ModeOffline        = "offline"
	ModeOnline         = "online"
	ModeTwoPass        = "2pass"
	ModeTwoPassOnline  = "2pass-online"
	ModeTwoPassOffline = "2pass-offline"
)

const (
	DefaultWavName    = "microphone"
	DefaultWavFormat  = "pcm"
	DefaultSampleRate = 16000
)

var (
	DefaultChunkSize     = []int{5, 10, 5}
	DefaultChunkInterval = 10
)

// ErrMalformed is returned for inbound payloads that are not a JSON object.
var ErrMalformed = errors.New("malformed server message")

// Handshake is the first message sent on every new connection.
type Handshake struct {
	Mode          string  `json:"mode"`
	WavName       string  `json:"wav_name"`
	WavFormat     string  `json:"wav_format"`
	AudioFS       int     `json:"audio_fs"`
	IsSpeaking    bool    `json:"is_speaking"`
	ChunkSize     []int   `json:"chunk_size"`
	ChunkInterval int     `json:"chunk_interval"`
	ITN           bool    `json:"itn"`
	Hotwords      *string `json:"hotwords"`
}

// HandshakeParams are the caller-facing knobs that produce a Handshake.
type HandshakeParams struct {
	Mode          string
	WavName       string
	SampleRate    int
	ChunkSize     []int
	ChunkInterval int
	ITN           bool
	Hotwords      map[string]int
}

// Handshake fills defaults and encodes hotwords the way the service expects:
// a JSON object string keyed by phrase, or null when there are none.
func (p HandshakeParams) Handshake() (Handshake, error) {
	h := Handshake{
		Mode:          p.Mode,
		WavName:       p.WavName,
		WavFormat:     DefaultWavFormat,
		AudioFS:       p.SampleRate,
		IsSpeaking:    true,
		ChunkSize:     append([]int(nil), p.ChunkSize...),
		ChunkInterval: p.ChunkInterval,
		ITN:           p.ITN,
	}
	if h.Mode == "" {
		h.Mode = ModeTwoPass
	}
	if h.WavName == "" {
		h.WavName = DefaultWavName
	}
	if h.AudioFS <= 0 {
		h.AudioFS = DefaultSampleRate
	}
	if len(h.ChunkSize) == 0 {
		h.ChunkSize = append([]int(nil), DefaultChunkSize...)
	}
	if h.ChunkInterval <= 0 {
		h.ChunkInterval = DefaultChunkInterval
	}
	if len(p.Hotwords) > 0 {
		data, err := json.Marshal(p.Hotwords)
		if err != nil {
			return Handshake{}, fmt.Errorf("encode hotwords: %w", err)
		}
		s := string(data)
		h.Hotwords = &s
	}
	return h, nil
}

// EndOfSpeech asks the service to run its final pass.
type EndOfSpeech struct {
	IsSpeaking bool `json:"is_speaking"`
}

// Ping is the heartbeat request; the service answers with a pong.
type Ping struct {
	Type string `json:"type"`
}

const (
	TypePing = "ping"
	TypePong = "pong"
)

// Result is one decoded recognition message.
type Result struct {
	Mode       string          `json:"mode"`
	WavName    string          `json:"wav_name"`
	Text       string          `json:"text"`
	IsFinal    bool            `json:"is_final"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
	StampSents json.RawMessage `json:"stamp_sents,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}

// Finalizes reports whether the result closes the current utterance. The
// is_final flag is not consulted: streaming partials may carry it set.
func (r Result) Finalizes() bool {
	return r.Mode == ModeTwoPassOffline
}

// InboundKind classifies a decoded server message.
type InboundKind int

const (
	InboundOther InboundKind = iota
	InboundPong
	InboundResult
)

// Inbound is a decoded server message.
type Inbound struct {
	Kind   InboundKind
	Result Result
	Fields map[string]json.RawMessage
}

// Decode parses a server message. A message is a result when it carries a
// text field, a pong when its type is "pong", and anything else otherwise.
func Decode(data []byte, receivedAt time.Time) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Inbound{}, ErrMalformed
	}
	in := Inbound{Kind: InboundOther, Fields: fields}

	if raw, ok := fields["type"]; ok {
		var typ string
		if err := json.Unmarshal(raw, &typ); err == nil && typ == TypePong {
			in.Kind = InboundPong
			return in, nil
		}
	}
	if _, ok := fields["text"]; ok {
		var res Result
		if err := json.Unmarshal(data, &res); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		res.ReceivedAt = receivedAt
		in.Kind = InboundResult
		in.Result = res
	}
	return in, nil
}

// EncodePCM serialises samples as little-endian signed 16-bit PCM.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM is the inverse of EncodePCM. A trailing odd byte is ignored.
func DecodePCM(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	if err := binary.Read(bytes.NewReader(data[:len(out)*2]), binary.LittleEndian, out); err != nil {
		return nil
	}
	return out
}

// PCMDuration reports the audio length of a 16 kHz mono PCM payload.
func PCMDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
