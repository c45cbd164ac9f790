package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestHandshakeDefaults(t *testing.T) {
	h, err := HandshakeParams{}.Handshake()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Mode != ModeTwoPass || h.WavName != DefaultWavName || h.AudioFS != 16000 {
		t.Fatalf("unexpected defaults: %+v", h)
	}
	if !h.IsSpeaking || h.WavFormat != "pcm" {
		t.Fatalf("expected speaking pcm handshake: %+v", h)
	}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := fields["hotwords"]; !ok || v != nil {
		t.Fatalf("expected explicit null hotwords, got %v", fields["hotwords"])
	}
	if cs, _ := fields["chunk_size"].([]any); len(cs) != 3 {
		t.Fatalf("expected chunk geometry, got %v", fields["chunk_size"])
	}
}

func TestHandshakeHotwordsEncodedAsString(t *testing.T) {
	h, err := HandshakeParams{Mode: ModeOnline, Hotwords: map[string]int{"阿里巴巴": 20}}.Handshake()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Hotwords == nil {
		t.Fatal("expected hotwords")
	}
	var table map[string]int
	if err := json.Unmarshal([]byte(*h.Hotwords), &table); err != nil {
		t.Fatalf("hotwords not a json string: %v", err)
	}
	if table["阿里巴巴"] != 20 {
		t.Fatalf("unexpected table %v", table)
	}
}

func TestDecode(t *testing.T) {
	now := time.Unix(10, 0)

	in, err := Decode([]byte(`{"type":"pong"}`), now)
	if err != nil || in.Kind != InboundPong {
		t.Fatalf("expected pong, got %+v err=%v", in, err)
	}

	in, err = Decode([]byte(`{"mode":"2pass-online","wav_name":"microphone","text":"你","is_final":true}`), now)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if in.Kind != InboundResult || in.Result.Text != "你" || !in.Result.ReceivedAt.Equal(now) {
		t.Fatalf("unexpected result %+v", in)
	}
	if in.Result.Finalizes() {
		t.Fatal("is_final on a partial must not finalize")
	}

	in, err = Decode([]byte(`{"mode":"2pass-offline","text":"你好","is_final":false}`), now)
	if err != nil || !in.Result.Finalizes() {
		t.Fatalf("expected finalizing result, got %+v err=%v", in, err)
	}

	in, err = Decode([]byte(`{"status":"ready"}`), now)
	if err != nil || in.Kind != InboundOther || len(in.Fields) != 1 {
		t.Fatalf("expected passthrough message, got %+v err=%v", in, err)
	}

	if _, err := Decode([]byte(`not json`), now); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if _, err := Decode([]byte(`null`), now); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error for null, got %v", err)
	}
}

func TestPCMEncoding(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	data := EncodePCM(samples)
	if len(data) != 10 {
		t.Fatalf("expected 10 bytes, got %d", len(data))
	}
	if data[4] != 0xff || data[5] != 0xff {
		t.Fatalf("expected little-endian -1, got % x", data[4:6])
	}
	back := DecodePCM(data)
	for i := range samples {
		if back[i] != samples[i] {
			t.Fatalf("sample %d: got %d want %d", i, back[i], samples[i])
		}
	}
	if d := PCMDuration(3200, 16000); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", d)
	}
}
