package mockserver

import (
	"context"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/assembler"
	"github.com/loqalabs/loqa-asr/internal/client"
	"github.com/loqalabs/loqa-asr/internal/clock"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	srv := New(opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.DropAll()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pcmFrame() []byte {
	return protocol.EncodePCM(make([]int16, 1600))
}

func TestTwoPassSessionAssemblesText(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, Options{
		ChunkInterval: 2,
		NewRecognizer: func() Recognizer {
			return &ScriptedRecognizer{Partials: []string{"他", "好"}, Final: "你好"}
		},
	})
	c := client.New(client.Options{URL: url})
	t.Cleanup(c.Destroy)

	results := make(chan protocol.Result, 8)
	c.Subscribe(func(e client.Event) {
		if e.Kind == client.EventResult {
			results <- e.Result
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, protocol.HandshakeParams{Mode: protocol.ModeTwoPass, ChunkInterval: 2, Hotwords: map[string]int{"阿里巴巴": 20}}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 4; i++ {
		c.SendAudio(pcmFrame())
	}
	if err := c.SendEndSignal(); err != nil {
		t.Fatalf("end signal: %v", err)
	}

	asm := assembler.New(assembler.Options{})
	want := []string{"他", "他好", "你好"}
	for i, display := range want {
		select {
		case res := <-results:
			if got := asm.OnMessage(res, protocol.ModeTwoPass).DisplayText; got != display {
				t.Fatalf("message %d: display %q want %q", i, got, display)
			}
			if i == 2 && (res.Mode != protocol.ModeTwoPassOffline || res.IsFinal) {
				t.Fatalf("unexpected final result %+v", res)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
	if segs := asm.Segments(); len(segs) != 1 || segs[0] != "你好" {
		t.Fatalf("unexpected segments %v", segs)
	}
}

func TestOfflineModeRepliesOnEndOfSpeech(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, Options{
		ChunkInterval: 1,
		NewRecognizer: func() Recognizer {
			return &ScriptedRecognizer{Partials: []string{"ignored"}, Final: "整句结果"}
		},
	})
	c := client.New(client.Options{URL: url})
	t.Cleanup(c.Destroy)

	results := make(chan protocol.Result, 4)
	c.Subscribe(func(e client.Event) {
		if e.Kind == client.EventResult {
			results <- e.Result
		}
	})
	if err := c.Connect(context.Background(), protocol.HandshakeParams{Mode: protocol.ModeOffline}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.SendAudio(pcmFrame())
	c.SendAudio(pcmFrame())
	if err := c.SendEndSignal(); err != nil {
		t.Fatalf("end signal: %v", err)
	}

	select {
	case res := <-results:
		if res.Mode != protocol.ModeOffline || res.Text != "整句结果" || !res.IsFinal {
			t.Fatalf("unexpected offline result %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no offline result")
	}
}

func collectResults(t *testing.T, c *client.Client) <-chan protocol.Result {
	t.Helper()
	results := make(chan protocol.Result, 16)
	c.Subscribe(func(e client.Event) {
		if e.Kind == client.EventResult {
			results <- e.Result
		}
	})
	return results
}

func TestEndpointEndsUtteranceMidStream(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, Options{
		ChunkInterval:  2,
		EndpointFrames: 2,
		NewRecognizer: func() Recognizer {
			return &ScriptedRecognizer{Partials: []string{"他"}, Finals: []string{"你好", "再见"}}
		},
	})
	c := client.New(client.Options{URL: url})
	t.Cleanup(c.Destroy)
	results := collectResults(t, c)

	if err := c.Connect(context.Background(), protocol.HandshakeParams{Mode: protocol.ModeTwoPass, ChunkInterval: 2}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 5; i++ {
		c.SendAudio(pcmFrame())
	}
	if err := c.SendEndSignal(); err != nil {
		t.Fatalf("end signal: %v", err)
	}

	// frames 1-2 and 3-4 each close an utterance; frame 5 is flushed by the end signal
	want := []protocol.Result{
		{Mode: protocol.ModeTwoPassOnline, Text: "他"},
		{Mode: protocol.ModeTwoPassOffline, Text: "你好"},
		{Mode: protocol.ModeTwoPassOnline, Text: "他"},
		{Mode: protocol.ModeTwoPassOffline, Text: "再见"},
	}
	asm := assembler.New(assembler.Options{})
	for i, w := range want {
		select {
		case res := <-results:
			if res.Mode != w.Mode || res.Text != w.Text {
				t.Fatalf("result %d: got %s %q, want %s %q", i, res.Mode, res.Text, w.Mode, w.Text)
			}
			asm.OnMessage(res, protocol.ModeTwoPass)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
	if segs := asm.Segments(); len(segs) != 2 || segs[0] != "你好" || segs[1] != "再见" {
		t.Fatalf("unexpected segments %v", segs)
	}
	// the trailing frame has no scripted final left and the joined partials are empty
	select {
	case res := <-results:
		t.Fatalf("unexpected result after end of speech %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEndpointInOfflineMode(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, Options{
		ChunkInterval:  1,
		EndpointFrames: 2,
		NewRecognizer: func() Recognizer {
			return &ScriptedRecognizer{Partials: []string{"ignored"}, Finals: []string{"甲", "乙"}}
		},
	})
	c := client.New(client.Options{URL: url})
	t.Cleanup(c.Destroy)
	results := collectResults(t, c)

	if err := c.Connect(context.Background(), protocol.HandshakeParams{Mode: protocol.ModeOffline}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 4; i++ {
		c.SendAudio(pcmFrame())
	}
	for i, want := range []string{"甲", "乙"} {
		select {
		case res := <-results:
			if res.Mode != protocol.ModeOffline || res.Text != want || !res.IsFinal {
				t.Fatalf("result %d: unexpected %+v", i, res)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for offline result %d", i)
		}
	}
}

func TestHeartbeatIsAnswered(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, Options{})
	clk := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	c := client.New(client.Options{URL: url, Clock: clk})
	t.Cleanup(c.Destroy)

	if err := c.Connect(context.Background(), protocol.HandshakeParams{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	clk.Advance(30 * time.Second)
	want := clk.Now()
	waitFor(t, func() bool { return srv.Pings() == 1 }, "ping at server")
	waitFor(t, func() bool {
		_, pong := c.Heartbeat()
		return pong.Equal(want)
	}, "pong at client")

	clk.Advance(60 * time.Second)
	if c.State() != client.StateOpen {
		t.Fatalf("expected open connection, got %s", c.State())
	}
}

func TestReconnectReplaysQueuedAudio(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, Options{})
	clk := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	c := client.New(client.Options{URL: url, Clock: clk})
	t.Cleanup(c.Destroy)

	if err := c.Connect(context.Background(), protocol.HandshakeParams{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.DropAll()
	waitFor(t, func() bool { return c.State() == client.StateClosed }, "client to notice drop")

	c.SendAudio(pcmFrame())
	c.SendAudio(pcmFrame())
	if c.QueueLen() != 2 {
		t.Fatalf("expected frames queued while closed, got %d", c.QueueLen())
	}

	waitFor(t, func() bool { return c.ReconnectCount() == 1 }, "reconnect scheduled")
	clk.Advance(3 * time.Second)
	waitFor(t, func() bool { return c.State() == client.StateOpen }, "reconnect")
	waitFor(t, func() bool { return c.QueueLen() == 0 }, "queue drained")
	waitFor(t, func() bool { return srv.Accepted() == 2 }, "second connection at server")
}

func TestScriptedRecognizerJoinsPartials(t *testing.T) {
	t.Parallel()

	r := &ScriptedRecognizer{Partials: []string{"hello ", "world"}}
	ctx := context.Background()
	for _, want := range []string{"hello ", "world", ""} {
		if got, _ := r.Transcribe(ctx, nil, 16000, false); got != want {
			t.Fatalf("partial %q want %q", got, want)
		}
	}
	if got, _ := r.Transcribe(ctx, nil, 16000, true); got != "hello world" {
		t.Fatalf("unexpected final %q", got)
	}
	if got, _ := r.Transcribe(ctx, nil, 16000, false); got != "hello " {
		t.Fatalf("expected script to restart after final, got %q", got)
	}
}

func TestExecRecognizer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r, err := NewExecRecognizer(`sh -c 'test -s "$1" && printf "{\"text\":\"%s\"}" hello'`, "", "")
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	text, err := r.Transcribe(context.Background(), protocol.EncodePCM([]int16{1, 2, 3}), 16000, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello" {
		t.Fatalf("unexpected text %q", text)
	}
	if _, err := NewExecRecognizer("", "", ""); err == nil {
		t.Fatal("expected empty command error")
	}
}
