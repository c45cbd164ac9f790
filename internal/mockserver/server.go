// Package mockserver is a small FunASR-compatible websocket endpoint used
// for local development and end-to-end tests of the recognition client.
package mockserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

type Options struct {
	// NewRecognizer is called once per connection.
	NewRecognizer func() Recognizer
	// ChunkInterval is the default number of audio frames per streaming
	// pass; the handshake may override it.
	ChunkInterval int
	// EndpointFrames ends the current utterance after that many audio
	// frames, standing in for voice activity detection. The utterance gets
	// its offline pass and the buffers restart. Zero only ends utterances
	// on is_speaking false.
	EndpointFrames int
	SampleRate     int
	Logger         *slog.Logger
}

type Server struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	accepted atomic.Int64
	pings    atomic.Int64
}

func New(opts Options) *Server {
	if opts.NewRecognizer == nil {
		opts.NewRecognizer = func() Recognizer {
			return &ScriptedRecognizer{}
		}
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = protocol.DefaultChunkInterval
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = protocol.DefaultSampleRate
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "mock-asr")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.track(conn)
	defer s.untrack(conn)
	s.accepted.Add(1)
	s.log.Info("client connected", slog.String("remote", r.RemoteAddr), slog.String("query", r.URL.RawQuery))

	sess := &session{
		server:        s,
		conn:          conn,
		recognizer:    s.opts.NewRecognizer(),
		mode:          protocol.ModeTwoPass,
		wavName:       protocol.DefaultWavName,
		isSpeaking:    true,
		chunkInterval: s.opts.ChunkInterval,
	}
	sess.run(r.Context())
	s.log.Info("client disconnected", slog.String("remote", r.RemoteAddr))
}

// Accepted reports how many connections have been upgraded.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Pings reports how many heartbeat pings were answered.
func (s *Server) Pings() int { return int(s.pings.Load()) }

// Connections reports the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAll closes every live connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) track(c *websocket.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

type session struct {
	server        *Server
	conn          *websocket.Conn
	recognizer    Recognizer
	mode          string
	wavName       string
	hotwords      string
	isSpeaking    bool
	chunkInterval int

	utterance [][]byte
	online    [][]byte
}

func (s *session) run(ctx context.Context) {
	log := s.server.log
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read ended", slog.String("error", err.Error()))
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			err = s.handleControl(ctx, data)
		case websocket.BinaryMessage:
			err = s.handleAudio(ctx, data)
		}
		if err != nil {
			log.Debug("write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *session) handleControl(ctx context.Context, data []byte) error {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.server.log.Warn("invalid json from client", slog.String("payload", string(data)))
		return nil
	}
	if raw, ok := msg["type"]; ok {
		var typ string
		if json.Unmarshal(raw, &typ) == nil && typ == protocol.TypePing {
			s.server.pings.Add(1)
			return s.send(map[string]string{"type": protocol.TypePong})
		}
	}
	if raw, ok := msg["is_speaking"]; ok {
		_ = json.Unmarshal(raw, &s.isSpeaking)
		if !s.isSpeaking && len(s.utterance) > 0 {
			if err := s.endUtterance(ctx); err != nil {
				return err
			}
		}
	}
	if raw, ok := msg["chunk_interval"]; ok {
		var interval int
		if json.Unmarshal(raw, &interval) == nil && interval > 0 {
			s.chunkInterval = interval
		}
	}
	if raw, ok := msg["wav_name"]; ok {
		_ = json.Unmarshal(raw, &s.wavName)
	}
	if raw, ok := msg["hotwords"]; ok {
		_ = json.Unmarshal(raw, &s.hotwords)
		if s.hotwords != "" {
			s.server.log.Info("hotwords configured", slog.String("hotwords", s.hotwords))
		}
	}
	if raw, ok := msg["mode"]; ok {
		_ = json.Unmarshal(raw, &s.mode)
	}
	return nil
}

func (s *session) handleAudio(ctx context.Context, frame []byte) error {
	s.utterance = append(s.utterance, frame)
	s.online = append(s.online, frame)
	endpoint := s.server.opts.EndpointFrames > 0 && len(s.utterance) >= s.server.opts.EndpointFrames
	if len(s.online)%s.chunkInterval == 0 || endpoint {
		chunk := s.online
		s.online = nil
		if err := s.streamingPass(ctx, chunk); err != nil {
			return err
		}
	}
	if endpoint {
		return s.endUtterance(ctx)
	}
	return nil
}

func (s *session) streamingPass(ctx context.Context, chunk [][]byte) error {
	if s.mode != protocol.ModeTwoPass && s.mode != protocol.ModeOnline {
		return nil
	}
	text, err := s.recognizer.Transcribe(ctx, join(chunk), s.server.opts.SampleRate, false)
	if err != nil {
		s.server.log.Warn("streaming pass failed", slog.String("error", err.Error()))
		return nil
	}
	if text == "" {
		return nil
	}
	mode := s.mode
	if mode == protocol.ModeTwoPass {
		mode = protocol.ModeTwoPassOnline
	}
	return s.send(protocol.Result{Mode: mode, WavName: s.wavName, Text: text, IsFinal: s.isSpeaking})
}

// endUtterance runs the offline pass where the mode has one and clears the
// utterance and streaming buffers.
func (s *session) endUtterance(ctx context.Context) error {
	var err error
	if s.mode == protocol.ModeTwoPass || s.mode == protocol.ModeOffline {
		err = s.finalPass(ctx)
	}
	s.utterance = nil
	s.online = nil
	return err
}

func (s *session) finalPass(ctx context.Context) error {
	text, err := s.recognizer.Transcribe(ctx, join(s.utterance), s.server.opts.SampleRate, true)
	if err != nil {
		s.server.log.Warn("final pass failed", slog.String("error", err.Error()))
		return nil
	}
	if text == "" {
		return nil
	}
	mode := s.mode
	isFinal := s.isSpeaking
	if mode == protocol.ModeTwoPass {
		mode = protocol.ModeTwoPassOffline
	} else {
		isFinal = true
	}
	return s.send(protocol.Result{Mode: mode, WavName: s.wavName, Text: text, IsFinal: isFinal})
}

func (s *session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func join(frames [][]byte) []byte {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
