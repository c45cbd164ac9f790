// Package capture turns a microphone stream into fixed-duration 16 kHz PCM
// frames for the recognition client.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/clock"
	"github.com/loqalabs/loqa-asr/internal/events"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type State int

const (
	StateIdle State = iota
	StateReady
	StateRecording
	StateStopping
	StateError
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventStarted            EventKind = "started"
	EventStopped            EventKind = "stopped"
	EventMaxDurationReached EventKind = "maxDurationReached"
	EventError              EventKind = "error"
	EventLevel              EventKind = "level"
)

// Event is a pipeline lifecycle or metering notification.
type Event struct {
	Kind     EventKind
	Level    float64
	Duration time.Duration
	Err      error
}

// Frame is a block of quantized mono samples at the target rate. Only the
// final flush frame may be shorter than the configured frame size.
type Frame struct {
	Sequence   int
	Samples    []int16
	SampleRate int
	Final      bool
}

func (f Frame) PCM() []byte {
	return protocol.EncodePCM(f.Samples)
}

func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

type Options struct {
	SampleRate     int
	FrameDuration  time.Duration
	MaxDuration    time.Duration
	BufferDuration time.Duration
	// ReadSize is the number of native samples requested per device read.
	ReadSize    int
	FrameBuffer int
	Clock       clock.Clock
	Logger      *slog.Logger
	Meter       metric.Meter
}

func (o *Options) setDefaults() {
	if o.SampleRate <= 0 {
		o.SampleRate = protocol.DefaultSampleRate
	}
	if o.FrameDuration <= 0 {
		o.FrameDuration = 100 * time.Millisecond
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 60 * time.Second
	}
	if o.BufferDuration <= 0 {
		o.BufferDuration = 5 * time.Minute
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = 32
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Meter == nil {
		o.Meter = otel.Meter("github.com/loqalabs/loqa-asr/capture")
	}
}

type initCall struct {
	done chan struct{}
	err  error
}

// Pipeline owns one capture device. Frames flow on the channel returned by
// Start until Stop, Destroy, a device failure or the max duration closes it.
type Pipeline struct {
	device    Device
	opts      Options
	log       *slog.Logger
	clock     clock.Clock
	feed      *events.Feed[Event]
	frameSize int

	mu        sync.Mutex
	state     State
	lastErr   error
	inflight  *initCall
	stream    Stream
	buf       *SampleBuffer
	frames    chan Frame
	seq       int
	startedAt time.Time
	maxTimer  clock.Timer
	stopping  chan struct{}
	readDone  chan struct{}
	stopDone  chan struct{}
	lastDur   time.Duration

	framesCounter  metric.Int64Counter
	droppedCounter metric.Int64Counter
}

func NewPipeline(device Device, opts Options) *Pipeline {
	opts.setDefaults()
	p := &Pipeline{
		device:    device,
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "capture")),
		clock:     opts.Clock,
		feed:      events.NewFeed[Event](),
		frameSize: int(int64(opts.SampleRate) * int64(opts.FrameDuration) / int64(time.Second)),
	}
	if p.frameSize <= 0 {
		p.frameSize = 1
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
		p.framesCounter = noop.Int64Counter{}
		p.droppedCounter = noop.Int64Counter{}
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	frames, err := p.opts.Meter.Int64Counter("loqa.asr.capture.frames", metric.WithDescription("PCM frames emitted"))
	if err != nil {
		return err
	}
	dropped, err := p.opts.Meter.Int64Counter("loqa.asr.capture.samples_dropped", metric.WithDescription("Samples discarded on buffer overflow"))
	if err != nil {
		return err
	}
	p.framesCounter = frames
	p.droppedCounter = dropped
	return nil
}

// Subscribe registers fn for pipeline events.
func (p *Pipeline) Subscribe(fn func(Event)) func() {
	return p.feed.Subscribe(fn)
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FrameSize is the sample count of a full frame.
func (p *Pipeline) FrameSize() int {
	return p.frameSize
}

// Init acquires the device. It is a no-op when the device is already held and
// concurrent callers share a single in-flight acquisition. Calling Init from
// the error state retries acquisition.
func (p *Pipeline) Init(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateReady, StateRecording, StateStopping:
		p.mu.Unlock()
		return nil
	case StateDestroyed:
		p.mu.Unlock()
		return ErrDestroyed
	}
	if call := p.inflight; call != nil {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &initCall{done: make(chan struct{})}
	p.inflight = call
	p.mu.Unlock()

	stream, err := p.device.Open(ctx)

	p.mu.Lock()
	p.inflight = nil
	if err != nil {
		call.err = fmt.Errorf("open capture device: %w", err)
		p.state = StateError
		p.lastErr = call.err
	} else if p.state == StateDestroyed {
		call.err = ErrDestroyed
		_ = stream.Close()
	} else {
		p.stream = stream
		p.state = StateReady
		p.lastErr = nil
	}
	close(call.done)
	p.mu.Unlock()

	if call.err != nil && !errors.Is(call.err, ErrDestroyed) {
		p.log.Warn("capture init failed", slogError(call.err))
		p.feed.Publish(Event{Kind: EventError, Err: call.err})
	}
	return call.err
}

// Start begins recording. It initializes the device when needed, but a
// pipeline in the error state must be re-initialized explicitly first.
func (p *Pipeline) Start(ctx context.Context) (<-chan Frame, error) {
	p.mu.Lock()
	state, lastErr := p.state, p.lastErr
	p.mu.Unlock()

	switch state {
	case StateError:
		return nil, fmt.Errorf("%w: %v", ErrNeedsInit, lastErr)
	case StateRecording, StateStopping:
		return nil, ErrAlreadyRecording
	case StateDestroyed:
		return nil, ErrDestroyed
	}
	if err := p.Init(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	stream := p.stream
	if err := stream.Start(); err != nil {
		p.state = StateError
		p.lastErr = fmt.Errorf("start capture stream: %w", err)
		p.stream = nil
		err = p.lastErr
		p.mu.Unlock()
		_ = stream.Close()
		p.feed.Publish(Event{Kind: EventError, Err: err})
		return nil, err
	}

	bufferSamples := int(int64(p.opts.SampleRate) * int64(p.opts.BufferDuration) / int64(time.Second))
	p.buf = NewSampleBuffer(max(bufferSamples, p.frameSize))
	p.frames = make(chan Frame, p.opts.FrameBuffer)
	p.seq = 0
	p.startedAt = p.clock.Now()
	p.stopping = make(chan struct{})
	p.readDone = make(chan struct{})
	p.stopDone = make(chan struct{})
	p.state = StateRecording
	p.maxTimer = p.clock.AfterFunc(p.opts.MaxDuration, p.onMaxDuration)
	frames := p.frames

	readSize := p.opts.ReadSize
	if readSize <= 0 {
		readSize = max(stream.SampleRate()/100, 1)
	}
	go p.readLoop(stream, readSize, p.stopping, p.readDone)
	p.mu.Unlock()

	p.log.Info("capture started",
		slog.Int("native_rate", stream.SampleRate()),
		slog.Int("frame_samples", p.frameSize))
	p.feed.Publish(Event{Kind: EventStarted})
	return frames, nil
}

// Stop flushes any partial frame, closes the frame channel, releases the
// device and reports the recorded duration. On a pipeline that is not
// recording it returns immediately with zero duration.
func (p *Pipeline) Stop(ctx context.Context) (time.Duration, error) {
	return p.shutdown(ctx, true, nil)
}

// Destroy stops the device without flushing buffered audio and releases all
// resources. The pipeline cannot be used afterwards.
func (p *Pipeline) Destroy() {
	_, _ = p.shutdown(context.Background(), false, nil)

	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.state = StateDestroyed
	p.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	p.feed.Close()
}

func (p *Pipeline) onMaxDuration() {
	p.mu.Lock()
	recording := p.state == StateRecording
	p.mu.Unlock()
	if !recording {
		return
	}
	p.log.Info("max capture duration reached", slog.Duration("max_duration", p.opts.MaxDuration))
	p.feed.Publish(Event{Kind: EventMaxDurationReached, Duration: p.opts.MaxDuration})
	if _, err := p.Stop(context.Background()); err != nil {
		p.log.Warn("auto stop failed", slogError(err))
	}
}

func (p *Pipeline) shutdown(ctx context.Context, flush bool, cause error) (time.Duration, error) {
	p.mu.Lock()
	switch p.state {
	case StateStopping:
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.lastDur, nil
	case StateRecording:
	default:
		p.mu.Unlock()
		return 0, nil
	}
	p.state = StateStopping
	stream := p.stream
	stopping, readDone, stopDone := p.stopping, p.readDone, p.stopDone
	if p.maxTimer != nil {
		p.maxTimer.Stop()
		p.maxTimer = nil
	}
	p.mu.Unlock()

	close(stopping)
	if err := stream.Stop(); err != nil {
		p.log.Debug("stop capture stream", slogError(err))
	}
	<-readDone

	var flushErr error
	if flush {
		flushErr = p.flush(ctx)
	}
	p.mu.Lock()
	close(p.frames)
	p.buf.Reset()
	p.stream = nil
	duration := p.clock.Now().Sub(p.startedAt)
	p.lastDur = duration
	if cause != nil {
		p.state = StateError
		p.lastErr = cause
	} else {
		p.state = StateIdle
	}
	p.mu.Unlock()

	if err := stream.Close(); err != nil {
		p.log.Debug("close capture stream", slogError(err))
	}
	close(stopDone)

	p.log.Info("capture stopped", slog.Duration("duration", duration), slog.Bool("flushed", flush))
	p.feed.Publish(Event{Kind: EventStopped, Duration: duration, Err: cause})
	return duration, flushErr
}

// flush delivers every buffered full frame followed by a final short frame.
func (p *Pipeline) flush(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.buf.Len() == 0 {
			p.mu.Unlock()
			return nil
		}
		n := min(p.buf.Len(), p.frameSize)
		samples := p.buf.Pop(n)
		frame := p.nextFrameLocked(samples)
		frame.Final = p.buf.Len() == 0
		frames := p.frames
		p.mu.Unlock()

		select {
		case frames <- frame:
			p.framesCounter.Add(ctx, 1)
		case <-ctx.Done():
			return fmt.Errorf("flush capture buffer: %w", ctx.Err())
		}
	}
}

func (p *Pipeline) readLoop(stream Stream, readSize int, stopping, done chan struct{}) {
	defer close(done)
	buf := make([]float32, readSize)
	rate := stream.SampleRate()
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			p.process(buf[:n], rate)
		}
		select {
		case <-stopping:
			return
		default:
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			p.log.Info("capture source exhausted")
			go func() {
				if _, err := p.Stop(context.Background()); err != nil {
					p.log.Warn("stop after source end failed", slogError(err))
				}
			}()
			return
		}
		failure := fmt.Errorf("read capture stream: %w", err)
		p.log.Error("capture stream failed", slogError(failure))
		p.feed.Publish(Event{Kind: EventError, Err: failure})
		go func() {
			_, _ = p.shutdown(context.Background(), true, failure)
		}()
		return
	}
}

func (p *Pipeline) process(native []float32, nativeRate int) {
	p.feed.Publish(Event{Kind: EventLevel, Level: Level(native)})
	samples := Quantize(Resample(native, nativeRate, p.opts.SampleRate))

	p.mu.Lock()
	defer p.mu.Unlock()
	if dropped := p.buf.Push(samples); dropped > 0 {
		p.droppedCounter.Add(context.Background(), int64(dropped))
		p.log.Warn("capture buffer overflow", slog.Int("dropped_samples", dropped))
	}
	for p.buf.Len() >= p.frameSize {
		frame := p.nextFrameLocked(p.buf.Peek(p.frameSize))
		select {
		case p.frames <- frame:
			p.buf.Discard(p.frameSize)
			p.framesCounter.Add(context.Background(), 1)
		default:
			// consumer is behind; keep the backlog in the buffer
			p.seq--
			return
		}
	}
}

func (p *Pipeline) nextFrameLocked(samples []int16) Frame {
	p.seq++
	return Frame{Sequence: p.seq, Samples: samples, SampleRate: p.opts.SampleRate}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
