package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
)

// WAVDevice replays a PCM WAV file as if it were a microphone. Multi-channel
// files are mixed down to mono. With Realtime set, reads are paced to the
// file's sample rate.
type WAVDevice struct {
	Path     string
	Realtime bool
}

func NewWAVDevice(path string, realtime bool) *WAVDevice {
	return &WAVDevice{Path: path, Realtime: realtime}
}

func (d *WAVDevice) Open(ctx context.Context) (Stream, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", d.Path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	channels := max(buf.Format.NumChannels, 1)
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data)/channels)
	for i := range samples {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		samples[i] = sum / float32(channels)
	}
	return &wavStream{samples: samples, rate: buf.Format.SampleRate, realtime: d.Realtime}, nil
}

type wavStream struct {
	samples  []float32
	pos      int
	rate     int
	realtime bool
	stopped  atomic.Bool
}

func (s *wavStream) SampleRate() int { return s.rate }

func (s *wavStream) Start() error { return nil }

func (s *wavStream) Read(buf []float32) (int, error) {
	if s.stopped.Load() || s.pos >= len(s.samples) {
		return 0, io.EOF
	}
	n := copy(buf, s.samples[s.pos:])
	s.pos += n
	if s.realtime && s.rate > 0 {
		time.Sleep(time.Duration(n) * time.Second / time.Duration(s.rate))
	}
	return n, nil
}

func (s *wavStream) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *wavStream) Close() error {
	s.samples = nil
	return nil
}
