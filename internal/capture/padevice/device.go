// Package padevice captures from a PortAudio input device.
package padevice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-asr/internal/capture"
)

// Device opens the named input device, or the system default when Name is
// empty. Names match by case-insensitive substring.
type Device struct {
	Name string
	log  *slog.Logger
}

func New(name string, log *slog.Logger) *Device {
	return &Device{Name: name, log: log.With(slog.String("component", "portaudio"))}
}

func (d *Device) Open(ctx context.Context) (capture.Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classify(fmt.Errorf("initialize portaudio: %w", err))
	}
	info, err := d.lookup()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		portaudio.Terminate()
		return nil, err
	}

	rate := int(info.DefaultSampleRate)
	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.SampleRate = info.DefaultSampleRate
	params.FramesPerBuffer = rate / 100

	buffer := make([]float32, params.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, classify(fmt.Errorf("open portaudio stream: %w", err))
	}
	d.log.Info("input device opened", slog.String("device", info.Name), slog.Int("sample_rate", rate))
	return &paStream{pa: stream, buffer: buffer, rate: rate, log: d.log}, nil
}

func (d *Device) lookup() (*portaudio.DeviceInfo, error) {
	if d.Name == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil || info == nil {
			return nil, fmt.Errorf("%w: no default input: %v", capture.ErrDeviceNotFound, err)
		}
		return info, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, classify(fmt.Errorf("list devices: %w", err))
	}
	want := strings.ToLower(d.Name)
	for _, info := range devices {
		if info.MaxInputChannels > 0 && strings.Contains(strings.ToLower(info.Name), want) {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: no input named %q", capture.ErrDeviceNotFound, d.Name)
}

// Devices lists the names of every device with at least one input channel.
func Devices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	defer portaudio.Terminate()
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range devices {
		if info.MaxInputChannels > 0 {
			names = append(names, info.Name)
		}
	}
	return names, nil
}

type paStream struct {
	pa      *portaudio.Stream
	buffer  []float32
	rate    int
	log     *slog.Logger
	stopped atomic.Bool
}

func (s *paStream) SampleRate() int { return s.rate }

func (s *paStream) Start() error {
	if err := s.pa.Start(); err != nil {
		return classify(fmt.Errorf("start portaudio stream: %w", err))
	}
	return nil
}

// Read blocks for one device buffer. Stop only marks the stream; the
// PortAudio stream itself is stopped in Close once reads have ended.
func (s *paStream) Read(buf []float32) (int, error) {
	if s.stopped.Load() {
		return 0, io.EOF
	}
	if err := s.pa.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			s.log.Debug("input overflowed")
		} else {
			return 0, classify(fmt.Errorf("read portaudio stream: %w", err))
		}
	}
	return copy(buf, s.buffer), nil
}

func (s *paStream) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *paStream) Close() error {
	s.stopped.Store(true)
	var errs []error
	if err := s.pa.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.pa.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func classify(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable):
		return fmt.Errorf("%w: %v", capture.ErrDeviceInUse, err)
	case errors.Is(err, portaudio.InvalidDevice):
		return fmt.Errorf("%w: %v", capture.ErrDeviceNotFound, err)
	case strings.Contains(strings.ToLower(err.Error()), "permission"):
		return fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	}
	return err
}
