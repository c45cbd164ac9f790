package capture

import (
	"context"
	"errors"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("audio input device not found")
	ErrDeviceInUse      = errors.New("audio input device in use")

	ErrNeedsInit        = errors.New("capture pipeline requires re-initialization")
	ErrAlreadyRecording = errors.New("capture already recording")
	ErrDestroyed        = errors.New("capture pipeline destroyed")
)

// IsDeviceError reports whether err is one of the non-retryable device kinds.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDeviceInUse)
}

// Device acquires an input stream. Implementations wrap failures with the
// device error kinds above where they can tell them apart.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields mono float samples in [-1, 1] at its native rate.
//
// Read blocks until samples are available. After Stop, Read returns io.EOF
// once any in-flight read completes; Read also returns io.EOF when a finite
// source is exhausted. Close releases the device.
type Stream interface {
	SampleRate() int
	Start() error
	Read(buf []float32) (int, error)
	Stop() error
	Close() error
}
