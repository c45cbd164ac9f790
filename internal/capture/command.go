package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
)

const commandStopGrace = 2 * time.Second

// CommandDevice runs an external recorder, such as ffmpeg, that writes mono
// little-endian float32 samples to stdout at a fixed native rate.
type CommandDevice struct {
	args       []string
	sampleRate int
	log        *slog.Logger
}

func NewCommandDevice(command string, sampleRate int, log *slog.Logger) (*CommandDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	if sampleRate <= 0 {
		return nil, errors.New("capture command sample rate must be positive")
	}
	return &CommandDevice{args: args, sampleRate: sampleRate, log: log.With(slog.String("component", "capture-command"))}, nil
}

func (d *CommandDevice) Open(ctx context.Context) (Stream, error) {
	if _, err := exec.LookPath(d.args[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return &commandStream{device: d}, nil
}

type commandStream struct {
	device  *CommandDevice
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *tailBuffer
	pending []byte
	stopped atomic.Bool
	waitErr chan error
	once    sync.Once
}

func (s *commandStream) SampleRate() int { return s.device.sampleRate }

func (s *commandStream) Start() error {
	args := s.device.args
	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	s.stderr = &tailBuffer{limit: 4096}
	cmd.Stderr = s.stderr
	if err := cmd.Start(); err != nil {
		return classifyCommandError(err, "")
	}
	s.cmd = cmd
	s.stdout = stdout
	s.waitErr = make(chan error, 1)
	s.device.log.Debug("capture command started", slog.String("command", args[0]), slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *commandStream) Read(buf []float32) (int, error) {
	if s.stopped.Load() || s.stdout == nil {
		return 0, io.EOF
	}
	raw := make([]byte, len(buf)*4)
	copied := copy(raw, s.pending)
	s.pending = s.pending[:0]
	n, err := io.ReadAtLeast(s.stdout, raw[copied:], max(4-copied, 1))
	total := copied + n
	whole := total / 4 * 4
	for i := 0; i < whole/4; i++ {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	s.pending = append(s.pending, raw[whole:total]...)

	if err != nil {
		if s.stopped.Load() {
			return whole / 4, io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if exitErr := s.wait(); exitErr != nil {
				return whole / 4, classifyCommandError(exitErr, s.stderr.String())
			}
			return whole / 4, io.EOF
		}
		return whole / 4, fmt.Errorf("read capture command: %w", err)
	}
	return whole / 4, nil
}

// Stop asks the recorder to exit the way a terminal would, so it can finalize.
func (s *commandStream) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupt capture command: %w", err)
	}
	return nil
}

func (s *commandStream) Close() error {
	s.stopped.Store(true)
	if s.cmd == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- s.wait() }()
	select {
	case <-done:
	case <-time.After(commandStopGrace):
		_ = s.cmd.Process.Kill()
		<-done
	}
	return nil
}

func (s *commandStream) wait() error {
	s.once.Do(func() {
		s.waitErr <- s.cmd.Wait()
	})
	err := <-s.waitErr
	s.waitErr <- err
	return err
}

func classifyCommandError(err error, stderr string) error {
	msg := strings.ToLower(stderr + " " + err.Error())
	switch {
	case errors.Is(err, exec.ErrNotFound), strings.Contains(msg, "no such file"), strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case errors.Is(err, os.ErrPermission), strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "device or resource busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceInUse, err)
	}
	if tail := strings.TrimSpace(stderr); tail != "" {
		return fmt.Errorf("capture command failed: %w: %s", err, tail)
	}
	return fmt.Errorf("capture command failed: %w", err)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
