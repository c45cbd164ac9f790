package mockserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Recognizer turns buffered 16-bit mono PCM into text. final is false for
// the streaming pass and true for the utterance-level pass.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, final bool) (string, error)
}

// ScriptedRecognizer replays fixed text. Each streaming call returns the next
// entry of Partials and the script restarts after every final call. Final
// calls return the next entry of Finals, then Final, or the partials emitted
// since the previous final when Final is empty.
type ScriptedRecognizer struct {
	Partials []string
	Finals   []string
	Final    string

	mu        sync.Mutex
	next      int
	nextFinal int
	emitted   []string
}

func (r *ScriptedRecognizer) Transcribe(_ context.Context, _ []byte, _ int, final bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if final {
		text := r.Final
		if r.nextFinal < len(r.Finals) {
			text = r.Finals[r.nextFinal]
			r.nextFinal++
		} else if text == "" {
			text = strings.Join(r.emitted, "")
		}
		r.emitted = nil
		r.next = 0
		return text, nil
	}
	if r.next >= len(r.Partials) {
		return "", nil
	}
	text := r.Partials[r.next]
	r.next++
	r.emitted = append(r.emitted, text)
	return text, nil
}

// ExecRecognizer writes the audio to a temporary WAV file and runs an
// external command on it. The command receives --audio <path>, plus
// --partial on streaming calls, and prints {"text": "..."} on stdout.
type ExecRecognizer struct {
	cmd      []string
	model    string
	language string
	mu       sync.Mutex
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecRecognizer(command, model, language string) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &ExecRecognizer{cmd: args, model: model, language: language}, nil
}

func (r *ExecRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, final bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_asr_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate); err != nil {
		return "", err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode recognizer response: %w", err)
	}
	return resp.Text, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   samples,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
