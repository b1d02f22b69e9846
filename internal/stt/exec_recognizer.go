package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-fluency/internal/audio"
	"github.com/loqalabs/loqa-fluency/internal/config"
	"github.com/loqalabs/loqa-fluency/internal/decode"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd     []string
	model   string
	timeout time.Duration
}

type execSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type execResult struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

// NewExecRecognizer runs an external ASR command per call. The command gets
// --audio <wav> plus the recognition options as flags and prints JSON
// {"segments":[{"text":...}]} or {"text":...} on stdout.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{
		cmd:     args,
		model:   cfg.ModelPath,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, in decode.Input, opts Options) ([]Segment, error) {
	prepared, err := r.Prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	defer prepared.Close()
	return prepared.Transcribe(ctx, opts)
}

// Prepare encodes the input and writes it to a temp WAV file for the command.
func (r *execRecognizer) Prepare(_ context.Context, in decode.Input) (Prepared, error) {
	payload, err := wavPayload(in)
	if err != nil {
		return nil, err
	}

	file, err := os.CreateTemp("", "fluency_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	if _, err := file.Write(payload); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("write temp audio: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return nil, fmt.Errorf("close temp audio: %w", err)
	}
	return &execPrepared{recognizer: r, path: file.Name()}, nil
}

type execPrepared struct {
	recognizer *execRecognizer
	path       string
}

func (p *execPrepared) Close() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *execPrepared) Transcribe(ctx context.Context, opts Options) ([]Segment, error) {
	r := p.recognizer
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", p.path)
	if r.model != "" {
		cmdArgs = append(cmdArgs, "--model", r.model)
	}
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.BeamSize > 0 {
		cmdArgs = append(cmdArgs, "--beam-size", strconv.Itoa(opts.BeamSize))
	}
	if opts.UseVoiceFilter {
		cmdArgs = append(cmdArgs, "--vad-filter")
	}
	if opts.InitialPrompt != "" {
		cmdArgs = append(cmdArgs, "--initial-prompt", opts.InitialPrompt)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.WaitDelay = time.Second

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	if len(resp.Segments) == 0 {
		if resp.Text == "" {
			return nil, nil
		}
		return []Segment{{Text: resp.Text}}, nil
	}
	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{
			Text:  s.Text,
			Start: seconds(s.Start),
			End:   seconds(s.End),
		})
	}
	return segments, nil
}

func wavPayload(in decode.Input) ([]byte, error) {
	if in.IsContainer() {
		return in.Container, nil
	}
	if len(in.Samples) == 0 {
		return nil, fmt.Errorf("no audio to transcribe")
	}
	rate := in.SampleRate
	if rate <= 0 {
		rate = decode.TargetSampleRate
	}
	data, err := audio.EncodeFloatWAV(in.Samples, rate)
	if err != nil {
		return nil, fmt.Errorf("encode samples: %w", err)
	}
	return data, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
