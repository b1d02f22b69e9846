package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecDecoder pipes the payload through an external transcoder (ffmpeg by
// default) that writes raw little-endian float32 mono samples to stdout.
type ExecDecoder struct {
	cmd        []string
	timeout    time.Duration
	sampleRate int
}

func NewExecDecoder(command string, timeout time.Duration) (*ExecDecoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse decode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decode command is empty")
	}
	return &ExecDecoder{cmd: args, timeout: timeout, sampleRate: TargetSampleRate}, nil
}

func (d *ExecDecoder) Name() string { return "exec:" + d.cmd[0] }

func (d *ExecDecoder) Decode(ctx context.Context, data []byte) (Input, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	command.Stdin = bytes.NewReader(data)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.WaitDelay = time.Second

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Input{}, fmt.Errorf("%w: transcoder timed out: %v", ErrDecode, ctx.Err())
		}
		return Input{}, fmt.Errorf("%w: transcoder failed: %v: %s", ErrDecode, err, strings.TrimSpace(stderr.String()))
	}

	samples, err := parseFloat32LE(stdout.Bytes())
	if err != nil {
		return Input{}, err
	}
	return Input{Samples: samples, SampleRate: d.sampleRate}, nil
}

func parseFloat32LE(raw []byte) ([]float32, error) {
	n := len(raw) / 4
	if n == 0 {
		return nil, fmt.Errorf("%w: transcoder produced no samples", ErrDecode)
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}
