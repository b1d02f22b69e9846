// Package capture produces fixed-duration PCM frames from a live input.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// Source yields 16-bit mono PCM frames of a fixed size. ReadFrame blocks on
// the device and returns io.EOF when the input ends.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// FrameBytes returns the byte length of one frame.
func FrameBytes(sampleRate, frameMS, channels int) int {
	return sampleRate * frameMS / 1000 * channels * 2
}

// ReaderSource reads frames from any byte stream, e.g. stdin or a file of raw
// PCM.
type ReaderSource struct {
	r         io.Reader
	frameSize int
	closer    io.Closer
}

func NewReaderSource(r io.Reader, frameSize int) (*ReaderSource, error) {
	if frameSize <= 0 || frameSize%2 != 0 {
		return nil, fmt.Errorf("invalid frame size %d", frameSize)
	}
	src := &ReaderSource{r: r, frameSize: frameSize}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src, nil
}

func (s *ReaderSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame := make([]byte, s.frameSize)
	if _, err := io.ReadFull(s.r, frame); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return frame, nil
}

func (s *ReaderSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ExecSource runs a recording command (arecord, sox, ffmpeg) and reads raw
// PCM frames from its stdout.
type ExecSource struct {
	*ReaderSource
	cmd    *exec.Cmd
	cancel context.CancelFunc
	once   sync.Once
}

// NewExecSource starts command. The process is killed when ctx ends or on
// Close.
func NewExecSource(ctx context.Context, command string, frameSize int) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	reader, err := NewReaderSource(stdout, frameSize)
	if err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, err
	}
	return &ExecSource{ReaderSource: reader, cmd: cmd, cancel: cancel}, nil
}

func (s *ExecSource) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if waitErr := s.cmd.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				err = waitErr
			}
		}
	})
	return err
}
