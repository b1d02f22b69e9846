// Package decode turns uploaded audio bytes into something the recognizer
// can consume. Decoders are tried in order; the first success wins.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-fluency/internal/audio"
)

var (
	// ErrDecode means no decoder could interpret the payload.
	ErrDecode = errors.New("decode: unreadable audio")
	// ErrTooSmall means the payload is below the minimum chunk size and was
	// not handed to any decoder.
	ErrTooSmall = errors.New("decode: payload too small")
)

// TargetSampleRate is the rate samples are normalised to.
const TargetSampleRate = 16000

// Input is what the recognizer receives: either the original container bytes
// or mono float samples at SampleRate.
type Input struct {
	Container  []byte
	Samples    []float32
	SampleRate int
}

func (in Input) IsContainer() bool { return len(in.Container) > 0 }

// Empty reports whether the input carries no audio at all.
func (in Input) Empty() bool { return len(in.Container) == 0 && len(in.Samples) == 0 }

// Decoder interprets one payload.
type Decoder interface {
	Name() string
	Decode(ctx context.Context, data []byte) (Input, error)
}

// WAVDecoder accepts PCM WAV containers that parse and carry samples, and passes
// the original bytes through untouched.
type WAVDecoder struct{}

func (WAVDecoder) Name() string { return "wav" }

func (WAVDecoder) Decode(_ context.Context, data []byte) (Input, error) {
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return Input{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(samples) == 0 || rate <= 0 {
		return Input{}, fmt.Errorf("%w: empty wav", ErrDecode)
	}
	return Input{Container: data, SampleRate: rate}, nil
}

// Chain applies the minimum size policy and then tries each decoder.
type Chain struct {
	minBytes int
	decoders []Decoder
	logger   *slog.Logger
}

func NewChain(minBytes int, logger *slog.Logger, decoders ...Decoder) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		minBytes: minBytes,
		decoders: decoders,
		logger:   logger.With(slog.String("component", "decode")),
	}
}

func (c *Chain) MinBytes() int { return c.minBytes }

func (c *Chain) Decode(ctx context.Context, data []byte) (Input, error) {
	if len(data) == 0 || len(data) < c.minBytes {
		return Input{}, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(data))
	}
	var last error = ErrDecode
	for _, d := range c.decoders {
		in, err := d.Decode(ctx, data)
		if err == nil && !in.Empty() {
			return in, nil
		}
		if err == nil {
			err = fmt.Errorf("%s produced no audio", d.Name())
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Input{}, fmt.Errorf("%w: %v", ErrDecode, ctxErr)
		}
		c.logger.Debug("decoder rejected payload", slog.String("decoder", d.Name()), slog.String("error", err.Error()))
		last = err
	}
	if errors.Is(last, ErrDecode) {
		return Input{}, last
	}
	return Input{}, fmt.Errorf("%w: %v", ErrDecode, last)
}
