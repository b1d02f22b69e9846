package stt

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-fluency/internal/decode"
)

// Options are the per-call recognition parameters.
type Options struct {
	Language       string
	BeamSize       int
	UseVoiceFilter bool
	InitialPrompt  string
}

// Segment is one recognized span of speech, in recognizer order.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Recognizer abstracts STT backends. Implementations need not be safe for
// concurrent use; the Scheduler serializes calls.
type Recognizer interface {
	Transcribe(ctx context.Context, in decode.Input, opts Options) ([]Segment, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, in decode.Input, opts Options) ([]Segment, error)

func (f RecognizerFunc) Transcribe(ctx context.Context, in decode.Input, opts Options) ([]Segment, error) {
	return f(ctx, in, opts)
}

// Preparer is implemented by recognizers with per-call setup that does not
// touch the model, such as writing the audio to a temp file. The Scheduler
// calls Prepare before taking the inference lock.
type Preparer interface {
	Prepare(ctx context.Context, in decode.Input) (Prepared, error)
}

// Prepared is audio ready for a single recognizer call. Close releases
// whatever Prepare allocated and is safe to call after Transcribe.
type Prepared interface {
	Transcribe(ctx context.Context, opts Options) ([]Segment, error)
	Close() error
}
