//go:build !whisper

package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-fluency/internal/decode"
)

// ErrWhisperUnavailable is returned when the binary lacks the whisper tag.
var ErrWhisperUnavailable = errors.New("stt: built without whisper support (use -tags whisper)")

const WhisperAvailable = false

type WhisperRecognizer struct{}

func NewWhisperRecognizer(string) (*WhisperRecognizer, error) {
	return nil, ErrWhisperUnavailable
}

func (w *WhisperRecognizer) Close() error { return nil }

func (w *WhisperRecognizer) Transcribe(context.Context, decode.Input, Options) ([]Segment, error) {
	return nil, ErrWhisperUnavailable
}

func (w *WhisperRecognizer) Prepare(context.Context, decode.Input) (Prepared, error) {
	return nil, ErrWhisperUnavailable
}
