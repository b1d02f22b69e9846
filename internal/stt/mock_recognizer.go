package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-fluency/internal/decode"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes its input instead of
// transcribing it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, in decode.Input, _ Options) ([]Segment, error) {
	if in.IsContainer() {
		return []Segment{{Text: fmt.Sprintf("[transcript bytes=%d]", len(in.Container))}}, nil
	}
	return []Segment{{Text: fmt.Sprintf("[transcript samples=%d]", len(in.Samples))}}, nil
}
