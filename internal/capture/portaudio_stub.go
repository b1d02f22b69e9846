//go:build !portaudio

package capture

import (
	"context"
	"errors"
)

// PortAudioAvailable reports whether the binary was built with microphone
// support.
const PortAudioAvailable = false

// ErrPortAudioUnavailable is returned when the binary was built without the
// portaudio tag.
var ErrPortAudioUnavailable = errors.New("capture: built without portaudio support (use -tags portaudio)")

// PortAudioSource is unavailable in this build.
type PortAudioSource struct{}

func NewPortAudioSource(_, _ int) (*PortAudioSource, error) {
	return nil, ErrPortAudioUnavailable
}

func (s *PortAudioSource) ReadFrame(context.Context) ([]byte, error) {
	return nil, ErrPortAudioUnavailable
}

func (s *PortAudioSource) Close() error { return nil }
