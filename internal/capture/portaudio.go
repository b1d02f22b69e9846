//go:build portaudio

package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioAvailable reports whether the binary was built with microphone
// support.
const PortAudioAvailable = true

// PortAudioSource reads frames from the default input device.
type PortAudioSource struct {
	stream *portaudio.Stream
	buf    []int16
	once   sync.Once
}

func NewPortAudioSource(sampleRate, frameMS int) (*PortAudioSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	buf := make([]int16, sampleRate*frameMS/1000)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buf), buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open default input: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &PortAudioSource{stream: stream, buf: buf}, nil
}

func (s *PortAudioSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.stream.Read(); err != nil {
		return nil, fmt.Errorf("read input stream: %w", err)
	}
	frame := make([]byte, len(s.buf)*2)
	for i, v := range s.buf {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(v))
	}
	return frame, nil
}

func (s *PortAudioSource) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stream.Stop()
		err = s.stream.Close()
		portaudio.Terminate()
	})
	return err
}
