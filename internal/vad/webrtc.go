//go:build webrtcvad

package vad

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// WebRTCAvailable reports whether the binary was built with the WebRTC
// detector.
const WebRTCAvailable = true

// WebRTCClassifier wraps the WebRTC voice activity detector. The underlying
// handle is not safe for concurrent use, so calls are serialized.
type WebRTCClassifier struct {
	mu  sync.Mutex
	vad *webrtcvad.VAD
}

// NewWebRTCClassifier creates a detector in the given aggressiveness mode
// (0 least, 3 most aggressive about filtering out non-speech).
func NewWebRTCClassifier(aggressiveness int) (*WebRTCClassifier, error) {
	if aggressiveness < 0 || aggressiveness > 3 {
		return nil, fmt.Errorf("vad aggressiveness must be between 0 and 3, got %d", aggressiveness)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtcvad: %w", err)
	}
	if err := v.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("webrtcvad: set mode %d: %w", aggressiveness, err)
	}
	return &WebRTCClassifier{vad: v}, nil
}

func (c *WebRTCClassifier) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	if err := ValidateFrame(frame, sampleRate); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	voiced, err := c.vad.Process(sampleRate, frame)
	if err != nil {
		return false, fmt.Errorf("webrtcvad: %w", err)
	}
	return voiced, nil
}
