//go:build !webrtcvad

package vad

import "errors"

const WebRTCAvailable = false

// ErrWebRTCUnavailable is returned when the binary lacks the webrtcvad tag.
var ErrWebRTCUnavailable = errors.New("vad: built without webrtcvad support (use -tags webrtcvad)")

// WebRTCClassifier is unavailable in this build.
type WebRTCClassifier struct{}

func NewWebRTCClassifier(int) (*WebRTCClassifier, error) {
	return nil, ErrWebRTCUnavailable
}

func (c *WebRTCClassifier) IsSpeech([]byte, int) (bool, error) {
	return false, ErrWebRTCUnavailable
}
