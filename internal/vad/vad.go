// Package vad classifies fixed-duration PCM frames as voiced or unvoiced.
//
// A Classifier is stateless per call: the segmentation state machine owns
// all smoothing through its rolling window, so a classifier only has to
// answer "is there speech in this frame".
package vad

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-fluency/internal/audio"
)

// ErrInvalidFrame is returned for frames that cannot be classified.
var ErrInvalidFrame = errors.New("vad: invalid frame")

// Classifier decides whether a frame of 16-bit mono PCM contains speech.
type Classifier interface {
	IsSpeech(frame []byte, sampleRate int) (bool, error)
}

// aggressivenessThresholds maps modes 0..3 to RMS thresholds. Higher modes
// demand louder frames before calling them speech.
var aggressivenessThresholds = [...]float64{300, 500, 800, 1200}

// EnergyClassifier labels a frame voiced when its RMS exceeds a threshold.
type EnergyClassifier struct {
	threshold float64
}

// NewEnergyClassifier builds a classifier for the given aggressiveness. A
// positive threshold overrides the mode table.
func NewEnergyClassifier(aggressiveness int, threshold float64) (*EnergyClassifier, error) {
	if aggressiveness < 0 || aggressiveness >= len(aggressivenessThresholds) {
		return nil, fmt.Errorf("vad aggressiveness must be between 0 and %d, got %d", len(aggressivenessThresholds)-1, aggressiveness)
	}
	if threshold <= 0 {
		threshold = aggressivenessThresholds[aggressiveness]
	}
	return &EnergyClassifier{threshold: threshold}, nil
}

// Threshold reports the RMS level above which frames count as speech.
func (c *EnergyClassifier) Threshold() float64 { return c.threshold }

func (c *EnergyClassifier) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	if err := ValidateFrame(frame, sampleRate); err != nil {
		return false, err
	}
	return audio.RMS(frame) > c.threshold, nil
}

// ValidateFrame checks that frame holds a 10, 20 or 30 ms slice of 16-bit
// mono audio at a supported rate.
func ValidateFrame(frame []byte, sampleRate int) error {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return fmt.Errorf("%w: unsupported sample rate %d", ErrInvalidFrame, sampleRate)
	}
	if len(frame) == 0 || len(frame)%2 != 0 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(frame))
	}
	samples := len(frame) / 2
	perMS := sampleRate / 1000
	switch samples {
	case perMS * 10, perMS * 20, perMS * 30:
		return nil
	}
	return fmt.Errorf("%w: %d samples is not a 10/20/30 ms frame at %d Hz", ErrInvalidFrame, samples, sampleRate)
}
