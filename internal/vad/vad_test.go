package vad

import (
	"encoding/binary"
	"errors"
	"testing"
)

func frame(samples int, amplitude int16) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(amplitude))
	}
	return pcm
}

func TestEnergyClassifier(t *testing.T) {
	c, err := NewEnergyClassifier(1, 0)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	if c.Threshold() != 500 {
		t.Fatalf("expected mode 1 threshold 500, got %v", c.Threshold())
	}
	voiced, err := c.IsSpeech(frame(480, 4000), 16000)
	if err != nil || !voiced {
		t.Fatalf("expected loud frame voiced, got %v %v", voiced, err)
	}
	voiced, err = c.IsSpeech(frame(480, 10), 16000)
	if err != nil || voiced {
		t.Fatalf("expected quiet frame unvoiced, got %v %v", voiced, err)
	}
}

func TestEnergyClassifierThresholdOverride(t *testing.T) {
	c, err := NewEnergyClassifier(0, 5000)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	if voiced, _ := c.IsSpeech(frame(480, 4000), 16000); voiced {
		t.Fatal("expected override threshold to reject frame")
	}
}

func TestInvalidFrames(t *testing.T) {
	c, _ := NewEnergyClassifier(1, 0)
	if _, err := c.IsSpeech(frame(100, 4000), 16000); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid frame size error, got %v", err)
	}
	if _, err := c.IsSpeech(frame(480, 4000), 44100); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid rate error, got %v", err)
	}
	if _, err := NewEnergyClassifier(4, 0); err == nil {
		t.Fatal("expected aggressiveness error")
	}
}
