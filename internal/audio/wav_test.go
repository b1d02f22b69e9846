package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func tone(samples int, amplitude int16) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestEncodeDecodeWAV(t *testing.T) {
	pcm := tone(480, 16384)
	data, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header: %q", data[:12])
	}
	samples, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", rate)
	}
	if len(samples) != 480 {
		t.Fatalf("expected 480 samples, got %d", len(samples))
	}
	if math.Abs(float64(samples[0])-0.5) > 0.001 || math.Abs(float64(samples[1])+0.5) > 0.001 {
		t.Fatalf("unexpected sample values %v %v", samples[0], samples[1])
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV([]byte("\x1aE\xdf\xa3 definitely not a wav container"))
	if !errors.Is(err, ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}

func TestEncodeWAVRejectsOddPayload(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 0, -1, 0, 1, 0, -1}
	out := Resample(in, 16000, 8000)
	if len(out) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(out))
	}
	if same := Resample(in, 16000, 16000); len(same) != len(in) {
		t.Fatal("expected passthrough when rates match")
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatal("expected zero rms for empty frame")
	}
	if got := RMS(tone(100, 1000)); math.Abs(got-1000) > 0.5 {
		t.Fatalf("expected rms 1000, got %v", got)
	}
}
