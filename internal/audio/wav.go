// Package audio holds the PCM and WAV helpers shared by segmentation, decoding
// and the recognizer backends.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotWAV is returned when a buffer is not a PCM RIFF/WAVE container.
var ErrNotWAV = errors.New("audio: not a pcm wav container")

const wavFormatPCM = 1

// EncodeWAV wraps 16-bit little-endian PCM in a minimal WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid format %d Hz / %d ch", sampleRate, channels)
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	out := &writeSeeker{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// EncodeFloatWAV renders mono float samples in [-1, 1] as a 16-bit WAV.
func EncodeFloatWAV(samples []float32, sampleRate int) ([]byte, error) {
	return EncodeWAV(Float32ToPCM16(samples), sampleRate, 1)
}

// DecodeWAV parses a PCM WAV container and returns mono float samples with
// the container's sample rate.
func DecodeWAV(data []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, ErrNotWAV
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, 0, fmt.Errorf("%w: format tag %d", ErrNotWAV, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read wav samples: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("%w: no samples", ErrNotWAV)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, 0, fmt.Errorf("%w: bit depth %d", ErrNotWAV, bitDepth)
	}

	frames := len(buf.Data) / channels
	mono := make([]float32, frames)
	scale := float32(math.Pow(2, float64(bitDepth-1)))
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			v := buf.Data[i*channels+ch]
			if bitDepth == 8 {
				sum += float32(v-128) / 128
				continue
			}
			sum += float32(v) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return mono, int(dec.SampleRate), nil
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM to float samples
// normalised to [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples
}

// Float32ToPCM16 clamps and quantises float samples to 16-bit PCM.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

// Resample converts mono float samples between rates using linear
// interpolation. It returns the input unchanged when the rates match.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// RMS returns the root mean square of 16-bit PCM samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// writeSeeker is an in-memory io.WriteSeeker for the wav encoder, which
// rewrites its header sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(w.pos)
	case io.SeekEnd:
		base = int64(len(w.buf))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	w.pos = int(next)
	return next, nil
}
