//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-fluency/internal/audio"
	"github.com/loqalabs/loqa-fluency/internal/decode"
)

// WhisperAvailable reports whether the binary was built with whisper.cpp.
const WhisperAvailable = true

// WhisperRecognizer runs whisper.cpp in process. The model is loaded once;
// each call gets a fresh context.
type WhisperRecognizer struct {
	model whisperlib.Model
}

func NewWhisperRecognizer(modelPath string) (*WhisperRecognizer, error) {
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %s: %w", modelPath, err)
	}
	return &WhisperRecognizer{model: model}, nil
}

func (w *WhisperRecognizer) Close() error {
	return w.model.Close()
}

func (w *WhisperRecognizer) Transcribe(ctx context.Context, in decode.Input, opts Options) ([]Segment, error) {
	prepared, err := w.Prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	return prepared.Transcribe(ctx, opts)
}

// Prepare decodes and resamples to the model rate.
func (w *WhisperRecognizer) Prepare(_ context.Context, in decode.Input) (Prepared, error) {
	samples, err := whisperSamples(in)
	if err != nil {
		return nil, err
	}
	return &whisperPrepared{model: w.model, samples: samples}, nil
}

type whisperPrepared struct {
	model   whisperlib.Model
	samples []float32
}

func (p *whisperPrepared) Close() error {
	p.samples = nil
	return nil
}

// Transcribe ignores UseVoiceFilter; whisper.cpp has no equivalent of the
// voice activity filter.
func (p *whisperPrepared) Transcribe(ctx context.Context, opts Options) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if opts.Language != "" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			return nil, fmt.Errorf("whisper: set language %q: %w", opts.Language, err)
		}
	}
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}

	if err := wctx.Process(p.samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segments []Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		segments = append(segments, Segment{Text: seg.Text, Start: seg.Start, End: seg.End})
	}
	return segments, nil
}

func whisperSamples(in decode.Input) ([]float32, error) {
	if !in.IsContainer() {
		return audio.Resample(in.Samples, in.SampleRate, decode.TargetSampleRate), nil
	}
	samples, rate, err := audio.DecodeWAV(in.Container)
	if err != nil {
		return nil, fmt.Errorf("whisper: read container: %w", err)
	}
	return audio.Resample(samples, rate, decode.TargetSampleRate), nil
}
