package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-fluency/internal/capture"
	"github.com/loqalabs/loqa-fluency/internal/vad"
)

// Sink receives finished segments. It may block (bounded queue) and must
// return ctx.Err() when ctx ends.
type Sink func(ctx context.Context, seg *Segment) error

// Run drives m from src until the source ends or ctx is cancelled. Frames
// that fail classification count as unvoiced.
func Run(ctx context.Context, m *Machine, src capture.Source, classifier vad.Classifier, sink Sink, logger *slog.Logger) error {
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}

		voiced, err := classifier.IsSpeech(frame, m.cfg.SampleRate)
		if err != nil {
			logger.Debug("vad classification failed", slog.String("error", err.Error()))
			voiced = false
		}

		prev := m.State()
		seg := m.Push(frame, voiced)
		if prev == Idle && m.State() == Triggered {
			logger.Info("start recording")
		}
		if seg == nil {
			continue
		}
		logger.Info("stop recording", slog.Int("frames", seg.Frames), slog.Int("bytes", len(seg.PCM)))
		if err := sink(ctx, seg); err != nil {
			return err
		}
	}
}
