package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-fluency/internal/decode"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrTranscription wraps recognizer failures.
var ErrTranscription = errors.New("stt: transcription failed")

const instrumentationName = "github.com/loqalabs/loqa-fluency/stt"

// Scheduler owns the single recognizer. Inference is serialized by one
// process-wide mutex; decoding, Prepare and post-processing run outside it.
type Scheduler struct {
	recognizer Recognizer
	decoder    *decode.Chain
	logger     *slog.Logger

	mu sync.Mutex

	tracer   trace.Tracer
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
	failures metric.Int64Counter
}

func NewScheduler(recognizer Recognizer, decoder *decode.Chain, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		recognizer: recognizer,
		decoder:    decoder,
		logger:     logger.With(slog.String("component", "stt")),
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(otel.Meter(instrumentationName)); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Scheduler) initMetrics(meter metric.Meter) error {
	var err error
	s.duration, err = meter.Float64Histogram("fluency.stt.inference.duration",
		metric.WithDescription("Recognizer call latency"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	s.inflight, err = meter.Int64UpDownCounter("fluency.stt.inflight",
		metric.WithDescription("Transcriptions waiting for or holding the recognizer"))
	if err != nil {
		return err
	}
	s.failures, err = meter.Int64Counter("fluency.stt.failures",
		metric.WithDescription("Failed transcriptions"))
	return err
}

// Run transcribes in and returns the filtered, concatenated text.
func (s *Scheduler) Run(ctx context.Context, in decode.Input, opts Options) (string, error) {
	if in.Empty() {
		return "", fmt.Errorf("%w: empty input", ErrTranscription)
	}
	segments, err := s.infer(ctx, in, opts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	return Clean(segments, opts.InitialPrompt), nil
}

// Transcribe is Run with failures logged and reported as the empty string.
func (s *Scheduler) Transcribe(ctx context.Context, in decode.Input, opts Options) string {
	text, err := s.Run(ctx, in, opts)
	if err != nil {
		s.logger.Warn("transcription failed", slogError(err))
		return ""
	}
	return text
}

// TranscribeBytes decodes raw and transcribes the result. Errors keep their
// classification: decode.ErrTooSmall, decode.ErrDecode or ErrTranscription.
func (s *Scheduler) TranscribeBytes(ctx context.Context, raw []byte, opts Options) (string, error) {
	if s.decoder == nil {
		return "", fmt.Errorf("%w: no decoder configured", decode.ErrDecode)
	}
	in, err := s.decoder.Decode(ctx, raw)
	if err != nil {
		if errors.Is(err, decode.ErrDecode) {
			s.addFailure(ctx, "decode")
		}
		return "", err
	}
	return s.Run(ctx, in, opts)
}

func (s *Scheduler) infer(ctx context.Context, in decode.Input, opts Options) ([]Segment, error) {
	attrs := metric.WithAttributes(attribute.Bool("container", in.IsContainer()))
	if s.inflight != nil {
		s.inflight.Add(ctx, 1, attrs)
		defer s.inflight.Add(ctx, -1, attrs)
	}

	var prepared Prepared
	if p, ok := s.recognizer.(Preparer); ok {
		var err error
		prepared, err = p.Prepare(ctx, in)
		if err != nil {
			s.addFailure(ctx, "prepare")
			return nil, fmt.Errorf("prepare audio: %w", err)
		}
		defer func() {
			if err := prepared.Close(); err != nil {
				s.logger.Warn("failed to release prepared audio", slogError(err))
			}
		}()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		s.addFailure(ctx, "recognizer")
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("stt.language", opts.Language),
		attribute.Int("stt.beam_size", opts.BeamSize),
	))
	defer span.End()

	start := time.Now()
	var segments []Segment
	var err error
	if prepared != nil {
		segments, err = prepared.Transcribe(ctx, opts)
	} else {
		segments, err = s.recognizer.Transcribe(ctx, in, opts)
	}
	if s.duration != nil {
		s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		s.addFailure(ctx, "recognizer")
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("stt.segments", len(segments)))
	return segments, nil
}

func (s *Scheduler) addFailure(ctx context.Context, stage string) {
	if s.failures != nil {
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// Clean drops segments that echo the priming prompt or carry nothing but
// periods, and concatenates the rest in order without separators.
func Clean(segments []Segment, prompt string) string {
	prompt = strings.TrimSpace(prompt)
	var b strings.Builder
	for _, seg := range segments {
		trimmed := strings.TrimSpace(seg.Text)
		if prompt != "" && strings.Contains(trimmed, prompt) {
			continue
		}
		if strings.NewReplacer(".", "", "。", "").Replace(trimmed) == "" {
			continue
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
