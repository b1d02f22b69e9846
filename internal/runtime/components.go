package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-fluency/internal/bus"
	"github.com/loqalabs/loqa-fluency/internal/capture"
	"github.com/loqalabs/loqa-fluency/internal/config"
	"github.com/loqalabs/loqa-fluency/internal/decode"
	"github.com/loqalabs/loqa-fluency/internal/keyword"
	"github.com/loqalabs/loqa-fluency/internal/natsserver"
	"github.com/loqalabs/loqa-fluency/internal/segment"
	"github.com/loqalabs/loqa-fluency/internal/stream"
	"github.com/loqalabs/loqa-fluency/internal/stt"
	"github.com/loqalabs/loqa-fluency/internal/vad"
)

// The constructors below are shared by fluencyd and fluency-listen.

// NewLogger builds the JSON logger at the configured level.
func NewLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func NewVocabulary(cfg config.KeywordsConfig) (*keyword.Vocabulary, *keyword.Matcher, error) {
	vocab, err := keyword.LoadVocabulary(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	tokenizer, err := keyword.NewWordTokenizer(vocab.AllTerms()...)
	if err != nil {
		return nil, nil, err
	}
	return vocab, keyword.NewMatcher(tokenizer), nil
}

// NewDecodeChain tries a direct WAV parse first and falls back to the
// external transcoder.
func NewDecodeChain(cfg config.DecodeConfig, logger *slog.Logger) (*decode.Chain, error) {
	transcoder, err := decode.NewExecDecoder(cfg.Command, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return decode.NewChain(cfg.MinChunkBytes, logger, decode.WAVDecoder{}, transcoder), nil
}

// NewRecognizer returns the configured backend and a function releasing it.
func NewRecognizer(cfg config.STTConfig) (stt.Recognizer, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Mode {
	case "mock":
		return stt.NewMockRecognizer(), noop, nil
	case "exec":
		rec, err := stt.NewExecRecognizer(cfg)
		if err != nil {
			return nil, nil, err
		}
		return rec, noop, nil
	case "whisper":
		rec, err := stt.NewWhisperRecognizer(cfg.ModelPath)
		if err != nil {
			return nil, nil, err
		}
		return rec, rec.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func STTOptions(cfg config.STTConfig) stt.Options {
	return stt.Options{
		Language:       cfg.Language,
		BeamSize:       cfg.BeamSize,
		UseVoiceFilter: cfg.VoiceFilter,
		InitialPrompt:  cfg.InitialPrompt,
	}
}

func NewClassifier(cfg config.VADConfig) (vad.Classifier, error) {
	switch cfg.Mode {
	case "energy":
		classifier, err := vad.NewEnergyClassifier(cfg.Aggressiveness, cfg.Threshold)
		if err != nil {
			return nil, err
		}
		return classifier, nil
	case "webrtc":
		classifier, err := vad.NewWebRTCClassifier(cfg.Aggressiveness)
		if err != nil {
			return nil, err
		}
		return classifier, nil
	default:
		return nil, fmt.Errorf("unsupported vad mode %q", cfg.Mode)
	}
}

// NewCaptureSource opens the live input. The exec source is killed when ctx
// ends.
func NewCaptureSource(ctx context.Context, cfg config.CaptureConfig) (capture.Source, error) {
	frameSize := capture.FrameBytes(cfg.SampleRate, cfg.FrameDurationMS, cfg.Channels)
	switch cfg.Mode {
	case "exec":
		src, err := capture.NewExecSource(ctx, cfg.Command, frameSize)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "stdin":
		src, err := capture.NewReaderSource(os.Stdin, frameSize)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "portaudio":
		src, err := capture.NewPortAudioSource(cfg.SampleRate, cfg.FrameDurationMS)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

func SegmenterConfig(cfg config.Config) segment.Config {
	return segment.Config{
		WindowFrames: cfg.Segmenter.WindowFrames,
		Ratio:        cfg.Segmenter.Ratio,
		SampleRate:   cfg.Capture.SampleRate,
		Channels:     cfg.Capture.Channels,
		SampleWidth:  2,
	}
}

func StreamConfig(cfg config.Config, category string, terms keyword.Terms) (stream.Config, error) {
	policy, err := stream.ParsePolicy(cfg.Segmenter.QueuePolicy)
	if err != nil {
		return stream.Config{}, err
	}
	return stream.Config{
		Category:    category,
		Terms:       terms,
		STT:         STTOptions(cfg.STT),
		Segmenter:   SegmenterConfig(cfg),
		QueueSize:   cfg.Segmenter.QueueSize,
		QueuePolicy: policy,
	}, nil
}

// ConnectBus starts the embedded server when configured and connects to the
// bus. Both results are nil when the bus is disabled.
func ConnectBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (*natsserver.EmbeddedServer, *bus.Client, error) {
	if !cfg.Bus.Enabled {
		return nil, nil, nil
	}
	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return nil, nil, err
	}
	busCfg := cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, cfg.RuntimeName, busCfg, logger.With(slog.String("component", "bus")))
	if err != nil {
		embedded.Shutdown()
		return nil, nil, err
	}
	return embedded, client, nil
}
