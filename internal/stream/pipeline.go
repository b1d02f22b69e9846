package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-fluency/internal/bus"
	"github.com/loqalabs/loqa-fluency/internal/capture"
	"github.com/loqalabs/loqa-fluency/internal/decode"
	"github.com/loqalabs/loqa-fluency/internal/keyword"
	"github.com/loqalabs/loqa-fluency/internal/protocol"
	"github.com/loqalabs/loqa-fluency/internal/segment"
	"github.com/loqalabs/loqa-fluency/internal/stt"
	"github.com/loqalabs/loqa-fluency/internal/vad"
	"golang.org/x/sync/errgroup"
)

// Transcriber turns one segment into text, "" on failure.
type Transcriber interface {
	Transcribe(ctx context.Context, in decode.Input, opts stt.Options) string
}

type Config struct {
	Category    string
	Terms       keyword.Terms
	STT         stt.Options
	Segmenter   segment.Config
	QueueSize   int
	QueuePolicy Policy
}

// Result is what the consumer reports for each transcribed segment.
type Result struct {
	SessionID  string
	Sequence   int
	Text       string
	NewlyFound []string
	Total      int
}

type utterance struct {
	seq  int
	text string
}

type Pipeline struct {
	cfg         Config
	source      capture.Source
	classifier  vad.Classifier
	transcriber Transcriber
	matcher     *keyword.Matcher
	bus         *bus.Client
	logger      *slog.Logger

	mu        sync.Mutex
	sessionID string
	answered  *keyword.AnsweredSet
	onResult  func(Result)

	segmentsDropped func() int64
}

func New(cfg Config, source capture.Source, classifier vad.Classifier, transcriber Transcriber, matcher *keyword.Matcher, busClient *bus.Client, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:         cfg,
		source:      source,
		classifier:  classifier,
		transcriber: transcriber,
		matcher:     matcher,
		bus:         busClient,
		logger:      logger.With(slog.String("component", "stream")),
		sessionID:   uuid.NewString(),
		answered:    keyword.NewAnsweredSet(),
	}
}

// OnResult registers a callback invoked by the consumer for every segment.
func (p *Pipeline) OnResult(fn func(Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = fn
}

func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Answered lists the terms credited so far in the current session.
func (p *Pipeline) Answered() []string {
	return p.answered.List()
}

// Reset starts a new quiz session: fresh id, empty answered set.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.sessionID = uuid.NewString()
	p.mu.Unlock()
	p.answered.Reset()
}

// Dropped reports segments discarded by the drop_oldest policy.
func (p *Pipeline) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.segmentsDropped == nil {
		return 0
	}
	return p.segmentsDropped()
}

// Run blocks until the source is exhausted or ctx is cancelled. Cancelling
// ctx is a clean shutdown and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	segments := NewQueue[*segment.Segment](p.cfg.QueueSize, p.cfg.QueuePolicy)
	texts := NewQueue[utterance](p.cfg.QueueSize, PolicyBlock)
	p.mu.Lock()
	p.segmentsDropped = segments.Dropped
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer segments.Close()
		machine := segment.NewMachine(p.cfg.Segmenter)
		return segment.Run(gctx, machine, p.source, p.classifier, segments.Put, p.logger)
	})
	g.Go(func() error {
		defer texts.Close()
		return p.transcribeLoop(gctx, segments, texts)
	})
	g.Go(func() error {
		return p.consumeLoop(gctx, texts)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (p *Pipeline) transcribeLoop(ctx context.Context, in *Queue[*segment.Segment], out *Queue[utterance]) error {
	seq := 0
	for {
		seg, err := in.Get(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		wav, err := seg.WAV()
		if err != nil {
			p.logger.Warn("failed to package segment", slogError(err))
			continue
		}
		text := p.transcriber.Transcribe(ctx, decode.Input{Container: wav, SampleRate: seg.SampleRate}, p.cfg.STT)
		seq++
		if err := out.Put(ctx, utterance{seq: seq, text: text}); err != nil {
			return err
		}
	}
}

func (p *Pipeline) consumeLoop(ctx context.Context, in *Queue[utterance]) error {
	for {
		u, err := in.Get(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		p.consume(u)
	}
}

func (p *Pipeline) consume(u utterance) {
	p.mu.Lock()
	sessionID := p.sessionID
	onResult := p.onResult
	p.mu.Unlock()

	total, newly := p.matcher.Observe(u.text, p.cfg.Terms, p.answered)
	now := time.Now().UTC()
	if u.text != "" {
		p.logger.Info("transcript", slog.String("session_id", sessionID), slog.String("text", u.text))
		if err := p.bus.Publish(protocol.SubjectStreamTranscript, protocol.Transcript{
			SessionID: sessionID,
			Sequence:  u.seq,
			Text:      u.text,
			Timestamp: now,
		}); err != nil {
			p.logger.Warn("failed to publish transcript", slogError(err))
		}
	}
	if len(newly) > 0 {
		if err := p.bus.Publish(protocol.SubjectStreamHit, protocol.KeywordHit{
			SessionID: sessionID,
			Category:  p.cfg.Category,
			Terms:     newly,
			Total:     total,
			Timestamp: now,
		}); err != nil {
			p.logger.Warn("failed to publish keyword hit", slogError(err))
		}
	}
	if onResult != nil {
		onResult(Result{SessionID: sessionID, Sequence: u.seq, Text: u.text, NewlyFound: newly, Total: total})
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
