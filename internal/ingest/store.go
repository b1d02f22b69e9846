// Package ingest keeps the per-recording chunk state for the upload flow and
// merges it into a scored transcript on finalize.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-fluency/internal/decode"
	"github.com/loqalabs/loqa-fluency/internal/keyword"
	"github.com/loqalabs/loqa-fluency/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrValidation marks malformed requests. Nothing is mutated when it is
// returned.
var ErrValidation = errors.New("ingest: invalid request")

const (
	ReasonEmpty               = "empty"
	ReasonTooSmall            = "too_small"
	ReasonDecodeFailed        = "decode_failed"
	ReasonTranscriptionFailed = "transcription_failed"
)

// Transcriber decodes and transcribes one chunk. *stt.Scheduler satisfies it.
type Transcriber interface {
	TranscribeBytes(ctx context.Context, raw []byte, opts stt.Options) (string, error)
}

type Options struct {
	MinChunkBytes int
	SessionTTL    time.Duration
	STT           stt.Options
}

type PutResult struct {
	Accepted      bool   `json:"ok"`
	TextLength    int    `json:"textLength"`
	SkippedReason string `json:"skippedReason,omitempty"`
}

type FinalizeResult struct {
	TotalDistinctCount int             `json:"totalDistinctCount"`
	PerKeywordPresence map[string]bool `json:"perKeywordPresence"`
	ChunksProcessed    int             `json:"chunksProcessed"`
	Transcript         string          `json:"transcript"`
}

type chunk struct {
	raw     []byte
	text    string
	hasText bool
}

type session struct {
	mu      sync.Mutex
	chunks  map[int]*chunk
	touched time.Time
	closed  bool
}

type Store struct {
	opts        Options
	transcriber Transcriber
	vocab       *keyword.Vocabulary
	matcher     *keyword.Matcher
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	chunkCounter metric.Int64Counter
}

func NewStore(opts Options, transcriber Transcriber, vocab *keyword.Vocabulary, matcher *keyword.Matcher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		opts:        opts,
		transcriber: transcriber,
		vocab:       vocab,
		matcher:     matcher,
		logger:      logger.With(slog.String("component", "ingest")),
		now:         time.Now,
		sessions:    make(map[string]*session),
	}
	if err := s.initMetrics(otel.Meter("github.com/loqalabs/loqa-fluency/ingest")); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Store) initMetrics(meter metric.Meter) error {
	counter, err := meter.Int64Counter("fluency.ingest.chunks", metric.WithDescription("Uploaded chunks by outcome"))
	if err != nil {
		return err
	}
	s.chunkCounter = counter
	gauge, err := meter.Int64ObservableGauge("fluency.ingest.sessions", metric.WithDescription("Open recording sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(s.Sessions()))
		return nil
	}, gauge)
	return err
}

// Sessions reports the number of open sessions.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PutChunk stores one chunk and transcribes it best effort. The raw bytes
// are kept even when transcription fails so finalize can retry them.
func (s *Store) PutChunk(ctx context.Context, sessionID string, index int, data []byte) (PutResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return PutResult{}, fmt.Errorf("%w: recording id is required", ErrValidation)
	}
	if index < 0 {
		return PutResult{}, fmt.Errorf("%w: chunk index %d is negative", ErrValidation, index)
	}
	if len(data) == 0 {
		s.countChunk(ctx, ReasonEmpty)
		return PutResult{Accepted: false, SkippedReason: ReasonEmpty}, nil
	}
	if len(data) < s.opts.MinChunkBytes {
		s.countChunk(ctx, ReasonTooSmall)
		return PutResult{Accepted: false, SkippedReason: ReasonTooSmall}, nil
	}

	c := &chunk{raw: append([]byte(nil), data...)}
	sess := s.storeChunk(sessionID, index, c)

	text, err := s.transcriber.TranscribeBytes(ctx, c.raw, s.opts.STT)
	reason := ""
	if err != nil {
		reason = classify(err)
		text = ""
		s.logger.Warn("chunk transcription failed",
			slog.String("recording_id", sessionID),
			slog.Int("chunk_index", index),
			slog.String("reason", reason),
			slogError(err))
	}

	sess.mu.Lock()
	// A newer upload of the same index or a finalize may have replaced c.
	if !sess.closed && sess.chunks[index] == c {
		c.text = text
		c.hasText = true
	}
	sess.mu.Unlock()

	if reason == "" {
		s.countChunk(ctx, "transcribed")
	} else {
		s.countChunk(ctx, reason)
	}
	return PutResult{Accepted: true, TextLength: utf8.RuneCountInString(text), SkippedReason: reason}, nil
}

func (s *Store) storeChunk(sessionID string, index int, c *chunk) *session {
	for {
		sess := s.acquire(sessionID)
		sess.mu.Lock()
		if sess.closed {
			// Lost a race with finalize or eviction; start a fresh session.
			sess.mu.Unlock()
			continue
		}
		sess.chunks[index] = c
		sess.touched = s.now()
		sess.mu.Unlock()
		return sess
	}
}

func (s *Store) acquire(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.isClosed() {
		sess = &session{chunks: make(map[int]*chunk), touched: s.now()}
		s.sessions[sessionID] = sess
	}
	return sess
}

// claim removes the session from the map and closes it. Only one caller can
// claim a given session.
func (s *Store) claim(sessionID string) *session {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil
	}
	sess.closed = true
	return sess
}

func (sess *session) isClosed() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.closed
}

func (s *Store) countChunk(ctx context.Context, outcome string) {
	if s.chunkCounter != nil {
		s.chunkCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, decode.ErrTooSmall):
		return ReasonTooSmall
	case errors.Is(err, decode.ErrDecode):
		return ReasonDecodeFailed
	default:
		return ReasonTranscriptionFailed
	}
}

func sortedIndexes(chunks map[int]*chunk) []int {
	idx := make([]int, 0, len(chunks))
	for i := range chunks {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
