// Package recorder persists live quiz traffic from the bus into the event
// store, so streaming sessions share the recording timeline with uploads.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-fluency/internal/bus"
	"github.com/loqalabs/loqa-fluency/internal/eventstore"
	"github.com/loqalabs/loqa-fluency/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	writeTimeout = 5 * time.Second
	// maxTrackedSessions bounds the session -> category cache; the least
	// recently active sessions are forgotten first.
	maxTrackedSessions = 1024
)

// Sink receives decoded stream events. *eventstore.Store satisfies it.
type Sink interface {
	RecordStream(ctx context.Context, sessionID, category, eventType string, payload any) error
}

type Service struct {
	bus            *bus.Client
	sink           Sink
	logger         *slog.Logger
	subTranscripts *nats.Subscription
	subHits        *nats.Subscription
	ctx            context.Context
	cancel         context.CancelFunc
	categories     *lru.Cache[string, string]
}

func NewService(parent context.Context, busClient *bus.Client, sink Sink, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	// lru.New only fails for a non-positive size.
	categories, _ := lru.New[string, string](maxTrackedSessions)
	return &Service{
		bus:        busClient,
		sink:       sink,
		logger:     logger.With(slog.String("component", "recorder")),
		ctx:        ctx,
		cancel:     cancel,
		categories: categories,
	}
}

// Start subscribes to the stream subjects. It is a no-op without a bus.
func (s *Service) Start() error {
	conn := s.bus.Conn()
	if conn == nil {
		return nil
	}
	sub, err := conn.Subscribe(protocol.SubjectStreamTranscript, s.handleTranscript)
	if err != nil {
		return err
	}
	s.subTranscripts = sub

	subHits, err := conn.Subscribe(protocol.SubjectStreamHit, s.handleHit)
	if err != nil {
		_ = s.subTranscripts.Drain()
		return err
	}
	s.subHits = subHits
	return nil
}

func (s *Service) Close() {
	if s.subTranscripts != nil {
		_ = s.subTranscripts.Drain()
	}
	if s.subHits != nil {
		_ = s.subHits.Drain()
	}
	s.cancel()
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("recorder failed to decode transcript", slogError(err))
		return
	}
	if transcript.SessionID == "" {
		return
	}
	category, _ := s.categories.Get(transcript.SessionID)
	s.record(transcript.SessionID, category, eventstore.EventStreamTranscript, transcript)
}

func (s *Service) handleHit(msg *nats.Msg) {
	var hit protocol.KeywordHit
	if err := json.Unmarshal(msg.Data, &hit); err != nil {
		s.logger.Warn("recorder failed to decode keyword hit", slogError(err))
		return
	}
	if hit.SessionID == "" {
		return
	}
	s.categories.Add(hit.SessionID, hit.Category)
	s.record(hit.SessionID, hit.Category, eventstore.EventStreamHit, hit)
}

// record runs on the subscription goroutine, so events of one subject are
// written in arrival order.
func (s *Service) record(sessionID, category, eventType string, payload any) {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.sink.RecordStream(ctx, sessionID, category, eventType, payload); err != nil {
		s.logger.Warn("recorder failed to store event",
			slog.String("session_id", sessionID),
			slog.String("type", eventType),
			slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
