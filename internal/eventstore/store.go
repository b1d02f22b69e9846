// Package eventstore keeps an audit timeline of uploaded recordings in
// SQLite: chunk uploads and finalize results.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-fluency/internal/config"
	_ "modernc.org/sqlite"
)

const (
	EventChunkUploaded    = "chunk.uploaded"
	EventSessionFinalized = "session.finalized"
	EventStreamTranscript = "stream.transcript"
	EventStreamHit        = "stream.hit"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID          int64           `json:"id"`
	RecordingID string          `json:"recording_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ChunkUploaded is the payload of EventChunkUploaded.
type ChunkUploaded struct {
	Index         int    `json:"index"`
	Bytes         int    `json:"bytes"`
	Accepted      bool   `json:"accepted"`
	TextLength    int    `json:"text_length"`
	SkippedReason string `json:"skipped_reason,omitempty"`
}

// Store wraps a SQLite-backed recording timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    recording_id TEXT PRIMARY KEY,
    category TEXT,
    created_at TIMESTAMP NOT NULL,
    finalized_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS recording_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_recording_events_created ON recording_events(recording_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordChunk notes one upload attempt for a recording.
func (s *Store) RecordChunk(ctx context.Context, recordingID string, chunk ChunkUploaded) error {
	if s.disabled() {
		return nil
	}
	return s.append(ctx, recordingID, "", EventChunkUploaded, chunk, false)
}

// RecordFinalize stores a finalize result and marks the recording finalized.
func (s *Store) RecordFinalize(ctx context.Context, recordingID, category string, result any) error {
	if s.disabled() {
		return nil
	}
	return s.append(ctx, recordingID, category, EventSessionFinalized, result, true)
}

// RecordStream stores one event of a live quiz session. The session id is
// used as the recording id.
func (s *Store) RecordStream(ctx context.Context, sessionID, category, eventType string, payload any) error {
	if s.disabled() {
		return nil
	}
	return s.append(ctx, sessionID, category, eventType, payload, false)
}

func (s *Store) append(ctx context.Context, recordingID, category, eventType string, payload any, finalized bool) (err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	now := s.clock().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var finalizedAt any
	if finalized {
		finalizedAt = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO recordings(recording_id, category, created_at, finalized_at)
		 VALUES(?, NULLIF(?, ''), ?, ?)
		 ON CONFLICT(recording_id) DO UPDATE SET
		   category = COALESCE(excluded.category, recordings.category),
		   finalized_at = COALESCE(excluded.finalized_at, recordings.finalized_at)`,
		recordingID, category, now, finalizedAt)
	if err != nil {
		return fmt.Errorf("upsert recording: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO recording_events(recording_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		recordingID, eventType, data, now)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// ListRecordingEvents retrieves up to limit events for a recording ordered
// ascending by time.
func (s *Store) ListRecordingEvents(ctx context.Context, recordingID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recording_id, event_type, payload, created_at
		 FROM recording_events WHERE recording_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, recordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var created string
		if err := rows.Scan(&e.ID, &e.RecordingID, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM recording_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id IN (
			SELECT recording_id FROM recordings ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunRetention prunes on every interval until ctx ends.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) {
	if s.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
