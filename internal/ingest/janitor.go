package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Sweep evicts sessions idle for longer than the session TTL and returns how
// many were dropped.
func (s *Store) Sweep(now time.Time) int {
	if s.opts.SessionTTL <= 0 {
		return 0
	}
	var stale []string
	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if now.Sub(sess.touched) > s.opts.SessionTTL {
			sess.closed = true
			stale = append(stale, id)
		}
		sess.mu.Unlock()
	}
	for _, id := range stale {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.logger.Info("evicted idle recording", slog.String("recording_id", id))
	}
	return len(stale)
}

// RunJanitor sweeps on every interval until ctx ends.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.opts.SessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}
