package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Finalize merges every chunk of the session in ascending index order,
// scores the transcript against category and purges the session. A session
// that does not exist, including one already finalized, yields the empty
// result.
func (s *Store) Finalize(ctx context.Context, sessionID, category string) (FinalizeResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return FinalizeResult{}, fmt.Errorf("%w: recording id is required", ErrValidation)
	}
	terms, err := s.vocab.Terms(category)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sess := s.claim(sessionID)
	if sess == nil {
		return FinalizeResult{PerKeywordPresence: map[string]bool{}}, nil
	}

	// The session is closed; no other writer touches chunks from here on.
	indexes := sortedIndexes(sess.chunks)
	var transcript strings.Builder
	for _, idx := range indexes {
		transcript.WriteString(s.chunkText(ctx, sessionID, idx, sess.chunks[idx]))
	}
	text := transcript.String()

	found := s.matcher.Match(text, terms)
	presence := make(map[string]bool, terms.Len())
	for _, term := range terms.List() {
		_, ok := found[term]
		presence[term] = ok
	}

	s.logger.Info("recording finalized",
		slog.String("recording_id", sessionID),
		slog.String("category", category),
		slog.Int("chunks", len(indexes)),
		slog.Int("distinct", len(found)))

	return FinalizeResult{
		TotalDistinctCount: len(found),
		PerKeywordPresence: presence,
		ChunksProcessed:    len(indexes),
		Transcript:         text,
	}, nil
}

func (s *Store) chunkText(ctx context.Context, sessionID string, idx int, c *chunk) string {
	if c.hasText && c.text != "" {
		return c.text
	}
	if len(c.raw) == 0 {
		return ""
	}
	text, err := s.transcriber.TranscribeBytes(ctx, c.raw, s.opts.STT)
	if err != nil {
		s.logger.Warn("finalize retry failed",
			slog.String("recording_id", sessionID),
			slog.Int("chunk_index", idx),
			slog.String("reason", classify(err)),
			slogError(err))
		return ""
	}
	return text
}
