// Package api serves the chunked upload contract used by the browser test:
// POST /speech_upload_chunk and POST /speech_test_finalize.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-fluency/internal/bus"
	"github.com/loqalabs/loqa-fluency/internal/eventstore"
	"github.com/loqalabs/loqa-fluency/internal/ingest"
	"github.com/loqalabs/loqa-fluency/internal/protocol"
)

// Ingester is the session store behind the handlers.
type Ingester interface {
	PutChunk(ctx context.Context, recordingID string, index int, data []byte) (ingest.PutResult, error)
	Finalize(ctx context.Context, recordingID, category string) (ingest.FinalizeResult, error)
}

type Handler struct {
	store     Ingester
	events    *eventstore.Store
	bus       *bus.Client
	maxUpload int64
	logger    *slog.Logger
}

// NewHandler wires the handlers. events and busClient may be nil.
func NewHandler(store Ingester, events *eventstore.Store, busClient *bus.Client, maxUpload int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     store,
		events:    events,
		bus:       busClient,
		maxUpload: maxUpload,
		logger:    logger.With(slog.String("component", "api")),
	}
}

// Routes mounts the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/speech_upload_chunk", h.UploadChunk)
	r.Post("/speech_test_finalize", h.Finalize)
	r.Get("/recordings/{id}/events", h.RecordingEvents)
}

// UploadChunk accepts one multipart chunk. Decode and transcription trouble
// is reported in the body with a 200; only malformed requests are rejected.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d bytes", tooLarge.Limit))
			return
		}
		WriteError(w, http.StatusBadRequest, "expected multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	recordingID := strings.TrimSpace(r.FormValue("recording_id"))
	if recordingID == "" {
		WriteError(w, http.StatusBadRequest, "recording_id is required")
		return
	}
	index, err := strconv.Atoi(strings.TrimSpace(r.FormValue("chunk_index")))
	if err != nil || index < 0 {
		WriteError(w, http.StatusBadRequest, "chunk_index must be a non-negative integer")
		return
	}
	file, _, err := r.FormFile("audio_chunk")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "audio_chunk is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("failed to read chunk", slogError(err))
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	result, err := h.store.PutChunk(r.Context(), recordingID, index, data)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	if err := h.events.RecordChunk(r.Context(), recordingID, eventstore.ChunkUploaded{
		Index:         index,
		Bytes:         len(data),
		Accepted:      result.Accepted,
		TextLength:    result.TextLength,
		SkippedReason: result.SkippedReason,
	}); err != nil {
		h.logger.Warn("failed to record chunk", slog.String("recording_id", recordingID), slogError(err))
	}

	WriteJSON(w, http.StatusOK, result)
}

// Finalize merges the recording and scores it against the requested
// category.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	recordingID := strings.TrimSpace(r.FormValue("recording_id"))
	category := strings.TrimSpace(r.FormValue("type"))

	result, err := h.store.Finalize(r.Context(), recordingID, category)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	if err := h.events.RecordFinalize(r.Context(), recordingID, category, result); err != nil {
		h.logger.Warn("failed to record finalize", slog.String("recording_id", recordingID), slogError(err))
	}
	if err := h.bus.Publish(protocol.SubjectSessionFinalized, protocol.SessionFinalized{
		RecordingID:        recordingID,
		Category:           category,
		TotalDistinctCount: result.TotalDistinctCount,
		Found:              presentTerms(result.PerKeywordPresence),
		ChunksProcessed:    result.ChunksProcessed,
		Timestamp:          time.Now().UTC(),
	}); err != nil {
		h.logger.Warn("failed to publish finalize", slog.String("recording_id", recordingID), slogError(err))
	}

	WriteJSON(w, http.StatusOK, result)
}

// RecordingEvents returns the audit timeline of one recording.
func (h *Handler) RecordingEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "recording id is required")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := h.events.ListRecordingEvents(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to list events", slog.String("recording_id", id), slogError(err))
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	WriteJSON(w, http.StatusOK, events)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingest.ErrValidation) {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("request failed", slogError(err))
	WriteError(w, http.StatusInternalServerError, "internal error")
}

func presentTerms(presence map[string]bool) []string {
	var found []string
	for term, ok := range presence {
		if ok {
			found = append(found, term)
		}
	}
	sort.Strings(found)
	return found
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
