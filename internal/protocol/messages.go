package protocol

import "time"

// Transcript is the text recognized for one streaming segment.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// KeywordHit reports terms newly credited in a streaming quiz session.
type KeywordHit struct {
	SessionID string    `json:"session_id"`
	Category  string    `json:"category"`
	Terms     []string  `json:"terms"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionFinalized is broadcast after an uploaded recording is scored.
type SessionFinalized struct {
	RecordingID        string    `json:"recording_id"`
	Category           string    `json:"category"`
	TotalDistinctCount int       `json:"total_distinct_count"`
	Found              []string  `json:"found"`
	ChunksProcessed    int       `json:"chunks_processed"`
	Timestamp          time.Time `json:"timestamp"`
}

const (
	SubjectStreamTranscript = "fluency.stream.transcript"
	SubjectStreamHit        = "fluency.stream.hit"
	SubjectSessionFinalized = "fluency.session.finalized"

	// StreamResults retains finalize results when JetStream is available.
	StreamResults = "FLUENCY_RESULTS"
)
