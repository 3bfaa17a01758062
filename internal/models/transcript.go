// Package models defines the data structures shared by the gateway components:
// recorded results, the client wire messages and the published transcript events.
package models

import "time"

// Result types as reported by the recognizer.
const (
	ResultPartial         = "partial"
	ResultFinal           = "final"
	ResultFinalRefinement = "final_refinement"
)

// Word is a single recognized word with its timing in seconds.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ResultRecord is one recognized text attributed to a session chunk.
// Records are immutable once appended to a session log.
type ResultRecord struct {
	ChunkID    string    `json:"chunk_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Confidence *float64  `json:"confidence"`
	SpeakerID  *string   `json:"speaker_id"`
	Words      []Word    `json:"words,omitempty"`
	Success    bool      `json:"success"`
}

// TranscriptEvent is the event published to the transcript topics for every
// recorded result.
type TranscriptEvent struct {
	EventType  string   `json:"eventType"`
	SessionID  string   `json:"sessionId"`
	ChunkID    string   `json:"chunkId"`
	SpeakerID  string   `json:"speakerId,omitempty"`
	ResultType string   `json:"resultType"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// Event types for TranscriptEvent.
const (
	EventTranscriptPartial = "session.transcript.partial"
	EventTranscriptFinal   = "session.transcript.final"
)

// NewTranscriptEvent builds the published event for a recorded result.
func NewTranscriptEvent(sessionID string, rec ResultRecord) TranscriptEvent {
	ev := TranscriptEvent{
		EventType:  EventTranscriptPartial,
		SessionID:  sessionID,
		ChunkID:    rec.ChunkID,
		ResultType: rec.Type,
		Text:       rec.Text,
		Confidence: rec.Confidence,
		Timestamp:  rec.Timestamp.UnixMilli(),
	}
	if rec.IsFinal {
		ev.EventType = EventTranscriptFinal
	}
	if rec.SpeakerID != nil {
		ev.SpeakerID = *rec.SpeakerID
	}
	return ev
}

// SessionInfo is the management view of a session.
type SessionInfo struct {
	SessionID         string    `json:"session_id"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	Provider          string    `json:"provider"`
	Language          string    `json:"language"`
	EnableDiarization bool      `json:"enable_diarization"`
	SampleRate        int       `json:"sample_rate"`
	ChunksProcessed   int       `json:"chunks_processed"`
	ResultsCount      int       `json:"results_count"`
	ActiveClients     int       `json:"active_clients"`
	Error             string    `json:"error,omitempty"`
	ResultURL         string    `json:"s3_result_url,omitempty"`
}
