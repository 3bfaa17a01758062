package models

import "time"

// Inbound message types.
const (
	MessageAudioChunk = "audio_chunk"
	MessageEndSession = "end_session"
	MessagePing       = "ping"
)

// Outbound message types.
const (
	MessageConnectionEstablished = "connection_established"
	MessageTranscriptionResult   = "transcription_result"
	MessageSessionEnded          = "session_ended"
	MessagePong                  = "pong"
	MessageError                 = "error"
)

// InboundMessage is any message a client sends over the connection.
// AudioBytes is the legacy name of AudioData.
type InboundMessage struct {
	Type       string  `json:"type"`
	AudioData  *string `json:"audio_data,omitempty"`
	AudioBytes *string `json:"audio_bytes,omitempty"`
	ChunkID    string  `json:"chunk_id,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`
}

// Audio returns the hex audio payload, preferring the current field name.
func (m InboundMessage) Audio() (string, bool) {
	if m.AudioData != nil && *m.AudioData != "" {
		return *m.AudioData, true
	}
	if m.AudioBytes != nil && *m.AudioBytes != "" {
		return *m.AudioBytes, true
	}
	return "", false
}

type ConnectionEstablished struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	Status            string `json:"status"`
	Provider          string `json:"provider"`
	Language          string `json:"language"`
	EnableDiarization bool   `json:"enable_diarization"`
	Channel           int    `json:"channel"`
	SessionStarted    bool   `json:"session_started"`
}

type TranscriptionResult struct {
	Type       string    `json:"type"`
	ChunkID    string    `json:"chunk_id"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Confidence *float64  `json:"confidence"`
	SpeakerID  *string   `json:"speaker_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewTranscriptionResult converts a recorded result into its outbound message.
func NewTranscriptionResult(rec ResultRecord) TranscriptionResult {
	return TranscriptionResult{
		Type:       MessageTranscriptionResult,
		ChunkID:    rec.ChunkID,
		Text:       rec.Text,
		IsFinal:    rec.IsFinal,
		Confidence: rec.Confidence,
		SpeakerID:  rec.SpeakerID,
		Timestamp:  rec.Timestamp,
	}
}

type SessionEnded struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	ChunksProcessed int    `json:"chunks_processed"`
}

type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an outbound error message.
func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: MessageError, Message: msg}
}
