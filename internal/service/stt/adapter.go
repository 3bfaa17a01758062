// Package stt defines the interface for upstream Speech-to-Text adapters.
package stt

import (
	"context"
	"time"
)

// ResultType classifies a recognizer response.
type ResultType string

const (
	// ResultPartial is a non-final, incremental hypothesis.
	ResultPartial ResultType = "partial"
	// ResultFinal is a finalized utterance.
	ResultFinal ResultType = "final"
	// ResultFinalRefinement is a normalized correction of a previous final.
	ResultFinalRefinement ResultType = "final_refinement"
	// ResultError terminates the stream; Err carries the cause.
	ResultError ResultType = "error"
)

// Word is a recognized word with its timing relative to the stream start.
type Word struct {
	Text    string
	StartMs int64
	EndMs   int64
}

// Result is the uniform record produced for every alternative text the
// recognizer returns.
type Result struct {
	Type       ResultType
	Text       string
	Confidence float64
	Words      []Word
	IsFinal    bool
	ChannelTag string
	Provider   string
	Err        error
}

// Chunk is a unit of audio handed to an adapter.
type Chunk struct {
	ID        string
	Data      []byte
	IsFinal   bool
	Timestamp time.Time
}

// Adapter bridges one session's audio to a streaming recognizer.
//
// Results are published on the channel returned by Results, which is closed
// once the upstream stream has terminated. A stream failure is published as a
// single ResultError record before the channel is closed.
type Adapter interface {
	// Start opens the upstream stream. It must be called exactly once.
	Start(ctx context.Context) error

	// SendAudio queues a chunk for the upstream stream. Empty chunks are skipped.
	SendAudio(ctx context.Context, chunk Chunk) error

	// Results returns the channel of recognition results.
	Results() <-chan Result

	// Close half-closes the stream so the recognizer can flush its last
	// results. Calling Close more than once is a no-op.
	Close() error
}

// Factory creates the adapter for a session from its request snapshot.
// The adapter is not started.
type Factory func(ctx context.Context, sessionID string, req Request) (Adapter, error)
