// Package transcript accumulates per-session result logs and builds the
// final transcript views.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"transcription-gateway/internal/models"
)

// Transcript formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	// ErrNotFound is returned for a session that was never opened.
	ErrNotFound = errors.New("transcript not found")
	// ErrUnsupportedFormat is returned for an unknown transcript format.
	ErrUnsupportedFormat = errors.New("unsupported transcript format")
)

// Aggregator holds the append-only result log of every session.
// Thread-safe for concurrent access.
type Aggregator struct {
	mu   sync.RWMutex
	logs map[string][]models.ResultRecord
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{logs: make(map[string][]models.ResultRecord)}
}

// Open creates an empty log for sessionID if none exists.
func (a *Aggregator) Open(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.logs[sessionID]; !ok {
		a.logs[sessionID] = []models.ResultRecord{}
	}
}

// Record appends rec to the session log, opening it if needed.
func (a *Aggregator) Record(sessionID string, rec models.ResultRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs[sessionID] = append(a.logs[sessionID], rec)
}

// Results returns a copy of the session log in arrival order. With
// includePartial false only final records are returned.
func (a *Aggregator) Results(sessionID string, includePartial bool) ([]models.ResultRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	log, ok := a.logs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]models.ResultRecord, 0, len(log))
	for _, rec := range log {
		if !includePartial && !rec.IsFinal {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of records in the session log.
func (a *Aggregator) Count(sessionID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.logs[sessionID])
}

// Transcript builds the final-only transcript. The text format joins final
// texts with a space; the json format is the indented record sequence.
func (a *Aggregator) Transcript(sessionID, format string) (string, error) {
	if format == "" {
		format = FormatText
	}
	if format != FormatText && format != FormatJSON {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	finals, err := a.Results(sessionID, false)
	if err != nil {
		return "", err
	}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(finals, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal transcript: %w", err)
		}
		return string(data), nil
	default:
		texts := make([]string, 0, len(finals))
		for _, rec := range finals {
			if rec.Text != "" {
				texts = append(texts, rec.Text)
			}
		}
		return strings.Join(texts, " "), nil
	}
}
