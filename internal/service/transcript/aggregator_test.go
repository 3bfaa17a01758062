package transcript

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"transcription-gateway/internal/models"
)

func record(text string, final bool) models.ResultRecord {
	typ := models.ResultPartial
	if final {
		typ = models.ResultFinal
	}
	return models.ResultRecord{
		ChunkID:   "ch1-x",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Type:      typ,
		Text:      text,
		IsFinal:   final,
		Success:   true,
	}
}

func TestAggregator_NotFoundVersusEmpty(t *testing.T) {
	a := NewAggregator()

	if _, err := a.Results("missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := a.Transcript("missing", FormatText); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	a.Open("s1")
	results, err := a.Results("s1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty results, got %d", len(results))
	}
	text, err := a.Transcript("s1", FormatText)
	if err != nil || text != "" {
		t.Errorf("expected empty transcript, got %q, %v", text, err)
	}
	structured, err := a.Transcript("s1", FormatJSON)
	if err != nil || structured != "[]" {
		t.Errorf("expected [] for empty json transcript, got %q, %v", structured, err)
	}
}

func TestAggregator_FinalOnlyTranscript(t *testing.T) {
	a := NewAggregator()
	for _, rec := range []models.ResultRecord{
		record("hel", false),
		record("hello", true),
		record("wor", false),
		record("world", true),
		record("again", true),
	} {
		a.Record("s1", rec)
	}

	text, err := a.Transcript("s1", FormatText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello world again" {
		t.Errorf("transcript = %q, want %q", text, "hello world again")
	}

	structured, err := a.Transcript("s1", FormatJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded []models.ResultRecord
	if err := json.Unmarshal([]byte(structured), &decoded); err != nil {
		t.Fatalf("invalid json transcript: %v", err)
	}
	if len(decoded) != 3 {
		t.Errorf("expected 3 final records, got %d", len(decoded))
	}
	for _, rec := range decoded {
		if !rec.IsFinal {
			t.Errorf("partial record leaked into transcript: %+v", rec)
		}
	}
}

func TestAggregator_ResultsFilter(t *testing.T) {
	a := NewAggregator()
	a.Record("s1", record("a", false))
	a.Record("s1", record("b", true))

	all, _ := a.Results("s1", true)
	finals, _ := a.Results("s1", false)
	if len(all) != 2 || len(finals) != 1 {
		t.Errorf("got %d all, %d finals; want 2, 1", len(all), len(finals))
	}
	if a.Count("s1") != 2 {
		t.Errorf("Count = %d, want 2", a.Count("s1"))
	}

	all[0].Text = "mutated"
	again, _ := a.Results("s1", true)
	if again[0].Text != "a" {
		t.Error("Results must return a copy")
	}
}

func TestAggregator_UnsupportedFormat(t *testing.T) {
	a := NewAggregator()
	a.Open("s1")
	if _, err := a.Transcript("s1", "xml"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestAggregator_ConcurrentRecord(t *testing.T) {
	a := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a.Record("s1", record("x", j%2 == 0))
			}
		}()
	}
	wg.Wait()

	if a.Count("s1") != 1000 {
		t.Errorf("Count = %d, want 1000", a.Count("s1"))
	}
}
