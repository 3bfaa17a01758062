// Package mock provides a scripted STT adapter for local runs and tests
// without cloud credentials. Every audio frame advances a script of partial
// hypotheses; the utterance is finalized and refined once the script runs
// out or the stream is closed.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"transcription-gateway/internal/service/stt"
)

// Provider is the provider name served by this adapter.
const Provider = "mock"

// SimulatedUtterance is one scripted utterance.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"let's", "let's start", "let's start the meeting"},
		Final:      "let's start the meeting",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"can everyone", "can everyone hear me"},
		Final:      "can everyone hear me",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"the next", "the next item", "the next item is the budget"},
		Final:      "the next item is the budget",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"I'll share", "I'll share my screen"},
		Final:      "I'll share my screen",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"thanks", "thanks everyone"},
		Final:      "thanks everyone",
		Confidence: 0.98,
	},
}

var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithUtterance scripts a specific utterance instead of cycling defaults.
func WithUtterance(u SimulatedUtterance) Option {
	return func(a *Adapter) { a.utterance = u }
}

// WithDelay sets the simulated processing delay per result.
func WithDelay(d time.Duration) Option {
	return func(a *Adapter) { a.delay = d }
}

// WithFailAfter makes the adapter fail with an RPC error once n audio
// frames have been received.
func WithFailAfter(n int) Option {
	return func(a *Adapter) { a.failAfter = n }
}

// Adapter implements stt.Adapter with scripted responses.
type Adapter struct {
	mu            sync.Mutex
	utterance     SimulatedUtterance
	delay         time.Duration
	failAfter     int
	audioReceived int
	partialIndex  int
	finalSent     bool
	started       bool
	closed        bool

	queue   chan stt.Result
	results chan stt.Result
}

// New creates a mock adapter. Without WithUtterance it cycles through
// DefaultUtterances.
func New(opts ...Option) *Adapter {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	a := &Adapter{
		utterance: DefaultUtterances[idx],
		queue:     make(chan stt.Result, 256),
		results:   make(chan stt.Result, 64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins a mock recognition stream.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return stt.ErrClosed
	}
	if a.started {
		return stt.ErrAlreadyStarted
	}
	a.started = true
	go a.run(ctx)
	return nil
}

// SendAudio advances the script by one step per non-empty frame.
func (a *Adapter) SendAudio(ctx context.Context, chunk stt.Chunk) error {
	if len(chunk.Data) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return stt.ErrNotStarted
	}
	if a.closed {
		return stt.ErrClosed
	}

	a.audioReceived++

	if a.failAfter > 0 && a.audioReceived >= a.failAfter {
		a.queue <- stt.ErrorResult(Provider, &stt.RPCError{Code: "Unavailable", Detail: "simulated upstream failure"})
		a.shutdown()
		return nil
	}

	if a.partialIndex < len(a.utterance.Partials) {
		a.queue <- a.partial(a.utterance.Partials[a.partialIndex])
		a.partialIndex++
	} else if !a.finalSent {
		a.finalize()
	}
	return nil
}

// Results returns the result channel.
func (a *Adapter) Results() <-chan stt.Result {
	return a.results
}

// Close finalizes the utterance if it was not finalized yet and ends the
// stream once queued results are delivered.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	if !a.started {
		a.closed = true
		close(a.queue)
		close(a.results)
		return nil
	}
	if !a.finalSent && a.audioReceived > 0 {
		a.finalize()
	}
	a.shutdown()
	return nil
}

// AudioReceived returns the number of non-empty frames received.
func (a *Adapter) AudioReceived() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioReceived
}

// shutdown must be called with mu held.
func (a *Adapter) shutdown() {
	a.closed = true
	close(a.queue)
}

// finalize must be called with mu held.
func (a *Adapter) finalize() {
	a.finalSent = true
	a.queue <- stt.Result{
		Type:       stt.ResultFinal,
		Text:       a.utterance.Final,
		Confidence: a.utterance.Confidence,
		IsFinal:    true,
		Words:      words(a.utterance.Final),
		Provider:   Provider,
	}
	a.queue <- stt.Result{
		Type:       stt.ResultFinalRefinement,
		Text:       refine(a.utterance.Final),
		Confidence: a.utterance.Confidence,
		IsFinal:    true,
		Provider:   Provider,
	}
}

func (a *Adapter) partial(text string) stt.Result {
	return stt.Result{
		Type:     stt.ResultPartial,
		Text:     text,
		Words:    words(text),
		Provider: Provider,
	}
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.results)
	for r := range a.queue {
		if a.delay > 0 {
			select {
			case <-time.After(a.delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case a.results <- r:
		case <-ctx.Done():
			return
		}
	}
}

// words assigns 300ms per word.
func words(text string) []stt.Word {
	var out []stt.Word
	for i, w := range strings.Fields(text) {
		start := int64(i) * 300
		out = append(out, stt.Word{Text: w, StartMs: start, EndMs: start + 250})
	}
	return out
}

// refine mimics normalized text: capitalized with a trailing period.
func refine(text string) string {
	if text == "" {
		return text
	}
	return strings.ToUpper(text[:1]) + text[1:] + "."
}
