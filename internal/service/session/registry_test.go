package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"transcription-gateway/internal/models"
	"transcription-gateway/internal/observability/metrics"
	"transcription-gateway/internal/service/stt"
	"transcription-gateway/internal/service/stt/mock"
)

var testMetrics = metrics.NewMetrics(prometheus.NewRegistry())

type fakeSink struct {
	mu     sync.Mutex
	msgs   []any
	err    error
	closed bool
}

func (s *fakeSink) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.msgs...)
}

func (s *fakeSink) count(match func(any) bool) int {
	n := 0
	for _, m := range s.messages() {
		if match(m) {
			n++
		}
	}
	return n
}

func isError(m any) bool {
	_, ok := m.(models.ErrorMessage)
	return ok
}

func isResult(m any) bool {
	_, ok := m.(models.TranscriptionResult)
	return ok
}

// recordingAdapter records chunks and counts Close calls.
type recordingAdapter struct {
	mu      sync.Mutex
	chunks  []stt.Chunk
	closes  int
	results chan stt.Result
	once    sync.Once
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{results: make(chan stt.Result, 16)}
}

func (a *recordingAdapter) Start(context.Context) error { return nil }

func (a *recordingAdapter) SendAudio(_ context.Context, chunk stt.Chunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks = append(a.chunks, chunk)
	return nil
}

func (a *recordingAdapter) Results() <-chan stt.Result { return a.results }

func (a *recordingAdapter) Close() error {
	a.mu.Lock()
	a.closes++
	a.mu.Unlock()
	a.once.Do(func() { close(a.results) })
	return nil
}

type memStore struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func (m *memStore) Save(_ context.Context, sessionID string, data []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]byte)
	}
	m.saved[sessionID] = data
	return "mem://transcripts/" + sessionID + ".json", nil
}

func (m *memStore) Backend() string { return "mem" }

type memPublisher struct {
	mu   sync.Mutex
	recs []models.ResultRecord
}

func (p *memPublisher) PublishResult(_ context.Context, _ string, rec models.ResultRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
	return nil
}

func newTestRegistry(factory stt.Factory, store TranscriptStore) *Registry {
	return NewRegistry(Config{
		Factory:      factory,
		Store:        store,
		Metrics:      testMetrics,
		DrainTimeout: time.Second,
	})
}

func mockFactory(opts ...mock.Option) stt.Factory {
	return func(context.Context, string, stt.Request) (stt.Adapter, error) {
		return mock.New(opts...), nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistry_ChannelsAreContiguous(t *testing.T) {
	r := newTestRegistry(nil, nil)

	seen := make(map[int]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	const n = 8
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ch, err := r.Connect("s1", 0, stt.Request{}, &fakeSink{})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[ch] {
				t.Errorf("channel %d assigned twice", ch)
			}
			seen[ch] = true
		}()
	}
	wg.Wait()

	for ch := 1; ch <= n; ch++ {
		if !seen[ch] {
			t.Errorf("channel %d not assigned; got %v", ch, seen)
		}
	}
}

func TestRegistry_RequestedChannel(t *testing.T) {
	r := newTestRegistry(nil, nil)

	c1, ch, err := r.Connect("s1", 2, stt.Request{}, &fakeSink{})
	if err != nil || ch != 2 {
		t.Fatalf("requested channel 2, got %d (%v)", ch, err)
	}
	_, ch, _ = r.Connect("s1", 0, stt.Request{}, &fakeSink{})
	if ch != 1 {
		t.Errorf("expected smallest unused channel 1, got %d", ch)
	}
	_, ch, _ = r.Connect("s1", 2, stt.Request{}, &fakeSink{})
	if ch != 3 {
		t.Errorf("taken channel should fall back to 3, got %d", ch)
	}

	r.Disconnect("s1", c1)
	_, ch, _ = r.Connect("s1", 0, stt.Request{}, &fakeSink{})
	if ch != 2 {
		t.Errorf("freed channel 2 should be reused, got %d", ch)
	}
}

func TestRegistry_ClientIDsSequential(t *testing.T) {
	r := newTestRegistry(nil, nil)
	for _, want := range []string{"c1", "c2", "c3"} {
		id, _, _ := r.Connect("s1", 0, stt.Request{}, &fakeSink{})
		if id != want {
			t.Errorf("client id = %s, want %s", id, want)
		}
	}
}

func TestRegistry_DisconnectKeepsSessionState(t *testing.T) {
	r := newTestRegistry(nil, nil)
	c1, _, _ := r.Connect("s1", 3, stt.Request{}, &fakeSink{})
	c2, _, _ := r.Connect("s1", 0, stt.Request{}, &fakeSink{})

	id, err := r.PrepareChunk("s1", 3, "abc", true)
	if err != nil {
		t.Fatal(err)
	}
	if id != "ch3-abc" {
		t.Errorf("chunk id = %s, want ch3-abc", id)
	}

	if left := r.Disconnect("s1", c1); left != 1 {
		t.Errorf("expected 1 client left, got %d", left)
	}
	if !r.HasActiveClients("s1") {
		t.Error("expected an active client")
	}
	if ch, ok := r.ResolveChannelForChunk("s1", id); !ok || ch != 3 {
		t.Errorf("mapping lost after disconnect: %d %v", ch, ok)
	}

	r.Disconnect("s1", c2)
	if r.HasActiveClients("s1") {
		t.Error("expected no active clients")
	}
	if ch, ok := r.ResolveChannelForChunk("s1", id); !ok || ch != 3 {
		t.Errorf("mapping lost after last disconnect: %d %v", ch, ok)
	}
}

func TestRegistry_DisconnectAll(t *testing.T) {
	r := newTestRegistry(nil, nil)
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})

	if left := r.Disconnect("s1", ""); left != 0 {
		t.Errorf("expected all clients removed, got %d left", left)
	}
	if r.Disconnect("missing", "") != 0 {
		t.Error("unknown session should report zero clients")
	}
}

func TestRegistry_ChunkMapIsWriteOnce(t *testing.T) {
	r := newTestRegistry(nil, nil)
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})

	if set, _ := r.MapChunkToChannel("s1", "ch4-x", 4); !set {
		t.Fatal("first mapping should be set")
	}
	if set, _ := r.MapChunkToChannel("s1", "ch4-x", 7); set {
		t.Error("second mapping should be ignored")
	}
	if ch, _ := r.ResolveChannelForChunk("s1", "ch4-x"); ch != 4 {
		t.Errorf("resolved %d, want 4", ch)
	}
}

func TestRegistry_ResolveChannelPriority(t *testing.T) {
	r := newTestRegistry(nil, nil)
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})
	r.MapChunkToChannel("s1", "ch3-disagree", 1)

	tests := []struct {
		chunkID string
		want    int
		ok      bool
	}{
		{"ch3-disagree", 1, true},
		{"ch5-unmapped", 5, true},
		{"opaque", 0, false},
		{"ch0-x", 0, false},
		{"chx-x", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.chunkID, func(t *testing.T) {
			ch, ok := r.ResolveChannelForChunk("s1", tt.chunkID)
			if ch != tt.want || ok != tt.ok {
				t.Errorf("got (%d, %v), want (%d, %v)", ch, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRegistry_PrepareChunkIDs(t *testing.T) {
	r := newTestRegistry(nil, nil)
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})

	tests := []struct {
		name     string
		clientID string
		hasAudio bool
		want     string
	}{
		{"generated", "", true, "ch2-s1_1"},
		{"client id", "abc", true, "ch2-abc"},
		{"generated again", "", true, "ch2-s1_2"},
		{"empty final", "", false, "ch2-final_s1"},
		{"empty final keeps sequence", "", true, "ch2-s1_3"},
	}
	for _, tt := range tests {
		got, err := r.PrepareChunk("s1", 2, tt.clientID, tt.hasAudio)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("%s: chunk id = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestRegistry_AdapterIsSingleton(t *testing.T) {
	created := 0
	var mu sync.Mutex
	r := newTestRegistry(func(context.Context, string, stt.Request) (stt.Adapter, error) {
		mu.Lock()
		defer mu.Unlock()
		created++
		return newRecordingAdapter(), nil
	}, nil)
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.GetOrCreateAdapter(context.Background(), "s1"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected 1 adapter, got %d", created)
	}
}

func TestRegistry_FactoryReceivesSessionRequest(t *testing.T) {
	var got stt.Request
	r := newTestRegistry(func(_ context.Context, _ string, req stt.Request) (stt.Adapter, error) {
		got = req
		return newRecordingAdapter(), nil
	}, nil)

	if _, err := r.Create("s1", stt.Request{Provider: "yandex_v3", Language: "en-US", SampleRateHz: 8000}); err != nil {
		t.Fatal(err)
	}
	// Connection parameters do not override an explicitly created session.
	r.Connect("s1", 0, stt.Request{Language: "de-DE"}, &fakeSink{})
	if _, err := r.GetOrCreateAdapter(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	if got.Provider != "yandex" || got.Language != "en-US" || got.SampleRateHz != 8000 {
		t.Errorf("unexpected request %+v", got)
	}
	if _, err := r.Create("s1", stt.Request{}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRegistry_EmptyFinalChunkIsForwarded(t *testing.T) {
	adapter := newRecordingAdapter()
	r := newTestRegistry(func(context.Context, string, stt.Request) (stt.Adapter, error) {
		return adapter, nil
	}, nil)
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})

	id, _ := r.PrepareChunk("s1", 1, "", false)
	if err := r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: id, IsFinal: true}); err != nil {
		t.Fatal(err)
	}

	adapter.mu.Lock()
	chunks := adapter.chunks
	adapter.mu.Unlock()
	if len(chunks) != 1 || !chunks[0].IsFinal || chunks[0].ID != "ch1-final_s1" {
		t.Errorf("expected forwarded final empty chunk, got %+v", chunks)
	}
	if r.ChunksProcessed("s1") != 0 {
		t.Errorf("empty chunk should not be counted, got %d", r.ChunksProcessed("s1"))
	}
	if st, _ := r.Status("s1"); st != StatusRecording {
		t.Errorf("status = %s, want recording", st)
	}
}

func TestRegistry_EndSessionIsIdempotent(t *testing.T) {
	adapter := newRecordingAdapter()
	r := newTestRegistry(func(context.Context, string, stt.Request) (stt.Adapter, error) {
		return adapter, nil
	}, &memStore{})
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})
	if err := r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: "ch1-a", Data: []byte{1, 2}}); err != nil {
		t.Fatal(err)
	}

	first, err := r.EndSession(context.Background(), "s1")
	if err != nil || !first {
		t.Fatalf("first EndSession = %v, %v", first, err)
	}
	second, err := r.EndSession(context.Background(), "s1")
	if err != nil || second {
		t.Fatalf("second EndSession = %v, %v", second, err)
	}

	if adapter.closes != 1 {
		t.Errorf("adapter closed %d times, want 1", adapter.closes)
	}
	if st, _ := r.Status("s1"); st != StatusCompleted {
		t.Errorf("status = %s, want completed", st)
	}
	if err := r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: "ch1-b", Data: []byte{1}}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after end, got %v", err)
	}
	if _, _, err := r.Connect("s1", 0, stt.Request{}, &fakeSink{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed connecting to ended session, got %v", err)
	}
}

func TestRegistry_EndUnknownSession(t *testing.T) {
	r := newTestRegistry(nil, nil)
	if _, err := r.EndSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_EndSessionWithoutAdapter(t *testing.T) {
	store := &memStore{}
	r := newTestRegistry(nil, store)
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})

	ended, err := r.EndSession(context.Background(), "s1")
	if err != nil || !ended {
		t.Fatalf("EndSession = %v, %v", ended, err)
	}
	if string(store.saved["s1"]) != "[]" {
		t.Errorf("expected empty transcript stored, got %q", store.saved["s1"])
	}
}

func TestRegistry_TranscriptionFlow(t *testing.T) {
	store := &memStore{}
	pub := &memPublisher{}
	r := NewRegistry(Config{
		Factory: mockFactory(mock.WithUtterance(mock.SimulatedUtterance{
			Partials:   []string{"hello", "hello there"},
			Final:      "hello there",
			Confidence: 0.9,
		})),
		Store:     store,
		Publisher: pub,
		Metrics:   testMetrics,
	})

	sinkA, sinkB := &fakeSink{}, &fakeSink{}
	r.Connect("s1", 1, stt.Request{}, sinkA)
	r.Connect("s1", 2, stt.Request{}, sinkB)

	for i := 0; i < 2; i++ {
		id, _ := r.PrepareChunk("s1", 2, "", true)
		if err := r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: id, Data: []byte{0, 1, 2, 3}}); err != nil {
			t.Fatal(err)
		}
	}
	if r.ChunksProcessed("s1") != 2 {
		t.Errorf("chunks processed = %d, want 2", r.ChunksProcessed("s1"))
	}

	if ended, err := r.EndSession(context.Background(), "s1"); err != nil || !ended {
		t.Fatalf("EndSession = %v, %v", ended, err)
	}

	results, err := r.Results("s1", true)
	if err != nil {
		t.Fatal(err)
	}
	// two partials, one final, one refinement
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d: %+v", len(results), results)
	}
	for _, rec := range results {
		if !strings.HasPrefix(rec.ChunkID, "ch2-s1_") {
			t.Errorf("result attributed to %s, want a ch2 chunk", rec.ChunkID)
		}
		if rec.SpeakerID == nil || *rec.SpeakerID != "channel_2" {
			t.Errorf("unexpected speaker %v", rec.SpeakerID)
		}
		if !rec.Success {
			t.Error("expected success flag")
		}
	}
	if results[2].Type != models.ResultFinal || results[2].Confidence == nil || *results[2].Confidence != 0.9 {
		t.Errorf("unexpected final record %+v", results[2])
	}
	if len(results[0].Words) != 1 || results[0].Words[0].Word != "hello" {
		t.Errorf("unexpected words %+v", results[0].Words)
	}

	text, _ := r.Transcript("s1", "text")
	if text != "hello there Hello there." {
		t.Errorf("transcript = %q", text)
	}

	for name, sink := range map[string]*fakeSink{"A": sinkA, "B": sinkB} {
		if got := sink.count(isResult); got != 4 {
			t.Errorf("client %s received %d results, want 4", name, got)
		}
	}
	if len(pub.recs) != 4 {
		t.Errorf("published %d results, want 4", len(pub.recs))
	}

	var stored []models.ResultRecord
	if err := json.Unmarshal(store.saved["s1"], &stored); err != nil {
		t.Fatalf("stored transcript is not json: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored %d final records, want 2", len(stored))
	}

	info, err := r.Info("s1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != "completed" || info.ResultURL != "mem://transcripts/s1.json" || info.ResultsCount != 4 || info.ChunksProcessed != 2 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestRegistry_InfoHidesURLUntilCompleted(t *testing.T) {
	r := newTestRegistry(nil, &memStore{})
	info, err := r.Create("s1", stt.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != "created" || info.ResultURL != "" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.Provider != stt.DefaultProvider || info.Language != stt.DefaultLanguage || info.SampleRate != stt.DefaultSampleRateHz {
		t.Errorf("defaults not applied: %+v", info)
	}
	if _, err := r.Info("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_StoreFailureStillCompletes(t *testing.T) {
	r := newTestRegistry(nil, &memStore{err: errors.New("bucket gone")})
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})
	r.EndSession(context.Background(), "s1")

	info, _ := r.Info("s1")
	if info.Status != "completed" || info.ResultURL != "" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestRegistry_UpstreamErrorBroadcastOnce(t *testing.T) {
	r := newTestRegistry(mockFactory(mock.WithFailAfter(1)), nil)
	sinkA, sinkB := &fakeSink{}, &fakeSink{}
	r.Connect("s1", 0, stt.Request{}, sinkA)
	r.Connect("s1", 0, stt.Request{}, sinkB)

	if err := r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: "ch1-a", Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sinkA.count(isError) > 0 && sinkB.count(isError) > 0 })
	if err := r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: "ch1-b", Data: []byte{1}}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after failure, got %v", err)
	}

	for name, sink := range map[string]*fakeSink{"A": sinkA, "B": sinkB} {
		if got := sink.count(isError); got != 1 {
			t.Errorf("client %s received %d errors, want 1", name, got)
		}
		msg := sink.messages()[0].(models.ErrorMessage)
		if msg.Message != "gRPC error: Unavailable: simulated upstream failure" {
			t.Errorf("unexpected error message %q", msg.Message)
		}
	}

	info, _ := r.Info("s1")
	if info.Status != "error" || info.Error == "" {
		t.Errorf("unexpected info %+v", info)
	}
	if ended, _ := r.EndSession(context.Background(), "s1"); ended {
		t.Error("EndSession on a failed session should be a no-op")
	}
}

func TestRegistry_BroadcastSurvivesFailingClient(t *testing.T) {
	r := newTestRegistry(nil, nil)
	bad := &fakeSink{err: errors.New("broken pipe")}
	good := &fakeSink{}
	r.Connect("s1", 0, stt.Request{}, bad)
	r.Connect("s1", 0, stt.Request{}, good)

	if n := r.Broadcast("s1", models.Pong{Type: models.MessagePong}); n != 1 {
		t.Errorf("delivered to %d clients, want 1", n)
	}
	if len(good.messages()) != 1 {
		t.Error("healthy client should receive the message")
	}
}

func TestRegistry_SendTo(t *testing.T) {
	r := newTestRegistry(nil, nil)
	a, b := &fakeSink{}, &fakeSink{}
	idA, _, _ := r.Connect("s1", 0, stt.Request{}, a)
	r.Connect("s1", 0, stt.Request{}, b)

	if err := r.SendTo("s1", idA, models.NewError("x")); err != nil {
		t.Fatal(err)
	}
	if len(a.messages()) != 1 || len(b.messages()) != 0 {
		t.Error("unicast reached the wrong clients")
	}
	if err := r.SendTo("s1", "c99", models.NewError("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_TerminateClosesClients(t *testing.T) {
	r := newTestRegistry(nil, nil)
	a, b := &fakeSink{}, &fakeSink{}
	r.Connect("s1", 0, stt.Request{}, a)
	r.Connect("s1", 0, stt.Request{}, b)

	ended, err := r.Terminate(context.Background(), "s1")
	if err != nil || !ended {
		t.Fatalf("Terminate = %v, %v", ended, err)
	}
	if !a.closed || !b.closed {
		t.Error("expected every client closed")
	}
	if r.HasActiveClients("s1") {
		t.Error("expected no clients after terminate")
	}
	if _, err := r.Results("s1", true); err != nil {
		t.Errorf("results should survive terminate: %v", err)
	}
}

func TestRegistry_DrainTimeoutCancelsUpstream(t *testing.T) {
	r := NewRegistry(Config{
		Factory:      mockFactory(mock.WithDelay(time.Hour)),
		Metrics:      testMetrics,
		DrainTimeout: 20 * time.Millisecond,
	})
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})
	r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: "ch1-a", Data: []byte{1}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.EndSession(context.Background(), "s1")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EndSession did not return after drain timeout")
	}
	if st, _ := r.Status("s1"); st != StatusCompleted {
		t.Errorf("status = %s, want completed", st)
	}
}

func TestRegistry_UnknownSession(t *testing.T) {
	r := newTestRegistry(nil, nil)
	if _, err := r.Results("missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Transcript("missing", "text"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetOrCreateAdapter(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if r.HasActiveClients("missing") {
		t.Error("unknown session has no clients")
	}
}

// eofAdapter ends its result stream cleanly after the first chunk.
type eofAdapter struct {
	mu      sync.Mutex
	chunks  int
	closed  bool
	results chan stt.Result
	once    sync.Once
}

func newEOFAdapter() *eofAdapter {
	return &eofAdapter{results: make(chan stt.Result, 4)}
}

func (a *eofAdapter) Start(context.Context) error { return nil }

func (a *eofAdapter) SendAudio(context.Context, stt.Chunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return stt.ErrClosed
	}
	a.chunks++
	a.results <- stt.Result{Type: stt.ResultFinal, Text: "done", IsFinal: true}
	a.once.Do(func() { close(a.results) })
	return nil
}

func (a *eofAdapter) Results() <-chan stt.Result { return a.results }

func (a *eofAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.once.Do(func() { close(a.results) })
	return nil
}

func TestRegistry_UpstreamEndOfStreamReleasesAdapter(t *testing.T) {
	var mu sync.Mutex
	var adapters []*eofAdapter
	r := newTestRegistry(func(context.Context, string, stt.Request) (stt.Adapter, error) {
		mu.Lock()
		defer mu.Unlock()
		a := newEOFAdapter()
		adapters = append(adapters, a)
		return a, nil
	}, nil)
	sink := &fakeSink{}
	r.Connect("s1", 0, stt.Request{}, sink)

	if err := r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: "ch1-a", Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		s, _ := r.get("s1")
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.adapter == nil
	})

	if st, _ := r.Status("s1"); st != StatusRecording {
		t.Errorf("status after upstream end = %s, want recording", st)
	}
	if err := r.ProcessAudioChunk(context.Background(), "s1", stt.Chunk{ID: "ch1-b", Data: []byte{1}}); err != nil {
		t.Fatalf("chunk after upstream end: %v", err)
	}

	mu.Lock()
	n := len(adapters)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected a fresh adapter after upstream end, got %d adapters", n)
	}
	adapters[0].mu.Lock()
	closed := adapters[0].closed
	adapters[0].mu.Unlock()
	if !closed {
		t.Error("finished adapter should be closed on release")
	}

	waitFor(t, func() bool { return sink.count(isResult) == 2 })
	if sink.count(isError) != 0 {
		t.Errorf("unexpected error messages %v", sink.messages())
	}
	if ended, err := r.EndSession(context.Background(), "s1"); err != nil || !ended {
		t.Errorf("EndSession = %v, %v", ended, err)
	}
	if st, _ := r.Status("s1"); st != StatusCompleted {
		t.Errorf("status = %s, want completed", st)
	}
}

func TestRegistry_UpstreamFailureCancelsRunContext(t *testing.T) {
	var runCtx context.Context
	adapter := newRecordingAdapter()
	r := newTestRegistry(func(ctx context.Context, _ string, _ stt.Request) (stt.Adapter, error) {
		runCtx = ctx
		return adapter, nil
	}, nil)
	r.Connect("s1", 0, stt.Request{}, &fakeSink{})

	if _, err := r.GetOrCreateAdapter(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	adapter.results <- stt.ErrorResult("yandex", &stt.RPCError{Code: "Internal", Detail: "boom"})

	select {
	case <-runCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run context not cancelled after upstream failure")
	}
	if st, _ := r.Status("s1"); st != StatusError {
		t.Errorf("status = %s, want error", st)
	}
}
