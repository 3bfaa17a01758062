// Package session coordinates the clients, chunk bookkeeping, result log and
// upstream recognizer of every transcription session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transcription-gateway/internal/models"
	"transcription-gateway/internal/observability/logging"
	"transcription-gateway/internal/observability/metrics"
	"transcription-gateway/internal/service/stt"
	"transcription-gateway/internal/service/transcript"
)

const defaultDrainTimeout = 5 * time.Second

// ErrAlreadyExists is returned by Create for a known session id.
var ErrAlreadyExists = errors.New("session already exists")

// Sink delivers outbound messages to one client connection.
type Sink interface {
	Send(msg any) error
	Close() error
}

// Publisher receives every recorded result.
type Publisher interface {
	PublishResult(ctx context.Context, sessionID string, rec models.ResultRecord) error
}

// TranscriptStore persists the final transcript of an ended session and
// returns its location.
type TranscriptStore interface {
	Save(ctx context.Context, sessionID string, data []byte) (string, error)
	Backend() string
}

// Config wires a Registry.
type Config struct {
	Factory    stt.Factory
	Defaults   stt.Request
	Aggregator *transcript.Aggregator
	Store      TranscriptStore
	Publisher  Publisher
	Metrics    *metrics.Metrics
	// DrainTimeout bounds the wait for the upstream to flush its last
	// results after the send direction is closed.
	DrainTimeout time.Duration
}

type client struct {
	id      string
	channel int
	sink    Sink
}

type session struct {
	id        string
	createdAt time.Time
	req       stt.Request
	lifecycle *Lifecycle
	ids       *Generator

	mu              sync.Mutex
	clients         map[string]*client
	chunkChannels   map[string]int
	reserved        int
	chunksProcessed int
	lastChunkID     string
	adapter         stt.Adapter
	pumpDone        chan struct{}
	cancel          context.CancelFunc
	resultURL       string
}

// Registry owns the session table. Thread-safe for concurrent access.
type Registry struct {
	cfg     Config
	agg     *transcript.Aggregator
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Aggregator == nil {
		cfg.Aggregator = transcript.NewAggregator()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	cfg.Defaults = cfg.Defaults.WithDefaults(stt.DefaultRequest())
	return &Registry{
		cfg:      cfg,
		agg:      cfg.Aggregator,
		metrics:  cfg.Metrics,
		log:      logging.WithComponent("session-registry"),
		sessions: make(map[string]*session),
	}
}

// Defaults returns the request applied to fields a client leaves unset.
func (r *Registry) Defaults() stt.Request {
	return r.cfg.Defaults
}

func (r *Registry) get(id string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// getOrAdd returns the session for id, creating it with req when absent.
// The boolean reports whether the session was created.
func (r *Registry) getOrAdd(id string, req stt.Request) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := &session{
		id:            id,
		createdAt:     time.Now().UTC(),
		req:           req.WithDefaults(r.cfg.Defaults),
		lifecycle:     NewLifecycle(),
		ids:           NewGenerator(),
		clients:       make(map[string]*client),
		chunkChannels: make(map[string]int),
	}
	r.sessions[id] = s
	r.agg.Open(id)
	r.metrics.RecordSessionCreated()
	r.log.Info().
		Str("sessionId", id).
		Str("provider", s.req.Provider).
		Str("language", s.req.Language).
		Bool("enableDiarization", s.req.EnableDiarization).
		Int("sampleRate", s.req.SampleRateHz).
		Msg("Session created")
	return s, true
}

// Create registers a session ahead of any connection. Its request is
// fixed from here on.
func (r *Registry) Create(id string, req stt.Request) (models.SessionInfo, error) {
	s, created := r.getOrAdd(id, req)
	if !created {
		return models.SessionInfo{}, ErrAlreadyExists
	}
	return r.info(s), nil
}

// Connect attaches a client with sink to the session, creating the session
// from req if needed. A positive requested channel is honoured when free;
// otherwise the smallest unused channel is assigned.
func (r *Registry) Connect(sessionID string, requested int, req stt.Request, sink Sink) (string, int, error) {
	s, _ := r.getOrAdd(sessionID, req)
	if err := s.lifecycle.MarkConnected(); err != nil {
		return "", 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := make(map[int]bool, len(s.clients))
	for _, c := range s.clients {
		used[c.channel] = true
	}
	channel := requested
	if channel <= 0 || used[channel] {
		channel = 1
		for used[channel] {
			channel++
		}
	}

	c := &client{id: s.ids.Next(), channel: channel, sink: sink}
	s.clients[c.id] = c
	r.metrics.RecordClientConnected()

	r.log.Info().
		Str("sessionId", sessionID).
		Str("clientId", c.id).
		Int("channel", channel).
		Int("requestedChannel", requested).
		Int("clients", len(s.clients)).
		Msg("Client connected")
	return c.id, channel, nil
}

// Disconnect removes one client, or every client when clientID is empty.
// The result log, chunk map and adapter are left intact. It returns the
// number of clients still attached.
func (r *Registry) Disconnect(sessionID, clientID string) int {
	s, err := r.get(sessionID)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientID == "" {
		for id := range s.clients {
			delete(s.clients, id)
			r.metrics.RecordClientDisconnected()
		}
	} else if _, ok := s.clients[clientID]; ok {
		delete(s.clients, clientID)
		r.metrics.RecordClientDisconnected()
	}

	r.log.Info().
		Str("sessionId", sessionID).
		Str("clientId", clientID).
		Int("clients", len(s.clients)).
		Msg("Client disconnected")
	return len(s.clients)
}

// HasActiveClients reports whether any client is attached to the session.
func (r *Registry) HasActiveClients(sessionID string) bool {
	s, err := r.get(sessionID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

// Request returns the session's request snapshot.
func (r *Registry) Request(sessionID string) (stt.Request, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return stt.Request{}, err
	}
	return s.req, nil
}

// Status returns the session's lifecycle status.
func (r *Registry) Status(sessionID string) (Status, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return 0, err
	}
	return s.lifecycle.Status(), nil
}

// GetOrCreateAdapter returns the session's upstream adapter, creating and
// starting it from the session request on first use. The adapter outlives
// ctx; it is released by EndSession.
func (r *Registry) GetOrCreateAdapter(ctx context.Context, sessionID string) (stt.Adapter, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		return s.adapter, nil
	}
	if !s.lifecycle.Status().Accepting() {
		return nil, ErrSessionClosed
	}
	if r.cfg.Factory == nil {
		return nil, fmt.Errorf("no adapter factory for provider %q", s.req.Provider)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	adapter, err := r.cfg.Factory(runCtx, s.id, s.req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create %s adapter: %w", s.req.Provider, err)
	}
	if err := adapter.Start(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s adapter: %w", s.req.Provider, err)
	}

	s.adapter = adapter
	s.cancel = cancel
	s.pumpDone = make(chan struct{})
	go r.pump(runCtx, s, adapter, s.pumpDone)

	r.log.Info().
		Str("sessionId", s.id).
		Str("provider", s.req.Provider).
		Msg("Upstream adapter started")
	return adapter, nil
}

// PrepareChunk builds the canonical id for a chunk from channel and records
// the chunk's channel. A chunk without a client id gets a generated one; an
// empty final chunk gets the session's final id.
func (r *Registry) PrepareChunk(sessionID string, channel int, clientChunkID string, hasAudio bool) (string, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	switch {
	case clientChunkID != "":
		id = ChunkID(channel, clientChunkID)
	case !hasAudio:
		id = FinalChunkID(channel, sessionID)
	default:
		s.reserved++
		id = GeneratedChunkID(channel, sessionID, s.reserved)
	}
	if _, ok := s.chunkChannels[id]; !ok {
		s.chunkChannels[id] = channel
	}
	return id, nil
}

// ProcessAudioChunk forwards chunk to the session's adapter, creating the
// adapter if needed. Results arriving afterwards are attributed to chunk.
func (r *Registry) ProcessAudioChunk(ctx context.Context, sessionID string, chunk stt.Chunk) error {
	s, err := r.get(sessionID)
	if err != nil {
		return err
	}
	if !s.lifecycle.Status().Accepting() {
		return ErrSessionClosed
	}

	adapter, err := r.GetOrCreateAdapter(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.lifecycle.MarkRecording(); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastChunkID = chunk.ID
	s.mu.Unlock()

	if err := adapter.SendAudio(ctx, chunk); err != nil {
		if errors.Is(err, stt.ErrClosed) {
			return ErrSessionClosed
		}
		return fmt.Errorf("send audio: %w", err)
	}

	if len(chunk.Data) > 0 {
		s.mu.Lock()
		s.chunksProcessed++
		s.mu.Unlock()
		r.metrics.RecordAudioReceived(len(chunk.Data))
	}
	return nil
}

// ChunksProcessed returns the number of audio chunks forwarded upstream.
func (r *Registry) ChunksProcessed(sessionID string) int {
	s, err := r.get(sessionID)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksProcessed
}

// MapChunkToChannel records the channel of chunkID. The first mapping of a
// chunk id wins; it returns false when the id was already mapped.
func (r *Registry) MapChunkToChannel(sessionID, chunkID string, channel int) (bool, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunkChannels[chunkID]; ok {
		return false, nil
	}
	s.chunkChannels[chunkID] = channel
	return true, nil
}

// ResolveChannelForChunk returns the channel that produced chunkID. The
// chunk map is consulted first; the "ch<N>-" prefix is the fallback.
func (r *Registry) ResolveChannelForChunk(sessionID, chunkID string) (int, bool) {
	s, err := r.get(sessionID)
	if err != nil {
		return ParseChunkChannel(chunkID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveChannel(chunkID)
}

func (s *session) resolveChannel(chunkID string) (int, bool) {
	if ch, ok := s.chunkChannels[chunkID]; ok {
		return ch, true
	}
	return ParseChunkChannel(chunkID)
}

// RecordResult appends rec to the session's result log.
func (r *Registry) RecordResult(sessionID string, rec models.ResultRecord) {
	r.agg.Record(sessionID, rec)
	r.metrics.RecordTranscript(rec.Type)
}

func (s *session) sinks() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].channel < out[j].channel })
	return out
}

// Broadcast sends msg to every client of the session and returns the
// number of successful deliveries. A failed delivery is logged and does not
// affect the other clients.
func (r *Registry) Broadcast(sessionID string, msg any) int {
	s, err := r.get(sessionID)
	if err != nil {
		return 0
	}
	delivered := 0
	for _, c := range s.sinks() {
		if err := c.sink.Send(msg); err != nil {
			r.metrics.RecordBroadcastError()
			r.log.Warn().
				Err(err).
				Str("sessionId", sessionID).
				Str("clientId", c.id).
				Msg("Failed to deliver message to client")
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo sends msg to one client of the session.
func (r *Registry) SendTo(sessionID, clientID string, msg any) error {
	s, err := r.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	return c.sink.Send(msg)
}

// EndSession half-closes the session's adapter, waits for its last results
// and persists the final transcript. Only the first call for a session does
// anything; later calls return false.
func (r *Registry) EndSession(ctx context.Context, sessionID string) (bool, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return false, err
	}
	if !s.lifecycle.Stop() {
		r.log.Debug().Str("sessionId", sessionID).Msg("Session already ended")
		return false, nil
	}

	s.mu.Lock()
	adapter, done, cancel := s.adapter, s.pumpDone, s.cancel
	s.mu.Unlock()

	if adapter != nil {
		if err := adapter.Close(); err != nil {
			r.log.Warn().Err(err).Str("sessionId", sessionID).Msg("Error closing upstream adapter")
		}
		r.drain(ctx, sessionID, done, cancel)
	}

	r.persist(ctx, s)

	if s.lifecycle.Complete() {
		r.metrics.RecordSessionCompleted(time.Since(s.createdAt).Seconds())
	}
	r.log.Info().
		Str("sessionId", sessionID).
		Str("status", s.lifecycle.Status().String()).
		Int("chunksProcessed", r.ChunksProcessed(sessionID)).
		Msg("Session ended")
	return true, nil
}

func (r *Registry) drain(ctx context.Context, sessionID string, done <-chan struct{}, cancel context.CancelFunc) {
	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		r.log.Warn().
			Str("sessionId", sessionID).
			Dur("timeout", r.cfg.DrainTimeout).
			Msg("Upstream did not drain in time, cancelling")
	case <-ctx.Done():
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Registry) persist(ctx context.Context, s *session) {
	if r.cfg.Store == nil {
		return
	}
	data, err := r.agg.Transcript(s.id, transcript.FormatJSON)
	if err != nil {
		r.log.Error().Err(err).Str("sessionId", s.id).Msg("Failed to build transcript")
		return
	}
	url, err := r.cfg.Store.Save(ctx, s.id, []byte(data))
	r.metrics.RecordTranscriptStored(r.cfg.Store.Backend(), err)
	if err != nil {
		r.log.Error().Err(err).Str("sessionId", s.id).Msg("Failed to store transcript")
		return
	}
	s.mu.Lock()
	s.resultURL = url
	s.mu.Unlock()
	r.log.Info().Str("sessionId", s.id).Str("url", url).Msg("Transcript stored")
}

// Terminate closes every client connection of the session and ends it.
func (r *Registry) Terminate(ctx context.Context, sessionID string) (bool, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return false, err
	}
	clients := s.sinks()
	r.Disconnect(sessionID, "")
	for _, c := range clients {
		if err := c.sink.Close(); err != nil {
			r.log.Debug().Err(err).Str("sessionId", sessionID).Str("clientId", c.id).Msg("Error closing client")
		}
	}
	return r.EndSession(ctx, sessionID)
}

// Info returns the management view of the session. The result URL is only
// reported once the session is completed.
func (r *Registry) Info(sessionID string) (models.SessionInfo, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return models.SessionInfo{}, err
	}
	return r.info(s), nil
}

func (r *Registry) info(s *session) models.SessionInfo {
	status := s.lifecycle.Status()

	s.mu.Lock()
	defer s.mu.Unlock()
	info := models.SessionInfo{
		SessionID:         s.id,
		Status:            status.String(),
		CreatedAt:         s.createdAt,
		Provider:          s.req.Provider,
		Language:          s.req.Language,
		EnableDiarization: s.req.EnableDiarization,
		SampleRate:        s.req.SampleRateHz,
		ChunksProcessed:   s.chunksProcessed,
		ResultsCount:      r.agg.Count(s.id),
		ActiveClients:     len(s.clients),
		Error:             s.lifecycle.Reason(),
	}
	if status == StatusCompleted {
		info.ResultURL = s.resultURL
	}
	return info
}

// Results returns the session's result log.
func (r *Registry) Results(sessionID string, includePartial bool) ([]models.ResultRecord, error) {
	if _, err := r.get(sessionID); err != nil {
		return nil, err
	}
	return r.agg.Results(sessionID, includePartial)
}

// Transcript returns the session's final-only transcript in format.
func (r *Registry) Transcript(sessionID, format string) (string, error) {
	if _, err := r.get(sessionID); err != nil {
		return "", err
	}
	return r.agg.Transcript(sessionID, format)
}

// Close terminates every session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if _, err := r.Terminate(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("sessionId", id).Msg("Error terminating session")
		}
	}
}

// pump consumes the adapter's results until the stream terminates.
func (r *Registry) pump(ctx context.Context, s *session, adapter stt.Adapter, done chan<- struct{}) {
	defer close(done)
	log := logging.WithUpstream(s.id, s.req.Provider)

	for res := range adapter.Results() {
		if res.Type == stt.ResultError {
			r.fail(s, adapter, res, log)
			continue
		}
		if res.Text == "" {
			continue
		}

		rec := r.record(s, res)
		r.RecordResult(s.id, rec)
		r.Broadcast(s.id, models.NewTranscriptionResult(rec))

		log.Debug().
			Str("chunkId", rec.ChunkID).
			Str("type", rec.Type).
			Bool("isFinal", rec.IsFinal).
			Msg("Result delivered")

		if r.cfg.Publisher != nil {
			if err := r.cfg.Publisher.PublishResult(ctx, s.id, rec); err != nil {
				log.Warn().Err(err).Str("chunkId", rec.ChunkID).Msg("Failed to publish result")
			}
		}
	}
	log.Debug().Msg("Upstream results drained")
	r.release(s, adapter, log)
}

// release detaches an adapter whose stream ended while the session was
// still accepting audio, so the next chunk opens a fresh stream.
func (r *Registry) release(s *session, adapter stt.Adapter, log zerolog.Logger) {
	s.mu.Lock()
	if s.adapter != adapter || !s.lifecycle.Status().Accepting() {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.adapter, s.pumpDone, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = adapter.Close()
	log.Info().Msg("Upstream stream ended, adapter released")
}

func (r *Registry) fail(s *session, adapter stt.Adapter, res stt.Result, log zerolog.Logger) {
	msg := "upstream stream failed"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if !s.lifecycle.Fail(msg) {
		return
	}

	errorType := "stream"
	var rpcErr *stt.RPCError
	if errors.As(res.Err, &rpcErr) {
		errorType = rpcErr.Code
	}
	r.metrics.RecordSTTError(s.req.Provider, errorType)
	r.metrics.RecordSessionFailed(time.Since(s.createdAt).Seconds())

	log.Error().Err(res.Err).Msg("Upstream failed, session in error")
	r.Broadcast(s.id, models.NewError(msg))
	_ = adapter.Close()

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Registry) record(s *session, res stt.Result) models.ResultRecord {
	s.mu.Lock()
	chunkID := s.lastChunkID
	channel, ok := s.resolveChannel(chunkID)
	s.mu.Unlock()

	rec := models.ResultRecord{
		ChunkID:   chunkID,
		Timestamp: time.Now().UTC(),
		Type:      string(res.Type),
		Text:      res.Text,
		IsFinal:   res.IsFinal,
		Success:   true,
	}
	if res.Confidence > 0 {
		conf := res.Confidence
		rec.Confidence = &conf
	}
	if ok {
		speaker := SpeakerID(channel)
		rec.SpeakerID = &speaker
	}
	for _, w := range res.Words {
		rec.Words = append(rec.Words, models.Word{
			Word:  w.Text,
			Start: float64(w.StartMs) / 1000,
			End:   float64(w.EndMs) / 1000,
		})
	}
	return rec
}
