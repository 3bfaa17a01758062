// Package stream implements the per-connection client protocol: it decodes
// client messages, forwards audio to the session and writes status and
// result messages back.
package stream

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"transcription-gateway/internal/models"
	"transcription-gateway/internal/observability/logging"
	"transcription-gateway/internal/observability/metrics"
	"transcription-gateway/internal/schema"
	"transcription-gateway/internal/service/session"
	"transcription-gateway/internal/service/stt"
)

// ErrMalformedMessage is returned for a message that cannot be processed.
var ErrMalformedMessage = errors.New("malformed message")

const (
	statusReady     = "ready"
	statusCompleted = "completed"

	invalidJSONMessage = "Invalid JSON format"
	internalError      = "internal error"
)

// Conn is a message-oriented client connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Sessions is the part of the session registry used by a connection.
type Sessions interface {
	Connect(sessionID string, requested int, req stt.Request, sink session.Sink) (string, int, error)
	Disconnect(sessionID, clientID string) int
	Request(sessionID string) (stt.Request, error)
	Status(sessionID string) (session.Status, error)
	PrepareChunk(sessionID string, channel int, clientChunkID string, hasAudio bool) (string, error)
	ProcessAudioChunk(ctx context.Context, sessionID string, chunk stt.Chunk) error
	EndSession(ctx context.Context, sessionID string) (bool, error)
	ChunksProcessed(sessionID string) int
	Broadcast(sessionID string, msg any) int
}

// Options are the connection parameters.
type Options struct {
	SessionID string
	// Channel is the requested channel; zero lets the registry choose.
	Channel int
	Request stt.Request
}

// Handler serves client connections.
type Handler struct {
	sessions  Sessions
	validator *schema.Validator
	metrics   *metrics.Metrics
}

// NewHandler creates a handler. A nil m uses metrics.DefaultMetrics.
func NewHandler(sessions Sessions, validator *schema.Validator, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Handler{sessions: sessions, validator: validator, metrics: m}
}

// State is the protocol state of one connection.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// jsonSink serializes writes to a connection.
type jsonSink struct {
	mu   sync.Mutex
	conn Conn
}

func (s *jsonSink) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *jsonSink) Close() error {
	return s.conn.Close()
}

type connection struct {
	h         *Handler
	conn      Conn
	sink      *jsonSink
	sessionID string
	clientID  string
	channel   int
	req       stt.Request
	state     State
	log       zerolog.Logger
}

// Serve runs the protocol on conn until the client ends the session or the
// connection drops. The connection is closed on return.
func (h *Handler) Serve(ctx context.Context, conn Conn, opts Options) error {
	c := &connection{
		h:         h,
		conn:      conn,
		sink:      &jsonSink{conn: conn},
		sessionID: opts.SessionID,
		state:     StateConnecting,
		log:       logging.WithSession(opts.SessionID),
	}
	defer conn.Close()

	clientID, channel, err := h.sessions.Connect(opts.SessionID, opts.Channel, opts.Request, c.sink)
	if err != nil {
		c.log.Warn().Err(err).Msg("Connection rejected")
		_ = c.sink.Send(models.NewError(err.Error()))
		return err
	}
	c.clientID, c.channel = clientID, channel
	c.log = logging.WithClient(opts.SessionID, clientID, channel)

	c.req = opts.Request
	if req, err := h.sessions.Request(opts.SessionID); err == nil {
		c.req = req
	}

	if err := c.sink.Send(models.ConnectionEstablished{
		Type:              models.MessageConnectionEstablished,
		SessionID:         c.sessionID,
		Status:            statusReady,
		Provider:          c.req.Provider,
		Language:          c.req.Language,
		EnableDiarization: c.req.EnableDiarization,
		Channel:           c.channel,
		SessionStarted:    true,
	}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to send connection acknowledgement")
	}
	c.transition(StateReady)

	endedHere := c.loop(ctx)
	c.cleanup(ctx, endedHere)
	return nil
}

func (c *connection) transition(to State) {
	if c.state == to {
		return
	}
	c.log.Debug().Str("from", c.state.String()).Str("to", to.String()).Msg("Connection state changed")
	c.state = to
}

// loop reads messages until the connection drops or the client ends the
// session. It reports whether the session was ended by this client.
func (c *connection) loop(ctx context.Context) bool {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("Client connection lost")
			} else {
				c.log.Info().Msg("Client disconnected")
			}
			return false
		}
		if c.handle(ctx, data) {
			c.transition(StateEnded)
			return true
		}
	}
}

// handle processes one message and reports whether the loop should end.
func (c *connection) handle(ctx context.Context, data []byte) (end bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Panic while handling client message")
			c.h.metrics.RecordMessageError("internal")
			c.reply(models.NewError(internalError))
			end = false
		}
	}()

	msg, err := c.h.validator.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("Malformed client message")
		if errors.Is(err, schema.ErrInvalidJSON) {
			c.h.metrics.RecordMessageError("invalid_json")
			c.reply(models.NewError(invalidJSONMessage))
		} else {
			c.h.metrics.RecordMessageError("invalid_message")
			c.reply(models.NewError(err.Error()))
		}
		return false
	}
	c.h.metrics.RecordInboundMessage(msg.Type)

	switch msg.Type {
	case models.MessageAudioChunk:
		if err := c.handleAudio(ctx, msg); err != nil {
			c.log.Warn().Err(err).Str("chunkId", msg.ChunkID).Msg("Failed to process audio chunk")
			c.h.metrics.RecordMessageError("audio_chunk")
			c.reply(models.NewError(err.Error()))
		}
		return false
	case models.MessageEndSession:
		c.handleEnd(ctx)
		return true
	case models.MessagePing:
		c.reply(models.Pong{Type: models.MessagePong, Timestamp: time.Now().UTC()})
		return false
	default:
		c.log.Warn().Str("type", msg.Type).Msg("Ignoring unknown message type")
		return false
	}
}

func (c *connection) handleAudio(ctx context.Context, msg models.InboundMessage) error {
	encoded, ok := msg.Audio()
	if !ok && !msg.IsFinal {
		c.log.Debug().Str("chunkId", msg.ChunkID).Msg("Ignoring empty audio chunk")
		return nil
	}

	var data []byte
	if ok {
		decoded, err := hex.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("%w: audio data is not hex: %v", ErrMalformedMessage, err)
		}
		data = decoded
	}

	c.transition(StateActive)

	chunkID, err := c.h.sessions.PrepareChunk(c.sessionID, c.channel, msg.ChunkID, len(data) > 0)
	if err != nil {
		return err
	}
	c.log.Debug().
		Str("chunkId", chunkID).
		Int("bytes", len(data)).
		Bool("isFinal", msg.IsFinal).
		Msg("Forwarding audio chunk")

	return c.h.sessions.ProcessAudioChunk(ctx, c.sessionID, stt.Chunk{
		ID:        chunkID,
		Data:      data,
		IsFinal:   msg.IsFinal,
		Timestamp: time.Now().UTC(),
	})
}

func (c *connection) handleEnd(ctx context.Context) {
	ended, err := c.h.sessions.EndSession(context.WithoutCancel(ctx), c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to end session")
	}
	status := statusCompleted
	if st, err := c.h.sessions.Status(c.sessionID); err == nil {
		status = st.String()
	}
	c.log.Info().Bool("ended", ended).Str("status", status).Msg("End of session requested by client")

	c.h.sessions.Broadcast(c.sessionID, models.SessionEnded{
		Type:            models.MessageSessionEnded,
		SessionID:       c.sessionID,
		Status:          status,
		ChunksProcessed: c.h.sessions.ChunksProcessed(c.sessionID),
	})
}

// cleanup deregisters the client. When it was the last one and the session
// was not ended explicitly, the session is ended here.
func (c *connection) cleanup(ctx context.Context, endedHere bool) {
	c.transition(StateEnded)
	remaining := c.h.sessions.Disconnect(c.sessionID, c.clientID)
	if remaining > 0 || endedHere {
		return
	}

	ended, err := c.h.sessions.EndSession(context.WithoutCancel(ctx), c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to end session after last client left")
		return
	}
	if ended {
		c.log.Info().Msg("Last client left, session ended")
	}
}

func (c *connection) reply(msg any) {
	if err := c.sink.Send(msg); err != nil {
		c.log.Warn().Err(err).Msg("Failed to send message to client")
	}
}
