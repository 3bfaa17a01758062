// Transcript viewer consumes the gateway's transcript topics and relays
// every event to connected browsers over a websocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"transcription-gateway/internal/models"
	"transcription-gateway/internal/observability/logging"
)

const page = `<!doctype html>
<html><head><meta charset="utf-8"><title>Transcripts</title>
<style>body{font-family:sans-serif;margin:2em}.partial{color:#888}.final{color:#000}</style>
</head><body><h1>Live transcripts</h1><div id="log"></div>
<script>
const out = document.getElementById("log");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (m) => {
  const ev = JSON.parse(m.data);
  const p = document.createElement("p");
  p.className = ev.eventType.endsWith(".final") ? "final" : "partial";
  p.textContent = "[" + ev.sessionId + " " + (ev.speakerId || "-") + "] " + ev.text;
  out.prepend(p);
};
</script></body></html>`

// hub fans events out to browser connections.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *hub) add(conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
	return len(h.clients)
}

func (h *hub) remove(conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	return len(h.clients)
}

func (h *hub) broadcast(ev models.TranscriptEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Warn().Err(err).Msg("Write to browser failed")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}
		log.Info().Int("clients", h.add(conn)).Msg("Browser connected")

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
			log.Info().Int("clients", h.remove(conn)).Msg("Browser disconnected")
		}()
	}
}

func consume(ctx context.Context, h *hub, brokers []string, topic, group string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	logger := log.With().Str("topic", topic).Logger()
	logger.Info().Msg("Consuming transcript events")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Kafka read error")
			time.Sleep(time.Second)
			continue
		}

		var ev models.TranscriptEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Warn().Err(err).Msg("Skipping undecodable event")
			continue
		}
		logger.Debug().
			Str("sessionId", ev.SessionID).
			Str("eventType", ev.EventType).
			Str("chunkId", ev.ChunkID).
			Msg("Event received")
		h.broadcast(ev)
	}
}

func main() {
	addr := flag.String("addr", ":8081", "HTTP listen address")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicPartial := flag.String("topic-partial", "transcription.transcript.partial", "Partial transcript topic")
	topicFinal := flag.String("topic-final", "transcription.transcript.final", "Final transcript topic")
	group := flag.String("group", "transcript-viewer", "Kafka consumer group")
	flag.Parse()

	cfg := logging.DefaultConfig()
	cfg.Format = "console"
	logging.Init(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := newHub()
	list := strings.Split(*brokers, ",")
	go consume(ctx, h, list, *topicPartial, *group)
	go consume(ctx, h, list, *topicFinal, *group)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	mux.HandleFunc("/ws", wsHandler(h))

	server := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", *addr).Strs("brokers", list).Msg("Transcript viewer starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
