package main

import (
	"encoding/hex"
	"flag"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	server := flag.String("server", "localhost:8000", "Gateway address")
	sessionID := flag.String("session", "test-"+time.Now().Format("150405"), "Session ID")
	provider := flag.String("provider", "mock", "STT provider")
	flag.Parse()

	u := url.URL{
		Scheme:   "ws",
		Host:     *server,
		Path:     "/api/v1/stream/ws/" + *sessionID,
		RawQuery: url.Values{"provider": {*provider}}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s", u.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("read ended: %v", err)
				return
			}
			log.Printf("Received: %s", data)
		}
	}()

	messages := []map[string]any{
		{"type": "ping"},
		{"type": "audio_chunk", "audio_data": hex.EncodeToString([]byte("audio-chunk-1"))},
		{"type": "audio_chunk", "audio_data": hex.EncodeToString([]byte("audio-chunk-2"))},
		{"type": "audio_chunk", "audio_data": hex.EncodeToString([]byte("audio-chunk-3")), "is_final": true},
		{"type": "end_session"},
	}
	for _, msg := range messages {
		log.Printf("Sending %s", msg["type"])
		if err := conn.WriteJSON(msg); err != nil {
			log.Fatalf("failed to send message: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("timed out waiting for session end")
	}
}
