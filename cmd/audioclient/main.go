package main

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit mono PCM)")
	server := flag.String("server", "localhost:8000", "Gateway address")
	sessionID := flag.String("session", "audio-"+time.Now().Format("150405"), "Session ID")
	provider := flag.String("provider", "yandex", "STT provider")
	language := flag.String("language", "ru-RU", "Recognition language")
	channel := flag.Int("channel", 0, "Requested channel, 0 to let the gateway choose")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}

	// 100ms of audio per chunk
	chunkSize := int(sampleRate) * int(numChannels) * int(bitsPerSample/8) * chunkIntervalMs / 1000

	query := url.Values{
		"provider":    {*provider},
		"language":    {*language},
		"sample_rate": {strconv.Itoa(int(sampleRate))},
	}
	if *channel > 0 {
		query.Set("channel", strconv.Itoa(*channel))
	}
	u := url.URL{Scheme: "ws", Host: *server, Path: "/api/v1/stream/ws/" + *sessionID, RawQuery: query.Encode()}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", u.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			printMessage(data)
		}
	}()

	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := io.ReadFull(f, audioChunk)
		if n > 0 {
			chunkNum++
			totalBytes += int64(n)
			msg := map[string]any{
				"type":       "audio_chunk",
				"audio_data": hex.EncodeToString(audioChunk[:n]),
			}
			if *channel > 0 {
				msg["chunk_id"] = fmt.Sprintf("ch%d-%d", *channel, chunkNum)
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Fatalf("Failed to send chunk: %v", err)
			}
			if chunkNum%10 == 0 {
				log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
			}
			// Simulate real-time streaming
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}
	}

	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, time.Since(startTime))
	log.Println("Ending session, waiting for final transcripts...")

	if err := conn.WriteJSON(map[string]any{"type": "end_session"}); err != nil {
		log.Fatalf("Failed to end session: %v", err)
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for session end")
	}
}

func printMessage(data []byte) {
	var msg struct {
		Type            string `json:"type"`
		Text            string `json:"text"`
		IsFinal         bool   `json:"is_final"`
		ChunkID         string `json:"chunk_id"`
		Message         string `json:"message"`
		ChunksProcessed int    `json:"chunks_processed"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Unreadable message: %s", data)
		return
	}
	switch msg.Type {
	case "transcription_result":
		kind := "partial"
		if msg.IsFinal {
			kind = "final"
		}
		log.Printf("[%s] %s: %s", kind, msg.ChunkID, msg.Text)
	case "session_ended":
		log.Printf("Session ended: %d chunks processed", msg.ChunksProcessed)
	case "error":
		log.Printf("Error: %s", msg.Message)
	default:
		log.Printf("%s: %s", msg.Type, data)
	}
}
