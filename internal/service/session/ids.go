package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Generator hands out sequential client ids within a session.
type Generator struct {
	counter uint64
}

// NewGenerator creates a generator starting at c1.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns the next client id.
func (g *Generator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("c%d", n)
}

// ChunkID builds the canonical chunk id "ch<channel>-<id>".
func ChunkID(channel int, id string) string {
	return fmt.Sprintf("ch%d-%s", channel, id)
}

// FinalChunkID is used for an empty final chunk without a client id.
func FinalChunkID(channel int, sessionID string) string {
	return ChunkID(channel, "final_"+sessionID)
}

// GeneratedChunkID is used for a chunk without a client id; seq is the
// session's processed-chunk count after this chunk.
func GeneratedChunkID(channel int, sessionID string, seq int) string {
	return ChunkID(channel, fmt.Sprintf("%s_%d", sessionID, seq))
}

// ParseChunkChannel extracts the channel from a "ch<N>-<rest>" chunk id.
func ParseChunkChannel(chunkID string) (int, bool) {
	rest, ok := strings.CutPrefix(chunkID, "ch")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "-")
	if !ok || num == "" {
		return 0, false
	}
	ch, err := strconv.Atoi(num)
	if err != nil || ch <= 0 {
		return 0, false
	}
	return ch, true
}

// SpeakerID names the speaker for a channel.
func SpeakerID(channel int) string {
	return fmt.Sprintf("channel_%d", channel)
}
