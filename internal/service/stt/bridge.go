package stt

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultAudioBuffer  = 64
	defaultResultBuffer = 64
	progressEvery       = 50
)

// BidiStream is the client side of a bidirectional recognition stream.
// Generated gRPC streaming clients satisfy it.
type BidiStream[Req, Resp any] interface {
	Send(Req) error
	Recv() (Resp, error)
	CloseSend() error
}

// Codec builds provider requests and classifies provider responses.
type Codec[Req, Resp any] interface {
	// Config returns the single session-configuration frame.
	Config() Req
	// Audio wraps one audio frame.
	Audio(data []byte) Req
	// Parse classifies one response into zero or more results.
	Parse(resp Resp) []Result
}

// Opener opens the upstream stream. Returning an error yields a single error
// result without any frame being sent.
type Opener[Req, Resp any] func(ctx context.Context) (BidiStream[Req, Resp], error)

// BridgeConfig tunes a Bridge.
type BridgeConfig struct {
	Provider     string
	AudioBuffer  int
	ResultBuffer int
	Logger       zerolog.Logger
}

// Bridge runs the two halves of one bidirectional recognition stream: one
// goroutine pushes the configuration frame followed by audio frames, the
// other pulls responses and publishes classified results.
//
// Bridge implements Adapter.
type Bridge[Req, Resp any] struct {
	cfg   BridgeConfig
	codec Codec[Req, Resp]
	open  Opener[Req, Resp]
	log   zerolog.Logger

	audio   chan []byte
	results chan Result
	stopped chan struct{}

	mu        sync.RWMutex
	started   bool
	closed    bool
	closeOnce sync.Once

	sent atomic.Int64
}

// NewBridge creates a stopped bridge. Call Start to open the stream.
func NewBridge[Req, Resp any](cfg BridgeConfig, codec Codec[Req, Resp], open Opener[Req, Resp]) *Bridge[Req, Resp] {
	if cfg.AudioBuffer <= 0 {
		cfg.AudioBuffer = defaultAudioBuffer
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = defaultResultBuffer
	}
	return &Bridge[Req, Resp]{
		cfg:     cfg,
		codec:   codec,
		open:    open,
		log:     cfg.Logger,
		audio:   make(chan []byte, cfg.AudioBuffer),
		results: make(chan Result, cfg.ResultBuffer),
		stopped: make(chan struct{}),
	}
}

// Start opens the stream in the background.
func (b *Bridge[Req, Resp]) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true
	go b.run(ctx)
	return nil
}

// SendAudio queues one audio frame. Empty frames are skipped.
func (b *Bridge[Req, Resp]) SendAudio(ctx context.Context, chunk Chunk) error {
	if len(chunk.Data) == 0 {
		b.log.Debug().Str("chunkId", chunk.ID).Bool("isFinal", chunk.IsFinal).Msg("Skipping empty audio frame")
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.started {
		return ErrNotStarted
	}
	if b.closed {
		return ErrClosed
	}
	select {
	case <-b.stopped:
		return ErrClosed
	default:
	}

	select {
	case b.audio <- chunk.Data:
		return nil
	case <-b.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the result channel.
func (b *Bridge[Req, Resp]) Results() <-chan Result {
	return b.results
}

// Close half-closes the stream. Only the first call has an effect.
func (b *Bridge[Req, Resp]) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		close(b.audio)
		if !b.started {
			close(b.results)
			close(b.stopped)
		}
	})
	return nil
}

// FramesSent returns the number of audio frames written to the stream.
func (b *Bridge[Req, Resp]) FramesSent() int64 {
	return b.sent.Load()
}

func (b *Bridge[Req, Resp]) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bridge[Req, Resp]) run(ctx context.Context) {
	defer close(b.results)

	stream, err := b.open(ctx)
	if err != nil {
		close(b.stopped)
		b.log.Error().Err(err).Msg("Failed to open upstream stream")
		b.emit(ctx, ErrorResult(b.cfg.Provider, AsRPCError(err)))
		return
	}
	if closer, ok := stream.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				b.log.Warn().Err(err).Msg("Error closing upstream channel")
			}
		}()
	}

	quit := make(chan struct{})
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		if err := b.sendLoop(stream, quit); err != nil {
			b.log.Debug().Err(err).Msg("Upstream send loop ended")
		}
	}()

	b.recvLoop(ctx, stream)

	close(b.stopped)
	close(quit)
	<-sendDone
	b.log.Info().Int64("framesSent", b.sent.Load()).Msg("Upstream stream finished")
}

func (b *Bridge[Req, Resp]) sendLoop(stream BidiStream[Req, Resp], quit <-chan struct{}) error {
	if err := stream.Send(b.codec.Config()); err != nil {
		return err
	}
	for {
		select {
		case data, ok := <-b.audio:
			if !ok {
				b.log.Info().Int64("framesSent", b.sent.Load()).Msg("Audio input completed, closing send direction")
				return stream.CloseSend()
			}
			if len(data) == 0 {
				continue
			}
			if err := stream.Send(b.codec.Audio(data)); err != nil {
				return err
			}
			if n := b.sent.Add(1); n%progressEvery == 0 {
				b.log.Info().Int64("framesSent", n).Msg("Streaming audio frames")
			}
		case <-quit:
			return nil
		}
	}
}

func (b *Bridge[Req, Resp]) recvLoop(ctx context.Context, stream BidiStream[Req, Resp]) {
	count := 0
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.log.Debug().Int("responses", count).Msg("Upstream closed the stream")
				return
			}
			if b.isClosed() && (status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled)) {
				b.log.Debug().Int("responses", count).Msg("Upstream stream cancelled after close")
				return
			}
			b.log.Error().Err(err).Int("responses", count).Msg("Upstream stream failed")
			b.emit(ctx, ErrorResult(b.cfg.Provider, AsRPCError(err)))
			return
		}
		count++
		results := b.codec.Parse(resp)
		if len(results) == 0 {
			b.log.Debug().Int("response", count).Msg("Unhandled upstream response")
			continue
		}
		for _, r := range results {
			r.Provider = b.cfg.Provider
			b.emit(ctx, r)
		}
	}
}

func (b *Bridge[Req, Resp]) emit(ctx context.Context, r Result) {
	select {
	case b.results <- r:
	case <-ctx.Done():
		b.log.Warn().Str("type", string(r.Type)).Msg("Dropping result, context done")
	}
}

var _ Adapter = (*Bridge[any, any])(nil)
