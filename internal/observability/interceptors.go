// Package observability provides gRPC client interceptors and the metrics
// and health HTTP server.
package observability

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"transcription-gateway/internal/observability/metrics"
)

// StreamClientInterceptor returns a gRPC client stream interceptor recording
// metrics and logs for upstream recognition streams.
func StreamClientInterceptor(m *metrics.Metrics) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		start := time.Now()

		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			st, _ := status.FromError(err)
			log.Warn().
				Str("method", method).
				Str("code", st.Code().String()).
				Dur("duration", time.Since(start)).
				Msg("gRPC stream open failed")
			return nil, err
		}

		m.RecordUpstreamStart(method)
		log.Debug().Str("method", method).Msg("gRPC stream opened")

		return &monitoredStream{
			ClientStream: cs,
			method:       method,
			start:        start,
			metrics:      m,
		}, nil
	}
}

// monitoredStream records the end of a stream the first time RecvMsg fails.
type monitoredStream struct {
	grpc.ClientStream
	method  string
	start   time.Time
	metrics *metrics.Metrics
	once    sync.Once
}

func (s *monitoredStream) RecvMsg(msg any) error {
	err := s.ClientStream.RecvMsg(msg)
	if err != nil {
		s.once.Do(func() { s.finish(err) })
	}
	return err
}

func (s *monitoredStream) finish(err error) {
	code := codes.OK
	if !errors.Is(err, io.EOF) {
		code = status.Code(err)
	}
	duration := time.Since(s.start)
	s.metrics.RecordUpstreamEnd(s.method, code.String(), duration.Seconds())

	log.Info().
		Str("method", s.method).
		Str("code", code.String()).
		Dur("duration", duration).
		Bool("success", code == codes.OK).
		Msg("gRPC stream completed")
}
