package stt

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrAuthorization is returned when no backend credential is configured.
	ErrAuthorization = errors.New("authorization failed: api key or iam token required")
	// ErrProtocolUnavailable is returned when streaming is not available in
	// this deployment. No connection is attempted.
	ErrProtocolUnavailable = errors.New("streaming protocol unavailable")
	// ErrUnknownProvider is returned for a provider no adapter serves.
	ErrUnknownProvider = errors.New("unknown stt provider")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("adapter already started")
	// ErrNotStarted is returned when audio is sent before Start.
	ErrNotStarted = errors.New("adapter not started")
	// ErrClosed is returned when audio is sent after Close or after the
	// stream has terminated.
	ErrClosed = errors.New("adapter closed")
)

// RPCError is a backend failure carrying the RPC status code and detail.
type RPCError struct {
	Code   string
	Detail string
}

func (e *RPCError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gRPC error: %s", e.Code)
	}
	return fmt.Sprintf("gRPC error: %s: %s", e.Code, e.Detail)
}

// AsRPCError converts err into an RPCError when it carries a gRPC status.
// Other errors are returned unchanged.
func AsRPCError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &RPCError{Code: codes.Canceled.String(), Detail: err.Error()}
	}
	if st, ok := status.FromError(err); ok {
		return &RPCError{Code: st.Code().String(), Detail: st.Message()}
	}
	return err
}

// ErrorResult builds the terminal error record for err.
func ErrorResult(provider string, err error) Result {
	return Result{
		Type:     ResultError,
		Provider: provider,
		Err:      err,
	}
}
