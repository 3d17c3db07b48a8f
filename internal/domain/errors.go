package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSymbol: the normalized target cannot name an upstream stream.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrConnection: the upstream could not be reached while starting a feed.
	ErrConnection = errors.New("upstream connection failed")
	// ErrInternal: unexpected fault after a stream was established.
	ErrInternal = errors.New("internal error")
	// ErrFeedsClosed is returned once the feed registry has been shut down.
	ErrFeedsClosed = errors.New("feed registry closed")
	// ErrStreamClosed is returned by a stream after it has been closed.
	ErrStreamClosed = errors.New("stream closed")
)

// Caller-facing status codes, named after the connect/gRPC codes the
// transport layer reports.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeInternal        = "internal"
)

// StreamError is the error a subscription call surfaces to its caller.
type StreamError struct {
	Code    string
	Symbol  string
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// InvalidTarget builds the error reported when a ticker cannot be resolved.
func InvalidTarget(symbol string, err error) *StreamError {
	return &StreamError{
		Code:    CodeInvalidArgument,
		Symbol:  symbol,
		Message: fmt.Sprintf("could not resolve symbol %s - use format like BTCUSDT", symbol),
		Err:     err,
	}
}

// Internal builds the opaque error reported for faults during streaming.
func Internal(symbol string, err error) *StreamError {
	return &StreamError{
		Code:    CodeInternal,
		Symbol:  symbol,
		Message: "internal error",
		Err:     err,
	}
}

// CodeOf returns the StreamError code carried by err, or CodeInternal.
func CodeOf(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}
