package mcprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors for connection lifecycle misuse.
var (
	// ErrAlreadyConnected is returned by Connect when the client already holds
	// a live connection and Disconnect was not called in between.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotConnected is returned by any operation that requires an active
	// connection when the client is disconnected.
	ErrNotConnected = errors.New("not connected")
)

// ClientError is the single error kind surfaced for failed client operations.
// It carries the failing operation's name, including argument context where
// relevant, and the underlying cause.
type ClientError struct {
	// Op names the operation that failed, e.g. `call tool "search"`.
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

func clientErr(op string, err error) error {
	return &ClientError{Op: op, Err: err}
}

// errRequestTimeout marks an in-flight request that outlived the per-call
// timeout without a response from the server.
var errRequestTimeout = errors.New("request timeout")

// capabilityAbsent reports whether err indicates the server lacks the called
// capability rather than a real failure. List operations convert such
// failures into empty results instead of propagating them. The check mirrors
// what servers in the wild actually return: a method-not-found error code, a
// timeout, or an error text mentioning the well-known markers.
func capabilityAbsent(err error) bool {
	if err == nil {
		return false
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == jsonRPCMethodNotFoundCode {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errRequestTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "timeout")
}
