package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/protocol"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrKeepaliveTimeout closes a connection whose keepalive failed too many
	// ticks in a row.
	ErrKeepaliveTimeout = errors.New("keepalive timed out")

	// ErrAlreadyStarted is returned by Start on a connection that already ran.
	ErrAlreadyStarted = errors.New("connection already started")
)

// DisconnectionReason classifies why a connection ended. It is used for logs
// and telemetry only.
type DisconnectionReason int

const (
	ReasonUnknown DisconnectionReason = iota
	ReasonRemoteClosed
	ReasonLocalClosed
	ReasonObjectDisposed
	ReasonInternetUnavailable
	ReasonCompressionError
)

func (r DisconnectionReason) String() string {
	switch r {
	case ReasonRemoteClosed:
		return "remote_closed"
	case ReasonLocalClosed:
		return "local_closed"
	case ReasonObjectDisposed:
		return "object_disposed"
	case ReasonInternetUnavailable:
		return "internet_unavailable"
	case ReasonCompressionError:
		return "compression_error"
	}
	return "unknown"
}

// TransportError is handed to OnClose when the stream itself failed.
type TransportError struct {
	Reason DisconnectionReason
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify maps an error that ended a connection to a reason. nil means the
// local side asked for the close.
func Classify(err error) DisconnectionReason {
	if err == nil {
		return ReasonLocalClosed
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Reason
	}
	var ce *protocol.CompressionError
	if errors.As(err, &ce) {
		return ReasonCompressionError
	}

	switch {
	case errors.Is(err, ErrKeepaliveTimeout),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETDOWN):
		return ReasonInternetUnavailable
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED):
		return ReasonRemoteClosed
	case errors.Is(err, ErrClosed),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe):
		return ReasonObjectDisposed
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return ReasonRemoteClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonInternetUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "reset by peer"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "forcibly closed"):
		return ReasonRemoteClosed
	case strings.Contains(msg, "use of closed"):
		return ReasonObjectDisposed
	case strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no route to host"):
		return ReasonInternetUnavailable
	}
	return ReasonUnknown
}
