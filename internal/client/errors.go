package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/peerlink/internal/util"
)

var (
	// ErrNotConnected is returned by send operations without an open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client closed")
)

// ConnectionTimeoutError reports that an endpoint did not answer within the
// configured connection timeout.
type ConnectionTimeoutError struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection to %s timed out after %v", util.JoinHostPort(e.Host, e.Port), e.Timeout)
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *ConnectionTimeoutError) Timeout() bool { return true }

// PeerToPeerError is returned when a peer-addressed operation cannot run.
type PeerToPeerError struct {
	Reason string
}

func (e *PeerToPeerError) Error() string {
	return "peer-to-peer: " + e.Reason
}
