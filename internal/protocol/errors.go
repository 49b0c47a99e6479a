package protocol

import (
	"errors"
	"fmt"
)

// Framing errors.
var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrShortPayload  = errors.New("payload too short")

	ErrDecompressedTooLarge = errors.New("decompressed payload exceeds limit")
)

// ErrorKind classifies a ProtocolError.
type ErrorKind string

const (
	KindNotWhitelisted   ErrorKind = "not_whitelisted"
	KindUnknownType      ErrorKind = "unknown_type"
	KindMalformedSegment ErrorKind = "malformed_segment"
	KindDeserialize      ErrorKind = "deserialize"
	KindEmptyFrame       ErrorKind = "empty_frame"
)

// ProtocolError reports a single inbound message that could not be turned into a
// value. It never closes the connection it arrived on.
type ProtocolError struct {
	Kind ErrorKind
	Type string // declared type name, when known
	Err  error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error (" + string(e.Kind) + ")"
	if e.Type != "" {
		msg += " type=" + e.Type
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CompressionError reports a payload that failed to compress or decompress.
type CompressionError struct {
	Op  string // "compress" or "decompress"
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// KindOf returns the ProtocolError kind carried by err, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
