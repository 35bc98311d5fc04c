// Package gonet is the root of the toolkit: shared error and
// configuration types used across loop, socket, framing, tlsadapter,
// and the protocol server packages.
package gonet

import "github.com/pkg/errors"

// Kind classifies the failures this toolkit can report.
type Kind int

const (
	KindUnknown Kind = iota
	KindResolve
	KindConnectTimeout
	KindConnectRefused
	KindTlsHandshake
	KindTlsWouldBlock
	KindFramingParse
	KindFramingOverflow
	KindWriteShort
	KindPeerClosed
	KindResourceIO
)

func (k Kind) String() string {
	switch k {
	case KindResolve:
		return "resolve"
	case KindConnectTimeout:
		return "connect_timeout"
	case KindConnectRefused:
		return "connect_refused"
	case KindTlsHandshake:
		return "tls_handshake"
	case KindTlsWouldBlock:
		return "tls_would_block"
	case KindFramingParse:
		return "framing_parse"
	case KindFramingOverflow:
		return "framing_overflow"
	case KindWriteShort:
		return "write_short"
	case KindPeerClosed:
		return "peer_closed"
	case KindResourceIO:
		return "resource_io"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// failure category with errors.As without parsing message text.
type Error struct {
	Kind  Kind
	cause error
}

// NewError wraps cause with kind. cause may be nil.
func NewError(kind Kind, cause error, msg string) *Error {
	if cause != nil {
		cause = errors.Wrap(cause, msg)
	} else {
		cause = errors.New(msg)
	}
	return &Error{Kind: kind, cause: cause}
}

func (e *Error) Error() string { return e.cause.Error() }
func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Cause() error  { return e.cause }
