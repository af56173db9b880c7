// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ws implements a transport-agnostic RFC 6455 WebSocket protocol
// engine: frame codec, message assembler, HTTP Upgrade handshake, and the
// per-connection state machine. The concrete transport, application
// handler, and CLI/config/metrics surfaces are supplied by callers.
package ws

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind enumerates the taxonomy of errors this package returns. Kinds
// are stable and callers may switch on them; the concrete error message is
// not part of the contract.
type ErrorKind int

const (
	// KindProtocol covers invalid frame structure, reserved bits, bad
	// opcode, fragmented control frames, masking rule violations, invalid
	// close codes, and invalid UTF-8 in text or close reasons.
	KindProtocol ErrorKind = iota
	// KindFrameSize covers a frame or message exceeding a configured
	// ceiling.
	KindFrameSize
	// KindHandshake covers any failure validating or parsing the HTTP
	// Upgrade request/response.
	KindHandshake
	// KindTransport covers read/write failures and unexpected stream
	// closure.
	KindTransport
	// KindTimeout covers handshake, idle, read, and write timeouts.
	KindTimeout
	// KindCapacity covers the server being at max_connections or a peer
	// being at its rate or concurrent-connection limit.
	KindCapacity
	// KindClose covers a local-side error constructing a close message.
	KindClose
	// KindConfiguration covers a configuration validation failure.
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindFrameSize:
		return "frame-size"
	case KindHandshake:
		return "handshake"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindCapacity:
		return "capacity"
	case KindClose:
		return "close"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this package. CloseCode is
// the RFC close code the error maps onto, or zero if none. Transport errors
// carry the reserved CloseAbnormal (1006) as a local sentinel only; it is
// never sent to the peer.
type Error struct {
	Kind      ErrorKind
	CloseCode CloseCode
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, code CloseCode, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, CloseCode: code, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrorKind, code CloseCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, CloseCode: code, Msg: fmt.Sprintf(format, args...), Cause: errors.WithStack(cause)}
}

// ProtocolError builds a KindProtocol error mapped to the given close code.
func ProtocolError(code CloseCode, format string, args ...interface{}) *Error {
	return newErr(KindProtocol, code, format, args...)
}

// FrameSizeError builds a KindFrameSize error (always maps to MessageTooBig).
func FrameSizeError(format string, args ...interface{}) *Error {
	return newErr(KindFrameSize, CloseMessageTooBig, format, args...)
}

// HandshakeError builds a KindHandshake error.
func HandshakeError(format string, args ...interface{}) *Error {
	return newErr(KindHandshake, 0, format, args...)
}

// TransportError wraps an underlying I/O error as KindTransport.
func TransportError(cause error, format string, args ...interface{}) *Error {
	return wrapErr(KindTransport, CloseAbnormal, cause, format, args...)
}

// TimeoutError builds a KindTimeout error.
func TimeoutError(format string, args ...interface{}) *Error {
	return newErr(KindTimeout, 0, format, args...)
}

// CapacityError builds a KindCapacity error.
func CapacityError(format string, args ...interface{}) *Error {
	return newErr(KindCapacity, CloseGoingAway, format, args...)
}

// CloseConstructionError builds a KindClose error for a malformed local
// close request (bad code, reason too long, non-UTF-8 reason).
func CloseConstructionError(format string, args ...interface{}) *Error {
	return newErr(KindClose, 0, format, args...)
}

// ConfigurationError builds a KindConfiguration error.
func ConfigurationError(format string, args ...interface{}) *Error {
	return newErr(KindConfiguration, 0, format, args...)
}

// ErrNotConnected is returned by Send and Next when called after the
// connection has reached the Closed state. Close on a Closed connection
// returns nil.
var ErrNotConnected = &Error{Kind: KindTransport, Msg: "connection is not connected"}

// CloseCode is a 16-bit RFC 6455 close status code.
type CloseCode uint16

// Canonical close codes, per https://tools.ietf.org/html/rfc6455#section-7.4.1.
const (
	CloseNormal           CloseCode = 1000
	CloseGoingAway        CloseCode = 1001
	CloseProtocolError    CloseCode = 1002
	CloseUnsupportedData  CloseCode = 1003
	CloseNoStatus         CloseCode = 1005 // reserved: never sent on the wire
	CloseAbnormal         CloseCode = 1006 // reserved: never sent on the wire
	CloseInvalidPayload   CloseCode = 1007
	ClosePolicyViolation  CloseCode = 1008
	CloseMessageTooBig    CloseCode = 1009
	CloseMandatoryExt     CloseCode = 1010
	CloseInternalError    CloseCode = 1011
	CloseTLSHandshake     CloseCode = 1015 // reserved: never sent on the wire
	closeAppRangeStart              = 3000
	closeAppRangeEnd                = 4999
)

// IsReserved reports whether this code may only appear as a local sentinel
// and must never be sent over the wire.
func (c CloseCode) IsReserved() bool {
	switch c {
	case CloseNoStatus, CloseAbnormal, CloseTLSHandshake:
		return true
	default:
		return false
	}
}

// IsApplication reports whether this code is in the 3000-4999 application
// range.
func (c CloseCode) IsApplication() bool {
	return c >= closeAppRangeStart && c <= closeAppRangeEnd
}

// Valid reports whether this is a close code that may legally appear in a
// received Close frame: one of the canonical non-reserved codes, or within
// the application range.
func (c CloseCode) Valid() bool {
	switch c {
	case CloseNormal, CloseGoingAway, CloseProtocolError, CloseUnsupportedData,
		CloseInvalidPayload, ClosePolicyViolation, CloseMessageTooBig,
		CloseMandatoryExt, CloseInternalError:
		return true
	}
	return c.IsApplication()
}

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going away"
	case CloseProtocolError:
		return "protocol error"
	case CloseUnsupportedData:
		return "unsupported data"
	case CloseNoStatus:
		return "no status received"
	case CloseAbnormal:
		return "abnormal closure"
	case CloseInvalidPayload:
		return "invalid payload data"
	case ClosePolicyViolation:
		return "policy violation"
	case CloseMessageTooBig:
		return "message too big"
	case CloseMandatoryExt:
		return "mandatory extension"
	case CloseInternalError:
		return "internal error"
	case CloseTLSHandshake:
		return "TLS handshake"
	default:
		if c.IsApplication() {
			return fmt.Sprintf("application(%d)", uint16(c))
		}
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}
