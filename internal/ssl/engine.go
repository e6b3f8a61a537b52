// Package ssl adapts a TLS engine to the filter pipeline. The Filter drives
// the handshake without blocking, parks application writes until the
// handshake completes and encrypts/decrypts records as they pass through
// the chain.
package ssl

import (
	"crypto/x509"
)

// Status is the outcome of a single Wrap or Unwrap call.
type Status uint8

// Engine operation statuses.
const (
	StatusOK Status = iota
	// StatusBufferUnderflow means src does not hold a complete record.
	StatusBufferUnderflow
	// StatusBufferOverflow means dst is too small for the produced data.
	StatusBufferOverflow
	// StatusClosed means the engine was closed and cannot process data.
	StatusClosed
)

var statusNames = [...]string{
	StatusOK:              "OK",
	StatusBufferUnderflow: "BUFFER_UNDERFLOW",
	StatusBufferOverflow:  "BUFFER_OVERFLOW",
	StatusClosed:          "CLOSED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

// HandshakeStatus tells the driver what the engine needs next.
type HandshakeStatus uint8

// Handshake statuses.
const (
	NotHandshaking HandshakeStatus = iota
	NeedWrap
	NeedUnwrap
	// Finished is only reported in an EngineResult, by the call that
	// completed the handshake.
	Finished
)

var handshakeStatusNames = [...]string{
	NotHandshaking: "NOT_HANDSHAKING",
	NeedWrap:       "NEED_WRAP",
	NeedUnwrap:     "NEED_UNWRAP",
	Finished:       "FINISHED",
}

func (s HandshakeStatus) String() string {
	if int(s) < len(handshakeStatusNames) {
		return handshakeStatusNames[s]
	}
	return "UNKNOWN"
}

// EngineResult describes one Wrap or Unwrap call.
type EngineResult struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	Consumed        int
	Produced        int
}

// Session exposes the negotiated parameters of an engine.
type Session interface {
	// ApplicationBufferSize is the largest plaintext a single record can carry.
	ApplicationBufferSize() int
	// PacketBufferSize is the largest record the engine produces or accepts.
	PacketBufferSize() int
	IsValid() bool
	PeerCertificates() []*x509.Certificate
	// Protocol is the ALPN protocol agreed during the handshake, if any.
	Protocol() string
	Invalidate()
}

// Engine is the capability surface the Filter needs from a TLS
// implementation. Engines are not safe for concurrent use; the Filter
// serializes access with the connection lock.
type Engine interface {
	ClientMode() bool
	SetClientMode(client bool)
	NeedClientAuth() bool
	SetNeedClientAuth(need bool)
	WantClientAuth() bool
	SetWantClientAuth(want bool)

	// BeginHandshake starts an initial handshake or a renegotiation.
	BeginHandshake() error
	HandshakeStatus() HandshakeStatus

	// Wrap encrypts plaintext from src into dst. During a handshake it
	// produces handshake records and consumes nothing.
	Wrap(src [][]byte, dst []byte) (EngineResult, error)
	// Unwrap consumes at most one record from src, writing any plaintext
	// into dst.
	Unwrap(src, dst []byte) (EngineResult, error)

	Session() Session

	// CloseOutbound queues a close_notify; Wrap drains it.
	CloseOutbound()
	IsOutboundDone() bool
	IsInboundDone() bool
}

const (
	recordHeaderLen = 5
	// MaxPlaintext is the largest plaintext fragment of a TLS record.
	MaxPlaintext = 16384
	// maxRecordOverhead bounds header, MAC, IV and padding added to a record.
	maxRecordOverhead = 325
	// MaxPacketSize is the largest TLS record on the wire.
	MaxPacketSize = MaxPlaintext + maxRecordOverhead + 2048
)

// PacketSize returns the length of the TLS record at the start of b,
// header included, or -1 when b does not hold a whole record header yet.
func PacketSize(b []byte) int {
	if len(b) < recordHeaderLen {
		return -1
	}
	return recordHeaderLen + (int(b[3])<<8 | int(b[4]))
}
