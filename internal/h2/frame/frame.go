// Package frame implements the HTTP/2 frame layer: typed frames that
// serialize to and decode from the wire format, pooling, and HPACK helpers
// for header blocks.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

// HeaderLen is the size of the fixed frame header.
const HeaderLen = 9

// Size limits from RFC 9113.
const (
	DefaultMaxFrameSize = 1 << 14
	MaxAllowedFrameSize = 1<<24 - 1
	maxStreamID         = 1<<31 - 1
	MaxPadding          = 255
)

// Type represents HTTP/2 frame types
type Type uint8

// HTTP/2 frame type constants
const (
	FrameData         Type = 0x0
	FrameHeaders      Type = 0x1
	FramePriority     Type = 0x2
	FrameRSTStream    Type = 0x3
	FrameSettings     Type = 0x4
	FramePushPromise  Type = 0x5
	FramePing         Type = 0x6
	FrameGoAway       Type = 0x7
	FrameWindowUpdate Type = 0x8
	FrameContinuation Type = 0x9
)

func (t Type) String() string { return http2.FrameType(t).String() }

// Flags represents HTTP/2 frame flags
type Flags uint8

// HTTP/2 frame flag constants
const (
	FlagEndStream  Flags = 0x1
	FlagAck        Flags = 0x1
	FlagEndHeaders Flags = 0x4
	FlagPadded     Flags = 0x8
	FlagPriority   Flags = 0x20
)

// Has reports whether all bits of v are set.
func (f Flags) Has(v Flags) bool { return f&v == v }

var (
	// ErrIncomplete is returned by Decode when the input does not hold a
	// whole frame yet.
	ErrIncomplete = errors.New("frame: incomplete frame")
	// ErrMalformedSettings is returned by SettingsFrame.Settings when the
	// payload length was not a multiple of six.
	ErrMalformedSettings = errors.New("frame: malformed SETTINGS payload")
)

// ConnectionError is a decoding failure that must tear down the connection
// with a GOAWAY carrying Code.
type ConnectionError struct {
	Code   http2.ErrCode
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("frame: connection error %v: %s", e.Code, e.Reason)
}

func connError(code http2.ErrCode, format string, args ...any) *ConnectionError {
	return &ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Frame is one HTTP/2 frame. A frame is owned by one goroutine at a time
// and must not be used after Recycle.
type Frame interface {
	Type() Type
	Flags() Flags
	StreamID() uint32
	// Length is the payload length. It is computed on demand and cached
	// until the payload changes.
	Length() int
	// Normalize removes padding, so padded and unpadded frames with the
	// same content compare equal.
	Normalize()
	// AppendTo appends the wire form of the frame to dst.
	AppendTo(dst []byte) []byte
	// Recycle resets the frame and returns it to its pool.
	Recycle()
	String() string
}

// frameHeader holds the fields every frame shares.
type frameHeader struct {
	flags    Flags
	streamID uint32
	length   int
	lenValid bool
}

// Flags returns the frame flags.
func (h *frameHeader) Flags() Flags { return h.flags }

// StreamID returns the stream the frame belongs to.
func (h *frameHeader) StreamID() uint32 { return h.streamID }

// SetStreamID sets the stream identifier. The reserved bit is dropped.
func (h *frameHeader) SetStreamID(id uint32) { h.streamID = id & maxStreamID }

func (h *frameHeader) setFlag(v Flags, on bool) {
	if on {
		h.flags |= v
	} else {
		h.flags &^= v
	}
}

// onPayloadUpdated invalidates the cached length.
func (h *frameHeader) onPayloadUpdated() { h.lenValid = false }

func (h *frameHeader) cachedLength(calc func() int) int {
	if !h.lenValid {
		h.length = calc()
		h.lenValid = true
	}
	return h.length
}

func appendHeader(dst []byte, length int, t Type, flags Flags, streamID uint32) []byte {
	return append(dst,
		byte(length>>16), byte(length>>8), byte(length),
		byte(t), byte(flags),
		byte(streamID>>24)&0x7f, byte(streamID>>16), byte(streamID>>8), byte(streamID))
}

func appendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func appendPadding(dst []byte, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, 0)
	}
	return dst
}

func formatFrame(f Frame, extra string) string {
	s := fmt.Sprintf("[%v stream=%d len=%d", f.Type(), f.StreamID(), f.Length())
	if f.Flags() != 0 {
		s += " flags=" + f.Flags().String(f.Type())
	}
	if extra != "" {
		s += " " + extra
	}
	return s + "]"
}

// Serialize returns the wire form of f in a new slice.
func Serialize(f Frame) []byte {
	return f.AppendTo(make([]byte, 0, HeaderLen+f.Length()))
}

func clampPadding(n int) int {
	return min(max(n, 0), MaxPadding)
}
