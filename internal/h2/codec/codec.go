// Package codec holds the chain filters that turn an HTTP/2 byte stream
// into frames and header blocks and back.
package codec

import (
	"errors"

	"github.com/FumingPower3925/tessera/internal/h2/frame"
	"golang.org/x/net/http2"
)

// verboseLogging controls per-frame logging.
const verboseLogging = false

// ErrBadPreface is returned when a client connection does not start with
// the HTTP/2 connection preface.
var ErrBadPreface = errors.New("h2: invalid connection preface")

// Direction tells inbound from outbound frames.
type Direction uint8

// Frame directions.
const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// FrameObserver is told about every frame a filter decodes or encodes.
// It runs on the processing goroutine and must not block.
type FrameObserver func(dir Direction, t frame.Type, length int)

// goAwayFrame builds the GOAWAY reporting err. Errors that are not
// connection errors map to INTERNAL_ERROR.
func goAwayFrame(lastStream uint32, err error) *frame.GoAwayFrame {
	code := http2.ErrCodeInternal
	var ce *frame.ConnectionError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	return frame.NewGoAwayFrame(lastStream, code, []byte(err.Error()))
}
