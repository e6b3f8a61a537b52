package frame

import (
	"fmt"

	"golang.org/x/net/http2"
)

// DataFrame carries stream payload.
type DataFrame struct {
	frameHeader
	data   []byte
	padLen int
}

// NewDataFrame returns an empty DATA frame for stream.
func NewDataFrame(stream uint32, data []byte, endStream bool) *DataFrame {
	f := dataPool.get()
	f.SetStreamID(stream)
	f.data = data
	f.setFlag(FlagEndStream, endStream)
	return f
}

// Type implements Frame.
func (f *DataFrame) Type() Type { return FrameData }

// Data returns the payload without padding.
func (f *DataFrame) Data() []byte { return f.data }

// SetData replaces the payload.
func (f *DataFrame) SetData(b []byte) {
	f.data = b
	f.onPayloadUpdated()
}

// EndStream reports the END_STREAM flag.
func (f *DataFrame) EndStream() bool { return f.flags.Has(FlagEndStream) }

// SetEndStream sets the END_STREAM flag.
func (f *DataFrame) SetEndStream(v bool) { f.setFlag(FlagEndStream, v) }

// Padding returns the number of padding bytes.
func (f *DataFrame) Padding() int { return f.padLen }

// SetPadding pads the frame with n zero bytes and sets PADDED. n is
// clamped to the range a one-byte pad length field can carry.
func (f *DataFrame) SetPadding(n int) {
	f.padLen = clampPadding(n)
	f.setFlag(FlagPadded, true)
	f.onPayloadUpdated()
}

// Normalize implements Frame.
func (f *DataFrame) Normalize() {
	if !f.flags.Has(FlagPadded) {
		return
	}
	f.padLen = 0
	f.setFlag(FlagPadded, false)
	f.onPayloadUpdated()
}

// Length implements Frame.
func (f *DataFrame) Length() int {
	return f.cachedLength(func() int { return paddedLength(f.flags, len(f.data), f.padLen) })
}

// AppendTo implements Frame.
func (f *DataFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, f.Length(), FrameData, f.flags, f.streamID)
	if f.flags.Has(FlagPadded) {
		dst = append(dst, byte(f.padLen))
	}
	dst = append(dst, f.data...)
	return appendPadding(dst, f.padLen)
}

// Recycle implements Frame.
func (f *DataFrame) Recycle() {
	*f = DataFrame{}
	dataPool.put(f)
}

func (f *DataFrame) String() string {
	return formatFrame(f, fmt.Sprintf("data=%d", len(f.data)))
}

func paddedLength(flags Flags, n, padLen int) int {
	if flags.Has(FlagPadded) {
		return 1 + n + padLen
	}
	return n
}

// stripPadding splits a PADDED payload into content and pad length.
func stripPadding(t Type, payload []byte) ([]byte, int, error) {
	if len(payload) == 0 {
		return nil, 0, connError(http2.ErrCodeProtocol, "%v: PADDED frame without pad length", t)
	}
	pad := int(payload[0])
	if pad > len(payload)-1 {
		return nil, 0, connError(http2.ErrCodeProtocol, "%v: padding %d exceeds payload %d", t, pad, len(payload)-1)
	}
	return payload[1 : len(payload)-pad], pad, nil
}
