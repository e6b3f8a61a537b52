package frame

import (
	"fmt"

	"golang.org/x/net/http2"
)

// HeaderBlockFrame is a frame carrying a fragment of an HPACK header
// block: HEADERS, PUSH_PROMISE or CONTINUATION. Fragments are only
// meaningful once the whole block was assembled.
type HeaderBlockFrame interface {
	Frame
	HeaderBlockFragment() []byte
	SetHeaderBlockFragment(b []byte)
	EndHeaders() bool
	SetEndHeaders(v bool)
}

// headerBlock is the fragment shared by header block frames.
type headerBlock struct {
	frameHeader
	fragment []byte
}

// HeaderBlockFragment returns the compressed header bytes, without padding.
func (h *headerBlock) HeaderBlockFragment() []byte { return h.fragment }

// SetHeaderBlockFragment replaces the compressed header bytes.
func (h *headerBlock) SetHeaderBlockFragment(b []byte) {
	h.fragment = b
	h.onPayloadUpdated()
}

// EndHeaders reports the END_HEADERS flag.
func (h *headerBlock) EndHeaders() bool { return h.flags.Has(FlagEndHeaders) }

// SetEndHeaders sets the END_HEADERS flag.
func (h *headerBlock) SetEndHeaders(v bool) { h.setFlag(FlagEndHeaders, v) }

// HeadersFrame opens a stream or carries trailers.
type HeadersFrame struct {
	headerBlock
	priority http2.PriorityParam
	padLen   int
}

// NewHeadersFrame returns a HEADERS frame for stream.
func NewHeadersFrame(stream uint32, fragment []byte, endStream, endHeaders bool) *HeadersFrame {
	f := headersPool.get()
	f.SetStreamID(stream)
	f.fragment = fragment
	f.setFlag(FlagEndStream, endStream)
	f.setFlag(FlagEndHeaders, endHeaders)
	return f
}

// Type implements Frame.
func (f *HeadersFrame) Type() Type { return FrameHeaders }

// EndStream reports the END_STREAM flag.
func (f *HeadersFrame) EndStream() bool { return f.flags.Has(FlagEndStream) }

// SetEndStream sets the END_STREAM flag.
func (f *HeadersFrame) SetEndStream(v bool) { f.setFlag(FlagEndStream, v) }

// Priority returns the priority fields and whether PRIORITY is set.
func (f *HeadersFrame) Priority() (http2.PriorityParam, bool) {
	return f.priority, f.flags.Has(FlagPriority)
}

// SetPriority sets the priority fields and the PRIORITY flag.
func (f *HeadersFrame) SetPriority(p http2.PriorityParam) {
	f.priority = p
	f.setFlag(FlagPriority, true)
	f.onPayloadUpdated()
}

// ClearPriority drops the priority fields.
func (f *HeadersFrame) ClearPriority() {
	f.priority = http2.PriorityParam{}
	f.setFlag(FlagPriority, false)
	f.onPayloadUpdated()
}

// Padding returns the number of padding bytes.
func (f *HeadersFrame) Padding() int { return f.padLen }

// SetPadding pads the frame with n zero bytes and sets PADDED. n is
// clamped to the range a one-byte pad length field can carry.
func (f *HeadersFrame) SetPadding(n int) {
	f.padLen = clampPadding(n)
	f.setFlag(FlagPadded, true)
	f.onPayloadUpdated()
}

// Normalize implements Frame.
func (f *HeadersFrame) Normalize() {
	if !f.flags.Has(FlagPadded) {
		return
	}
	f.padLen = 0
	f.setFlag(FlagPadded, false)
	f.onPayloadUpdated()
}

// Length implements Frame.
func (f *HeadersFrame) Length() int {
	return f.cachedLength(func() int {
		n := len(f.fragment)
		if f.flags.Has(FlagPriority) {
			n += 5
		}
		return paddedLength(f.flags, n, f.padLen)
	})
}

// AppendTo implements Frame.
func (f *HeadersFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, f.Length(), FrameHeaders, f.flags, f.streamID)
	if f.flags.Has(FlagPadded) {
		dst = append(dst, byte(f.padLen))
	}
	if f.flags.Has(FlagPriority) {
		dst = appendPriority(dst, f.priority)
	}
	dst = append(dst, f.fragment...)
	return appendPadding(dst, f.padLen)
}

// Recycle implements Frame.
func (f *HeadersFrame) Recycle() {
	*f = HeadersFrame{}
	headersPool.put(f)
}

func (f *HeadersFrame) String() string {
	return formatFrame(f, fmt.Sprintf("fragment=%d", len(f.fragment)))
}

// PushPromiseFrame reserves a stream for a server push.
type PushPromiseFrame struct {
	headerBlock
	promisedID uint32
	padLen     int
}

// NewPushPromiseFrame returns a PUSH_PROMISE frame on stream promising
// promised.
func NewPushPromiseFrame(stream, promised uint32, fragment []byte, endHeaders bool) *PushPromiseFrame {
	f := pushPromisePool.get()
	f.SetStreamID(stream)
	f.promisedID = promised & maxStreamID
	f.fragment = fragment
	f.setFlag(FlagEndHeaders, endHeaders)
	return f
}

// Type implements Frame.
func (f *PushPromiseFrame) Type() Type { return FramePushPromise }

// PromisedStreamID returns the reserved stream.
func (f *PushPromiseFrame) PromisedStreamID() uint32 { return f.promisedID }

// SetPromisedStreamID sets the reserved stream.
func (f *PushPromiseFrame) SetPromisedStreamID(id uint32) { f.promisedID = id & maxStreamID }

// Padding returns the number of padding bytes.
func (f *PushPromiseFrame) Padding() int { return f.padLen }

// SetPadding pads the frame with n zero bytes and sets PADDED. n is
// clamped to the range a one-byte pad length field can carry.
func (f *PushPromiseFrame) SetPadding(n int) {
	f.padLen = clampPadding(n)
	f.setFlag(FlagPadded, true)
	f.onPayloadUpdated()
}

// Normalize implements Frame.
func (f *PushPromiseFrame) Normalize() {
	if !f.flags.Has(FlagPadded) {
		return
	}
	f.padLen = 0
	f.setFlag(FlagPadded, false)
	f.onPayloadUpdated()
}

// Length implements Frame.
func (f *PushPromiseFrame) Length() int {
	return f.cachedLength(func() int { return paddedLength(f.flags, 4+len(f.fragment), f.padLen) })
}

// AppendTo implements Frame.
func (f *PushPromiseFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, f.Length(), FramePushPromise, f.flags, f.streamID)
	if f.flags.Has(FlagPadded) {
		dst = append(dst, byte(f.padLen))
	}
	dst = appendUint32(dst, f.promisedID)
	dst = append(dst, f.fragment...)
	return appendPadding(dst, f.padLen)
}

// Recycle implements Frame.
func (f *PushPromiseFrame) Recycle() {
	*f = PushPromiseFrame{}
	pushPromisePool.put(f)
}

func (f *PushPromiseFrame) String() string {
	return formatFrame(f, fmt.Sprintf("promised=%d fragment=%d", f.promisedID, len(f.fragment)))
}

// ContinuationFrame continues a header block.
type ContinuationFrame struct {
	headerBlock
}

// NewContinuationFrame returns a CONTINUATION frame for stream.
func NewContinuationFrame(stream uint32, fragment []byte, endHeaders bool) *ContinuationFrame {
	f := continuationPool.get()
	f.SetStreamID(stream)
	f.fragment = fragment
	f.setFlag(FlagEndHeaders, endHeaders)
	return f
}

// Type implements Frame.
func (f *ContinuationFrame) Type() Type { return FrameContinuation }

// Normalize implements Frame. CONTINUATION frames carry no padding.
func (f *ContinuationFrame) Normalize() {}

// Length implements Frame.
func (f *ContinuationFrame) Length() int {
	return f.cachedLength(func() int { return len(f.fragment) })
}

// AppendTo implements Frame.
func (f *ContinuationFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, f.Length(), FrameContinuation, f.flags, f.streamID)
	return append(dst, f.fragment...)
}

// Recycle implements Frame.
func (f *ContinuationFrame) Recycle() {
	*f = ContinuationFrame{}
	continuationPool.put(f)
}

func (f *ContinuationFrame) String() string {
	return formatFrame(f, fmt.Sprintf("fragment=%d", len(f.fragment)))
}

func appendPriority(dst []byte, p http2.PriorityParam) []byte {
	dep := p.StreamDep & maxStreamID
	if p.Exclusive {
		dep |= 1 << 31
	}
	dst = appendUint32(dst, dep)
	return append(dst, p.Weight)
}

func parsePriority(b []byte) http2.PriorityParam {
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return http2.PriorityParam{
		StreamDep: v & maxStreamID,
		Exclusive: v&(1<<31) != 0,
		Weight:    b[4],
	}
}
