package frame

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/net/http2"
)

// PriorityFrame carries stream priority. It is deprecated by RFC 9113 but
// still has to be parsed.
type PriorityFrame struct {
	frameHeader
	priority http2.PriorityParam
}

// NewPriorityFrame returns a PRIORITY frame for stream.
func NewPriorityFrame(stream uint32, p http2.PriorityParam) *PriorityFrame {
	f := priorityPool.get()
	f.SetStreamID(stream)
	f.priority = p
	return f
}

// Type implements Frame.
func (f *PriorityFrame) Type() Type { return FramePriority }

// Priority returns the priority fields.
func (f *PriorityFrame) Priority() http2.PriorityParam { return f.priority }

// SetPriority sets the priority fields.
func (f *PriorityFrame) SetPriority(p http2.PriorityParam) { f.priority = p }

// Normalize implements Frame.
func (f *PriorityFrame) Normalize() {}

// Length implements Frame.
func (f *PriorityFrame) Length() int { return 5 }

// AppendTo implements Frame.
func (f *PriorityFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, 5, FramePriority, f.flags, f.streamID)
	return appendPriority(dst, f.priority)
}

// Recycle implements Frame.
func (f *PriorityFrame) Recycle() {
	*f = PriorityFrame{}
	priorityPool.put(f)
}

func (f *PriorityFrame) String() string {
	return formatFrame(f, fmt.Sprintf("dep=%d weight=%d exclusive=%v",
		f.priority.StreamDep, f.priority.Weight, f.priority.Exclusive))
}

// RSTStreamFrame terminates a stream.
type RSTStreamFrame struct {
	frameHeader
	code http2.ErrCode
}

// NewRSTStreamFrame returns a RST_STREAM frame.
func NewRSTStreamFrame(stream uint32, code http2.ErrCode) *RSTStreamFrame {
	f := rstStreamPool.get()
	f.SetStreamID(stream)
	f.code = code
	return f
}

// Type implements Frame.
func (f *RSTStreamFrame) Type() Type { return FrameRSTStream }

// ErrCode returns the error code.
func (f *RSTStreamFrame) ErrCode() http2.ErrCode { return f.code }

// SetErrCode sets the error code.
func (f *RSTStreamFrame) SetErrCode(c http2.ErrCode) { f.code = c }

// Normalize implements Frame.
func (f *RSTStreamFrame) Normalize() {}

// Length implements Frame.
func (f *RSTStreamFrame) Length() int { return 4 }

// AppendTo implements Frame.
func (f *RSTStreamFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, 4, FrameRSTStream, f.flags, f.streamID)
	return appendUint32(dst, uint32(f.code))
}

// Recycle implements Frame.
func (f *RSTStreamFrame) Recycle() {
	*f = RSTStreamFrame{}
	rstStreamPool.put(f)
}

func (f *RSTStreamFrame) String() string {
	return formatFrame(f, "code="+f.code.String())
}

// PingFrame measures round trips and checks liveness.
type PingFrame struct {
	frameHeader
	data [8]byte
}

// NewPingFrame returns a PING frame.
func NewPingFrame(data [8]byte, ack bool) *PingFrame {
	f := pingPool.get()
	f.data = data
	f.setFlag(FlagAck, ack)
	return f
}

// Type implements Frame.
func (f *PingFrame) Type() Type { return FramePing }

// Data returns the opaque payload.
func (f *PingFrame) Data() [8]byte { return f.data }

// IsAck reports the ACK flag.
func (f *PingFrame) IsAck() bool { return f.flags.Has(FlagAck) }

// SetAck sets the ACK flag.
func (f *PingFrame) SetAck(v bool) { f.setFlag(FlagAck, v) }

// Normalize implements Frame.
func (f *PingFrame) Normalize() {}

// Length implements Frame.
func (f *PingFrame) Length() int { return 8 }

// AppendTo implements Frame.
func (f *PingFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, 8, FramePing, f.flags, 0)
	return append(dst, f.data[:]...)
}

// Recycle implements Frame.
func (f *PingFrame) Recycle() {
	*f = PingFrame{}
	pingPool.put(f)
}

func (f *PingFrame) String() string {
	return formatFrame(f, "data="+hex.EncodeToString(f.data[:]))
}

// GoAwayFrame starts connection shutdown.
type GoAwayFrame struct {
	frameHeader
	lastStreamID uint32
	code         http2.ErrCode
	debug        []byte
}

// NewGoAwayFrame returns a GOAWAY frame.
func NewGoAwayFrame(lastStreamID uint32, code http2.ErrCode, debug []byte) *GoAwayFrame {
	f := goAwayPool.get()
	f.lastStreamID = lastStreamID & maxStreamID
	f.code = code
	f.debug = debug
	return f
}

// Type implements Frame.
func (f *GoAwayFrame) Type() Type { return FrameGoAway }

// LastStreamID returns the highest stream the sender may have processed.
func (f *GoAwayFrame) LastStreamID() uint32 { return f.lastStreamID }

// ErrCode returns the error code.
func (f *GoAwayFrame) ErrCode() http2.ErrCode { return f.code }

// DebugData returns the opaque debug payload.
func (f *GoAwayFrame) DebugData() []byte { return f.debug }

// SetDebugData replaces the debug payload.
func (f *GoAwayFrame) SetDebugData(b []byte) {
	f.debug = b
	f.onPayloadUpdated()
}

// Normalize implements Frame.
func (f *GoAwayFrame) Normalize() {}

// Length implements Frame.
func (f *GoAwayFrame) Length() int {
	return f.cachedLength(func() int { return 8 + len(f.debug) })
}

// AppendTo implements Frame.
func (f *GoAwayFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, f.Length(), FrameGoAway, f.flags, 0)
	dst = appendUint32(dst, f.lastStreamID)
	dst = appendUint32(dst, uint32(f.code))
	return append(dst, f.debug...)
}

// Recycle implements Frame.
func (f *GoAwayFrame) Recycle() {
	*f = GoAwayFrame{}
	goAwayPool.put(f)
}

func (f *GoAwayFrame) String() string {
	return formatFrame(f, fmt.Sprintf("last=%d code=%v debug=%q", f.lastStreamID, f.code, f.debug))
}

// WindowUpdateFrame grants flow control credit.
type WindowUpdateFrame struct {
	frameHeader
	increment uint32
}

// NewWindowUpdateFrame returns a WINDOW_UPDATE frame.
func NewWindowUpdateFrame(stream, increment uint32) *WindowUpdateFrame {
	f := windowUpdatePool.get()
	f.SetStreamID(stream)
	f.increment = increment & maxStreamID
	return f
}

// Type implements Frame.
func (f *WindowUpdateFrame) Type() Type { return FrameWindowUpdate }

// Increment returns the window size increment.
func (f *WindowUpdateFrame) Increment() uint32 { return f.increment }

// SetIncrement sets the window size increment.
func (f *WindowUpdateFrame) SetIncrement(v uint32) { f.increment = v & maxStreamID }

// Normalize implements Frame.
func (f *WindowUpdateFrame) Normalize() {}

// Length implements Frame.
func (f *WindowUpdateFrame) Length() int { return 4 }

// AppendTo implements Frame.
func (f *WindowUpdateFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, 4, FrameWindowUpdate, f.flags, f.streamID)
	return appendUint32(dst, f.increment)
}

// Recycle implements Frame.
func (f *WindowUpdateFrame) Recycle() {
	*f = WindowUpdateFrame{}
	windowUpdatePool.put(f)
}

func (f *WindowUpdateFrame) String() string {
	return formatFrame(f, fmt.Sprintf("increment=%d", f.increment))
}

// UnknownFrame is a frame of a type this package does not define.
// Receivers must ignore it.
type UnknownFrame struct {
	frameHeader
	typ     Type
	payload []byte
}

// Type implements Frame.
func (f *UnknownFrame) Type() Type { return f.typ }

// Payload returns the raw payload.
func (f *UnknownFrame) Payload() []byte { return f.payload }

// Normalize implements Frame.
func (f *UnknownFrame) Normalize() {}

// Length implements Frame.
func (f *UnknownFrame) Length() int { return len(f.payload) }

// AppendTo implements Frame.
func (f *UnknownFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, len(f.payload), f.typ, f.flags, f.streamID)
	return append(dst, f.payload...)
}

// Recycle implements Frame.
func (f *UnknownFrame) Recycle() {
	*f = UnknownFrame{}
	unknownPool.put(f)
}

func (f *UnknownFrame) String() string { return formatFrame(f, "") }
