package frame

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// HeaderBlock is an assembled, decoded header block.
type HeaderBlock struct {
	StreamID uint32
	// PromisedID is set for blocks that arrived in a PUSH_PROMISE.
	PromisedID  uint32
	EndStream   bool
	Priority    http2.PriorityParam
	HasPriority bool
	Fields      []hpack.HeaderField
}

// Get returns the value of the first field named name.
func (b *HeaderBlock) Get(name string) (string, bool) {
	for _, f := range b.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// HeaderEncoder encodes HTTP headers using HPACK. It keeps the dynamic
// table of one connection direction and is not safe for concurrent use.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     *bytes.Buffer
}

// headerBufPool reuses temporary buffers used during HPACK encoding to reduce allocations.
var headerBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// NewHeaderEncoder creates a new header encoder
func NewHeaderEncoder() *HeaderEncoder {
	buf := headerBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return &HeaderEncoder{
		encoder: hpack.NewEncoder(buf),
		buf:     buf,
	}
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (e *HeaderEncoder) SetMaxDynamicTableSize(n uint32) {
	e.encoder.SetMaxDynamicTableSize(n)
}

// Encode encodes fields to HPACK format. The result is a copy.
func (e *HeaderEncoder) Encode(fields []hpack.HeaderField) ([]byte, error) {
	b, err := e.EncodeBorrow(fields)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

// EncodeBorrow encodes fields and returns a byte slice backed by the encoder's
// internal buffer. The returned slice is only valid until the next call to
// Encode/EncodeBorrow or Close.
func (e *HeaderEncoder) EncodeBorrow(fields []hpack.HeaderField) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if err := e.encoder.WriteField(f); err != nil {
			return nil, err
		}
	}
	return e.buf.Bytes(), nil
}

// Close releases internal resources back to the pool. The encoder instance should
// not be used after Close.
func (e *HeaderEncoder) Close() {
	if e.buf != nil {
		e.buf.Reset()
		headerBufPool.Put(e.buf)
		e.buf = nil
		e.encoder = hpack.NewEncoder(new(bytes.Buffer))
	}
}

// HeaderDecoder decodes HTTP headers using HPACK
type HeaderDecoder struct {
	decoder *hpack.Decoder
}

// NewHeaderDecoder creates a decoder with a dynamic table of maxSize bytes.
func NewHeaderDecoder(maxSize uint32) *HeaderDecoder {
	return &HeaderDecoder{
		decoder: hpack.NewDecoder(maxSize, nil),
	}
}

// SetMaxStringLength bounds individual header strings. Zero means unlimited.
func (d *HeaderDecoder) SetMaxStringLength(n int) { d.decoder.SetMaxStringLength(n) }

// Decode decodes a complete HPACK header block.
func (d *HeaderDecoder) Decode(block []byte) ([]hpack.HeaderField, error) {
	fields, err := d.decoder.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("hpack decode error: %w", err)
	}
	return fields, nil
}

// SplitHeaderBlock cuts block into first followed by as many CONTINUATION
// frames as needed so that no payload exceeds maxFrameSize. first must be
// a HEADERS or PUSH_PROMISE frame with everything but the fragment set;
// END_HEADERS is set on the last frame.
func SplitHeaderBlock(first HeaderBlockFrame, block []byte, maxFrameSize int) []Frame {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	room := maxFrameSize - (first.Length() - len(first.HeaderBlockFragment()))
	if room < 1 {
		room = 1
	}
	n := min(room, len(block))
	first.SetHeaderBlockFragment(block[:n])
	block = block[n:]
	first.SetEndHeaders(len(block) == 0)

	frames := []Frame{first}
	for len(block) > 0 {
		n := min(maxFrameSize, len(block))
		frames = append(frames, NewContinuationFrame(first.StreamID(), block[:n], n == len(block)))
		block = block[n:]
	}
	return frames
}

// HeaderBlockAssembler joins a HEADERS or PUSH_PROMISE frame and its
// CONTINUATION frames into one header block. Fragments are copied, so the
// frames may be recycled after Add.
type HeaderBlockAssembler struct {
	// MaxBlockSize bounds the assembled block. Zero means unlimited.
	MaxBlockSize int

	active   bool
	block    HeaderBlock
	fragment []byte
}

// Active reports whether a block is being assembled, in which case the
// next frame must be a CONTINUATION for the same stream.
func (a *HeaderBlockAssembler) Active() bool { return a.active }

// StreamID returns the stream of the block being assembled.
func (a *HeaderBlockAssembler) StreamID() uint32 { return a.block.StreamID }

// Add feeds a frame. It returns true once END_HEADERS was seen.
func (a *HeaderBlockAssembler) Add(f Frame) (bool, error) {
	if a.active {
		c, ok := f.(*ContinuationFrame)
		if !ok {
			return false, connError(http2.ErrCodeProtocol, "%v while expecting CONTINUATION for stream %d", f.Type(), a.block.StreamID)
		}
		if c.StreamID() != a.block.StreamID {
			return false, connError(http2.ErrCodeProtocol, "CONTINUATION for stream %d while assembling stream %d", c.StreamID(), a.block.StreamID)
		}
		if err := a.append(c.HeaderBlockFragment()); err != nil {
			return false, err
		}
		a.active = !c.EndHeaders()
		return !a.active, nil
	}

	var hf HeaderBlockFrame
	a.block = HeaderBlock{StreamID: f.StreamID()}
	a.fragment = a.fragment[:0]
	switch t := f.(type) {
	case *HeadersFrame:
		a.block.EndStream = t.EndStream()
		a.block.Priority, a.block.HasPriority = t.Priority()
		hf = t
	case *PushPromiseFrame:
		a.block.PromisedID = t.PromisedStreamID()
		hf = t
	case *ContinuationFrame:
		return false, connError(http2.ErrCodeProtocol, "unexpected CONTINUATION on stream %d", t.StreamID())
	default:
		return false, fmt.Errorf("frame: %v does not start a header block", f.Type())
	}
	if err := a.append(hf.HeaderBlockFragment()); err != nil {
		return false, err
	}
	a.active = !hf.EndHeaders()
	return !a.active, nil
}

func (a *HeaderBlockAssembler) append(b []byte) error {
	if a.MaxBlockSize > 0 && len(a.fragment)+len(b) > a.MaxBlockSize {
		a.active = false
		return connError(http2.ErrCodeEnhanceYourCalm, "header block exceeds %d bytes", a.MaxBlockSize)
	}
	a.fragment = append(a.fragment, b...)
	return nil
}

// Block returns the assembled block without fields and the compressed
// bytes. Both are valid until the next Add.
func (a *HeaderBlockAssembler) Block() (HeaderBlock, []byte) { return a.block, a.fragment }

// Reset drops any partial block.
func (a *HeaderBlockAssembler) Reset() {
	a.active = false
	a.block = HeaderBlock{}
	a.fragment = a.fragment[:0]
}
