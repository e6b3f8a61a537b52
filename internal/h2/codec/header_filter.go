package codec

import (
	"fmt"
	"log"
	"sync"

	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
	"golang.org/x/net/http2"
)

// DefaultHeaderTableSize is the HPACK dynamic table size both directions
// start with.
const DefaultHeaderTableSize = 4096

// DefaultMaxHeaderBlockSize bounds an assembled header block.
const DefaultMaxHeaderBlockSize = 1 << 20

// HeaderOption configures a HeaderBlockFilter.
type HeaderOption func(*HeaderBlockFilter)

// WithMaxHeaderBlockSize bounds assembled header blocks. Zero disables the
// bound.
func WithMaxHeaderBlockSize(n int) HeaderOption {
	return func(f *HeaderBlockFilter) { f.maxBlock = n }
}

// WithHeaderTableSize sets the inbound HPACK dynamic table size.
func WithHeaderTableSize(n uint32) HeaderOption {
	return func(f *HeaderBlockFilter) { f.tableSize = n }
}

// WithRequestValidation makes the filter check inbound header blocks as
// client requests: stream identifiers must be odd and increasing, request
// blocks need their pseudo-headers and trailers must not carry any.
// Invalid blocks are answered with RST_STREAM and dropped.
func WithRequestValidation() HeaderOption {
	return func(f *HeaderBlockFilter) { f.validate = true }
}

// WithHeaderLogger sets the logger.
func WithHeaderLogger(l *log.Logger) HeaderOption {
	return func(f *HeaderBlockFilter) { f.logger = l }
}

// HeaderBlockFilter sits above a FrameFilter. On read it joins HEADERS or
// PUSH_PROMISE frames with their CONTINUATION frames and delivers a
// decoded *frame.HeaderBlock; other frames pass through. On write it
// encodes *frame.HeaderBlock messages and splits them into frames no
// larger than the peer's SETTINGS_MAX_FRAME_SIZE.
type HeaderBlockFilter struct {
	filter.BaseFilter

	maxBlock  int
	tableSize uint32
	validate  bool
	logger    *log.Logger

	stateKey *filter.AttributeKey[*headerState]
}

type headerState struct {
	// read side, touched by one traversal at a time
	asm        frame.HeaderBlockAssembler
	dec        *frame.HeaderDecoder
	lastStream uint32

	// write side; HPACK state must change in wire order
	encMu    sync.Mutex
	enc      *frame.HeaderEncoder
	maxFrame int
}

// NewHeaderBlockFilter creates a HeaderBlockFilter.
func NewHeaderBlockFilter(opts ...HeaderOption) *HeaderBlockFilter {
	f := &HeaderBlockFilter{
		maxBlock:  DefaultMaxHeaderBlockSize,
		tableSize: DefaultHeaderTableSize,
		stateKey:  filter.NewAttributeKey[*headerState]("h2.headers"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = log.Default()
	}
	return f
}

func (f *HeaderBlockFilter) state(conn filter.Connection) *headerState {
	return f.stateKey.GetOrCreate(conn.Attributes(), func() *headerState {
		st := &headerState{
			dec:      frame.NewHeaderDecoder(f.tableSize),
			enc:      frame.NewHeaderEncoder(),
			maxFrame: frame.DefaultMaxFrameSize,
		}
		st.asm.MaxBlockSize = f.maxBlock
		return st
	})
}

// HandleRead implements filter.Filter.
func (f *HeaderBlockFilter) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	fr, ok := ctx.Message().(frame.Frame)
	if !ok {
		return filter.Invoke(), nil
	}
	st := f.state(ctx.Connection())

	switch fr.Type() {
	case frame.FrameHeaders, frame.FramePushPromise, frame.FrameContinuation:
	default:
		if st.asm.Active() {
			// Reported by the assembler.
			break
		}
		if s, ok := fr.(*frame.SettingsFrame); ok && !s.IsAck() {
			if err := f.applySettings(st, s); err != nil {
				return f.fail(ctx, st, err)
			}
		}
		return filter.Invoke(), nil
	}

	done, err := st.asm.Add(fr)
	fr.Recycle()
	if err != nil {
		return f.fail(ctx, st, err)
	}
	if !done {
		return filter.Stop(), nil
	}

	hb, raw := st.asm.Block()
	fields, err := st.dec.Decode(raw)
	if err != nil {
		return f.fail(ctx, st, &frame.ConnectionError{Code: http2.ErrCodeCompression, Reason: err.Error()})
	}
	hb.Fields = fields

	if f.validate {
		drop, err := f.check(ctx, st, &hb)
		if err != nil {
			return f.fail(ctx, st, err)
		}
		if drop {
			return filter.Stop(), nil
		}
	} else if hb.PromisedID == 0 && hb.StreamID > st.lastStream {
		st.lastStream = hb.StreamID
	}

	ctx.SetMessage(&hb)
	return filter.Invoke(), nil
}

// check validates hb as part of a client request. It returns drop when
// the stream was reset and the block must not travel further.
func (f *HeaderBlockFilter) check(ctx *filter.Context, st *headerState, hb *frame.HeaderBlock) (drop bool, err error) {
	if hb.PromisedID != 0 {
		return false, &frame.ConnectionError{Code: http2.ErrCodeProtocol, Reason: "client sent PUSH_PROMISE"}
	}
	var verr error
	if hb.StreamID <= st.lastStream && hb.StreamID%2 == 1 {
		verr = ValidateTrailers(hb.Fields)
		if verr == nil && !hb.EndStream {
			verr = fmt.Errorf("trailers without END_STREAM")
		}
	} else {
		if err := validateStreamID(hb.StreamID, st.lastStream); err != nil {
			return false, &frame.ConnectionError{Code: http2.ErrCodeProtocol, Reason: err.Error()}
		}
		st.lastStream = hb.StreamID
		verr = ValidateRequestHeaders(hb.Fields)
	}
	if verr == nil {
		return false, nil
	}
	f.logger.Printf("h2: resetting stream %d from %v: %v", hb.StreamID, ctx.Connection().RemoteAddr(), verr)
	_ = ctx.Write(frame.NewRSTStreamFrame(hb.StreamID, http2.ErrCodeProtocol), nil)
	return true, nil
}

func (f *HeaderBlockFilter) applySettings(st *headerState, s *frame.SettingsFrame) error {
	if s.NumberOfSettings() < 0 {
		return &frame.ConnectionError{Code: http2.ErrCodeFrameSize, Reason: frame.ErrMalformedSettings.Error()}
	}
	st.encMu.Lock()
	defer st.encMu.Unlock()
	return s.ForEach(func(v http2.Setting) error {
		switch v.ID {
		case http2.SettingMaxFrameSize:
			st.maxFrame = int(v.Val)
		case http2.SettingHeaderTableSize:
			st.enc.SetMaxDynamicTableSize(v.Val)
		}
		return nil
	})
}

func (f *HeaderBlockFilter) fail(ctx *filter.Context, st *headerState, err error) (filter.NextAction, error) {
	st.asm.Reset()
	_ = ctx.Write(goAwayFrame(st.lastStream, err), nil)
	return nil, err
}

// HandleWrite implements filter.Filter.
func (f *HeaderBlockFilter) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	hb, ok := ctx.Message().(*frame.HeaderBlock)
	if !ok {
		return filter.Invoke(), nil
	}
	st := f.state(ctx.Connection())

	st.encMu.Lock()
	defer st.encMu.Unlock()
	block, err := st.enc.EncodeBorrow(hb.Fields)
	if err != nil {
		return nil, fmt.Errorf("h2: encoding headers for stream %d: %w", hb.StreamID, err)
	}

	var first frame.HeaderBlockFrame
	if hb.PromisedID != 0 {
		first = frame.NewPushPromiseFrame(hb.StreamID, hb.PromisedID, nil, false)
	} else {
		h := frame.NewHeadersFrame(hb.StreamID, nil, hb.EndStream, false)
		if hb.HasPriority {
			h.SetPriority(hb.Priority)
		}
		first = h
	}
	frames := frame.SplitHeaderBlock(first, block, st.maxFrame)

	// The frames reference the encoder buffer, so they are serialized
	// before the lock is released.
	if err := ctx.Write(frames, ctx.TakeCompletion()); err != nil {
		return nil, err
	}
	return filter.Stop(), nil
}

// HandleClose implements filter.Filter.
func (f *HeaderBlockFilter) HandleClose(ctx *filter.Context) (filter.NextAction, error) {
	if st, ok := f.stateKey.Remove(ctx.Connection().Attributes()); ok {
		st.encMu.Lock()
		st.enc.Close()
		st.encMu.Unlock()
	}
	return filter.Invoke(), nil
}
