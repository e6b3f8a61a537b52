package codec

import (
	"bytes"
	"errors"
	"fmt"
	"log"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
	"golang.org/x/net/http2"
)

var clientPreface = []byte(http2.ClientPreface)

// FrameOption configures a FrameFilter.
type FrameOption func(*FrameFilter)

// WithServerPreface makes the filter require the client connection
// preface before the first frame of an accepted connection.
func WithServerPreface() FrameOption {
	return func(f *FrameFilter) { f.expectPreface = true }
}

// WithClientPreface makes the filter send the client connection preface
// when a connection connects out.
func WithClientPreface() FrameOption {
	return func(f *FrameFilter) { f.sendPreface = true }
}

// WithMaxFrameSize bounds the payload of decoded frames.
func WithMaxFrameSize(n int) FrameOption {
	return func(f *FrameFilter) { f.decoder.MaxFrameSize = n }
}

// WithFrameLogger sets the logger.
func WithFrameLogger(l *log.Logger) FrameOption {
	return func(f *FrameFilter) { f.logger = l }
}

// WithFrameObserver registers an observer for decoded and encoded frames.
func WithFrameObserver(o FrameObserver) FrameOption {
	return func(f *FrameFilter) { f.observers = append(f.observers, o) }
}

// FrameFilter decodes bytes into frame.Frame messages on read and encodes
// frame.Frame or []frame.Frame messages into bytes on write. Frames written
// through it are recycled once serialized. Decoded frames alias the read
// buffer.
type FrameFilter struct {
	filter.BaseFilter

	decoder       frame.Decoder
	expectPreface bool
	sendPreface   bool
	logger        *log.Logger
	observers     []FrameObserver

	prefaceKey *filter.AttributeKey[bool]
}

// NewFrameFilter creates a FrameFilter.
func NewFrameFilter(opts ...FrameOption) *FrameFilter {
	f := &FrameFilter{prefaceKey: filter.NewAttributeKey[bool]("h2.preface")}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = log.Default()
	}
	f.decoder.Logger = f.logger
	return f
}

func (f *FrameFilter) observe(dir Direction, fr frame.Frame) {
	for _, o := range f.observers {
		o(dir, fr.Type(), fr.Length())
	}
}

// HandleConnect implements filter.Filter.
func (f *FrameFilter) HandleConnect(ctx *filter.Context) (filter.NextAction, error) {
	if f.sendPreface {
		if err := ctx.Write(bytes.Clone(clientPreface), nil); err != nil {
			return nil, fmt.Errorf("h2: sending preface: %w", err)
		}
	}
	return filter.Invoke(), nil
}

// HandleRead implements filter.Filter.
func (f *FrameFilter) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	conn := ctx.Connection()
	buf := buffer.Flatten(ctx.Message())

	if f.expectPreface {
		seen, _ := f.prefaceKey.Get(conn.Attributes())
		if !seen {
			n := min(len(buf), len(clientPreface))
			if !bytes.Equal(buf[:n], clientPreface[:n]) {
				return nil, ErrBadPreface
			}
			if n < len(clientPreface) {
				return filter.StopIncomplete(buf, nil), nil
			}
			f.prefaceKey.Set(conn.Attributes(), true)
			buf = buf[n:]
			if len(buf) == 0 {
				return filter.Stop(), nil
			}
		}
	}

	fr, n, err := f.decoder.Decode(buf)
	if errors.Is(err, frame.ErrIncomplete) {
		return filter.StopIncomplete(buf, nil), nil
	}
	if err != nil {
		_ = ctx.Write(f.encode(nil, goAwayFrame(0, err)), nil)
		return nil, err
	}
	if verboseLogging {
		f.logger.Printf("h2: conn %d read %v", conn.ID(), fr)
	}
	f.observe(Inbound, fr)

	ctx.SetMessage(fr)
	if n < len(buf) {
		return filter.InvokeRemainder(buf[n:]), nil
	}
	return filter.Invoke(), nil
}

// HandleWrite implements filter.Filter.
func (f *FrameFilter) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	alloc := ctx.Connection().Allocator()
	switch m := ctx.Message().(type) {
	case frame.Frame:
		out := alloc.Allocate(frame.HeaderLen + m.Length())
		ctx.SetMessage(f.encode(out, m))
	case []frame.Frame:
		size := 0
		for _, fr := range m {
			size += frame.HeaderLen + fr.Length()
		}
		out := alloc.Allocate(size)
		for _, fr := range m {
			out = f.encode(out, fr)
		}
		ctx.SetMessage(out)
	}
	return filter.Invoke(), nil
}

func (f *FrameFilter) encode(dst []byte, fr frame.Frame) []byte {
	if verboseLogging {
		f.logger.Printf("h2: write %v", fr)
	}
	f.observe(Outbound, fr)
	dst = fr.AppendTo(dst)
	fr.Recycle()
	return dst
}

// HandleClose implements filter.Filter.
func (f *FrameFilter) HandleClose(ctx *filter.Context) (filter.NextAction, error) {
	f.prefaceKey.Remove(ctx.Connection().Attributes())
	return filter.Invoke(), nil
}
