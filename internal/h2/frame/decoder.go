package frame

import (
	"encoding/binary"
	"errors"
	"log"

	"golang.org/x/net/http2"
)

// Decoder turns bytes into frames. The zero value accepts frames up to
// DefaultMaxFrameSize and logs to log.Default.
//
// Decoded frames alias the input: payload slices point into b, which must
// not be modified until the frame was recycled.
type Decoder struct {
	// Logger receives notes about recoverable oddities such as unknown
	// settings.
	Logger *log.Logger
	// MaxFrameSize is the largest payload accepted. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize int
}

func (d *Decoder) logf(format string, args ...any) {
	l := d.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

func (d *Decoder) maxFrameSize() int {
	if d.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return d.MaxFrameSize
}

// FrameLen returns the size of the frame at the start of b, header
// included, or -1 when b does not hold a whole header yet.
func FrameLen(b []byte) int {
	if len(b) < HeaderLen {
		return -1
	}
	return HeaderLen + (int(b[0])<<16 | int(b[1])<<8 | int(b[2]))
}

// Decode decodes the frame at the start of b and returns it with the
// number of bytes it occupied. ErrIncomplete means more input is needed;
// other errors are *ConnectionError values.
func (d *Decoder) Decode(b []byte) (Frame, int, error) {
	n := FrameLen(b)
	if n < 0 {
		return nil, 0, ErrIncomplete
	}
	length := n - HeaderLen
	if length > d.maxFrameSize() {
		return nil, 0, connError(http2.ErrCodeFrameSize, "frame of %d bytes exceeds limit %d", length, d.maxFrameSize())
	}
	if len(b) < n {
		return nil, 0, ErrIncomplete
	}
	t := Type(b[3])
	flags := Flags(b[4])
	stream := binary.BigEndian.Uint32(b[5:9]) & maxStreamID
	payload := b[HeaderLen:n:n]

	f, err := d.decode(t, flags, stream, payload)
	if err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (d *Decoder) decode(t Type, flags Flags, stream uint32, p []byte) (Frame, error) {
	switch t {
	case FrameData:
		return decodeData(flags, stream, p)
	case FrameHeaders:
		return decodeHeaders(flags, stream, p)
	case FramePriority:
		if stream == 0 {
			return nil, connError(http2.ErrCodeProtocol, "PRIORITY on stream 0")
		}
		if len(p) != 5 {
			return nil, connError(http2.ErrCodeFrameSize, "PRIORITY of %d bytes", len(p))
		}
		f := NewPriorityFrame(stream, parsePriority(p))
		f.flags = flags
		return f, nil
	case FrameRSTStream:
		if stream == 0 {
			return nil, connError(http2.ErrCodeProtocol, "RST_STREAM on stream 0")
		}
		if len(p) != 4 {
			return nil, connError(http2.ErrCodeFrameSize, "RST_STREAM of %d bytes", len(p))
		}
		f := NewRSTStreamFrame(stream, http2.ErrCode(binary.BigEndian.Uint32(p)))
		f.flags = flags
		return f, nil
	case FrameSettings:
		return d.decodeSettings(flags, stream, p)
	case FramePushPromise:
		return decodePushPromise(flags, stream, p)
	case FramePing:
		if stream != 0 {
			return nil, connError(http2.ErrCodeProtocol, "PING on stream %d", stream)
		}
		if len(p) != 8 {
			return nil, connError(http2.ErrCodeFrameSize, "PING of %d bytes", len(p))
		}
		f := NewPingFrame([8]byte(p), false)
		f.flags = flags
		return f, nil
	case FrameGoAway:
		if stream != 0 {
			return nil, connError(http2.ErrCodeProtocol, "GOAWAY on stream %d", stream)
		}
		if len(p) < 8 {
			return nil, connError(http2.ErrCodeFrameSize, "GOAWAY of %d bytes", len(p))
		}
		var debug []byte
		if len(p) > 8 {
			debug = p[8:]
		}
		f := NewGoAwayFrame(binary.BigEndian.Uint32(p), http2.ErrCode(binary.BigEndian.Uint32(p[4:])), debug)
		f.flags = flags
		return f, nil
	case FrameWindowUpdate:
		if len(p) != 4 {
			return nil, connError(http2.ErrCodeFrameSize, "WINDOW_UPDATE of %d bytes", len(p))
		}
		inc := binary.BigEndian.Uint32(p) & maxStreamID
		if inc == 0 {
			return nil, connError(http2.ErrCodeProtocol, "WINDOW_UPDATE with zero increment on stream %d", stream)
		}
		f := NewWindowUpdateFrame(stream, inc)
		f.flags = flags
		return f, nil
	case FrameContinuation:
		if stream == 0 {
			return nil, connError(http2.ErrCodeProtocol, "CONTINUATION on stream 0")
		}
		f := NewContinuationFrame(stream, p, false)
		f.flags = flags
		return f, nil
	default:
		f := unknownPool.get()
		f.typ = t
		f.flags = flags
		f.streamID = stream
		f.payload = p
		return f, nil
	}
}

func decodeData(flags Flags, stream uint32, p []byte) (Frame, error) {
	if stream == 0 {
		return nil, connError(http2.ErrCodeProtocol, "DATA on stream 0")
	}
	data, pad := p, 0
	if flags.Has(FlagPadded) {
		var err error
		if data, pad, err = stripPadding(FrameData, p); err != nil {
			return nil, err
		}
	}
	f := NewDataFrame(stream, data, false)
	f.flags = flags
	f.padLen = pad
	return f, nil
}

func decodeHeaders(flags Flags, stream uint32, p []byte) (Frame, error) {
	if stream == 0 {
		return nil, connError(http2.ErrCodeProtocol, "HEADERS on stream 0")
	}
	body, pad := p, 0
	if flags.Has(FlagPadded) {
		var err error
		if body, pad, err = stripPadding(FrameHeaders, p); err != nil {
			return nil, err
		}
	}
	f := NewHeadersFrame(stream, nil, false, false)
	if flags.Has(FlagPriority) {
		if len(body) < 5 {
			f.Recycle()
			return nil, connError(http2.ErrCodeFrameSize, "HEADERS priority fields truncated")
		}
		f.priority = parsePriority(body)
		body = body[5:]
	}
	f.flags = flags
	f.fragment = body
	f.padLen = pad
	return f, nil
}

func decodePushPromise(flags Flags, stream uint32, p []byte) (Frame, error) {
	if stream == 0 {
		return nil, connError(http2.ErrCodeProtocol, "PUSH_PROMISE on stream 0")
	}
	body, pad := p, 0
	if flags.Has(FlagPadded) {
		var err error
		if body, pad, err = stripPadding(FramePushPromise, p); err != nil {
			return nil, err
		}
	}
	if len(body) < 4 {
		return nil, connError(http2.ErrCodeFrameSize, "PUSH_PROMISE of %d bytes", len(p))
	}
	f := NewPushPromiseFrame(stream, binary.BigEndian.Uint32(body), body[4:], false)
	f.flags = flags
	f.padLen = pad
	return f, nil
}

func (d *Decoder) decodeSettings(flags Flags, stream uint32, p []byte) (Frame, error) {
	if stream != 0 {
		return nil, connError(http2.ErrCodeProtocol, "SETTINGS on stream %d", stream)
	}
	if flags.Has(FlagAck) && len(p) != 0 {
		return nil, connError(http2.ErrCodeFrameSize, "SETTINGS ack with %d bytes", len(p))
	}
	f := settingsPool.get()
	f.flags = flags
	if len(p)%settingEntryLen != 0 {
		f.malformed = true
		f.rawLen = len(p)
		return f, nil
	}
	for ; len(p) > 0; p = p[settingEntryLen:] {
		s := http2.Setting{
			ID:  http2.SettingID(binary.BigEndian.Uint16(p)),
			Val: binary.BigEndian.Uint32(p[2:]),
		}
		if s.ID < http2.SettingHeaderTableSize || s.ID > http2.SettingMaxHeaderListSize {
			d.logf("frame: dropping unknown setting %v=%d", s.ID, s.Val)
			continue
		}
		if err := s.Valid(); err != nil {
			f.Recycle()
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				return nil, connError(http2.ErrCode(ce), "%v", err)
			}
			return nil, connError(http2.ErrCodeProtocol, "%v", err)
		}
		f.Add(s.ID, s.Val)
	}
	return f, nil
}
