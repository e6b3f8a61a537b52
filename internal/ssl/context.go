package ssl

import (
	"errors"
	"slices"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
)

// DefaultBufferCoefficient scales buffer size hints when a buffer grows.
const DefaultBufferCoefficient = 1.5

var errNoProgress = errors.New("engine made no progress")

// ConnectionContext is the per-connection SSL state kept in the
// connection's attributes. It is guarded by the connection lock.
type ConnectionContext struct {
	conn        filter.Connection
	engine      Engine
	client      bool
	appBufSize  int
	netBufSize  int
	coefficient float64
	override    *filter.Chain
	hs          *HandshakeContext
	listening   bool
	released    bool
}

// NewConnectionContext returns a context without an engine.
func NewConnectionContext(conn filter.Connection, coefficient float64) *ConnectionContext {
	if coefficient < 1 {
		coefficient = DefaultBufferCoefficient
	}
	return &ConnectionContext{conn: conn, coefficient: coefficient}
}

// Engine returns the engine, or nil before the first handshake.
func (cc *ConnectionContext) Engine() Engine { return cc.engine }

// IsClient reports whether the engine runs in client mode.
func (cc *ConnectionContext) IsClient() bool { return cc.client }

// Handshake returns the current or last handshake.
func (cc *ConnectionContext) Handshake() *HandshakeContext { return cc.hs }

// Handshaking reports whether writes must be parked.
func (cc *ConnectionContext) Handshaking() bool {
	return cc.engine == nil || (cc.hs != nil && !cc.hs.Done())
}

// SetEngine installs e and caches its buffer sizes.
func (cc *ConnectionContext) SetEngine(e Engine) {
	cc.engine = e
	cc.client = e.ClientMode()
	cc.refreshBufferSizes()
}

// BufferSizes returns the cached application and packet buffer sizes.
func (cc *ConnectionContext) BufferSizes() (app, net int) { return cc.appBufSize, cc.netBufSize }

func (cc *ConnectionContext) refreshBufferSizes() {
	s := cc.engine.Session()
	cc.appBufSize = s.ApplicationBufferSize()
	cc.netBufSize = s.PacketBufferSize()
}

func (cc *ConnectionContext) grown(hint int) int {
	return int(cc.coefficient * float64(hint))
}

// Unwrap decrypts at most one record from in, appending plaintext to out.
// When the engine reports overflow the hints are refreshed, out grows by
// coefficient times the application buffer size and the call is retried
// once with a nil allocator, so a second overflow is an error.
func (cc *ConnectionContext) Unwrap(in, out []byte, alloc buffer.Allocator) (EngineResult, []byte, error) {
	res, err := cc.engine.Unwrap(in, out[len(out):cap(out)])
	if err != nil {
		return res, out, &Error{Op: "unwrap", Status: res.Status, Err: err}
	}
	switch res.Status {
	case StatusOK:
		return res, out[:len(out)+res.Produced], nil
	case StatusBufferOverflow:
		if alloc == nil {
			return res, out, &Error{Op: "unwrap", Status: res.Status}
		}
		cc.refreshBufferSizes()
		out = alloc.Grow(out, len(out)+cc.grown(cc.appBufSize))
		return cc.Unwrap(in, out, nil)
	default:
		return res, out, &Error{Op: "unwrap", Status: res.Status}
	}
}

// Wrap encrypts from in, appending records to out. Overflow is handled
// like in Unwrap using the packet buffer size.
func (cc *ConnectionContext) Wrap(in [][]byte, out []byte, alloc buffer.Allocator) (EngineResult, []byte, error) {
	res, err := cc.engine.Wrap(in, out[len(out):cap(out)])
	if err != nil {
		return res, out, &Error{Op: "wrap", Status: res.Status, Err: err}
	}
	switch res.Status {
	case StatusOK:
		return res, out[:len(out)+res.Produced], nil
	case StatusBufferOverflow:
		if alloc == nil {
			return res, out, &Error{Op: "wrap", Status: res.Status}
		}
		cc.refreshBufferSizes()
		out = alloc.Grow(out, len(out)+cc.grown(cc.netBufSize))
		return cc.Wrap(in, out, nil)
	default:
		return res, out, &Error{Op: "wrap", Status: res.Status}
	}
}

// UnwrapAll decrypts every complete record in in. rest holds a trailing
// partial record. closed is set when the peer sent close_notify.
func (cc *ConnectionContext) UnwrapAll(in []byte, alloc buffer.Allocator) (plain, rest []byte, closed bool, err error) {
	for len(in) > 0 {
		n := PacketSize(in)
		if n < 0 || n > len(in) {
			break
		}
		if plain == nil {
			plain = alloc.Allocate(cc.appBufSize)
		}
		var res EngineResult
		res, plain, err = cc.Unwrap(in, plain, alloc)
		if err != nil {
			var se *Error
			if errors.As(err, &se) && se.Status == StatusClosed && cc.engine.IsInboundDone() {
				return plain, nil, true, nil
			}
			return plain, nil, false, err
		}
		if res.Consumed == 0 {
			return plain, nil, false, &Error{Op: "unwrap", Status: res.Status, Err: errNoProgress}
		}
		in = in[res.Consumed:]
	}
	return plain, in, false, nil
}

// WrapAll encrypts every byte of in into one or more record buffers.
func (cc *ConnectionContext) WrapAll(in [][]byte, alloc buffer.Allocator) ([][]byte, error) {
	var out [][]byte
	in = slices.Clone(in)
	for buffer.Size(in) > 0 {
		buf := alloc.Allocate(cc.netBufSize)
		res, buf, err := cc.Wrap(in, buf, alloc)
		if err != nil {
			alloc.Release(buf)
			return out, err
		}
		if res.Consumed == 0 && res.Produced == 0 {
			alloc.Release(buf)
			return out, &Error{Op: "wrap", Status: res.Status, Err: errNoProgress}
		}
		out = append(out, buf)
		in = advance(in, res.Consumed)
	}
	return out, nil
}

// wrapHandshake drains the handshake records the engine wants to send.
func (cc *ConnectionContext) wrapHandshake(alloc buffer.Allocator) ([][]byte, HandshakeStatus, error) {
	var out [][]byte
	for {
		hs := cc.engine.HandshakeStatus()
		if hs != NeedWrap {
			return out, hs, nil
		}
		buf := alloc.Allocate(cc.netBufSize)
		res, buf, err := cc.Wrap(nil, buf, alloc)
		if err != nil {
			alloc.Release(buf)
			return out, hs, err
		}
		if len(buf) > 0 {
			out = append(out, buf)
		} else {
			alloc.Release(buf)
		}
		if res.HandshakeStatus == Finished {
			return out, Finished, nil
		}
		if res.Produced == 0 {
			return out, res.HandshakeStatus, &Error{Op: "wrap", Status: res.Status, Err: errNoProgress}
		}
	}
}

// advance drops the first n bytes of bufs.
func advance(bufs [][]byte, n int) [][]byte {
	for n > 0 && len(bufs) > 0 {
		if n < len(bufs[0]) {
			bufs[0] = bufs[0][n:]
			return bufs
		}
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	for len(bufs) > 0 && len(bufs[0]) == 0 {
		bufs = bufs[1:]
	}
	return bufs
}
