package ssl

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"

	"github.com/FumingPower3925/tessera/internal/buffer"
)

const (
	recHandshake   = 22
	recApplication = 23
)

// record frames payload as a TLS record of type typ.
func record(typ byte, payload string) []byte {
	b := []byte{typ, 3, 3, byte(len(payload) >> 8), byte(len(payload))}
	return append(b, payload...)
}

// fakeEngine is a null cipher: records carry plaintext. A server handshake
// is one inbound handshake record followed by one outbound one.
type fakeEngine struct {
	client     bool
	need, want bool

	appSize      int
	netSize      int
	appSizeCalls int
	unwrapNeed   int

	begun       int
	handshaking bool
	needWrap    bool
	valid       bool
	failBegin   error
	peerCerts   []*x509.Certificate
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{appSize: 64, netSize: 128}
}

func (e *fakeEngine) ClientMode() bool         { return e.client }
func (e *fakeEngine) SetClientMode(c bool)     { e.client = c }
func (e *fakeEngine) NeedClientAuth() bool     { return e.need }
func (e *fakeEngine) SetNeedClientAuth(n bool) { e.need = n }
func (e *fakeEngine) WantClientAuth() bool     { return e.want }
func (e *fakeEngine) SetWantClientAuth(w bool) { e.want = w }
func (e *fakeEngine) Session() Session         { return fakeSession{e} }
func (e *fakeEngine) CloseOutbound()           {}
func (e *fakeEngine) IsOutboundDone() bool     { return true }
func (e *fakeEngine) IsInboundDone() bool      { return false }

func (e *fakeEngine) BeginHandshake() error {
	if e.failBegin != nil {
		return e.failBegin
	}
	e.begun++
	e.handshaking = true
	e.needWrap = e.client
	return nil
}

func (e *fakeEngine) HandshakeStatus() HandshakeStatus {
	switch {
	case !e.handshaking:
		return NotHandshaking
	case e.needWrap:
		return NeedWrap
	default:
		return NeedUnwrap
	}
}

func (e *fakeEngine) Wrap(src [][]byte, dst []byte) (EngineResult, error) {
	if e.handshaking {
		if !e.needWrap {
			return EngineResult{HandshakeStatus: NeedUnwrap}, nil
		}
		rec := record(recHandshake, "done")
		if len(dst) < len(rec) {
			return EngineResult{Status: StatusBufferOverflow, HandshakeStatus: NeedWrap}, nil
		}
		n := copy(dst, rec)
		e.needWrap = false
		hs := NeedUnwrap
		if !e.client {
			e.handshaking = false
			e.valid = true
			hs = Finished
		}
		return EngineResult{Produced: n, HandshakeStatus: hs}, nil
	}
	plain := buffer.Flatten(src)
	if len(plain) > e.appSize {
		plain = plain[:e.appSize]
	}
	rec := record(recApplication, string(plain))
	if len(dst) < len(rec) {
		return EngineResult{Status: StatusBufferOverflow}, nil
	}
	return EngineResult{Consumed: len(plain), Produced: copy(dst, rec)}, nil
}

func (e *fakeEngine) Unwrap(src, dst []byte) (EngineResult, error) {
	n := PacketSize(src)
	if n < 0 || n > len(src) {
		return EngineResult{Status: StatusBufferUnderflow}, nil
	}
	if e.handshaking {
		if src[0] != recHandshake {
			return EngineResult{Status: StatusClosed}, errors.New("unexpected record")
		}
		if e.client {
			e.handshaking = false
			e.valid = true
			return EngineResult{Consumed: n, HandshakeStatus: Finished}, nil
		}
		e.needWrap = true
		return EngineResult{Consumed: n, HandshakeStatus: NeedWrap}, nil
	}
	if len(dst) < max(e.unwrapNeed, n-recordHeaderLen) {
		return EngineResult{Status: StatusBufferOverflow}, nil
	}
	return EngineResult{Consumed: n, Produced: copy(dst, src[recordHeaderLen:n])}, nil
}

type fakeSession struct{ e *fakeEngine }

func (s fakeSession) ApplicationBufferSize() int {
	s.e.appSizeCalls++
	return s.e.appSize
}
func (s fakeSession) PacketBufferSize() int                 { return s.e.netSize }
func (s fakeSession) IsValid() bool                         { return s.e.valid }
func (s fakeSession) PeerCertificates() []*x509.Certificate { return s.e.peerCerts }
func (s fakeSession) Protocol() string                      { return "" }
func (s fakeSession) Invalidate()                           { s.e.valid = false }

// fakeConfigurator hands out the given engines in order.
func fakeConfigurator(client bool, engines ...*fakeEngine) *EngineConfigurator {
	var mu sync.Mutex
	return &EngineConfigurator{
		Client: client,
		Factory: func(*tls.Config, string, int, bool) Engine {
			mu.Lock()
			defer mu.Unlock()
			e := engines[0]
			engines = engines[1:]
			return e
		},
	}
}

// countingAllocator counts Grow calls.
type countingAllocator struct {
	buffer.HeapAllocator
	grows int
}

func (a *countingAllocator) Grow(old []byte, n int) []byte {
	a.grows++
	return a.HeapAllocator.Grow(old, n)
}
