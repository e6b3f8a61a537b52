package ssl

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

type engineState uint8

const (
	stateIdle engineState = iota
	stateHandshaking
	stateEstablished
	stateFailed
)

var (
	// ErrRenegotiationUnsupported is returned when a handshake is requested
	// on an established crypto/tls engine.
	ErrRenegotiationUnsupported = errors.New("ssl: crypto/tls does not support renegotiation")
	// ErrEngineClosed is returned when the engine can no longer process data.
	ErrEngineClosed = errors.New("ssl: engine closed")
	// ErrRecordTooLarge is returned for records above MaxPacketSize.
	ErrRecordTooLarge = errors.New("ssl: record too large")
)

// errWouldBlock is returned by the record pipe when no input is buffered
// outside a handshake. crypto/tls treats temporary errors as retryable and
// does not poison the connection with them.
var errWouldBlock net.Error = wouldBlock{}

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "ssl: would block" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

// TLSEngine implements Engine on top of crypto/tls. Records go through an
// in-memory pipe: Unwrap feeds it, Wrap drains it. The handshake runs on
// its own goroutine that parks whenever it waits for peer records; every
// engine call first waits until that goroutine has settled.
type TLSEngine struct {
	config     *tls.Config
	serverName string
	client     bool
	needAuth   bool
	wantAuth   bool

	mu             sync.Mutex
	cond           *sync.Cond
	in             bytes.Buffer
	out            bytes.Buffer
	state          engineState
	blocking       bool
	parked         bool
	finishPending  bool
	inboundDone    bool
	outboundClosed bool
	invalidated    bool
	hsErr          error
	conn           *tls.Conn
}

// NewTLSEngine creates an engine. serverName is the SNI hint used in client
// mode when config does not set one.
func NewTLSEngine(config *tls.Config, serverName string, client bool) *TLSEngine {
	if config == nil {
		config = &tls.Config{}
	}
	e := &TLSEngine{config: config, serverName: serverName, client: client}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// ClientMode implements Engine.
func (e *TLSEngine) ClientMode() bool { return e.client }

// SetClientMode implements Engine. It has no effect once a handshake started.
func (e *TLSEngine) SetClientMode(client bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateIdle {
		e.client = client
	}
}

// NeedClientAuth implements Engine.
func (e *TLSEngine) NeedClientAuth() bool { return e.needAuth }

// SetNeedClientAuth implements Engine.
func (e *TLSEngine) SetNeedClientAuth(need bool) {
	e.needAuth = need
	if need {
		e.wantAuth = false
	}
}

// WantClientAuth implements Engine.
func (e *TLSEngine) WantClientAuth() bool { return e.wantAuth }

// SetWantClientAuth implements Engine.
func (e *TLSEngine) SetWantClientAuth(want bool) {
	e.wantAuth = want
	if want {
		e.needAuth = false
	}
}

func (e *TLSEngine) effectiveConfig() *tls.Config {
	cfg := e.config.Clone()
	cfg.DynamicRecordSizingDisabled = true
	if e.client {
		if cfg.ServerName == "" {
			cfg.ServerName = e.serverName
		}
		return cfg
	}
	switch {
	case e.needAuth && cfg.ClientCAs != nil:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	case e.needAuth:
		cfg.ClientAuth = tls.RequireAnyClientCert
	case e.wantAuth && cfg.ClientCAs != nil:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case e.wantAuth:
		cfg.ClientAuth = tls.RequestClientCert
	}
	return cfg
}

// SupportsRenegotiation reports false: crypto/tls cannot start a second
// handshake on an established connection.
func (e *TLSEngine) SupportsRenegotiation() bool { return false }

// BeginHandshake implements Engine.
func (e *TLSEngine) BeginHandshake() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateHandshaking:
		return nil
	case stateEstablished:
		return ErrRenegotiationUnsupported
	case stateFailed:
		return ErrEngineClosed
	}
	p := &recordPipe{e: e}
	if e.client {
		e.conn = tls.Client(p, e.effectiveConfig())
	} else {
		e.conn = tls.Server(p, e.effectiveConfig())
	}
	e.state = stateHandshaking
	e.blocking = true
	go e.runHandshake(e.conn)
	return nil
}

func (e *TLSEngine) runHandshake(conn *tls.Conn) {
	err := conn.Handshake()
	e.mu.Lock()
	e.blocking = false
	if err != nil {
		e.state = stateFailed
		e.hsErr = err
	} else {
		e.state = stateEstablished
		e.finishPending = true
	}
	e.cond.Broadcast()
	e.mu.Unlock()
}

// settle waits until the handshake goroutine either finished or parked on
// an empty pipe. Callers hold e.mu.
func (e *TLSEngine) settle() {
	for e.state == stateHandshaking && !(e.parked && e.in.Len() == 0) {
		e.cond.Wait()
	}
}

func (e *TLSEngine) handshakeStatusLocked() HandshakeStatus {
	switch e.state {
	case stateHandshaking:
		if e.out.Len() > 0 {
			return NeedWrap
		}
		return NeedUnwrap
	case stateEstablished, stateFailed:
		if (e.finishPending || e.state == stateFailed) && e.out.Len() > 0 {
			return NeedWrap
		}
	}
	return NotHandshaking
}

// HandshakeStatus implements Engine.
func (e *TLSEngine) HandshakeStatus() HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle()
	return e.handshakeStatusLocked()
}

// resultStatusLocked reports Finished once the final flight has been
// drained after the handshake goroutine succeeded.
func (e *TLSEngine) resultStatusLocked() HandshakeStatus {
	if e.state == stateEstablished && e.finishPending && e.out.Len() == 0 {
		e.finishPending = false
		return Finished
	}
	return e.handshakeStatusLocked()
}

// Wrap implements Engine.
func (e *TLSEngine) Wrap(src [][]byte, dst []byte) (EngineResult, error) {
	e.mu.Lock()
	e.settle()
	if e.out.Len() > 0 {
		if len(dst) == 0 {
			res := EngineResult{Status: StatusBufferOverflow, HandshakeStatus: e.handshakeStatusLocked()}
			e.mu.Unlock()
			return res, nil
		}
		n, _ := e.out.Read(dst)
		res := EngineResult{Status: StatusOK, Produced: n, HandshakeStatus: e.resultStatusLocked()}
		e.mu.Unlock()
		return res, nil
	}
	switch e.state {
	case stateFailed:
		err := e.hsErr
		e.mu.Unlock()
		return EngineResult{Status: StatusClosed}, err
	case stateIdle, stateHandshaking:
		res := EngineResult{Status: StatusOK, HandshakeStatus: e.handshakeStatusLocked()}
		e.mu.Unlock()
		return res, nil
	}
	if e.outboundClosed {
		e.mu.Unlock()
		return EngineResult{Status: StatusClosed}, nil
	}
	conn := e.conn
	e.mu.Unlock()

	chunk := gather(src, MaxPlaintext)
	if len(chunk) == 0 {
		return EngineResult{Status: StatusOK}, nil
	}
	if len(dst) < len(chunk)+maxRecordOverhead {
		return EngineResult{Status: StatusBufferOverflow}, nil
	}
	if _, err := conn.Write(chunk); err != nil {
		return EngineResult{Status: StatusClosed}, err
	}

	e.mu.Lock()
	n, _ := e.out.Read(dst)
	e.mu.Unlock()
	return EngineResult{Status: StatusOK, Consumed: len(chunk), Produced: n}, nil
}

// gather returns up to limit bytes from the front of src without copying
// when the first slice is large enough.
func gather(src [][]byte, limit int) []byte {
	for len(src) > 0 && len(src[0]) == 0 {
		src = src[1:]
	}
	if len(src) == 0 {
		return nil
	}
	if len(src[0]) >= limit || len(src) == 1 {
		return src[0][:min(len(src[0]), limit)]
	}
	out := make([]byte, 0, limit)
	for _, p := range src {
		room := limit - len(out)
		if room == 0 {
			break
		}
		out = append(out, p[:min(len(p), room)]...)
	}
	return out
}

// Unwrap implements Engine.
func (e *TLSEngine) Unwrap(src, dst []byte) (EngineResult, error) {
	e.mu.Lock()
	switch {
	case e.state == stateFailed:
		err := e.hsErr
		e.mu.Unlock()
		return EngineResult{Status: StatusClosed}, err
	case e.inboundDone:
		e.mu.Unlock()
		return EngineResult{Status: StatusClosed}, nil
	case e.state == stateIdle:
		e.mu.Unlock()
		return EngineResult{Status: StatusClosed}, ErrEngineClosed
	}

	n := PacketSize(src)
	if n < 0 || n > len(src) {
		e.mu.Unlock()
		return EngineResult{Status: StatusBufferUnderflow, HandshakeStatus: e.handshakeStatusLocked()}, nil
	}
	if n > MaxPacketSize {
		e.mu.Unlock()
		return EngineResult{Status: StatusClosed}, ErrRecordTooLarge
	}

	if e.state == stateHandshaking {
		e.in.Write(src[:n])
		e.cond.Broadcast()
		e.settle()
		if e.state == stateFailed {
			err := e.hsErr
			e.mu.Unlock()
			return EngineResult{Status: StatusClosed, Consumed: n}, err
		}
		res := EngineResult{Status: StatusOK, Consumed: n, HandshakeStatus: e.resultStatusLocked()}
		e.mu.Unlock()
		return res, nil
	}

	need := max(min(n-recordHeaderLen, MaxPlaintext), 1)
	if len(dst) < need {
		e.mu.Unlock()
		return EngineResult{Status: StatusBufferOverflow}, nil
	}
	e.in.Write(src[:n])
	conn := e.conn
	e.mu.Unlock()

	m, err := conn.Read(dst)
	res := EngineResult{Status: StatusOK, Consumed: n, Produced: m}
	switch {
	case err == nil:
	case errors.Is(err, errWouldBlock):
	case errors.Is(err, io.EOF):
		e.mu.Lock()
		e.inboundDone = true
		e.mu.Unlock()
		res.Status = StatusClosed
	default:
		return EngineResult{Status: StatusClosed, Consumed: n}, err
	}
	return res, nil
}

// Session implements Engine.
func (e *TLSEngine) Session() Session { return tlsSession{e: e} }

// ConnectionState returns the crypto/tls state once the handshake is done.
func (e *TLSEngine) ConnectionState() (tls.ConnectionState, bool) {
	e.mu.Lock()
	conn, ok := e.conn, e.state == stateEstablished
	e.mu.Unlock()
	if !ok {
		return tls.ConnectionState{}, false
	}
	return conn.ConnectionState(), true
}

// CloseOutbound implements Engine.
func (e *TLSEngine) CloseOutbound() {
	e.mu.Lock()
	if e.outboundClosed {
		e.mu.Unlock()
		return
	}
	e.outboundClosed = true
	conn, established := e.conn, e.state == stateEstablished
	e.mu.Unlock()
	if established {
		_ = conn.CloseWrite()
	}
}

// IsOutboundDone implements Engine.
func (e *TLSEngine) IsOutboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outboundClosed && e.out.Len() == 0
}

// IsInboundDone implements Engine.
func (e *TLSEngine) IsInboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inboundDone
}

// Close releases the handshake goroutine, if any.
func (e *TLSEngine) Close() {
	e.mu.Lock()
	e.inboundDone = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

type tlsSession struct{ e *TLSEngine }

func (s tlsSession) ApplicationBufferSize() int { return MaxPlaintext }
func (s tlsSession) PacketBufferSize() int      { return MaxPlaintext + maxRecordOverhead }

func (s tlsSession) IsValid() bool {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.state == stateEstablished && !s.e.invalidated
}

func (s tlsSession) PeerCertificates() []*x509.Certificate {
	st, ok := s.e.ConnectionState()
	if !ok {
		return nil
	}
	return st.PeerCertificates
}

func (s tlsSession) Protocol() string {
	st, ok := s.e.ConnectionState()
	if !ok {
		return ""
	}
	return st.NegotiatedProtocol
}

func (s tlsSession) Invalidate() {
	s.e.mu.Lock()
	s.e.invalidated = true
	s.e.mu.Unlock()
}

// recordPipe is the net.Conn crypto/tls reads records from and writes
// records to.
type recordPipe struct {
	e *TLSEngine
}

func (p *recordPipe) Read(b []byte) (int, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.in.Len() == 0 {
		if e.inboundDone {
			return 0, io.EOF
		}
		if !e.blocking {
			return 0, errWouldBlock
		}
		e.parked = true
		e.cond.Broadcast()
		e.cond.Wait()
		e.parked = false
	}
	return e.in.Read(b)
}

func (p *recordPipe) Write(b []byte) (int, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out.Write(b)
	e.cond.Broadcast()
	return len(b), nil
}

func (p *recordPipe) Close() error {
	p.e.Close()
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func (p *recordPipe) LocalAddr() net.Addr              { return pipeAddr{} }
func (p *recordPipe) RemoteAddr() net.Addr             { return pipeAddr{} }
func (p *recordPipe) SetDeadline(time.Time) error      { return nil }
func (p *recordPipe) SetReadDeadline(time.Time) error  { return nil }
func (p *recordPipe) SetWriteDeadline(time.Time) error { return nil }
