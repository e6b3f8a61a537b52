package ssl

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
)

// verboseLogging controls hot-path logging for record processing.
const verboseLogging = false

// DefaultMaxPendingBytes is the default budget for application bytes
// parked behind a handshake.
const DefaultMaxPendingBytes = 1 << 20

var (
	// ErrNoConfigurator is returned when a handshake is needed for a side
	// the filter has no EngineConfigurator for.
	ErrNoConfigurator = errors.New("ssl: no engine configurator")
	errClosedByPeer   = errors.New("ssl: peer sent close_notify")
)

// Option configures a Filter.
type Option func(*Filter)

// WithMaxPendingBytes sets the pending write budget. Unlimited disables it.
func WithMaxPendingBytes(n int) Option {
	return func(f *Filter) { f.maxPending = n }
}

// WithRenegotiateOnClientAuthWant makes the server handshake again with
// client auth required when a peer did not present a certificate during a
// handshake that only wanted one.
func WithRenegotiateOnClientAuthWant(enabled bool) Option {
	return func(f *Filter) { f.renegotiateOnWant = enabled }
}

// WithBufferCoefficient sets the factor applied to buffer size hints when
// a buffer has to grow.
func WithBufferCoefficient(c float64) Option {
	return func(f *Filter) { f.coefficient = c }
}

// WithHandshakeListener adds a listener.
func WithHandshakeListener(l HandshakeListener) Option {
	return func(f *Filter) { f.listeners = append(f.listeners, l) }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// WithHandshakeChain makes connections switch to chain once their first
// handshake completed.
func WithHandshakeChain(chain *filter.Chain) Option {
	return func(f *Filter) { f.handshakeChain = chain }
}

// Filter encrypts writes and decrypts reads. It sits right above the
// transport filter. Writes issued before the handshake completed are
// suspended and resumed in order once it did.
type Filter struct {
	filter.BaseFilter

	server *EngineConfigurator
	client *EngineConfigurator

	maxPending        int
	renegotiateOnWant bool
	coefficient       float64
	listeners         []HandshakeListener
	logger            *log.Logger
	handshakeChain    *filter.Chain

	indexes sync.Map // *filter.Chain -> int
	ctxKey  *filter.AttributeKey[*ConnectionContext]
}

// NewFilter creates a Filter. serverCfg configures engines for accepted
// connections, clientCfg for connections that connect out; either may be
// nil when the filter only serves one side.
func NewFilter(serverCfg, clientCfg *EngineConfigurator, opts ...Option) *Filter {
	f := &Filter{
		server:      serverCfg,
		client:      clientCfg,
		maxPending:  DefaultMaxPendingBytes,
		coefficient: DefaultBufferCoefficient,
		ctxKey:      filter.NewAttributeKey[*ConnectionContext]("ssl.context"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = log.Default()
	}
	return f
}

// ConnectionContext returns the SSL state of conn, if any.
func (f *Filter) ConnectionContext(conn filter.Connection) (*ConnectionContext, bool) {
	return f.ctxKey.Get(conn.Attributes())
}

// connCtx returns the context of conn, creating it and registering the
// close listener on first use. Callers hold the connection lock.
func (f *Filter) connCtx(conn filter.Connection) *ConnectionContext {
	cc := f.ctxKey.GetOrCreate(conn.Attributes(), func() *ConnectionContext {
		return NewConnectionContext(conn, f.coefficient)
	})
	if !cc.listening {
		cc.listening = true
		conn.AddCloseListener(func(c filter.Connection, _ error) {
			f.release(c, io.EOF)
		})
	}
	return cc
}

// OnAdded implements filter.Filter.
func (f *Filter) OnAdded(chain *filter.Chain) { f.indexes.Store(chain, chain.IndexOf(f)) }

// OnChainChanged implements filter.Filter.
func (f *Filter) OnChainChanged(chain *filter.Chain) { f.indexes.Store(chain, chain.IndexOf(f)) }

// OnRemoved implements filter.Filter.
func (f *Filter) OnRemoved(chain *filter.Chain) { f.indexes.Delete(chain) }

func (f *Filter) indexIn(chain *filter.Chain) int {
	if v, ok := f.indexes.Load(chain); ok {
		return v.(int)
	}
	i := chain.IndexOf(f)
	f.indexes.Store(chain, i)
	return i
}

// writeDown sends records to the filters below the one at idx.
func writeDown(conn filter.Connection, chain *filter.Chain, idx int, recs [][]byte, done func(error)) error {
	if len(recs) == 0 {
		if done != nil {
			done(nil)
		}
		return nil
	}
	return chain.WriteAt(conn, idx-1, buffer.Pooled(recs), done)
}

// Handshake starts a handshake on conn unless its session is still valid.
// done, if not nil, receives the outcome.
func (f *Filter) Handshake(conn filter.Connection, done func(error)) error {
	return f.handshake(conn, done, false)
}

// Rehandshake forces a new handshake on conn.
func (f *Filter) Rehandshake(conn filter.Connection, done func(error)) error {
	return f.handshake(conn, done, true)
}

func (f *Filter) handshake(conn filter.Connection, done func(error), force bool) error {
	chain := conn.Processor()
	idx := f.indexIn(chain)
	if idx < 0 {
		return filter.ErrFilterNotFound
	}
	conn.Lock()
	cc := f.connCtx(conn)
	cfg := f.client
	switch {
	case cc.engine != nil && !cc.client:
		cfg = f.server
	case cc.engine == nil && cfg == nil:
		cfg = f.server
	}
	st := f.startLocked(conn, chain, idx, cc, cfg, force, done)
	conn.Unlock()
	return f.afterStart(conn, cc, st, done)
}

type startResult struct {
	skipped  bool
	finished bool
	err      error
}

// afterStart completes what startLocked left to do outside the lock.
func (f *Filter) afterStart(conn filter.Connection, cc *ConnectionContext, st startResult, done func(error)) error {
	switch {
	case st.err != nil:
		if errors.Is(st.err, ErrNoConfigurator) && done != nil {
			done(st.err)
		}
		f.failed(conn, cc, st.err)
		_ = conn.Close(st.err)
		return st.err
	case st.skipped:
		if done != nil {
			done(nil)
		}
	case st.finished:
		return f.finishHandshake(conn, cc)
	}
	return nil
}

// startLocked begins a handshake and sends the first flight. A non-nil
// cfg (re)configures the engine.
func (f *Filter) startLocked(conn filter.Connection, chain *filter.Chain, idx int, cc *ConnectionContext, cfg *EngineConfigurator, force bool, done func(error)) startResult {
	if cc.engine == nil {
		if cfg == nil {
			return startResult{err: ErrNoConfigurator}
		}
		host, port := peerHostPort(conn.RemoteAddr())
		cc.SetEngine(cfg.CreateEngine(host, port))
	} else if cfg != nil && (cc.hs == nil || cc.hs.Done()) {
		cfg.Configure(cc.engine)
	}

	if cc.hs != nil && cc.hs.begun && !cc.hs.Done() {
		cc.hs.onDone(done)
		return startResult{}
	}
	if !force && cc.engine.Session().IsValid() {
		return startResult{skipped: true}
	}

	hs := cc.hs
	if hs == nil || hs.Done() {
		hs = newHandshakeContext(f.maxPending)
		cc.hs = hs
	}
	hs.begun = true
	hs.started = time.Now()
	hs.onDone(done)
	for _, l := range f.listeners {
		l.OnHandshakeStart(conn, cc.client)
	}
	if err := cc.engine.BeginHandshake(); err != nil {
		return startResult{err: err}
	}
	cc.refreshBufferSizes()

	recs, status, err := cc.wrapHandshake(conn.Allocator())
	if werr := writeDown(conn, chain, idx, recs, nil); err == nil {
		err = werr
	}
	if err != nil {
		return startResult{err: err}
	}
	if status == Finished || status == NotHandshaking {
		hs.engineDone = true
		return startResult{finished: true}
	}
	return startResult{}
}

// HandleConnect starts the client handshake.
func (f *Filter) HandleConnect(ctx *filter.Context) (filter.NextAction, error) {
	if f.client == nil {
		return filter.Invoke(), nil
	}
	conn := ctx.Connection()
	conn.Lock()
	cc := f.connCtx(conn)
	st := f.startLocked(conn, ctx.Chain(), ctx.FilterIdx(), cc, f.client, false, nil)
	conn.Unlock()
	if st.err != nil {
		f.failed(conn, cc, st.err)
		return nil, st.err
	}
	if st.finished {
		if err := f.finishHandshake(conn, cc); err != nil {
			return nil, err
		}
	}
	return filter.Invoke(), nil
}

// HandleRead drives the handshake with inbound records and decrypts
// application records.
func (f *Filter) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	var in []byte
	switch m := ctx.Message().(type) {
	case []byte, [][]byte, buffer.Pooled:
		in = buffer.Flatten(m)
	default:
		return nil, fmt.Errorf("ssl: cannot unwrap %T", m)
	}
	conn := ctx.Connection()

	conn.Lock()
	cc := f.connCtx(conn)
	if cc.engine == nil {
		st := f.startLocked(conn, ctx.Chain(), ctx.FilterIdx(), cc, f.server, false, nil)
		if st.err != nil {
			conn.Unlock()
			f.failed(conn, cc, st.err)
			return nil, st.err
		}
	}

	for cc.hs != nil && cc.hs.begun && !cc.hs.engineDone {
		rest, finished, err := f.stepLocked(conn, ctx.Chain(), ctx.FilterIdx(), cc, in)
		if err != nil {
			f.flushAlertLocked(conn, ctx.Chain(), ctx.FilterIdx(), cc)
			conn.Unlock()
			f.failed(conn, cc, err)
			return nil, err
		}
		if !finished {
			conn.Unlock()
			if len(rest) > 0 {
				return filter.StopIncomplete(rest, buffer.Bytes), nil
			}
			return filter.Stop(), nil
		}
		cc.hs.engineDone = true
		conn.Unlock()
		if err := f.finishHandshake(conn, cc); err != nil {
			return nil, err
		}
		in = rest
		conn.Lock()
	}

	if len(in) == 0 {
		conn.Unlock()
		return filter.Stop(), nil
	}
	plain, rest, closed, err := cc.UnwrapAll(in, conn.Allocator())
	conn.Unlock()
	if err != nil {
		return nil, err
	}
	if verboseLogging {
		f.logger.Printf("ssl: unwrapped %d bytes for conn %d (%d left)", len(plain), conn.ID(), len(rest))
	}
	if closed {
		_ = conn.Close(errClosedByPeer)
	}
	if len(plain) == 0 {
		if len(rest) > 0 {
			return filter.StopIncomplete(rest, buffer.Bytes), nil
		}
		return filter.Stop(), nil
	}
	ctx.SetMessage(plain)
	if len(rest) > 0 {
		return filter.InvokeIncomplete(rest, buffer.Bytes), nil
	}
	return filter.Invoke(), nil
}

// stepLocked feeds in to the handshaking engine and sends whatever it
// produces. It returns the unconsumed input and whether the engine
// finished the handshake.
func (f *Filter) stepLocked(conn filter.Connection, chain *filter.Chain, idx int, cc *ConnectionContext, in []byte) ([]byte, bool, error) {
	alloc := conn.Allocator()
	for {
		switch cc.engine.HandshakeStatus() {
		case NeedWrap:
			recs, status, err := cc.wrapHandshake(alloc)
			if werr := writeDown(conn, chain, idx, recs, nil); err == nil {
				err = werr
			}
			if err != nil {
				return in, false, err
			}
			if status == Finished {
				return in, true, nil
			}
		case NeedUnwrap:
			n := PacketSize(in)
			if n < 0 || n > len(in) {
				return in, false, nil
			}
			buf := alloc.Allocate(cc.appBufSize)
			res, buf, err := cc.Unwrap(in, buf, alloc)
			alloc.Release(buf)
			if err != nil {
				return in, false, err
			}
			in = in[res.Consumed:]
			if res.HandshakeStatus == Finished {
				return in, true, nil
			}
		default:
			return in, true, nil
		}
	}
}

// finishHandshake flushes the writes parked behind the handshake, in
// order, and completes it. New writes keep queueing until the queue is
// empty, so they cannot overtake parked ones.
func (f *Filter) finishHandshake(conn filter.Connection, cc *ConnectionContext) error {
	hs := cc.hs
	if f.missingWantedCert(cc) && !canRenegotiate(cc.engine) {
		// No second handshake is possible, so "need" is enforced by
		// refusing the connection before any parked write reaches it.
		err := fmt.Errorf("%w: peer presented no certificate", ErrClientAuthRequired)
		f.failed(conn, cc, err)
		return err
	}
	alloc := conn.Allocator()
	for {
		conn.Lock()
		p, ok := hs.pop()
		if !ok {
			break
		}
		recs, err := cc.WrapAll(messageBufs(p.ctx.Message()), alloc)
		conn.Unlock()
		if err != nil {
			p.ctx.Fail(err)
			f.failed(conn, cc, err)
			return err
		}
		p.ctx.SetMessage(recs)
		_, _ = p.ctx.ResumeWith(filter.Invoke())
	}

	// conn is locked here.
	cc.refreshBufferSizes()
	dones := hs.complete()
	if f.handshakeChain != nil && cc.override == nil {
		cc.override = f.handshakeChain
		conn.SetProcessor(f.handshakeChain)
	}
	session := cc.engine.Session()
	revalidate := f.missingWantedCert(cc)
	conn.Unlock()

	for _, d := range dones {
		d(nil)
	}
	for _, l := range f.listeners {
		l.OnHandshakeComplete(conn, session, hs.Elapsed())
	}
	if verboseLogging {
		f.logger.Printf("ssl: handshake complete for conn %d in %v", conn.ID(), hs.Elapsed())
	}
	if !revalidate {
		return nil
	}

	chain := conn.Processor()
	conn.Lock()
	cc.engine.SetNeedClientAuth(true)
	st := f.startLocked(conn, chain, f.indexIn(chain), cc, nil, true, nil)
	conn.Unlock()
	if st.err != nil {
		f.failed(conn, cc, st.err)
		return st.err
	}
	if st.finished {
		return f.finishHandshake(conn, cc)
	}
	return nil
}

// missingWantedCert reports whether a server handshake that only wanted a
// client certificate finished without one while renegotiation is on.
func (f *Filter) missingWantedCert(cc *ConnectionContext) bool {
	return !cc.client && f.renegotiateOnWant &&
		cc.engine.WantClientAuth() && !cc.engine.NeedClientAuth() &&
		len(cc.engine.Session().PeerCertificates()) == 0
}

// renegotiationSupporter is implemented by engines that can tell whether
// an established session accepts a second handshake. Engines without it
// are assumed to.
type renegotiationSupporter interface {
	SupportsRenegotiation() bool
}

func canRenegotiate(e Engine) bool {
	r, ok := e.(renegotiationSupporter)
	return !ok || r.SupportsRenegotiation()
}

// failed fails the outstanding handshake of cc with err.
func (f *Filter) failed(conn filter.Connection, cc *ConnectionContext, err error) {
	conn.Lock()
	hs := cc.hs
	if hs == nil {
		conn.Unlock()
		return
	}
	pending, dones, ok := hs.fail(err)
	conn.Unlock()
	if !ok {
		return
	}
	for _, p := range pending {
		p.ctx.Fail(err)
	}
	for _, d := range dones {
		d(err)
	}
	if hs.begun {
		for _, l := range f.listeners {
			l.OnHandshakeFailure(conn, err, hs.Elapsed())
		}
		f.logger.Printf("TLS handshake failed for %v: %v", conn.RemoteAddr(), err)
	}
}

// flushAlertLocked sends any alert the engine queued while failing.
func (f *Filter) flushAlertLocked(conn filter.Connection, chain *filter.Chain, idx int, cc *ConnectionContext) {
	if cc.engine == nil {
		return
	}
	recs, _, _ := cc.wrapHandshake(conn.Allocator())
	_ = writeDown(conn, chain, idx, recs, nil)
}

// HandleWrite encrypts the message and forwards the records downstream
// while holding the connection lock, so records reach the transport in
// sequence order. During a handshake the write is parked.
func (f *Filter) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	msg := ctx.Message()
	switch msg.(type) {
	case []byte, [][]byte, buffer.Pooled:
	default:
		return nil, fmt.Errorf("ssl: cannot wrap %T", msg)
	}
	conn := ctx.Connection()
	conn.Lock()
	cc := f.connCtx(conn)
	if cc.Handshaking() {
		if cc.hs == nil || cc.hs.Done() {
			cc.hs = newHandshakeContext(f.maxPending)
		}
		if err := cc.hs.add(ctx, buffer.Size(msg)); err != nil {
			conn.Unlock()
			return nil, err
		}
		action := ctx.Suspend()
		conn.Unlock()
		return action, nil
	}

	recs, err := cc.WrapAll(messageBufs(msg), conn.Allocator())
	if err != nil {
		conn.Unlock()
		return nil, err
	}
	if werr := ctx.Write(buffer.Pooled(recs), ctx.TakeCompletion()); werr != nil && verboseLogging {
		f.logger.Printf("ssl: forwarding records for conn %d: %v", conn.ID(), werr)
	}
	conn.Unlock()
	return filter.Stop(), nil
}

// HandleClose drops the SSL state of the connection.
func (f *Filter) HandleClose(ctx *filter.Context) (filter.NextAction, error) {
	f.release(ctx.Connection(), io.EOF)
	return filter.Invoke(), nil
}

// release fails an outstanding handshake and drops the connection
// context. Only the first call does anything.
func (f *Filter) release(conn filter.Connection, cause error) {
	conn.Lock()
	cc, ok := f.ctxKey.Remove(conn.Attributes())
	if !ok || cc.released {
		conn.Unlock()
		return
	}
	cc.released = true
	if c, ok := cc.engine.(interface{ Close() }); ok {
		c.Close()
	}
	conn.Unlock()
	f.failed(conn, cc, cause)
}

// CloseNotify sends close_notify to the peer.
func (f *Filter) CloseNotify(conn filter.Connection, done func(error)) error {
	chain := conn.Processor()
	idx := f.indexIn(chain)
	if idx < 0 {
		return filter.ErrFilterNotFound
	}
	conn.Lock()
	defer conn.Unlock()
	cc, ok := f.ctxKey.Get(conn.Attributes())
	if !ok || cc.engine == nil {
		if done != nil {
			done(nil)
		}
		return nil
	}
	cc.engine.CloseOutbound()
	alloc := conn.Allocator()
	var recs [][]byte
	for !cc.engine.IsOutboundDone() {
		buf := alloc.Allocate(cc.netBufSize)
		res, buf, err := cc.Wrap(nil, buf, alloc)
		if err != nil || res.Produced == 0 {
			alloc.Release(buf)
			break
		}
		recs = append(recs, buf)
	}
	return writeDown(conn, chain, idx, recs, done)
}

func messageBufs(msg any) [][]byte {
	switch m := msg.(type) {
	case []byte:
		return [][]byte{m}
	case [][]byte:
		return m
	case buffer.Pooled:
		return m
	}
	return nil
}
