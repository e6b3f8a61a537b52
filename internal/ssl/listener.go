package ssl

import (
	"time"

	"github.com/FumingPower3925/tessera/internal/filter"
)

// HandshakeListener observes handshakes. Callbacks run on the goroutine
// that drove the handshake. OnHandshakeStart is called with the connection
// locked; the other two after the lock was released.
type HandshakeListener interface {
	OnHandshakeStart(conn filter.Connection, client bool)
	OnHandshakeComplete(conn filter.Connection, session Session, elapsed time.Duration)
	OnHandshakeFailure(conn filter.Connection, err error, elapsed time.Duration)
}

// HandshakeListenerFuncs implements HandshakeListener with optional funcs.
type HandshakeListenerFuncs struct {
	Start    func(conn filter.Connection, client bool)
	Complete func(conn filter.Connection, session Session, elapsed time.Duration)
	Failure  func(conn filter.Connection, err error, elapsed time.Duration)
}

// OnHandshakeStart implements HandshakeListener.
func (l HandshakeListenerFuncs) OnHandshakeStart(conn filter.Connection, client bool) {
	if l.Start != nil {
		l.Start(conn, client)
	}
}

// OnHandshakeComplete implements HandshakeListener.
func (l HandshakeListenerFuncs) OnHandshakeComplete(conn filter.Connection, session Session, elapsed time.Duration) {
	if l.Complete != nil {
		l.Complete(conn, session, elapsed)
	}
}

// OnHandshakeFailure implements HandshakeListener.
func (l HandshakeListenerFuncs) OnHandshakeFailure(conn filter.Connection, err error, elapsed time.Duration) {
	if l.Failure != nil {
		l.Failure(conn, err, elapsed)
	}
}
