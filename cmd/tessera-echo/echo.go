package main

import (
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/date"
	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
)

// byteEcho writes every chunk it reads back to the peer.
type byteEcho struct {
	filter.BaseFilter
}

func (byteEcho) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	in := buffer.Flatten(ctx.Message())
	out := make([]byte, len(in))
	copy(out, in)
	return filter.Stop(), ctx.Write(out, nil)
}

// h2Echo is a minimal HTTP/2 responder: it acknowledges SETTINGS and PING
// and answers each request with its body, or its path when the body is
// empty.
type h2Echo struct {
	filter.BaseFilter
	bodies *filter.AttributeKey[*streamBodies]
}

type streamBodies struct {
	mu     sync.Mutex
	bodies map[uint32][]byte
	paths  map[uint32]string
}

func newH2Echo() *h2Echo {
	return &h2Echo{bodies: filter.NewAttributeKey[*streamBodies]("echo.bodies")}
}

func (e *h2Echo) state(conn filter.Connection) *streamBodies {
	return e.bodies.GetOrCreate(conn.Attributes(), func() *streamBodies {
		return &streamBodies{bodies: make(map[uint32][]byte), paths: make(map[uint32]string)}
	})
}

func (e *h2Echo) HandleAccept(ctx *filter.Context) (filter.NextAction, error) {
	settings := frame.NewSettingsFrame(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 100})
	return filter.Invoke(), ctx.Write(settings, nil)
}

func (e *h2Echo) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	switch m := ctx.Message().(type) {
	case *frame.SettingsFrame:
		if !m.IsAck() {
			return filter.Stop(), ctx.Write(frame.NewSettingsAck(), nil)
		}
	case *frame.PingFrame:
		if !m.IsAck() {
			return filter.Stop(), ctx.Write(frame.NewPingFrame(m.Data(), true), nil)
		}
	case *frame.HeaderBlock:
		st := e.state(ctx.Connection())
		path, _ := m.Get(":path")
		st.mu.Lock()
		if _, trailers := st.paths[m.StreamID]; !trailers {
			st.paths[m.StreamID] = path
		}
		st.mu.Unlock()
		if m.EndStream {
			return filter.Stop(), e.respond(ctx, st, m.StreamID)
		}
	case *frame.DataFrame:
		st := e.state(ctx.Connection())
		st.mu.Lock()
		st.bodies[m.StreamID()] = append(st.bodies[m.StreamID()], m.Data()...)
		st.mu.Unlock()
		if m.EndStream() {
			return filter.Stop(), e.respond(ctx, st, m.StreamID())
		}
	case *frame.RSTStreamFrame:
		st := e.state(ctx.Connection())
		st.mu.Lock()
		delete(st.bodies, m.StreamID())
		delete(st.paths, m.StreamID())
		st.mu.Unlock()
	}
	return filter.Stop(), nil
}

func (e *h2Echo) respond(ctx *filter.Context, st *streamBodies, id uint32) error {
	st.mu.Lock()
	body, path := st.bodies[id], st.paths[id]
	delete(st.bodies, id)
	delete(st.paths, id)
	st.mu.Unlock()
	if len(body) == 0 {
		body = []byte(path)
	}

	headers := &frame.HeaderBlock{
		StreamID: id,
		Fields: []hpack.HeaderField{
			{Name: ":status", Value: "200"},
			{Name: "content-type", Value: "text/plain"},
			{Name: "date", Value: date.Current()},
		},
	}
	if err := ctx.Write(headers, nil); err != nil {
		return err
	}
	for len(body) > frame.DefaultMaxFrameSize {
		if err := ctx.Write(frame.NewDataFrame(id, body[:frame.DefaultMaxFrameSize], false), nil); err != nil {
			return err
		}
		body = body[frame.DefaultMaxFrameSize:]
	}
	return ctx.Write(frame.NewDataFrame(id, body, true), nil)
}

func (e *h2Echo) HandleClose(ctx *filter.Context) (filter.NextAction, error) {
	e.bodies.Remove(ctx.Connection().Attributes())
	return filter.Invoke(), nil
}
