package main

import (
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/filter/filtertest"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
)

// written collects the messages h2Echo writes.
type written struct {
	filter.BaseFilter
	msgs []any
}

func (w *written) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	w.msgs = append(w.msgs, ctx.Message())
	return filter.Stop(), nil
}

func (w *written) take() []any {
	out := w.msgs
	w.msgs = nil
	return out
}

func TestByteEcho(t *testing.T) {
	conn := filtertest.NewConn(filter.NewChain(&filtertest.Transport{}, byteEcho{}))
	if _, err := conn.Read([]byte("ping")); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := string(conn.WrittenBytes()); got != "ping" {
		t.Errorf("Expected echo 'ping', got %q", got)
	}
}

func TestH2Echo_Control(t *testing.T) {
	w := &written{}
	conn := filtertest.NewConn(filter.NewChain(&filtertest.Transport{}, w, newH2Echo()))

	if _, err := conn.Fire(filter.OpAccept); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	msgs := w.take()
	if len(msgs) != 1 {
		t.Fatalf("Expected the server SETTINGS, got %v", msgs)
	}
	if s, ok := msgs[0].(*frame.SettingsFrame); !ok || s.IsAck() {
		t.Errorf("Expected a non-ack SETTINGS frame, got %v", msgs[0])
	}

	_, _ = conn.Read(frame.NewSettingsFrame(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1 << 20}))
	_, _ = conn.Read(frame.NewSettingsAck())
	_, _ = conn.Read(frame.NewPingFrame([8]byte{1, 2, 3}, false))

	msgs = w.take()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 replies, got %v", msgs)
	}
	if s, ok := msgs[0].(*frame.SettingsFrame); !ok || !s.IsAck() {
		t.Errorf("Expected a SETTINGS ack, got %v", msgs[0])
	}
	if p, ok := msgs[1].(*frame.PingFrame); !ok || !p.IsAck() || p.Data() != [8]byte{1, 2, 3} {
		t.Errorf("Expected a PING ack with the same data, got %v", msgs[1])
	}
}

func TestH2Echo_Requests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "no body echoes path", want: "/echo"},
		{name: "body is echoed", body: "payload", want: "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &written{}
			conn := filtertest.NewConn(filter.NewChain(&filtertest.Transport{}, w, newH2Echo()))

			req := &frame.HeaderBlock{
				StreamID:  1,
				EndStream: tt.body == "",
				Fields:    []hpack.HeaderField{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/echo"}},
			}
			_, _ = conn.Read(req)
			if tt.body != "" {
				_, _ = conn.Read(frame.NewDataFrame(1, []byte(tt.body[:3]), false))
				_, _ = conn.Read(frame.NewDataFrame(1, []byte(tt.body[3:]), true))
			}

			msgs := w.take()
			if len(msgs) != 2 {
				t.Fatalf("Expected headers and data, got %v", msgs)
			}
			hb, ok := msgs[0].(*frame.HeaderBlock)
			if !ok {
				t.Fatalf("Expected a header block, got %T", msgs[0])
			}
			if status, _ := hb.Get(":status"); status != "200" {
				t.Errorf("Expected status 200, got %q", status)
			}
			if _, ok := hb.Get("date"); !ok {
				t.Error("Expected a date header")
			}
			data, ok := msgs[1].(*frame.DataFrame)
			if !ok {
				t.Fatalf("Expected a DATA frame, got %T", msgs[1])
			}
			if string(data.Data()) != tt.want || !data.EndStream() {
				t.Errorf("Expected final DATA %q, got %q (end %v)", tt.want, data.Data(), data.EndStream())
			}
		})
	}
}
