package filter_test

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/filter/filtertest"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// spy records every handler call and delegates to optional hooks.
type spy struct {
	filter.BaseFilter
	name string
	log  *journal

	onRead  func(ctx *filter.Context) (filter.NextAction, error)
	onWrite func(ctx *filter.Context) (filter.NextAction, error)
	onEvent func(ctx *filter.Context, ev filter.Event) (filter.NextAction, error)

	mu         sync.Mutex
	exceptions []error
	added      int
	removed    int
	changed    int
}

func (p *spy) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	p.log.add(p.name + ":read")
	if p.onRead != nil {
		return p.onRead(ctx)
	}
	return filter.Invoke(), nil
}

func (p *spy) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	p.log.add(p.name + ":write")
	if p.onWrite != nil {
		return p.onWrite(ctx)
	}
	return filter.Invoke(), nil
}

func (p *spy) HandleEvent(ctx *filter.Context, ev filter.Event) (filter.NextAction, error) {
	p.log.add(p.name + ":" + ev.Type())
	if p.onEvent != nil {
		return p.onEvent(ctx, ev)
	}
	return filter.Invoke(), nil
}

func (p *spy) HandleClose(*filter.Context) (filter.NextAction, error) {
	p.log.add(p.name + ":close")
	return filter.Invoke(), nil
}

func (p *spy) ExceptionOccurred(_ *filter.Context, err error) {
	p.mu.Lock()
	p.exceptions = append(p.exceptions, err)
	p.mu.Unlock()
}

func (p *spy) OnAdded(*filter.Chain)        { p.added++ }
func (p *spy) OnRemoved(*filter.Chain)      { p.removed++ }
func (p *spy) OnChainChanged(*filter.Chain) { p.changed++ }

type customEvent struct{}

func (customEvent) Type() string { return "custom" }

func spies(log *journal, names ...string) []*spy {
	out := make([]*spy, len(names))
	for i, n := range names {
		out[i] = &spy{name: n, log: log}
	}
	return out
}

func asFilters(ps []*spy) []filter.Filter {
	out := make([]filter.Filter, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestChain_ReadAscendingWriteDescending(t *testing.T) {
	log := &journal{}
	ps := spies(log, "a", "b", "c")
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	res, err := conn.Read([]byte("x"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res != filter.ResultComplete {
		t.Errorf("Expected complete result, got %s", res)
	}

	var writeErr error
	completed := false
	if err := chain.Write(conn, []byte("y"), func(err error) {
		completed = true
		writeErr = err
	}); err != nil {
		t.Fatalf("Unexpected write error: %v", err)
	}
	if !completed || writeErr != nil {
		t.Errorf("Expected write completion without error, got completed=%v err=%v", completed, writeErr)
	}

	want := []string{"a:read", "b:read", "c:read", "c:write", "b:write", "a:write"}
	if got := log.get(); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestChain_StopHaltsTraversal(t *testing.T) {
	log := &journal{}
	ps := spies(log, "a", "b", "c")
	ps[1].onRead = func(*filter.Context) (filter.NextAction, error) { return filter.Stop(), nil }
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	res, err := conn.Read([]byte("x"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res != filter.ResultStopped {
		t.Errorf("Expected stopped result, got %s", res)
	}
	if got, want := log.get(), []string{"a:read", "b:read"}; !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestChain_SuspendResumeContinuesAtNextFilter(t *testing.T) {
	log := &journal{}
	ps := spies(log, "a", "b", "c")
	var parked *filter.Context
	ps[1].onRead = func(ctx *filter.Context) (filter.NextAction, error) {
		parked = ctx
		return ctx.Suspend(), nil
	}
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	ctx := chain.NewContext(conn, filter.OpRead)
	ctx.SetMessage([]byte("payload"))
	calls := 0
	ctx.SetCompletion(func(error) { calls++ })

	res, err := chain.Process(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res != filter.ResultSuspended {
		t.Fatalf("Expected suspended result, got %s", res)
	}
	if calls != 0 {
		t.Errorf("Expected no completion while suspended, got %d", calls)
	}
	if !parked.IsSuspended() {
		t.Error("Expected context to report suspended")
	}

	res, err = parked.Resume()
	if err != nil {
		t.Fatalf("Unexpected resume error: %v", err)
	}
	if res != filter.ResultComplete {
		t.Errorf("Expected complete after resume, got %s", res)
	}
	if calls != 1 {
		t.Errorf("Expected exactly one completion, got %d", calls)
	}
	if got, want := log.get(), []string{"a:read", "b:read", "c:read"}; !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestChain_ResumeWithRerunReinvokesFilter(t *testing.T) {
	log := &journal{}
	ps := spies(log, "a", "b")
	var parked *filter.Context
	first := true
	ps[0].onRead = func(ctx *filter.Context) (filter.NextAction, error) {
		if first {
			first = false
			parked = ctx
			return ctx.Suspend(), nil
		}
		return filter.Invoke(), nil
	}
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	if _, err := conn.Read([]byte("x")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := parked.ResumeWith(filter.Rerun()); err != nil {
		t.Fatalf("Unexpected resume error: %v", err)
	}
	if got, want := log.get(), []string{"a:read", "a:read", "b:read"}; !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestContext_ResumeWithoutSuspend(t *testing.T) {
	chain := filter.NewChain()
	conn := filtertest.NewConn(chain)
	ctx := chain.NewContext(conn, filter.OpRead)
	if _, err := ctx.Resume(); !errors.Is(err, filter.ErrNotSuspended) {
		t.Errorf("Expected ErrNotSuspended, got %v", err)
	}
}

// lineDecoder splits the byte stream on '\n'. Partial lines are kept as
// incomplete chunks; extra complete lines are handed back as unparsed
// remainders.
func lineDecoder(ctx *filter.Context) (filter.NextAction, error) {
	data := ctx.Message().([]byte)
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return filter.StopIncomplete(data, nil), nil
	}
	ctx.SetMessage(string(data[:i]))
	if rest := data[i+1:]; len(rest) > 0 {
		return filter.InvokeRemainder(rest), nil
	}
	return filter.Invoke(), nil
}

func TestChain_RemainderMergeReconstructsStream(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{name: "single line", chunks: []string{"hello\n"}, want: []string{"hello"}},
		{name: "split line", chunks: []string{"hel", "lo\nwor", "ld\n"}, want: []string{"hello", "world"}},
		{name: "many lines in one chunk", chunks: []string{"a\nb\nc\n"}, want: []string{"a", "b", "c"}},
		{name: "byte at a time", chunks: []string{"o", "k", "\n", "x", "\n"}, want: []string{"ok", "x"}},
		{name: "trailing partial", chunks: []string{"one\ntw"}, want: []string{"one"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []string
			decoder := &spy{name: "decoder", log: &journal{}, onRead: lineDecoder}
			sink := &spy{name: "sink", log: &journal{}, onRead: func(ctx *filter.Context) (filter.NextAction, error) {
				lines = append(lines, ctx.Message().(string))
				return filter.Stop(), nil
			}}
			chain := filter.NewChain(decoder, sink)
			conn := filtertest.NewConn(chain)

			for _, c := range tt.chunks {
				if _, err := conn.Read([]byte(c)); err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
			}
			if !equalStrings(lines, tt.want) {
				t.Errorf("Expected %q, got %q", tt.want, lines)
			}
		})
	}
}

func TestChain_IncompleteChunkMergedByAppender(t *testing.T) {
	var seen [][]byte
	f := &spy{name: "f", log: &journal{}, onRead: func(ctx *filter.Context) (filter.NextAction, error) {
		data := ctx.Message().([]byte)
		seen = append(seen, bytes.Clone(data))
		if len(data) < 6 {
			return filter.StopIncomplete(data, nil), nil
		}
		return filter.Stop(), nil
	}}
	chain := filter.NewChain(f)
	conn := filtertest.NewConn(chain)

	for _, c := range []string{"ab", "cd", "ef"} {
		if _, err := conn.Read([]byte(c)); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	want := []string{"ab", "abcd", "abcdef"}
	if len(seen) != len(want) {
		t.Fatalf("Expected %d deliveries, got %d", len(want), len(seen))
	}
	for i := range want {
		if string(seen[i]) != want[i] {
			t.Errorf("Delivery %d: expected %q, got %q", i, want[i], seen[i])
		}
	}
}

func TestChain_HandlerErrorClosesConnection(t *testing.T) {
	log := &journal{}
	ps := spies(log, "a", "b", "c")
	boom := errors.New("boom")
	ps[1].onRead = func(*filter.Context) (filter.NextAction, error) { return nil, boom }
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	ctx := chain.NewContext(conn, filter.OpRead)
	ctx.SetMessage([]byte("x"))
	var got error
	ctx.SetCompletion(func(err error) { got = err })

	res, err := chain.Process(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if res != filter.ResultFailed {
		t.Errorf("Expected failed result, got %s", res)
	}
	if !errors.Is(got, boom) {
		t.Errorf("Expected completion to receive boom, got %v", got)
	}
	if len(ps[1].exceptions) != 1 || len(ps[0].exceptions) != 0 || len(ps[2].exceptions) != 0 {
		t.Errorf("Expected only the failing filter to observe the error, got a=%d b=%d c=%d",
			len(ps[0].exceptions), len(ps[1].exceptions), len(ps[2].exceptions))
	}
	if got, want := log.get(), []string{"a:read", "b:read"}; !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if !conn.WaitClosed(time.Second) {
		t.Fatal("Expected connection to be closed")
	}
	if !errors.Is(conn.Cause(), boom) {
		t.Errorf("Expected close cause boom, got %v", conn.Cause())
	}
}

func TestChain_RejectedWriteKeepsConnectionOpen(t *testing.T) {
	log := &journal{}
	ps := spies(log, "a")
	rejected := fmt.Errorf("%w: too much", filter.ErrWriteRejected)
	ps[0].onWrite = func(*filter.Context) (filter.NextAction, error) { return nil, rejected }
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	var got error
	err := chain.Write(conn, []byte("x"), func(err error) { got = err })
	if !errors.Is(err, filter.ErrWriteRejected) {
		t.Fatalf("Expected ErrWriteRejected, got %v", err)
	}
	if !errors.Is(got, filter.ErrWriteRejected) {
		t.Errorf("Expected completion error, got %v", got)
	}
	if !conn.IsOpen() {
		t.Error("Expected connection to stay open")
	}
}

func TestChain_NilActionIsAnError(t *testing.T) {
	ps := spies(&journal{}, "a")
	ps[0].onRead = func(*filter.Context) (filter.NextAction, error) { return nil, nil }
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	if _, err := conn.Read([]byte("x")); !errors.Is(err, filter.ErrNilAction) {
		t.Errorf("Expected ErrNilAction, got %v", err)
	}
}

func TestChain_FireEvents(t *testing.T) {
	log := &journal{}
	ps := spies(log, "a", "b", "c")
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	if err := chain.FireEventUpstream(conn, customEvent{}, nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := chain.FireEventDownstream(conn, customEvent{}, nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []string{"a:custom", "b:custom", "c:custom", "c:custom", "b:custom", "a:custom"}
	if got := log.get(); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestContext_NotifyAndWriteFromMiddle(t *testing.T) {
	log := &journal{}
	ps := spies(log, "a", "b", "c")
	ps[1].onRead = func(ctx *filter.Context) (filter.NextAction, error) {
		if err := ctx.NotifyDownstream(customEvent{}, nil); err != nil {
			return nil, err
		}
		if err := ctx.NotifyUpstream(customEvent{}, nil); err != nil {
			return nil, err
		}
		if err := ctx.Write([]byte("reply"), nil); err != nil {
			return nil, err
		}
		return filter.Stop(), nil
	}
	chain := filter.NewChain(asFilters(ps)...)
	conn := filtertest.NewConn(chain)

	if _, err := conn.Read([]byte("x")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []string{"a:read", "b:read", "a:custom", "c:custom", "a:write"}
	if got := log.get(); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestChain_FlushReachesTransport(t *testing.T) {
	chain := filter.NewChain(&filtertest.Transport{}, &spy{name: "app", log: &journal{}})
	conn := filtertest.NewConn(chain)

	done := false
	if err := chain.Flush(conn, func(err error) { done = err == nil }); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !done {
		t.Error("Expected flush completion")
	}
	if conn.Flushes() != 1 {
		t.Errorf("Expected 1 flush, got %d", conn.Flushes())
	}
}

func TestChain_WriteReachesTransport(t *testing.T) {
	chain := filter.NewChain(&filtertest.Transport{}, &spy{name: "app", log: &journal{}})
	conn := filtertest.NewConn(chain)

	if err := chain.Write(conn, [][]byte{[]byte("ab"), []byte("cd")}, nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := string(conn.WrittenBytes()); got != "abcd" {
		t.Errorf("Expected abcd, got %q", got)
	}
}

func TestChain_MutationNotifications(t *testing.T) {
	ps := spies(&journal{}, "a", "b", "c")
	chain := filter.NewChain(ps[0], ps[1])

	if ps[0].added != 1 || ps[1].added != 1 {
		t.Fatalf("Expected both initial filters to be added once, got %d %d", ps[0].added, ps[1].added)
	}
	if ps[0].changed != 0 {
		t.Errorf("Expected no change notification for filters added together, got %d", ps[0].changed)
	}

	if err := chain.Insert(1, ps[2]); err != nil {
		t.Fatalf("Unexpected insert error: %v", err)
	}
	if ps[2].added != 1 || ps[2].changed != 0 {
		t.Errorf("Expected inserted filter added=1 changed=0, got %d %d", ps[2].added, ps[2].changed)
	}
	if ps[0].changed != 1 || ps[1].changed != 1 {
		t.Errorf("Expected other filters notified once, got %d %d", ps[0].changed, ps[1].changed)
	}
	if chain.IndexOf(ps[2]) != 1 {
		t.Errorf("Expected inserted filter at 1, got %d", chain.IndexOf(ps[2]))
	}

	if !chain.Remove(ps[0]) {
		t.Fatal("Expected remove to succeed")
	}
	if ps[0].removed != 1 {
		t.Errorf("Expected removed filter notified, got %d", ps[0].removed)
	}
	if ps[1].changed != 2 || ps[2].changed != 1 {
		t.Errorf("Expected change notifications 2 and 1, got %d %d", ps[1].changed, ps[2].changed)
	}
	if ps[0].changed != 1 {
		t.Errorf("Expected removed filter not to get a change notification, got %d", ps[0].changed)
	}
	if chain.Remove(ps[0]) {
		t.Error("Expected second remove to report false")
	}
	if chain.Len() != 2 {
		t.Errorf("Expected 2 filters, got %d", chain.Len())
	}

	if _, err := chain.Set(5, ps[0]); err == nil {
		t.Error("Expected out of range Set to fail")
	}
	if err := chain.Insert(-1, ps[0]); err == nil {
		t.Error("Expected out of range Insert to fail")
	}
	prev, err := chain.Set(0, ps[0])
	if err != nil {
		t.Fatalf("Unexpected set error: %v", err)
	}
	if prev != filter.Filter(ps[2]) {
		t.Errorf("Expected Set to return the replaced filter")
	}
}

func TestChain_SharedAcrossConnections(t *testing.T) {
	decoder := &spy{name: "decoder", log: &journal{}, onRead: lineDecoder}
	var mu sync.Mutex
	got := map[uint64][]string{}
	sink := &spy{name: "sink", log: &journal{}, onRead: func(ctx *filter.Context) (filter.NextAction, error) {
		mu.Lock()
		got[ctx.Connection().ID()] = append(got[ctx.Connection().ID()], ctx.Message().(string))
		mu.Unlock()
		return filter.Stop(), nil
	}}
	chain := filter.NewChain(decoder, sink)
	c1 := filtertest.NewConn(chain)
	c2 := filtertest.NewConn(chain)

	steps := []struct {
		conn *filtertest.Conn
		data string
	}{
		{c1, "fir"}, {c2, "sec"}, {c1, "st\n"}, {c2, "ond\n"},
	}
	for _, s := range steps {
		if _, err := s.conn.Read([]byte(s.data)); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if !equalStrings(got[c1.ID()], []string{"first"}) || !equalStrings(got[c2.ID()], []string{"second"}) {
		t.Errorf("Expected per-connection lines, got %v", got)
	}
}
