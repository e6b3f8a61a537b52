package integration

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
	"github.com/FumingPower3925/tessera/pkg/tessera"
)

var testPortCounter uint32

func getTestPort() string {
	// Use atomic counter to ensure unique ports across parallel tests
	port := 21000 + atomic.AddUint32(&testPortCounter, 1)
	return fmt.Sprintf(":%d", port)
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", "127.0.0.1"+addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("server %s not ready", addr)
}

func testConfig() tessera.Config {
	config := tessera.DefaultConfig()
	config.Addr = getTestPort()
	config.Multicore = false
	config.NumEventLoop = 2
	return config
}

// startServer starts a tessera server running filters and stops it when
// the test ends.
func startServer(t *testing.T, config tessera.Config, filters ...tessera.Filter) *tessera.Server {
	t.Helper()
	server, err := tessera.New(config, filters...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := waitForServer(config.Addr, 2*time.Second); err != nil {
		t.Fatalf("Server error: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })
	return server
}

func createHTTP2Client() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
			DisableCompression: true,
		},
		Timeout: 5 * time.Second,
	}
}

func createHTTP2TLSClient(pool *x509.CertPool) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			TLSClientConfig:    &tls.Config{RootCAs: pool, ServerName: "localhost"},
			DisableCompression: true,
		},
		Timeout: 5 * time.Second,
	}
}

// testCertificate returns a server config for localhost and a pool that
// trusts it.
func testCertificate(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}}}, pool
}

// echo writes every chunk back.
type echo struct{ filter.BaseFilter }

func (echo) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	in := buffer.Flatten(ctx.Message())
	out := make([]byte, len(in))
	copy(out, in)
	return filter.Stop(), ctx.Write(out, nil)
}

// collector hands every chunk a client chain reads to a channel.
type collector struct {
	filter.BaseFilter
	got chan []byte
}

func newCollector() *collector { return &collector{got: make(chan []byte, 64)} }

func (c *collector) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	in := buffer.Flatten(ctx.Message())
	out := make([]byte, len(in))
	copy(out, in)
	c.got <- out
	return filter.Stop(), nil
}

func (c *collector) readN(t *testing.T, n int) []byte {
	t.Helper()
	var out []byte
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case b := <-c.got:
			out = append(out, b...)
		case <-timeout:
			t.Fatalf("Expected %d bytes, got %d: %q", n, len(out), out)
		}
	}
	return out
}

// responder is a small HTTP/2 server application: it acknowledges
// SETTINGS and PING and answers each request with its body, or its path
// when there is none.
type responder struct {
	filter.BaseFilter
	key *filter.AttributeKey[*requests]
}

type requests struct {
	mu     sync.Mutex
	bodies map[uint32][]byte
	paths  map[uint32]string
}

func newResponder() *responder {
	return &responder{key: filter.NewAttributeKey[*requests]("test.requests")}
}

func (r *responder) state(conn filter.Connection) *requests {
	return r.key.GetOrCreate(conn.Attributes(), func() *requests {
		return &requests{bodies: make(map[uint32][]byte), paths: make(map[uint32]string)}
	})
}

func (r *responder) HandleAccept(ctx *filter.Context) (filter.NextAction, error) {
	return filter.Invoke(), ctx.Write(frame.NewSettingsFrame(), nil)
}

func (r *responder) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
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
		st := r.state(ctx.Connection())
		path, _ := m.Get(":path")
		st.mu.Lock()
		if _, ok := st.paths[m.StreamID]; !ok {
			st.paths[m.StreamID] = path
		}
		st.mu.Unlock()
		if m.EndStream {
			return filter.Stop(), r.respond(ctx, st, m.StreamID)
		}
	case *frame.DataFrame:
		st := r.state(ctx.Connection())
		st.mu.Lock()
		st.bodies[m.StreamID()] = append(st.bodies[m.StreamID()], m.Data()...)
		st.mu.Unlock()
		if m.EndStream() {
			return filter.Stop(), r.respond(ctx, st, m.StreamID())
		}
	}
	return filter.Stop(), nil
}

func (r *responder) respond(ctx *filter.Context, st *requests, id uint32) error {
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
			{Name: "content-length", Value: fmt.Sprint(len(body))},
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
