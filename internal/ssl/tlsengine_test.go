package ssl

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/filter/filtertest"
)

// testTLSConfigs returns a server and a client config trusting a fresh
// self-signed certificate for localhost.
func testTLSConfigs(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
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

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
		NextProtos:   []string{"h2"},
	}
	client := &tls.Config{RootCAs: pool, NextProtos: []string{"h2"}}
	return server, client
}

// pumpHandshake drives two engines until both report Finished.
func pumpHandshake(t *testing.T, client, server *TLSEngine) {
	t.Helper()
	if err := client.BeginHandshake(); err != nil {
		t.Fatalf("Client BeginHandshake failed: %v", err)
	}
	if err := server.BeginHandshake(); err != nil {
		t.Fatalf("Server BeginHandshake failed: %v", err)
	}
	finished := map[*TLSEngine]bool{}
	var toServer, toClient []byte
	buf := make([]byte, MaxPacketSize)
	plain := make([]byte, MaxPlaintext)

	flush := func(e *TLSEngine, out *[]byte) {
		for e.HandshakeStatus() == NeedWrap {
			res, err := e.Wrap(nil, buf)
			if err != nil {
				t.Fatalf("Wrap failed: %v", err)
			}
			*out = append(*out, buf[:res.Produced]...)
			if res.HandshakeStatus == Finished {
				finished[e] = true
			}
		}
	}
	feed := func(e *TLSEngine, in *[]byte) {
		for n := PacketSize(*in); n > 0 && n <= len(*in); n = PacketSize(*in) {
			res, err := e.Unwrap(*in, plain)
			if err != nil {
				t.Fatalf("Unwrap failed: %v", err)
			}
			*in = (*in)[res.Consumed:]
			if res.HandshakeStatus == Finished {
				finished[e] = true
			}
		}
	}
	for i := 0; i < 20 && !(finished[client] && finished[server]); i++ {
		flush(client, &toServer)
		feed(server, &toServer)
		flush(server, &toClient)
		feed(client, &toClient)
	}
	if !finished[client] || !finished[server] {
		t.Fatalf("Expected both sides to finish, got client=%v server=%v", finished[client], finished[server])
	}
}

func TestTLSEngineHandshakeAndData(t *testing.T) {
	serverCfg, clientCfg := testTLSConfigs(t)
	client := NewTLSEngine(clientCfg, "localhost", true)
	server := NewTLSEngine(serverCfg, "", false)
	defer client.Close()
	defer server.Close()

	pumpHandshake(t, client, server)

	if !client.Session().IsValid() || !server.Session().IsValid() {
		t.Error("Expected valid sessions")
	}
	if p := client.Session().Protocol(); p != "h2" {
		t.Errorf("Expected ALPN h2, got %q", p)
	}
	if n := len(client.Session().PeerCertificates()); n != 1 {
		t.Errorf("Expected 1 peer certificate, got %d", n)
	}

	rec := make([]byte, MaxPacketSize)
	res, err := client.Wrap([][]byte{[]byte("hello "), []byte("world")}, rec)
	if err != nil || res.Status != StatusOK {
		t.Fatalf("Wrap failed: %v %v", res.Status, err)
	}
	if res.Consumed != len("hello world") {
		t.Errorf("Expected 11 bytes consumed, got %d", res.Consumed)
	}
	rec = rec[:res.Produced]

	small := make([]byte, 4)
	res, err = server.Unwrap(rec, small)
	if err != nil || res.Status != StatusBufferOverflow {
		t.Errorf("Expected BUFFER_OVERFLOW for a small buffer, got %v %v", res.Status, err)
	}

	plain := make([]byte, MaxPlaintext)
	res, err = server.Unwrap(rec, plain)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if got := string(plain[:res.Produced]); got != "hello world" {
		t.Errorf("Expected 'hello world', got %q", got)
	}

	if err := server.BeginHandshake(); !errors.Is(err, ErrRenegotiationUnsupported) {
		t.Errorf("Expected ErrRenegotiationUnsupported, got %v", err)
	}
}

func TestTLSEngineUnderflow(t *testing.T) {
	serverCfg, _ := testTLSConfigs(t)
	server := NewTLSEngine(serverCfg, "", false)
	defer server.Close()
	if err := server.BeginHandshake(); err != nil {
		t.Fatalf("BeginHandshake failed: %v", err)
	}
	res, err := server.Unwrap([]byte{22, 3, 1, 0, 200, 1}, make([]byte, MaxPlaintext))
	if err != nil || res.Status != StatusBufferUnderflow {
		t.Errorf("Expected BUFFER_UNDERFLOW, got %v %v", res.Status, err)
	}
	if hs := server.HandshakeStatus(); hs != NeedUnwrap {
		t.Errorf("Expected NEED_UNWRAP, got %v", hs)
	}
}

func TestTLSEngineRejectsGarbage(t *testing.T) {
	serverCfg, _ := testTLSConfigs(t)
	server := NewTLSEngine(serverCfg, "", false)
	defer server.Close()
	_ = server.BeginHandshake()

	_, err := server.Unwrap(record(recHandshake, "definitely not a client hello"), make([]byte, MaxPlaintext))
	if err == nil {
		t.Fatal("Expected the handshake to fail")
	}
	// The alert can still be drained.
	if hs := server.HandshakeStatus(); hs == NeedWrap {
		res, _ := server.Wrap(nil, make([]byte, MaxPacketSize))
		if res.Produced == 0 {
			t.Error("Expected alert bytes")
		}
	}
	if _, err := server.Wrap(nil, make([]byte, MaxPacketSize)); err == nil {
		t.Error("Expected Wrap to report the handshake error")
	}
}

func TestFilterOverTLS(t *testing.T) {
	serverCfg, clientCfg := testTLSConfigs(t)

	completed := make(chan Session, 2)
	l := HandshakeListenerFuncs{Complete: func(_ filter.Connection, s Session, _ time.Duration) { completed <- s }}
	server := NewFilter(NewServerConfigurator(serverCfg), nil, WithLogger(quietLogger()), WithHandshakeListener(l))
	client := NewFilter(nil, NewClientConfigurator(clientCfg, "localhost"), WithLogger(quietLogger()), WithHandshakeListener(l))

	serverSink, clientSink := newSink(), newSink()
	sc := filtertest.NewConn(filter.NewChain(&filtertest.Transport{}, server, serverSink))
	cc := filtertest.NewConn(filter.NewChain(&filtertest.Transport{}, client, clientSink))
	filtertest.Connect(sc, cc)
	defer sc.Close(nil)
	defer cc.Close(nil)

	_ = cc.Processor().Write(cc, []byte("early bird"), nil)
	if _, err := cc.Fire(filter.OpConnect); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case s := <-completed:
			if s.Protocol() != "h2" {
				t.Errorf("Expected ALPN h2, got %q", s.Protocol())
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Expected both handshakes to complete")
		}
	}

	deadline := time.After(5 * time.Second)
	for string(serverSink.bytes()) != "early bird" {
		select {
		case <-serverSink.got:
		case <-deadline:
			t.Fatalf("Expected the server to read 'early bird', got %q", serverSink.bytes())
		}
	}

	_ = sc.Processor().Write(sc, []byte("reply"), nil)
	deadline = time.After(5 * time.Second)
	for string(clientSink.bytes()) != "reply" {
		select {
		case <-clientSink.got:
		case <-deadline:
			t.Fatalf("Expected the client to read 'reply', got %q", clientSink.bytes())
		}
	}
}

func TestServerConfiguratorClientAuth(t *testing.T) {
	tests := []struct {
		auth       tls.ClientAuthType
		need, want bool
	}{
		{tls.NoClientCert, false, false},
		{tls.RequestClientCert, false, true},
		{tls.VerifyClientCertIfGiven, false, true},
		{tls.RequireAnyClientCert, true, false},
		{tls.RequireAndVerifyClientCert, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.auth.String(), func(t *testing.T) {
			c := NewServerConfigurator(&tls.Config{ClientAuth: tt.auth})
			if c.NeedAuth != tt.need || c.WantAuth != tt.want {
				t.Errorf("Expected need=%v want=%v, got need=%v want=%v", tt.need, tt.want, c.NeedAuth, c.WantAuth)
			}
			e := c.CreateEngine("", 0)
			if e.NeedClientAuth() != tt.need || e.WantClientAuth() != tt.want {
				t.Errorf("Expected engine need=%v want=%v, got need=%v want=%v", tt.need, tt.want, e.NeedClientAuth(), e.WantClientAuth())
			}
		})
	}
}

func TestFilterOverTLSRequiresWantedCertificate(t *testing.T) {
	tests := []struct {
		name       string
		clientCert bool
		wantClosed bool
	}{
		{name: "no certificate is refused", wantClosed: true},
		{name: "certificate is accepted", clientCert: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverCfg, clientCfg := testTLSConfigs(t)
			serverCfg.ClientAuth = tls.RequestClientCert
			if tt.clientCert {
				clientCfg.Certificates = serverCfg.Certificates
			}

			server := NewFilter(NewServerConfigurator(serverCfg), nil,
				WithLogger(quietLogger()), WithRenegotiateOnClientAuthWant(true))
			client := NewFilter(nil, NewClientConfigurator(clientCfg, "localhost"), WithLogger(quietLogger()))
			serverSink := newSink()
			sc := filtertest.NewConn(filter.NewChain(&filtertest.Transport{}, server, serverSink))
			cc := filtertest.NewConn(filter.NewChain(&filtertest.Transport{}, client, newSink()))
			filtertest.Connect(sc, cc)
			defer sc.Close(nil)
			defer cc.Close(nil)

			_ = cc.Processor().Write(cc, []byte("hello"), nil)
			if _, err := cc.Fire(filter.OpConnect); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}

			if tt.wantClosed {
				if !sc.WaitClosed(5 * time.Second) {
					t.Fatal("Expected the server to close the connection")
				}
				if !errors.Is(sc.Cause(), ErrClientAuthRequired) {
					t.Errorf("Expected ErrClientAuthRequired, got %v", sc.Cause())
				}
				if got := serverSink.bytes(); len(got) != 0 {
					t.Errorf("Expected no application data to pass, got %q", got)
				}
				return
			}

			deadline := time.After(5 * time.Second)
			for string(serverSink.bytes()) != "hello" {
				select {
				case <-serverSink.got:
				case <-deadline:
					t.Fatalf("Expected the server to read 'hello', got %q", serverSink.bytes())
				}
			}
			if !sc.IsOpen() {
				t.Errorf("Expected the connection to stay open, cause %v", sc.Cause())
			}
		})
	}
}
