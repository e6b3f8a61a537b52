// Command tessera-echo runs an echo server on the tessera pipeline. In byte
// mode it writes back whatever it reads; with -h2 it speaks enough HTTP/2
// to answer each request with its body. Prometheus metrics are served on
// -metrics-addr.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FumingPower3925/tessera/internal/date"
	"github.com/FumingPower3925/tessera/pkg/tessera"
)

func main() {
	var (
		addr        = flag.String("addr", ":9000", "address to listen on")
		metricsAddr = flag.String("metrics-addr", ":9100", "address for /metrics (empty disables)")
		h2          = flag.Bool("h2", false, "speak HTTP/2 (prior knowledge, or ALPN with TLS)")
		compression = flag.Bool("brotli", false, "frame the stream as brotli blocks")
		certFile    = flag.String("cert", "", "TLS certificate file")
		keyFile     = flag.String("key", "", "TLS key file")
		selfSigned  = flag.Bool("self-signed", false, "serve TLS with a generated certificate")
		acceptRate  = flag.Float64("accept-rate", 0, "accepted connections per second (0 for unlimited)")
		verbose     = flag.Bool("v", false, "log pipeline events")
	)
	flag.Parse()

	config := tessera.DefaultConfig()
	config.Addr = *addr
	config.EnableH2 = *h2
	config.ValidateRequests = *h2
	config.Compression = *compression
	config.AcceptRate = *acceptRate
	config.AcceptBurst = int(*acceptRate) + 1
	config.EnableTracing = true
	if *verbose {
		config.Logger = log.New(os.Stderr, "tessera ", log.LstdFlags|log.Lmicroseconds)
	}

	tlsConfig, err := loadTLS(*certFile, *keyFile, *selfSigned)
	if err != nil {
		log.Fatalf("TLS setup failed: %v", err)
	}
	if tlsConfig != nil && *h2 {
		tlsConfig.NextProtos = []string{"h2"}
	}
	config.TLSConfig = tlsConfig

	var app tessera.Filter = byteEcho{}
	if *h2 {
		app = newH2Echo()
		stopDate := date.StartTicker()
		defer stopDate()
	}
	server, err := tessera.New(config, app)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx)
	})
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tessera.MetricsHandler())
		metrics := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), tessera.ShutdownTimeout)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}

	log.Printf("tessera-echo listening on %s (tls: %v, h2: %v, brotli: %v)", config.Addr, tlsConfig != nil, *h2, *compression)
	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

func loadTLS(certFile, keyFile string, selfSigned bool) (*tls.Config, error) {
	switch {
	case certFile != "" || keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	case selfSigned:
		cert, err := generateCertificate()
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	}
	return nil, nil
}

func generateCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
