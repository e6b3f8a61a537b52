// Package main runs an incremental load test against an in-process tessera
// server. Clients are added step by step while every client keeps sending
// requests, and per-second throughput, failures and dropped connections
// are reported for each step.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
	"github.com/FumingPower3925/tessera/pkg/tessera"
)

// LoadTestConfig defines the configuration of an incremental load test.
type LoadTestConfig struct {
	ServerAddr     string
	HTTP2          bool
	MaxConnections int
	AcceptRate     float64

	RampUpInterval time.Duration // time between steps
	ClientsPerStep int
	TestDuration   time.Duration
	RequestTimeout time.Duration
	RequestDelay   time.Duration // pause between requests of one client
}

// StepResult holds the counters of a single step.
type StepResult struct {
	StepNumber        int
	ClientCount       int
	TimeElapsed       time.Duration
	Requests          int64
	Successful        int64
	Failed            int64
	Dropped           int64
	RequestsPerSecond float64
	SuccessRate       float64
}

// LoadTestResult contains the results of a load test.
type LoadTestResult struct {
	Protocol      string
	TestDuration  time.Duration
	TotalRequests int64
	Successful    int64
	Failed        int64
	Dropped       int64
	MaxRPS        float64
	Steps         []StepResult
}

type counters struct {
	requests, successful, failed, dropped atomic.Int64
}

// LoadTestRunner manages a load test.
type LoadTestRunner struct {
	config  LoadTestConfig
	server  *tessera.Server
	clients atomic.Int64
	total   counters
}

// NewLoadTestRunner creates a runner for config.
func NewLoadTestRunner(config LoadTestConfig) *LoadTestRunner {
	return &LoadTestRunner{config: config}
}

// okFilter answers every byte chunk with "OK", or every HTTP/2 request
// with a 200 and "OK".
type okFilter struct {
	filter.BaseFilter
	h2 bool
}

func (okFilter) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
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
		if !m.EndStream {
			return filter.Stop(), nil
		}
		headers := &frame.HeaderBlock{
			StreamID: m.StreamID,
			Fields:   []hpack.HeaderField{{Name: ":status", Value: "200"}},
		}
		if err := ctx.Write(headers, nil); err != nil {
			return nil, err
		}
		return filter.Stop(), ctx.Write(frame.NewDataFrame(m.StreamID, []byte("OK"), true), nil)
	case *frame.DataFrame:
	default:
		if buffer.Size(ctx.Message()) > 0 {
			return filter.Stop(), ctx.Write([]byte("OK"), nil)
		}
	}
	return filter.Stop(), nil
}

func (f okFilter) HandleAccept(ctx *filter.Context) (filter.NextAction, error) {
	if f.h2 {
		return filter.Invoke(), ctx.Write(frame.NewSettingsFrame(), nil)
	}
	return filter.Invoke(), nil
}

// StartServer starts the tessera server.
func (r *LoadTestRunner) StartServer() error {
	config := tessera.DefaultConfig()
	config.Addr = r.config.ServerAddr
	config.EnableH2 = r.config.HTTP2
	config.MaxConnections = r.config.MaxConnections
	config.AcceptRate = r.config.AcceptRate
	config.EnableMetrics = false

	server, err := tessera.New(config, okFilter{h2: r.config.HTTP2})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	r.server = server
	return nil
}

// StopServer stops the tessera server.
func (r *LoadTestRunner) StopServer() error {
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), tessera.ShutdownTimeout)
	defer cancel()
	return r.server.Stop(ctx)
}

func (r *LoadTestRunner) waitForServer() error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", r.config.ServerAddr, 100*time.Millisecond)
		if err == nil {
			return conn.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server %s not ready", r.config.ServerAddr)
}

// Run executes the load test.
func (r *LoadTestRunner) Run(ctx context.Context) (*LoadTestResult, error) {
	if err := r.StartServer(); err != nil {
		return nil, err
	}
	defer func() { _ = r.StopServer() }()
	if err := r.waitForServer(); err != nil {
		return nil, err
	}

	result := &LoadTestResult{Protocol: "tcp"}
	if r.config.HTTP2 {
		result.Protocol = "HTTP/2"
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.TestDuration)
	defer cancel()
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	steps := rate.NewLimiter(rate.Every(r.config.RampUpInterval), 1)
	g.Go(func() error {
		for {
			if err := steps.Wait(ctx); err != nil {
				return nil
			}
			for i := 0; i < r.config.ClientsPerStep; i++ {
				r.clients.Add(1)
				g.Go(func() error {
					r.runClient(ctx)
					return nil
				})
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var last counters
		step := 0
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				step++
				s := StepResult{
					StepNumber:  step,
					ClientCount: int(r.clients.Load()),
					TimeElapsed: now.Sub(start),
					Requests:    r.total.requests.Load() - last.requests.Load(),
					Successful:  r.total.successful.Load() - last.successful.Load(),
					Failed:      r.total.failed.Load() - last.failed.Load(),
					Dropped:     r.total.dropped.Load() - last.dropped.Load(),
				}
				s.RequestsPerSecond = float64(s.Successful)
				if s.Requests > 0 {
					s.SuccessRate = float64(s.Successful) / float64(s.Requests) * 100
				}
				last.requests.Store(r.total.requests.Load())
				last.successful.Store(r.total.successful.Load())
				last.failed.Store(r.total.failed.Load())
				last.dropped.Store(r.total.dropped.Load())

				result.Steps = append(result.Steps, s)
				result.MaxRPS = max(result.MaxRPS, s.RequestsPerSecond)
			}
		}
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	result.TestDuration = time.Since(start)
	result.TotalRequests = r.total.requests.Load()
	result.Successful = r.total.successful.Load()
	result.Failed = r.total.failed.Load()
	result.Dropped = r.total.dropped.Load()
	return result, nil
}

func (r *LoadTestRunner) runClient(ctx context.Context) {
	if r.config.HTTP2 {
		r.runHTTP2Client(ctx)
		return
	}
	r.runTCPClient(ctx)
}

func (r *LoadTestRunner) runTCPClient(ctx context.Context) {
	dialer := &net.Dialer{Timeout: r.config.RequestTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.config.ServerAddr)
	if err != nil {
		r.total.dropped.Add(1)
		return
	}
	defer func() { _ = conn.Close() }()

	reply := make([]byte, 2)
	for ctx.Err() == nil {
		r.total.requests.Add(1)
		_ = conn.SetDeadline(time.Now().Add(r.config.RequestTimeout))
		if _, err := conn.Write([]byte("ping")); err != nil {
			r.total.dropped.Add(1)
			return
		}
		if _, err := io.ReadFull(conn, reply); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				r.total.dropped.Add(1)
				return
			}
			r.total.failed.Add(1)
			continue
		}
		if bytes.Equal(reply, []byte("OK")) {
			r.total.successful.Add(1)
		} else {
			r.total.failed.Add(1)
		}
		sleep(ctx, r.config.RequestDelay)
	}
}

func (r *LoadTestRunner) runHTTP2Client(ctx context.Context) {
	client := &http.Client{
		Timeout: r.config.RequestTimeout,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				dialer := &net.Dialer{Timeout: r.config.RequestTimeout}
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
	url := "http://" + r.config.ServerAddr + "/"
	for ctx.Err() == nil {
		r.total.requests.Add(1)
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				r.total.dropped.Add(1)
			}
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			r.total.successful.Add(1)
		} else {
			r.total.failed.Add(1)
		}
		sleep(ctx, r.config.RequestDelay)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func printResult(res *LoadTestResult) {
	fmt.Printf("\n%s load test, %v\n", res.Protocol, res.TestDuration.Round(time.Millisecond))
	fmt.Printf("%6s %8s %10s %10s %8s %8s %8s\n", "step", "clients", "requests", "ok", "failed", "dropped", "success")
	for _, s := range res.Steps {
		fmt.Printf("%6d %8d %10d %10d %8d %8d %7.1f%%\n",
			s.StepNumber, s.ClientCount, s.Requests, s.Successful, s.Failed, s.Dropped, s.SuccessRate)
	}
	fmt.Printf("\ntotal %d, ok %d, failed %d, dropped %d, max %.0f req/s\n",
		res.TotalRequests, res.Successful, res.Failed, res.Dropped, res.MaxRPS)
}

func main() {
	var config LoadTestConfig
	flag.StringVar(&config.ServerAddr, "addr", "127.0.0.1:19090", "address of the in-process server")
	flag.BoolVar(&config.HTTP2, "h2", false, "drive HTTP/2 prior knowledge requests instead of raw TCP")
	flag.IntVar(&config.MaxConnections, "max-conns", 0, "server connection limit (0 for unlimited)")
	flag.Float64Var(&config.AcceptRate, "accept-rate", 0, "server accept rate per second (0 for unlimited)")
	flag.DurationVar(&config.RampUpInterval, "ramp", 25*time.Millisecond, "interval between client steps")
	flag.IntVar(&config.ClientsPerStep, "step", 1, "clients added per step")
	flag.DurationVar(&config.TestDuration, "duration", 30*time.Second, "test duration")
	flag.DurationVar(&config.RequestTimeout, "timeout", 3*time.Second, "request timeout")
	flag.DurationVar(&config.RequestDelay, "delay", 2*time.Millisecond, "delay between requests of a client")
	flag.Parse()

	res, err := NewLoadTestRunner(config).Run(context.Background())
	if err != nil {
		log.Printf("Load test failed: %v", err)
		os.Exit(1)
	}
	printResult(res)
}
