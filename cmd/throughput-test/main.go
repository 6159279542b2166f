package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/metrics"
	"github.com/codefionn/itproxy/itproxy-srv/proxy"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	mode        = flag.String("mode", "header", "Routing mode: header or session")
)

const (
	sessionKey   = "bench"
	sessionToken = "token"
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

// newRequest builds a request routed to target by the selected mode.
func newRequest(ctx context.Context, proxyAddr string, target sessions.Target) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+proxyAddr+"/data", http.NoBody)
	if err != nil {
		return nil, err
	}
	if *mode == "session" {
		req.Host = sessionKey + "-" + sessionToken + ".localhost"
	} else {
		req.Header.Set(proxy.HeaderToolHost, target.Host)
		req.Header.Set(proxy.HeaderToolPort, strconv.Itoa(target.Port))
	}
	return req, nil
}

func sendRequest(ctx context.Context, client *http.Client, proxyAddr string, target sessions.Target) result {
	req, err := newRequest(ctx, proxyAddr, target)
	if err != nil {
		return result{0, fmt.Errorf("new request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return result{0, fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("status %d", resp.StatusCode)}
	}

	bytesRead, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return result{bytesRead, fmt.Errorf("read body: %w", err)}
	}
	if bytesRead != int64(*dataSize) {
		return result{bytesRead, fmt.Errorf("unexpected body size: %d", bytesRead)}
	}
	return result{bytesRead, nil}
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	targetPort := targetLn.Addr().(*net.TCPAddr).Port
	target := sessions.Target{Host: "127.0.0.1", Port: targetPort}
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			log.Printf("Data server error: %v", err)
		}
	}()

	var sessionMap sessions.Map
	if *mode == "session" {
		sessionMap = sessions.NewStore(map[string]sessions.Entry{
			sessionKey: {Token: sessionToken, Target: target},
		})
	}

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	proxyCfg := config.Default()
	proxyCfg.TimeoutSeconds = 5
	m := metrics.NewCollector(nil)
	p := proxy.NewServer(proxyCfg, sessionMap, nil, m)
	go func() {
		if err := p.StartWithListener(proxyLn); err != nil {
			log.Printf("Proxy server error: %v", err)
		}
	}()
	defer func() {
		_ = p.Stop()
	}()

	transport := &http.Transport{MaxIdleConnsPerHost: *concurrency}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	proxyAddr := proxyLn.Addr().String()

	jobs := make(chan struct{})
	results := make(chan result, *numRequests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				results <- sendRequest(ctx, client, proxyAddr, target)
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)

	success, errors, total := 0, 0, int64(0)
	for res := range results {
		if res.err != nil {
			errors++
		} else {
			success++
			total += res.bytes
		}
	}
	dur := time.Since(start)
	rps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Mode: %s, Duration: %.2f s, Success: %d, Errors: %d\n", *mode, dur.Seconds(), success, errors)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)

	if errors > 0 || ctx.Err() == context.DeadlineExceeded {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
