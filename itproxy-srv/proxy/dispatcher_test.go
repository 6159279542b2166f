package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/codefionn/itproxy/itproxy-srv/metrics"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
	"github.com/codefionn/itproxy/itproxy-srv/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCollector keeps what the dispatcher reports.
type recordingCollector struct {
	*stats.DummyCollector

	mu      sync.Mutex
	misses  []string
	errors  []string
	started []string
	ended   []int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{DummyCollector: stats.NewDummyCollector()}
}

func (c *recordingCollector) StartConnection(_ context.Context, _, _, targetHost string, targetPort int, protocol string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, fmt.Sprintf("%s %s:%d", protocol, targetHost, targetPort))
	return int64(len(c.started)), nil
}

func (c *recordingCollector) EndConnection(_ context.Context, _ int64, statusCode int, _ time.Duration, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, statusCode)
	return nil
}

func (c *recordingCollector) RecordError(_ context.Context, _ int64, errorType, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, errorType)
	return nil
}

func (c *recordingCollector) RecordResolutionMiss(_ context.Context, host, method, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses = append(c.misses, host+" "+method+" "+path)
	return nil
}

func (c *recordingCollector) snapshot() (misses, errs []string, ended []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.misses...), append([]string(nil), c.errors...), append([]int(nil), c.ended...)
}

// backendTarget returns the session target of an httptest server.
func backendTarget(t *testing.T, serverURL string) sessions.Target {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return sessions.Target{Host: host, Port: port}
}

// closedPortTarget returns a local address nothing listens on.
func closedPortTarget(t *testing.T) sessions.Target {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return sessions.Target{Host: "127.0.0.1", Port: port}
}

// newTestProxy serves a proxy for cfg on an httptest server.
func newTestProxy(t *testing.T, cfg *config.Config, sessionMap sessions.Map, collector stats.Collector, m *metrics.Collector) *httptest.Server {
	t.Helper()
	srv := NewServer(cfg, sessionMap, collector, m)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop()
	})
	return ts
}

func noRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func doRequest(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// echoBackend answers with the host, request URI and routing headers it saw.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Host", r.Host)
		w.Header().Set("X-Seen-Tool-Host", r.Header.Get(HeaderToolHost))
		w.Header().Set("X-Seen-Tool-Port", r.Header.Get(HeaderToolPort))
		w.Header().Set("X-Seen-Content-Type", r.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, r.URL.RequestURI())
	}))
	t.Cleanup(backend.Close)
	return backend
}

func TestUnresolvedTargetReturns502(t *testing.T) {
	collector := newRecordingCollector()
	ts := newTestProxy(t, config.Default(), nil, collector, nil)

	req, err := http.NewRequest("GET", ts.URL+"/anything", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://galaxy.example.org")

	resp, body := doRequest(t, req)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ProxyTargetMissing, body)
	assert.Equal(t, "https://galaxy.example.org", resp.Header.Get(headerAllowOrigin))
	assert.Equal(t, "true", resp.Header.Get(headerAllowCredentials))

	assert.Eventually(t, func() bool {
		misses, errs, ended := collector.snapshot()
		return len(misses) == 1 && len(errs) == 1 && len(ended) == 1 && ended[0] == http.StatusBadGateway
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownSessionReturns502(t *testing.T) {
	backend := echoBackend(t)
	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: backendTarget(t, backend.URL)},
	})
	ts := newTestProxy(t, config.Default(), store, nil, nil)

	req, err := http.NewRequest("GET", ts.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "k-wrongtoken.example.com"

	resp, body := doRequest(t, req)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ProxyTargetMissing, body)
}

func TestProxiesToSessionTarget(t *testing.T) {
	backend := echoBackend(t)
	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: backendTarget(t, backend.URL)},
	})
	ts := newTestProxy(t, config.Default(), store, nil, nil)

	req, err := http.NewRequest("GET", ts.URL+"/hello?x=1", nil)
	require.NoError(t, err)
	req.Host = "k-t.example.com"
	req.Header.Set("Origin", "https://galaxy.example.org")
	req.Header.Set(HeaderToolHost, "smuggled")

	resp, body := doRequest(t, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/hello?x=1", body)
	assert.Equal(t, "k-t.example.com", resp.Header.Get("X-Seen-Host"))
	assert.Empty(t, resp.Header.Get("X-Seen-Tool-Host"))
	assert.Equal(t, "https://galaxy.example.org", resp.Header.Get(headerAllowOrigin))
	assert.Equal(t, "true", resp.Header.Get(headerAllowCredentials))
}

func TestProxiesPathPrefix(t *testing.T) {
	backend := echoBackend(t)
	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: backendTarget(t, backend.URL)},
	})
	cfg := config.Default()
	cfg.ProxyPathPrefix = "/interactivetool/ep"
	ts := newTestProxy(t, cfg, store, nil, nil)

	req, err := http.NewRequest("GET", ts.URL+"/interactivetool/ep/k/t/a/b?q=2", nil)
	require.NoError(t, err)

	resp, body := doRequest(t, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/a/b?q=2", body)
}

func TestProxiesPathPrefixKeepsEncoding(t *testing.T) {
	backend := echoBackend(t)
	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: backendTarget(t, backend.URL)},
	})
	cfg := config.Default()
	cfg.ProxyPathPrefix = "/proxy"
	ts := newTestProxy(t, cfg, store, nil, nil)

	req, err := http.NewRequest("GET", ts.URL+"/proxy/k/t/files/a%2Fb.txt?x=1", nil)
	require.NoError(t, err)

	resp, body := doRequest(t, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/files/a%2Fb.txt?x=1", body)
}

func TestProxiesHeaderMode(t *testing.T) {
	backend := echoBackend(t)
	target := backendTarget(t, backend.URL)
	ts := newTestProxy(t, config.Default(), nil, nil, nil)

	req, err := http.NewRequest("POST", ts.URL+"/rstudio/auth", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderToolHost, target.Host)
	req.Header.Set(HeaderToolPort, strconv.Itoa(target.Port))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")

	resp, body := doRequest(t, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/rstudio/auth", body)
	assert.Equal(t, "application/x-www-form-urlencoded", resp.Header.Get("X-Seen-Content-Type"))
	assert.Empty(t, resp.Header.Get("X-Seen-Tool-Host"))
	assert.Empty(t, resp.Header.Get("X-Seen-Tool-Port"))
}

// upstreamBytes returns the upstream byte counter for direction.
func upstreamBytes(t *testing.T, m *metrics.Collector, direction string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "itproxy_upstream_bytes_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "direction" && label.GetValue() == direction {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestUpstreamTrafficIsCounted(t *testing.T) {
	backend := echoBackend(t)
	m := metrics.NewCollector(nil)
	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: backendTarget(t, backend.URL)},
	})
	ts := newTestProxy(t, config.Default(), store, nil, m)

	req, err := http.NewRequest("GET", ts.URL+"/counted", nil)
	require.NoError(t, err)
	req.Host = "k-t.example.com"

	resp, body := doRequest(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/counted", body)

	assert.Positive(t, upstreamBytes(t, m, "sent"))
	assert.Greater(t, upstreamBytes(t, m, "received"), float64(len(body)))
}

func TestUpstreamUnreachableReturns502(t *testing.T) {
	collector := newRecordingCollector()
	m := metrics.NewCollector(nil)
	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: closedPortTarget(t)},
	})
	ts := newTestProxy(t, config.Default(), store, collector, m)

	req, err := http.NewRequest("GET", ts.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "k-t.example.com"

	resp, body := doRequest(t, req)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ProxyTargetMissing, body)

	assert.Eventually(t, func() bool {
		misses, errs, _ := collector.snapshot()
		return len(misses) == 0 && len(errs) == 1 && errs[0] == stats.ErrorTypeUpstream
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `itproxy_upstream_errors_total{protocol="http"} 1`)
}

// stalledCollector never returns from a write until release is closed.
type stalledCollector struct {
	*stats.DummyCollector
	release chan struct{}
}

func (c *stalledCollector) StartConnection(context.Context, string, string, string, int, string) (int64, error) {
	<-c.release
	return 1, nil
}

func (c *stalledCollector) RecordResolutionMiss(context.Context, string, string, string) error {
	<-c.release
	return nil
}

func TestStalledStatsBackendDoesNotDelayRequests(t *testing.T) {
	backend := echoBackend(t)
	stalled := &stalledCollector{DummyCollector: stats.NewDummyCollector(), release: make(chan struct{})}
	buffered := stats.NewBufferedCollectorWithInterval(stalled, 10*time.Millisecond)
	t.Cleanup(func() {
		close(stalled.release)
		_ = buffered.Close()
	})

	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: backendTarget(t, backend.URL)},
	})
	ts := newTestProxy(t, config.Default(), store, buffered, nil)

	for i := range 3 {
		req, err := http.NewRequest("GET", ts.URL+"/", nil)
		require.NoError(t, err)
		req.Host = "k-t.example.com"

		start := time.Now()
		resp, _ := doRequest(t, req)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
		assert.Less(t, time.Since(start), 2*time.Second, "request %d", i)

		// Let the flusher pick up the records and block on the backend.
		time.Sleep(20 * time.Millisecond)
	}
}

func TestForwardingOverride(t *testing.T) {
	backend := echoBackend(t)
	forward := backendTarget(t, backend.URL)
	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: sessions.Target{Host: "tool-container", Port: 8888}},
	})
	cfg := config.Default()
	cfg.ForwardIP = forward.Host
	cfg.ForwardPort = forward.Port
	ts := newTestProxy(t, cfg, store, nil, nil)

	req, err := http.NewRequest("GET", ts.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "k-t.example.com"

	resp, _ := doRequest(t, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tool-container", resp.Header.Get("X-Seen-Tool-Host"))
	assert.Equal(t, "8888", resp.Header.Get("X-Seen-Tool-Port"))
}

func TestReverseProxyLocationRewrite(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost/x", http.StatusFound)
	}))
	defer backend.Close()

	cfg := config.Default()
	cfg.ReverseProxy = true
	cfg.Port = 8080
	ts := newTestProxy(t, cfg, nil, nil, nil)

	target := backendTarget(t, backend.URL)
	req, err := http.NewRequest("GET", ts.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderToolHost, target.String())

	resp, _ := doRequest(t, req)

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://localhost:8080/x", resp.Header.Get("Location"))
}

type fakeEngine struct {
	web func(w http.ResponseWriter, r *http.Request, target *sessions.Target, onError func(error))
}

func (f *fakeEngine) Web(w http.ResponseWriter, r *http.Request, target *sessions.Target, onError func(error)) {
	f.web(w, r, target, onError)
}

func (f *fakeEngine) WS(w http.ResponseWriter, r *http.Request, target *sessions.Target, onError func(error)) {
	f.web(w, r, target, onError)
}

func (f *fakeEngine) Close() error { return nil }

func TestDispatcherRecoversPanics(t *testing.T) {
	engine := &fakeEngine{web: func(http.ResponseWriter, *http.Request, *sessions.Target, func(error)) {
		panic("boom")
	}}
	m := metrics.NewCollector(nil)
	d := NewDispatcher(config.Default(), nil, engine, nil, m)

	// Recovered panics abort the response so the client never sees a success.
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		d.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://example.com/", nil))
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `itproxy_requests_total{outcome="panic",protocol="http"} 1`)
}

func TestDispatcherPanicAbortsClientConnection(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	engine := &fakeEngine{web: func(w http.ResponseWriter, _ *http.Request, _ *sessions.Target, _ func(error)) {
		if fail.Load() {
			panic("boom")
		}
		w.WriteHeader(http.StatusNoContent)
	}}
	ts := httptest.NewServer(NewDispatcher(config.Default(), nil, engine, nil, nil))
	t.Cleanup(ts.Close)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/")
	if err == nil {
		_ = resp.Body.Close()
		assert.False(t, resp.StatusCode >= 200 && resp.StatusCode < 300, "got status %d", resp.StatusCode)
	}

	// The listener keeps serving after an aborted request.
	fail.Store(false)
	resp, err = client.Get(ts.URL + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDispatcherRepanicsAbortHandler(t *testing.T) {
	engine := &fakeEngine{web: func(http.ResponseWriter, *http.Request, *sessions.Target, func(error)) {
		panic(http.ErrAbortHandler)
	}}
	d := NewDispatcher(config.Default(), nil, engine, nil, nil)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		d.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://example.com/", nil))
	})
}

func TestDispatcherPassesEffectiveTarget(t *testing.T) {
	var got *sessions.Target
	engine := &fakeEngine{web: func(w http.ResponseWriter, r *http.Request, target *sessions.Target, _ func(error)) {
		got = target
		w.WriteHeader(http.StatusNoContent)
	}}
	cfg := config.Default()
	cfg.ForwardIP = "10.1.1.1"
	store := sessions.NewStore(map[string]sessions.Entry{
		"k": {Token: "t", Target: sessions.Target{Host: "h", Port: 1}},
	})
	d := NewDispatcher(cfg, store, engine, nil, nil)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest("GET", "http://k-t.example.com/", nil))

	require.NotNil(t, got)
	assert.Equal(t, sessions.Target{Host: "10.1.1.1", Port: 1}, *got)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(headerAllowCredentials))
}

func TestIsUpgradeRequest(t *testing.T) {
	tests := []struct {
		name       string
		connection string
		upgrade    string
		expected   bool
	}{
		{"websocket", "Upgrade", "websocket", true},
		{"token list", "keep-alive, Upgrade", "websocket", true},
		{"lowercase", "upgrade", "websocket", true},
		{"missing upgrade header", "Upgrade", "", false},
		{"missing connection token", "keep-alive", "websocket", false},
		{"plain", "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com/", nil)
			if tc.connection != "" {
				req.Header.Set("Connection", tc.connection)
			}
			if tc.upgrade != "" {
				req.Header.Set("Upgrade", tc.upgrade)
			}
			assert.Equal(t, tc.expected, isUpgradeRequest(req))
		})
	}
}
