package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/metrics"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
)

// Engine moves bytes between a client and a resolved target. A nil target
// or any failure before the response is committed is reported through
// onError, which is then responsible for answering the client.
type Engine interface {
	Web(w http.ResponseWriter, r *http.Request, target *sessions.Target, onError func(error))
	WS(w http.ResponseWriter, r *http.Request, target *sessions.Target, onError func(error))
	Close() error
}

// HTTPEngine is an Engine built on httputil.ReverseProxy. Upgrade requests
// go through the same proxy, which hijacks the client after the upstream
// answered 101.
type HTTPEngine struct {
	transport *http.Transport
	tracker   *connTracker
}

// NewHTTPEngine creates an engine whose upstream dials time out after
// timeout (no limit when zero). Upstream traffic is counted on m, which may
// be nil.
func NewHTTPEngine(timeout time.Duration, m *metrics.Collector) *HTTPEngine {
	tracker := newConnTracker(m)
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			logger.Trace("DialContext: network=%s addr=%s", network, addr)
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, newCodedError(ErrCodeDialFailed, err)
			}
			return tracker.track(conn)
		},
		DisableKeepAlives:     false,
		DisableCompression:    true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPEngine{transport: transport, tracker: tracker}
}

// Web proxies a plain HTTP request.
func (e *HTTPEngine) Web(w http.ResponseWriter, r *http.Request, target *sessions.Target, onError func(error)) {
	e.serve(w, r, target, onError, ErrCodeHTTPForwardFailed)
}

// WS proxies a protocol upgrade request.
func (e *HTTPEngine) WS(w http.ResponseWriter, r *http.Request, target *sessions.Target, onError func(error)) {
	e.serve(w, r, target, onError, ErrCodeWebSocketUpgradeFailed)
}

func (e *HTTPEngine) serve(w http.ResponseWriter, r *http.Request, target *sessions.Target, onError func(error), code string) {
	if target == nil {
		onError(ErrNoTarget)
		return
	}

	upstream := &url.URL{Scheme: "http", Host: target.String()}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = pr.In.Host
		},
		Transport:     e.transport,
		FlushInterval: -1,
		ModifyResponse: func(res *http.Response) error {
			// A switched connection never passes through WriteHeader.
			if res.StatusCode == http.StatusSwitchingProtocols {
				if d, ok := w.(HeaderDecorator); ok {
					d.DecorateHeader(res.StatusCode, res.Header)
				}
			}
			return nil
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			var proxyErr *Error
			if !errors.As(err, &proxyErr) {
				err = newCodedError(code, err)
			}
			onError(err)
		},
	}

	rp.ServeHTTP(w, r)
}

// OpenConnections returns the number of upstream connections currently open.
func (e *HTTPEngine) OpenConnections() int {
	return e.tracker.Len()
}

// Close drops idle upstream connections and tears down open tunnels.
func (e *HTTPEngine) Close() error {
	e.transport.CloseIdleConnections()
	return e.tracker.closeAll()
}
