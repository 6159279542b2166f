package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/metrics"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
	"github.com/codefionn/itproxy/itproxy-srv/stats"
	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
)

// ProxyTargetMissing is the body of every 502 answer.
const ProxyTargetMissing = "Proxy target missing"

const (
	protocolHTTP = "http"
	protocolWS   = "ws"
)

// Dispatcher is the http.Handler in front of the engine. It resolves the
// target of each request, adapts the request and response, and turns
// engine failures into 502 answers.
type Dispatcher struct {
	resolver     *Resolver
	forwarder    *Forwarder
	engine       Engine
	reverseProxy bool
	port         int

	collector stats.Collector
	metrics   *metrics.Collector
}

// NewDispatcher wires a dispatcher. sessionMap selects session-map mode
// when non-nil. collector and m may be nil.
func NewDispatcher(cfg *config.Config, sessionMap sessions.Map, engine Engine, collector stats.Collector, m *metrics.Collector) *Dispatcher {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return &Dispatcher{
		resolver:     NewResolver(sessionMap, cfg.ProxyPathPrefix),
		forwarder:    NewForwarder(cfg.ForwardIP, cfg.ForwardPort),
		engine:       engine,
		reverseProxy: cfg.ReverseProxy,
		port:         port,
		collector:    collector,
		metrics:      m,
	}
}

// Resolver returns the dispatcher's resolver.
func (d *Dispatcher) Resolver() *Resolver {
	return d.resolver
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		d.HandleUpgrade(w, r)
		return
	}
	d.HandleHTTP(w, r)
}

// HandleHTTP proxies a plain HTTP request.
func (d *Dispatcher) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	d.handle(w, r, protocolHTTP)
}

// HandleUpgrade proxies a WebSocket (or other protocol) upgrade request.
func (d *Dispatcher) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	d.handle(w, r, protocolWS)
}

func (d *Dispatcher) handle(w http.ResponseWriter, r *http.Request, protocol string) {
	start := time.Now()
	requestID := uuid.NewString()
	host, method, uri := r.Host, r.Method, r.URL.RequestURI()

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Request(logger.ERROR, requestID, "Error in handler for %s %s %s: %v", host, method, uri, rec)
			d.metrics.ObserveRequest(protocol, metrics.OutcomePanic, time.Since(start))
			// Drop the connection instead of letting net/http finish an empty 200.
			panic(http.ErrAbortHandler)
		}
	}()

	d.dispatch(w, r, protocol, requestID, start)
}

func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, protocol, requestID string, start time.Time) {
	ctx := context.WithoutCancel(r.Context())
	origin := r.Header.Get("Origin")

	target := d.resolver.Resolve(r)
	if target == nil {
		d.metrics.ResolutionMiss(d.resolver.Strategy().String())
		if err := d.collector.RecordResolutionMiss(ctx, r.Host, r.Method, r.URL.Path); err != nil {
			logger.Request(logger.ERROR, requestID, "Failed to record resolution miss: %v", err)
		}
	} else if protocol == protocolWS {
		logger.Request(logger.DEBUG, requestID, "PROXY WS %s to %s", r.URL.RequestURI(), target)
	} else {
		logger.Request(logger.DEBUG, requestID, "PROXY %s %s %s to %s", r.Host, r.Method, r.URL.RequestURI(), target)
	}

	RewriteRequest(r)
	dw := newDecoratedWriter(w, origin, d.reverseProxy && protocol == protocolHTTP, d.port, requestID)

	effective := d.forwarder.Configure(r, target)
	if effective != nil && d.forwarder.Enabled() {
		d.metrics.Forwarded()
	}

	connectionID := d.startConnection(ctx, requestID, r, effective, protocol)

	var proxyErr error
	onError := func(err error) {
		proxyErr = err
		logger.Request(logger.WARN, requestID, "Proxy error: %v", err)
		d.metrics.UpstreamError(protocol)
		dw.WriteHeader(http.StatusBadGateway)
		if _, werr := io.WriteString(dw, ProxyTargetMissing); werr != nil {
			logger.Request(logger.DEBUG, requestID, "Failed to write error response: %v", werr)
		}
	}

	if protocol == protocolWS {
		d.engine.WS(dw, r, effective, onError)
	} else {
		d.engine.Web(dw, r, effective, onError)
	}

	duration := time.Since(start)
	outcome, closeReason := metrics.OutcomeProxied, stats.CloseReasonCompleted
	if proxyErr != nil {
		outcome, closeReason = metrics.OutcomeUpstreamError, stats.CloseReasonUpstreamError
		if err := d.collector.RecordError(ctx, connectionID, stats.ErrorTypeUpstream, proxyErr.Error()); err != nil {
			logger.Request(logger.ERROR, requestID, "Failed to record error: %v", err)
		}
	}
	d.metrics.ObserveRequest(protocol, outcome, duration)

	if err := d.collector.EndConnection(ctx, connectionID, dw.Status(), duration, closeReason); err != nil {
		logger.Request(logger.ERROR, requestID, "Failed to record connection end: %v", err)
	}
}

func (d *Dispatcher) startConnection(ctx context.Context, requestID string, r *http.Request, target *sessions.Target, protocol string) int64 {
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	var targetHost string
	var targetPort int
	if target != nil {
		targetHost, targetPort = target.Host, target.Port
	}

	id, err := d.collector.StartConnection(ctx, requestID, clientIP, targetHost, targetPort, protocol)
	if err != nil {
		logger.Request(logger.ERROR, requestID, "Failed to record connection start: %v", err)
	}
	return id
}

// isUpgradeRequest reports whether r asks for a protocol switch.
func isUpgradeRequest(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		r.Header.Get("Upgrade") != ""
}
