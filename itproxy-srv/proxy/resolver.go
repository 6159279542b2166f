package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
)

// Routing headers understood in header mode and produced by the forwarder.
const (
	HeaderToolHost = "X-Interactive-Tool-Host"
	HeaderToolPort = "X-Interactive-Tool-Port"
)

// Strategy selects how a Resolver turns a request into a target.
type Strategy int

const (
	// StrategySessionMap looks the key/token pair up in the session map.
	StrategySessionMap Strategy = iota
	// StrategyHeader trusts the x-interactive-tool-* request headers.
	StrategyHeader
)

func (s Strategy) String() string {
	switch s {
	case StrategySessionMap:
		return "session-map"
	case StrategyHeader:
		return "header"
	default:
		return "unknown"
	}
}

// Resolver maps requests to backend targets. The strategy is fixed at
// construction.
type Resolver struct {
	strategy   Strategy
	sessions   sessions.Map
	pathPrefix string
}

// NewResolver returns a resolver using the session map when one is given,
// and the routing headers otherwise. A non-empty pathPrefix enables
// path-based routing of the form <prefix>/<key>/<token>/<rest>.
func NewResolver(sessionMap sessions.Map, pathPrefix string) *Resolver {
	strategy := StrategyHeader
	if sessionMap != nil {
		strategy = StrategySessionMap
	}
	return &Resolver{
		strategy:   strategy,
		sessions:   sessionMap,
		pathPrefix: pathPrefix,
	}
}

// Strategy returns the active resolution strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve returns the target for req, or nil when none matches. When
// path-based routing applies, req.URL.Path is replaced by the rest path
// whether or not a target is found.
func (r *Resolver) Resolve(req *http.Request) *sessions.Target {
	key, token := parseSubdomain(req.Host)

	if (key == "" || token == "") && r.pathPrefix != "" && strings.HasPrefix(req.URL.EscapedPath(), r.pathPrefix) {
		logger.Debug("Using proxy path prefix %s for %s", r.pathPrefix, req.URL.EscapedPath())
		key, token = stripPathPrefix(req, r.pathPrefix)
		logger.Debug("%s - %s %s", key, token, req.URL.Path)
	}

	var target *sessions.Target
	switch r.strategy {
	case StrategySessionMap:
		target = r.fromSessionMap(key, token)
	case StrategyHeader:
		target = targetFromHeaders(req.Header)
	}

	if target == nil {
		logger.Debug("No target found for %s %s %s", req.Host, req.Method, req.URL.RequestURI())
	}
	return target
}

func (r *Resolver) fromSessionMap(key, token string) *sessions.Target {
	entry, ok := r.sessions.Lookup(key)
	if !ok || entry.Token != token {
		return nil
	}
	target := entry.Target
	return &target
}

// parseSubdomain splits "key-token.domain" into key and token. Without a
// '-' both are empty; without a '.' after the '-' the token is empty.
func parseSubdomain(host string) (key, token string) {
	dash := strings.IndexByte(host, '-')
	if dash < 0 {
		return "", ""
	}
	key = host[:dash]
	rest := host[dash+1:]
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		token = rest[:dot]
	}
	return key, token
}

// stripPathPrefix extracts key and token from <prefix>/<key>/<token>/<rest>
// and rewrites the request path to /<rest>. Splitting happens on the escaped
// path so an encoded '/' stays inside its segment. The query string is kept.
func stripPathPrefix(req *http.Request, prefix string) (key, token string) {
	segments := strings.Split(strings.TrimPrefix(req.URL.EscapedPath(), prefix), "/")
	if len(segments) > 1 {
		key = segments[1]
	}
	if len(segments) > 2 {
		token = segments[2]
	}

	rawRest := "/" + strings.Join(segments[min(3, len(segments)):], "/")
	rest, err := url.PathUnescape(rawRest)
	if err != nil {
		rest = rawRest
	}
	req.URL.Path = rest
	req.URL.RawPath = ""
	if rest != rawRest {
		req.URL.RawPath = rawRest
	}
	return key, token
}

func targetFromHeaders(header http.Header) *sessions.Target {
	host := header.Get(HeaderToolHost)
	port := header.Get(HeaderToolPort)
	if port == "" && strings.Index(host, ":") > 0 {
		host, port, _ = strings.Cut(host, ":")
	}
	if host == "" {
		return nil
	}
	return &sessions.Target{Host: host, Port: parsePort(port)}
}

// parsePort reads the leading decimal digits of s. Anything unparsable is
// port 0, which the engine then fails to reach.
func parsePort(s string) int {
	s = strings.TrimSpace(s)
	port := 0
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		port = port*10 + int(s[i]-'0')
		if port > 65535 {
			return 0
		}
	}
	return port
}
