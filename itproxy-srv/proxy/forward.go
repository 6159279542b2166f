package proxy

import (
	"net/http"
	"strconv"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
)

// Forwarder substitutes a fixed forward address for resolved targets and
// passes the original address on in the routing headers.
type Forwarder struct {
	ip   string
	port int
}

// NewForwarder creates a forwarder. An empty ip or a zero port disables
// the respective substitution.
func NewForwarder(ip string, port int) *Forwarder {
	return &Forwarder{ip: ip, port: port}
}

// Enabled reports whether any substitution is configured.
func (f *Forwarder) Enabled() bool {
	return f.ip != "" || f.port != 0
}

// Configure returns the effective target for req. The input target is
// never modified. Routing headers that are not set by the forwarder are
// removed from req, so clients cannot smuggle them to the next hop.
func (f *Forwarder) Configure(req *http.Request, target *sessions.Target) *sessions.Target {
	if target == nil {
		req.Header.Del(HeaderToolHost)
		req.Header.Del(HeaderToolPort)
		return nil
	}

	derived := *target

	if f.ip != "" {
		logger.Info("Forwarding request for %s to %s", target.Host, f.ip)
		req.Header.Set(HeaderToolHost, target.Host)
		derived.Host = f.ip
	} else {
		req.Header.Del(HeaderToolHost)
	}

	if f.port != 0 {
		logger.Info("Forwarding request for %d to %d", target.Port, f.port)
		req.Header.Set(HeaderToolPort, strconv.Itoa(target.Port))
		derived.Port = f.port
	} else {
		req.Header.Del(HeaderToolPort)
	}

	return &derived
}
