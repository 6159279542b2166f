package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// hclConfig mirrors Config for HCL decoding. Pointer fields stay nil when
// the attribute is absent so defaults and environment values survive.
type hclConfig struct {
	IP              *string        `hcl:"ip,optional"`
	Port            *int           `hcl:"port,optional"`
	SessionCookie   *string        `hcl:"session_cookie,optional"`
	Verbose         *bool          `hcl:"verbose,optional"`
	ReverseProxy    *bool          `hcl:"reverse_proxy,optional"`
	ForwardIP       *string        `hcl:"forward_ip,optional"`
	ForwardPort     *int           `hcl:"forward_port,optional"`
	ProxyPathPrefix *string        `hcl:"proxy_path_prefix,optional"`
	TimeoutSeconds  *int           `hcl:"timeout_seconds,optional"`
	Sessions        *hclSessions   `hcl:"sessions,block"`
	Statistics      *hclStatistics `hcl:"statistics,block"`
	Admin           *hclAdmin      `hcl:"admin,block"`
}

type hclSessions struct {
	Path        *string `hcl:"path,optional"`
	Type        *string `hcl:"type,optional"`
	DSN         *string `hcl:"dsn,optional"`
	PollSeconds *int    `hcl:"poll_seconds,optional"`
	Watch       *bool   `hcl:"watch,optional"`
}

type hclStatistics struct {
	Enabled       *bool   `hcl:"enabled,optional"`
	Backend       *string `hcl:"backend,optional"`
	SQLitePath    *string `hcl:"sqlite_path,optional"`
	PostgresDSN   *string `hcl:"postgres_dsn,optional"`
	FlushInterval *int    `hcl:"flush_interval,optional"`
}

type hclAdmin struct {
	Enabled       *bool   `hcl:"enabled,optional"`
	ListenAddress *string `hcl:"listen_address,optional"`
	JWTSecret     *string `hcl:"jwt_secret,optional"`
	MetricsPath   *string `hcl:"metrics_path,optional"`
}

// envEvalContext exposes the process environment as the `env` object, so
// secrets can be written as `jwt_secret = env.ITPROXY_SECRET`.
func envEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}

	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

func loadHCLConfig(configPath string, cfg *Config) error {
	var hc hclConfig
	if err := hclsimple.DecodeFile(configPath, envEvalContext(), &hc); err != nil {
		return fmt.Errorf("failed to decode HCL config: %w", err)
	}

	assign(hc.IP, &cfg.IP)
	assign(hc.Port, &cfg.Port)
	assign(hc.SessionCookie, &cfg.SessionCookie)
	assign(hc.Verbose, &cfg.Verbose)
	assign(hc.ReverseProxy, &cfg.ReverseProxy)
	assign(hc.ForwardIP, &cfg.ForwardIP)
	assign(hc.ForwardPort, &cfg.ForwardPort)
	assign(hc.ProxyPathPrefix, &cfg.ProxyPathPrefix)
	assign(hc.TimeoutSeconds, &cfg.TimeoutSeconds)

	if s := hc.Sessions; s != nil {
		assign(s.Path, &cfg.Sessions.Path)
		assign(s.DSN, &cfg.Sessions.DSN)
		assign(s.PollSeconds, &cfg.Sessions.PollSeconds)
		assign(s.Watch, &cfg.Sessions.Watch)
		if s.Type != nil {
			cfg.Sessions.Type = SessionsType(strings.ToLower(*s.Type))
		}
	}

	if s := hc.Statistics; s != nil {
		assign(s.Enabled, &cfg.Statistics.Enabled)
		assign(s.Backend, &cfg.Statistics.Backend)
		assign(s.SQLitePath, &cfg.Statistics.SQLitePath)
		assign(s.PostgresDSN, &cfg.Statistics.PostgresDSN)
		assign(s.FlushInterval, &cfg.Statistics.FlushInterval)
	}

	if a := hc.Admin; a != nil {
		assign(a.Enabled, &cfg.Admin.Enabled)
		assign(a.ListenAddress, &cfg.Admin.ListenAddress)
		assign(a.JWTSecret, &cfg.Admin.JWTSecret)
		assign(a.MetricsPath, &cfg.Admin.MetricsPath)
	}

	return nil
}

func assign[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}
