package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
)

const (
	DefaultIP             = "localhost"
	DefaultPort           = 8000
	DefaultTimeoutSeconds = 30
	DefaultSessionCookie  = "galaxysession"
	DefaultMetricsPath    = "/metrics"
)

// SessionsType identifies where the session map is read from.
type SessionsType string

const (
	SessionsTypeNone     SessionsType = ""
	SessionsTypeJSON     SessionsType = "json"
	SessionsTypeYAML     SessionsType = "yaml"
	SessionsTypeSQLite   SessionsType = "sqlite"
	SessionsTypePostgres SessionsType = "postgres"
)

// SessionsConfig describes the external session map source.
type SessionsConfig struct {
	Path        string       // File path (json, yaml, sqlite)
	Type        SessionsType // Source type, inferred from Path/DSN when empty
	DSN         string       // PostgreSQL connection string
	PollSeconds int          // Reload interval for database sources, 0 disables polling
	Watch       bool         // Watch file sources for changes
}

// StatisticsConfig selects the statistics collector.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string
	// FlushInterval is the number of seconds between writes of buffered
	// statistics, 0 selects the default.
	FlushInterval int
}

// AdminConfig configures the optional admin listener.
type AdminConfig struct {
	Enabled       bool
	ListenAddress string
	JWTSecret     string
	MetricsPath   string
}

// Config represents the main configuration structure for the proxy.
type Config struct {
	IP              string // Listen IP
	Port            int    // Listen port, also the externally visible port in reverse-proxy mode
	SessionCookie   string // Passed through, not used for routing
	Sessions        SessionsConfig
	Verbose         bool
	ReverseProxy    bool
	ForwardIP       string
	ForwardPort     int
	ProxyPathPrefix string
	TimeoutSeconds  int
	Statistics      StatisticsConfig
	Admin           AdminConfig
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		IP:             DefaultIP,
		Port:           DefaultPort,
		SessionCookie:  DefaultSessionCookie,
		TimeoutSeconds: DefaultTimeoutSeconds,
		Sessions: SessionsConfig{
			Watch: true,
		},
		Statistics: StatisticsConfig{
			Backend: "dummy",
		},
		Admin: AdminConfig{
			ListenAddress: "127.0.0.1:8001",
			MetricsPath:   DefaultMetricsPath,
		},
	}
}

// ListenAddress returns the ip:port pair the proxy listens on.
func (c *Config) ListenAddress() string {
	ip := c.IP
	if ip == "" {
		ip = DefaultIP
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", ip, port)
}

// ResolvedType returns the configured source type or infers it.
func (s SessionsConfig) ResolvedType() SessionsType {
	if s.Type != SessionsTypeNone {
		return s.Type
	}
	if s.DSN != "" {
		return SessionsTypePostgres
	}
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".json":
		return SessionsTypeJSON
	case ".yaml", ".yml":
		return SessionsTypeYAML
	case ".sqlite", ".sqlite3", ".db":
		return SessionsTypeSQLite
	}
	return SessionsTypeNone
}

// Enabled reports whether a session map source is configured at all.
// Without one the proxy resolves targets from request headers.
func (s SessionsConfig) Enabled() bool {
	return s.Path != "" || s.DSN != ""
}

// LoadConfig loads configuration from the specified file path. An empty
// path yields defaults plus environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.ForwardPort < 0 || c.ForwardPort > 65535 {
		return fmt.Errorf("forward-port out of range: %d", c.ForwardPort)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout-seconds must not be negative")
	}

	switch c.Sessions.Type {
	case SessionsTypeNone, SessionsTypeJSON, SessionsTypeYAML, SessionsTypeSQLite, SessionsTypePostgres:
	default:
		return fmt.Errorf("unsupported sessions type: %s", c.Sessions.Type)
	}
	if c.Sessions.Enabled() && c.Sessions.ResolvedType() == SessionsTypeNone {
		return fmt.Errorf("cannot infer sessions type for %q", c.Sessions.Path)
	}
	if c.Sessions.PollSeconds < 0 {
		return fmt.Errorf("sessions poll-seconds must not be negative")
	}

	switch c.Statistics.Backend {
	case "", "dummy", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported stats backend: %s", c.Statistics.Backend)
	}
	if c.Statistics.FlushInterval < 0 {
		return fmt.Errorf("statistics flush-interval must not be negative")
	}
	if c.Statistics.Enabled && c.Statistics.Backend == "postgres" && c.Statistics.PostgresDSN == "" {
		return fmt.Errorf("statistics postgres-dsn is required for postgres backend")
	}

	if c.ProxyPathPrefix != "" && !strings.HasPrefix(c.ProxyPathPrefix, "/") {
		return fmt.Errorf("proxy-path-prefix must start with '/': %s", c.ProxyPathPrefix)
	}
	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first so hyphenated keys and {"_secret": ...}
	// indirections can be handled field by field.
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if err := setField(data, "ip", &cfg.IP); err != nil {
		return err
	}
	if err := setField(data, "port", &cfg.Port); err != nil {
		return err
	}
	if err := setField(data, "session-cookie", &cfg.SessionCookie); err != nil {
		return err
	}
	if err := setField(data, "verbose", &cfg.Verbose); err != nil {
		return err
	}
	if err := setField(data, "reverse-proxy", &cfg.ReverseProxy); err != nil {
		return err
	}
	if err := setField(data, "forward-ip", &cfg.ForwardIP); err != nil {
		return err
	}
	if err := setField(data, "forward-port", &cfg.ForwardPort); err != nil {
		return err
	}
	if err := setField(data, "proxy-path-prefix", &cfg.ProxyPathPrefix); err != nil {
		return err
	}
	if err := setField(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}

	if val, exists := data["sessions"]; exists {
		switch v := val.(type) {
		case string:
			// Shorthand: "sessions": "/path/to/session_map.sqlite"
			cfg.Sessions.Path = v
		case map[string]any:
			var sessionsType string
			if err := setField(v, "type", &sessionsType); err != nil {
				return fmt.Errorf("sessions: %w", err)
			}
			if sessionsType != "" {
				cfg.Sessions.Type = SessionsType(sessionsType)
			}
			if err := setField(v, "path", &cfg.Sessions.Path); err != nil {
				return fmt.Errorf("sessions: %w", err)
			}
			if err := setField(v, "dsn", &cfg.Sessions.DSN); err != nil {
				return fmt.Errorf("sessions: %w", err)
			}
			if err := setField(v, "poll-seconds", &cfg.Sessions.PollSeconds); err != nil {
				return fmt.Errorf("sessions: %w", err)
			}
			if err := setField(v, "watch", &cfg.Sessions.Watch); err != nil {
				return fmt.Errorf("sessions: %w", err)
			}
		default:
			return fmt.Errorf("sessions must be a string or an object")
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := setField(statsMap, "enabled", &cfg.Statistics.Enabled); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "backend", &cfg.Statistics.Backend); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "sqlite-path", &cfg.Statistics.SQLitePath); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "flush-interval", &cfg.Statistics.FlushInterval); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "postgres-dsn", &cfg.Statistics.PostgresDSN); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if val, exists := data["admin"]; exists {
		adminMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("admin must be an object")
		}
		if err := setField(adminMap, "enabled", &cfg.Admin.Enabled); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		if err := setField(adminMap, "listen-address", &cfg.Admin.ListenAddress); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		if err := setField(adminMap, "jwt-secret", &cfg.Admin.JWTSecret); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		if err := setField(adminMap, "metrics-path", &cfg.Admin.MetricsPath); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

	return nil
}

// setField assigns data[key] to *dst when present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists || val == nil {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func envInt(name string, dst *int) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, value)
		return
	}
	*dst = i
}

func envString(name string, dst *string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}

func loadConfigFromEnv(cfg *Config) {
	envString("ITPROXY_IP", &cfg.IP)
	envInt("ITPROXY_PORT", &cfg.Port)
	envString("ITPROXY_SESSIONCOOKIE", &cfg.SessionCookie)
	envString("ITPROXY_FORWARDIP", &cfg.ForwardIP)
	envInt("ITPROXY_FORWARDPORT", &cfg.ForwardPort)
	envString("ITPROXY_PROXYPATHPREFIX", &cfg.ProxyPathPrefix)
	envInt("ITPROXY_TIMEOUTSECONDS", &cfg.TimeoutSeconds)

	if verbose := os.Getenv("ITPROXY_VERBOSE"); verbose != "" {
		cfg.Verbose = envBool(verbose)
	}
	if reverseProxy := os.Getenv("ITPROXY_REVERSEPROXY"); reverseProxy != "" {
		cfg.ReverseProxy = envBool(reverseProxy)
	}

	envString("ITPROXY_SESSIONS", &cfg.Sessions.Path)
	envString("ITPROXY_SESSIONS_DSN", &cfg.Sessions.DSN)
	envInt("ITPROXY_SESSIONS_POLLSECONDS", &cfg.Sessions.PollSeconds)
	if sessionsType := os.Getenv("ITPROXY_SESSIONS_TYPE"); sessionsType != "" {
		cfg.Sessions.Type = SessionsType(strings.ToLower(sessionsType))
	}
	if watch := os.Getenv("ITPROXY_SESSIONS_WATCH"); watch != "" {
		cfg.Sessions.Watch = envBool(watch)
	}

	if enabled := os.Getenv("ITPROXY_STATS"); enabled != "" {
		cfg.Statistics.Enabled = envBool(enabled)
	}
	envString("ITPROXY_STATS_BACKEND", &cfg.Statistics.Backend)
	envString("ITPROXY_STATS_SQLITEPATH", &cfg.Statistics.SQLitePath)
	envString("ITPROXY_STATS_POSTGRESDSN", &cfg.Statistics.PostgresDSN)
	envInt("ITPROXY_STATS_FLUSHINTERVAL", &cfg.Statistics.FlushInterval)

	if enabled := os.Getenv("ITPROXY_ADMIN"); enabled != "" {
		cfg.Admin.Enabled = envBool(enabled)
	}
	envString("ITPROXY_ADMIN_LISTENADDRESS", &cfg.Admin.ListenAddress)
	envString("ITPROXY_ADMIN_JWTSECRET", &cfg.Admin.JWTSecret)
	envString("ITPROXY_ADMIN_METRICSPATH", &cfg.Admin.MetricsPath)
}
