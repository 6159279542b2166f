package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/codefionn/itproxy/itproxy-srv/logger"
)

var version string

func main() {
	cfg, configPath, overrides := parseFlagsAndConfig()
	runProxy(cfg, configPath, overrides)
}

// cliOverrides holds the command line values that take precedence over the
// environment and the config file.
type cliOverrides struct {
	set map[string]bool

	sessions        string
	port            int
	ip              string
	verbose         bool
	reverseProxy    bool
	forwardIP       string
	forwardPort     int
	proxyPathPrefix string
}

func (o *cliOverrides) apply(cfg *config.Config) {
	if o.set["sessions"] {
		cfg.Sessions.Path = o.sessions
		cfg.Sessions.Type = config.SessionsTypeNone
	}
	if o.set["port"] {
		cfg.Port = o.port
	}
	if o.set["ip"] {
		cfg.IP = o.ip
	}
	if o.set["verbose"] {
		cfg.Verbose = o.verbose
	}
	if o.set["reverse-proxy"] {
		cfg.ReverseProxy = o.reverseProxy
	}
	if o.set["forward-ip"] {
		cfg.ForwardIP = o.forwardIP
	}
	if o.set["forward-port"] {
		cfg.ForwardPort = o.forwardPort
	}
	if o.set["proxy-path-prefix"] {
		cfg.ProxyPathPrefix = o.proxyPathPrefix
	}
}

// loadConfig reads the configuration and applies the command line on top.
func loadConfig(configPath string, overrides *cliOverrides) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	overrides.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string, overrides *cliOverrides) {
	overrides = &cliOverrides{set: make(map[string]bool)}

	versionFlag := flag.Bool("version", false, "Print version and exit")
	configPathPtr := flag.String("config", "", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	flag.StringVar(&overrides.sessions, "sessions", "", "Session map file (.json, .yaml, .sqlite)")
	flag.IntVar(&overrides.port, "port", config.DefaultPort, "Listen port")
	flag.StringVar(&overrides.ip, "ip", config.DefaultIP, "Listen address")
	flag.BoolVar(&overrides.verbose, "verbose", false, "Log routing decisions")
	flag.BoolVar(&overrides.reverseProxy, "reverse-proxy", false, "Rewrite localhost redirects to include the listen port")
	flag.StringVar(&overrides.forwardIP, "forward-ip", "", "Forward all requests to this host, passing the target in headers")
	flag.IntVar(&overrides.forwardPort, "forward-port", 0, "Forward all requests to this port, passing the target in headers")
	flag.StringVar(&overrides.proxyPathPrefix, "proxy-path-prefix", "", "Enable path-based routing below this prefix")
	flag.Parse()

	flag.Visit(func(f *flag.Flag) {
		overrides.set[f.Name] = true
	})

	if *versionFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("itproxy version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	logger.Info("Starting itproxy")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := loadConfig(*configPathPtr, overrides)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	if cfg.Verbose {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Verbose logging enabled")
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Listen address: %s", cfg.ListenAddress())
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	if cfg.Sessions.Enabled() {
		logger.Debug("Sessions: %s (%s)", cfg.Sessions.Path+cfg.Sessions.DSN, cfg.Sessions.ResolvedType())
	} else {
		logger.Debug("No session map configured, routing on request headers")
	}

	return cfg, *configPathPtr, overrides
}

// runProxy starts and manages the proxy, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string, overrides *cliOverrides) {
	instance, err := newApp(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize proxy: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	instance.start()
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := loadConfig(configPath, overrides)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; reloading sessions only.")
				instance.reloadSessions()
				continue
			}
			logger.Info("Config changed. Restarting proxy...")
			instance.stop()
			if newCfg.Verbose {
				logger.SetLevel(logger.DEBUG)
			} else {
				logger.SetLevel(logger.INFO)
			}
			next, err := newApp(newCfg)
			if err != nil {
				logger.Error("Failed to apply new configuration: %v (restarting with previous config)", err)
				next, err = newApp(currentCfg)
				if err != nil {
					logger.Fatal("Failed to restart proxy: %v", err)
				}
				newCfg = currentCfg
			}
			instance = next
			instance.start()
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			instance.stop()
			logger.Info("Proxy server shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
