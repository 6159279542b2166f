package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/admin"
	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/metrics"
	"github.com/codefionn/itproxy/itproxy-srv/proxy"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
	"github.com/codefionn/itproxy/itproxy-srv/stats"
)

// app is one configured generation of the proxy and its collaborators.
type app struct {
	cfg *config.Config

	source  sessions.Source
	loader  *sessions.Loader
	watcher *sessions.Watcher
	poller  *sessions.Poller

	collector stats.Collector
	metrics   *metrics.Collector
	proxy     *proxy.Server
	admin     *admin.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func newApp(cfg *config.Config) (*app, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &app{
		cfg:     cfg,
		metrics: metrics.NewCollector(nil),
		ctx:     ctx,
		cancel:  cancel,
	}

	collector, err := stats.NewCollectorFactory().CreateCollector(&cfg.Statistics)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stats collector: %w", err)
	}
	a.collector = collector

	// A nil map selects header-based routing.
	var sessionMap sessions.Map
	if cfg.Sessions.Enabled() {
		if err := a.setupSessions(); err != nil {
			a.stop()
			return nil, err
		}
		sessionMap = a.loader.Store()
	}

	a.proxy = proxy.NewServer(cfg, sessionMap, a.collector, a.metrics)

	if cfg.Admin.Enabled {
		var lister admin.SessionLister
		if a.loader != nil {
			lister = a.loader.Store()
		}
		a.admin = admin.NewServer(cfg.Admin, lister, a.collector, a.metrics)
	}
	return a, nil
}

func (a *app) setupSessions() error {
	source, err := sessions.NewSource(a.cfg.Sessions)
	if err != nil {
		return fmt.Errorf("failed to open session source: %w", err)
	}
	a.source = source

	a.loader = sessions.NewLoader(source, sessions.NewStore(nil))
	a.loader.OnReload(a.metrics.SetSessions)
	if err := a.loader.Reload(a.ctx); err != nil {
		// The file is still being written; the watcher or poller picks it up.
		if !errors.Is(err, sessions.ErrEmptyFile) {
			return err
		}
		logger.Warn("Starting with an empty session map: %v", err)
	}

	sessionsType := a.cfg.Sessions.ResolvedType()
	isFile := sessionsType == config.SessionsTypeJSON || sessionsType == config.SessionsTypeYAML

	if isFile && a.cfg.Sessions.Watch {
		a.watcher, err = sessions.NewWatcher(a.cfg.Sessions.Path, a.loader, sessions.DefaultDebounce)
		if err != nil {
			return err
		}
	}

	if a.cfg.Sessions.PollSeconds > 0 {
		a.poller, err = sessions.NewPoller(a.loader, time.Duration(a.cfg.Sessions.PollSeconds)*time.Second)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) start() {
	if a.watcher != nil {
		go func() {
			if err := a.watcher.Run(a.ctx); err != nil {
				logger.Error("Session watcher stopped: %v", err)
			}
		}()
	}
	if a.poller != nil {
		a.poller.Start()
	}

	if a.admin != nil {
		go func() {
			if err := a.admin.Start(); err != nil {
				logger.Error("Admin server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Starting proxy server...")
		if err := a.proxy.Start(); err != nil {
			logger.Fatal("Proxy server error: %v", err)
		}
	}()
}

// reloadSessions rereads the session source outside the regular schedule.
func (a *app) reloadSessions() {
	if a.loader == nil {
		return
	}
	if err := a.loader.Reload(a.ctx); err != nil {
		logger.Error("Session reload failed: %v", err)
	}
}

func (a *app) stop() {
	a.cancel()

	if a.proxy != nil {
		if err := a.proxy.Stop(); err != nil {
			logger.Error("Error stopping proxy: %v", err)
		}
	}
	if a.admin != nil {
		if err := a.admin.Stop(); err != nil {
			logger.Error("Error stopping admin server: %v", err)
		}
	}
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			logger.Error("Error closing session watcher: %v", err)
		}
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			logger.Error("Error closing session source: %v", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Close(); err != nil {
			logger.Error("Error closing stats collector: %v", err)
		}
	}
}
