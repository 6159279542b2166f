package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/robfig/cron/v3"
)

// Poller reloads a session source on a fixed interval.
type Poller struct {
	cron     *cron.Cron
	loader   *Loader
	interval time.Duration
	cancel   context.CancelFunc
}

// NewPoller schedules loader.Reload every interval.
func NewPoller(loader *Loader, interval time.Duration) (*Poller, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("poll interval must be at least one second, got %s", interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)

	_, err := c.AddFunc(spec, func() {
		reloadCtx, done := context.WithTimeout(ctx, interval)
		defer done()
		_ = loader.Reload(reloadCtx)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule session reload %q: %w", spec, err)
	}

	return &Poller{cron: c, loader: loader, interval: interval, cancel: cancel}, nil
}

// Start begins polling in the background.
func (p *Poller) Start() {
	logger.Info("Polling sessions every %s", p.interval)
	p.cron.Start()
}

// Stop stops polling and waits for a running reload to finish.
func (p *Poller) Stop() {
	p.cancel()
	<-p.cron.Stop().Done()
}
