// Package keepalive pings an external restart watchdog so it knows the node
// is alive. Failed pings are logged and never stop the node.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/dealgrid/internal/clock"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// Defaults.
const (
	DefaultPeriod  = 5 * time.Second
	DefaultTimeout = 5 * time.Second
)

// Config configures a Pinger.
type Config struct {
	URL     string
	Period  time.Duration
	Timeout time.Duration
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Pinger issues periodic GET requests against URL.
type Pinger struct {
	url     string
	period  time.Duration
	timeout time.Duration
	client  *http.Client
	clock   clock.Clock
	logger  pslog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done sync.WaitGroup
	last error
}

// New validates cfg and returns a stopped Pinger.
func New(cfg Config) (*Pinger, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("keepalive: url required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("keepalive: invalid url %q", raw)
	}
	p := &Pinger{
		url:     u.String(),
		period:  cfg.Period,
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		clock:   clock.OrReal(cfg.Clock),
		logger:  svcfields.WithSubsystem(cfg.Logger, "keepalive"),
	}
	if p.period <= 0 {
		p.period = DefaultPeriod
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		p.client = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}
	return p, nil
}

// Ping performs one request. Any 2xx status counts as success.
func (p *Pinger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("keepalive: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("keepalive: get %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("keepalive: get %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}

// Start launches the ping loop. The first ping happens one period after
// Start.
func (p *Pinger) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	p.stop = make(chan struct{})
	stopCh := p.stop
	p.done.Add(1)
	p.mu.Unlock()
	loopCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.done.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-p.clock.After(p.period):
				err := p.Ping(loopCtx)
				p.record(err)
			}
		}
	}()
	p.logger.Info("keepalive.started", "url", p.url, "period", p.period.String())
}

// Stop ends the loop and waits for an in-flight ping.
func (p *Pinger) Stop() {
	p.mu.Lock()
	stopCh := p.stop
	if stopCh != nil {
		close(stopCh)
		p.stop = nil
	}
	p.mu.Unlock()
	if stopCh != nil {
		p.done.Wait()
	}
}

// LastError returns the outcome of the most recent ping.
func (p *Pinger) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Pinger) record(err error) {
	p.mu.Lock()
	prev := p.last
	p.last = err
	p.mu.Unlock()
	switch {
	case err != nil:
		p.logger.Warn("keepalive.ping.failed", "error", err)
	case prev != nil:
		p.logger.Info("keepalive.ping.recovered")
	}
}
