package interlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/deal"
	"pkt.systems/dealgrid/internal/clock"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// Client defaults.
const (
	DefaultAttempts       = 2
	DefaultRetryDelay     = 250 * time.Millisecond
	DefaultRequestTimeout = 5 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Holder identifies the requester in every hold it takes. Usually the
	// unit id of the requesting node.
	Holder string
	Bus    bus.Bus
	// Attempts bounds how often a timed out request is sent. Refusals are
	// never retried.
	Attempts       int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
}

// Client takes and releases interlocks on behalf of one holder.
type Client struct {
	holder     string
	bus        bus.Bus
	attempts   int
	retryDelay time.Duration
	timeout    time.Duration
	clock      clock.Clock
	logger     pslog.Logger
	tracer     trace.Tracer
	metrics    *interlockMetrics
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Holder) == "" {
		return nil, errors.New("interlock: holder required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("interlock: bus required")
	}
	c := &Client{
		holder:     cfg.Holder,
		bus:        cfg.Bus,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.RequestTimeout,
		clock:      clock.OrReal(cfg.Clock),
		logger:     svcfields.WithSubsystem(cfg.Logger, "interlock.client"),
		tracer:     otel.Tracer("pkt.systems/dealgrid/interlock"),
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	c.metrics = newInterlockMetrics(c.logger)
	return c, nil
}

// Holder returns the holder identity sent with every request.
func (c *Client) Holder() string { return c.holder }

// AcquireDeal interlocks d on both participants, discharge side first. When
// a side refuses, the sides already taken are released again before
// returning. A side that timed out is released too, since its grant may have
// landed after the requester stopped waiting.
func (c *Client) AcquireDeal(ctx context.Context, d *deal.Deal) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return errors.New("interlock: deal with id required")
	}
	body, err := bus.Encode(d)
	if err != nil {
		return fmt.Errorf("interlock: encode deal %s: %w", d.ID, err)
	}
	var taken []string
	for _, unit := range d.Participants() {
		if _, err := c.request(ctx, bus.DealInterlock(unit), CommandAcquire, body); err != nil {
			if bus.IsTimeout(err) {
				taken = append(taken, unit)
			}
			c.rollback(ctx, d.ID, taken, body)
			return fmt.Errorf("interlock: acquire deal %s on %s: %w", d.ID, unit, err)
		}
		taken = append(taken, unit)
	}
	return nil
}

// ReleaseDeal releases d on both participants. Both are attempted even if
// the first fails.
func (c *Client) ReleaseDeal(ctx context.Context, d *deal.Deal) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return errors.New("interlock: deal with id required")
	}
	body, err := bus.Encode(d)
	if err != nil {
		return fmt.Errorf("interlock: encode deal %s: %w", d.ID, err)
	}
	var errs []error
	for _, unit := range d.Participants() {
		if _, err := c.request(ctx, bus.DealInterlock(unit), CommandRelease, body); err != nil {
			errs = append(errs, fmt.Errorf("interlock: release deal %s on %s: %w", d.ID, unit, err))
		}
	}
	return errors.Join(errs...)
}

// WithDeal runs fn while holding the interlock of d. The release runs even
// when ctx is cancelled; its error is returned only when fn succeeded.
func (c *Client) WithDeal(ctx context.Context, d *deal.Deal, fn func(ctx context.Context, d *deal.Deal) error) (err error) {
	if err := c.AcquireDeal(ctx, d); err != nil {
		return err
	}
	defer func() {
		relErr := c.ReleaseDeal(context.WithoutCancel(ctx), d)
		if relErr == nil {
			return
		}
		if err == nil {
			err = relErr
			return
		}
		c.logger.Warn("interlock.deal.release_failed", "deal_id", d.ID, "error", relErr)
	}()
	return fn(ctx, d)
}

// AcquireLeader takes this node's leader slot for leaderID and returns the
// unit id of the responding node.
func (c *Client) AcquireLeader(ctx context.Context, leaderID string) (string, error) {
	reply, err := c.request(ctx, bus.LeaderInterlock, CommandAcquire, []byte(leaderID))
	if err != nil {
		return "", fmt.Errorf("interlock: acquire leader: %w", err)
	}
	return reply, nil
}

// ReleaseLeader frees this node's leader slot.
func (c *Client) ReleaseLeader(ctx context.Context, leaderID string) error {
	if _, err := c.request(ctx, bus.LeaderInterlock, CommandRelease, []byte(leaderID)); err != nil {
		return fmt.Errorf("interlock: release leader: %w", err)
	}
	return nil
}

func (c *Client) rollback(ctx context.Context, dealID string, units []string, body []byte) {
	ctx = context.WithoutCancel(ctx)
	for _, unit := range units {
		if _, err := c.request(ctx, bus.DealInterlock(unit), CommandRelease, body); err != nil && !IsNotHeld(err) {
			c.logger.Warn("interlock.deal.rollback_failed", "deal_id", dealID, "unit", unit, "error", err)
		}
	}
}

func (c *Client) request(ctx context.Context, address, command string, body []byte) (string, error) {
	msg := bus.Message{
		Headers: map[string]string{
			bus.HeaderCommand: command,
			bus.HeaderHolder:  c.holder,
			bus.HeaderToken:   xid.New().String(),
		},
		Body: body,
	}
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		reply, err := c.attempt(ctx, address, command, attempt, msg)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !bus.IsTimeout(err) || attempt == c.attempts || ctx.Err() != nil {
			break
		}
		c.metrics.recordRetry(command)
		c.logger.Debug("interlock.request.retry", "address", address, "command", command, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.clock.After(c.retryDelay):
		}
	}
	return "", lastErr
}

func (c *Client) attempt(ctx context.Context, address, command string, attempt int, msg bus.Message) (string, error) {
	ctx, span := c.tracer.Start(ctx, "interlock."+command, trace.WithAttributes(
		attribute.String("dealgrid.interlock.address", address),
		attribute.String("dealgrid.interlock.holder", c.holder),
		attribute.Int("dealgrid.interlock.attempt", attempt),
	))
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	reply, err := c.bus.Request(reqCtx, address, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, bus.CodeOf(err))
		return "", err
	}
	return reply.Text(), nil
}

// IsHeld reports whether err is a refusal because the resource is held.
func IsHeld(err error) bool { return bus.CodeOf(err) == CodeHeld }

// IsNotHeld reports whether err is a refusal to release a free resource.
func IsNotHeld(err error) bool { return bus.CodeOf(err) == CodeNotHeld }

// IsNotOwner reports whether err is a refusal to release another holder's
// resource.
func IsNotOwner(err error) bool { return bus.CodeOf(err) == CodeNotOwner }
