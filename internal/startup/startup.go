// Package startup runs named start steps in order and stops the started ones
// in reverse.
package startup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// Step is one stage of node startup. Stop may be nil.
type Step struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Pipeline is the ordered list of steps.
type Pipeline struct {
	steps  []Step
	logger pslog.Logger
}

// New returns a pipeline logging through logger.
func New(logger pslog.Logger, steps ...Step) *Pipeline {
	return &Pipeline{steps: steps, logger: svcfields.WithSubsystem(logger, "startup")}
}

// Add appends steps.
func (p *Pipeline) Add(steps ...Step) {
	p.steps = append(p.steps, steps...)
}

// Names lists the step names in start order.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.Name
	}
	return out
}

// Run starts every step in order. When a step fails, the steps already
// started are stopped in reverse and the start error is returned.
func (p *Pipeline) Run(ctx context.Context) (*Running, error) {
	r := &Running{logger: p.logger}
	for _, step := range p.steps {
		if step.Start == nil {
			return nil, fmt.Errorf("startup: step %q has no start function", step.Name)
		}
		begin := time.Now()
		if err := step.Start(ctx); err != nil {
			p.logger.Error("startup.step.failed", "step", step.Name, "error", err)
			if stopErr := r.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				p.logger.Warn("startup.rollback.failed", "error", stopErr)
			}
			return nil, fmt.Errorf("startup: %s: %w", step.Name, err)
		}
		p.logger.Debug("startup.step.started", "step", step.Name, "elapsed", time.Since(begin).String())
		r.started = append(r.started, step)
	}
	return r, nil
}

// Running is the set of started steps.
type Running struct {
	logger  pslog.Logger
	mu      sync.Mutex
	started []Step
}

// Stop stops every started step in reverse order, continuing through
// failures. A second call does nothing.
func (r *Running) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()
	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		step := started[i]
		if step.Stop == nil {
			continue
		}
		if err := step.Stop(ctx); err != nil {
			r.logger.Warn("startup.step.stop_failed", "step", step.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		r.logger.Debug("startup.step.stopped", "step", step.Name)
	}
	return errors.Join(errs...)
}
