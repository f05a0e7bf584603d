// Package dealset keeps the deals a node is currently driving and applies
// fault-driven stop and abort requests to them under their interlock.
package dealset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/dealgrid/deal"
	"pkt.systems/dealgrid/fault"
	"pkt.systems/dealgrid/internal/clock"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

var (
	// ErrExists is returned when adding a deal id twice.
	ErrExists = errors.New("dealset: deal already present")
	// ErrNotFound is returned for unknown deal ids.
	ErrNotFound = errors.New("dealset: deal not found")
	// ErrMasterTaken is returned when storing a deal would give the set a
	// second master deal carrying an active voltage reference.
	ErrMasterTaken = errors.New("dealset: another master deal is active")
)

// Locker runs fn while holding the interlock of d.
// *interlock.Client satisfies it.
type Locker interface {
	WithDeal(ctx context.Context, d *deal.Deal, fn func(ctx context.Context, d *deal.Deal) error) error
}

// Config configures a Set.
type Config struct {
	// Locker serializes mutations cluster-wide. Without one, mutations are
	// only serialized within this process.
	Locker Locker
	// Sink receives saveworthy deals on disposal. Defaults to a LogSink.
	Sink   Sink
	Clock  clock.Clock
	Logger pslog.Logger
}

// Set is the working set of live deals.
type Set struct {
	locker Locker
	sink   Sink
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.RWMutex
	deals map[string]*deal.Deal
}

// New returns an empty Set.
func New(cfg Config) *Set {
	logger := svcfields.WithSubsystem(cfg.Logger, "dealset")
	sink := cfg.Sink
	if sink == nil {
		sink = LogSink{Logger: cfg.Logger}
	}
	return &Set{
		locker: cfg.Locker,
		sink:   sink,
		clock:  clock.OrReal(cfg.Clock),
		logger: logger,
		deals:  make(map[string]*deal.Deal),
	}
}

// Add validates d and stores a copy.
func (s *Set) Add(d *deal.Deal) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, d.ID)
	}
	if err := s.checkMasterLocked(d); err != nil {
		return err
	}
	s.deals[d.ID] = d.Clone()
	s.logger.Debug("dealset.added", "deal_id", d.ID, "discharge", d.DischargeUnitID, "charge", d.ChargeUnitID)
	return nil
}

// Get returns a copy of the deal with id.
func (s *Set) Get(id string) (*deal.Deal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Remove drops the deal with id without handing it to the sink.
func (s *Set) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[id]; !ok {
		return false
	}
	delete(s.deals, id)
	return true
}

// Len returns the number of deals in the set.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deals)
}

// List returns copies of every deal ordered by id.
func (s *Set) List() []*deal.Deal {
	return s.filter(func(*deal.Deal) bool { return true })
}

// Involving returns copies of the deals unitID participates in.
func (s *Set) Involving(unitID string) []*deal.Deal {
	return s.filter(func(d *deal.Deal) bool { return d.IsInvolved(unitID) })
}

// Master returns a copy of the master deal currently carrying the voltage
// reference, if any.
func (s *Set) Master() (*deal.Deal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deals {
		if carriesReference(d) {
			return d.Clone(), true
		}
	}
	return nil, false
}

// carriesReference reports whether d is a live master deal whose master side
// must hold the grid voltage.
func carriesReference(d *deal.Deal) bool {
	return d.IsMaster && d.MasterSideUnitMustBeActive() && !d.IsAborted()
}

// checkMasterLocked rejects d when another stored deal already carries the
// reference. Callers hold s.mu.
func (s *Set) checkMasterLocked(d *deal.Deal) error {
	if !carriesReference(d) {
		return nil
	}
	for id, other := range s.deals {
		if id != d.ID && carriesReference(other) {
			return fmt.Errorf("%w: %s holds it, rejecting %s", ErrMasterTaken, id, d.ID)
		}
	}
	return nil
}

func (s *Set) filter(keep func(*deal.Deal) bool) []*deal.Deal {
	s.mu.RLock()
	out := make([]*deal.Deal, 0, len(s.deals))
	for _, d := range s.deals {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies fn to a copy of the deal while holding its interlock and
// stores the result when fn succeeds and the deal still validates.
func (s *Set) Update(ctx context.Context, id string, fn func(d *deal.Deal) error) error {
	current, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	apply := func(ctx context.Context, d *deal.Deal) error {
		// Re-read under the interlock; another holder may have changed it.
		latest, ok := s.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := fn(latest); err != nil {
			return err
		}
		if err := latest.Validate(); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.deals[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := s.checkMasterLocked(latest); err != nil {
			return err
		}
		s.deals[id] = latest
		return nil
	}
	if s.locker == nil {
		return apply(ctx, current)
	}
	return s.locker.WithDeal(ctx, current, apply)
}

// Dispose removes every terminal deal, handing the saveworthy ones to the
// sink. A deal whose save fails stays in the set. It returns how many deals
// were removed.
func (s *Set) Dispose(ctx context.Context) (int, error) {
	s.mu.RLock()
	var terminal []*deal.Deal
	for _, d := range s.deals {
		if d.IsTerminal() {
			terminal = append(terminal, d.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].ID < terminal[j].ID })

	var errs []error
	removed := 0
	for _, d := range terminal {
		if d.IsSaveworthy() {
			if err := s.sink.Save(ctx, d); err != nil {
				errs = append(errs, fmt.Errorf("dealset: save %s: %w", d.ID, err))
				continue
			}
		} else {
			s.logger.Debug("dealset.discarded", "deal_id", d.ID, "state", string(d.State()))
		}
		if s.Remove(d.ID) {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// HandleFault applies rec to the deals of the unit it is about. ERROR
// records request a stop, FATAL records abort. Lower levels are ignored.
// Deals already terminal are skipped.
func (s *Set) HandleFault(ctx context.Context, rec fault.Record) error {
	rec = rec.Normalize()
	if strings.TrimSpace(rec.UnitID) == "" || !rec.Level.AtLeast(fault.LevelError) {
		return nil
	}
	reason := rec.LogMessage()
	var errs []error
	for _, d := range s.Involving(rec.UnitID) {
		if d.IsTerminal() {
			continue
		}
		var err error
		if rec.Level == fault.LevelFatal {
			err = s.Update(ctx, d.ID, func(d *deal.Deal) error {
				return d.Abort(s.clock.Now(), reason)
			})
		} else {
			err = s.Update(ctx, d.ID, func(d *deal.Deal) error {
				d.AddNeedToStop(reason)
				return nil
			})
		}
		switch {
		case err == nil:
			s.logger.Warn("dealset.fault.applied", "deal_id", d.ID, "unit", rec.UnitID, "level", string(rec.Level))
		case errors.Is(err, deal.ErrAborted), errors.Is(err, deal.ErrTerminal), errors.Is(err, ErrNotFound):
			s.logger.Debug("dealset.fault.skipped", "deal_id", d.ID, "error", err)
		default:
			errs = append(errs, fmt.Errorf("dealset: apply fault to %s: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}
