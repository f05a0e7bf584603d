// Package interlock grants at-most-one-holder access to a deal or to the
// leader role.
//
// Every node runs a Service answering acquire and release requests for the
// deals its unit participates in, and for its own leader slot. Requests for
// one resource are serialized through an exlock name; when a filelock.Locker
// is configured the holder also owns a lock file, so sibling processes
// serving the same unit on one host exclude each other too. Holds never expire;
// only release or reset frees them.
package interlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/deal"
	"pkt.systems/dealgrid/exlock"
	"pkt.systems/dealgrid/filelock"
	"pkt.systems/dealgrid/internal/clock"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// Commands carried in the command header.
const (
	CommandAcquire = "acquire"
	CommandRelease = "release"
)

// Failure codes returned to requesters.
const (
	CodeHeld       = "interlock_held"
	CodeNotHeld    = "interlock_not_held"
	CodeNotOwner   = "interlock_not_owner"
	CodeBadRequest = "interlock_bad_request"
	CodeReset      = "interlock_reset"
	// CodeAbandoned refuses an acquire whose requester stopped waiting
	// before the resource could be examined.
	CodeAbandoned = "interlock_abandoned"
)

// LeaderResource is the resource key of the leader slot.
const LeaderResource = "leader"

const lockPrefix = "interlock/"

// DealResource returns the resource key of a deal.
func DealResource(dealID string) string {
	return "deal/" + dealID
}

// Hold describes the current holder of a resource.
type Hold struct {
	Resource string
	Holder   string
	// Subject is the deal id or the leader unit id the hold was taken for.
	Subject string
	// Token identifies the request that took the hold. A retried acquire
	// carrying the same holder and token is granted again instead of
	// refused.
	Token string
	Since time.Time
}

// Config configures a Service.
type Config struct {
	UnitID string
	Bus    bus.Bus
	// Locks serializes requests per resource. A private manager is used
	// when nil.
	Locks *exlock.Manager
	// Files adds host-wide exclusion when set.
	Files  *filelock.Locker
	Clock  clock.Clock
	Logger pslog.Logger
}

// Service answers interlock requests for one unit.
type Service struct {
	unitID string
	bus    bus.Bus
	locks  *exlock.Manager
	files  *filelock.Locker
	clock  clock.Clock
	logger pslog.Logger

	mu      sync.Mutex
	holds   map[string]Hold
	subs    []bus.Subscription
	metrics *interlockMetrics
}

// NewService validates cfg and returns a stopped Service.
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.UnitID) == "" {
		return nil, errors.New("interlock: unit id required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("interlock: bus required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "interlock")
	locks := cfg.Locks
	if locks == nil {
		locks = exlock.NewManager(exlock.WithLogger(cfg.Logger))
	}
	return &Service{
		unitID:  cfg.UnitID,
		bus:     cfg.Bus,
		locks:   locks,
		files:   cfg.Files,
		clock:   clock.OrReal(cfg.Clock),
		logger:  logger,
		holds:   make(map[string]Hold),
		metrics: newInterlockMetrics(logger),
	}, nil
}

// Start subscribes the deal interlock (cluster-wide) and the leader
// interlock (this node only).
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return nil
	}
	dealSub, err := s.bus.Subscribe(bus.DealInterlock(s.unitID), bus.ScopeGlobal, s.handleDeal)
	if err != nil {
		return fmt.Errorf("interlock: subscribe deal: %w", err)
	}
	leaderSub, err := s.bus.Subscribe(bus.LeaderInterlock, bus.ScopeLocal, s.handleLeader)
	if err != nil {
		dealSub.Unsubscribe()
		return fmt.Errorf("interlock: subscribe leader: %w", err)
	}
	s.subs = []bus.Subscription{dealSub, leaderSub}
	return nil
}

// Stop unsubscribes. Holds are kept.
func (s *Service) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Hold returns the current hold on resource.
func (s *Service) Hold(resource string) (Hold, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[resource]
	return h, ok
}

// Holds returns every current hold sorted by resource.
func (s *Service) Holds() []Hold {
	s.mu.Lock()
	out := make([]Hold, 0, len(s.holds))
	for _, h := range s.holds {
		out = append(out, h)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Reset drops every hold, releases their lock files and fails requests
// waiting on interlock resources.
func (s *Service) Reset() error {
	for _, name := range s.locks.Names() {
		if strings.HasPrefix(name, lockPrefix) {
			s.locks.Reset(name)
		}
	}
	s.mu.Lock()
	holds := s.holds
	s.holds = make(map[string]Hold)
	s.mu.Unlock()

	var errs []error
	if s.files != nil {
		for resource := range holds {
			if _, err := s.files.Unlock(s.fileName(resource), true); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.logger.Warn("interlock.reset", "dropped_holds", len(holds), "file_errors", len(errs))
	return errors.Join(errs...)
}

func (s *Service) handleDeal(ctx context.Context, msg bus.Message) ([]byte, error) {
	var d deal.Deal
	if err := bus.Decode(msg.Body, &d); err != nil {
		return s.refuse(msg, CodeBadRequest, "undecodable deal: %v", err)
	}
	if strings.TrimSpace(d.ID) == "" {
		return s.refuse(msg, CodeBadRequest, "deal id required")
	}
	if !d.IsInvolved(s.unitID) {
		return s.refuse(msg, CodeBadRequest, "unit %s is not a participant of deal %s", s.unitID, d.ID)
	}
	return s.serve(ctx, msg, DealResource(d.ID), d.ID)
}

func (s *Service) handleLeader(ctx context.Context, msg bus.Message) ([]byte, error) {
	leaderID := strings.TrimSpace(msg.Text())
	if leaderID == "" {
		return s.refuse(msg, CodeBadRequest, "leader unit id required")
	}
	return s.serve(ctx, msg, LeaderResource, leaderID)
}

func (s *Service) refuse(msg bus.Message, code, format string, args ...any) ([]byte, error) {
	s.metrics.recordRequest(msg.Header(bus.HeaderCommand), code)
	err := bus.Fail(code, format, args...)
	s.logger.Debug("interlock.refused", "command", msg.Header(bus.HeaderCommand), "holder", msg.Header(bus.HeaderHolder), "code", code, "error", err)
	return nil, err
}

func (s *Service) serve(ctx context.Context, msg bus.Message, resource, subject string) ([]byte, error) {
	command := msg.Header(bus.HeaderCommand)
	holder := strings.TrimSpace(msg.Header(bus.HeaderHolder))
	if holder == "" {
		return s.refuse(msg, CodeBadRequest, "holder header required")
	}
	if command != CommandAcquire && command != CommandRelease {
		return s.refuse(msg, CodeBadRequest, "unknown command %q", command)
	}

	lock, err := s.locks.Acquire(lockPrefix+resource, false)
	if err != nil {
		return s.refuse(msg, CodeReset, "%s: %v", resource, err)
	}
	defer lock.Release()

	if command == CommandAcquire {
		if ctx.Err() != nil {
			return s.refuse(msg, CodeAbandoned, "%s: requester gave up: %v", resource, ctx.Err())
		}
		return s.acquire(msg, lock, resource, holder, subject)
	}
	return s.release(msg, resource, holder)
}

// acquire examines and takes the hold in one critical section so that a
// concurrent Reset either sees the new hold or revokes it before insertion.
func (s *Service) acquire(msg bus.Message, lock *exlock.Lock, resource, holder, subject string) ([]byte, error) {
	token := strings.TrimSpace(msg.Header(bus.HeaderToken))
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock.Revoked() {
		return s.refuse(msg, CodeReset, "%s: reset while waiting", resource)
	}
	if current, held := s.holds[resource]; held {
		if token != "" && current.Holder == holder && current.Token == token {
			s.metrics.recordRequest(CommandAcquire, "regranted")
			s.logger.Debug("interlock.regranted", "resource", resource, "holder", holder, "origin", msg.Origin)
			return []byte(s.unitID), nil
		}
		return s.refuse(msg, CodeHeld, "%s held by %s since %s", resource, current.Holder, current.Since.Format(time.RFC3339))
	}
	if s.files != nil {
		ok, err := s.files.Lock(s.fileName(resource), false)
		if err != nil {
			s.metrics.recordRequest(CommandAcquire, "error")
			return nil, fmt.Errorf("interlock: file lock %s: %w", resource, err)
		}
		if !ok {
			return s.refuse(msg, CodeHeld, "%s held by another process on this host", resource)
		}
	}
	s.holds[resource] = Hold{Resource: resource, Holder: holder, Subject: subject, Token: token, Since: s.clock.Now()}
	s.metrics.recordRequest(CommandAcquire, "granted")
	s.logger.Info("interlock.acquired", "resource", resource, "holder", holder, "origin", msg.Origin)
	return []byte(s.unitID), nil
}

func (s *Service) release(msg bus.Message, resource, holder string) ([]byte, error) {
	s.mu.Lock()
	current, held := s.holds[resource]
	s.mu.Unlock()
	if !held {
		return s.refuse(msg, CodeNotHeld, "%s is not held", resource)
	}
	if current.Holder != holder {
		return s.refuse(msg, CodeNotOwner, "%s is held by %s, not %s", resource, current.Holder, holder)
	}
	s.mu.Lock()
	delete(s.holds, resource)
	s.mu.Unlock()
	if s.files != nil {
		if _, err := s.files.Unlock(s.fileName(resource), true); err != nil {
			s.logger.Warn("interlock.release.file_unlock_failed", "resource", resource, "error", err)
		}
	}
	s.metrics.recordRequest(CommandRelease, "granted")
	s.logger.Info("interlock.released", "resource", resource, "holder", holder, "held_ms", s.clock.Now().Sub(current.Since).Milliseconds())
	return []byte(s.unitID), nil
}

// fileName is unit scoped: processes serving different units on one host
// must not exclude each other.
func (s *Service) fileName(resource string) string {
	return "interlock." + s.unitID + "." + strings.ReplaceAll(resource, "/", ".")
}
