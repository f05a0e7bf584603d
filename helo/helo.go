// Package helo detects duplicate unit identities and duplicate leaders.
//
// Every node answers on its unit address, and while it holds the leader
// role also on the leader address. A request with an empty body asks who is
// there and is answered with the unit id. A body carrying a session id is an
// announcement: the node's own session is ignored, any other session means a
// second process claims the same identity and raises a FATAL GLOBAL fault.
// Detection alarms; it never resolves the conflict by itself.
package helo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/fault"
	"pkt.systems/dealgrid/internal/clock"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultPeriod is the default announcement interval.
const DefaultPeriod = 5 * time.Second

// Duplicate describes a detected identity conflict.
type Duplicate struct {
	// Address is where the foreign announcement arrived.
	Address string
	// Identity is the unit id or the leader role that is claimed twice.
	Identity string
	// Session is the foreign session id.
	Session string
	// Origin is the bus node that sent the announcement, when known.
	Origin string
	At     time.Time
}

// Config configures a Service.
type Config struct {
	UnitID string
	// SessionID identifies this run. A fresh xid is used when empty.
	SessionID string
	Bus       bus.Bus
	// Reporter publishes duplicate faults. One is built on Bus when nil.
	Reporter *fault.Reporter
	// Period between announcements. Zero selects DefaultPeriod; negative
	// disables the announcer.
	Period time.Duration
	// OnDuplicate is called once per distinct foreign session.
	OnDuplicate func(ctx context.Context, dup Duplicate)
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Service answers helo probes and announces this run's session.
type Service struct {
	unitID      string
	sessionID   string
	bus         bus.Bus
	reporter    *fault.Reporter
	period      time.Duration
	onDuplicate func(ctx context.Context, dup Duplicate)
	clock       clock.Clock
	logger      pslog.Logger

	mu        sync.Mutex
	leader    bool
	unitSub   bus.Subscription
	leaderSub bus.Subscription
	seen      map[string]Duplicate
	stop      chan struct{}
	done      chan struct{}
}

// NewService validates cfg and returns a stopped Service.
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.UnitID) == "" {
		return nil, errors.New("helo: unit id required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("helo: bus required")
	}
	session := strings.TrimSpace(cfg.SessionID)
	if session == "" {
		session = xid.New().String()
	}
	period := cfg.Period
	if period == 0 {
		period = DefaultPeriod
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = fault.NewReporter(cfg.Bus, cfg.UnitID, cfg.Logger)
	}
	return &Service{
		unitID:      cfg.UnitID,
		sessionID:   session,
		bus:         cfg.Bus,
		reporter:    reporter,
		period:      period,
		onDuplicate: cfg.OnDuplicate,
		clock:       clock.OrReal(cfg.Clock),
		logger:      svcfields.WithSubsystem(cfg.Logger, "helo"),
		seen:        make(map[string]Duplicate),
	}, nil
}

// UnitID returns the unit this service speaks for.
func (s *Service) UnitID() string { return s.unitID }

// SessionID returns the session id announced by this run.
func (s *Service) SessionID() string { return s.sessionID }

// Start subscribes the unit address and starts the announcer.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unitSub != nil {
		return nil
	}
	address := bus.UnitHelo(s.unitID)
	sub, err := s.bus.Subscribe(address, bus.ScopeGlobal, s.handler(address, s.unitID))
	if err != nil {
		return fmt.Errorf("helo: subscribe %s: %w", address, err)
	}
	s.unitSub = sub
	if s.period > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.announceLoop(context.WithoutCancel(ctx), s.stop, s.done)
	}
	s.logger.Info("helo.started", "unit", s.unitID, "session", s.sessionID, "period", s.period.String())
	return nil
}

// Stop ends the announcer and drops both subscriptions.
func (s *Service) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	subs := []bus.Subscription{s.unitSub, s.leaderSub}
	s.unitSub, s.leaderSub = nil, nil
	s.leader = false
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// SetLeader subscribes or drops the leader address. The leader address is
// answered only while this node holds the leader role.
func (s *Service) SetLeader(leader bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leader == s.leader {
		return nil
	}
	if !leader {
		if s.leaderSub != nil {
			s.leaderSub.Unsubscribe()
			s.leaderSub = nil
		}
		s.leader = false
		s.logger.Info("helo.leader.resigned")
		return nil
	}
	sub, err := s.bus.Subscribe(bus.LeaderHelo, bus.ScopeGlobal, s.handler(bus.LeaderHelo, "leader"))
	if err != nil {
		return fmt.Errorf("helo: subscribe %s: %w", bus.LeaderHelo, err)
	}
	s.leaderSub = sub
	s.leader = true
	s.logger.Info("helo.leader.claimed")
	return nil
}

// IsLeader reports whether the leader address is currently answered here.
func (s *Service) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

// Announce publishes the session id on the unit address, and on the leader
// address while leader.
func (s *Service) Announce(ctx context.Context) error {
	msg := bus.Message{Body: []byte(s.sessionID)}
	var errs []error
	if err := s.bus.Publish(ctx, bus.UnitHelo(s.unitID), msg); err != nil {
		errs = append(errs, err)
	}
	if s.IsLeader() {
		if err := s.bus.Publish(ctx, bus.LeaderHelo, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WhoIsLeader asks the cluster for the current leader's unit id.
func (s *Service) WhoIsLeader(ctx context.Context) (string, error) {
	return s.probe(ctx, bus.LeaderHelo)
}

// WhoIs asks whether unitID is present and returns the answering unit id.
func (s *Service) WhoIs(ctx context.Context, unitID string) (string, error) {
	return s.probe(ctx, bus.UnitHelo(unitID))
}

// Duplicates returns every conflict detected so far, oldest first.
func (s *Service) Duplicates() []Duplicate {
	s.mu.Lock()
	out := make([]Duplicate, 0, len(s.seen))
	for _, dup := range s.seen {
		out = append(out, dup)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (s *Service) probe(ctx context.Context, address string) (string, error) {
	ctx, cancel := bus.WithRequestTimeout(ctx, bus.DefaultRequestTimeout)
	defer cancel()
	reply, err := s.bus.Request(ctx, address, bus.Message{})
	if err != nil {
		return "", fmt.Errorf("helo: probe %s: %w", address, err)
	}
	return reply.Text(), nil
}

func (s *Service) handler(address, identity string) bus.Handler {
	return func(ctx context.Context, msg bus.Message) ([]byte, error) {
		session := strings.TrimSpace(msg.Text())
		if session == "" {
			return []byte(s.unitID), nil
		}
		if session == s.sessionID {
			return nil, bus.ErrNoReply
		}
		s.detected(ctx, Duplicate{
			Address:  address,
			Identity: identity,
			Session:  session,
			Origin:   msg.Origin,
			At:       s.clock.Now(),
		})
		return nil, bus.ErrNoReply
	}
}

func (s *Service) detected(ctx context.Context, dup Duplicate) {
	key := dup.Address + "\x00" + dup.Session
	s.mu.Lock()
	if _, ok := s.seen[key]; ok {
		s.mu.Unlock()
		return
	}
	s.seen[key] = dup
	s.mu.Unlock()

	if dup.Identity == "leader" {
		s.reporter.Report(ctx, fault.CategoryFramework, fault.ExtentGlobal, fault.LevelFatal,
			"duplicate leader: session %s from %s competes with %s (session %s)", dup.Session, originOrUnknown(dup.Origin), s.unitID, s.sessionID)
	} else {
		s.reporter.Report(ctx, fault.CategoryFramework, fault.ExtentGlobal, fault.LevelFatal,
			"duplicate unit id %s: session %s from %s competes with session %s", s.unitID, dup.Session, originOrUnknown(dup.Origin), s.sessionID)
	}
	if s.onDuplicate != nil {
		s.onDuplicate(ctx, dup)
	}
}

func (s *Service) announceLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-s.clock.After(s.period):
		}
		if err := s.Announce(ctx); err != nil {
			s.logger.Warn("helo.announce.failed", "error", err)
		}
	}
}

func originOrUnknown(origin string) string {
	if origin == "" {
		return "unknown node"
	}
	return origin
}
