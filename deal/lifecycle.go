package deal

import (
	"fmt"
	"time"
)

// Stage names a timeline field.
type Stage string

const (
	StageCreate     Stage = "create"
	StageActivate   Stage = "activate"
	StageRampUp     Stage = "rampUp"
	StageWarmUp     Stage = "warmUp"
	StageStart      Stage = "start"
	StageStop       Stage = "stop"
	StageDeactivate Stage = "deactivate"
	StageAbort      Stage = "abort"
)

var allStages = []Stage{StageCreate, StageActivate, StageRampUp, StageWarmUp, StageStart, StageStop, StageDeactivate, StageAbort}

// progressStages are the stages with ordering constraints.
var progressStages = []Stage{StageActivate, StageRampUp, StageWarmUp, StageStart, StageStop, StageDeactivate}

// predecessors lists the stages that must be set before a stage. Ramp-up is
// optional and never a predecessor.
var predecessors = map[Stage][]Stage{
	StageActivate:   {StageCreate},
	StageRampUp:     {StageCreate, StageActivate},
	StageWarmUp:     {StageCreate, StageActivate},
	StageStart:      {StageCreate, StageActivate, StageWarmUp},
	StageStop:       {StageCreate, StageActivate, StageWarmUp, StageStart},
	StageDeactivate: {StageCreate, StageActivate, StageWarmUp, StageStart, StageStop},
}

// State is the lifecycle position derived from the timeline.
type State string

const (
	StateRegistered  State = "registered"
	StateActivated   State = "activated"
	StateRampedUp    State = "rampedUp"
	StateWarmedUp    State = "warmedUp"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
	StateDeactivated State = "deactivated"
	StateAborted     State = "aborted"
)

func (d *Deal) field(stage Stage) **Timestamp {
	switch stage {
	case StageCreate:
		return &d.CreateDateTime
	case StageActivate:
		return &d.ActivateDateTime
	case StageRampUp:
		return &d.RampUpDateTime
	case StageWarmUp:
		return &d.WarmUpDateTime
	case StageStart:
		return &d.StartDateTime
	case StageStop:
		return &d.StopDateTime
	case StageDeactivate:
		return &d.DeactivateDateTime
	case StageAbort:
		return &d.AbortDateTime
	default:
		return nil
	}
}

// Timestamp returns the timeline value for stage, or nil.
func (d *Deal) Timestamp(stage Stage) *Timestamp {
	if f := d.field(stage); f != nil {
		return *f
	}
	return nil
}

func (d *Deal) missingPredecessor(stage Stage) (Stage, bool) {
	for _, pre := range predecessors[stage] {
		if !d.Timestamp(pre).IsSet() {
			return pre, true
		}
	}
	return "", false
}

// State derives the lifecycle state.
func (d *Deal) State() State {
	switch {
	case d.IsAborted():
		return StateAborted
	case d.IsDeactivated():
		return StateDeactivated
	case d.IsStopped():
		return StateStopped
	case d.IsStarted():
		return StateStarted
	case d.IsWarmedUp():
		return StateWarmedUp
	case d.IsRampedUp():
		return StateRampedUp
	case d.IsActivated():
		return StateActivated
	default:
		return StateRegistered
	}
}

func (d *Deal) advance(stage Stage, now time.Time) error {
	if d.IsAborted() {
		return fmt.Errorf("%w: cannot set %s on deal %s", ErrAborted, stage, d.ID)
	}
	if d.IsDeactivated() {
		return fmt.Errorf("%w: cannot set %s on deal %s", ErrTerminal, stage, d.ID)
	}
	f := d.field(stage)
	if *f != nil {
		return fmt.Errorf("%w: %s on deal %s", ErrAlreadySet, stage, d.ID)
	}
	if missing, ok := d.missingPredecessor(stage); ok {
		return fmt.Errorf("%w: %s requires %s on deal %s", ErrOutOfOrder, stage, missing, d.ID)
	}
	*f = At(now)
	return nil
}

// Activate records that the master side started its voltage reference.
func (d *Deal) Activate(now time.Time) error { return d.advance(StageActivate, now) }

// RampUp records that the grid voltage finished ramping up.
func (d *Deal) RampUp(now time.Time) error { return d.advance(StageRampUp, now) }

// WarmUp records that both participants finished starting.
func (d *Deal) WarmUp(now time.Time) error { return d.advance(StageWarmUp, now) }

// Start records that energy transfer began.
func (d *Deal) Start(now time.Time) error { return d.advance(StageStart, now) }

// Stop records that energy transfer ended.
func (d *Deal) Stop(now time.Time) error { return d.advance(StageStop, now) }

// Deactivate records that both participants stopped completely.
func (d *Deal) Deactivate(now time.Time) error { return d.advance(StageDeactivate, now) }

// MarkAbsent stores the explicit absent marker for a stage that will not
// happen. Later stages that depend on it can no longer be set.
func (d *Deal) MarkAbsent(stage Stage) error {
	f := d.field(stage)
	if f == nil || stage == StageCreate {
		return fmt.Errorf("%w: stage %q cannot be marked absent", ErrInvalid, stage)
	}
	if *f != nil {
		return fmt.Errorf("%w: %s on deal %s", ErrAlreadySet, stage, d.ID)
	}
	*f = Absent()
	return nil
}

// Abort terminates the deal abnormally. It may happen at any stage before
// deactivation and blocks all further progress.
func (d *Deal) Abort(now time.Time, reason string) error {
	if d.IsAborted() {
		return fmt.Errorf("%w: deal %s", ErrAborted, d.ID)
	}
	if d.IsDeactivated() {
		return fmt.Errorf("%w: deal %s", ErrTerminal, d.ID)
	}
	d.AbortDateTime = At(now)
	d.Aborts = append(d.Aborts, Entry{DateTime: At(now), Reason: reason})
	return nil
}

// AddReset records a reset and rewinds the deal to the registered state so
// it can be driven again.
func (d *Deal) AddReset(now time.Time, reason string) error {
	if d.IsAborted() {
		return fmt.Errorf("%w: deal %s", ErrAborted, d.ID)
	}
	if d.IsDeactivated() {
		return fmt.Errorf("%w: deal %s", ErrTerminal, d.ID)
	}
	for _, stage := range progressStages {
		*d.field(stage) = nil
	}
	d.Resets = append(d.Resets, Entry{DateTime: At(now), Reason: reason})
	return nil
}

// AddNeedToStop requests that the deal be stopped. Reasons accumulate.
func (d *Deal) AddNeedToStop(reason string) {
	d.NeedToStopReasons = append(d.NeedToStopReasons, reason)
}
