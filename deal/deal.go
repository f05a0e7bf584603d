// Package deal models a bilateral energy-transfer agreement between two
// units and its lifecycle.
//
// A Deal is plain data that travels over the bus. Its lifecycle state is
// derived from which timeline fields are populated; the predicates here are
// pure functions of the record. The mutators enforce timeline ordering but do
// not take any locks themselves: callers mutate a deal only while holding its
// interlock.
package deal

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction is the energy-flow direction of a unit in a deal.
type Direction string

const (
	// DirectionUnknown is returned for unrecognised values and for units
	// that do not participate in a deal.
	DirectionUnknown   Direction = ""
	DirectionDischarge Direction = "discharge"
	DirectionCharge    Direction = "charge"
)

// ParseDirection parses value case-insensitively.
func ParseDirection(value string) Direction {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(DirectionDischarge):
		return DirectionDischarge
	case string(DirectionCharge):
		return DirectionCharge
	default:
		return DirectionUnknown
	}
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionDischarge:
		return DirectionCharge
	case DirectionCharge:
		return DirectionDischarge
	default:
		return DirectionUnknown
	}
}

// MasterSidePolicy selects which participant provides the voltage reference.
type MasterSidePolicy string

const (
	MasterSideDischargeUnit MasterSidePolicy = "dischargeUnit"
	MasterSideChargeUnit    MasterSidePolicy = "chargeUnit"
)

// ParseMasterSidePolicy parses value. Anything but "dischargeUnit" selects
// the charge side.
func ParseMasterSidePolicy(value string) MasterSidePolicy {
	if strings.TrimSpace(value) == string(MasterSideDischargeUnit) {
		return MasterSideDischargeUnit
	}
	return MasterSideChargeUnit
}

// Entry is a dated reason in the reset or abort history.
type Entry struct {
	DateTime *Timestamp `json:"dateTime"`
	Reason   string     `json:"reason"`
}

// Deal is the agreement record. JSON and CBOR field names are the cluster
// wire format.
type Deal struct {
	ID              string    `json:"dealId"`
	Type            Direction `json:"type"`
	RequestUnitID   string    `json:"requestUnitId"`
	AcceptUnitID    string    `json:"acceptUnitId,omitempty"`
	DischargeUnitID string    `json:"dischargeUnitId"`
	ChargeUnitID    string    `json:"chargeUnitId"`

	DealAmountWh                       float64 `json:"dealAmountWh"`
	DischargeUnitEfficientGridVoltageV float64 `json:"dischargeUnitEfficientGridVoltageV,omitempty"`
	ChargeUnitEfficientGridVoltageV    float64 `json:"chargeUnitEfficientGridVoltageV,omitempty"`
	DealGridCurrentA                   float64 `json:"dealGridCurrentA,omitempty"`

	CompensationTargetVoltageReferenceGridCurrentA *float64 `json:"compensationTargetVoltageReferenceGridCurrentA,omitempty"`
	DischargeUnitCompensatedGridCurrentA           *float64 `json:"dischargeUnitCompensatedGridCurrentA,omitempty"`
	ChargeUnitCompensatedGridCurrentA              *float64 `json:"chargeUnitCompensatedGridCurrentA,omitempty"`

	CreateDateTime     *Timestamp `json:"createDateTime,omitempty"`
	ActivateDateTime   *Timestamp `json:"activateDateTime,omitempty"`
	RampUpDateTime     *Timestamp `json:"rampUpDateTime,omitempty"`
	WarmUpDateTime     *Timestamp `json:"warmUpDateTime,omitempty"`
	StartDateTime      *Timestamp `json:"startDateTime,omitempty"`
	StopDateTime       *Timestamp `json:"stopDateTime,omitempty"`
	DeactivateDateTime *Timestamp `json:"deactivateDateTime,omitempty"`
	AbortDateTime      *Timestamp `json:"abortDateTime,omitempty"`

	Resets            []Entry  `json:"reset,omitempty"`
	Aborts            []Entry  `json:"abort,omitempty"`
	NeedToStopReasons []string `json:"needToStopReasons,omitempty"`
	IsMaster          bool     `json:"isMaster,omitempty"`
}

// Params are the negotiated terms used to register a deal.
type Params struct {
	Type                               Direction
	RequestUnitID                      string
	AcceptUnitID                       string
	DealAmountWh                       float64
	DischargeUnitEfficientGridVoltageV float64
	ChargeUnitEfficientGridVoltageV    float64
	DealGridCurrentA                   float64
}

var (
	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("deal: invalid")
	// ErrOutOfOrder is returned when a timeline stage is set before its
	// predecessors.
	ErrOutOfOrder = errors.New("deal: timeline out of order")
	// ErrAlreadySet is returned when a timeline stage is set twice.
	ErrAlreadySet = errors.New("deal: timeline stage already set")
	// ErrAborted is returned when progressing an aborted deal.
	ErrAborted = errors.New("deal: aborted")
	// ErrTerminal is returned when changing a deactivated deal.
	ErrTerminal = errors.New("deal: deactivated")
)

// NewID returns a fresh time-ordered deal id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New registers a deal from negotiated terms. The requesting unit discharges
// when p.Type is DirectionDischarge and charges otherwise.
func New(p Params, now time.Time) (*Deal, error) {
	d := &Deal{
		ID:                                 NewID(),
		Type:                               p.Type,
		RequestUnitID:                      p.RequestUnitID,
		AcceptUnitID:                       p.AcceptUnitID,
		DealAmountWh:                       p.DealAmountWh,
		DischargeUnitEfficientGridVoltageV: p.DischargeUnitEfficientGridVoltageV,
		ChargeUnitEfficientGridVoltageV:    p.ChargeUnitEfficientGridVoltageV,
		DealGridCurrentA:                   p.DealGridCurrentA,
		CreateDateTime:                     At(now),
	}
	switch p.Type {
	case DirectionDischarge:
		d.DischargeUnitID, d.ChargeUnitID = p.RequestUnitID, p.AcceptUnitID
	case DirectionCharge:
		d.DischargeUnitID, d.ChargeUnitID = p.AcceptUnitID, p.RequestUnitID
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, p.Type)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks participant identity and timeline ordering.
func (d *Deal) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil deal", ErrInvalid)
	}
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: missing dealId", ErrInvalid)
	}
	if d.DischargeUnitID == "" || d.ChargeUnitID == "" {
		return fmt.Errorf("%w: missing participant", ErrInvalid)
	}
	if d.DischargeUnitID == d.ChargeUnitID {
		return fmt.Errorf("%w: discharge and charge unit are both %q", ErrInvalid, d.DischargeUnitID)
	}
	for _, stage := range progressStages {
		if !d.Timestamp(stage).IsSet() {
			continue
		}
		if missing, ok := d.missingPredecessor(stage); ok {
			return fmt.Errorf("%w: %s set without %s", ErrOutOfOrder, stage, missing)
		}
	}
	return nil
}

// Clone returns a deep copy of d.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	out := *d
	out.CompensationTargetVoltageReferenceGridCurrentA = cloneFloat(d.CompensationTargetVoltageReferenceGridCurrentA)
	out.DischargeUnitCompensatedGridCurrentA = cloneFloat(d.DischargeUnitCompensatedGridCurrentA)
	out.ChargeUnitCompensatedGridCurrentA = cloneFloat(d.ChargeUnitCompensatedGridCurrentA)
	for _, stage := range allStages {
		if ts := d.Timestamp(stage); ts != nil {
			copied := *ts
			*out.field(stage) = &copied
		}
	}
	out.Resets = cloneEntries(d.Resets)
	out.Aborts = cloneEntries(d.Aborts)
	if d.NeedToStopReasons != nil {
		out.NeedToStopReasons = slices.Clone(d.NeedToStopReasons)
	}
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i, entry := range in {
		out[i] = Entry{Reason: entry.Reason}
		if entry.DateTime != nil {
			ts := *entry.DateTime
			out[i].DateTime = &ts
		}
	}
	return out
}

// IsDischargeUnit reports whether unitID is the discharging participant.
func (d *Deal) IsDischargeUnit(unitID string) bool {
	return unitID != "" && unitID == d.DischargeUnitID
}

// IsChargeUnit reports whether unitID is the charging participant.
func (d *Deal) IsChargeUnit(unitID string) bool {
	return unitID != "" && unitID == d.ChargeUnitID
}

// IsInvolved reports whether unitID participates in the deal.
func (d *Deal) IsInvolved(unitID string) bool {
	return d.IsDischargeUnit(unitID) || d.IsChargeUnit(unitID)
}

// Participants returns the discharge and charge unit ids.
func (d *Deal) Participants() []string {
	return []string{d.DischargeUnitID, d.ChargeUnitID}
}

// DirectionOf returns the direction unitID takes in the deal.
func (d *Deal) DirectionOf(unitID string) Direction {
	switch {
	case d.IsDischargeUnit(unitID):
		return DirectionDischarge
	case d.IsChargeUnit(unitID):
		return DirectionCharge
	default:
		return DirectionUnknown
	}
}

// MasterSideUnitID returns the voltage-reference participant under policy.
func (d *Deal) MasterSideUnitID(policy MasterSidePolicy) string {
	if policy == MasterSideDischargeUnit {
		return d.DischargeUnitID
	}
	return d.ChargeUnitID
}

// SlaveSideUnitID returns the non-reference participant under policy.
func (d *Deal) SlaveSideUnitID(policy MasterSidePolicy) string {
	if policy == MasterSideDischargeUnit {
		return d.ChargeUnitID
	}
	return d.DischargeUnitID
}

// IsMasterSideUnit reports whether unitID is the voltage-reference side.
func (d *Deal) IsMasterSideUnit(unitID string, policy MasterSidePolicy) bool {
	return unitID != "" && unitID == d.MasterSideUnitID(policy)
}

// IsSlaveSideUnit reports whether unitID is the non-reference side.
func (d *Deal) IsSlaveSideUnit(unitID string, policy MasterSidePolicy) bool {
	return unitID != "" && unitID == d.SlaveSideUnitID(policy)
}

// CompensatedGridCurrentA returns the post-compensation grid current of the
// participant unitID. ok is false for non-participants and unset values.
func (d *Deal) CompensatedGridCurrentA(unitID string) (value float64, ok bool) {
	var v *float64
	switch {
	case d.IsDischargeUnit(unitID):
		v = d.DischargeUnitCompensatedGridCurrentA
	case d.IsChargeUnit(unitID):
		v = d.ChargeUnitCompensatedGridCurrentA
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// NumberOfResets returns the length of the reset history.
func (d *Deal) NumberOfResets() int { return len(d.Resets) }

// NumberOfAborts returns the length of the abort history.
func (d *Deal) NumberOfAborts() int { return len(d.Aborts) }

func (d *Deal) IsActivated() bool   { return d.ActivateDateTime.IsSet() }
func (d *Deal) IsRampedUp() bool    { return d.RampUpDateTime.IsSet() }
func (d *Deal) IsWarmedUp() bool    { return d.WarmUpDateTime.IsSet() }
func (d *Deal) IsStarted() bool     { return d.StartDateTime.IsSet() }
func (d *Deal) IsStopped() bool     { return d.StopDateTime.IsSet() }
func (d *Deal) IsDeactivated() bool { return d.DeactivateDateTime.IsSet() }
func (d *Deal) IsAborted() bool     { return d.AbortDateTime.IsSet() }

// MasterSideUnitMustBeActive reports whether the voltage-reference unit
// must be running: from activation until deactivation.
func (d *Deal) MasterSideUnitMustBeActive() bool {
	return d.IsActivated() && !d.IsDeactivated()
}

// SlaveSideUnitMustBeActive reports whether the non-reference unit must be
// running: from warm-up until stop.
func (d *Deal) SlaveSideUnitMustBeActive() bool {
	return d.IsWarmedUp() && !d.IsStopped()
}

// BothSideUnitsMustBeActive reports whether both participants must run.
func (d *Deal) BothSideUnitsMustBeActive() bool {
	return d.SlaveSideUnitMustBeActive()
}

// BothSideUnitsMustBeInactive reports whether neither participant may run.
func (d *Deal) BothSideUnitsMustBeInactive() bool {
	return !d.MasterSideUnitMustBeActive()
}

// IsTransitionalState reports whether only the master side must run.
func (d *Deal) IsTransitionalState() bool {
	return !d.BothSideUnitsMustBeActive() && !d.BothSideUnitsMustBeInactive()
}

// IsNeedToStop reports whether a stop has been requested.
func (d *Deal) IsNeedToStop() bool {
	return d.NeedToStopReasons != nil
}

// IsSaveworthy reports whether the deal should be handed to the persistent
// store when it leaves the working set.
func (d *Deal) IsSaveworthy() bool {
	return d.IsActivated() || d.Resets != nil
}

// IsTerminal reports whether the deal is deactivated or aborted.
func (d *Deal) IsTerminal() bool {
	return d.IsDeactivated() || d.IsAborted()
}
