package deal

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/dealgrid/internal/codec"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func newTestDeal(t *testing.T) *Deal {
	t.Helper()
	d, err := New(Params{
		Type:          DirectionDischarge,
		RequestUnitID: "E001",
		AcceptUnitID:  "E002",
		DealAmountWh:  100,
	}, t0)
	if err != nil {
		t.Fatalf("new deal: %v", err)
	}
	return d
}

func TestNewAssignsParticipants(t *testing.T) {
	d := newTestDeal(t)
	if d.DischargeUnitID != "E001" || d.ChargeUnitID != "E002" {
		t.Fatalf("unexpected participants: %+v", d)
	}
	parsed, err := uuid.Parse(d.ID)
	if err != nil || parsed.Version() != 7 {
		t.Fatalf("expected UUIDv7 deal id, got %q (%v)", d.ID, err)
	}
	charge, err := New(Params{Type: DirectionCharge, RequestUnitID: "E001", AcceptUnitID: "E002"}, t0)
	if err != nil {
		t.Fatalf("new charge deal: %v", err)
	}
	if charge.DischargeUnitID != "E002" || charge.ChargeUnitID != "E001" {
		t.Fatalf("unexpected participants: %+v", charge)
	}
	if d.State() != StateRegistered || !d.CreateDateTime.IsSet() {
		t.Fatalf("expected registered deal with create time, got %s", d.State())
	}
}

func TestNewRejectsSameUnitOnBothSides(t *testing.T) {
	_, err := New(Params{Type: DirectionDischarge, RequestUnitID: "E001", AcceptUnitID: "E001"}, t0)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	_, err = New(Params{Type: "sideways", RequestUnitID: "E001", AcceptUnitID: "E002"}, t0)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for bad type, got %v", err)
	}
}

func TestLifecycleOrdering(t *testing.T) {
	d := newTestDeal(t)
	if err := d.Start(t0); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	steps := []struct {
		name  string
		apply func(time.Time) error
		state State
	}{
		{"activate", d.Activate, StateActivated},
		{"rampUp", d.RampUp, StateRampedUp},
		{"warmUp", d.WarmUp, StateWarmedUp},
		{"start", d.Start, StateStarted},
		{"stop", d.Stop, StateStopped},
		{"deactivate", d.Deactivate, StateDeactivated},
	}
	for i, step := range steps {
		if err := step.apply(t0.Add(time.Duration(i+1) * time.Second)); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if d.State() != step.state {
			t.Fatalf("after %s expected %s, got %s", step.name, step.state, d.State())
		}
		if err := d.Validate(); err != nil {
			t.Fatalf("validate after %s: %v", step.name, err)
		}
	}
	if err := d.Abort(t0, "late"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestRampUpIsOptional(t *testing.T) {
	d := newTestDeal(t)
	if err := d.Activate(t0); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := d.WarmUp(t0); err != nil {
		t.Fatalf("warmUp without rampUp: %v", err)
	}
	if err := d.WarmUp(t0); !errors.Is(err, ErrAlreadySet) {
		t.Fatalf("expected ErrAlreadySet, got %v", err)
	}
}

func TestAbortBlocksProgress(t *testing.T) {
	d := newTestDeal(t)
	if err := d.Activate(t0); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := d.Abort(t0.Add(time.Second), "battery fault"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := d.WarmUp(t0); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if err := d.Abort(t0, "again"); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted on second abort, got %v", err)
	}
	if d.NumberOfAborts() != 1 || d.Aborts[0].Reason != "battery fault" {
		t.Fatalf("unexpected abort history: %+v", d.Aborts)
	}
	if !d.IsTerminal() || d.State() != StateAborted {
		t.Fatalf("expected aborted terminal deal, got %s", d.State())
	}
}

func TestValidateDetectsTimelineGaps(t *testing.T) {
	d := newTestDeal(t)
	d.StartDateTime = At(t0)
	if err := d.Validate(); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestAbsentSentinelCountsAsAbsent(t *testing.T) {
	d := newTestDeal(t)
	if err := d.MarkAbsent(StageActivate); err != nil {
		t.Fatalf("mark absent: %v", err)
	}
	if d.IsActivated() || d.MasterSideUnitMustBeActive() || d.IsSaveworthy() {
		t.Fatal("absent activation must read as not activated")
	}
	if err := d.WarmUp(t0); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder after absent activation, got %v", err)
	}
	if err := d.MarkAbsent(StageCreate); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for create, got %v", err)
	}
}

func TestPredicatesAcrossLifecycle(t *testing.T) {
	type flags struct{ master, slave, bothActive, bothInactive, transitional bool }
	d := newTestDeal(t)
	check := func(label string, want flags) {
		t.Helper()
		got := flags{
			d.MasterSideUnitMustBeActive(),
			d.SlaveSideUnitMustBeActive(),
			d.BothSideUnitsMustBeActive(),
			d.BothSideUnitsMustBeInactive(),
			d.IsTransitionalState(),
		}
		if got != want {
			t.Fatalf("%s: got %+v want %+v", label, got, want)
		}
	}
	check("registered", flags{bothInactive: true})
	d.Activate(t0)
	check("activated", flags{master: true, transitional: true})
	d.WarmUp(t0)
	check("warmedUp", flags{master: true, slave: true, bothActive: true})
	d.Start(t0)
	check("started", flags{master: true, slave: true, bothActive: true})
	d.Stop(t0)
	check("stopped", flags{master: true, transitional: true})
	d.Deactivate(t0)
	check("deactivated", flags{bothInactive: true})
}

func TestSaveworthyAndReset(t *testing.T) {
	d := newTestDeal(t)
	if d.IsSaveworthy() {
		t.Fatal("fresh deal must not be saveworthy")
	}
	d.Activate(t0)
	if !d.IsSaveworthy() {
		t.Fatal("activated deal must be saveworthy")
	}
	if err := d.AddReset(t0.Add(time.Second), "grid reset"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d.IsActivated() || d.State() != StateRegistered {
		t.Fatalf("reset must rewind the timeline, got %s", d.State())
	}
	if !d.IsSaveworthy() || d.NumberOfResets() != 1 {
		t.Fatal("reset deal must stay saveworthy")
	}
}

func TestNeedToStop(t *testing.T) {
	d := newTestDeal(t)
	if d.IsNeedToStop() {
		t.Fatal("unexpected stop request")
	}
	d.AddNeedToStop("E001 error")
	d.AddNeedToStop("E002 error")
	if !d.IsNeedToStop() || len(d.NeedToStopReasons) != 2 {
		t.Fatalf("unexpected reasons %v", d.NeedToStopReasons)
	}
}

func TestParticipantHelpers(t *testing.T) {
	d := newTestDeal(t)
	if d.DirectionOf("E001") != DirectionDischarge || d.DirectionOf("E002") != DirectionCharge || d.DirectionOf("E003") != DirectionUnknown {
		t.Fatal("unexpected directions")
	}
	if d.IsInvolved("") || d.IsInvolved("E003") || !d.IsInvolved("E002") {
		t.Fatal("unexpected involvement")
	}
	if d.MasterSideUnitID(MasterSideDischargeUnit) != "E001" || d.SlaveSideUnitID(MasterSideDischargeUnit) != "E002" {
		t.Fatal("unexpected discharge-side master")
	}
	if d.MasterSideUnitID(MasterSideChargeUnit) != "E002" || !d.IsSlaveSideUnit("E001", MasterSideChargeUnit) {
		t.Fatal("unexpected charge-side master")
	}
	if ParseMasterSidePolicy("dischargeUnit") != MasterSideDischargeUnit || ParseMasterSidePolicy("whatever") != MasterSideChargeUnit {
		t.Fatal("unexpected policy parse")
	}
	if _, ok := d.CompensatedGridCurrentA("E001"); ok {
		t.Fatal("unset compensated current must report !ok")
	}
	v := 1.5
	d.ChargeUnitCompensatedGridCurrentA = &v
	if got, ok := d.CompensatedGridCurrentA("E002"); !ok || got != 1.5 {
		t.Fatalf("unexpected compensated current %v %v", got, ok)
	}
	if _, ok := d.CompensatedGridCurrentA("E009"); ok {
		t.Fatal("non-participant must report !ok")
	}
}

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"DISCHARGE": DirectionDischarge,
		"charge":    DirectionCharge,
		" Charge ":  DirectionCharge,
		"idle":      DirectionUnknown,
	}
	for in, want := range cases {
		if got := ParseDirection(in); got != want {
			t.Fatalf("ParseDirection(%q) = %q, want %q", in, got, want)
		}
	}
	if DirectionDischarge.Reverse() != DirectionCharge || DirectionUnknown.Reverse() != DirectionUnknown {
		t.Fatal("unexpected reverse")
	}
}

func TestJSONWireFormat(t *testing.T) {
	d := newTestDeal(t)
	d.Activate(t0.Add(time.Second))
	d.MarkAbsent(StageRampUp)
	d.AddReset(t0.Add(2*time.Second), "r")
	d.RampUpDateTime = Absent()
	d.IsMaster = true

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"dealId":`, `"createDateTime":"2023/11/14-22:13:20"`, `"rampUpDateTime":"--"`, `"reset":[{"dateTime":"2023/11/14-22:13:22","reason":"r"}]`, `"isMaster":true`, `"type":"discharge"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %s in %s", want, text)
		}
	}
	var back Deal
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.RampUpDateTime.IsAbsent() || back.IsRampedUp() {
		t.Fatal("sentinel must survive decoding as absent")
	}
	if !back.CreateDateTime.Equal(d.CreateDateTime) || back.NumberOfResets() != 1 {
		t.Fatalf("unexpected decoded deal %+v", back)
	}
}

func TestCBORPreservesTimeline(t *testing.T) {
	d := newTestDeal(t)
	d.Activate(t0)
	d.MarkAbsent(StageRampUp)
	data, err := codec.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Deal
	if err := codec.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != d.ID || !back.ActivateDateTime.Equal(d.ActivateDateTime) || !back.RampUpDateTime.IsAbsent() {
		t.Fatalf("unexpected decoded deal %+v", back)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatal("expected parse error")
	}
	ts, err := ParseTimestamp("2024/01/02-03:04:05.678")
	if err != nil {
		t.Fatalf("parse with millis: %v", err)
	}
	if ts.String() != "2024/01/02-03:04:05" {
		t.Fatalf("unexpected formatted value %q", ts.String())
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := newTestDeal(t)
	d.Activate(t0)
	d.AddNeedToStop("x")
	c := d.Clone()
	c.NeedToStopReasons[0] = "y"
	c.ActivateDateTime = nil
	if d.NeedToStopReasons[0] != "x" || !d.IsActivated() {
		t.Fatal("clone must not alias the original")
	}
}
