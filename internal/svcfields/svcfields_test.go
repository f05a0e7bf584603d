package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	got := Subsystem("", "bus.", " http ", ".")
	if got != "bus.http" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if Subsystem() != "" {
		t.Fatal("expected empty subsystem for no parts")
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	if WithSubsystem(nil, "exlock") == nil {
		t.Fatal("expected non-nil logger")
	}
	if WithUnit(nil, "") == nil {
		t.Fatal("expected non-nil logger")
	}
}
