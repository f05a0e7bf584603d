// Package svcfields holds the shared logging keys used across dealgrid
// components.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey is the canonical key for subsystem tags.
	SubsystemKey = pslog.TrustedString("sys")
	// UnitKey tags entries with the energy-storage unit a node represents.
	UnitKey = pslog.TrustedString("unit")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithUnit attaches the owning unit id to every log entry.
func WithUnit(logger pslog.Logger, unitID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	unitID = strings.TrimSpace(unitID)
	if unitID == "" {
		return logger
	}
	return logger.With(UnitKey, unitID)
}
