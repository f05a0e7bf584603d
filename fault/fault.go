// Package fault is the cluster error model: classified error records that
// every node publishes on the error address, and the typed error value used
// to raise them from code.
package fault

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/dealgrid/internal/callsite"
)

// Category says what kind of subsystem failed.
type Category string

const (
	CategoryHardware  Category = "HARDWARE"
	CategoryFramework Category = "FRAMEWORK"
	CategoryLogic     Category = "LOGIC"
	CategoryUser      Category = "USER"
	CategoryUnknown   Category = "UNKNOWN"
)

// Extent says how far the failure reaches.
type Extent string

const (
	ExtentGlobal  Extent = "GLOBAL"
	ExtentLocal   Extent = "LOCAL"
	ExtentUnknown Extent = "UNKNOWN"
)

// Level is the severity.
type Level string

const (
	LevelWarn    Level = "WARN"
	LevelError   Level = "ERROR"
	LevelFatal   Level = "FATAL"
	LevelUnknown Level = "UNKNOWN"
)

// ParseCategory maps value to a Category. Unrecognised values, including
// different casing, become CategoryUnknown.
func ParseCategory(value string) Category {
	switch c := Category(value); c {
	case CategoryHardware, CategoryFramework, CategoryLogic, CategoryUser:
		return c
	default:
		return CategoryUnknown
	}
}

// ParseExtent maps value to an Extent, falling back to ExtentUnknown.
func ParseExtent(value string) Extent {
	switch e := Extent(value); e {
	case ExtentGlobal, ExtentLocal:
		return e
	default:
		return ExtentUnknown
	}
}

// ParseLevel maps value to a Level, falling back to LevelUnknown.
func ParseLevel(value string) Level {
	switch l := Level(value); l {
	case LevelWarn, LevelError, LevelFatal:
		return l
	default:
		return LevelUnknown
	}
}

// AtLeast reports whether l is at least as severe as other. Unknown levels
// rank below WARN.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

func (l Level) rank() int {
	switch l {
	case LevelWarn:
		return 1
	case LevelError:
		return 2
	case LevelFatal:
		return 3
	default:
		return 0
	}
}

// Frame is the single call site attached to a record.
type Frame struct {
	FileName   string `json:"fileName,omitempty"`
	LineNumber int    `json:"lineNumber,omitempty"`
	ClassName  string `json:"className,omitempty"`
	MethodName string `json:"methodName,omitempty"`
}

// FrameFrom converts a captured call site.
func FrameFrom(f callsite.Frame) *Frame {
	if f.IsZero() {
		return nil
	}
	return &Frame{
		FileName:   filepath.Base(f.File),
		LineNumber: f.Line,
		ClassName:  f.Package(),
		MethodName: f.Method(),
	}
}

func (f *Frame) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s.%s(%s:%d)", f.ClassName, f.MethodName, f.FileName, f.LineNumber)
}

// Record is one reported error. It is a value; copies are independent.
type Record struct {
	UnitID   string   `json:"unitId"`
	Category Category `json:"category"`
	Extent   Extent   `json:"extent"`
	Level    Level    `json:"level"`
	Message  string   `json:"message"`
	Frame    *Frame   `json:"stackTrace,omitempty"`
}

// Normalize replaces unrecognised enum values with their Unknown member.
func (r Record) Normalize() Record {
	r.Category = ParseCategory(string(r.Category))
	r.Extent = ParseExtent(string(r.Extent))
	r.Level = ParseLevel(string(r.Level))
	if r.Frame != nil {
		frame := *r.Frame
		r.Frame = &frame
	}
	return r
}

// LogMessage renders the record for logs, e.g.
// "(HARDWARE:LOCAL:ERROR:E001) dcdc timeout [pkg.fn(file.go:12)]".
func (r Record) LogMessage() string {
	var sb strings.Builder
	sb.WriteByte('(')
	sb.WriteString(string(r.Category))
	sb.WriteByte(':')
	sb.WriteString(string(r.Extent))
	sb.WriteByte(':')
	sb.WriteString(string(r.Level))
	sb.WriteByte(':')
	sb.WriteString(r.UnitID)
	sb.WriteString(") ")
	sb.WriteString(r.Message)
	if r.Frame != nil {
		sb.WriteString(" [")
		sb.WriteString(r.Frame.String())
		sb.WriteByte(']')
	}
	return sb.String()
}

// Error is a classified error raised in code. Report converts it into a
// Record for the cluster.
type Error struct {
	UnitID   string
	Category Category
	Extent   Extent
	Level    Level
	Message  string
	Err      error
}

// New builds a classified error.
func New(unitID string, category Category, extent Extent, level Level, format string, args ...any) *Error {
	return &Error{UnitID: unitID, Category: category, Extent: extent, Level: level, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err.
func Wrap(err error, unitID string, category Category, extent Extent, level Level) *Error {
	if err == nil {
		return nil
	}
	return &Error{UnitID: unitID, Category: category, Extent: extent, Level: level, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%s:%s:%s: %s", e.Category, e.Extent, e.Level, e.UnitID, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ToRecord converts e into a Record with the supplied call site.
func (e *Error) ToRecord(frame *Frame) Record {
	return Record{
		UnitID:   e.UnitID,
		Category: e.Category,
		Extent:   e.Extent,
		Level:    e.Level,
		Message:  e.Message,
		Frame:    frame,
	}.Normalize()
}

// As extracts a classified error from err.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
