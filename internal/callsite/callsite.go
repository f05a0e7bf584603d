// Package callsite captures the first stack frame outside a set of package
// prefixes, so diagnostics point at the caller rather than the library.
package callsite

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Frame is a single captured call site.
type Frame struct {
	File     string
	Line     int
	Function string
}

// IsZero reports whether no frame was captured.
func (f Frame) IsZero() bool {
	return f.File == "" && f.Line == 0 && f.Function == ""
}

// Package returns the package path portion of Function.
func (f Frame) Package() string {
	fn := f.Function
	slash := strings.LastIndexByte(fn, '/')
	dot := strings.IndexByte(fn[slash+1:], '.')
	if dot < 0 {
		return fn
	}
	return fn[:slash+1+dot]
}

// Method returns the function name without its package path.
func (f Frame) Method() string {
	fn := f.Function
	slash := strings.LastIndexByte(fn, '/')
	dot := strings.IndexByte(fn[slash+1:], '.')
	if dot < 0 {
		return fn
	}
	return fn[slash+1+dot+1:]
}

func (f Frame) String() string {
	if f.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s:%d %s", filepath.Base(f.File), f.Line, f.Function)
}

// Caller returns the frame skip levels above the caller of Caller.
func Caller(skip int) Frame {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Frame{}
	}
	frame := Frame{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		frame.Function = fn.Name()
	}
	return frame
}

// Outside walks the stack of its caller and returns the first frame whose
// function does not belong to any of the supplied package paths.
func Outside(pkgs ...string) Frame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var last Frame
	for {
		fr, more := frames.Next()
		candidate := Frame{File: fr.File, Line: fr.Line, Function: fr.Function}
		if !inPackages(fr.Function, pkgs) {
			return candidate
		}
		last = candidate
		if !more {
			return last
		}
	}
}

func inPackages(function string, pkgs []string) bool {
	for _, pkg := range pkgs {
		if strings.HasPrefix(function, pkg+".") {
			return true
		}
	}
	return false
}
