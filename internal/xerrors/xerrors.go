// Package xerrors adds call-site and stack information to errors so the
// structured logger can report where a failure was created or wrapped.
//
// Replace maps internal error kinds to a boundary-facing error while keeping
// the original reachable as the cause.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// callers returns the stack starting at the caller of callers' caller,
// after dropping skip more frames.
func callers(skip, depth int) []uintptr {
	pcs := make([]uintptr, depth)
	// runtime.Callers, callers, and the helper calling it
	return pcs[:runtime.Callers(3+skip, pcs)]
}

func callerPC(skip int) uintptr {
	if pcs := callers(skip, 1); len(pcs) == 1 {
		return pcs[0]
	}
	return 0
}

// stacked carries the full stack where it was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// stack attaches the stack of the exported function's caller.
func stack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: callers(1, maxStackDepth)}
}

func New(msg string) error             { return stack(errors.New(msg)) }
func Newf(f string, args ...any) error { return stack(fmt.Errorf(f, args...)) }

// WithStack attaches the current stack to err.
func WithStack(err error) error { return stack(err) }

// EnsureTrace attaches a stack only when no error in the chain carries one.
func EnsureTrace(err error) error {
	var s interface{ StackPCs() []uintptr }
	if err == nil || (errors.As(err, &s) && len(s.StackPCs()) > 0) {
		return err
	}
	return stack(err)
}

// wrap prefixes a message and remembers the single frame that wrapped.
type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error     { return w.err }
func (w *wrap) PC() uintptr       { return w.pc }
func (w *wrap) IsXerrorsWrapper() {}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(1)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

// replaced reads as the boundary error but keeps the original as cause.
type replaced struct {
	by    error
	cause error
	pc    uintptr
}

func (r *replaced) Error() string     { return r.by.Error() }
func (r *replaced) Unwrap() []error   { return []error{r.by, r.cause} }
func (r *replaced) Cause() error      { return r.cause }
func (r *replaced) PC() uintptr       { return r.pc }
func (r *replaced) IsXerrorsWrapper() {}

// Replace hides err behind by when err matches any of targets. The result
// has by's message and matches both by and the original, which Cause also
// returns. Errors matching no target come back unchanged. Replace without
// targets or with a nil replacement panics.
func Replace(err, by error, targets ...error) error {
	switch {
	case len(targets) == 0:
		panic("xerrors: Replace called without target errors")
	case by == nil:
		panic("xerrors: Replace called with nil replacement")
	case err == nil:
		return nil
	}
	for _, t := range targets {
		if errors.Is(err, t) {
			return &replaced{by: by, cause: err, pc: callerPC(1)}
		}
	}
	return err
}

// Cause returns the original error hidden by Replace, or nil.
func Cause(err error) error {
	if r := (*replaced)(nil); errors.As(err, &r) {
		return r.cause
	}
	return nil
}
