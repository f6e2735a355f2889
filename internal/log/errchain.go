package log

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type hasPC interface{ PC() uintptr }

type hasStack interface{ StackPCs() []uintptr }

// isInternalFrame hides the logger and error helpers from rendered stacks
func isInternalFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.")
}

// renderPCs prints func and file:line per frame and stops at the runtime.
func renderPCs(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	for more := true; more; {
		var fr runtime.Frame
		fr, more = frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if fr.Function == "" || isInternalFrame(fr.Function) {
			continue
		}
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
	}
	return strings.TrimSpace(b.String())
}

// errorChain lists each distinct message down the Unwrap chain, then the
// branches of a multi error at the top (errors.Join, xerrors.Replace).
func errorChain(err error) []string {
	var out []string
	push := func(msg string) {
		if len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		push(e.Error())
	}
	if m, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range m.Unwrap() {
			push(e.Error())
		}
	}
	return out
}

// position finds where e was created or wrapped
func position(e error) (runtime.Frame, bool) {
	if hp, ok := e.(hasPC); ok && hp.PC() != 0 {
		fr, _ := runtime.CallersFrames([]uintptr{hp.PC()}).Next()
		return fr, true
	}
	if hs, ok := e.(hasStack); ok {
		return firstExtFrame(hs.StackPCs())
	}
	return runtime.Frame{}, false
}

// chainLinks describes up to max links of the chain. The outermost link is
// always kept, deeper ones only when they carry a position.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		if max > 0 && depth >= max {
			break
		}
		link := map[string]any{"msg": e.Error()}
		fr, ok := position(e)
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if ok || depth == 0 {
			links = append(links, link)
		}
		depth++
	}
	return links
}

func firstExtFrame(pcs []uintptr) (runtime.Frame, bool) {
	if len(pcs) == 0 {
		return runtime.Frame{}, false
	}
	frames := runtime.CallersFrames(pcs)
	for more := true; more; {
		var fr runtime.Frame
		fr, more = frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") && !isInternalFrame(fr.Function) {
			return fr, true
		}
	}
	return runtime.Frame{}, false
}

// isWrapper reports errors that only add context: xerrors wrappers and
// fmt.Errorf with %w.
func isWrapper(e error) bool {
	if _, ok := e.(interface{ IsXerrorsWrapper() }); ok {
		return true
	}
	switch fmt.Sprintf("%T", e) {
	case "*fmt.wrapError", "*fmt.wrapErrors":
		return true
	}
	return false
}

// classifyTypes reports the outermost type that is not a wrapper and the
// type of the root cause.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	last := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		if surface == "" && !isWrapper(e) {
			surface = fmt.Sprintf("%T", e)
		}
		last = e
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
