package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// Probe is evaluated per request. A nil error means healthy, otherwise the
// error text is served as the reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason ("unhealthy" if empty).
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes and stops at the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate fails readiness once the server starts draining. The zero
// value is open.
type ShutdownGate struct {
	closed atomic.Bool
	reason atomic.Pointer[string]
}

// Set closes the gate.
func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(&reason)
	g.closed.Store(true)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() {
	g.closed.Store(false)
	g.reason.Store(nil)
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.closed.Load() {
			return nil
		}
		reason := "draining"
		if r := g.reason.Load(); r != nil && *r != "" {
			reason = *r
		}
		return xerrors.New(reason)
	}
}
