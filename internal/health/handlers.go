package health

import (
	"context"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// HealthzHandler: 200 OK when probe passes, 503 otherwise (with reason)
func HealthzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ok\n")
}

// ReadyzHandler: 200 OK when probe passes, 503 otherwise (with reason)
func ReadyzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ready\n")
}

func handler(p Probe, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a probe that fails when p cannot be reached within timeout.
// The failure reason is prefixed with name so readiness output says which
// dependency is down.
func Ping(name string, p Pinger, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return func(ctx context.Context) error {
		if p == nil {
			return xerrors.Newf("%s: not configured", name)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return xerrors.Wrap(err, name+": unreachable")
		}
		return nil
	}
}
