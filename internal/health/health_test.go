package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func probeRequest(h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	return rec
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthy", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok\n"},
		{"healthy nil probe", HealthzHandler(nil), http.StatusOK, "ok\n"},
		{"unhealthy", HealthzHandler(Fixed(false, "filestore unmounted")), http.StatusServiceUnavailable, "filestore unmounted\n\n"},
		{"ready", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready\n"},
		{"ready nil probe", ReadyzHandler(nil), http.StatusOK, "ready\n"},
		{"not ready", ReadyzHandler(Fixed(false, "")), http.StatusServiceUnavailable, "unhealthy\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := probeRequest(tt.h)
			if rec.Code != tt.wantCode || rec.Body.String() != tt.wantBody {
				t.Fatalf("got %d %q, want %d %q", rec.Code, rec.Body.String(), tt.wantCode, tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}

func TestHandlers_EvaluatePerRequest(t *testing.T) {
	var healthy bool
	h := ReadyzHandler(CheckFunc(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("warming up")
	}))
	if probeRequest(h).Code != http.StatusServiceUnavailable {
		t.Fatal("want 503 before healthy")
	}
	healthy = true
	if probeRequest(h).Code != http.StatusOK {
		t.Fatal("want 200 once healthy")
	}
}

func TestHandlers_PassRequestContext(t *testing.T) {
	type key struct{}
	var got any
	h := HealthzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(context.WithValue(req.Context(), key{}, "v")))
	if got != "v" {
		t.Fatalf("ctx value = %v", got)
	}
}

func TestAll(t *testing.T) {
	calls := 0
	counted := CheckFunc(func(context.Context) error { calls++; return nil })

	tests := []struct {
		name    string
		probes  []Probe
		wantErr string
	}{
		{"empty", nil, ""},
		{"all pass", []Probe{Fixed(true, ""), counted}, ""},
		{"nil skipped", []Probe{nil, Fixed(true, ""), nil}, ""},
		{"first failure wins", []Probe{Fixed(false, "draining"), Fixed(false, "postgres: unreachable")}, "draining"},
		{"nil before failure", []Probe{nil, Fixed(false, "postgres: unreachable")}, "postgres: unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := All(tt.probes...).Check(context.Background())
			if (err == nil) != (tt.wantErr == "") || (err != nil && err.Error() != tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}

	calls = 0
	_ = All(Fixed(false, "x"), counted).Check(context.Background())
	if calls != 0 {
		t.Fatal("All should stop at the first failure")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	ctx := context.Background()

	if err := p.Check(ctx); err != nil {
		t.Fatalf("zero gate should be open: %v", err)
	}
	g.Set("")
	if err := p.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("err = %v, want draining", err)
	}
	g.Set("shutting down")
	if err := p.Check(ctx); err == nil || err.Error() != "shutting down" {
		t.Fatalf("err = %v", err)
	}
	g.Clear()
	if err := p.Check(ctx); err != nil {
		t.Fatalf("cleared gate: %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("draining"); g.Clear() }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
}

func TestReadiness_GateAndDatabase(t *testing.T) {
	var g ShutdownGate
	db := &stubPinger{}
	ready := ReadyzHandler(All(g.Probe(), Ping("postgres", db, 0)))

	if probeRequest(ready).Code != http.StatusOK {
		t.Fatal("want ready")
	}
	db.err = errors.New("connection refused")
	if rec := probeRequest(ready); rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "postgres: unreachable: connection refused\n\n" {
		t.Fatalf("db down = %d %q", rec.Code, rec.Body.String())
	}
	g.Set("draining")
	if rec := probeRequest(ready); rec.Body.String() != "draining\n\n" {
		t.Fatalf("gate should be reported first, got %q", rec.Body.String())
	}
}

// Ping

type stubPinger struct {
	err      error
	deadline time.Time
}

func (p *stubPinger) Ping(ctx context.Context) error {
	p.deadline, _ = ctx.Deadline()
	return p.err
}

func TestPing(t *testing.T) {
	p := &stubPinger{}
	start := time.Now()
	if err := Ping("postgres", p, 0).Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if p.deadline.IsZero() || p.deadline.Sub(start) > time.Second {
		t.Fatalf("default deadline = %v", p.deadline.Sub(start))
	}

	p.err = errors.New("connection refused")
	err := Ping("postgres", p, time.Second).Check(context.Background())
	if err == nil || err.Error() != "postgres: unreachable: connection refused" || !errors.Is(err, p.err) {
		t.Fatalf("err = %v", err)
	}
}

func TestPing_NilPinger(t *testing.T) {
	err := Ping("redis", nil, 0).Check(context.Background())
	if err == nil || err.Error() != "redis: not configured" {
		t.Fatalf("err = %v", err)
	}
}
