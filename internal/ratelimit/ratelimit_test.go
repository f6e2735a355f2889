package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/httpmw"
)

// newTestLimiter uses a one hour TTL so the eviction loop never fires on its
// own; tests call evict directly.
func newTestLimiter(t *testing.T, opts ...Option) *IPLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, append([]Option{WithRate(1, 3), WithTTL(time.Hour)}, opts...)...)
}

func fetch(h http.Handler, ip, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req = req.WithContext(httpmw.WithClientIP(req.Context(), ip))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestNew_Defaults(t *testing.T) {
	l := New(context.Background())
	if l.perSecond != DefaultPerSecond || l.burst != DefaultBurst || l.ttl != DefaultTTL || l.maxVisitors != DefaultMaxVisitors {
		t.Fatalf("limiter = %+v", l)
	}
}

func TestAllow_BurstPerClient(t *testing.T) {
	l := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("request past burst allowed")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("second client should have its own bucket")
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d", l.Len())
	}
}

func TestAllow_Refills(t *testing.T) {
	l := newTestLimiter(t, WithRate(50, 1))
	l.allow("10.0.0.1")
	if l.allow("10.0.0.1") {
		t.Fatal("second immediate request allowed")
	}
	time.Sleep(40 * time.Millisecond)
	if !l.allow("10.0.0.1") {
		t.Fatal("bucket did not refill")
	}
}

func TestAllow_Hooks(t *testing.T) {
	var first, denied atomic.Int32
	l := newTestLimiter(t, WithRate(0.001, 1),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { denied.Add(1) }),
	)

	for _, ip := range []string{"a", "a", "a", "a", "b", "b"} {
		l.allow(ip)
	}
	if denied.Load() != 4 {
		t.Fatalf("OnDenied calls = %d, want 4", denied.Load())
	}
	if first.Load() != 2 {
		t.Fatalf("OnFirstDenied calls = %d, want 2", first.Load())
	}

	// eviction re-arms the first denial hook
	l.evict(time.Now().Add(2 * time.Hour))
	l.allow("a")
	l.allow("a")
	if first.Load() != 3 {
		t.Fatalf("OnFirstDenied calls = %d after eviction, want 3", first.Load())
	}
}

func TestAllow_NilHooks(t *testing.T) {
	l := newTestLimiter(t, WithRate(0.001, 1), WithMaxVisitors(1))
	l.allow("a")
	l.allow("a")
	l.allow("b")
}

func TestEvict(t *testing.T) {
	l := newTestLimiter(t)
	l.allow("stale")
	time.Sleep(5 * time.Millisecond)
	l.allow("fresh")

	l.mu.Lock()
	cutoff := l.visitors["stale"].lastSeen.Add(time.Hour + time.Millisecond)
	l.mu.Unlock()
	l.evict(cutoff)

	l.mu.Lock()
	_, stale := l.visitors["stale"]
	_, fresh := l.visitors["fresh"]
	l.mu.Unlock()
	if stale || !fresh {
		t.Fatalf("stale kept=%v fresh kept=%v", stale, fresh)
	}
}

func TestEvictLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(ctx, WithTTL(10*time.Millisecond))
	l.allow("a")
	time.Sleep(40 * time.Millisecond)
	if l.Len() != 0 {
		t.Fatalf("Len = %d, idle client not evicted", l.Len())
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	l.allow("b")
	time.Sleep(40 * time.Millisecond)
	if l.Len() != 1 {
		t.Fatal("eviction ran after cancel")
	}
}

func TestMaxVisitors(t *testing.T) {
	var capacity atomic.Int32
	l := newTestLimiter(t, WithMaxVisitors(2), WithOnCapacity(func() { capacity.Add(1) }))

	l.allow("a")
	l.allow("b")
	if l.allow("c") || l.allow("d") {
		t.Fatal("new client admitted at capacity")
	}
	if !l.allow("a") {
		t.Fatal("known client rejected at capacity")
	}
	if capacity.Load() != 1 {
		t.Fatalf("OnCapacity calls = %d, want 1", capacity.Load())
	}

	// room again after eviction, and the hook re-arms
	l.evict(time.Now().Add(2 * time.Hour))
	if !l.allow("c") {
		t.Fatal("client rejected after eviction")
	}
	l.allow("d")
	l.allow("e")
	if capacity.Load() != 2 {
		t.Fatalf("OnCapacity calls = %d, want 2", capacity.Load())
	}
}

func TestMaxVisitors_ZeroIsUnlimited(t *testing.T) {
	l := newTestLimiter(t, WithMaxVisitors(0))
	for i := 0; i < 500; i++ {
		if !l.allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256)) {
			t.Fatalf("client %d rejected", i)
		}
	}
}

func TestMaxVisitors_Concurrent(t *testing.T) {
	l := newTestLimiter(t, WithMaxVisitors(50))
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.allow(fmt.Sprintf("192.0.2.%d", i))
		}(i)
	}
	wg.Wait()
	if l.Len() > 50 {
		t.Fatalf("Len = %d, exceeds cap", l.Len())
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	l := newTestLimiter(t, WithRate(0.25, 1))
	var served atomic.Int32
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { served.Add(1) }))

	if rec := fetch(h, "10.0.0.1", "/web/content/1"); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := fetch(h, "10.0.0.1", "/web/image/res.partner/1/avatar_128")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "4" {
		t.Fatalf("Retry-After = %q, want 4", got)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("429 must not be cached")
	}
	if served.Load() != 1 {
		t.Fatalf("handler ran %d times", served.Load())
	}
	if rec := fetch(h, "10.0.0.2", "/web/content/1"); rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d", rec.Code)
	}
}

func TestMiddleware_Skip(t *testing.T) {
	l := newTestLimiter(t, WithRate(0.001, 1), WithSkip(func(r *http.Request) bool {
		return httpmw.IsStaticPath(r.URL.Path)
	}))
	h := l.Middleware(okHandler())

	for i := 0; i < 20; i++ {
		if rec := fetch(h, "10.0.0.1", "/web/static/src/app.js"); rec.Code != http.StatusOK {
			t.Fatalf("static request %d = %d", i, rec.Code)
		}
	}
	fetch(h, "10.0.0.1", "/web/content/1")
	if rec := fetch(h, "10.0.0.1", "/web/content/1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("content status = %d", rec.Code)
	}
}

func TestMiddleware_MissingClientIPSharesBucket(t *testing.T) {
	l := newTestLimiter(t, WithRate(0.001, 1))
	h := l.Middleware(okHandler())
	fetch(h, "", "/web/content/1")
	if rec := fetch(h, "", "/web/content/2"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		perSecond float64
		want      string
	}{
		{10, "1"},
		{1, "1"},
		{0.5, "2"},
		{0.1, "10"},
		{0, "1"},
	}
	for _, tt := range tests {
		l := &IPLimiter{}
		WithRate(tt.perSecond, 1)(l)
		if got := l.retryAfter(); got != tt.want {
			t.Errorf("retryAfter(%v) = %q, want %q", tt.perSecond, got, tt.want)
		}
	}
}
