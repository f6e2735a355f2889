package automation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/version"
)

type fakeMetrics struct {
	mu      sync.Mutex
	results []string
}

func (m *fakeMetrics) IncWebhookRequest(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

type captured struct {
	method string
	ctype  string
	token  string
	agent  string
	body   []byte
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, chan captured) {
	t.Helper()
	got := make(chan captured, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{method: r.Method, ctype: r.Header.Get("Content-Type"), token: r.Header.Get("X-Token"), agent: r.Header.Get("User-Agent"), body: b}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

// HTTPRequester

func TestHTTPRequester_Do(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, "pong")
	m := &fakeMetrics{}
	req := NewHTTPRequester(HTTPRequesterOptions{Metrics: m})

	resp, err := req.Do(context.Background(), Request{URL: srv.URL + "/ping", Header: http.Header{"X-Token": {"t"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() || string(resp.Body) != "pong" {
		t.Fatalf("resp = %d %q", resp.StatusCode, resp.Body)
	}
	c := <-got
	if c.method != http.MethodGet || c.token != "t" {
		t.Fatalf("server saw %+v", c)
	}
	if c.agent != version.UserAgent() {
		t.Fatalf("User-Agent = %q", c.agent)
	}
	if len(m.results) != 1 || m.results[0] != "ok" {
		t.Fatalf("metrics = %v", m.results)
	}
}

func TestHTTPRequester_RejectsNonHTTP(t *testing.T) {
	req := NewHTTPRequester(HTTPRequesterOptions{})
	for _, u := range []string{"file:///etc/passwd", "gopher://x", "/relative", "http://", "::"} {
		if _, err := req.Do(context.Background(), Request{URL: u}); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%q: err = %v, want ErrInvalidRequest", u, err)
		}
	}
}

func TestHTTPRequester_ResponseLimit(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, strings.Repeat("x", 11))
	req := NewHTTPRequester(HTTPRequesterOptions{MaxResponseBytes: 10})

	if _, err := req.Do(context.Background(), Request{URL: srv.URL}); !errors.Is(err, ErrResponseTooLong) {
		t.Fatalf("err = %v, want ErrResponseTooLong", err)
	}
}

func TestHTTPRequester_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	m := &fakeMetrics{}
	req := NewHTTPRequester(HTTPRequesterOptions{Timeout: 50 * time.Millisecond, Metrics: m})
	if _, err := req.Do(context.Background(), Request{URL: srv.URL}); err == nil {
		t.Fatal("expected timeout error")
	}
	if len(m.results) != 1 || m.results[0] != "error" {
		t.Fatalf("metrics = %v", m.results)
	}
}

func TestHTTPRequester_Defaults(t *testing.T) {
	req := NewHTTPRequester(HTTPRequesterOptions{})
	if req.maxBody != 1<<20 || req.client.Timeout != 10*time.Second {
		t.Fatalf("maxBody=%d timeout=%v", req.maxBody, req.client.Timeout)
	}
}

// EvalContext

func TestNewEvalContext_CopiesValues(t *testing.T) {
	values := map[string]any{"record": 1}
	ec := NewEvalContext(values, nil)
	ec.Values["record"] = 2
	ec.Values["extra"] = true
	if values["record"] != 1 || len(values) != 1 {
		t.Fatalf("caller map mutated: %v", values)
	}
}

// Webhook

func TestWebhook_PostsJSON(t *testing.T) {
	srv, got := newServer(t, http.StatusNoContent, "")
	ec := NewEvalContext(nil, NewHTTPRequester(HTTPRequesterOptions{}))
	hook := Webhook{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}

	if _, err := hook.Run(context.Background(), ec, map[string]any{"id": 7, "name": "a.pdf"}); err != nil {
		t.Fatal(err)
	}
	c := <-got
	if c.method != http.MethodPost || c.ctype != "application/json" || c.token != "secret" {
		t.Fatalf("server saw %+v", c)
	}
	var body map[string]any
	if err := json.Unmarshal(c.body, &body); err != nil || body["name"] != "a.pdf" || body["id"] != float64(7) {
		t.Fatalf("body = %s (%v)", c.body, err)
	}
}

func TestWebhook_Non2xx(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadGateway, "upstream down")
	m := &fakeMetrics{}
	ec := NewEvalContext(nil, NewHTTPRequester(HTTPRequesterOptions{Metrics: m}))

	resp, err := Webhook{URL: srv.URL, Method: http.MethodPut}.Run(context.Background(), ec, struct{}{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusBadGateway || string(se.Body) != "upstream down" || resp == nil {
		t.Fatalf("status error = %+v", se)
	}
	if !strings.Contains(se.Error(), "502 Bad Gateway") {
		t.Fatalf("message = %q", se.Error())
	}
	if len(m.results) != 1 || m.results[0] != "status" {
		t.Fatalf("metrics = %v", m.results)
	}
}

func TestWebhook_NoRequester(t *testing.T) {
	if _, err := (Webhook{URL: "http://example.com"}).Run(context.Background(), EvalContext{}, nil); !errors.Is(err, ErrNoRequester) {
		t.Fatalf("err = %v, want ErrNoRequester", err)
	}
}

func TestWebhook_UnencodablePayload(t *testing.T) {
	ec := NewEvalContext(nil, NewHTTPRequester(HTTPRequesterOptions{}))
	if _, err := (Webhook{URL: "http://example.com"}).Run(context.Background(), ec, make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
}

// Notifier

func TestNotifier_Delivers(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, "")
	n := NewNotifier(Webhook{URL: srv.URL}, NewHTTPRequester(HTTPRequesterOptions{}), NotifierOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, map[string]string{"event": "download"})
	// delivery outlives the originating request
	cancel()

	select {
	case c := <-got:
		if !strings.Contains(string(c.body), `"download"`) {
			t.Fatalf("body = %s", c.body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}

	waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := n.Wait(waitCtx); err != nil {
		t.Fatal(err)
	}
}

type blockingRequester struct{ release chan struct{} }

func (b *blockingRequester) Do(ctx context.Context, _ Request) (*Response, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &Response{StatusCode: http.StatusOK}, nil
}

func TestNotifier_DropsBeyondLimit(t *testing.T) {
	br := &blockingRequester{release: make(chan struct{})}
	n := NewNotifier(Webhook{URL: "http://example.com"}, br, NotifierOptions{MaxInFlight: 1})

	n.Notify(context.Background(), 1)
	n.Notify(context.Background(), 2)
	if len(n.sem) != 1 {
		t.Fatalf("in flight = %d, want 1", len(n.sem))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want deadline exceeded", err)
	}
	if len(n.sem) != 1 {
		t.Fatalf("Wait must release the slots it took, in flight = %d", len(n.sem))
	}

	close(br.release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := n.Wait(ctx2); err != nil {
		t.Fatal(err)
	}
}
