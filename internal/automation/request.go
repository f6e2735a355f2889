// Package automation gives automation rules outbound HTTP as an explicit
// capability. Rules receive an EvalContext carrying a Requester instead of
// finding a request function in a shared namespace; a rule without one
// cannot make requests.
package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/version"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

var (
	ErrNoRequester     = errors.New("automation: evaluation context has no request capability")
	ErrInvalidRequest  = errors.New("automation: invalid request")
	ErrResponseTooLong = errors.New("automation: response body exceeds limit")
)

// Request is an outbound HTTP request made on behalf of a rule.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read response; the body is bounded by the requester.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Requester performs outbound requests for rules.
type Requester interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncWebhookRequest(result string)
}

type HTTPRequesterOptions struct {
	// Client defaults to an otelhttp instrumented client
	Client  *http.Client
	Timeout time.Duration // default: 10s

	// MaxResponseBytes bounds the body read into Response
	MaxResponseBytes int64 // default: 1MiB

	Metrics Metrics
}

// HTTPRequester is a Requester over net/http. Only http and https URLs
// are allowed.
type HTTPRequester struct {
	client  *http.Client
	maxBody int64
	metrics Metrics
}

func NewHTTPRequester(opts HTTPRequesterOptions) *HTTPRequester {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 1 << 20
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   opts.Timeout,
		}
	}
	return &HTTPRequester{client: client, maxBody: opts.MaxResponseBytes, metrics: opts.Metrics}
}

func (h *HTTPRequester) Do(ctx context.Context, req Request) (*Response, error) {
	resp, err := h.do(ctx, req)
	switch {
	case err != nil:
		h.inc("error")
	case resp.OK():
		h.inc("ok")
	default:
		h.inc("status")
	}
	return resp, err
}

func (h *HTTPRequester) do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidRequest, req.URL)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, xerrors.Wrapf(err, "%s %s", method, u.Redacted())
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read response of %s %s", method, u.Redacted())
	}
	if int64(len(b)) > h.maxBody {
		return nil, fmt.Errorf("%w: %s %s (limit %d bytes)", ErrResponseTooLong, method, u.Redacted(), h.maxBody)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (h *HTTPRequester) inc(result string) {
	if h.metrics != nil {
		h.metrics.IncWebhookRequest(result)
	}
}
