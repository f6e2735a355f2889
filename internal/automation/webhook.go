package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// EvalContext is what a rule sees while it runs.
type EvalContext struct {
	Values      map[string]any
	MakeRequest Requester
}

// NewEvalContext copies values so rules cannot mutate the caller's map.
func NewEvalContext(values map[string]any, req Requester) EvalContext {
	vs := make(map[string]any, len(values))
	for k, v := range values {
		vs[k] = v
	}
	return EvalContext{Values: vs, MakeRequest: req}
}

// StatusError is returned by Webhook.Run for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("automation: webhook %s answered %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Webhook posts a JSON payload to a fixed endpoint.
type Webhook struct {
	URL     string
	Method  string // default: POST
	Headers map[string]string
}

func (w Webhook) Run(ctx context.Context, ec EvalContext, payload any) (*Response, error) {
	if ec.MakeRequest == nil {
		return nil, ErrNoRequester
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode webhook payload")
	}

	method := w.Method
	if method == "" {
		method = http.MethodPost
	}
	hdr := http.Header{}
	for k, v := range w.Headers {
		hdr.Set(k, v)
	}
	hdr.Set("Content-Type", "application/json")

	resp, err := ec.MakeRequest.Do(ctx, Request{Method: method, URL: w.URL, Header: hdr, Body: body})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, &StatusError{URL: w.URL, StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return resp, nil
}

// Notifier runs a webhook in the background for each event, detached from
// the request that produced it. Events beyond the in-flight limit are
// dropped and logged.
type Notifier struct {
	hook    Webhook
	ec      EvalContext
	logger  log.Logger
	timeout time.Duration
	sem     chan struct{}
}

type NotifierOptions struct {
	Logger      log.Logger
	Timeout     time.Duration // default: 10s
	MaxInFlight int           // default: 16
}

func NewNotifier(hook Webhook, req Requester, opts NotifierOptions) *Notifier {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}
	return &Notifier{
		hook:    hook,
		ec:      NewEvalContext(nil, req),
		logger:  opts.Logger,
		timeout: opts.Timeout,
		sem:     make(chan struct{}, opts.MaxInFlight),
	}
}

// Notify queues payload for delivery and returns immediately.
func (n *Notifier) Notify(ctx context.Context, payload any) {
	select {
	case n.sem <- struct{}{}:
	default:
		n.logger.Warn(ctx, "webhook backlog full, dropping event", "url", n.hook.URL)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	go func() {
		defer func() { <-n.sem }()
		defer cancel()
		if _, err := n.hook.Run(ctx, n.ec, payload); err != nil {
			n.logger.Error(ctx, err, "webhook delivery failed", "url", n.hook.URL)
		}
	}()
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (n *Notifier) Wait(ctx context.Context) error {
	for i := 0; i < cap(n.sem); i++ {
		select {
		case n.sem <- struct{}{}:
		case <-ctx.Done():
			for ; i > 0; i-- {
				<-n.sem
			}
			return ctx.Err()
		}
	}
	for i := 0; i < cap(n.sem); i++ {
		<-n.sem
	}
	return nil
}
