// Package webcontent exposes content streams over HTTP:
//
//	GET|HEAD /{module}/static/*                  addon resources under the trusted roots
//	GET|HEAD /web/content/{id}[/{filename}]      attachments
//	GET|HEAD /web/image/{model}/{id}/{field}     allow-listed binary fields
//
// "download=true" in the query forces an attachment disposition, a
// "unique" value marks the response immutable.
package webcontent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/attachment"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/prof"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/stream"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

var ErrInvalidOptions = errors.New("webcontent: invalid options")

// boundary errors, the only kinds the handlers answer with
var (
	errNotFound   = errors.New("not found")
	errBadRequest = errors.New("bad request")
)

// Attachments is implemented by *attachment.Store and *attachment.Cache.
type Attachments interface {
	Attachment(ctx context.Context, id int64) (stream.Attachment, error)
}

// Records is implemented by *attachment.Store.
type Records interface {
	Record(ctx context.Context, model string, id int64, field string) (stream.Record, error)
}

// Events receives download notifications, see automation.Notifier.
type Events interface {
	Notify(ctx context.Context, payload any)
}

// DownloadEvent is sent to Events when a stream is served as a download.
type DownloadEvent struct {
	Event string `json:"event"`
	Model string `json:"model"`
	ID    int64  `json:"id"`
	Field string `json:"field,omitempty"`
	Name  string `json:"name,omitempty"`
	Kind  string `json:"kind"`
	Size  int64  `json:"size"`
	At    string `json:"at"`
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncStreamServed(kind string, accelerated bool)
}

type Options struct {
	Logger   log.Logger
	Metrics  Metrics
	Resolver *stream.Resolver
	Events   Events // optional

	// routes are only registered for the sources that are set
	Attachments Attachments
	Records     Records

	// StaticExts limits static resources to these extensions, empty allows all
	StaticExts []string
	// StaticMaxAge applies to static responses without a unique token
	StaticMaxAge time.Duration // default: 7 days
}

type Handler struct {
	opts   Options
	tracer trace.Tracer
}

func New(opts Options) (*Handler, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("%w: Resolver is nil", ErrInvalidOptions)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.StaticMaxAge == 0 {
		opts.StaticMaxAge = 7 * 24 * time.Hour
	}
	return &Handler{opts: opts, tracer: otel.Tracer("linnemanlabs/webcontent")}, nil
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r = r.With(httpmw.Scope("webcontent"))
	get := func(pattern string, fn http.HandlerFunc) {
		r.Get(pattern, fn)
		r.Head(pattern, fn)
	}

	get("/{module}/static/*", h.serveStatic)
	if h.opts.Attachments != nil {
		get("/web/content/{id}", h.serveAttachment)
		get("/web/content/{id}/{filename}", h.serveAttachment)
	}
	if h.opts.Records != nil {
		get("/web/image/{model}/{id}/{field}", h.serveField)
	}
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "stream.from_path")
	defer span.End()

	module, rest := chi.URLParam(r, "module"), chi.URLParam(r, "*")
	// chi matches on the raw path when the request carries escapes
	if r.URL.RawPath != "" {
		var err error
		if rest, err = url.PathUnescape(rest); err != nil {
			h.fail(ctx, w, span, stream.ErrNotFound)
			return
		}
	}
	if module == "" || rest == "" || strings.Contains(rest, `\`) || pathutil.HasDotSegments(module+"/"+rest) {
		h.fail(ctx, w, span, stream.ErrNotFound)
		return
	}

	s, err := h.opts.Resolver.FromPath(module+"/static/"+rest, h.opts.StaticExts...)
	if err != nil {
		h.fail(ctx, w, span, err)
		return
	}
	s.MaxAge = h.opts.StaticMaxAge

	h.serve(ctx, w, r, span, s, stream.ServeOptions{Immutable: uniqueFlag(r)})
}

func (h *Handler) serveAttachment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "stream.from_attachment")
	defer span.End()

	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(ctx, w, span, err)
		return
	}
	span.SetAttributes(attribute.Int64("attachment.id", id))

	att, err := h.opts.Attachments.Attachment(ctx, id)
	if err != nil {
		h.fail(ctx, w, span, err)
		return
	}
	s, err := h.opts.Resolver.FromAttachment(att, r.Host)
	if err != nil {
		h.fail(ctx, w, span, err)
		return
	}
	if name := chi.URLParam(r, "filename"); name != "" && s.Kind != stream.KindURL {
		s.DownloadName = name
	}

	opts := stream.ServeOptions{AsAttachment: downloadFlag(r), Immutable: uniqueFlag(r)}
	if h.serve(ctx, w, r, span, s, opts) && isDownload(s, opts) {
		h.notify(ctx, DownloadEvent{Model: "ir.attachment", ID: id, Name: s.DownloadName, Kind: s.Kind.String(), Size: s.Size})
	}
}

func (h *Handler) serveField(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "stream.from_binary_field")
	defer span.End()

	model, field := chi.URLParam(r, "model"), chi.URLParam(r, "field")
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(ctx, w, span, err)
		return
	}
	span.SetAttributes(
		attribute.String("record.model", model),
		attribute.Int64("record.id", id),
		attribute.String("record.field", field),
	)

	rec, err := h.opts.Records.Record(ctx, model, id, field)
	if err != nil {
		h.fail(ctx, w, span, err)
		return
	}
	s, err := h.opts.Resolver.FromBinaryField(rec, field)
	if err != nil {
		h.fail(ctx, w, span, err)
		return
	}
	s.DownloadName = fmt.Sprintf("%s-%d-%s", strings.ReplaceAll(model, ".", "_"), id, field)
	if s.MimeType == "" && len(s.Data) > 0 {
		s.MimeType = http.DetectContentType(s.Data)
	}

	opts := stream.ServeOptions{AsAttachment: downloadFlag(r), Immutable: uniqueFlag(r)}
	if h.serve(ctx, w, r, span, s, opts) && isDownload(s, opts) {
		h.notify(ctx, DownloadEvent{Model: model, ID: id, Field: field, Name: s.DownloadName, Kind: s.Kind.String(), Size: s.Size})
	}
}

// serve reports whether the stream was written
func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, s *stream.Stream, opts stream.ServeOptions) bool {
	accelerated := s.Accelerated()
	span.SetAttributes(
		attribute.String("stream.kind", s.Kind.String()),
		attribute.Bool("stream.accelerated", accelerated),
		attribute.Int64("stream.size", s.Size),
	)

	var err error
	prof.Do(ctx, s.Kind.String(), func(ctx context.Context) {
		err = s.Serve(w, r.WithContext(ctx), opts)
	})
	if err != nil {
		h.fail(ctx, w, span, err)
		return false
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.IncStreamServed(s.Kind.String(), accelerated)
	}
	return true
}

func (h *Handler) notify(ctx context.Context, ev DownloadEvent) {
	if h.opts.Events == nil {
		return
	}
	ev.Event = "download"
	ev.At = time.Now().UTC().Format(time.RFC3339)
	h.opts.Events.Notify(ctx, ev)
}

// isDownload is false for URL streams, those are redirected elsewhere
func isDownload(s *stream.Stream, opts stream.ServeOptions) bool {
	return s.Kind != stream.KindURL && opts.AsAttachment != nil && *opts.AsAttachment
}

// fail maps err onto a client-facing status; only unexpected errors are logged
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, span trace.Span, err error) {
	err = xerrors.Replace(err, errNotFound,
		stream.ErrNotFound, attachment.ErrNotFound, attachment.ErrNotAllowed, fs.ErrNotExist)
	err = xerrors.Replace(err, errBadRequest, stream.ErrInvalidArgument)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L := log.FromContext(ctx)
		if L == log.Nop() {
			L = h.opts.Logger
		}
		L.Error(ctx, err, "stream content failed")
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, http.StatusText(status), status)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", stream.ErrInvalidArgument, s)
	}
	return id, nil
}

func downloadFlag(r *http.Request) *bool {
	v, ok := r.URL.Query()["download"]
	if !ok {
		return nil
	}
	on := len(v) > 0 && truthy(v[0])
	return &on
}

func uniqueFlag(r *http.Request) *bool {
	if r.URL.Query().Get("unique") == "" {
		return nil
	}
	on := true
	return &on
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
