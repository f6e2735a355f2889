package httpmw

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// responseWriter records status and size for the access log and traces the
// time spent writing the response in a response.write child span.
type responseWriter struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status int
	bytes  int64

	began   bool
	span    trace.Span
	blocked time.Duration
	err     error
}

// begin opens the write span on the first header or body write. Its ttfb
// attribute is the handler time before any output.
func (rw *responseWriter) begin() {
	if rw.began {
		return
	}
	rw.began = true
	parent := trace.SpanFromContext(rw.ctx)
	if !parent.IsRecording() {
		return
	}
	ttfb := time.Since(rw.start).Seconds()
	rw.ctx, rw.span = parent.TracerProvider().Tracer("linnemanlabs/httpmw").Start(rw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", ttfb)))
}

func (rw *responseWriter) end() {
	if rw.span == nil {
		return
	}
	rw.span.SetAttributes(
		attribute.Int("http.response.status_code", rw.statusCode()),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.blocked.Seconds()),
	)
	if rw.err != nil {
		rw.span.RecordError(rw.err)
		rw.span.SetStatus(codes.Error, rw.err.Error())
	}
	rw.span.End()
}

func (rw *responseWriter) statusCode() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// accelerated reports whether the body was handed to the proxy
func (rw *responseWriter) accelerated() bool {
	return rw.Header().Get("X-Accel-Redirect") != ""
}

// timed runs one body write against the wrapped writer and accounts for it.
func (rw *responseWriter) timed(write func() (int64, error)) (int64, error) {
	rw.begin()
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	t := time.Now()
	n, err := write()
	rw.blocked += time.Since(t)
	rw.bytes += n
	if err != nil && rw.err == nil {
		rw.err = err
	}
	return n, err
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.begin()
	if rw.status == 0 {
		rw.status = code
	}
	t := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.blocked += time.Since(t)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.timed(func() (int64, error) {
		n, err := rw.ResponseWriter.Write(b)
		return int64(n), err
	})
	return int(n), err
}

// ReadFrom keeps the sendfile path of http.ServeContent.
func (rw *responseWriter) ReadFrom(src io.Reader) (int64, error) {
	return rw.timed(func() (int64, error) {
		if rf, ok := rw.ResponseWriter.(io.ReaderFrom); ok {
			return rf.ReadFrom(src)
		}
		return io.Copy(rw.ResponseWriter, struct{ io.Reader }{src})
	})
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, xerrors.New("response writer does not support hijacking")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
