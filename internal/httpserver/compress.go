package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// compress gzips text responses except proxy-delivered ones, which must
// reach nginx with an empty body and Content-Length 0.
func compress(level int, types ...string) func(http.Handler) http.Handler {
	gz := middleware.Compress(level, types...)
	return func(next http.Handler) http.Handler {
		return gz(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&accelBypass{ResponseWriter: w}, r)
		}))
	}
}

// accelBypass sits directly inside the compressor and steps past it once
// the handler sets X-Accel-Redirect.
type accelBypass struct {
	http.ResponseWriter
	decided bool
}

func (w *accelBypass) WriteHeader(code int) {
	if !w.decided {
		w.decided = true
		if w.Header().Get("X-Accel-Redirect") != "" {
			if u, ok := w.ResponseWriter.(interface{ Unwrap() http.ResponseWriter }); ok {
				w.ResponseWriter = u.Unwrap()
			}
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *accelBypass) Write(p []byte) (int, error) {
	if !w.decided {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *accelBypass) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *accelBypass) Unwrap() http.ResponseWriter { return w.ResponseWriter }
