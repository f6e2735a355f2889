package stream

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/pathutil"
)

// StaticCacheLong is the max-age of immutable responses.
const StaticCacheLong = 365 * 24 * time.Hour

var now = time.Now

// ServeOptions overrides the response-shaping flags of a Stream for one
// response. Nil fields keep the Stream's value.
type ServeOptions struct {
	AsAttachment *bool
	Immutable    *bool
}

// Serve writes the response for s.
//
// URL streams get a 301 to their URL and nothing else. Data and path streams
// get Content-Type, Content-Disposition, ETag, Last-Modified and
// Cache-Control, with conditional and range requests handled by
// http.ServeContent. Accelerated path streams get an empty body and an
// X-Accel-Redirect header instead of the file.
//
// Errors are returned before anything is written to w.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request, opts ServeOptions) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.Kind == KindURL {
		http.Redirect(w, r, s.URL, http.StatusMovedPermanently)
		return nil
	}

	asAttachment := s.AsAttachment
	if opts.AsAttachment != nil {
		asAttachment = *opts.AsAttachment
	}
	immutable := s.Immutable
	if opts.Immutable != nil {
		immutable = *opts.Immutable
	}

	var (
		f       *os.File
		modtime = s.LastModified
	)
	accelRel, accelerated := s.accelPath()
	if s.Kind == KindPath && !accelerated {
		var err error
		if f, err = os.Open(s.Path); err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrNotFound, s.Path)
		}
		if modtime.IsZero() {
			modtime = info.ModTime()
		}
	}

	h := w.Header()
	if s.MimeType != "" {
		h.Set("Content-Type", s.MimeType)
	}
	if cd := contentDisposition(asAttachment, s.DownloadName); cd != "" {
		h.Set("Content-Disposition", cd)
	}
	if s.ETag != "" {
		h.Set("ETag", quoteETag(s.ETag))
	}
	setCacheControl(h, immutable, s.Kind == KindPath, s.MaxAge)

	switch {
	case s.Kind == KindData:
		http.ServeContent(w, r, s.DownloadName, modtime, bytes.NewReader(s.Data))
	case accelerated:
		s.serveAccel(w, r, accelRel, modtime)
	default:
		http.ServeContent(w, r, s.contentName(), modtime, f)
	}
	return nil
}

// Accelerated reports whether Serve hands the file to the reverse proxy.
func (s *Stream) Accelerated() bool {
	_, ok := s.accelPath()
	return ok
}

func (s *Stream) accelPath() (string, bool) {
	if s.Kind != KindPath || s.accel == nil || s.accel.root == "" {
		return "", false
	}
	return pathutil.Within(s.accel.root, s.Path)
}

// serveAccel answers with headers only, the proxy sends the file body
func (s *Stream) serveAccel(w http.ResponseWriter, r *http.Request, rel string, modtime time.Time) {
	h := w.Header()
	if h.Get("Content-Type") == "" {
		ct := mime.TypeByExtension(filepath.Ext(s.contentName()))
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
	}
	if !isZeroTime(modtime) {
		h.Set("Last-Modified", modtime.UTC().Format(http.TimeFormat))
	}

	if notModified(r, s.ETag, modtime) {
		h.Del("Content-Type")
		h.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("X-Accel-Redirect", s.accel.prefix+"/"+filepath.ToSlash(rel))
	// the proxy waits for Content-Length bytes that never come otherwise
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Stream) contentName() string {
	if s.DownloadName != "" {
		return s.DownloadName
	}
	return filepath.Base(s.Path)
}

// setCacheControl gives immutable content the long max-age. Only files get
// the immutable directive, in-memory content may be re-rendered.
func setCacheControl(h http.Header, immutable, directive bool, maxAge time.Duration) {
	switch {
	case immutable:
		cc := fmt.Sprintf("public, max-age=%d", int64(StaticCacheLong/time.Second))
		if directive {
			cc += ", immutable"
		}
		h.Set("Cache-Control", cc)
		h.Set("Expires", now().Add(StaticCacheLong).UTC().Format(http.TimeFormat))
	case maxAge > 0:
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int64(maxAge/time.Second)))
		h.Set("Expires", now().Add(maxAge).UTC().Format(http.TimeFormat))
	default:
		h.Set("Cache-Control", "no-cache")
	}
}

// contentDisposition encodes non-ASCII names with RFC 2231 (filename*=utf-8'')
func contentDisposition(asAttachment bool, name string) string {
	disp := "inline"
	if asAttachment {
		disp = "attachment"
	}
	if name == "" {
		if asAttachment {
			return disp
		}
		return ""
	}
	if v := mime.FormatMediaType(disp, map[string]string{"filename": name}); v != "" {
		return v
	}
	return disp
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, `W/"`) {
		return etag
	}
	return `"` + etag + `"`
}

// notModified mirrors the If-None-Match / If-Modified-Since precedence of
// http.ServeContent for responses that never reach it
func notModified(r *http.Request, etag string, modtime time.Time) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return etagMatch(inm, etag)
	}
	if isZeroTime(modtime) {
		return false
	}
	ims, err := http.ParseTime(r.Header.Get("If-Modified-Since"))
	if err != nil {
		return false
	}
	return !modtime.Truncate(time.Second).After(ims)
}

// weak comparison, as for GET
func etagMatch(header, etag string) bool {
	if etag == "" {
		return false
	}
	want := strings.TrimPrefix(quoteETag(etag), "W/")
	for _, t := range strings.Split(header, ",") {
		t = strings.TrimSpace(t)
		if t == "*" || strings.TrimPrefix(t, "W/") == want {
			return true
		}
	}
	return false
}

func isZeroTime(t time.Time) bool {
	return t.IsZero() || t.Equal(time.Unix(0, 0))
}
