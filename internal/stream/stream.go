package stream

import (
	"errors"
	"os"
	"time"
)

var (
	ErrNotFound        = errors.New("stream: not found")
	ErrInvalidArgument = errors.New("stream: invalid argument")
	ErrInvalidState    = errors.New("stream: invalid state")
	ErrURLRead         = errors.New("stream: cannot read a url stream")
	ErrInvalidOptions  = errors.New("stream: invalid options")
)

// Kind is the content source of a Stream.
type Kind int

const (
	KindData Kind = iota + 1
	KindPath
	KindURL
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindPath:
		return "path"
	case KindURL:
		return "url"
	default:
		return "unknown"
	}
}

// Stream describes one piece of content and how to send it.
//
// Exactly one of Data, Path or URL is populated, matching Kind. Empty data
// streams carry a non-nil zero-length Data.
type Stream struct {
	Kind Kind
	Data []byte
	Path string
	URL  string

	MimeType     string
	DownloadName string
	Size         int64
	LastModified time.Time
	// ETag is stored unquoted
	ETag string

	AsAttachment bool
	Immutable    bool
	// zero leaves caching to the client (no-cache)
	MaxAge time.Duration

	accel *accel
}

// accel is the X-Accel-Redirect setup copied from the Resolver
type accel struct {
	root   string
	prefix string
}

// Attachment is the subset of an ir_attachment row a Stream needs.
type Attachment struct {
	ID         int64
	Name       string
	MimeType   string
	Checksum   string
	StoreFname string
	DBData     []byte
	URL        string
	UpdatedAt  time.Time
}

// Record carries base64 binary field values of a single row.
type Record struct {
	Model     string
	ID        int64
	Fields    map[string]string
	UpdatedAt time.Time
	// LogAccess is set when the model tracks write dates
	LogAccess bool
}

// Bytes returns the whole content. URL streams cannot be read.
func (s *Stream) Bytes() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindURL:
		return nil, ErrURLRead
	case KindData:
		return s.Data, nil
	default:
		return os.ReadFile(s.Path)
	}
}

// validate checks that the payload matching Kind is the only one set
func (s *Stream) validate() error {
	data, path, url := s.Data != nil, s.Path != "", s.URL != ""
	var ok bool
	switch s.Kind {
	case KindData:
		ok = data
	case KindPath:
		ok = path
	case KindURL:
		ok = url
	default:
		return errorf(ErrInvalidState, "invalid kind %d", int(s.Kind))
	}
	if !ok {
		return errorf(ErrInvalidState, "nothing to stream, missing %s", s.Kind)
	}
	if data && path || data && url || path && url {
		return errorf(ErrInvalidState, "%s stream has more than one payload", s.Kind)
	}
	return nil
}
