package stream

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

const DefaultAccelPrefix = "/web/filestore"

type Options struct {
	// Roots are searched in order for addon resources
	Roots []string

	// FilestoreDir is <data_dir>/filestore, attachments live in FilestoreDir/<Database>
	FilestoreDir string
	Database     string

	// XSendfile enables X-Accel-Redirect for files under FilestoreDir
	XSendfile   bool
	AccelPrefix string // default: "/web/filestore"
}

func (o *Options) setDefaults() {
	if o.AccelPrefix == "" {
		o.AccelPrefix = DefaultAccelPrefix
	}
}

func (o *Options) validate() error {
	for i, r := range o.Roots {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("%w: root %d is empty", ErrInvalidOptions, i)
		}
	}
	if o.Database != "" {
		if _, ok := pathutil.SafeJoin(".", o.Database); !ok || strings.ContainsAny(o.Database, `/\`) {
			return fmt.Errorf("%w: database name %q is not a single path element", ErrInvalidOptions, o.Database)
		}
	}
	if o.XSendfile && o.FilestoreDir == "" {
		return fmt.Errorf("%w: XSendfile requires FilestoreDir", ErrInvalidOptions)
	}
	if !strings.HasPrefix(o.AccelPrefix, "/") {
		return fmt.Errorf("%w: AccelPrefix %q must start with /", ErrInvalidOptions, o.AccelPrefix)
	}
	return nil
}

// Resolver builds Streams. It is safe for concurrent use once created.
type Resolver struct {
	roots     []string
	filestore string
	database  string
	accel     *accel
}

func New(opts Options) (*Resolver, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	r := &Resolver{database: opts.Database}
	for _, root := range opts.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, xerrors.Wrapf(err, "resolve root %q", root)
		}
		r.roots = append(r.roots, abs)
	}
	if opts.FilestoreDir != "" {
		abs, err := filepath.Abs(opts.FilestoreDir)
		if err != nil {
			return nil, xerrors.Wrapf(err, "resolve filestore %q", opts.FilestoreDir)
		}
		r.filestore = abs
	}
	if opts.XSendfile {
		r.accel = &accel{root: r.filestore, prefix: strings.TrimRight(opts.AccelPrefix, "/")}
	}
	return r, nil
}

// Roots returns the trusted roots in search order.
func (r *Resolver) Roots() []string {
	return append([]string(nil), r.roots...)
}

// FromPath streams an addon resource found under the trusted roots.
//
// The ETag combines the modification time, the size and a checksum of the
// resolved path, so it changes whenever the file is replaced.
func (r *Resolver) FromPath(p string, exts ...string) (*Stream, error) {
	resolved, err := pathutil.Resolve(r.roots, p, exts)
	if err != nil {
		err = xerrors.Replace(err, ErrNotFound, pathutil.ErrNotFound)
		err = xerrors.Replace(err, ErrInvalidArgument, pathutil.ErrUnsupported)
		return nil, xerrors.Wrapf(err, "resolve %q", p)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}

	return &Stream{
		Kind:         KindPath,
		Path:         resolved,
		DownloadName: filepath.Base(resolved),
		ETag:         fmt.Sprintf("%d-%d-%d", info.ModTime().Unix(), info.Size(), cryptoutil.Adler32(resolved)),
		LastModified: info.ModTime(),
		Size:         info.Size(),
		accel:        r.accel,
	}, nil
}

// FromAttachment streams an attachment, preferring in order its filestore
// file, its inline data, then its URL. An attachment with none of them is
// an empty data stream.
//
// host is the request Host, used to recognize URLs pointing at local static
// resources, which are streamed from disk instead of redirected to.
func (r *Resolver) FromAttachment(att Attachment, host string) (*Stream, error) {
	s := &Stream{
		MimeType:     att.MimeType,
		DownloadName: att.Name,
		ETag:         att.Checksum,
		accel:        r.accel,
	}

	switch {
	case att.StoreFname != "":
		p, ok := pathutil.SafeJoin(r.dbFilestore(), att.StoreFname)
		if !ok {
			return nil, fmt.Errorf("%w: store file %q of attachment %d is outside the filestore", ErrNotFound, att.StoreFname, att.ID)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		s.Kind = KindPath
		s.Path = p
		s.LastModified = info.ModTime()
		s.Size = info.Size()

	case len(att.DBData) > 0:
		s.Kind = KindData
		s.Data = att.DBData
		s.LastModified = att.UpdatedAt
		s.Size = int64(len(att.DBData))

	case att.URL != "":
		if p, ok := r.staticPath(att.URL, host); ok {
			return r.FromPath(p)
		}
		s.Kind = KindURL
		s.URL = att.URL

	default:
		s.Kind = KindData
		s.Data = []byte{}
	}
	return s, nil
}

// FromBinaryField streams the decoded base64 value of field. A missing or
// empty value is an empty stream.
func (r *Resolver) FromBinaryField(rec Record, field string) (*Stream, error) {
	data := []byte{}
	if raw := rec.Fields[field]; raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(stripSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: field %s of %s(%d) is not base64: %v", ErrInvalidArgument, field, rec.Model, rec.ID, err)
		}
		data = decoded
	}

	s := &Stream{
		Kind:  KindData,
		Data:  data,
		ETag:  cryptoutil.SHA1Hex(data),
		Size:  int64(len(data)),
		accel: r.accel,
	}
	if rec.LogAccess {
		s.LastModified = rec.UpdatedAt
	}
	return s, nil
}

func (r *Resolver) dbFilestore() string {
	if r.database == "" {
		return r.filestore
	}
	return filepath.Join(r.filestore, r.database)
}

// stored base64 is often line-wrapped
func stripSpace(s string) string {
	return strings.Map(func(c rune) rune {
		if unicode.IsSpace(c) {
			return -1
		}
		return c
	}, s)
}

func errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
