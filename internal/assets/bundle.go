package assets

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// archive limits
const (
	maxBundleSize   int64 = 200 << 20 // compressed download
	maxSingleFile   int64 = 25 << 20
	maxTotalExtract int64 = 1 << 30
)

// copyWithHash copies at most limit bytes and returns the sha256 hex of
// what was copied.
func copyWithHash(dst io.Writer, src io.Reader, limit int64) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), io.LimitReader(src, limit+1))
	switch {
	case err != nil:
		return n, "", err
	case n > limit:
		return n, "", xerrors.Newf("bundle exceeds max size (limit %d bytes)", limit)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// sanitizeTarPath maps an archive member name under dst, refusing absolute
// names and anything that climbs out.
func sanitizeTarPath(dst, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", xerrors.Newf("absolute path in tar: %s", name)
	}
	if !filepath.IsLocal(name) {
		return "", xerrors.Newf("path traversal in tar: %s", name)
	}
	return filepath.Join(dst, name), nil
}

// extractor unpacks one archive and tracks the running total.
type extractor struct {
	dst   string
	total int64
}

// extractTarGz unpacks the bundle at src into dst. Only regular files and
// directories are accepted, anything else fails the whole bundle.
func extractTarGz(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return xerrors.Wrapf(err, "open bundle %s", src)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return xerrors.Wrap(err, "open gzip")
	}
	defer gz.Close()

	x := &extractor{dst: dst}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return xerrors.Wrap(err, "read tar header")
		}
		if err := x.entry(hdr, tr); err != nil {
			return err
		}
	}
}

func (x *extractor) entry(hdr *tar.Header, r io.Reader) error {
	if c := filepath.Clean(hdr.Name); c == "." {
		return nil
	}
	target, err := sanitizeTarPath(x.dst, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return xerrors.Wrapf(os.MkdirAll(target, 0o755), "create dir %s", target)
	case tar.TypeReg:
	default:
		return xerrors.Newf("unsupported file type in archive: %s (type=%d)", hdr.Name, hdr.Typeflag)
	}

	if hdr.Size > maxSingleFile {
		return xerrors.Newf("file %s exceeds max size (%d > %d)", hdr.Name, hdr.Size, maxSingleFile)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return xerrors.Wrapf(err, "create dir for %s", target)
	}
	n, err := writeFile(target, r, hdr.FileInfo().Mode().Perm()|0o400)
	if err != nil {
		return err
	}
	if x.total += n; x.total > maxTotalExtract {
		return xerrors.Newf("total extracted size exceeds limit (%d bytes, max %d)", x.total, maxTotalExtract)
	}
	return nil
}

// writeFile writes one member, enforcing maxSingleFile on the actual bytes.
func writeFile(path string, r io.Reader, mode os.FileMode) (n int64, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, xerrors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = xerrors.Wrapf(cerr, "close %s", path)
		}
	}()

	n, err = io.Copy(f, io.LimitReader(r, maxSingleFile+1))
	if err != nil {
		return n, xerrors.Wrapf(err, "write %s", path)
	}
	if n > maxSingleFile {
		return n, xerrors.Newf("file too large: %s (%d bytes)", path, n)
	}
	return n, nil
}
