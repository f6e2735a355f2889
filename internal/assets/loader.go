// Package assets installs the addon static files bundle published to S3.
//
// The SHA-256 of the current bundle is read from an SSM parameter, the
// bundle <prefix>/<sha256>.tar.gz is downloaded from S3, verified and
// extracted into <dir>/<sha256>. That directory then serves as an extra
// trusted root for static resources.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// ParameterGetter is the subset of *ssm.Client the Loader uses.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ObjectGetter is the subset of *s3.Client the Loader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier is implemented by cryptoutil.KMSVerifier.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, sig []byte) error
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveAssetsLoadDuration(seconds float64)
	SetAssetsBundle(sha256 string)
}

type Options struct {
	Logger  log.Logger
	Metrics Metrics

	// SSM parameter containing the bundle SHA256 hash
	SSMParam string

	// S3 location for bundles: s3://{bucket}/{prefix}/{hash}.tar.gz
	S3Bucket string
	S3Prefix string

	// Dir receives one subdirectory per bundle hash
	Dir string

	// AWS config (uses default if nil)
	AWSConfig *aws.Config

	// KMSKeyID enables signature checks: <key>.sig next to the bundle must
	// be a signature over the bundle's sha256 hex digest.
	KMSKeyID string

	// clients built from AWSConfig when nil
	SSM      ParameterGetter
	S3       ObjectGetter
	Verifier SignatureVerifier
}

type Loader struct {
	opts     Options
	ssm      ParameterGetter
	s3       ObjectGetter
	verifier SignatureVerifier
	logger   log.Logger

	installed atomic.Pointer[string]
}

// NewLoader checks the required options and builds the AWS clients that
// were not injected.
func NewLoader(ctx context.Context, opts Options) (*Loader, error) {
	for _, req := range [][2]string{{"SSMParam", opts.SSMParam}, {"S3Bucket", opts.S3Bucket}, {"Dir", opts.Dir}} {
		if req[1] == "" {
			return nil, xerrors.Newf("%s is required", req[0])
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	l := &Loader{
		opts:     opts,
		ssm:      opts.SSM,
		s3:       opts.S3,
		verifier: opts.Verifier,
		logger:   opts.Logger.With("assets_bucket", opts.S3Bucket),
	}
	needKMS := opts.KMSKeyID != "" && l.verifier == nil
	if l.ssm != nil && l.s3 != nil && !needKMS {
		return l, nil
	}

	awsCfg, err := l.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	if l.ssm == nil {
		l.ssm = ssm.NewFromConfig(awsCfg)
	}
	if l.s3 == nil {
		l.s3 = s3.NewFromConfig(awsCfg)
	}
	if needKMS {
		l.verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), opts.KMSKeyID)
	}
	return l, nil
}

func (l *Loader) awsConfig(ctx context.Context) (aws.Config, error) {
	if l.opts.AWSConfig != nil {
		return *l.opts.AWSConfig, nil
	}
	c, err := config.LoadDefaultConfig(ctx)
	return c, xerrors.Wrap(err, "load AWS config")
}

// CurrentHash reads the published bundle digest from SSM. It names a
// directory, so anything but a sha256 hex digest is refused.
func (l *Loader) CurrentHash(ctx context.Context) (string, error) {
	param := l.opts.SSMParam
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", param)
	}

	hash := strings.ToLower(strings.TrimSpace(aws.ToString(out.Parameter.Value)))
	if raw, err := hex.DecodeString(hash); err != nil || len(raw) != sha256.Size {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 hex digest", param)
	}
	return hash, nil
}

func (l *Loader) s3Key(hash string) string {
	return path.Join(strings.Trim(l.opts.S3Prefix, "/"), hash+".tar.gz")
}

// Download streams the bundle into a temp file under Dir and returns its
// path once the content hash matches.
func (l *Loader) Download(ctx context.Context, hash string) (string, error) {
	key := l.s3Key(hash)
	l.logger.Info(ctx, "downloading assets bundle", "key", key, "expected_hash", hash)

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(l.opts.Dir, ".bundle-*.tar.gz")
	if err != nil {
		return "", xerrors.Wrap(err, "create temp file")
	}
	n, got, err := copyWithHash(tmp, out.Body, maxBundleSize)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		err = xerrors.Wrap(err, "download bundle")
	case !cryptoutil.HashEqual(got, hash):
		err = xerrors.Newf("checksum mismatch: expected %s, got %s", hash, got)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	l.logger.Info(ctx, "downloaded assets bundle", "bytes", n, "hash", got)
	return tmp.Name(), nil
}

// Load installs the current bundle and returns its directory. A bundle
// already extracted by an earlier run is reused without downloading.
func (l *Loader) Load(ctx context.Context) (string, error) {
	start := time.Now()

	hash, err := l.CurrentHash(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.opts.Dir, 0o755); err != nil {
		return "", xerrors.Wrapf(err, "create assets dir %s", l.opts.Dir)
	}

	dest := filepath.Join(l.opts.Dir, hash)
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		l.logger.Info(ctx, "assets bundle already installed", "hash", hash, "dir", dest)
		l.installedAt(hash, start)
		return dest, nil
	}

	archive, err := l.Download(ctx, hash)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	if l.verifier != nil {
		if err := l.verify(ctx, hash); err != nil {
			return "", err
		}
	}

	if err := l.install(archive, dest); err != nil {
		return "", err
	}
	l.logger.Info(ctx, "installed assets bundle", "hash", hash, "dir", dest, "took", time.Since(start).String())
	l.installedAt(hash, start)
	return dest, nil
}

// maxSignatureSize bounds the detached signature download
const maxSignatureSize = 8 << 10

// verify checks the detached signature over the published digest. The
// archive itself was already matched against the digest.
func (l *Loader) verify(ctx context.Context, hash string) error {
	key := l.s3Key(hash) + ".sig"
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return xerrors.Wrapf(err, "get signature s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	sig, err := io.ReadAll(io.LimitReader(out.Body, maxSignatureSize+1))
	switch {
	case err != nil:
		return xerrors.Wrap(err, "read signature")
	case len(sig) == 0 || len(sig) > maxSignatureSize:
		return xerrors.Newf("signature %s has invalid size %d", key, len(sig))
	}
	if err := l.verifier.VerifySignature(ctx, []byte(hash), sig); err != nil {
		return xerrors.Wrapf(err, "bundle %s signature", hash)
	}
	l.logger.Info(ctx, "assets bundle signature verified", "hash", hash)
	return nil
}

// install extracts into a staging dir next to dest and renames it, so dest
// only ever exists complete.
func (l *Loader) install(archive, dest string) error {
	staging, err := os.MkdirTemp(l.opts.Dir, "."+filepath.Base(dest)+"-*")
	if err != nil {
		return xerrors.Wrap(err, "create staging dir")
	}
	if err := extractTarGz(archive, staging); err != nil {
		os.RemoveAll(staging)
		return xerrors.Wrap(err, "extract bundle")
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return xerrors.Wrapf(err, "install bundle into %s", dest)
	}
	return nil
}

// BundleHash returns the hash of the last bundle Load installed, "" before
// the first successful Load.
func (l *Loader) BundleHash() string {
	if h := l.installed.Load(); h != nil {
		return *h
	}
	return ""
}

func (l *Loader) installedAt(hash string, start time.Time) {
	l.installed.Store(&hash)
	if m := l.opts.Metrics; m != nil {
		m.ObserveAssetsLoadDuration(time.Since(start).Seconds())
		m.SetAssetsBundle(hash)
	}
}
