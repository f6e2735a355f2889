package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// PublicKeyGetter is the subset of *kms.Client the verifier uses.
type PublicKeyGetter interface {
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks signatures made with an asymmetric KMS key. The public
// key is fetched once and verification happens locally.
type KMSVerifier struct {
	client PublicKeyGetter
	keyID  string

	mu  sync.Mutex
	pub crypto.PublicKey
}

func NewKMSVerifier(client PublicKeyGetter, keyID string) *KMSVerifier {
	return &KMSVerifier{client: client, keyID: keyID}
}

// PublicKey returns the cached key, fetching it on first use. A failed
// fetch is retried on the next call.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pub != nil {
		return v.pub, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyID)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyID)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyID, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	v.pub = pub
	return pub, nil
}

// VerifySignature checks sig over message. ECDSA keys hash with the curve's
// matching SHA-2, RSA keys must use PSS over SHA-256.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, sig []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		digest, err := curveDigest(key.Curve, message)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return xerrors.Newf("ECDSA signature verification failed (curve %s)", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		return xerrors.Wrap(rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, nil), "RSA-PSS verification failed")
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

func curveDigest(c elliptic.Curve, message []byte) ([]byte, error) {
	switch c {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return d[:], nil
	}
	return nil, xerrors.Newf("unsupported ECDSA curve: %s", c.Params().Name)
}
