package signature

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/fingerprint"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuedAt      = errors.New("invalid issued_at")
	ErrFingerprintMismatch  = errors.New("fingerprint mismatch")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
)

type VerifyResult struct {
	IssuedAt time.Time
}

// Sign produces a sign-off envelope over a content fingerprint. The signed
// message is the raw 32-byte digest, so the envelope is independent of the
// fingerprint's textual spelling.
func Sign(priv ed25519.PrivateKey, fp string, issuedAt time.Time, keyID string) (Envelope, error) {
	digest, err := digestBytes(fp)
	if err != nil {
		return Envelope{}, err
	}
	canonical, err := fingerprint.Normalize(fp)
	if err != nil {
		return Envelope{}, ErrInvalidEncoding
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Envelope{}, ErrInvalidEncoding
	}
	return Envelope{
		Version:     EnvelopeVersion,
		Algorithm:   AlgorithmEd,
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Signature:   base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)),
		Fingerprint: canonical,
		IssuedAt:    issuedAt.UTC().Format(time.RFC3339Nano),
		KeyID:       keyID,
	}, nil
}

// Verify checks an envelope against the fingerprint the caller expects it to
// cover.
func Verify(env Envelope, expectedFingerprint string) (VerifyResult, error) {
	if strings.TrimSpace(env.Version) != EnvelopeVersion {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.ToLower(strings.TrimSpace(env.Algorithm)) != AlgorithmEd {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.TrimSpace(env.IssuedAt) == "" {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	if !strings.HasSuffix(env.IssuedAt, "Z") {
		return VerifyResult{}, ErrInvalidIssuedAt
	}

	expected, err := digestBytes(expectedFingerprint)
	if err != nil {
		return VerifyResult{}, err
	}
	claimed, err := digestBytes(env.Fingerprint)
	if err != nil {
		return VerifyResult{}, err
	}
	if subtle.ConstantTimeCompare(expected, claimed) != 1 {
		return VerifyResult{}, ErrFingerprintMismatch
	}

	publicKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.PublicKey))
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Signature))
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return VerifyResult{}, ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), expected, sig) {
		return VerifyResult{}, ErrInvalidSignature
	}
	return VerifyResult{IssuedAt: issuedAt.UTC()}, nil
}

func digestBytes(fp string) ([]byte, error) {
	canonical, err := fingerprint.Normalize(fp)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(strings.TrimPrefix(canonical, "0x"))
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}
