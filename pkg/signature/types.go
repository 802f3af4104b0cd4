// Package signature builds and verifies sign-off envelopes: a detached
// ed25519 signature over a commitment's content fingerprint. Clients may
// attach an envelope to a signing call to prove the caller saw the exact
// content being committed to.
package signature

type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	Fingerprint string `json:"fingerprint"`
	IssuedAt    string `json:"issued_at"`
	KeyID       string `json:"key_id,omitempty"`
}

const (
	EnvelopeVersion = "signoff-v1"
	AlgorithmEd     = "ed25519"
)
