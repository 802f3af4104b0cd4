// Package fingerprint computes content fingerprints: SHA-256 digests in the
// registry's canonical "0x" + 64 lowercase hex form.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"regexp"
	"strings"
)

var ErrInvalidFingerprint = errors.New("invalid fingerprint")

var reHex64 = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

func Sum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Sum(f)
}

// CanonicalJSON canonicalizes v and fingerprints the resulting bytes.
// Marshaling only sorts keys for maps, so the value is round-tripped through
// generic JSON values first; structs and their decoded generic forms hash
// identically.
func CanonicalJSON(v any) (fp string, raw []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return "", nil, err
	}
	b, err = json.Marshal(generic)
	if err != nil {
		return "", nil, err
	}
	return SumBytes(b), b, nil
}

// Normalize accepts the canonical "0x<hex>" form plus the bare-hex and
// "sha256:<hex>" spellings produced by older tooling, and returns the
// canonical lowercase form.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s = s[2:]
	case strings.HasPrefix(strings.ToLower(s), "sha256:"):
		s = s[len("sha256:"):]
	}
	if !reHex64.MatchString(s) {
		return "", ErrInvalidFingerprint
	}
	return "0x" + strings.ToLower(s), nil
}

func Valid(s string) bool {
	_, err := Normalize(s)
	return err == nil
}
