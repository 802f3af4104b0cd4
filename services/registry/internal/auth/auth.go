// Package auth resolves bearer access keys to registry identities. Keys are
// opaque strings; only their sha256 hash is stored, so a database leak never
// exposes a usable credential.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/store"
)

var ErrUnauthorized = errors.New("unauthorized")

func parseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewKey mints a fresh access key. The caller stores only HashKey(key); the
// plaintext is shown once and never persisted.
func NewKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rk_" + hex.EncodeToString(buf), nil
}

// Authenticate maps an Authorization header to the identity its key was
// minted for. Any parse failure, unknown hash or revoked key comes back as
// ErrUnauthorized without detail.
func Authenticate(ctx context.Context, st store.Store, authorization string) (identity.Address, error) {
	token, ok := parseBearer(authorization)
	if !ok {
		return "", ErrUnauthorized
	}
	addr, err := st.IdentityForKeyHash(ctx, HashKey(token))
	if err != nil {
		if errors.Is(err, store.ErrNoSuchAccessKey) {
			return "", ErrUnauthorized
		}
		return "", err
	}
	return addr, nil
}
