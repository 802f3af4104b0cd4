package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/store"
)

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	alice := identity.Address("0x" + strings.Repeat("a", 40))

	key, err := NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	err = m.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertAccessKey(ctx, HashKey(key), alice)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := Authenticate(ctx, m, "Bearer "+key)
	if err != nil || got != alice {
		t.Fatalf("authenticate: %v %v", got, err)
	}

	for _, header := range []string{"", "Bearer ", "Bearer nope", "Basic " + key, key} {
		if _, err := Authenticate(ctx, m, header); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("header %q: got %v", header, err)
		}
	}

	err = m.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.RevokeAccessKey(ctx, HashKey(key))
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := Authenticate(ctx, m, "Bearer "+key); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked key: got %v", err)
	}
}
