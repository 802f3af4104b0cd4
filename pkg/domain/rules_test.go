package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
)

var (
	addrA = identity.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	addrB = identity.Address("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	addrC = identity.Address("0xcccccccccccccccccccccccccccccccccccccccc")
	addrD = identity.Address("0xdddddddddddddddddddddddddddddddddddddddd")
)

func validCreate() CreateRequest {
	return CreateRequest{
		Initiator:   addrA,
		Signer:      addrB,
		Witnesses:   []identity.Address{addrC, addrD},
		Fingerprint: "0xba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
	}
}

func TestValidateCreateAccepts(t *testing.T) {
	if err := ValidateCreate(validCreate()); err != nil {
		t.Fatalf("ValidateCreate: %v", err)
	}
	req := validCreate()
	req.Witnesses = nil
	if err := ValidateCreate(req); err != nil {
		t.Fatalf("ValidateCreate without witnesses: %v", err)
	}
}

func TestValidateCreateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"empty fingerprint", func(r *CreateRequest) { r.Fingerprint = "  " }, ErrEmptyFingerprint},
		{"zero signer", func(r *CreateRequest) { r.Signer = identity.Zero }, ErrBadIdentity},
		{"missing signer", func(r *CreateRequest) { r.Signer = "" }, ErrBadIdentity},
		{"signer equals initiator", func(r *CreateRequest) { r.Signer = r.Initiator }, ErrSignerIsInitiator},
		{"witness equals initiator", func(r *CreateRequest) { r.Witnesses[1] = r.Initiator }, ErrWitnessIsInitiator},
		{"witness equals signer", func(r *CreateRequest) { r.Witnesses[0] = r.Signer }, ErrWitnessIsSigner},
		{"duplicate witness", func(r *CreateRequest) { r.Witnesses[1] = r.Witnesses[0] }, ErrDuplicateWitness},
		{"zero witness", func(r *CreateRequest) { r.Witnesses[0] = identity.Zero }, ErrBadIdentity},
		{"malformed signer", func(r *CreateRequest) { r.Signer = "bob" }, ErrBadIdentity},
		{"malformed witness", func(r *CreateRequest) { r.Witnesses[0] = "not-an-address!" }, ErrBadIdentity},
		{"unnormalized signer", func(r *CreateRequest) { r.Signer = identity.Address("0x" + strings.Repeat("A", 40)) }, ErrBadIdentity},
		{"truncated witness", func(r *CreateRequest) { r.Witnesses[1] = "0xabc" }, ErrBadIdentity},
	}
	for _, tc := range cases {
		req := validCreate()
		tc.mutate(&req)
		err := ValidateCreate(req)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
		if !IsKind(err, KindValidation) {
			t.Fatalf("%s: expected validation kind, got %v", tc.name, err)
		}
	}
}

func TestValidateCreateCombinedViolations(t *testing.T) {
	// Several violations at once must still reject; whichever fires first
	// is a validation error.
	req := validCreate()
	req.Signer = req.Initiator
	req.Witnesses[0] = req.Initiator
	req.Witnesses[1] = req.Witnesses[0]
	if err := ValidateCreate(req); !IsKind(err, KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewCommitmentInitiatorSigned(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewCommitment(7, validCreate(), now)
	if c.ID != 7 {
		t.Fatalf("unexpected id %d", c.ID)
	}
	if !c.InitiatorSigned || c.SignerSigned || c.WitnessSignedCount != 0 {
		t.Fatalf("unexpected initial signature state: %+v", c)
	}
	if c.Completed || c.Frozen || c.Verified {
		t.Fatalf("unexpected initial flags: %+v", c)
	}
	if len(c.Witnesses) != 2 || c.Witnesses[0].Address != addrC {
		t.Fatalf("witness list not preserved: %+v", c.Witnesses)
	}
	if !c.CreatedAt.Equal(now) {
		t.Fatalf("created_at not fixed at creation")
	}
}

func TestCapabilitySet(t *testing.T) {
	s := NewCapabilitySet(CapOriginator, CapVerifier)
	if !s.Has(CapOriginator) || !s.Has(CapVerifier) {
		t.Fatalf("expected held capabilities")
	}
	if s.Has(CapEmergency) {
		t.Fatalf("unexpected capability")
	}
	got := s.List()
	if len(got) != 2 || got[0] != CapOriginator || got[1] != CapVerifier {
		t.Fatalf("unexpected list order: %v", got)
	}
	if !KnownCapability(CapAdministrator) || KnownCapability(Capability("ROOT")) {
		t.Fatalf("KnownCapability misclassified")
	}
}
