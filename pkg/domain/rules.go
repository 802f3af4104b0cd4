package domain

import (
	"strings"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
)

type Capability string

const (
	CapAdministrator   Capability = "ADMINISTRATOR"
	CapOriginator      Capability = "ORIGINATOR"
	CapWitnessEligible Capability = "WITNESS_ELIGIBLE"
	CapVerifier        Capability = "VERIFIER"
	CapEmergency       Capability = "EMERGENCY"
)

func KnownCapability(c Capability) bool {
	switch c {
	case CapAdministrator, CapOriginator, CapWitnessEligible, CapVerifier, CapEmergency:
		return true
	}
	return false
}

// CapabilitySet is the whole access policy for one identity: plain
// set-membership, no hierarchy.
type CapabilitySet map[Capability]bool

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool { return s[c] }

func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for _, c := range []Capability{CapAdministrator, CapOriginator, CapWitnessEligible, CapVerifier, CapEmergency} {
		if s[c] {
			out = append(out, c)
		}
	}
	return out
}

type CreateRequest struct {
	Initiator   identity.Address
	Signer      identity.Address
	Witnesses   []identity.Address
	Fingerprint string
}

// ValidateCreate enforces the creation preconditions: non-empty fingerprint,
// a well-formed non-zero signer distinct from the initiator, and witnesses
// that are well-formed, non-zero, pairwise distinct, and distinct from both
// initiator and signer. Every participant must hold the normalized address
// form; a malformed address can never authenticate, so accepting one would
// strand the commitment. The duplicate scan is an exhaustive pairwise
// comparison; witness lists are short, so the quadratic cost is irrelevant.
func ValidateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.Fingerprint) == "" {
		return ErrEmptyFingerprint
	}
	if !req.Initiator.Valid() || req.Initiator.IsZero() {
		return ErrBadIdentity
	}
	if !req.Signer.Valid() || req.Signer.IsZero() {
		return ErrBadIdentity
	}
	if req.Signer == req.Initiator {
		return ErrSignerIsInitiator
	}
	for i, w := range req.Witnesses {
		if !w.Valid() || w.IsZero() {
			return ErrBadIdentity
		}
		if w == req.Initiator {
			return ErrWitnessIsInitiator
		}
		if w == req.Signer {
			return ErrWitnessIsSigner
		}
		for j := 0; j < i; j++ {
			if req.Witnesses[j] == w {
				return ErrDuplicateWitness
			}
		}
	}
	return nil
}

// NewCommitment builds the stored record for a validated create request. The
// initiator signs implicitly at creation and that flag never changes again.
func NewCommitment(id int64, req CreateRequest, now time.Time) Commitment {
	ws := make([]WitnessState, len(req.Witnesses))
	for i, w := range req.Witnesses {
		ws[i] = WitnessState{Address: w}
	}
	return Commitment{
		ID:              id,
		Initiator:       req.Initiator,
		Signer:          req.Signer,
		Witnesses:       ws,
		Fingerprint:     req.Fingerprint,
		CreatedAt:       now.UTC(),
		InitiatorSigned: true,
	}
}
