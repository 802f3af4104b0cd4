package domain

import (
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleSigner    Role = "signer"
	RoleWitness   Role = "witness"
	RoleNone      Role = "none"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallySigned Status = "partially_signed"
	StatusCompleted       Status = "completed"
	StatusVerified        Status = "verified"
)

type WitnessState struct {
	Address  identity.Address `json:"address"`
	Signed   bool             `json:"signed"`
	SignedAt *time.Time       `json:"signed_at,omitempty"`
}

// Commitment is the authoritative record for one fingerprint sign-off.
// Identity, participants and fingerprint are immutable after creation; the
// signed flags, completion and verification only ever flip false→true, and
// frozen is the single reversible bit.
type Commitment struct {
	ID                 int64            `json:"commitment_id"`
	Initiator          identity.Address `json:"initiator"`
	Signer             identity.Address `json:"signer"`
	Witnesses          []WitnessState   `json:"witnesses"`
	Fingerprint        string           `json:"fingerprint"`
	CreatedAt          time.Time        `json:"created_at"`
	InitiatorSigned    bool             `json:"initiator_signed"`
	SignerSigned       bool             `json:"signer_signed"`
	SignerSignedAt     *time.Time       `json:"signer_signed_at,omitempty"`
	WitnessSignedCount int              `json:"witness_signed_count"`
	Completed          bool             `json:"is_completed"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	Frozen             bool             `json:"is_frozen"`
	Verified           bool             `json:"is_verified"`
	VerifiedAt         *time.Time       `json:"verified_at,omitempty"`
}

func (c *Commitment) witnessIndex(a identity.Address) int {
	for i := range c.Witnesses {
		if c.Witnesses[i].Address == a {
			return i
		}
	}
	return -1
}

func (c *Commitment) IsWitness(a identity.Address) bool { return c.witnessIndex(a) >= 0 }

func (c *Commitment) WitnessSigned(a identity.Address) bool {
	i := c.witnessIndex(a)
	return i >= 0 && c.Witnesses[i].Signed
}

// RoleOf labels the caller's relationship to the commitment. Participants are
// pairwise distinct by construction, so the first match is the only one.
func (c *Commitment) RoleOf(a identity.Address) Role {
	switch {
	case a == c.Initiator:
		return RoleInitiator
	case a == c.Signer:
		return RoleSigner
	case c.IsWitness(a):
		return RoleWitness
	default:
		return RoleNone
	}
}

// RequiredSignatures counts every signature the commitment needs to complete:
// initiator, signer, and one per witness.
func (c *Commitment) RequiredSignatures() int { return 2 + len(c.Witnesses) }

func (c *Commitment) CollectedSignatures() int {
	n := c.WitnessSignedCount
	if c.InitiatorSigned {
		n++
	}
	if c.SignerSigned {
		n++
	}
	return n
}

func (c *Commitment) Status() Status {
	switch {
	case c.Verified:
		return StatusVerified
	case c.Completed:
		return StatusCompleted
	case c.SignerSigned || c.WitnessSignedCount > 0:
		return StatusPartiallySigned
	default:
		return StatusPending
	}
}

// completionDue is the completion predicate; it never looks at c.Completed.
func (c *Commitment) completionDue() bool {
	return c.InitiatorSigned && c.SignerSigned && c.WitnessSignedCount == len(c.Witnesses)
}

// SignAsSigner records the designated signer's signature. The initiator guard
// is kept explicit even though it always holds after creation.
func (c *Commitment) SignAsSigner(caller identity.Address, now time.Time) error {
	if c.Frozen {
		return ErrFrozen
	}
	if caller != c.Signer {
		return ErrNotSigner
	}
	if c.SignerSigned {
		return ErrAlreadySigned
	}
	if !c.InitiatorSigned {
		return ErrInitiatorUnsigned
	}
	at := now.UTC()
	c.SignerSigned = true
	c.SignerSignedAt = &at
	return nil
}

// SignAsWitness records one witness signature and advances the counter.
func (c *Commitment) SignAsWitness(caller identity.Address, now time.Time) error {
	if c.Frozen {
		return ErrFrozen
	}
	if !c.InitiatorSigned {
		return ErrInitiatorUnsigned
	}
	i := c.witnessIndex(caller)
	if i < 0 {
		return ErrNotWitness
	}
	if c.Witnesses[i].Signed {
		return ErrAlreadySigned
	}
	at := now.UTC()
	c.Witnesses[i].Signed = true
	c.Witnesses[i].SignedAt = &at
	c.WitnessSignedCount++
	return nil
}

// RunCompletion applies the completion check after a signing action. It
// reports true exactly once per commitment: the guard on c.Completed makes
// the transition and its notification one-shot.
func (c *Commitment) RunCompletion(now time.Time) bool {
	if c.Completed || !c.completionDue() {
		return false
	}
	at := now.UTC()
	c.Completed = true
	c.CompletedAt = &at
	return true
}

// Freeze blocks future signature mutations without touching signature state.
func (c *Commitment) Freeze() error {
	if c.Frozen {
		return ErrAlreadyFrozen
	}
	c.Frozen = true
	return nil
}

func (c *Commitment) Unfreeze() error {
	if !c.Frozen {
		return ErrNotFrozen
	}
	c.Frozen = false
	return nil
}

// Verify marks a completed commitment as verified, once.
func (c *Commitment) Verify(now time.Time) error {
	if !c.Completed {
		return ErrNotCompleted
	}
	if c.Verified {
		return ErrAlreadyVerified
	}
	at := now.UTC()
	c.Verified = true
	c.VerifiedAt = &at
	return nil
}

// Clone returns a deep copy; stores hand copies out so callers can never
// mutate authoritative state in place.
func (c *Commitment) Clone() Commitment {
	out := *c
	out.Witnesses = make([]WitnessState, len(c.Witnesses))
	copy(out.Witnesses, c.Witnesses)
	for i := range out.Witnesses {
		if at := c.Witnesses[i].SignedAt; at != nil {
			t := *at
			out.Witnesses[i].SignedAt = &t
		}
	}
	if c.SignerSignedAt != nil {
		t := *c.SignerSignedAt
		out.SignerSignedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.VerifiedAt != nil {
		t := *c.VerifiedAt
		out.VerifiedAt = &t
	}
	return out
}
