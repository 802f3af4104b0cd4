package domain

import (
	"errors"
	"fmt"
)

// Kind classifies every rejected registry operation. Handlers map kinds to
// transport status codes; the codes themselves stay stable across surfaces.
type Kind string

const (
	KindAuthorization Kind = "AUTHORIZATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindStateConflict Kind = "STATE_CONFLICT"
	KindValidation    Kind = "VALIDATION"
	KindAvailability  Kind = "AVAILABILITY"
)

type RuleError struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes sentinel comparison work through errors.Is: two rule errors match
// on their stable code.
func (e *RuleError) Is(target error) bool {
	var t *RuleError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func KindOf(err error) (Kind, bool) {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

var (
	ErrNotFound = &RuleError{KindNotFound, "NOT_FOUND", "commitment does not exist"}

	ErrRegistryPaused = &RuleError{KindAvailability, "REGISTRY_PAUSED", "registry is paused"}
	ErrNotPaused      = &RuleError{KindStateConflict, "NOT_PAUSED", "registry is not paused"}
	ErrAlreadyPaused  = &RuleError{KindStateConflict, "ALREADY_PAUSED", "registry is already paused"}

	ErrFrozen        = &RuleError{KindStateConflict, "FROZEN", "commitment is frozen"}
	ErrAlreadyFrozen = &RuleError{KindStateConflict, "ALREADY_FROZEN", "commitment is already frozen"}
	ErrNotFrozen     = &RuleError{KindStateConflict, "NOT_FROZEN", "commitment is not frozen"}

	ErrAlreadySigned     = &RuleError{KindStateConflict, "ALREADY_SIGNED", "signature already recorded"}
	ErrInitiatorUnsigned = &RuleError{KindStateConflict, "INITIATOR_UNSIGNED", "initiator signature missing"}
	ErrNotSigner         = &RuleError{KindAuthorization, "NOT_SIGNER", "caller is not the designated signer"}
	ErrNotWitness        = &RuleError{KindAuthorization, "NOT_A_WITNESS", "caller is not a witness of this commitment"}

	ErrNotCompleted    = &RuleError{KindStateConflict, "NOT_COMPLETED", "commitment is not completed"}
	ErrAlreadyVerified = &RuleError{KindStateConflict, "ALREADY_VERIFIED", "commitment is already verified"}

	ErrEmptyFingerprint  = &RuleError{KindValidation, "EMPTY_FINGERPRINT", "fingerprint must not be empty"}
	ErrSignerIsInitiator = &RuleError{KindValidation, "SIGNER_IS_INITIATOR", "signer must differ from initiator"}
	ErrWitnessIsInitiator = &RuleError{KindValidation, "WITNESS_IS_INITIATOR", "witness must differ from initiator"}
	ErrWitnessIsSigner    = &RuleError{KindValidation, "WITNESS_IS_SIGNER", "witness must differ from signer"}
	ErrDuplicateWitness   = &RuleError{KindValidation, "DUPLICATE_WITNESS", "witness list contains duplicates"}
	ErrBadIdentity        = &RuleError{KindValidation, "BAD_IDENTITY", "identity is missing or malformed"}

	ErrBadSignOff = &RuleError{KindValidation, "BAD_SIGN_OFF", "sign-off envelope failed verification"}

	ErrUnknownCapability = &RuleError{KindValidation, "UNKNOWN_CAPABILITY", "capability is not recognized"}
)

func MissingCapability(c Capability) *RuleError {
	return &RuleError{KindAuthorization, "MISSING_CAPABILITY", fmt.Sprintf("caller does not hold %s", c)}
}

func WitnessNotEligible(addr string) *RuleError {
	return &RuleError{KindAuthorization, "WITNESS_NOT_ELIGIBLE", fmt.Sprintf("witness %s does not hold %s", addr, CapWitnessEligible)}
}
